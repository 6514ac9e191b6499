// Package health exposes liveness and readiness checks.
package health

import (
	"context"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// Pinger is anything readiness depends on, such as the session store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the checks.
type Options struct {
	// Registerer, when set, also exports check results as the
	// focus_healthcheck_status gauge.
	Registerer prometheus.Registerer
	// MaxGoroutines fails liveness above this count. Zero disables the check.
	MaxGoroutines int
	// Timeout bounds each readiness ping.
	Timeout time.Duration
}

// New builds the handler. Each named pinger becomes a readiness check.
func New(opts Options, ready map[string]Pinger) healthcheck.Handler {
	var h healthcheck.Handler
	if opts.Registerer != nil {
		h = healthcheck.NewMetricsHandler(opts.Registerer, "focus")
	} else {
		h = healthcheck.NewHandler()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}

	if opts.MaxGoroutines > 0 {
		h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(opts.MaxGoroutines))
	}
	for name, p := range ready {
		h.AddReadinessCheck(name, pingCheck(p, opts.Timeout))
	}
	return h
}

func pingCheck(p Pinger, timeout time.Duration) healthcheck.Check {
	return healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return p.Ping(ctx)
	}, timeout)
}
