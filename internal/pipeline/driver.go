package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/tjfontaine/focus/internal/pipeline"

// Timeouts are the watchdog budgets for a stage invocation.
type Timeouts struct {
	// Stage is the budget every stage starts with.
	Stage time.Duration
	// Extended replaces Stage once the stage calls Signal.Extend.
	Extended time.Duration
}

// DefaultTimeouts returns the stock watchdog budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Stage:    2000 * time.Millisecond,
		Extended: 5000 * time.Millisecond,
	}
}

// Transport is the response side of the request as seen by the driver.
type Transport interface {
	// Connected reports whether the response can still take output.
	Connected() bool
	// Send flushes buffered output and ends the response.
	Send() error
	// Close ends the response without writing buffered output.
	Close() error
}

// Request is everything the driver needs for one inbound request.
type Request struct {
	Plugins    *Plugins
	Controller *Controller
	Action     string
	Transport  Transport
}

// State is the mutable record of one request's pipeline. Only the Driver
// writes to it.
type State struct {
	main      []Stage
	finalize  []Stage
	connected bool
	phase     Phase
	trail     []string
	abortedAt string
}

// disconnect clears the connected flag and publishes it to the plugins.
func (st *State) disconnect(chain *Chain) {
	st.connected = false
	if chain.plugins != nil {
		chain.plugins.disconnected.Store(true)
	}
}

func newState(chain *Chain) *State {
	st := &State{connected: true}
	st.main = append(st.main, chain.Main...)
	st.finalize = append(st.finalize, chain.Finalize...)
	return st
}

// Result summarizes a finished pipeline.
type Result struct {
	// Trail lists the labels of the stages that ran, in order.
	Trail []string
	// Connected is the connected flag when the pipeline reached Done.
	Connected bool
	// AbortedAt is the label of the stage that aborted the main list, if any.
	AbortedAt string
}

// Driver runs hook chains. One Driver serves all requests; per-request state
// lives in State values it creates.
type Driver struct {
	clock    clockwork.Clock
	timeouts Timeouts
	diag     Diagnostics
	observer Observer
	tracer   trace.Tracer
}

// Option configures a Driver.
type Option func(*Driver)

// WithClock sets the clock watchdogs run on.
func WithClock(c clockwork.Clock) Option {
	return func(d *Driver) { d.clock = c }
}

// WithTimeouts sets the watchdog budgets. Zero fields keep their defaults.
func WithTimeouts(t Timeouts) Option {
	return func(d *Driver) {
		if t.Stage > 0 {
			d.timeouts.Stage = t.Stage
		}
		if t.Extended > 0 {
			d.timeouts.Extended = t.Extended
		}
	}
}

// WithDiagnostics sets the diagnostics sink.
func WithDiagnostics(diag Diagnostics) Option {
	return func(d *Driver) { d.diag = diag }
}

// WithObserver sets the stage observer.
func WithObserver(o Observer) Option {
	return func(d *Driver) { d.observer = o }
}

// WithTracer sets the tracer used for per-stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(d *Driver) { d.tracer = t }
}

// NewDriver creates a driver with a real clock and slog diagnostics unless
// overridden.
func NewDriver(opts ...Option) *Driver {
	d := &Driver{
		clock:    clockwork.NewRealClock(),
		timeouts: DefaultTimeouts(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.diag == nil {
		d.diag = NewLogDiagnostics(nil)
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(tracerName)
	}
	return d
}

// Timeouts returns the configured watchdog budgets.
func (d *Driver) Timeouts() Timeouts {
	return d.timeouts
}

// RunPipeline builds the chain for req and drives it to completion. It
// returns a *ResolutionError, without touching the transport, when the action
// does not resolve.
func (d *Driver) RunPipeline(ctx context.Context, req Request) (*Result, error) {
	chain, err := BuildChain(req.Plugins, req.Controller, req.Action)
	if err != nil {
		return nil, err
	}
	return d.Drive(ctx, chain, req.Transport), nil
}

// Drive runs the main list, then the finalization list, then the response
// finalizer. It returns once all three have settled.
//
// Cancellation of ctx aborts a pending main stage. Finalization stages run on
// a context detached from ctx's cancellation so they always complete.
func (d *Driver) Drive(ctx context.Context, chain *Chain, t Transport) *Result {
	st := newState(chain)

	for st.phase == PhaseRunning {
		if !st.connected || len(st.main) == 0 {
			st.phase = PhaseFinalizing
			break
		}
		if !t.Connected() {
			st.disconnect(chain)
			continue
		}
		stage := st.main[0]
		st.main = st.main[1:]
		if d.run(ctx, st, stage) == Abort {
			st.disconnect(chain)
			st.abortedAt = stage.Label
		}
	}

	fctx := context.WithoutCancel(ctx)
	for len(st.finalize) > 0 {
		stage := st.finalize[0]
		st.finalize = st.finalize[1:]
		d.run(fctx, st, stage)
	}

	if st.connected && !t.Connected() {
		st.disconnect(chain)
	}
	st.phase = PhaseDone
	d.finish(fctx, st, t)

	return &Result{
		Trail:     st.trail,
		Connected: st.connected,
		AbortedAt: st.abortedAt,
	}
}

// run executes one stage and waits for its outcome.
func (d *Driver) run(ctx context.Context, st *State, stage Stage) Outcome {
	st.trail = append(st.trail, stage.Label)
	start := d.clock.Now()

	ctx, span := d.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("focus.stage.label", stage.Label),
		attribute.String("focus.stage.kind", string(stage.Kind)),
	))
	defer span.End()

	report := func(level slog.Level, msg string, attrs ...slog.Attr) {
		d.diag.Report(ctx, level, stage.Label, msg, attrs...)
	}
	sig := newSignal(stage.Label, d.clock, d.timeouts.Extended, report)
	sig.start(d.timeouts.Stage)

	if err := invoke(stage, sig); err != nil {
		cause := CauseError
		if IsInterrupt(err) {
			cause = CauseInterrupt
		}
		if sig.resolve(Abort, cause) {
			if cause == CauseError {
				d.reportFailure(ctx, stage.Label, err)
				span.RecordError(err)
			}
		} else if cause == CauseError {
			report(slog.LevelWarn, "stage failed after it resolved", slog.String("error", err.Error()))
		}
	}

	var outcome Outcome
	select {
	case outcome = <-sig.result:
	case <-ctx.Done():
		if sig.resolve(Abort, CauseCancelled) {
			report(slog.LevelWarn, "request context ended before the stage completed",
				slog.String("error", ctx.Err().Error()))
		}
		outcome = <-sig.result
	}

	cause := sig.resolvedCause()
	span.SetAttributes(
		attribute.String("focus.stage.outcome", outcome.String()),
		attribute.String("focus.stage.cause", string(cause)),
	)
	if outcome == Abort && cause != CauseInterrupt {
		span.SetStatus(codes.Error, string(cause))
	}
	d.observer.StageFinished(stage.Kind, outcome, cause, d.clock.Since(start).Seconds())
	return outcome
}

func (d *Driver) reportFailure(ctx context.Context, label string, err error) {
	attrs := []slog.Attr{slog.String("error", err.Error())}
	var pe *PanicError
	if errors.As(err, &pe) {
		attrs = append(attrs, slog.String("stack", string(pe.Stack)))
	}
	d.diag.Report(ctx, slog.LevelError, label, "stage ended with error", attrs...)
}

// finish is the response finalizer. It runs exactly once per request.
func (d *Driver) finish(ctx context.Context, st *State, t Transport) {
	var err error
	if st.connected {
		err = t.Send()
	} else {
		err = t.Close()
	}
	if err != nil {
		d.diag.Report(ctx, slog.LevelWarn, "finalizer", "response finalizer failed",
			slog.Bool("connected", st.connected), slog.String("error", err.Error()))
	}
	d.observer.PipelineFinished(st.connected)
}

// invoke calls the stage body, converting a panic into a *PanicError.
func invoke(stage Stage, sig *Signal) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	if stage.Run == nil {
		sig.Done()
		return nil
	}
	return stage.Run(sig)
}
