package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/focus/internal/config"
	"github.com/tjfontaine/focus/internal/demo"
	"github.com/tjfontaine/focus/internal/runtime"
	"github.com/tjfontaine/focus/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

type serveOptions struct {
	configPath string
	fileRoot   string
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Example: `  # Serve with ./config.yaml
  focus serve

  # Use another config file
  focus serve --config /etc/focus/config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "config file (default $FOCUS_CONFIG or config.yaml)")
	cmd.Flags().StringVar(&opts.fileRoot, "file-root", "/tmp", "directory the demo getfile action may send from")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	path := opts.configPath
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer(telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	appOpts := []runtime.Option{
		runtime.WithConfig(cfg),
		runtime.WithLogger(logger),
		runtime.WithControllers(demo.Controllers(demo.Options{FileRoot: opts.fileRoot})...),
	}
	if cfg.Templates.Path == "" {
		appOpts = append(appOpts, runtime.WithTemplates(demo.Templates()))
	}
	app, err := runtime.New(appOpts...)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start app: %w", err)
	}
	logger.Info("focus started", slog.String("config", path), slog.String("addr", app.Addr()))

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
