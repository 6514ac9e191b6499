package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/focus/internal/auth"
	"github.com/tjfontaine/focus/internal/config"
)

// Version is the release reported by --version.
const Version = "0.1.0"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "focus",
		Short:         "Controller/plugin web server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(newServeCmd(), newPasswdCmd())
	return root
}

func newPasswdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passwd <user> <password>",
		Short: "Print a user file line for a user and password",
		Example: `  # Add a user to the basic auth file
  focus passwd foo bar >> auth.users`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.Contains(args[0], ":") {
				return fmt.Errorf("user name cannot contain ':'")
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), auth.Line(args[0], args[1]))
			return err
		},
	}
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
