package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var serveFlags struct {
	metricsListen string
}

func init() {
	serveCmd.RunE = runServe
	serveCmd.Flags().StringVar(&serveFlags.metricsListen, "metrics-listen", "", "Expose Prometheus metrics on this address (e.g. 127.0.0.1:9464)")
}

// runServe serves JSON-RPC on stdin/stdout until stdin closes or a signal arrives
func runServe(cmd *cobra.Command, args []string) error {
	logger := createLogger(cfg.LogLevel)

	if term.IsTerminal(int(os.Stdin.Fd())) {
		logger.Warn("stdin is a terminal; rgateway expects newline-delimited JSON-RPC from an agent process")
	}

	g, err := newGateway(cfg, logger)
	if err != nil {
		return err
	}
	defer g.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listen := cfg.MetricsListen
	if serveFlags.metricsListen != "" {
		listen = serveFlags.metricsListen
	}
	if listen != "" {
		go func() {
			if err := g.metrics.Serve(ctx, listen, logger); err != nil {
				logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	// A blocked stdin read does not observe ctx; closing stdin ends it
	go func() {
		<-ctx.Done()
		_ = os.Stdin.Close() //nolint:errcheck // unblocks the reader on shutdown
	}()

	logger.Info("gateway started",
		slog.String("interpreter", cfg.RscriptBin),
		slog.String("entry_script", cfg.EntryScriptPath()),
		slog.String("sessions_dir", cfg.SessionsDir),
		slog.Bool("strict_mode", cfg.StrictMode),
	)

	err = g.server.Serve(ctx, os.Stdin, os.Stdout)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Info("gateway stopped")
		return nil
	case ctx.Err() != nil:
		logger.Info("gateway stopped", slog.String("reason", err.Error()))
		return nil
	default:
		return fmt.Errorf("serve: %w", err)
	}
}
