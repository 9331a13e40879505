package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/qmigo/qmigo/internal/config"
	"github.com/qmigo/qmigo/internal/qmictx"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a context process",
	Long: `Start a qmigo context: bind the RPC listener, join the workgroup's
discovery scope, dial any configured static peers, and host services
until interrupted or asked to shut down over RPC.

Examples:
  # Start with config file settings
  qmictl start

  # Start with a specific config file
  qmictl --config /path/to/qmigo.yaml start`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := qmictx.New(cfg, nil)
	if err := c.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("qmictl stopped")
	return nil
}

// parseLogLevel converts a string log level to slog.Level. Returns
// slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch level {
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
