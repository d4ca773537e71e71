package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentmc-ai/supervisor/internal/config"
	"github.com/agentmc-ai/supervisor/internal/eventbus"
	"github.com/agentmc-ai/supervisor/internal/runtime"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the supervisor (default when no subcommand is given)",
		Args:  cobra.NoArgs,
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	switch cfg.Runtime.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	bus := eventbus.New()
	inner := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(eventbus.NewLogBridge(inner, bus))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// LogEntry stays off this subscription: the observer logs through the
	// bridged logger, and mirrored records must not feed themselves.
	events := bus.Subscribe(
		eventbus.RuntimeStarted,
		eventbus.SignalReceived,
		eventbus.SessionClosed,
		eventbus.UnhandledMessage,
		eventbus.NotificationBridge,
		eventbus.HeartbeatSent,
		eventbus.SyncChanged,
		eventbus.RuntimeError,
	)
	observerDone := make(chan struct{})
	go func() {
		defer close(observerDone)
		logBusEvents(logger, events)
	}()

	creds := cfg.Credentials()
	logger.Info("supervisor starting", "version", version, "agents", len(creds))

	g, gctx := errgroup.WithContext(ctx)
	for _, cred := range creds {
		sup := runtime.New(cfg, cred, version, bus, logger)
		g.Go(func() error { return sup.Run(gctx) })
	}

	err = g.Wait()
	bus.Close()
	<-observerDone

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("supervisor stopped with error", "error", err)
		return err
	}
	logger.Info("supervisor stopped")
	return nil
}

// logBusEvents writes one line per runtime event. Errors surface at warn;
// everything else is debug detail alongside the components' own logs.
func logBusEvents(logger *slog.Logger, events chan eventbus.Event) {
	logger = logger.With("component", "events")
	for e := range events {
		attrs := []any{"type", e.Type}
		if e.AgentID != 0 {
			attrs = append(attrs, "agent_id", e.AgentID)
		}
		if e.SessionID != 0 {
			attrs = append(attrs, "session_id", e.SessionID)
		}
		if len(e.Data) > 0 {
			attrs = append(attrs, "data", json.RawMessage(e.Data))
		}
		if e.Type == eventbus.RuntimeError {
			logger.Warn("runtime event", attrs...)
			continue
		}
		logger.Debug("runtime event", attrs...)
	}
}
