// Package runtime drives one agent end to end: instruction sync, heartbeat
// reporting, recurring-task execution, and session poller liveness.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/agentmc-ai/supervisor/internal/config"
	"github.com/agentmc-ai/supervisor/internal/eventbus"
	"github.com/agentmc-ai/supervisor/internal/gateway"
	"github.com/agentmc-ai/supervisor/internal/hubapi"
	"github.com/agentmc-ai/supervisor/internal/session"
	"github.com/agentmc-ai/supervisor/internal/workspace"
)

// loopMinSleep floors the scheduler sleep so a tight deadline pair cannot
// spin the loop.
const loopMinSleep = 250 * time.Millisecond

// Supervisor is the per-agent scheduler. It owns the state file, the
// instruction syncer, the heartbeat emitter, the recurring-task executor,
// and the session poller, and serializes their cadences on one goroutine.
type Supervisor struct {
	cfg     *config.Config
	cred    config.Credential
	hub     *hubapi.Client
	bus     *eventbus.Bus
	logger  *slog.Logger
	version string
}

// New creates a supervisor for one agent credential. If bus is nil, events
// are not published.
func New(cfg *config.Config, cred config.Credential, version string, bus *eventbus.Bus, logger *slog.Logger) *Supervisor {
	if bus == nil {
		bus = eventbus.New()
	}
	return &Supervisor{
		cfg:     cfg,
		cred:    cred,
		hub:     hubapi.New(cfg.Hub.URL, cred.APIKey, "agentmc-supervisor/"+version),
		bus:     bus,
		logger:  logger.With("component", "supervisor", "agent_id", cred.AgentID),
		version: version,
	}
}

// Run bootstraps the agent and blocks until ctx is cancelled. Only bootstrap
// failures return an error; once the loop is entered, every scheduled action
// is reported through the error sink and retried on its next deadline.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("starting supervisor",
		"hub", s.cfg.Hub.URL,
		"workspace", s.cred.WorkspaceDir,
		"version", s.version,
	)

	store, err := workspace.NewStore(s.cred.WorkspaceDir)
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}
	state := NewStateFile(s.cred.StatePath)
	syncer := NewSyncer(s.hub, store, state, s.logger)

	first, err := syncer.Sync(ctx)
	if err != nil {
		return fmt.Errorf("initial instruction sync: %w", err)
	}
	if first.Interval <= 0 {
		return errors.New("instruction bundle carries no heartbeat interval; refusing to start")
	}
	heartbeatEvery := first.Interval

	agentID := first.AgentID
	if agentID == 0 {
		agentID = s.cred.AgentID
	}

	provider, err := gateway.ResolveProvider(ctx, s.cfg.Engine, s.logger)
	if err != nil {
		return fmt.Errorf("resolve engine provider: %w", err)
	}
	var runner *gateway.Runner
	if provider.Kind == gateway.KindEmbedded {
		gw := gateway.NewCLIGateway(provider.CLIPath, s.logger)
		runner = gateway.NewRunner(gw, gateway.NewHistoryReader(s.sessionsFile()), s.cfg.Engine.SubmitTimeout.Duration, s.logger)
	}
	executor := gateway.NewExecutor(provider, runner, s.cfg.Engine.AgentToken)

	profile := ResolveProfile(ctx, agentID, provider, s.cfg, store, s.hub, s.logger)
	s.logger.Info("agent ready",
		"agent_id", agentID,
		"profile", profile.Name,
		"engine", provider.Name,
		"engine_kind", provider.Kind,
		"heartbeat_interval", heartbeatEvery,
	)

	heartbeat := NewHeartbeat(HeartbeatOptions{
		Hub:                   s.hub,
		Provider:              provider,
		Profile:               profile,
		State:                 state,
		Bus:                   s.bus,
		Logger:                s.logger,
		AgentID:               agentID,
		Version:               s.version,
		WorkspaceDir:          store.Root(),
		PublicIP:              s.cfg.Runtime.PublicIP,
		FilesRealtime:         s.cfg.Session.FileSync,
		NotificationsRealtime: s.cfg.Notifications.Enabled,
	})
	recurring := NewRecurring(s.hub, executor, agentID,
		s.cfg.Engine.RecurringWaitTimeout.Duration, s.cfg.Session.Timezone, s.bus, s.logger)

	newWorker := func(sess hubapi.Session) *session.Worker {
		return session.NewWorker(session.Options{
			Session:       sess,
			AgentID:       agentID,
			Hub:           s.hub,
			Runner:        executor,
			Store:         store,
			Bus:           s.bus,
			Logger:        s.logger,
			Source:        provider.Name,
			WaitTimeout:   s.cfg.Engine.WaitTimeout.Duration,
			CloseOnStop:   s.cfg.Runtime.CloseSessionOnStop,
			Tuning:        s.cfg.Session,
			Notifications: s.cfg.Notifications,
		})
	}

	poller := s.startPoller(ctx, newWorker, agentID)
	defer func() {
		poller.stop()
		s.logger.Info("supervisor stopped")
	}()

	if err := heartbeat.Send(ctx); err != nil {
		s.logger.Warn("startup heartbeat", "error", err)
		s.bus.ReportError(agentID, 0, "heartbeat", err)
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.RuntimeStarted, AgentID: agentID})

	recurringEvery := s.cfg.Runtime.RecurringPollInterval.Duration
	now := time.Now()
	nextHeartbeat := now.Add(heartbeatEvery)
	nextRecurring := now.Add(recurringEvery)

	for {
		if ctx.Err() != nil {
			return nil
		}
		now = time.Now()

		if !now.Before(nextRecurring) {
			if n, err := recurring.RunDue(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("recurring poll", "error", err)
				s.bus.ReportError(agentID, 0, "recurring", err)
			} else if n > 0 {
				s.logger.Info("recurring runs executed", "count", n)
			}
			nextRecurring = time.Now().Add(recurringEvery)
		}

		if !now.Before(nextHeartbeat) {
			res, err := syncer.Sync(ctx)
			switch {
			case err != nil:
				if ctx.Err() == nil {
					s.logger.Warn("instruction sync", "error", err)
					s.bus.ReportError(agentID, 0, "instruction-sync", err)
				}
			default:
				if res.Interval > 0 {
					heartbeatEvery = res.Interval
				}
				if res.Changed {
					s.logger.Info("instruction bundle changed, restarting session poller")
					poller.stop()
					poller = s.startPoller(ctx, newWorker, agentID)
					s.bus.Publish(eventbus.Event{Type: eventbus.SyncChanged, AgentID: agentID})
				}
			}
			if err := heartbeat.Send(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("heartbeat", "error", err)
				s.bus.ReportError(agentID, 0, "heartbeat", err)
			}
			nextHeartbeat = time.Now().Add(heartbeatEvery)
		}

		sleep := time.Until(nextHeartbeat)
		if until := time.Until(nextRecurring); until < sleep {
			sleep = until
		}
		if sleep < loopMinSleep {
			sleep = loopMinSleep
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

// sessionsFile resolves the engine's local session-history store.
func (s *Supervisor) sessionsFile() string {
	if s.cfg.Engine.SessionsFile != "" {
		return s.cfg.Engine.SessionsFile
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".openclaw", "sessions.json")
}

// pollerHandle owns one poller generation; stop blocks until every session
// worker has drained.
type pollerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Supervisor) startPoller(ctx context.Context, newWorker func(hubapi.Session) *session.Worker, agentID int64) *pollerHandle {
	p := session.NewPoller(s.hub, newWorker, s.cfg.Session.PollInterval.Duration, agentID, s.bus, s.logger)
	pctx, cancel := context.WithCancel(ctx)
	h := &pollerHandle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		_ = p.Run(pctx)
	}()
	return h
}

func (h *pollerHandle) stop() {
	h.cancel()
	<-h.done
}
