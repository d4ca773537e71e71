package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentmc-ai/supervisor/internal/eventbus"
	"github.com/agentmc-ai/supervisor/internal/hubapi"
)

// requestedLimit caps one discovery page.
const requestedLimit = 10

// SessionLister is the discovery surface of the hub. Satisfied by
// *hubapi.Client.
type SessionLister interface {
	ListRequestedSessions(ctx context.Context, limit int) ([]hubapi.Session, int, error)
	ClaimSession(ctx context.Context, sessionID int64) (*hubapi.Session, int, error)
}

// Poller discovers requested sessions, claims them, and runs one worker per
// session id. Ticks are cooperative: one discovery pass at a time, workers
// concurrent once spawned.
type Poller struct {
	hub       SessionLister
	newWorker func(claimed hubapi.Session) *Worker
	interval  time.Duration
	agentID   int64
	bus       *eventbus.Bus
	logger    *slog.Logger

	mu      sync.RWMutex
	workers map[int64]*Worker

	wg           sync.WaitGroup
	backoffUntil time.Time
	limiter      logLimiter
}

// NewPoller creates a poller. newWorker builds the worker for one freshly
// claimed session; the poller owns its lifecycle afterwards.
func NewPoller(hub SessionLister, newWorker func(hubapi.Session) *Worker, interval time.Duration, agentID int64, bus *eventbus.Bus, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 1200 * time.Millisecond
	}
	return &Poller{
		hub:       hub,
		newWorker: newWorker,
		interval:  interval,
		agentID:   agentID,
		bus:       bus,
		logger:    logger.With("component", "session.poller"),
		workers:   make(map[int64]*Worker),
	}
}

// Run polls until ctx is cancelled, then stops every worker and waits for
// them to drain.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			p.StopAll(ReasonRuntimeStopped)
			p.wg.Wait()
			return nil
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick runs one discovery pass: newest sessions first, one claim and one
// worker per untracked id.
func (p *Poller) tick(ctx context.Context) {
	now := time.Now()
	if now.Before(p.backoffUntil) {
		return
	}

	sessions, status, err := p.hub.ListRequestedSessions(ctx, requestedLimit)
	if err != nil {
		if status == 429 {
			delay := maxDuration(3*p.interval, 4*time.Second)
			p.backoffUntil = now.Add(delay)
			if p.limiter.Allow(now) {
				p.logger.Warn("session discovery rate limited", "retry_in", delay)
			}
			return
		}
		if ctx.Err() == nil {
			p.bus.ReportError(p.agentID, 0, "session-poller", err)
		}
		return
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID > sessions[j].ID })

	for _, s := range sessions {
		if ctx.Err() != nil {
			return
		}
		if p.tracked(s.ID) {
			continue
		}
		claimed, status, err := p.hub.ClaimSession(ctx, s.ID)
		if err != nil {
			// Conflicts mean another runtime got there first.
			if status == 404 || status == 409 {
				p.logger.Debug("session claimed elsewhere", "session_id", s.ID, "status", status)
			} else if ctx.Err() == nil {
				p.bus.ReportError(p.agentID, s.ID, "session-claim", err)
			}
			continue
		}
		p.startWorker(ctx, *claimed)
	}
}

func (p *Poller) startWorker(ctx context.Context, claimed hubapi.Session) {
	w := p.newWorker(claimed)
	if !p.track(w) {
		// Raced with a concurrent claim of the same id; drop ours.
		return
	}
	p.logger.Info("session claimed", "session_id", claimed.ID)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.untrack(w.SessionID())
		w.Run(ctx)
	}()
}

func (p *Poller) tracked(sessionID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.workers[sessionID]
	return ok
}

// track registers a worker; false when the id is already tracked.
func (p *Poller) track(w *Worker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.workers[w.SessionID()]; exists {
		return false
	}
	p.workers[w.SessionID()] = w
	return true
}

func (p *Poller) untrack(sessionID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, sessionID)
}

// Active returns the tracked session ids.
func (p *Poller) Active() []int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]int64, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stop stops one tracked worker; false when the id is unknown.
func (p *Poller) Stop(sessionID int64, reason string) bool {
	p.mu.RLock()
	w, ok := p.workers[sessionID]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	w.Stop(reason)
	return true
}

// StopAll stops every tracked worker. Workers unregister themselves as their
// teardown completes.
func (p *Poller) StopAll(reason string) {
	p.mu.RLock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.RUnlock()
	for _, w := range workers {
		w.Stop(reason)
	}
}

// Wait blocks until every spawned worker has finished.
func (p *Poller) Wait() {
	p.wg.Wait()
}
