package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentcell/agentcell/internal/common/config"
	"github.com/agentcell/agentcell/internal/common/logger"
	"github.com/agentcell/agentcell/internal/events"
)

// Reaper closes sessions whose runtime has been idle past the timeout,
// reclaiming their processes. Reaping keeps the resume token, so the
// next exchange transparently resumes the conversation on a fresh
// runtime.
type Reaper struct {
	registry    *Registry
	interval    time.Duration
	idleTimeout time.Duration
	backoff     time.Duration
	logger      *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewReaper creates a reaper from the configured intervals.
func NewReaper(registry *Registry, cfg config.ReaperConfig, log *logger.Logger) *Reaper {
	return &Reaper{
		registry:    registry,
		interval:    cfg.IntervalDuration(),
		idleTimeout: cfg.IdleTimeoutDuration(),
		backoff:     cfg.BackoffDuration(),
		logger:      log.WithFields(zap.String("component", "idle-reaper")),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (r *Reaper) Start() {
	r.wg.Add(1)
	go r.run()
	r.logger.Info("idle reaper started",
		zap.Duration("interval", r.interval),
		zap.Duration("idle_timeout", r.idleTimeout))
}

// Stop halts the loop and waits for an in-progress sweep to finish.
func (r *Reaper) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("idle reaper stopped")
}

func (r *Reaper) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if r.safeSweep() {
				continue
			}
			// A panicked sweep backs off before the next attempt so a
			// persistent fault cannot spin the loop.
			select {
			case <-r.stopCh:
				return
			case <-time.After(r.backoff):
			}
		}
	}
}

// safeSweep runs one sweep, converting a panic into a false return.
func (r *Reaper) safeSweep() (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("reaper sweep panicked", zap.Any("panic", rec))
			ok = false
		}
	}()

	r.sweep()
	return true
}

// sweep reaps every session idle past the timeout. Sessions with an
// exchange in flight hold their lock and are skipped this round.
func (r *Reaper) sweep() {
	ctx := context.Background()
	now := time.Now()

	for _, s := range r.registry.List() {
		idle := now.Sub(s.LastActivity())
		if idle < r.idleTimeout {
			continue
		}

		lock := r.registry.locks.get(s.ID)
		if !lock.TryLock() {
			// Busy session; it is not idle after all.
			continue
		}

		// Re-check under the lock: an exchange may have finished between
		// the snapshot and here.
		r.registry.mu.RLock()
		_, live := r.registry.sessions[s.ID]
		r.registry.mu.RUnlock()
		if live && now.Sub(s.LastActivity()) >= r.idleTimeout {
			r.logger.Info("reaping idle session",
				zap.String("session_id", s.ID),
				zap.String("tenant_id", s.TenantID),
				zap.Duration("idle", idle))
			r.registry.closeSession(ctx, s, events.SessionReaped)
		}
		lock.Unlock()
	}
}
