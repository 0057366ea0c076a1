// Package scheduler runs background sync cycles on a timer, with online
// gating and an early kick when local state is dirty.
package scheduler

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/toole-brendan/handreceipt-custody/internal/errors"
	"github.com/toole-brendan/handreceipt-custody/internal/logging"
	syncpkg "github.com/toole-brendan/handreceipt-custody/internal/sync"
)

// Config holds scheduler configuration.
type Config struct {
	// SyncInterval is how often a full cycle runs when online.
	SyncInterval time.Duration
	// DirtyInterval is how often local state is checked for unsynced
	// changes between full cycles.
	DirtyInterval time.Duration
	// CycleTimeout bounds a single sync cycle.
	CycleTimeout time.Duration
}

// DefaultConfig returns the field defaults.
func DefaultConfig() Config {
	return Config{
		SyncInterval:  5 * time.Minute,
		DirtyInterval: 30 * time.Second,
		CycleTimeout:  5 * time.Minute,
	}
}

// Scheduler drives the sync engine in the background.
type Scheduler struct {
	engine *syncpkg.Engine
	cfg    Config

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.RWMutex
	isRunning bool
	isOnline  bool
	lastSync  time.Time
}

// New creates a scheduler over the engine.
func New(engine *syncpkg.Engine, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.DirtyInterval <= 0 {
		cfg.DirtyInterval = def.DirtyInterval
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = def.CycleTimeout
	}
	return &Scheduler{
		engine: engine,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		// Assume online until a cycle says otherwise.
		isOnline: true,
	}
}

// Start launches the background loop. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval": s.cfg.SyncInterval.String(),
	})
}

// Stop shuts the loop down and waits for an in-progress cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped")
}

// SetOnline flips the online gate. While offline no cycles are attempted;
// flipping back online triggers one immediately so queued work drains
// without waiting a full interval.
func (s *Scheduler) SetOnline(ctx context.Context, online bool) {
	s.mu.Lock()
	was := s.isOnline
	s.isOnline = online
	s.mu.Unlock()

	if was == online {
		return
	}
	logging.Info("Online status changed", map[string]interface{}{
		"is_online": online,
	})
	if online {
		s.runCycle(ctx)
	}
}

// IsOnline reports the current online gate.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// LastSync returns when the last successful cycle finished.
func (s *Scheduler) LastSync() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	syncTicker := time.NewTicker(s.cfg.SyncInterval)
	defer syncTicker.Stop()
	dirtyTicker := time.NewTicker(s.cfg.DirtyInterval)
	defer dirtyTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-syncTicker.C:
			// Runs even while offline: the periodic cycle is also how the
			// scheduler notices the authority is reachable again.
			s.runCycle(ctx)
		case <-dirtyTicker.C:
			if !s.IsOnline() {
				continue
			}
			dirty, err := s.engine.Dirty()
			if err != nil {
				logging.Error("Dirty check failed", err)
				continue
			}
			if dirty {
				s.runCycle(ctx)
			}
		}
	}
}

// runCycle executes one sync cycle with a bounded deadline. A concurrent
// cycle reports in-progress and is skipped silently.
func (s *Scheduler) runCycle(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	defer cancel()

	summary, err := s.engine.Sync(cycleCtx)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrSyncInProgress) {
			logging.Debug("Sync already in progress, skipping")
			return
		}
		logging.Error("Periodic sync failed", err)
		return
	}

	if summary.Offline {
		s.mu.Lock()
		s.isOnline = false
		s.mu.Unlock()
		logging.Warn("Authority unreachable, scheduler going offline")
		return
	}

	s.mu.Lock()
	s.isOnline = true
	s.lastSync = time.Now()
	s.mu.Unlock()

	logging.Info("Periodic sync completed", map[string]interface{}{
		"pushed":     summary.Pushed,
		"deltas":     summary.Deltas,
		"conflicts":  summary.Conflicts,
		"reverified": summary.Reverified,
	})
}
