package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentlab/agentlab/internal/common/logger"
	"github.com/agentlab/agentlab/internal/events/bus"
	"github.com/agentlab/agentlab/internal/store"
)

// DefaultReconcileInterval paces the registry's repair loop.
const DefaultReconcileInterval = 15 * time.Second

// RegistryConfig holds registry tunables.
type RegistryConfig struct {
	ReconcileInterval time.Duration
	Monitor           MonitorConfig
}

// Registry tracks one Monitor per live session and periodically reconciles
// the store's view with the manager's: sessions with a persisted agent id
// but no subprocess are resumed, monitors for gone sessions are stopped.
type Registry struct {
	mgr   *Manager
	store store.Store
	bus   bus.EventBus
	cfg   RegistryConfig
	log   *logger.Logger

	mu       sync.Mutex
	monitors map[string]*Monitor
}

// NewRegistry creates a registry; call Run to start the reconcile loop.
func NewRegistry(mgr *Manager, st store.Store, eb bus.EventBus, cfg RegistryConfig, log *logger.Logger) *Registry {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultReconcileInterval
	}
	return &Registry{
		mgr:      mgr,
		store:    st,
		bus:      eb,
		cfg:      cfg,
		log:      log.WithComponent("session-registry"),
		monitors: make(map[string]*Monitor),
	}
}

// Ensure returns the session's monitor, starting one when none is attached.
// The manager session must exist.
func (r *Registry) Ensure(ctx context.Context, sessionID string) (*Monitor, error) {
	r.mu.Lock()
	if mon, ok := r.monitors[sessionID]; ok {
		r.mu.Unlock()
		return mon, nil
	}
	r.mu.Unlock()

	mon := NewMonitor(sessionID, r.mgr, r.store, r.bus, r.cfg.Monitor, r.log)
	if err := mon.Start(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.monitors[sessionID]; ok {
		// Lost the race; keep the first one.
		go mon.Stop()
		return existing, nil
	}
	r.monitors[sessionID] = mon
	return mon, nil
}

// Get returns the attached monitor, nil when none.
func (r *Registry) Get(sessionID string) *Monitor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.monitors[sessionID]
}

// Remove stops and detaches the session's monitor.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	mon := r.monitors[sessionID]
	delete(r.monitors, sessionID)
	r.mu.Unlock()
	if mon != nil {
		mon.Stop()
	}
}

// Run reconciles until the context ends, then stops every monitor.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return
		case <-ticker.C:
			r.reconcile(ctx)
		}
	}
}

func (r *Registry) reconcile(ctx context.Context) {
	sessions, err := r.store.ListSessionsByStatus(ctx, store.StatusRunning)
	if err != nil {
		r.log.Warn("reconcile list failed", zap.Error(err))
		return
	}

	running := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		running[s.ID] = true

		if !r.mgr.HasSession(s.ID) && s.AgentSessionID != nil {
			opts := SessionOptions{LoadSessionID: *s.AgentSessionID}
			if s.WorkspaceDir != nil {
				opts.Cwd = *s.WorkspaceDir
			}
			if _, err := r.mgr.CreateSession(ctx, s.ID, opts); err != nil {
				r.log.Warn("session resume failed",
					zap.String("session_id", s.ID), zap.Error(err))
				continue
			}
			r.log.Info("resumed session", zap.String("session_id", s.ID))
		}

		if r.mgr.HasSession(s.ID) {
			if _, err := r.Ensure(ctx, s.ID); err != nil {
				r.log.Warn("monitor attach failed",
					zap.String("session_id", s.ID), zap.Error(err))
			}
		}
	}

	r.mu.Lock()
	var stale []string
	for id := range r.monitors {
		if !running[id] {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()
	for _, id := range stale {
		r.log.Info("stopping monitor for gone session", zap.String("session_id", id))
		r.Remove(id)
	}
}

func (r *Registry) shutdown() {
	r.mu.Lock()
	monitors := make([]*Monitor, 0, len(r.monitors))
	for _, mon := range r.monitors {
		monitors = append(monitors, mon)
	}
	r.monitors = make(map[string]*Monitor)
	r.mu.Unlock()

	for _, mon := range monitors {
		mon.Stop()
	}
}
