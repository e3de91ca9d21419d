package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlab/agentlab/internal/common/logger"
	"github.com/agentlab/agentlab/internal/store"
)

func TestRegistryEnsureIdempotent(t *testing.T) {
	agent := &fakeAgent{t: t, sessionID: "agent-1"}
	mgr := newTestManager(t, agent)
	st := store.NewMemoryStore()

	_, err := mgr.CreateSession(context.Background(), "srv-1", SessionOptions{})
	require.NoError(t, err)

	r := NewRegistry(mgr, st, nil, RegistryConfig{}, logger.Default())

	first, err := r.Ensure(context.Background(), "srv-1")
	require.NoError(t, err)
	second, err := r.Ensure(context.Background(), "srv-1")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Same(t, first, r.Get("srv-1"))

	r.Remove("srv-1")
	assert.Nil(t, r.Get("srv-1"))
}

func TestRegistryEnsureRequiresManagerSession(t *testing.T) {
	agent := &fakeAgent{t: t, sessionID: "agent-1"}
	mgr := newTestManager(t, agent)

	r := NewRegistry(mgr, store.NewMemoryStore(), nil, RegistryConfig{}, logger.Default())

	_, err := r.Ensure(context.Background(), "srv-missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no session for server")
}

func TestRegistryReconcileResumesPersisted(t *testing.T) {
	agent := &fakeAgent{t: t, sessionID: "agent-2"}
	mgr := newTestManager(t, agent)
	st := store.NewMemoryStore()

	agentID := "agent-old"
	require.NoError(t, st.CreateSession(context.Background(), &store.Session{
		ID:             "srv-1",
		Status:         store.StatusRunning,
		AgentSessionID: &agentID,
	}))

	r := NewRegistry(mgr, st, nil, RegistryConfig{ReconcileInterval: 20 * time.Millisecond}, logger.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return mgr.HasSession("srv-1") && r.Get("srv-1") != nil
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("registry did not shut down")
	}
	assert.Nil(t, r.Get("srv-1"))
}
