package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by unit tests and by the gateway
// when it runs without a database.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	events      map[string][]AgentEvent
	metadata    map[string]*SessionMetadata
	tasks       map[string][]SessionTask
	checkpoints map[string]*ReplayCheckpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*Session),
		events:      make(map[string][]AgentEvent),
		metadata:    make(map[string]*SessionMetadata),
		tasks:       make(map[string][]SessionTask),
		checkpoints: make(map[string]*ReplayCheckpoint),
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListSessionsByStatus(ctx context.Context, status string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.Status == status {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SetAgentSessionID(ctx context.Context, id string, agentSessionID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.AgentSessionID = agentSessionID
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) SetSessionStatus(ctx context.Context, id string, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) StoreAgentEvent(ctx context.Context, sessionID string, sequence int64, envelope []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := make([]byte, len(envelope))
	copy(data, envelope)
	m.events[sessionID] = append(m.events[sessionID], AgentEvent{
		SessionID: sessionID,
		Sequence:  sequence,
		EventData: data,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (m *MemoryStore) GetMaxSequence(ctx context.Context, sessionID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	max := int64(-1)
	for _, ev := range m.events[sessionID] {
		if ev.Sequence > max {
			max = ev.Sequence
		}
	}
	return max, nil
}

func (m *MemoryStore) GetAgentEvents(ctx context.Context, sessionID string, afterSequence int64) ([]AgentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AgentEvent
	for _, ev := range m.events[sessionID] {
		if ev.Sequence > afterSequence {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *MemoryStore) SetInferenceStatus(ctx context.Context, sessionID string, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	md := m.metadata[sessionID]
	if md == nil {
		md = &SessionMetadata{SessionID: sessionID}
		m.metadata[sessionID] = md
	}
	md.InferenceStatus = status
	md.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) SetLastMessage(ctx context.Context, sessionID string, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	md := m.metadata[sessionID]
	if md == nil {
		md = &SessionMetadata{SessionID: sessionID, InferenceStatus: InferenceIdle}
		m.metadata[sessionID] = md
	}
	md.LastMessage = &text
	md.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) GetMetadata(ctx context.Context, sessionID string) (*SessionMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.metadata[sessionID]
	if !ok {
		return &SessionMetadata{SessionID: sessionID, InferenceStatus: InferenceIdle}, nil
	}
	cp := *md
	return &cp, nil
}

func (m *MemoryStore) DeleteMetadata(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.metadata, sessionID)
	return nil
}

func (m *MemoryStore) ReplaceTasks(ctx context.Context, sessionID string, tasks []SessionTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	out := make([]SessionTask, len(tasks))
	for i, t := range tasks {
		t.SessionID = sessionID
		t.UpdatedAt = now
		out[i] = t
	}
	m.tasks[sessionID] = out
	return nil
}

func (m *MemoryStore) UpsertTask(ctx context.Context, task *SessionTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := m.tasks[task.SessionID]
	task.UpdatedAt = time.Now().UTC()
	if task.ExternalID != nil {
		for i := range tasks {
			if tasks[i].ExternalID != nil && *tasks[i].ExternalID == *task.ExternalID {
				id := tasks[i].ID
				tasks[i] = *task
				tasks[i].ID = id
				return nil
			}
		}
	}
	m.tasks[task.SessionID] = append(tasks, *task)
	return nil
}

func (m *MemoryStore) GetTasks(ctx context.Context, sessionID string) ([]SessionTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tasks := m.tasks[sessionID]
	out := make([]SessionTask, len(tasks))
	copy(out, tasks)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *MemoryStore) DeleteTasks(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, sessionID)
	return nil
}

func (m *MemoryStore) GetReplayCheckpoint(ctx context.Context, sessionID string) (*ReplayCheckpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[sessionID]
	if !ok {
		return nil, nil
	}
	out := *cp
	return &out, nil
}

func (m *MemoryStore) UpsertReplayCheckpoint(ctx context.Context, cp *ReplayCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := *cp
	out.UpdatedAt = time.Now().UTC()
	m.checkpoints[cp.SessionID] = &out
	return nil
}

func (m *MemoryStore) DeleteReplayCheckpoint(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, sessionID)
	return nil
}

var _ Store = (*MemoryStore)(nil)
