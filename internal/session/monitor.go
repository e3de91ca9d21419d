package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentlab/agentlab/internal/acp"
	"github.com/agentlab/agentlab/internal/common/logger"
	"github.com/agentlab/agentlab/internal/events/bus"
	"github.com/agentlab/agentlab/internal/store"
	"github.com/agentlab/agentlab/internal/stream"
)

const (
	// DefaultCompletionGrace debounces the turn-completed signal so rapid
	// follow-up turns do not fire it.
	DefaultCompletionGrace = 2 * time.Second

	monitorQueueCap = 1024
)

// Bus subjects, formatted with the session id.
const (
	SubjectSessionEvents    = "session.%s.events"
	SubjectSessionMessages  = "session.%s.messages"
	SubjectSessionTasks     = "session.%s.tasks"
	SubjectSessionStatus    = "session.%s.status"
	SubjectSessionCompleted = "session.%s.completed"
)

// SequencedEnvelope pairs an envelope with its log sequence; this is the
// frame transports fan out.
type SequencedEnvelope struct {
	Sequence int64         `json:"sequence"`
	Envelope *acp.Envelope `json:"envelope"`
}

// SequencedSubscriber receives sequenced envelopes after persistence.
type SequencedSubscriber func(seq int64, env *acp.Envelope)

// MonitorConfig holds monitor tunables.
type MonitorConfig struct {
	CompletionGrace time.Duration
}

// StatusUpdate is the metadata delta published on the status subject.
type StatusUpdate struct {
	SessionID       string  `json:"sessionId"`
	InferenceStatus string  `json:"inferenceStatus"`
	LastMessage     *string `json:"lastMessage,omitempty"`
}

// Monitor consumes one session's envelope stream: it assigns sequences,
// persists every envelope, folds it into the projection, and publishes the
// derived state. All persistence for a session happens on one goroutine, so
// sequences are dense and ordered.
type Monitor struct {
	sessionID string
	mgr       *Manager
	store     store.Store
	bus       bus.EventBus
	cfg       MonitorConfig
	log       *logger.Logger

	queue       chan *acp.Envelope
	unsubscribe func()
	stop        chan struct{}
	done        chan struct{}
	stopOnce    sync.Once

	projector *stream.Projector
	nextSeq   int64 // -1 until initialized from the store

	subMu   sync.Mutex
	subs    map[int]SequencedSubscriber
	nextSub int

	// lastPreview dedupes SetLastMessage writes within a turn. It is never
	// cleared on turn end: the projector recomputes the latest assistant
	// text, so the next turn's first chunk always differs and replaces it.
	lastPreview     string
	generating      bool
	completionTimer *time.Timer
	completed       atomic.Bool
}

// NewMonitor builds a monitor; Start attaches it.
func NewMonitor(sessionID string, mgr *Manager, st store.Store, eb bus.EventBus, cfg MonitorConfig, log *logger.Logger) *Monitor {
	if cfg.CompletionGrace <= 0 {
		cfg.CompletionGrace = DefaultCompletionGrace
	}
	return &Monitor{
		sessionID: sessionID,
		mgr:       mgr,
		store:     st,
		bus:       eb,
		cfg:       cfg,
		log:       log.WithComponent("session-monitor").WithSessionID(sessionID),
		queue:     make(chan *acp.Envelope, monitorQueueCap),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		projector: stream.NewProjector(),
		nextSeq:   -1,
		subs:      make(map[int]SequencedSubscriber),
	}
}

// Start replays the persisted log into the projection, subscribes to the
// manager's envelope stream, and begins the persistence loop.
func (m *Monitor) Start(ctx context.Context) error {
	events, err := m.store.GetAgentEvents(ctx, m.sessionID, -1)
	if err != nil {
		return fmt.Errorf("load event log: %w", err)
	}
	for _, ev := range events {
		var env acp.Envelope
		if err := json.Unmarshal(ev.EventData, &env); err != nil {
			m.log.Warn("skipping undecodable stored envelope",
				zap.Int64("sequence", ev.Sequence), zap.Error(err))
			continue
		}
		m.projector.Apply(ev.Sequence, &env)
	}
	m.lastPreview = m.projector.AssistantPreview()

	unsub, err := m.mgr.Subscribe(m.sessionID, m.enqueue)
	if err != nil {
		return err
	}
	m.unsubscribe = unsub

	go m.run()
	return nil
}

// Stop detaches from the manager and drains the loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
		close(m.stop)
	})
	<-m.done
}

// Subscribe attaches a sequenced listener for frames persisted after this
// call. Historical frames come from the event log, not from here.
func (m *Monitor) Subscribe(sub SequencedSubscriber) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = sub
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// Messages returns the live projection.
func (m *Monitor) Messages() []stream.Message {
	return m.projector.Messages()
}

func (m *Monitor) enqueue(env *acp.Envelope) {
	select {
	case m.queue <- env:
	case <-m.stop:
	}
}

func (m *Monitor) run() {
	defer close(m.done)
	for {
		select {
		case env := <-m.queue:
			m.handle(env)
		case <-m.stop:
			// Drain what already arrived so nothing persisted-worthy is lost.
			for {
				select {
				case env := <-m.queue:
					m.handle(env)
				default:
					m.clearCompletionTimer()
					return
				}
			}
		}
	}
}

// handle processes one envelope. A panic is contained to the envelope that
// caused it; the loop keeps consuming.
func (m *Monitor) handle(env *acp.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("monitor panic", zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if m.nextSeq < 0 {
		max, err := m.store.GetMaxSequence(ctx, m.sessionID)
		if err != nil {
			m.log.Error("sequence init failed", zap.Error(err))
			return
		}
		m.nextSeq = max + 1
	}

	seq := m.nextSeq
	raw, err := json.Marshal(env)
	if err != nil {
		m.log.Error("envelope marshal failed", zap.Error(err))
		return
	}
	if err := m.store.StoreAgentEvent(ctx, m.sessionID, seq, raw); err != nil {
		// Logged only: the live broadcast continues and the next envelope
		// retries sequence allocation.
		m.log.Error("event persist failed", zap.Int64("sequence", seq), zap.Error(err))
	} else {
		m.nextSeq++
	}

	events := m.projector.Apply(seq, env)

	m.publishFrame(seq, env)
	m.applyTurnState(ctx, events)
	m.detectTasks(ctx, env)
}

func (m *Monitor) publishFrame(seq int64, env *acp.Envelope) {
	frame := SequencedEnvelope{Sequence: seq, Envelope: env}
	m.publish(SubjectSessionEvents, frame)

	m.subMu.Lock()
	subs := make([]SequencedSubscriber, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subMu.Unlock()
	for _, sub := range subs {
		sub(seq, env)
	}
}

// applyTurnState maintains inference status, the assistant preview, the
// message snapshot, and the debounced completion signal.
func (m *Monitor) applyTurnState(ctx context.Context, events []stream.Event) {
	if len(events) == 0 {
		return
	}

	var statusChanged bool
	for _, ev := range events {
		switch ev.Type {
		case stream.EventTurnStarted, stream.EventItemStarted, stream.EventItemDelta:
			m.clearCompletionTimer()
			m.completed.Store(false)
			if !m.generating {
				m.generating = true
				if err := m.store.SetInferenceStatus(ctx, m.sessionID, store.InferenceGenerating); err != nil {
					m.log.Warn("inference status update failed", zap.Error(err))
				}
				statusChanged = true
			}
		case stream.EventTurnEnded, stream.EventError:
			if m.generating {
				m.generating = false
				if err := m.store.SetInferenceStatus(ctx, m.sessionID, store.InferenceIdle); err != nil {
					m.log.Warn("inference status update failed", zap.Error(err))
				}
				statusChanged = true
			}
			m.scheduleCompletion()
		}
	}

	if preview := m.projector.AssistantPreview(); preview != "" && preview != m.lastPreview {
		m.lastPreview = preview
		if err := m.store.SetLastMessage(ctx, m.sessionID, preview); err != nil {
			m.log.Warn("last message update failed", zap.Error(err))
		}
		statusChanged = true
	}

	if statusChanged {
		status := store.InferenceIdle
		if m.generating {
			status = store.InferenceGenerating
		}
		update := StatusUpdate{SessionID: m.sessionID, InferenceStatus: status}
		if m.lastPreview != "" {
			update.LastMessage = &m.lastPreview
		}
		m.publish(SubjectSessionStatus, update)
	}

	for _, ev := range events {
		if ev.Type == stream.EventItemDelta || ev.Type == stream.EventItemStarted || ev.Type == stream.EventItemCompleted {
			m.publish(SubjectSessionMessages, m.projector.Messages())
			break
		}
	}
}

func (m *Monitor) scheduleCompletion() {
	m.clearCompletionTimer()
	if m.completed.Load() {
		return
	}
	m.completionTimer = time.AfterFunc(m.cfg.CompletionGrace, func() {
		m.completed.Store(true)
		m.publish(SubjectSessionCompleted, map[string]string{"sessionId": m.sessionID})
	})
}

func (m *Monitor) clearCompletionTimer() {
	if m.completionTimer != nil {
		m.completionTimer.Stop()
		m.completionTimer = nil
	}
}

func (m *Monitor) publish(subjectFmt string, payload any) {
	if m.bus == nil {
		return
	}
	subject := fmt.Sprintf(subjectFmt, m.sessionID)
	if err := m.bus.Publish(context.Background(), subject, bus.NewEvent(subject, "session-monitor", payload)); err != nil {
		m.log.Warn("bus publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// todoInput is the rawInput shape of a TodoWrite invocation.
type todoInput struct {
	Todos []struct {
		Content    string `json:"content"`
		Status     string `json:"status,omitempty"`
		Priority   string `json:"priority,omitempty"`
		ActiveForm string `json:"activeForm,omitempty"`
	} `json:"todos"`
}

// taskInput is the rawInput shape of TaskCreate/TaskUpdate invocations.
type taskInput struct {
	TaskID   string `json:"taskId,omitempty"`
	ID       string `json:"id,omitempty"`
	Content  string `json:"content,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Status   string `json:"status,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// detectTasks projects TodoWrite/TaskCreate/TaskUpdate tool invocations into
// the task store. Tool identity comes from the _meta.claudeCode.toolName
// extension; matching is case-insensitive.
func (m *Monitor) detectTasks(ctx context.Context, env *acp.Envelope) {
	if env.Method != acp.MethodSessionUpdate || len(env.Params) == 0 {
		return
	}
	var note acp.SessionNotification
	if err := json.Unmarshal(env.Params, &note); err != nil {
		return
	}
	u := note.Update
	if u.SessionUpdate != acp.UpdateToolCall && u.SessionUpdate != acp.UpdateToolCallUpdate {
		return
	}
	if len(u.RawInput) == 0 {
		return
	}

	toolName := ""
	if u.Meta != nil && u.Meta.ClaudeCode != nil {
		toolName = u.Meta.ClaudeCode.ToolName
	}
	if toolName == "" && note.Meta != nil && note.Meta.ClaudeCode != nil {
		toolName = note.Meta.ClaudeCode.ToolName
	}

	switch strings.ToLower(toolName) {
	case "todowrite":
		var input todoInput
		if err := json.Unmarshal(u.RawInput, &input); err != nil {
			m.log.Warn("todo input decode failed", zap.Error(err))
			return
		}
		tasks := make([]store.SessionTask, 0, len(input.Todos))
		for i, todo := range input.Todos {
			if todo.Content == "" {
				continue
			}
			task := store.SessionTask{
				ID:             uuid.NewString(),
				SessionID:      m.sessionID,
				Content:        todo.Content,
				Status:         normalizeTaskStatus(todo.Status),
				Position:       i,
				SourceToolName: toolName,
			}
			if todo.Priority != "" {
				p := todo.Priority
				task.Priority = &p
			}
			tasks = append(tasks, task)
		}
		if err := m.store.ReplaceTasks(ctx, m.sessionID, tasks); err != nil {
			m.log.Warn("task replace failed", zap.Error(err))
			return
		}
		m.publishTasks(ctx)

	case "taskcreate", "taskupdate":
		var input taskInput
		if err := json.Unmarshal(u.RawInput, &input); err != nil {
			m.log.Warn("task input decode failed", zap.Error(err))
			return
		}
		content := input.Content
		if content == "" {
			content = input.Subject
		}
		externalID := input.TaskID
		if externalID == "" {
			externalID = input.ID
		}
		if content == "" && externalID == "" {
			return
		}
		task := store.SessionTask{
			ID:             uuid.NewString(),
			SessionID:      m.sessionID,
			Content:        content,
			Status:         normalizeTaskStatus(input.Status),
			SourceToolName: toolName,
		}
		if externalID != "" {
			task.ExternalID = &externalID
		}
		if input.Priority != "" {
			p := input.Priority
			task.Priority = &p
		}
		if err := m.store.UpsertTask(ctx, &task); err != nil {
			m.log.Warn("task upsert failed", zap.Error(err))
			return
		}
		m.publishTasks(ctx)
	}
}

func (m *Monitor) publishTasks(ctx context.Context) {
	tasks, err := m.store.GetTasks(ctx, m.sessionID)
	if err != nil {
		m.log.Warn("task load failed", zap.Error(err))
		return
	}
	m.publish(SubjectSessionTasks, tasks)
}

func normalizeTaskStatus(s string) string {
	switch strings.ToLower(s) {
	case "in_progress", "in-progress", "active":
		return store.TaskInProgress
	case "completed", "done":
		return store.TaskCompleted
	default:
		return store.TaskPending
	}
}
