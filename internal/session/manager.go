// Package session owns the per-session agent subprocesses and the durable
// projection of their event streams. The Manager multiplexes JSON-RPC
// traffic per session; the Monitor assigns sequences, persists envelopes,
// and maintains derived state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/agentlab/agentlab/internal/acp"
	"github.com/agentlab/agentlab/internal/common/logger"
	"github.com/agentlab/agentlab/internal/stream"
)

const (
	// DefaultPromptStartRace unblocks the HTTP caller while the agent
	// keeps streaming.
	DefaultPromptStartRace = 1500 * time.Millisecond

	// DefaultBufferCap bounds the pre-subscribe envelope buffer.
	DefaultBufferCap = 1024
)

// errNoSessionFmt is formatted with the server id; its text is part of the
// recoverable-error contract.
const errNoSessionFmt = "no session for server %s"

// Subscriber receives every envelope of one session in arrival order.
type Subscriber func(env *acp.Envelope)

// SessionOptions is the snapshot used to create a session and to recreate
// it on recovery.
type SessionOptions struct {
	Cwd           string
	McpServers    []acp.McpServer
	SystemPrompt  string
	Model         string
	LoadSessionID string
}

// Dialer spawns (or fakes, in tests) the agent connection for a session.
type Dialer func(handler acp.Handler, opts SessionOptions) (*acp.Conn, error)

// ManagerConfig holds manager tunables.
type ManagerConfig struct {
	ClientInfo      acp.ClientInfo
	PromptStartRace time.Duration
	BufferCap       int
}

// Manager owns at most one agent subprocess per server id (the lab session
// id), multiplexes request/response, answers agent-initiated requests, and
// broadcasts every envelope to the session's subscribers.
type Manager struct {
	dial Dialer
	cfg  ManagerConfig
	log  *logger.Logger

	mu       sync.Mutex
	sessions map[string]*agentSession

	createGroup singleflight.Group
}

// agentSession is the per-session state. The object survives a fatal
// transport recovery (the connection is swapped underneath it), so
// subscribers stay attached across resumes.
type agentSession struct {
	serverID string
	mgr      *Manager
	log      *logger.Logger

	connMu sync.Mutex
	conn   *acp.Conn
	caps   acp.AgentCapabilities

	agentSessionID atomic.Value // string
	opts           SessionOptions

	fs        *acp.FSHandler
	terminals *acp.TerminalManager

	subMu   sync.Mutex
	subs    map[int]Subscriber
	nextSub int
	buffer  []*acp.Envelope

	promptMu      sync.Mutex
	currentPrompt *promptState

	fatalResetInFlight atomic.Bool
}

// promptState collapses the terminator of one in-flight prompt: whichever
// of completion, cancellation, or recovery happens first emits it, exactly
// once.
type promptState struct {
	once sync.Once
}

// NewManager creates a manager. dial is invoked once per subprocess spawn.
func NewManager(dial Dialer, cfg ManagerConfig, log *logger.Logger) *Manager {
	if cfg.PromptStartRace <= 0 {
		cfg.PromptStartRace = DefaultPromptStartRace
	}
	if cfg.BufferCap <= 0 {
		cfg.BufferCap = DefaultBufferCap
	}
	return &Manager{
		dial:     dial,
		cfg:      cfg,
		log:      log.WithComponent("session-manager"),
		sessions: make(map[string]*agentSession),
	}
}

// CreateSession spawns (or returns) the session's agent and performs the
// resume -> load -> new fallback chain. Idempotent per server id: a second
// call without an intervening destroy returns the existing agent session id.
func (m *Manager) CreateSession(ctx context.Context, serverID string, opts SessionOptions) (string, error) {
	id, err, _ := m.createGroup.Do(serverID, func() (any, error) {
		if s := m.get(serverID); s != nil && s.connRunning() {
			if id := s.agentID(); id != "" {
				return id, nil
			}
		}
		return m.createSession(ctx, serverID, opts)
	})
	if err != nil {
		return "", err
	}
	return id.(string), nil
}

func (m *Manager) createSession(ctx context.Context, serverID string, opts SessionOptions) (string, error) {
	log := m.log.WithSessionID(serverID)

	s := &agentSession{
		serverID:  serverID,
		mgr:       m,
		log:       log,
		opts:      opts,
		fs:        acp.NewFSHandler(log),
		terminals: acp.NewTerminalManager(log),
		subs:      make(map[int]Subscriber),
	}
	s.agentSessionID.Store("")

	if err := m.connect(ctx, s); err != nil {
		return "", err
	}

	m.mu.Lock()
	if old := m.sessions[serverID]; old != nil {
		m.mu.Unlock()
		_ = s.conn.Close()
		if id := old.agentID(); id != "" {
			return id, nil
		}
		return "", fmt.Errorf("session %s is being recreated", serverID)
	}
	m.sessions[serverID] = s
	m.mu.Unlock()

	s.broadcastMethod(stream.MethodSessionStarted, map[string]string{
		"sessionId": s.agentID(),
	})
	return s.agentID(), nil
}

// connect spawns the subprocess, initializes, and establishes the agent
// session via resume -> load -> new. Each step swallows only its own error.
func (m *Manager) connect(ctx context.Context, s *agentSession) error {
	conn, err := m.dial(s, s.opts)
	if err != nil {
		return fmt.Errorf("spawn agent: %w", err)
	}

	var initRes acp.InitializeResult
	initParams := acp.InitializeParams{
		ProtocolVersion: 1,
		ClientCapabilities: acp.ClientCapabilities{
			FS:       &acp.FSCapabilities{ReadTextFile: true, WriteTextFile: true},
			Terminal: true,
		},
		ClientInfo: m.cfg.ClientInfo,
	}
	if err := conn.Call(ctx, acp.MethodInitialize, initParams, &initRes); err != nil {
		_ = conn.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.caps = initRes.AgentCapabilities
	s.connMu.Unlock()

	agentID, err := m.establishSession(ctx, s, conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	s.agentSessionID.Store(agentID)
	return nil
}

func (m *Manager) establishSession(ctx context.Context, s *agentSession, conn *acp.Conn) (string, error) {
	meta := &acp.Meta{}
	if len(s.opts.McpServers) > 0 || s.opts.SystemPrompt != "" {
		meta.ClaudeCode = &acp.ClaudeCodeMeta{
			McpServers:   s.opts.McpServers,
			SystemPrompt: s.opts.SystemPrompt,
		}
	} else {
		meta = nil
	}

	resume := s.caps.SessionCapabilities != nil && s.caps.SessionCapabilities.Resume

	if s.opts.LoadSessionID != "" && resume {
		var res acp.SessionResult
		err := conn.Call(ctx, acp.MethodResumeSession, acp.ResumeSessionParams{
			SessionID: s.opts.LoadSessionID,
			Cwd:       s.opts.Cwd,
			Meta:      meta,
		}, &res)
		if err == nil {
			if res.SessionID != "" {
				return res.SessionID, nil
			}
			return s.opts.LoadSessionID, nil
		}
		s.log.Warn("resumeSession failed, falling through", zap.Error(err))
	}

	if s.opts.LoadSessionID != "" && s.caps.LoadSession {
		var res acp.SessionResult
		err := conn.Call(ctx, acp.MethodLoadSession, acp.LoadSessionParams{
			SessionID:  s.opts.LoadSessionID,
			Cwd:        s.opts.Cwd,
			McpServers: mcpOrEmpty(s.opts.McpServers),
			Meta:       meta,
		}, &res)
		if err == nil {
			if res.SessionID != "" {
				return res.SessionID, nil
			}
			return s.opts.LoadSessionID, nil
		}
		s.log.Warn("loadSession failed, falling through", zap.Error(err))
	}

	var res acp.NewSessionResult
	if err := conn.Call(ctx, acp.MethodNewSession, acp.NewSessionParams{
		Cwd:        s.opts.Cwd,
		McpServers: mcpOrEmpty(s.opts.McpServers),
		Meta:       meta,
	}, &res); err != nil {
		return "", fmt.Errorf("newSession: %w", err)
	}
	// Record the fresh id so later recoveries resume it.
	s.opts.LoadSessionID = res.SessionID
	return res.SessionID, nil
}

// SendMessage emits a synthetic user_message envelope, then calls prompt.
// The call returns as soon as the prompt resolves or the start race
// elapses; later failures surface as synthetic error envelopes.
func (m *Manager) SendMessage(ctx context.Context, serverID, text string) error {
	return m.sendPrompt(ctx, serverID, text, true)
}

// ResendMessage retries a prompt without re-emitting the user_message echo.
// Recovery uses it when the failed attempt's echo already reached the log,
// keeping the user's text persisted exactly once.
func (m *Manager) ResendMessage(ctx context.Context, serverID, text string) error {
	return m.sendPrompt(ctx, serverID, text, false)
}

func (m *Manager) sendPrompt(ctx context.Context, serverID, text string, echo bool) error {
	s := m.get(serverID)
	if s == nil {
		return fmt.Errorf(errNoSessionFmt, serverID)
	}

	if echo {
		s.broadcastUserMessage(text)
	}

	p := &promptState{}
	s.promptMu.Lock()
	s.currentPrompt = p
	s.promptMu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		var res acp.PromptResult
		err := s.call(context.Background(), acp.MethodPrompt, acp.PromptParams{
			SessionID: s.agentID(),
			Prompt:    []acp.ContentBlock{{Type: "text", Text: text}},
		}, &res)
		if err == nil && res.StopReason == "" {
			err = errors.New("session did not end in result")
		}

		s.promptMu.Lock()
		if s.currentPrompt == p {
			s.currentPrompt = nil
		}
		s.promptMu.Unlock()

		switch {
		case err == nil:
			s.finishPrompt(p, res.StopReason, nil)
			errCh <- nil
		case isTransportTimeout(err):
			m.fatalReset(s, p, err)
			errCh <- err
		default:
			s.finishPrompt(p, acp.StopReasonEndTurn, err)
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(m.cfg.PromptStartRace):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetSessionModel forwards unstableSetSessionModel.
func (m *Manager) SetSessionModel(ctx context.Context, serverID, modelID string) error {
	s := m.get(serverID)
	if s == nil {
		return fmt.Errorf(errNoSessionFmt, serverID)
	}
	return s.call(ctx, acp.MethodSetSessionModel, acp.SetSessionModelParams{
		SessionID: s.agentID(),
		ModelID:   modelID,
	}, nil)
}

// CancelPrompt forwards cancel and always emits a synthetic cancelled
// terminator; at most one per in-flight prompt.
func (m *Manager) CancelPrompt(ctx context.Context, serverID string) error {
	s := m.get(serverID)
	if s == nil {
		return fmt.Errorf(errNoSessionFmt, serverID)
	}

	err := s.call(ctx, acp.MethodCancel, acp.CancelParams{SessionID: s.agentID()}, nil)
	if err != nil {
		s.log.Warn("cancel forward failed", zap.Error(err))
	}

	s.promptMu.Lock()
	p := s.currentPrompt
	s.currentPrompt = nil
	s.promptMu.Unlock()

	if p != nil {
		s.finishPrompt(p, acp.StopReasonCancelled, nil)
	} else {
		s.broadcastStop(acp.StopReasonCancelled)
	}
	return nil
}

// DestroySession tears the subprocess down (stdin close, SIGTERM, SIGKILL
// after grace) and clears all per-session state.
func (m *Manager) DestroySession(ctx context.Context, serverID string) error {
	m.mu.Lock()
	s := m.sessions[serverID]
	delete(m.sessions, serverID)
	m.mu.Unlock()

	if s == nil {
		return nil
	}

	s.broadcastMethod(stream.MethodSessionEnded, map[string]string{
		"sessionId": s.agentID(),
	})
	s.terminals.CloseAll()

	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	s.subMu.Lock()
	s.subs = make(map[int]Subscriber)
	s.buffer = nil
	s.subMu.Unlock()

	return nil
}

// Subscribe attaches a listener to the session's envelope stream. Buffered
// envelopes accumulated while no subscriber was attached are drained to the
// new listener, in arrival order, before it sees live traffic.
func (m *Manager) Subscribe(serverID string, sub Subscriber) (func(), error) {
	s := m.get(serverID)
	if s == nil {
		return nil, fmt.Errorf(errNoSessionFmt, serverID)
	}

	s.subMu.Lock()
	buffered := s.buffer
	s.buffer = nil
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.subMu.Unlock()

	for _, env := range buffered {
		sub(env)
	}

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}, nil
}

// HasSession reports whether a live subprocess exists for the server id.
func (m *Manager) HasSession(serverID string) bool {
	s := m.get(serverID)
	return s != nil && s.connRunning()
}

// AgentSessionID returns the agent-assigned id, "" when unknown.
func (m *Manager) AgentSessionID(serverID string) string {
	s := m.get(serverID)
	if s == nil {
		return ""
	}
	return s.agentID()
}

// Shutdown destroys every session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.DestroySession(ctx, id)
	}
}

// fatalReset recovers from a fatal transport timeout: synthetic error,
// teardown, respawn resuming the prior agent session, synthetic end_turn.
// The in-flight guard makes concurrent recoveries idempotent.
func (m *Manager) fatalReset(s *agentSession, p *promptState, cause error) {
	if !s.fatalResetInFlight.CompareAndSwap(false, true) {
		return
	}
	defer s.fatalResetInFlight.Store(false)

	p.once.Do(func() {
		s.log.Warn("fatal transport timeout, recovering", zap.Error(cause))
		s.broadcastError(&acp.RPCError{Code: acp.CodeInternalError, Message: cause.Error()})

		s.connMu.Lock()
		old := s.conn
		s.connMu.Unlock()
		if old != nil {
			_ = old.Close()
		}

		s.opts.LoadSessionID = s.agentID()
		ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
		defer cancel()
		if err := m.connect(ctx, s); err != nil {
			s.log.Error("session recovery failed", zap.Error(err))
		}

		s.broadcastStop(acp.StopReasonEndTurn)
	})
}

func (m *Manager) get(serverID string) *agentSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[serverID]
}

func (s *agentSession) agentID() string {
	id, _ := s.agentSessionID.Load().(string)
	return id
}

func (s *agentSession) connRunning() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn != nil && s.conn.Running()
}

func (s *agentSession) call(ctx context.Context, method string, params, result any) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return acp.ErrStdinUnavailable
	}
	return conn.Call(ctx, method, params, result)
}

// finishPrompt emits the prompt's terminator exactly once: error + end_turn
// on failure, the stop reason otherwise.
func (s *agentSession) finishPrompt(p *promptState, stopReason string, err error) {
	p.once.Do(func() {
		if err != nil {
			rpcErr := &acp.RPCError{Code: acp.CodeInternalError, Message: err.Error()}
			var asRPC *acp.RPCError
			if errors.As(err, &asRPC) {
				rpcErr = asRPC
			}
			s.broadcastError(rpcErr)
		}
		s.broadcastStop(stopReason)
	})
}

// broadcast delivers the envelope to all subscribers, or buffers it (bounded,
// oldest dropped) while none are attached.
func (s *agentSession) broadcast(env *acp.Envelope) {
	s.subMu.Lock()
	if len(s.subs) == 0 {
		s.buffer = append(s.buffer, env)
		if limit := s.mgr.cfg.BufferCap; len(s.buffer) > limit {
			s.buffer = s.buffer[len(s.buffer)-limit:]
		}
		s.subMu.Unlock()
		return
	}
	subs := make([]Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subMu.Unlock()

	for _, sub := range subs {
		sub(env)
	}
}

func (s *agentSession) broadcastMethod(method string, params any) {
	env, err := acp.NewNotification(method, params)
	if err != nil {
		s.log.Error("failed to build synthetic envelope", zap.Error(err))
		return
	}
	s.broadcast(env)
}

func (s *agentSession) broadcastUserMessage(text string) {
	content, _ := json.Marshal(acp.ContentBlock{Type: "text", Text: text})
	s.broadcastMethod(acp.MethodSessionUpdate, acp.SessionNotification{
		SessionID: s.agentID(),
		Update: acp.SessionUpdate{
			SessionUpdate: acp.UpdateUserMessage,
			Content:       content,
		},
	})
}

func (s *agentSession) broadcastStop(stopReason string) {
	env, err := acp.NewResult(acp.PromptResult{StopReason: stopReason})
	if err != nil {
		return
	}
	s.broadcast(env)
}

func (s *agentSession) broadcastError(rpcErr *acp.RPCError) {
	s.broadcast(&acp.Envelope{JSONRPC: "2.0", Error: rpcErr})
}

// HandleNotification implements acp.Handler: agent notifications flow to
// subscribers in stdout arrival order.
func (s *agentSession) HandleNotification(env *acp.Envelope) {
	s.broadcast(env)
}

// HandleRequest implements acp.Handler for the agent-initiated set.
func (s *agentSession) HandleRequest(ctx context.Context, env *acp.Envelope) (any, *acp.RPCError) {
	switch env.Method {
	case acp.MethodRequestPermission:
		return s.handlePermission(env)

	case acp.MethodReadTextFile:
		var params acp.ReadTextFileParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return nil, &acp.RPCError{Code: acp.CodeInvalidParams, Message: err.Error()}
		}
		return s.fs.ReadTextFile(params)

	case acp.MethodWriteTextFile:
		var params acp.WriteTextFileParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return nil, &acp.RPCError{Code: acp.CodeInvalidParams, Message: err.Error()}
		}
		if rpcErr := s.fs.WriteTextFile(params); rpcErr != nil {
			return nil, rpcErr
		}
		return struct{}{}, nil

	case acp.MethodTerminalCreate:
		var params acp.CreateTerminalParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return nil, &acp.RPCError{Code: acp.CodeInvalidParams, Message: err.Error()}
		}
		if params.Cwd == "" {
			params.Cwd = s.opts.Cwd
		}
		return s.terminals.Create(params)

	case acp.MethodTerminalOutput:
		var params acp.TerminalIDParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return nil, &acp.RPCError{Code: acp.CodeInvalidParams, Message: err.Error()}
		}
		return s.terminals.Output(params)

	case acp.MethodTerminalWait:
		var params acp.TerminalIDParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return nil, &acp.RPCError{Code: acp.CodeInvalidParams, Message: err.Error()}
		}
		return s.terminals.WaitForExit(params)

	case acp.MethodTerminalRelease:
		var params acp.TerminalIDParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return nil, &acp.RPCError{Code: acp.CodeInvalidParams, Message: err.Error()}
		}
		if rpcErr := s.terminals.Release(params); rpcErr != nil {
			return nil, rpcErr
		}
		return struct{}{}, nil

	case acp.MethodTerminalKill:
		var params acp.TerminalIDParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return nil, &acp.RPCError{Code: acp.CodeInvalidParams, Message: err.Error()}
		}
		if rpcErr := s.terminals.Kill(params); rpcErr != nil {
			return nil, rpcErr
		}
		return struct{}{}, nil
	}

	return nil, &acp.RPCError{Code: acp.CodeMethodNotFound, Message: fmt.Sprintf("method %s not found", env.Method)}
}

// handlePermission auto-approves: prefer allow_always, then allow_once,
// otherwise answer cancelled. The request and the decision both flow
// through the envelope stream.
func (s *agentSession) handlePermission(env *acp.Envelope) (any, *acp.RPCError) {
	var params acp.RequestPermissionParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		return nil, &acp.RPCError{Code: acp.CodeInvalidParams, Message: err.Error()}
	}

	s.broadcast(env)

	var chosen *acp.PermissionOption
	for i := range params.Options {
		opt := &params.Options[i]
		if opt.Kind == acp.PermissionAllowAlways {
			chosen = opt
			break
		}
		if opt.Kind == acp.PermissionAllowOnce && chosen == nil {
			chosen = opt
		}
	}

	outcome := acp.PermissionOutcome{Outcome: acp.OutcomeCancelled}
	if chosen != nil {
		outcome = acp.PermissionOutcome{Outcome: acp.OutcomeSelected, OptionID: chosen.OptionID}
	}

	s.broadcastMethod(stream.MethodPermissionResolved, map[string]any{
		"sessionId": params.SessionID,
		"outcome":   outcome,
	})

	return acp.RequestPermissionResult{Outcome: outcome}, nil
}

// isTransportTimeout classifies fatal transport timeouts that warrant a
// teardown-and-resume recovery.
func isTransportTimeout(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "timed out")
}

func mcpOrEmpty(servers []acp.McpServer) []acp.McpServer {
	if servers == nil {
		return []acp.McpServer{}
	}
	return servers
}
