package acp

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/agentlab/agentlab/internal/common/logger"
)

const defaultOutputByteLimit = 1 * 1024 * 1024

// TerminalManager owns the terminals one agent session has created via
// terminal/create. Terminal ids are monotonic within the session.
type TerminalManager struct {
	log    *logger.Logger
	mu     sync.Mutex
	nextID int
	terms  map[string]*terminal
}

// terminal captures piped stdout+stderr of one command into a single
// bounded buffer and tracks its exit.
type terminal struct {
	cmd *exec.Cmd

	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
	status    *TerminalStatus
	waiters   []chan WaitForExitResult
}

// NewTerminalManager creates a terminal manager for one session.
func NewTerminalManager(log *logger.Logger) *TerminalManager {
	return &TerminalManager{
		log:   log.WithComponent("acp-terminal"),
		terms: make(map[string]*terminal),
	}
}

// Create spawns the command and starts capturing its output.
func (m *TerminalManager) Create(params CreateTerminalParams) (*CreateTerminalResult, *RPCError) {
	cmd := exec.Command(params.Command, params.Args...)
	if params.Cwd != "" {
		cmd.Dir = params.Cwd
	}
	cmd.Env = os.Environ()
	for _, e := range params.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", e.Name, e.Value))
	}

	limit := params.OutputByteLimit
	if limit <= 0 {
		limit = defaultOutputByteLimit
	}
	t := &terminal{cmd: cmd, limit: limit}
	cmd.Stdout = (*terminalWriter)(t)
	cmd.Stderr = (*terminalWriter)(t)

	if err := cmd.Start(); err != nil {
		return nil, &RPCError{Code: CodeInternalError, Message: err.Error()}
	}

	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("term-%d", m.nextID)
	m.terms[id] = t
	m.mu.Unlock()

	go func() {
		err := cmd.Wait()
		t.finish(err)
	}()

	m.log.Debug("terminal created",
		zap.String("terminal_id", id),
		zap.String("command", params.Command))
	return &CreateTerminalResult{TerminalID: id}, nil
}

// Output drains and clears the captured buffer.
func (m *TerminalManager) Output(params TerminalIDParams) (*TerminalOutputResult, *RPCError) {
	t, rpcErr := m.lookup(params.TerminalID)
	if rpcErr != nil {
		return nil, rpcErr
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.buf.String()
	t.buf.Reset()
	res := &TerminalOutputResult{
		Output:     out,
		Truncated:  t.truncated,
		ExitStatus: t.status,
	}
	t.truncated = false
	return res, nil
}

// WaitForExit resolves immediately if the command already exited, otherwise
// queues a waiter resolved on exit.
func (m *TerminalManager) WaitForExit(params TerminalIDParams) (*WaitForExitResult, *RPCError) {
	t, rpcErr := m.lookup(params.TerminalID)
	if rpcErr != nil {
		return nil, rpcErr
	}

	t.mu.Lock()
	if t.status != nil {
		res := WaitForExitResult{ExitCode: t.status.ExitCode, Signal: t.status.Signal}
		t.mu.Unlock()
		return &res, nil
	}
	ch := make(chan WaitForExitResult, 1)
	t.waiters = append(t.waiters, ch)
	t.mu.Unlock()

	res := <-ch
	return &res, nil
}

// Release drops the terminal from the map without touching the process.
func (m *TerminalManager) Release(params TerminalIDParams) *RPCError {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.terms[params.TerminalID]; !ok {
		return &RPCError{Code: CodeInternalError, Message: fmt.Sprintf("unknown terminal %s", params.TerminalID)}
	}
	delete(m.terms, params.TerminalID)
	return nil
}

// Kill sends SIGKILL to the terminal's process.
func (m *TerminalManager) Kill(params TerminalIDParams) *RPCError {
	t, rpcErr := m.lookup(params.TerminalID)
	if rpcErr != nil {
		return rpcErr
	}
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	return nil
}

// CloseAll kills and drops every terminal. Called on session teardown.
func (m *TerminalManager) CloseAll() {
	m.mu.Lock()
	terms := m.terms
	m.terms = make(map[string]*terminal)
	m.mu.Unlock()

	for _, t := range terms {
		t.mu.Lock()
		running := t.status == nil
		t.mu.Unlock()
		if running && t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
	}
}

func (m *TerminalManager) lookup(id string) (*terminal, *RPCError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.terms[id]
	if !ok {
		return nil, &RPCError{Code: CodeInternalError, Message: fmt.Sprintf("unknown terminal %s", id)}
	}
	return t, nil
}

func (t *terminal) finish(err error) {
	status := &TerminalStatus{}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if exitErr.ProcessState != nil {
			code := exitErr.ProcessState.ExitCode()
			if code >= 0 {
				status.ExitCode = &code
			} else {
				sig := exitErr.ProcessState.String()
				status.Signal = &sig
			}
		}
	} else if err == nil {
		zero := 0
		if t.cmd.ProcessState != nil {
			zero = t.cmd.ProcessState.ExitCode()
		}
		status.ExitCode = &zero
	} else {
		msg := err.Error()
		status.Signal = &msg
	}

	t.mu.Lock()
	t.status = status
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()

	res := WaitForExitResult{ExitCode: status.ExitCode, Signal: status.Signal}
	for _, ch := range waiters {
		ch <- res
	}
}

// terminalWriter funnels stdout and stderr into the shared bounded buffer.
type terminalWriter terminal

func (w *terminalWriter) Write(p []byte) (int, error) {
	t := (*terminal)(w)
	t.mu.Lock()
	defer t.mu.Unlock()

	if room := t.limit - t.buf.Len(); room < len(p) {
		if room > 0 {
			t.buf.Write(p[:room])
		}
		t.truncated = true
	} else {
		t.buf.Write(p)
	}
	return len(p), nil
}
