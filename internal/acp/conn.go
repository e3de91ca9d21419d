package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentlab/agentlab/internal/common/logger"
)

const (
	// DefaultRequestTimeout bounds every outbound JSON-RPC request.
	DefaultRequestTimeout = 120 * time.Second

	// termGrace is how long Close waits after SIGTERM before SIGKILL.
	termGrace = 5 * time.Second

	// maxLineBytes is the scanner buffer limit for one envelope line.
	maxLineBytes = 10 * 1024 * 1024
)

// ErrProcessExited is returned for calls that outlive the agent subprocess.
// Its text is part of the recoverable-error contract; do not reword.
var ErrProcessExited = errors.New("agent process exited")

// ErrStdinUnavailable is returned when the agent's stdin is gone.
var ErrStdinUnavailable = errors.New("process stdin not available")

// Handler receives agent-initiated traffic from the connection's read loop.
// Notifications are delivered synchronously in stdout arrival order;
// requests are served on their own goroutines.
type Handler interface {
	HandleNotification(env *Envelope)
	HandleRequest(ctx context.Context, env *Envelope) (any, *RPCError)
}

// Options configures a connection.
type Options struct {
	RequestTimeout time.Duration
	Logger         *logger.Logger
}

// Conn is one JSON-RPC connection to an agent, framed as newline-delimited
// JSON. It multiplexes concurrent outbound requests through a pending map
// and routes agent-initiated requests to the Handler.
type Conn struct {
	cmd    *exec.Cmd // nil when running over raw pipes (tests)
	stdin  io.WriteCloser
	enc    *json.Encoder
	encMu  sync.Mutex
	closed atomic.Bool

	handler        Handler
	log            *logger.Logger
	requestTimeout time.Duration

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan *Envelope

	done      chan struct{}
	closeOnce sync.Once
	waitErr   chan error
	wg        sync.WaitGroup
}

// Spawn starts the agent subprocess and wires the connection to its stdio.
func Spawn(command string, args []string, dir string, env map[string]string, handler Handler, opts Options) (*Conn, error) {
	cmd := exec.Command(command, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	c := newConn(stdin, handler, opts)
	c.cmd = cmd

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	c.wg.Add(2)
	go c.readLoop(stdout)
	go c.drainStderr(stderr)

	go func() {
		err := cmd.Wait()
		c.failPending(ErrProcessExited)
		c.waitErr <- err
		close(c.done)
	}()

	return c, nil
}

// NewPipeConn wires a connection over an arbitrary pipe pair. Used by tests
// that script the agent side in-process.
func NewPipeConn(w io.WriteCloser, r io.Reader, handler Handler, opts Options) *Conn {
	c := newConn(w, handler, opts)
	c.wg.Add(1)
	go func() {
		c.readLoop(r)
		c.failPending(ErrProcessExited)
		close(c.done)
	}()
	return c
}

func newConn(w io.WriteCloser, handler Handler, opts Options) *Conn {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Conn{
		stdin:          w,
		enc:            json.NewEncoder(w),
		handler:        handler,
		log:            log.WithComponent("acp"),
		requestTimeout: timeout,
		pending:        make(map[int64]chan *Envelope),
		done:           make(chan struct{}),
		waitErr:        make(chan error, 1),
	}
}

// Call sends a request and decodes the response into result (when non-nil).
// It fails with the agent's RPCError, the context error, ErrProcessExited,
// or a timeout after the configured per-request deadline.
func (c *Conn) Call(ctx context.Context, method string, params any, result any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}

	id := c.nextID.Add(1)
	env := &Envelope{JSONRPC: "2.0", ID: &id, Method: method, Params: raw}

	respCh := make(chan *Envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	if err := c.send(env); err != nil {
		c.dropPending(id)
		return err
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respCh:
		if !ok {
			return ErrProcessExited
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-timer.C:
		c.dropPending(id)
		return fmt.Errorf("request %s timed out after %s", method, c.requestTimeout)
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	}
}

// Notify sends a notification (no response expected).
func (c *Conn) Notify(method string, params any) error {
	env, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.send(env)
}

func (c *Conn) send(env *Envelope) error {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	if c.closed.Load() {
		return ErrStdinUnavailable
	}
	if err := c.enc.Encode(env); err != nil {
		return fmt.Errorf("%w: %v", ErrStdinUnavailable, err)
	}
	return nil
}

func (c *Conn) readLoop(r io.Reader) {
	defer c.wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			c.log.Warn("failed to parse agent message", zap.Error(err))
			continue
		}

		switch {
		case env.IsResponse():
			c.deliverResponse(&env)
		case env.IsRequest():
			go c.serveRequest(&env)
		case env.IsNotification():
			// Synchronous so subscribers observe stdout arrival order.
			c.handler.HandleNotification(&env)
		}
	}

	if err := scanner.Err(); err != nil {
		c.log.Warn("agent stdout read error", zap.Error(err))
	}
}

func (c *Conn) deliverResponse(env *Envelope) {
	c.pendingMu.Lock()
	ch, ok := c.pending[*env.ID]
	if ok {
		delete(c.pending, *env.ID)
	}
	c.pendingMu.Unlock()

	if ok {
		ch <- env
	}
}

func (c *Conn) serveRequest(env *Envelope) {
	result, rpcErr := c.handler.HandleRequest(context.Background(), env)

	reply := &Envelope{JSONRPC: "2.0", ID: env.ID}
	if rpcErr != nil {
		reply.Error = rpcErr
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			reply.Error = &RPCError{Code: CodeInternalError, Message: err.Error()}
		} else {
			reply.Result = raw
		}
	}

	if err := c.send(reply); err != nil {
		c.log.Warn("failed to answer agent request",
			zap.String("method", env.Method),
			zap.Error(err))
	}
}

func (c *Conn) drainStderr(r io.Reader) {
	defer c.wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		c.log.Debug("agent stderr", zap.String("line", scanner.Text()))
	}
}

func (c *Conn) dropPending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Conn) failPending(err error) {
	c.pendingMu.Lock()
	n := len(c.pending)
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.pendingMu.Unlock()

	if n > 0 {
		c.log.Warn("rejecting pending requests", zap.Int("count", n), zap.Error(err))
	}
}

// Done is closed once the agent process (or pipe) has terminated.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Running reports whether the connection is still usable.
func (c *Conn) Running() bool {
	select {
	case <-c.done:
		return false
	default:
		return !c.closed.Load()
	}
}

// Close shuts the connection down: close stdin, SIGTERM, wait up to the
// grace period, SIGKILL if the process has not exited.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.stdin != nil {
			_ = c.stdin.Close()
		}

		if c.cmd != nil && c.cmd.Process != nil {
			_ = c.cmd.Process.Signal(syscall.SIGTERM)

			select {
			case <-c.done:
			case <-time.After(termGrace):
				_ = c.cmd.Process.Kill()
				<-c.done
			}
		}

		c.wg.Wait()
	})
	return nil
}
