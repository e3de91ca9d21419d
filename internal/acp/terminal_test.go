package acp

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlab/agentlab/internal/common/logger"
)

func TestTerminalCreateAndWait(t *testing.T) {
	m := NewTerminalManager(logger.Default())

	res, rpcErr := m.Create(CreateTerminalParams{
		SessionID: "s1",
		Command:   "sh",
		Args:      []string{"-c", "echo hello"},
	})
	require.Nil(t, rpcErr)
	require.NotEmpty(t, res.TerminalID)

	wait, rpcErr := m.WaitForExit(TerminalIDParams{SessionID: "s1", TerminalID: res.TerminalID})
	require.Nil(t, rpcErr)
	require.NotNil(t, wait.ExitCode)
	assert.Equal(t, 0, *wait.ExitCode)

	out, rpcErr := m.Output(TerminalIDParams{SessionID: "s1", TerminalID: res.TerminalID})
	require.Nil(t, rpcErr)
	assert.Equal(t, "hello\n", out.Output)
	assert.False(t, out.Truncated)
	require.NotNil(t, out.ExitStatus)
}

func TestTerminalOutputDrains(t *testing.T) {
	m := NewTerminalManager(logger.Default())

	res, rpcErr := m.Create(CreateTerminalParams{
		SessionID: "s1",
		Command:   "sh",
		Args:      []string{"-c", "echo first"},
	})
	require.Nil(t, rpcErr)

	_, rpcErr = m.WaitForExit(TerminalIDParams{TerminalID: res.TerminalID})
	require.Nil(t, rpcErr)

	out, rpcErr := m.Output(TerminalIDParams{TerminalID: res.TerminalID})
	require.Nil(t, rpcErr)
	assert.Equal(t, "first\n", out.Output)

	// The buffer is consumed by reading it.
	out, rpcErr = m.Output(TerminalIDParams{TerminalID: res.TerminalID})
	require.Nil(t, rpcErr)
	assert.Empty(t, out.Output)
}

func TestTerminalOutputTruncation(t *testing.T) {
	m := NewTerminalManager(logger.Default())

	res, rpcErr := m.Create(CreateTerminalParams{
		Command:         "sh",
		Args:            []string{"-c", "printf 'aaaaaaaaaaaaaaaaaaaa'"},
		OutputByteLimit: 8,
	})
	require.Nil(t, rpcErr)

	_, rpcErr = m.WaitForExit(TerminalIDParams{TerminalID: res.TerminalID})
	require.Nil(t, rpcErr)

	out, rpcErr := m.Output(TerminalIDParams{TerminalID: res.TerminalID})
	require.Nil(t, rpcErr)
	assert.Equal(t, strings.Repeat("a", 8), out.Output)
	assert.True(t, out.Truncated)
}

func TestTerminalNonZeroExit(t *testing.T) {
	m := NewTerminalManager(logger.Default())

	res, rpcErr := m.Create(CreateTerminalParams{
		Command: "sh",
		Args:    []string{"-c", "exit 3"},
	})
	require.Nil(t, rpcErr)

	wait, rpcErr := m.WaitForExit(TerminalIDParams{TerminalID: res.TerminalID})
	require.Nil(t, rpcErr)
	require.NotNil(t, wait.ExitCode)
	assert.Equal(t, 3, *wait.ExitCode)
}

func TestTerminalKill(t *testing.T) {
	m := NewTerminalManager(logger.Default())

	res, rpcErr := m.Create(CreateTerminalParams{
		Command: "sh",
		Args:    []string{"-c", "sleep 30"},
	})
	require.Nil(t, rpcErr)

	done := make(chan *WaitForExitResult, 1)
	go func() {
		wait, _ := m.WaitForExit(TerminalIDParams{TerminalID: res.TerminalID})
		done <- wait
	}()

	// Give the waiter a moment to queue before killing.
	time.Sleep(50 * time.Millisecond)
	require.Nil(t, m.Kill(TerminalIDParams{TerminalID: res.TerminalID}))

	select {
	case wait := <-done:
		require.NotNil(t, wait)
		assert.NotNil(t, wait.Signal)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not resolved after kill")
	}
}

func TestTerminalRelease(t *testing.T) {
	m := NewTerminalManager(logger.Default())

	res, rpcErr := m.Create(CreateTerminalParams{
		Command: "sh",
		Args:    []string{"-c", "true"},
	})
	require.Nil(t, rpcErr)

	require.Nil(t, m.Release(TerminalIDParams{TerminalID: res.TerminalID}))

	_, rpcErr = m.Output(TerminalIDParams{TerminalID: res.TerminalID})
	require.NotNil(t, rpcErr)
	assert.Contains(t, rpcErr.Message, "unknown terminal")
}

func TestTerminalUnknownID(t *testing.T) {
	m := NewTerminalManager(logger.Default())

	_, rpcErr := m.Output(TerminalIDParams{TerminalID: "term-99"})
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeInternalError, rpcErr.Code)
}

func TestTerminalCreateBadCommand(t *testing.T) {
	m := NewTerminalManager(logger.Default())

	_, rpcErr := m.Create(CreateTerminalParams{Command: "/nonexistent/binary"})
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeInternalError, rpcErr.Code)
}
