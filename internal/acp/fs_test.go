package acp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlab/agentlab/internal/common/logger"
)

func intPtr(v int) *int { return &v }

func TestFSReadTextFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\nfour"), 0o644))

	h := NewFSHandler(logger.Default())

	res, rpcErr := h.ReadTextFile(ReadTextFileParams{Path: path})
	require.Nil(t, rpcErr)
	assert.Equal(t, "one\ntwo\nthree\nfour", res.Text)
}

func TestFSReadTextFileWindow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\nfour"), 0o644))

	h := NewFSHandler(logger.Default())

	res, rpcErr := h.ReadTextFile(ReadTextFileParams{Path: path, Line: intPtr(2), Limit: intPtr(2)})
	require.Nil(t, rpcErr)
	assert.Equal(t, "two\nthree", res.Text)

	// A start past the end yields nothing rather than an error.
	res, rpcErr = h.ReadTextFile(ReadTextFileParams{Path: path, Line: intPtr(99)})
	require.Nil(t, rpcErr)
	assert.Empty(t, res.Text)
}

func TestFSReadTextFileMissing(t *testing.T) {
	h := NewFSHandler(logger.Default())

	_, rpcErr := h.ReadTextFile(ReadTextFileParams{Path: filepath.Join(t.TempDir(), "absent")})
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeInternalError, rpcErr.Code)
}

func TestFSWriteTextFileCreatesDirectories(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "out.txt")

	h := NewFSHandler(logger.Default())

	rpcErr := h.WriteTextFile(WriteTextFileParams{Path: path, Content: "written"})
	require.Nil(t, rpcErr)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "written", string(data))
}

func TestFSWriteTextFileOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	h := NewFSHandler(logger.Default())

	rpcErr := h.WriteTextFile(WriteTextFileParams{Path: path, Content: "new"})
	require.Nil(t, rpcErr)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}
