package acp

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/agentlab/agentlab/internal/common/logger"
)

// FSHandler answers the agent's fs/read_text_file and fs/write_text_file
// requests against the host filesystem. All failures map to -32603.
type FSHandler struct {
	log *logger.Logger
}

// NewFSHandler creates a filesystem handler.
func NewFSHandler(log *logger.Logger) *FSHandler {
	return &FSHandler{log: log.WithComponent("acp-fs")}
}

// ReadTextFile reads a file, optionally windowed by a 1-based start line
// and a line count limit.
func (h *FSHandler) ReadTextFile(params ReadTextFileParams) (*ReadTextFileResult, *RPCError) {
	data, err := os.ReadFile(params.Path)
	if err != nil {
		h.log.Debug("read_text_file failed", zap.String("path", params.Path), zap.Error(err))
		return nil, &RPCError{Code: CodeInternalError, Message: err.Error()}
	}

	text := string(data)
	if params.Line != nil || params.Limit != nil {
		lines := strings.Split(text, "\n")
		start := 0
		if params.Line != nil && *params.Line > 1 {
			start = *params.Line - 1
			if start > len(lines) {
				start = len(lines)
			}
		}
		end := len(lines)
		if params.Limit != nil && start+*params.Limit < end {
			end = start + *params.Limit
		}
		text = strings.Join(lines[start:end], "\n")
	}

	return &ReadTextFileResult{Text: text}, nil
}

// WriteTextFile creates parent directories as needed and writes the file.
func (h *FSHandler) WriteTextFile(params WriteTextFileParams) *RPCError {
	if dir := filepath.Dir(params.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &RPCError{Code: CodeInternalError, Message: err.Error()}
		}
	}
	if err := os.WriteFile(params.Path, []byte(params.Content), 0o644); err != nil {
		h.log.Debug("write_text_file failed", zap.String("path", params.Path), zap.Error(err))
		return &RPCError{Code: CodeInternalError, Message: err.Error()}
	}
	return nil
}
