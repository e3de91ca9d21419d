package httpapi

import (
	"context"
	"encoding/json"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentlab/agentlab/internal/acp"
)

const fileListLimit = 2000

type fileEntry struct {
	Path   string `json:"path"`
	Status string `json:"status,omitempty"`
}

// workspaceDir resolves the session's workspace directory.
func (a *API) workspaceDir(ctx context.Context, id string) (string, error) {
	row, err := a.store.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	if row.WorkspaceDir != nil && *row.WorkspaceDir != "" {
		return *row.WorkspaceDir, nil
	}
	return filepath.Join(a.cfg.Agent.WorkspaceRoot, id), nil
}

// fileStatus reports changed files in the workspace. git is authoritative;
// when the workspace is not a repository (or git is unavailable) the stored
// event log is scanned for files the agent wrote.
func (a *API) fileStatus(c *gin.Context) {
	id := sessionID(c)
	ctx := c.Request.Context()

	dir, err := a.workspaceDir(ctx, id)
	if err != nil {
		a.logError(c, "workspace lookup failed", err)
		errorJSON(c, http.StatusNotFound, err.Error())
		return
	}

	files, gitErr := gitStatus(ctx, dir)
	source := "git"
	if gitErr != nil {
		a.log.Debug("git status unavailable, scanning event log",
			zap.String("session_id", id), zap.Error(gitErr))
		files, err = a.writtenFilesFromLog(ctx, id)
		source = "events"
		if err != nil {
			a.logError(c, "event log scan failed", err)
			errorJSON(c, http.StatusInternalServerError, err.Error())
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"files": files, "source": source})
}

// gitStatus parses `git status --porcelain=v1 --untracked-files=all`.
func gitStatus(ctx context.Context, dir string) ([]fileEntry, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "status", "--porcelain=v1", "--untracked-files=all")
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	files := []fileEntry{}
	for _, line := range strings.Split(string(out), "\n") {
		if len(line) < 4 {
			continue
		}
		status := strings.TrimSpace(line[:2])
		path := strings.TrimSpace(line[3:])
		// Renames are reported as "old -> new"; keep the new path.
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		path = strings.Trim(path, `"`)
		files = append(files, fileEntry{Path: path, Status: status})
	}
	return files, nil
}

// fileToolInput is the subset of tool-call rawInput that names a file.
type fileToolInput struct {
	FilePath string `json:"file_path"`
	Path     string `json:"path"`
}

// writtenFilesFromLog collects the files the agent touched during the
// session: fs/write_text_file requests plus file-mutating tool calls
// (Write, Edit, MultiEdit, Patch, Delete) found in session/update
// notifications.
func (a *API) writtenFilesFromLog(ctx context.Context, id string) ([]fileEntry, error) {
	events, err := a.store.GetAgentEvents(ctx, id, -1)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]string)
	for _, ev := range events {
		var env acp.Envelope
		if err := json.Unmarshal(ev.EventData, &env); err != nil || len(env.Params) == 0 {
			continue
		}
		switch env.Method {
		case acp.MethodWriteTextFile:
			var params acp.WriteTextFileParams
			if err := json.Unmarshal(env.Params, &params); err != nil {
				continue
			}
			if params.Path != "" {
				seen[params.Path] = "M"
			}
		case acp.MethodSessionUpdate:
			var note acp.SessionNotification
			if err := json.Unmarshal(env.Params, &note); err != nil {
				continue
			}
			u := note.Update
			if u.SessionUpdate != acp.UpdateToolCall && u.SessionUpdate != acp.UpdateToolCallUpdate {
				continue
			}
			if len(u.RawInput) == 0 {
				continue
			}
			toolName := ""
			if u.Meta != nil && u.Meta.ClaudeCode != nil {
				toolName = u.Meta.ClaudeCode.ToolName
			}
			if toolName == "" && note.Meta != nil && note.Meta.ClaudeCode != nil {
				toolName = note.Meta.ClaudeCode.ToolName
			}
			status := ""
			switch strings.ToLower(toolName) {
			case "write", "edit", "multiedit", "patch":
				status = "M"
			case "delete":
				status = "D"
			default:
				continue
			}
			var input fileToolInput
			if err := json.Unmarshal(u.RawInput, &input); err != nil {
				continue
			}
			path := input.FilePath
			if path == "" {
				path = input.Path
			}
			if path != "" {
				seen[path] = status
			}
		}
	}

	files := make([]fileEntry, 0, len(seen))
	for path, status := range seen {
		files = append(files, fileEntry{Path: path, Status: status})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// fileList walks the workspace and returns relative paths, bounded.
func (a *API) fileList(c *gin.Context) {
	id := sessionID(c)
	ctx := c.Request.Context()

	dir, err := a.workspaceDir(ctx, id)
	if err != nil {
		a.logError(c, "workspace lookup failed", err)
		errorJSON(c, http.StatusNotFound, err.Error())
		return
	}

	files := []string{}
	truncated := false
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}
		if len(files) >= fileListLimit {
			truncated = true
			return filepath.SkipAll
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if walkErr != nil {
		a.logError(c, "workspace walk failed", walkErr)
		errorJSON(c, http.StatusInternalServerError, walkErr.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"files": files, "truncated": truncated})
}

// fileRead returns one workspace file; paths escaping the workspace are
// rejected.
func (a *API) fileRead(c *gin.Context) {
	id := sessionID(c)
	ctx := c.Request.Context()

	rel := c.Query("path")
	if rel == "" {
		errorJSON(c, http.StatusBadRequest, "missing path parameter")
		return
	}

	dir, err := a.workspaceDir(ctx, id)
	if err != nil {
		a.logError(c, "workspace lookup failed", err)
		errorJSON(c, http.StatusNotFound, err.Error())
		return
	}

	full := filepath.Join(dir, filepath.Clean("/"+rel))
	if !strings.HasPrefix(full, filepath.Clean(dir)+string(os.PathSeparator)) {
		errorJSON(c, http.StatusBadRequest, "path escapes workspace")
		return
	}

	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			errorJSON(c, http.StatusNotFound, "file not found")
			return
		}
		a.logError(c, "file read failed", err)
		errorJSON(c, http.StatusInternalServerError, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"type": "text", "content": string(data), "patch": nil})
}
