// Package acp implements the Agent Client Protocol: JSON-RPC 2.0 over the
// stdio of an agent subprocess. The gateway is the client side; the agent
// may also initiate requests (permissions, filesystem, terminals) back over
// the same channel.
package acp

import (
	"encoding/json"
	"fmt"
)

// Outbound request methods.
const (
	MethodInitialize      = "initialize"
	MethodNewSession      = "newSession"
	MethodLoadSession     = "loadSession"
	MethodResumeSession   = "unstableResumeSession"
	MethodPrompt          = "prompt"
	MethodCancel          = "cancel"
	MethodSetSessionModel = "unstableSetSessionModel"
)

// Agent-initiated methods the gateway answers locally.
const (
	MethodRequestPermission = "session/request_permission"
	MethodReadTextFile      = "fs/read_text_file"
	MethodWriteTextFile     = "fs/write_text_file"
	MethodTerminalCreate    = "terminal/create"
	MethodTerminalOutput    = "terminal/output"
	MethodTerminalWait      = "terminal/wait_for_exit"
	MethodTerminalRelease   = "terminal/release"
	MethodTerminalKill      = "terminal/kill"
)

// Inbound notification methods.
const (
	MethodSessionUpdate = "session/update"
)

// session/update variants.
const (
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateUserMessage       = "user_message"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan"
)

// Prompt stop reasons.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonCancelled = "cancelled"
	StopReasonMaxTokens = "max_tokens"
	StopReasonRefusal   = "refusal"
)

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Envelope is one JSON-RPC 2.0 message: request, response, or notification.
// Raw envelopes are what the gateway persists and streams.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsResponse reports whether the envelope answers a request we sent.
func (e *Envelope) IsResponse() bool {
	return e.ID != nil && e.Method == ""
}

// IsRequest reports whether the envelope is an agent-initiated request.
func (e *Envelope) IsRequest() bool {
	return e.ID != nil && e.Method != ""
}

// IsNotification reports whether the envelope expects no reply.
func (e *Envelope) IsNotification() bool {
	return e.ID == nil && e.Method != ""
}

// NewNotification builds a notification envelope with marshaled params.
func NewNotification(method string, params any) (*Envelope, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Envelope{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// NewResult builds a response envelope with a marshaled result.
func NewResult(result any) (*Envelope, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Envelope{JSONRPC: "2.0", Result: raw}, nil
}

// NewErrorEnvelope builds an error response envelope.
func NewErrorEnvelope(code int, message string) *Envelope {
	return &Envelope{JSONRPC: "2.0", Error: &RPCError{Code: code, Message: message}}
}

// RPCError is a JSON-RPC 2.0 error object. It implements error so callers
// can match on it or surface the agent's message directly.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// ClientInfo describes the gateway to the agent.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// AgentInfo describes the agent implementation.
type AgentInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// ClientCapabilities advertises what the gateway can answer.
type ClientCapabilities struct {
	FS       *FSCapabilities `json:"fs,omitempty"`
	Terminal bool            `json:"terminal,omitempty"`
}

// FSCapabilities describes filesystem capabilities.
type FSCapabilities struct {
	ReadTextFile  bool `json:"readTextFile,omitempty"`
	WriteTextFile bool `json:"writeTextFile,omitempty"`
}

// AgentCapabilities describes what the agent supports.
type AgentCapabilities struct {
	LoadSession         bool                 `json:"loadSession,omitempty"`
	SessionCapabilities *SessionCapabilities `json:"sessionCapabilities,omitempty"`
}

// SessionCapabilities describes optional session features.
type SessionCapabilities struct {
	Resume bool `json:"resume,omitempty"`
}

// InitializeParams are the parameters for initialize.
type InitializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
	ClientInfo         ClientInfo         `json:"clientInfo"`
}

// InitializeResult is the response from initialize.
type InitializeResult struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities"`
	AgentInfo         AgentInfo         `json:"agentInfo"`
}

// McpServer describes an MCP server advertised to the agent.
type McpServer struct {
	Name    string       `json:"name"`
	Type    string       `json:"type,omitempty"`
	URL     string       `json:"url,omitempty"`
	Command string       `json:"command,omitempty"`
	Args    []string     `json:"args,omitempty"`
	Env     []EnvVar     `json:"env,omitempty"`
	Headers []HTTPHeader `json:"headers,omitempty"`
}

// EnvVar is an environment variable passed to a subprocess.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HTTPHeader is a header for HTTP/SSE MCP transports.
type HTTPHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Meta carries the _meta extension object.
type Meta struct {
	ClaudeCode *ClaudeCodeMeta `json:"claudeCode,omitempty"`
}

// ClaudeCodeMeta is the claudeCode extension namespace.
type ClaudeCodeMeta struct {
	McpServers   []McpServer `json:"mcpServers,omitempty"`
	SystemPrompt string      `json:"systemPrompt,omitempty"`
	ToolName     string      `json:"toolName,omitempty"`
}

// NewSessionParams are the parameters for newSession.
type NewSessionParams struct {
	Cwd        string      `json:"cwd"`
	McpServers []McpServer `json:"mcpServers"`
	Meta       *Meta       `json:"_meta,omitempty"`
}

// NewSessionResult is the response from newSession.
type NewSessionResult struct {
	SessionID string `json:"sessionId"`
}

// LoadSessionParams are the parameters for loadSession.
type LoadSessionParams struct {
	SessionID  string      `json:"sessionId"`
	Cwd        string      `json:"cwd"`
	McpServers []McpServer `json:"mcpServers"`
	Meta       *Meta       `json:"_meta,omitempty"`
}

// ResumeSessionParams are the parameters for unstableResumeSession.
type ResumeSessionParams struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
	Meta      *Meta  `json:"_meta,omitempty"`
}

// SessionResult is the response shape shared by loadSession and
// unstableResumeSession. A missing sessionId means the requested id stands.
type SessionResult struct {
	SessionID string `json:"sessionId,omitempty"`
}

// ContentBlock is a content item in a prompt or message chunk.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// PromptParams are the parameters for prompt.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResult is the response from prompt.
type PromptResult struct {
	StopReason string `json:"stopReason"`
}

// CancelParams are the parameters for cancel.
type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// SetSessionModelParams are the parameters for unstableSetSessionModel.
type SetSessionModelParams struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

// SessionNotification is the params object of session/update.
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
	Meta      *Meta         `json:"_meta,omitempty"`
}

// SessionUpdate is one update variant, demuxed by SessionUpdate.
// Content is a single block for message chunks and a list for tool updates,
// so it stays raw here; use the accessor for the shape you expect.
type SessionUpdate struct {
	SessionUpdate string          `json:"sessionUpdate"`
	Content       json.RawMessage `json:"content,omitempty"`
	ToolCallID    string          `json:"toolCallId,omitempty"`
	Title         string          `json:"title,omitempty"`
	Kind          string          `json:"kind,omitempty"`
	Status        string          `json:"status,omitempty"`
	RawInput      json.RawMessage `json:"rawInput,omitempty"`
	Entries       []PlanEntry     `json:"entries,omitempty"`
	Meta          *Meta           `json:"_meta,omitempty"`
}

// ContentBlockValue decodes Content as a single block.
func (u *SessionUpdate) ContentBlockValue() (*ContentBlock, error) {
	if len(u.Content) == 0 {
		return nil, nil
	}
	var block ContentBlock
	if err := json.Unmarshal(u.Content, &block); err != nil {
		return nil, fmt.Errorf("decode content block: %w", err)
	}
	return &block, nil
}

// ContentBlockList decodes Content as a list of blocks.
func (u *SessionUpdate) ContentBlockList() ([]ContentBlock, error) {
	if len(u.Content) == 0 {
		return nil, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(u.Content, &blocks); err != nil {
		return nil, fmt.Errorf("decode content blocks: %w", err)
	}
	return blocks, nil
}

// PlanEntry is one entry of a plan update.
type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Permission option kinds.
const (
	PermissionAllowAlways = "allow_always"
	PermissionAllowOnce   = "allow_once"
	PermissionRejectOnce  = "reject_once"
)

// Permission outcome values.
const (
	OutcomeSelected  = "selected"
	OutcomeCancelled = "cancelled"
)

// RequestPermissionParams are the parameters of session/request_permission.
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  *ToolCallRef       `json:"toolCall,omitempty"`
	Options   []PermissionOption `json:"options"`
}

// ToolCallRef identifies the tool call a permission request concerns.
type ToolCallRef struct {
	ToolCallID string `json:"toolCallId"`
	Title      string `json:"title,omitempty"`
}

// PermissionOption is one selectable answer to a permission request.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name,omitempty"`
	Kind     string `json:"kind"`
}

// RequestPermissionResult is the reply to session/request_permission.
type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// PermissionOutcome is the selected (or cancelled) permission answer.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// ReadTextFileParams are the parameters of fs/read_text_file.
type ReadTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      *int   `json:"line,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
}

// ReadTextFileResult is the reply to fs/read_text_file.
type ReadTextFileResult struct {
	Text string `json:"text"`
}

// WriteTextFileParams are the parameters of fs/write_text_file.
type WriteTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// CreateTerminalParams are the parameters of terminal/create.
type CreateTerminalParams struct {
	SessionID       string   `json:"sessionId"`
	Command         string   `json:"command"`
	Args            []string `json:"args,omitempty"`
	Env             []EnvVar `json:"env,omitempty"`
	Cwd             string   `json:"cwd,omitempty"`
	OutputByteLimit int      `json:"outputByteLimit,omitempty"`
}

// CreateTerminalResult is the reply to terminal/create.
type CreateTerminalResult struct {
	TerminalID string `json:"terminalId"`
}

// TerminalIDParams identifies a terminal for output/wait/release/kill.
type TerminalIDParams struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

// TerminalOutputResult is the reply to terminal/output.
type TerminalOutputResult struct {
	Output     string          `json:"output"`
	Truncated  bool            `json:"truncated"`
	ExitStatus *TerminalStatus `json:"exitStatus,omitempty"`
}

// TerminalStatus describes how a terminal command exited.
type TerminalStatus struct {
	ExitCode *int    `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
}

// WaitForExitResult is the reply to terminal/wait_for_exit.
type WaitForExitResult struct {
	ExitCode *int    `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
}
