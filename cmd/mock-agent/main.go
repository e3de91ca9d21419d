// Package main implements a mock agent binary that speaks ACP JSON-RPC over
// stdin/stdout. It generates simulated sessions and streamed responses for
// gateway development and e2e tests without a real agent.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/agentlab/agentlab/internal/acp"
)

// sessionID is unique per process; each gateway session spawns its own
// mock-agent, so the PID keeps parallel sessions distinct.
var sessionID = fmt.Sprintf("mock-session-%d", os.Getpid())

func main() {
	scanner := bufio.NewScanner(os.Stdin)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	enc := json.NewEncoder(os.Stdout)
	agent := &mockAgent{enc: enc, scanner: scanner}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env acp.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue
		}
		if !env.IsRequest() {
			continue
		}
		agent.handleRequest(&env)
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: scanner error: %v\n", err)
		os.Exit(1)
	}
}

type mockAgent struct {
	enc     *json.Encoder
	scanner *bufio.Scanner
	nextID  int64
}

func (a *mockAgent) handleRequest(env *acp.Envelope) {
	switch env.Method {
	case acp.MethodInitialize:
		a.respond(env.ID, acp.InitializeResult{
			ProtocolVersion: 1,
			AgentCapabilities: acp.AgentCapabilities{
				LoadSession:         true,
				SessionCapabilities: &acp.SessionCapabilities{Resume: true},
			},
			AgentInfo: acp.AgentInfo{Name: "mock-agent", Version: "0.1.0"},
		})

	case acp.MethodNewSession:
		a.respond(env.ID, acp.NewSessionResult{SessionID: sessionID})

	case acp.MethodLoadSession, acp.MethodResumeSession:
		// Resume keeps the caller's id so history lines up.
		var params acp.ResumeSessionParams
		_ = json.Unmarshal(env.Params, &params)
		id := params.SessionID
		if id == "" {
			id = sessionID
		}
		a.respond(env.ID, acp.SessionResult{SessionID: id})

	case acp.MethodPrompt:
		var params acp.PromptParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			a.respondError(env.ID, acp.CodeInvalidParams, err.Error())
			return
		}
		a.runScenario(env.ID, params)

	case acp.MethodCancel:
		a.respond(env.ID, struct{}{})

	case acp.MethodSetSessionModel:
		a.respond(env.ID, struct{}{})

	default:
		a.respondError(env.ID, acp.CodeMethodNotFound, "method not found: "+env.Method)
	}
}

func (a *mockAgent) respond(id *int64, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	_ = a.enc.Encode(acp.Envelope{JSONRPC: "2.0", ID: id, Result: raw})
}

func (a *mockAgent) respondError(id *int64, code int, message string) {
	_ = a.enc.Encode(acp.Envelope{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &acp.RPCError{Code: code, Message: message},
	})
}

func (a *mockAgent) notify(method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		return
	}
	_ = a.enc.Encode(acp.Envelope{JSONRPC: "2.0", Method: method, Params: raw})
}
