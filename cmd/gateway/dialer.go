package main

import (
	"github.com/agentlab/agentlab/internal/acp"
	"github.com/agentlab/agentlab/internal/common/config"
	"github.com/agentlab/agentlab/internal/common/logger"
	"github.com/agentlab/agentlab/internal/session"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// newAgentDialer spawns the configured agent binary per session, rooted in
// the session workspace.
func newAgentDialer(cfg *config.Config) session.Dialer {
	return func(handler acp.Handler, opts session.SessionOptions) (*acp.Conn, error) {
		env := map[string]string{}
		if cfg.Agent.ProxyURL != "" {
			env["ANTHROPIC_BASE_URL"] = cfg.Agent.ProxyURL
		}
		if opts.Model != "" {
			env["ANTHROPIC_MODEL"] = opts.Model
		}
		return acp.Spawn(cfg.Agent.Command, cfg.Agent.Args, opts.Cwd, env, handler, acp.Options{
			RequestTimeout: cfg.Gateway.RequestTimeoutDuration(),
			Logger:         logger.Default(),
		})
	}
}
