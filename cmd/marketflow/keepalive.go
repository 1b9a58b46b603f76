package main

import (
	"log/slog"
	"os/exec"

	"github.com/marketflow/marketflow/internal/config"
)

const keepaliveSession = "marketflow-claude-keepalive"

// startKeepalive launches a detached tmux session running an interactive
// claude session, which refreshes the CLI's OAuth token while it lives.
// Failures are logged and ignored.
func startKeepalive(cfg config.LLM) {
	if cfg.Provider != "claude-cli" || !cfg.Keepalive {
		return
	}
	if _, err := exec.LookPath("tmux"); err != nil {
		slog.Warn("keepalive: tmux not found, token auto-refresh disabled")
		return
	}

	// A previous run left the session behind.
	if err := exec.Command("tmux", "has-session", "-t", keepaliveSession).Run(); err == nil {
		slog.Info("keepalive: session already running")
		return
	}

	if err := exec.Command("tmux", "new-session", "-d", "-s", keepaliveSession, cfg.ClaudePath).Run(); err != nil {
		slog.Warn("keepalive: failed to start session", "error", err)
		return
	}
	slog.Info("keepalive: started tmux session", "session", keepaliveSession)
}
