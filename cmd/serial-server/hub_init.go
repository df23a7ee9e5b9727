package main

import (
	"log/slog"

	"github.com/kstaniek/go-serialmgr/internal/hub"
)

func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	h := hub.New()
	h.OutBufSize = cfg.sessionBuffer
	p, err := hub.ParsePolicy(cfg.sessionPolicy)
	if err != nil {
		l.Warn("unknown_session_policy", "policy", cfg.sessionPolicy, "used", "drop")
		p = hub.PolicyDrop
	}
	h.Policy = p
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("hub_config", "policy", h.Policy.String(), "buffer", h.OutBufSize)
	return h
}
