package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-serialmgr/internal/hub"
	"github.com/kstaniek/go-serialmgr/internal/manager"
	"github.com/kstaniek/go-serialmgr/internal/port"
	"github.com/kstaniek/go-serialmgr/internal/serial"
)

// openDriver is a hook so tests can substitute the driver.
var openDriver = serial.ByName

// initManager builds the shared slot and forwards its events to the hub.
func initManager(cfg *appConfig, h *hub.Hub, l *slog.Logger) (*manager.Manager, error) {
	drv, err := openDriver(cfg.driver)
	if err != nil {
		return nil, err
	}
	mgr := manager.New(drv,
		manager.WithLogger(l),
		manager.WithPollInterval(cfg.pollInterval),
		manager.WithWriteBackoff(cfg.writeBackoff),
		manager.WithEventHook(h.Broadcast),
	)
	l.Info("driver_ready", "driver", drv.Name(), "poll_interval", cfg.pollInterval, "write_backoff", cfg.writeBackoff)
	if cfg.autoconnect == "" {
		return mgr, nil
	}
	d, err := port.ParseAddress(cfg.autoconnect)
	if err != nil {
		return nil, fmt.Errorf("autoconnect: %w", err)
	}
	if err := mgr.Connect(d); err != nil {
		// The daemon stays up; a client may connect later.
		l.Warn("autoconnect_failed", "port", d.String(), "error", err)
	}
	return mgr, nil
}
