package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-serialmgr/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"connected", snap.Connected,
					"connects", snap.Connects,
					"disconnects", snap.Disconnects,
					"tx_bytes", snap.TxBytes,
					"rx_bytes", snap.RxBytes,
					"write_retries", snap.Retries,
					"read_timeouts", snap.Timeouts,
					"requests", snap.Requests,
					"clients", snap.HubClients,
					"hub_drops", snap.HubDrops,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
