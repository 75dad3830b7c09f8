package main

import (
	"context"
	"time"

	"github.com/nadmax/lancachectl/internal/metrics"
)

type gaugeSource interface {
	ActivePollers() int
}

func startMetricsCollector(ctx context.Context, src gaugeSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	updateGauges(src)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateGauges(src)
		}
	}
}

func updateGauges(src gaugeSource) {
	metrics.UpdateActivePollers(src.ActivePollers())
}
