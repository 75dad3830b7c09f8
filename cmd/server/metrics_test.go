package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nadmax/lancachectl/internal/metrics"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	calls atomic.Int32
	value int
}

func (s *countingSource) ActivePollers() int {
	s.calls.Add(1)
	return s.value
}

func TestStartMetricsCollector(t *testing.T) {
	src := &countingSource{value: 4}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		startMetricsCollector(ctx, src, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return src.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}

	metric := &dto.Metric{}
	require.NoError(t, metrics.ActivePollers.Write(metric))
	assert.Equal(t, 4.0, metric.Gauge.GetValue())
}
