package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordOperationStarted(t *testing.T) {
	OperationsStarted.Reset()

	RecordOperationStarted("cache-clearing")
	RecordOperationStarted("cache-clearing")
	RecordOperationStarted("log-processing")

	assert.Equal(t, 2.0, getCounterValue(t, OperationsStarted, "cache-clearing"))
	assert.Equal(t, 1.0, getCounterValue(t, OperationsStarted, "log-processing"))
}

func TestRecordOperationFinished(t *testing.T) {
	OperationsFinished.Reset()
	OperationDuration.Reset()

	RecordOperationFinished("game-detection", "Completed", 3*time.Second)

	assert.Equal(t, 1.0, getCounterValue(t, OperationsFinished, "game-detection", "Completed"))
	assert.Equal(t, 3.0, getHistogramSum(t, OperationDuration, "game-detection", "Completed"))
}

func TestRecordOperationFinished_NoDuration(t *testing.T) {
	OperationsFinished.Reset()
	OperationDuration.Reset()

	RecordOperationFinished("database-reset", "Cancelled", 0)

	assert.Equal(t, 1.0, getCounterValue(t, OperationsFinished, "database-reset", "Cancelled"))
	metric := getHistogramMetric(t, OperationDuration, "database-reset", "Cancelled")
	assert.Equal(t, uint64(0), metric.Histogram.GetSampleCount())
}

func TestRecordRecovery(t *testing.T) {
	OperationsRecovered.Reset()

	RecordRecovery("log-processing", "resumed")
	RecordRecovery("log-processing", "stale")

	assert.Equal(t, 1.0, getCounterValue(t, OperationsRecovered, "log-processing", "resumed"))
	assert.Equal(t, 1.0, getCounterValue(t, OperationsRecovered, "log-processing", "stale"))
}

func TestChannelCounters(t *testing.T) {
	PollFailures.Reset()
	PushFallbacks.Reset()
	StoreErrors.Reset()

	RecordPollFailure("cache-clearing")
	RecordPushFallback("log-processing")
	RecordStoreError("save")
	RecordStoreError("save")

	assert.Equal(t, 1.0, getCounterValue(t, PollFailures, "cache-clearing"))
	assert.Equal(t, 1.0, getCounterValue(t, PushFallbacks, "log-processing"))
	assert.Equal(t, 2.0, getCounterValue(t, StoreErrors, "save"))
}

func TestSetOperationActive(t *testing.T) {
	ActiveOperations.Reset()

	SetOperationActive("depot-mapping", true)
	assert.Equal(t, 1.0, getGaugeValue(t, ActiveOperations, "depot-mapping"))

	SetOperationActive("depot-mapping", false)
	assert.Equal(t, 0.0, getGaugeValue(t, ActiveOperations, "depot-mapping"))
}

func TestGauges(t *testing.T) {
	UpdateActivePollers(3)
	UpdateNotifications(7)

	metric := &dto.Metric{}
	require.NoError(t, ActivePollers.Write(metric))
	assert.Equal(t, 3.0, metric.Gauge.GetValue())

	metric = &dto.Metric{}
	require.NoError(t, Notifications.Write(metric))
	assert.Equal(t, 7.0, metric.Gauge.GetValue())
}

func TestRecordHTTPRequest(t *testing.T) {
	HTTPRequestsTotal.Reset()
	HTTPRequestDuration.Reset()

	RecordHTTPRequest("POST", "/api/operations/:kind/start", "202", 150*time.Millisecond)

	assert.Equal(t, 1.0, getCounterValue(t, HTTPRequestsTotal, "POST", "/api/operations/:kind/start", "202"))
	assert.InDelta(t, 0.15, getHistogramSum(t, HTTPRequestDuration, "POST", "/api/operations/:kind/start"), 0.001)
}

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	metric := &dto.Metric{}
	c, err := counter.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	require.NoError(t, c.Write(metric))
	return metric.Counter.GetValue()
}

func getGaugeValue(t *testing.T, gauge *prometheus.GaugeVec, labels ...string) float64 {
	metric := &dto.Metric{}
	g, err := gauge.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	require.NoError(t, g.Write(metric))
	return metric.Gauge.GetValue()
}

func getHistogramSum(t *testing.T, histogram *prometheus.HistogramVec, labels ...string) float64 {
	return getHistogramMetric(t, histogram, labels...).Histogram.GetSampleSum()
}

func getHistogramMetric(t *testing.T, histogram *prometheus.HistogramVec, labels ...string) *dto.Metric {
	metric := &dto.Metric{}
	observer, err := histogram.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	h := observer.(prometheus.Histogram)
	require.NoError(t, h.Write(metric))
	return metric
}
