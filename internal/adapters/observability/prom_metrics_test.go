package observability

import (
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
)

func TestPromObsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := NewPromObs(logr.Discard(), reg)

	obs.IncCounter(ports.MetricSamplesPublished, 5)
	assert.Equal(t, 5.0, testutil.ToFloat64(obs.counters[ports.MetricSamplesPublished]))

	obs.IncCounter(ports.MetricSamplesDropped, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(obs.counters[ports.MetricSamplesDropped]))

	obs.SetGauge(ports.MetricWALSize, 42)
	assert.Equal(t, 42.0, testutil.ToFloat64(obs.gauges[ports.MetricWALSize]))

	obs.ObserveLatency(ports.MetricMeasureLatency, 0.5)
	hCollector, ok := obs.histos[ports.MetricMeasureLatency].(prometheus.Collector)
	require.True(t, ok)
	assert.Equal(t, 1, testutil.CollectAndCount(hCollector), "latency histogram records one sample")

	obs.RecordDLQ(1, &domain.Sample{InstrumentID: "sa"}, errors.New("bad"))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.counters[ports.MetricDLQ]))
}

func TestPromObsUnknownNamesIgnored(t *testing.T) {
	obs := NewPromObs(logr.Discard(), prometheus.NewRegistry())

	assert.NotPanics(t, func() {
		obs.IncCounter("not_a_metric", 1)
		obs.SetGauge("not_a_metric", 1)
		obs.ObserveLatency("not_a_metric", 1)
		obs.LogError("nil error is ignored", nil)
		obs.LogCritical("nil error is ignored", nil)
	})
}

func TestPromObsSeparateRegistries(t *testing.T) {
	// Two sessions in one process must not collide on registration.
	assert.NotPanics(t, func() {
		NewPromObs(logr.Discard(), prometheus.NewRegistry())
		NewPromObs(logr.Discard(), prometheus.NewRegistry())
	})
}
