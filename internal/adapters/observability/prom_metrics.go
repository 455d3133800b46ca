package observability

import (
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
)

type PromObs struct {
	log      logr.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

// NewPromObs registers the labflow metrics on reg. A nil reg uses the
// default Prometheus registerer.
func NewPromObs(log logr.Logger, reg prometheus.Registerer) *PromObs {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}

	p := &PromObs{
		log: log,
		counters: map[string]prometheus.Counter{
			ports.MetricSamplesPublished: counter(ports.MetricSamplesPublished, "Samples accepted by the sample bus."),
			ports.MetricSamplesDropped:   counter(ports.MetricSamplesDropped, "Samples dropped by subscriber drop policies."),
			ports.MetricSamplesRecorded:  counter(ports.MetricSamplesRecorded, "Samples successfully written to a recorder sink."),
			ports.MetricRetries:          counter(ports.MetricRetries, "Measurement attempts retried after a transient failure."),
			ports.MetricStaleReads:       counter(ports.MetricStaleReads, "Measurements discarded because freshness could not be proven."),
			ports.MetricMalformed:        counter(ports.MetricMalformed, "Measurements discarded because the reply did not parse."),
			ports.MetricFaults:           counter(ports.MetricFaults, "Instruments moved to the faulted state."),
			ports.MetricSequenceGaps:     counter(ports.MetricSequenceGaps, "Non-contiguous sequence numbers seen by recorders."),
			ports.MetricDLQ:              counter(ports.MetricDLQ, "Samples sent to DLQ due to transform failures."),
			ports.MetricQueueDropped:     counter(ports.MetricQueueDropped, "Samples lost due to recorder queue backpressure policies."),
		},
		gauges: map[string]prometheus.Gauge{
			ports.MetricWALSize:           gauge(ports.MetricWALSize, "Size of the recorder WAL on disk."),
			ports.MetricQueueLength:       gauge(ports.MetricQueueLength, "Samples buffered in the recorder queue."),
			ports.MetricActiveInstruments: gauge(ports.MetricActiveInstruments, "Instruments currently acquiring."),
		},
		histos: map[string]prometheus.Observer{
			ports.MetricMeasureLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    ports.MetricMeasureLatency,
				Help:    "Duration of one driver measurement including protocol overhead.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
			}),
			ports.MetricSinkLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    ports.MetricSinkLatency,
				Help:    "Latency from dequeued batch to sink commit.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			}),
			ports.MetricIntegrationRatio: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    ports.MetricIntegrationRatio,
				Help:    "Sweep time divided by the actual measurement cycle time.",
				Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
			}),
		},
	}

	for _, c := range p.counters {
		reg.MustRegister(c)
	}
	for _, g := range p.gauges {
		reg.MustRegister(g)
	}
	for _, h := range p.histos {
		reg.MustRegister(h.(prometheus.Collector))
	}
	return p
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.log.Info(msg, keysAndValues(fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	if err != nil {
		p.log.Error(err, msg, keysAndValues(fields)...)
	}
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	if err != nil {
		kv := append(keysAndValues(fields), "severity", "critical")
		p.log.Error(err, msg, kv...)
	}
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) RecordDLQ(id ports.WALEntryID, s *domain.Sample, err error) {
	p.IncCounter(ports.MetricDLQ, 1)
	if err != nil && s != nil {
		p.log.Error(err, "dlq sample", "instrument", s.InstrumentID, "seq", s.Seq, "wal_id", uint64(id))
	}
}

func keysAndValues(fields []ports.Field) []any {
	kv := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		kv = append(kv, f.Key, f.Value)
	}
	return kv
}

var _ ports.Observability = (*PromObs)(nil)
