package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/protocol/scpi"
)

const sampleConfig = `
session:
  name: co-line-run
recorder:
  csv:
    dir: ./runs
  policy:
    max_queue_len: 1000
instruments:
  - id: sa
    kind: spectrum_analyzer
    transport: prologix:///dev/ttyACM0?addr=18
    sweep:
      center: 115.27e9
      span: 10e6
      points: 1001
      sweep_time: 2.5s
    commands:
      query_trace_data: "TRAC? TRACE1"
  - id: tpg
    kind: Pressure_Gauge
    transport: serial:///dev/ttyUSB0?baud=9600
    gauge:
      unit: Torr
`

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Millisecond, cfg.Recorder.Policy.IdleSleep)
	assert.Equal(t, 5000, cfg.Recorder.Policy.MaxBatchSize)
	assert.Equal(t, 1000, cfg.Recorder.Policy.MaxQueueLen, "explicit max_queue_len kept")
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
	assert.Equal(t, "drop_oldest", cfg.Bus.Policy)
	assert.Equal(t, 4096, cfg.Bus.Buffer)
	assert.True(t, cfg.Recorder.Enabled(), "csv dir enables the recorder")

	sa, ok := cfg.Instrument("sa")
	require.True(t, ok)
	assert.Equal(t, 2500*time.Millisecond, sa.Sweep.SweepTime)
	assert.Equal(t, 2497502*time.Nanosecond, sa.Sweep.IntegrationTime())
	assert.Equal(t, domain.DetectorMax, sa.Sweep.Detector)
	assert.Equal(t, "TRAC? TRACE1", sa.Commands.Trace)
	assert.Equal(t, scpi.TraceReal32, sa.TraceFormat)
	assert.Equal(t, 3, sa.Retry.Budget)
	assert.Equal(t, 2*time.Second, sa.Timeout)

	tpg, _ := cfg.Instrument("tpg")
	assert.Equal(t, domain.KindPressureGauge, tpg.Kind, "kind is normalized")
	assert.Equal(t, time.Second, tpg.Cadence)
	assert.Equal(t, 1, tpg.Gauge.Address)
	assert.Equal(t, "Torr", tpg.Gauge.Unit)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"duplicate id": `
instruments:
  - {id: a, kind: pressure_gauge, transport: "sim://tpg"}
  - {id: a, kind: pressure_gauge, transport: "sim://tpg"}
`,
		"unknown kind": `
instruments:
  - {id: a, kind: oscilloscope, transport: "sim://tpg"}
`,
		"missing transport": `
instruments:
  - {id: a, kind: pressure_gauge}
`,
		"zero points": `
instruments:
  - id: sa
    kind: spectrum_analyzer
    transport: sim://spectrum
    sweep: {points: 0, sweep_time: 1s}
`,
		"integration below hardware minimum": `
instruments:
  - id: sa
    kind: spectrum_analyzer
    transport: sim://spectrum
    sweep: {points: 100001, sweep_time: 1ms}
`,
		"unknown trace format": `
instruments:
  - id: sa
    kind: spectrum_analyzer
    transport: sim://spectrum
    sweep: {points: 101, sweep_time: 100ms}
    trace_format: real64
`,
		"unknown gauge unit": `
instruments:
  - {id: a, kind: pressure_gauge, transport: "sim://tpg", gauge: {unit: psi}}
`,
		"bad bus policy": `
bus: {policy: lossless}
`,
		"opcua without nodes": `
instruments:
  - id: chiller
    kind: opcua_probe
    opcua: {endpoint: "opc.tcp://localhost:4840"}
`,
	}
	for name, data := range cases {
		_, err := Parse([]byte(data))
		assert.Error(t, err, name)
	}
}

func TestTraceFormatIsNormalized(t *testing.T) {
	cfg, err := Parse([]byte(`
instruments:
  - id: sa
    kind: spectrum_analyzer
    transport: sim://spectrum
    sweep: {points: 101, sweep_time: 100ms}
    trace_format: ASCII
`))
	require.NoError(t, err)
	assert.Equal(t, scpi.TraceASCII, cfg.Instruments[0].TraceFormat)
}

func TestDiff(t *testing.T) {
	a := InstrumentConfig{ID: "a", Kind: domain.KindPressureGauge, Transport: "sim://tpg"}
	b := InstrumentConfig{ID: "b", Kind: domain.KindPressureGauge, Transport: "sim://tpg"}
	b2 := b
	b2.Cadence = 2 * time.Second
	c := InstrumentConfig{ID: "c", Kind: domain.KindPressureGauge, Transport: "sim://tpg"}

	d := Diff([]InstrumentConfig{a, b}, []InstrumentConfig{b2, c})
	require.Len(t, d.Added, 1)
	assert.Equal(t, "c", d.Added[0].ID)
	assert.Equal(t, []string{"a"}, d.Removed)
	require.Len(t, d.Changed, 1)
	assert.Equal(t, 2*time.Second, d.Changed[0].Cadence)
	assert.True(t, Diff([]InstrumentConfig{a}, []InstrumentConfig{a}).Empty(), "identical sets produce an empty diff")
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	errc := make(chan error, 1)
	go func() { errc <- Watch(ctx, path, logr.Discard(), func(c *Config) { reloaded <- c }) }()
	time.Sleep(100 * time.Millisecond)

	// an invalid edit is ignored
	require.NoError(t, os.WriteFile(path, []byte("bus: {policy: lossless}\n"), 0o600))
	time.Sleep(3 * reloadDebounce)

	updated := strings.Replace(sampleConfig, "name: co-line-run", "name: second-run", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "second-run", cfg.Session.Name)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	require.NoError(t, <-errc)
}
