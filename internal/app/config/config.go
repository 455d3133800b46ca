package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JustinD-T/Quantum-Subradience/internal/adapters/opcua"
	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
	"github.com/JustinD-T/Quantum-Subradience/internal/protocol/scpi"
	"github.com/JustinD-T/Quantum-Subradience/internal/protocol/tpg"
)

type Config struct {
	Session     SessionConfig      `yaml:"session"`
	Bus         BusConfig          `yaml:"bus"`
	Instruments []InstrumentConfig `yaml:"instruments"`
	Recorder    RecorderConfig     `yaml:"recorder"`
	NATS        NATSConfig         `yaml:"nats"`
	Live        LiveConfig         `yaml:"live"`
	Metrics     MetricsConfig      `yaml:"metrics"`
}

type SessionConfig struct {
	Name      string        `yaml:"name"`
	StopGrace time.Duration `yaml:"stop_grace"`
}

type BusConfig struct {
	Buffer       int           `yaml:"buffer"`
	Policy       string        `yaml:"policy"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// InstrumentConfig describes one instrument. Only the section matching Kind
// is used.
type InstrumentConfig struct {
	ID        string        `yaml:"id"`
	Kind      domain.Kind   `yaml:"kind"`
	Transport string        `yaml:"transport"`
	Timeout   time.Duration `yaml:"timeout"`
	Cadence   time.Duration `yaml:"cadence"`

	Sweep          domain.SweepConfig `yaml:"sweep"`
	Commands       scpi.Commands      `yaml:"commands"`
	TraceFormat    scpi.TraceFormat   `yaml:"trace_format"`
	NoSweepCounter bool               `yaml:"no_sweep_counter"`

	Gauge GaugeConfig  `yaml:"gauge"`
	OPCUA opcua.Config `yaml:"opcua"`

	Retry RetryConfig `yaml:"retry"`
}

type GaugeConfig struct {
	Address       int `yaml:"address"`
	Parameter     int `yaml:"parameter"`
	UnitParameter int `yaml:"unit_parameter"`
	// Unit, when set, is selected on the gauge at configure time.
	Unit string `yaml:"unit"`
}

type RetryConfig struct {
	Budget         int           `yaml:"budget"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type RecorderConfig struct {
	CSV       CSVConfig       `yaml:"csv"`
	Timescale TimescaleConfig `yaml:"timescale"`
	WAL       WALConfig       `yaml:"wal"`
	Policy    ports.Policy    `yaml:"policy"`
}

// Enabled reports whether any sink is configured.
func (r RecorderConfig) Enabled() bool {
	return r.CSV.Dir != "" || r.Timescale.ConnString != ""
}

type CSVConfig struct {
	Dir string `yaml:"dir"`
}

type TimescaleConfig struct {
	ConnString string `yaml:"conn_string"`
	Table      string `yaml:"table"`
}

type WALConfig struct {
	Dir string `yaml:"dir"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type LiveConfig struct {
	Addr      string  `yaml:"addr"`
	Path      string  `yaml:"path"`
	MaxRateHz float64 `yaml:"max_rate_hz"`
	Buffer    int     `yaml:"buffer"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes, defaults and validates a YAML configuration.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyDefaults fills every unset field. It is idempotent.
func (c *Config) ApplyDefaults() {
	if c.Session.Name == "" {
		c.Session.Name = "labflow"
	}
	if c.Session.StopGrace == 0 {
		c.Session.StopGrace = 5 * time.Second
	}
	if c.Bus.Buffer == 0 {
		c.Bus.Buffer = 4096
	}
	if c.Bus.Policy == "" {
		c.Bus.Policy = "drop_oldest"
	}
	if c.Bus.BlockTimeout == 0 {
		c.Bus.BlockTimeout = 250 * time.Millisecond
	}

	for i := range c.Instruments {
		c.Instruments[i].ApplyDefaults()
	}

	p := &c.Recorder.Policy
	if p.MaxWALSizeBytes == 0 {
		p.MaxWALSizeBytes = 1 << 30
	}
	if p.MaxQueueLen == 0 {
		p.MaxQueueLen = 100_000
	}
	if p.MaxBatchSize == 0 {
		p.MaxBatchSize = 5_000
	}
	if p.IdleSleep == 0 {
		p.IdleSleep = 5 * time.Millisecond
	}
	if p.OnQueueFull == "" {
		p.OnQueueFull = "block"
	}
	if p.OnWALFull == "" {
		p.OnWALFull = "block"
	}
	if c.Recorder.Timescale.Table == "" {
		c.Recorder.Timescale.Table = "samples"
	}
	if c.Recorder.WAL.Dir == "" {
		c.Recorder.WAL.Dir = "./data/wal"
	}

	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "labflow.samples"
	}
	if c.Live.Path == "" {
		c.Live.Path = "/stream"
	}
	if c.Live.MaxRateHz == 0 {
		c.Live.MaxRateHz = 200
	}
	if c.Live.Buffer == 0 {
		c.Live.Buffer = 1024
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
}

func (c *InstrumentConfig) ApplyDefaults() {
	c.Kind = domain.Kind(strings.ToLower(string(c.Kind)))
	if c.Timeout == 0 {
		c.Timeout = 2 * time.Second
	}
	if c.Retry.Budget == 0 {
		c.Retry.Budget = 3
	}
	if c.Retry.InitialBackoff == 0 {
		c.Retry.InitialBackoff = 50 * time.Millisecond
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = 2 * time.Second
	}
	switch c.Kind {
	case domain.KindSpectrumAnalyzer:
		c.Sweep.ApplyDefaults()
		if c.TraceFormat == "" {
			c.TraceFormat = scpi.TraceReal32
		}
		c.TraceFormat = scpi.TraceFormat(strings.ToLower(string(c.TraceFormat)))
	case domain.KindPressureGauge:
		if c.Gauge.Address == 0 {
			c.Gauge.Address = 1
		}
		if c.Cadence == 0 {
			c.Cadence = time.Second
		}
	case domain.KindOPCUAProbe:
		c.OPCUA.ApplyDefaults()
		if c.Cadence == 0 {
			c.Cadence = time.Second
		}
	}
}

func (c *InstrumentConfig) Validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("unknown kind %q", c.Kind)
	}
	if c.Kind != domain.KindOPCUAProbe && c.Transport == "" {
		return errors.New("transport is required")
	}
	if c.Cadence < 0 || c.Timeout < 0 {
		return errors.New("cadence and timeout must not be negative")
	}
	if c.Retry.Budget < 0 {
		return errors.New("retry.budget must not be negative")
	}
	switch c.Kind {
	case domain.KindSpectrumAnalyzer:
		if err := c.Sweep.Validate(); err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		if !c.TraceFormat.Valid() {
			return fmt.Errorf("trace_format %q must be real32 or ascii", c.TraceFormat)
		}
	case domain.KindPressureGauge:
		if _, ok := tpg.UnitCode(c.Gauge.Unit); c.Gauge.Unit != "" && !ok {
			return fmt.Errorf("gauge.unit %q is not one of mbar, Torr, hPa", c.Gauge.Unit)
		}
	case domain.KindOPCUAProbe:
		if err := c.OPCUA.Validate(); err != nil {
			return fmt.Errorf("opcua: %w", err)
		}
	}
	return nil
}

func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Instruments))
	for i := range c.Instruments {
		in := &c.Instruments[i]
		if err := in.Validate(); err != nil {
			return fmt.Errorf("instruments[%d] %s: %w", i, in.ID, err)
		}
		if seen[in.ID] {
			return fmt.Errorf("instruments[%d]: duplicate id %q", i, in.ID)
		}
		seen[in.ID] = true
	}
	switch c.Bus.Policy {
	case "drop_oldest", "drop_newest", "block":
	default:
		return fmt.Errorf("bus.policy %q must be drop_oldest, drop_newest or block", c.Bus.Policy)
	}
	if c.Bus.Buffer < 0 {
		return fmt.Errorf("bus.buffer must not be negative")
	}
	if c.Session.StopGrace < 0 {
		return fmt.Errorf("session.stop_grace must not be negative")
	}
	if c.Recorder.Enabled() && c.Recorder.WAL.Dir == "" {
		return fmt.Errorf("recorder.wal.dir is required")
	}
	if c.Live.MaxRateHz < 0 {
		return fmt.Errorf("live.max_rate_hz must not be negative")
	}
	return nil
}

// Instrument returns the configuration of the instrument with the given id.
func (c *Config) Instrument(id string) (InstrumentConfig, bool) {
	for _, in := range c.Instruments {
		if in.ID == id {
			return in, true
		}
	}
	return InstrumentConfig{}, false
}
