package labflow

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	base "github.com/JustinD-T/Quantum-Subradience/pkg/labflow"
)

// Re-exported errors for convenience.
var (
	ErrTransportTimeout      = base.ErrTransportTimeout
	ErrTransportDisconnected = base.ErrTransportDisconnected
	ErrConfigRejected        = base.ErrConfigRejected
	ErrStaleRead             = base.ErrStaleRead
	ErrMalformedResponse     = base.ErrMalformedResponse
	ErrRetryBudgetExceeded   = base.ErrRetryBudgetExceeded
	ErrChannelClosed         = base.ErrChannelClosed
)

// Type aliases so consumers can import github.com/JustinD-T/Quantum-Subradience directly.
type (
	Config            = base.Config
	InstrumentConfig  = base.InstrumentConfig
	SweepConfig       = base.SweepConfig
	DetectorMode      = base.DetectorMode
	GaugeConfig       = base.GaugeConfig
	RetryConfig       = base.RetryConfig
	SCPICommands      = base.SCPICommands
	OPCUAConfig       = base.OPCUAConfig
	OPCUANodeConfig   = base.OPCUANodeConfig
	Policy            = base.Policy
	RecorderConfig    = base.RecorderConfig
	CSVConfig         = base.CSVConfig
	TimescaleConfig   = base.TimescaleConfig
	WALConfig         = base.WALConfig
	NATSConfig        = base.NATSConfig
	LiveConfig        = base.LiveConfig
	MetricsConfig     = base.MetricsConfig
	Flow              = base.Flow
	FlowOption        = base.FlowOption
	InputOption       = base.InputOption
	OutputOption      = base.OutputOption
	Runtime           = base.Runtime
	RuntimeOption     = base.RuntimeOption
	Sample            = base.Sample
	Reading           = base.Reading
	Kind              = base.Kind
	Driver            = base.Driver
	DriverFactory     = base.DriverFactory
	Transport         = base.Transport
	TransportOpener   = base.TransportOpener
	Consumer          = base.Consumer
	BusPolicy         = base.BusPolicy
	Sink              = base.Sink
	Transformer       = base.Transformer
	Observability     = base.Observability
	Field             = base.Field
	Logger            = base.Logger
	SampleFunc        = base.SampleFunc
	SampleBatchFunc   = base.SampleBatchFunc
	HealthReport      = base.HealthReport
	FaultedInstrument = base.FaultedInstrument
	InstrumentStatus  = base.InstrumentStatus
)

const (
	KindSpectrumAnalyzer = base.KindSpectrumAnalyzer
	KindPressureGauge    = base.KindPressureGauge
	KindOPCUAProbe       = base.KindOPCUAProbe

	DropOldest = base.DropOldest
	DropNewest = base.DropNewest
	Block      = base.Block
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func ParseConfig(raw []byte) (*Config, error) {
	return base.ParseConfig(raw)
}

func ErrorKind(err error) string {
	return base.ErrorKind(err)
}

func NewDriver(ctx context.Context, cfg InstrumentConfig, open TransportOpener, log Logger) (Driver, error) {
	return base.NewDriver(ctx, cfg, open, log)
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return base.WithFlowOptions(opts...)
}

func InputTransports(open TransportOpener) InputOption {
	return base.InputTransports(open)
}

func InputDrivers(factory DriverFactory) InputOption {
	return base.InputDrivers(factory)
}

func OutputSink(s Sink) OutputOption {
	return base.OutputSink(s)
}

func OutputBatches(name string, fn SampleBatchFunc) OutputOption {
	return base.OutputBatches(name, fn)
}

func OutputCallback(name string, fn SampleFunc) OutputOption {
	return base.OutputCallback(name, fn)
}

func OutputConsumer(c Consumer, capacity int, policy BusPolicy) OutputOption {
	return base.OutputConsumer(c, capacity, policy)
}

func OutputTransformer(tr Transformer) OutputOption {
	return base.OutputTransformer(tr)
}

func OutputObservability(obs Observability) OutputOption {
	return base.OutputObservability(obs)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithObservability(obs Observability) RuntimeOption {
	return base.WithObservability(obs)
}

func WithRegistry(reg *prometheus.Registry) RuntimeOption {
	return base.WithRegistry(reg)
}

func WithLogger(l Logger) RuntimeOption {
	return base.WithLogger(l)
}

func WithTransportOpener(open TransportOpener) RuntimeOption {
	return base.WithTransportOpener(open)
}

func WithDriverFactory(f DriverFactory) RuntimeOption {
	return base.WithDriverFactory(f)
}

func WithTransformer(tr Transformer) RuntimeOption {
	return base.WithTransformer(tr)
}

func WithSink(s Sink) RuntimeOption {
	return base.WithSink(s)
}

func WithConsumer(c Consumer, capacity int, policy BusPolicy) RuntimeOption {
	return base.WithConsumer(c, capacity, policy)
}

// Consumer and sink adapters.
func NewCallbackConsumer(name string, fn SampleFunc) Consumer {
	return base.NewCallbackConsumer(name, fn)
}

func NewChannelConsumer(name string, buffer int) (Consumer, <-chan Sample, func()) {
	return base.NewChannelConsumer(name, buffer)
}

func NewCallbackSink(name string, fn SampleBatchFunc) Sink {
	return base.NewCallbackSink(name, fn)
}

func NewChannelSink(name string, buffer int) (Sink, <-chan []Sample, func()) {
	return base.NewChannelSink(name, buffer)
}
