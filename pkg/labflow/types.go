package labflow

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/JustinD-T/Quantum-Subradience/internal/app/bus"
	"github.com/JustinD-T/Quantum-Subradience/internal/app/scheduler"
	"github.com/JustinD-T/Quantum-Subradience/internal/app/session"
	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
)

// Sample is one timestamped measurement value as it flows over the bus.
type Sample = domain.Sample

// Reading is what a Driver returns for one measurement.
type Reading = domain.Reading

// Kind tags an instrument's capability.
type Kind = domain.Kind

const (
	KindSpectrumAnalyzer = domain.KindSpectrumAnalyzer
	KindPressureGauge    = domain.KindPressureGauge
	KindOPCUAProbe       = domain.KindOPCUAProbe
)

// Driver lets callers plug instruments labflow does not ship.
type Driver = ports.Driver

// DriverFactory builds the driver of one configured instrument.
type DriverFactory = session.DriverFactory

// NewDriver builds the stock driver for cfg.Kind.
func NewDriver(ctx context.Context, cfg InstrumentConfig, open TransportOpener, log Logger) (Driver, error) {
	return session.NewDriver(ctx, cfg, open, log)
}

// Transport is the byte channel a Driver talks over.
type Transport = ports.Transport

// TransportOpener resolves transport descriptors such as
// "prologix:///dev/ttyACM0?addr=18" into open transports.
type TransportOpener = ports.TransportOpener

// Consumer receives every sample of a session on its own subscription.
type Consumer = bus.Consumer

// BusPolicy decides what a full subscription does with new samples.
type BusPolicy = bus.Policy

const (
	DropOldest = bus.DropOldest
	DropNewest = bus.DropNewest
	Block      = bus.Block
)

// Sink persists batches of samples behind a WAL.
type Sink = ports.Sink

// Transformer rewrites samples before they reach a Sink.
type Transformer = ports.Transformer

// Observability receives the runtime's logs and metrics.
type Observability = ports.Observability

type Logger = logr.Logger

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

type (
	HealthReport      = session.HealthReport
	FaultedInstrument = session.FaultedInstrument
	InstrumentStatus  = scheduler.Status
)

// Error taxonomy. Use errors.Is to classify errors returned by labflow.
var (
	ErrTransportTimeout      = domain.ErrTransportTimeout
	ErrTransportDisconnected = domain.ErrTransportDisconnected
	ErrConfigRejected        = domain.ErrConfigRejected
	ErrStaleRead             = domain.ErrStaleRead
	ErrMalformedResponse     = domain.ErrMalformedResponse
	ErrRetryBudgetExceeded   = domain.ErrRetryBudgetExceeded
)

// ErrorKind names the taxonomy entry of err, "Unknown" for anything else.
func ErrorKind(err error) string { return domain.ErrorKind(err) }
