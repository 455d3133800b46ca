package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/JustinD-T/Quantum-Subradience/internal/adapters/instrument"
	"github.com/JustinD-T/Quantum-Subradience/internal/adapters/opcua"
	"github.com/JustinD-T/Quantum-Subradience/internal/adapters/transport"
	"github.com/JustinD-T/Quantum-Subradience/internal/app/config"
	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
	"github.com/JustinD-T/Quantum-Subradience/internal/protocol/scpi"
)

// DriverFactory builds an unconfigured driver for cfg. The driver owns
// whatever transport it opened.
type DriverFactory func(ctx context.Context, cfg config.InstrumentConfig, open ports.TransportOpener, log logr.Logger) (ports.Driver, error)

// NewDriver is the default DriverFactory.
func NewDriver(ctx context.Context, cfg config.InstrumentConfig, open ports.TransportOpener, log logr.Logger) (ports.Driver, error) {
	if open == nil {
		open = transport.Open
	}

	switch cfg.Kind {
	case domain.KindSpectrumAnalyzer:
		t, err := open(ctx, cfg.Transport)
		if err != nil {
			return nil, err
		}
		opts := []instrument.SpectrumOption{
			instrument.WithCommands(scpi.Default().WithOverrides(cfg.Commands)),
			instrument.WithQueryTimeout(cfg.Timeout),
			instrument.WithTraceFormat(cfg.TraceFormat),
			instrument.WithSpectrumLogger(log),
		}
		if cfg.NoSweepCounter {
			opts = append(opts, instrument.WithoutSweepCounter())
		}
		drv, err := instrument.NewSpectrumAnalyzer(cfg.ID, t, cfg.Sweep, opts...)
		if err != nil {
			return nil, errors.Join(err, t.Close())
		}
		return drv, nil

	case domain.KindPressureGauge:
		t, err := open(ctx, cfg.Transport)
		if err != nil {
			return nil, err
		}
		return instrument.NewPressureGauge(cfg.ID, t,
			instrument.WithGaugeAddress(cfg.Gauge.Address),
			instrument.WithGaugeParameters(cfg.Gauge.Parameter, cfg.Gauge.UnitParameter),
			instrument.WithGaugeTimeout(cfg.Timeout),
			instrument.WithGaugeUnit(cfg.Gauge.Unit),
		), nil

	case domain.KindOPCUAProbe:
		probe, err := opcua.NewProbe(cfg.ID, cfg.OPCUA)
		if err != nil {
			return nil, err
		}
		return probe, nil
	}
	return nil, fmt.Errorf("%s: unsupported kind %q: %w", cfg.ID, cfg.Kind, domain.ErrConfigRejected)
}
