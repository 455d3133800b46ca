package instrument

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
	"github.com/JustinD-T/Quantum-Subradience/internal/protocol/tpg"
)

// PressureGauge reads a Pfeiffer TPG controller. Every read request makes
// the gauge report its current pressure, so freshness needs no handshake.
type PressureGauge struct {
	id        string
	t         ports.Transport
	addr      int
	param     int
	unitParam int
	timeout   time.Duration
	want      string
	unit      string
}

type GaugeOption func(*PressureGauge)

func WithGaugeAddress(addr int) GaugeOption {
	return func(g *PressureGauge) {
		if addr > 0 {
			g.addr = addr
		}
	}
}

// WithGaugeParameters selects the pressure and unit parameter numbers for
// controllers that deviate from the defaults 740 and 049.
func WithGaugeParameters(pressure, unit int) GaugeOption {
	return func(g *PressureGauge) {
		if pressure > 0 {
			g.param = pressure
		}
		if unit > 0 {
			g.unitParam = unit
		}
	}
}

// WithGaugeUnit makes Configure select the named unit, e.g. "Torr", before
// reading it back.
func WithGaugeUnit(name string) GaugeOption {
	return func(g *PressureGauge) { g.want = name }
}

func WithGaugeTimeout(d time.Duration) GaugeOption {
	return func(g *PressureGauge) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func NewPressureGauge(id string, t ports.Transport, opts ...GaugeOption) *PressureGauge {
	g := &PressureGauge{
		id:        id,
		t:         t,
		addr:      1,
		param:     tpg.ParamPressure,
		unitParam: tpg.ParamUnit,
		timeout:   defaultQueryTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

func (g *PressureGauge) ID() string              { return g.id }
func (g *PressureGauge) Kind() domain.Kind       { return domain.KindPressureGauge }
func (g *PressureGauge) MinCycle() time.Duration { return 0 }
func (g *PressureGauge) Unit() string            { return g.unit }

// Configure selects the requested unit, if any, and reads the unit back so
// samples can carry it.
func (g *PressureGauge) Configure(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.want != "" {
		if err := g.SetUnit(ctx, g.want); err != nil {
			return err
		}
	}
	data, err := g.read(g.unitParam)
	if err != nil {
		if errors.Is(err, domain.ErrMalformedResponse) {
			return fmt.Errorf("%s: unit parameter %03d: %v: %w", g.id, g.unitParam, err, domain.ErrConfigRejected)
		}
		return err
	}
	code, err := tpg.DecodeShortInt(data)
	if err != nil {
		return fmt.Errorf("%s: unit %q: %w", g.id, data, domain.ErrConfigRejected)
	}
	unit, ok := tpg.Units[code]
	if !ok {
		return fmt.Errorf("%s: unknown unit code %d: %w", g.id, code, domain.ErrConfigRejected)
	}
	if g.want != "" && !strings.EqualFold(unit, g.want) {
		return fmt.Errorf("%s: unit read back as %s, requested %s: %w", g.id, unit, g.want, domain.ErrConfigRejected)
	}
	g.unit = unit
	return nil
}

// SetUnit writes the unit parameter. The gauge must echo the new value.
// It must not run concurrently with a measurement.
func (g *PressureGauge) SetUnit(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	code, ok := tpg.UnitCode(name)
	if !ok {
		return fmt.Errorf("%s: unknown unit %q: %w", g.id, name, domain.ErrConfigRejected)
	}
	want := tpg.EncodeShortInt(code)
	data, err := g.exchange(tpg.WriteRequest(g.addr, g.unitParam, want))
	if err != nil {
		if errors.Is(err, domain.ErrMalformedResponse) {
			return fmt.Errorf("%s: set unit %s: %v: %w", g.id, name, err, domain.ErrConfigRejected)
		}
		return err
	}
	if data != want {
		return fmt.Errorf("%s: unit write echoed %q, sent %q: %w", g.id, data, want, domain.ErrConfigRejected)
	}
	g.unit = tpg.Units[code]
	return nil
}

func (g *PressureGauge) Measure(ctx context.Context) ([]domain.Reading, error) {
	p, err := g.TakeMeasurement(ctx)
	if err != nil {
		return nil, err
	}
	return []domain.Reading{{Channel: 0, Value: p, Unit: g.unit}}, nil
}

// TakeMeasurement returns the current pressure in the configured unit.
func (g *PressureGauge) TakeMeasurement(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	data, err := g.read(g.param)
	if err != nil {
		return 0, err
	}
	p, err := tpg.DecodeExpoNew(data)
	if err != nil {
		return 0, fmt.Errorf("%s: %v: %w", g.id, err, domain.ErrMalformedResponse)
	}
	if math.IsNaN(p) {
		return 0, fmt.Errorf("%s: gauge over range: %w", g.id, domain.ErrMalformedResponse)
	}
	return p, nil
}

func (g *PressureGauge) Close() error { return g.t.Close() }

func (g *PressureGauge) read(param int) (string, error) {
	return g.exchange(tpg.ReadRequest(g.addr, param))
}

// exchange sends one telegram and returns the payload of the reply.
func (g *PressureGauge) exchange(req tpg.Telegram) (string, error) {
	param := req.Param
	raw, err := g.t.Query([]byte(req.Encode()), g.timeout)
	if err != nil {
		return "", fmt.Errorf("%s: %w", g.id, err)
	}
	reply, err := tpg.Decode(string(raw))
	if err != nil {
		return "", fmt.Errorf("%s: %v: %w", g.id, err, domain.ErrMalformedResponse)
	}
	if reply.Address != g.addr || reply.Param != param || reply.Action != tpg.ActionReply {
		return "", fmt.Errorf("%s: reply %q does not answer parameter %03d: %w",
			g.id, raw, param, domain.ErrMalformedResponse)
	}
	if name, ok := tpg.DeviceError(reply.Data); ok {
		return "", fmt.Errorf("%s: gauge reported %s: %w", g.id, name, domain.ErrMalformedResponse)
	}
	return reply.Data, nil
}

var _ ports.Driver = (*PressureGauge)(nil)
