package instrument

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JustinD-T/Quantum-Subradience/internal/adapters/sim"
	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
)

func TestPressureGaugeMeasure(t *testing.T) {
	dev := sim.NewTPG(sim.TPGOptions{Pressure: 3.2e-6, Unit: 1})
	g := NewPressureGauge("tpg", dev, WithGaugeTimeout(time.Second))

	require.NoError(t, g.Configure(context.Background()))
	assert.Equal(t, "Torr", g.Unit())

	p, err := g.TakeMeasurement(context.Background())
	require.NoError(t, err)
	assert.InEpsilon(t, 3.2e-6, p, 1e-3)

	dev.SetPressure(1.1e-6)
	readings, err := g.Measure(context.Background())
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.InEpsilon(t, 1.1e-6, readings[0].Value, 1e-3)
	assert.Equal(t, "Torr", readings[0].Unit)
	assert.Equal(t, 2, dev.Reads())
}

func TestPressureGaugeErrPayloadIsMalformed(t *testing.T) {
	dev := sim.NewTPG(sim.TPGOptions{})
	g := NewPressureGauge("tpg", dev)
	require.NoError(t, g.Configure(context.Background()))

	dev.Inject(sim.FaultMalformed)
	_, err := g.TakeMeasurement(context.Background())
	assert.True(t, errors.Is(err, domain.ErrMalformedResponse))
	assert.Equal(t, "MalformedResponse", domain.ErrorKind(err))

	_, err = g.TakeMeasurement(context.Background())
	assert.NoError(t, err)
}

func TestPressureGaugeOverRange(t *testing.T) {
	dev := sim.NewTPG(sim.TPGOptions{})
	dev.SetPressure(-1)
	g := NewPressureGauge("tpg", dev)
	require.NoError(t, g.Configure(context.Background()))

	_, err := g.TakeMeasurement(context.Background())
	assert.True(t, errors.Is(err, domain.ErrMalformedResponse))
}

func TestPressureGaugeWrongAddressTimesOut(t *testing.T) {
	dev := sim.NewTPG(sim.TPGOptions{Address: 2})
	g := NewPressureGauge("tpg", dev, WithGaugeAddress(1))

	err := g.Configure(context.Background())
	assert.True(t, errors.Is(err, domain.ErrTransportTimeout))
}

func TestPressureGaugeUnknownParameterRejected(t *testing.T) {
	g := NewPressureGauge("tpg", sim.NewTPG(sim.TPGOptions{}), WithGaugeParameters(0, 77))
	err := g.Configure(context.Background())
	assert.True(t, errors.Is(err, domain.ErrConfigRejected), "got %v", err)
}

func TestPressureGaugeTransportFaults(t *testing.T) {
	dev := sim.NewTPG(sim.TPGOptions{})
	g := NewPressureGauge("tpg", dev)
	require.NoError(t, g.Configure(context.Background()))

	dev.Inject(sim.FaultTimeout, sim.FaultDisconnect)
	_, err := g.TakeMeasurement(context.Background())
	assert.True(t, domain.Transient(err))
	_, err = g.TakeMeasurement(context.Background())
	assert.Equal(t, "TransportDisconnected", domain.ErrorKind(err))
	require.NoError(t, g.Close())
}

func TestPressureGaugeSelectsConfiguredUnit(t *testing.T) {
	dev := sim.NewTPG(sim.TPGOptions{Unit: 0})
	g := NewPressureGauge("tpg", dev, WithGaugeUnit("torr"))

	require.NoError(t, g.Configure(context.Background()))
	assert.Equal(t, "Torr", g.Unit())
	assert.Equal(t, 1, dev.Unit())

	readings, err := g.Measure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Torr", readings[0].Unit)

	require.NoError(t, g.SetUnit(context.Background(), "hPa"))
	assert.Equal(t, "hPa", g.Unit())
	assert.Equal(t, 2, dev.Unit())
}

func TestPressureGaugeSetUnitRejected(t *testing.T) {
	dev := sim.NewTPG(sim.TPGOptions{})
	g := NewPressureGauge("tpg", dev)

	err := g.SetUnit(context.Background(), "psi")
	assert.True(t, errors.Is(err, domain.ErrConfigRejected), "got %v", err)

	// a controller without a writable unit parameter answers NO_DEF
	g = NewPressureGauge("tpg", dev, WithGaugeParameters(0, 77), WithGaugeUnit("Torr"))
	err = g.Configure(context.Background())
	assert.True(t, errors.Is(err, domain.ErrConfigRejected), "got %v", err)
	assert.Zero(t, dev.Unit())
}
