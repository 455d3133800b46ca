package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JustinD-T/Quantum-Subradience/internal/adapters/sim"
	"github.com/JustinD-T/Quantum-Subradience/internal/adapters/transport"
	"github.com/JustinD-T/Quantum-Subradience/internal/app/bus"
	"github.com/JustinD-T/Quantum-Subradience/internal/app/config"
	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
)

// bench hands out pre-built simulated transports by descriptor.
type bench map[string]ports.Transport

func (b bench) open(ctx context.Context, raw string) (ports.Transport, error) {
	if t, ok := b[raw]; ok {
		return t, nil
	}
	return transport.Open(ctx, raw)
}

type collector struct {
	mu      sync.Mutex
	samples []*domain.Sample
}

func (c *collector) Name() string { return "collector" }

func (c *collector) Consume(_ context.Context, s *domain.Sample) error {
	c.mu.Lock()
	c.samples = append(c.samples, s)
	c.mu.Unlock()
	return nil
}

func (c *collector) count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.samples {
		if s.InstrumentID == id {
			n++
		}
	}
	return n
}

func (c *collector) seqs(id string) []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []uint64
	for _, s := range c.samples {
		if s.InstrumentID == id {
			out = append(out, s.Seq)
		}
	}
	return out
}

func (c *collector) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

func gauge(id, descriptor string) config.InstrumentConfig {
	return config.InstrumentConfig{
		ID:        id,
		Kind:      domain.KindPressureGauge,
		Transport: descriptor,
		Cadence:   10 * time.Millisecond,
		Timeout:   50 * time.Millisecond,
		Retry:     config.RetryConfig{Budget: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	}
}

func analyzer(id, descriptor string, points int, sweep time.Duration) config.InstrumentConfig {
	return config.InstrumentConfig{
		ID:        id,
		Kind:      domain.KindSpectrumAnalyzer,
		Transport: descriptor,
		Timeout:   200 * time.Millisecond,
		Sweep:     domain.SweepConfig{Center: 115.27e9, Span: 10e6, Points: points, SweepTime: sweep},
	}
}

func TestSessionAcquiresAndDrains(t *testing.T) {
	c := &collector{}
	coord := NewCoordinator(WithStopGrace(time.Second), WithConsumer(c, 1<<16, bus.DropOldest))
	s, err := coord.StartSession(context.Background(), []config.InstrumentConfig{
		analyzer("sa", "sim://spectrum", 101, 20*time.Millisecond),
		gauge("tpg", "sim://tpg"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, StateRunning, s.State())
	assert.Equal(t, []string{"sa", "tpg"}, s.Instruments())

	require.Eventually(t, func() bool {
		return c.count("sa") >= 3*101 && c.count("tpg") >= 3
	}, 5*time.Second, 10*time.Millisecond)

	h := s.Health()
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Len(t, h.Instruments, 2)
	assert.Empty(t, h.Faulted)

	require.NoError(t, coord.StopSession(context.Background(), s))
	assert.Equal(t, StateStopped, s.State())

	st := s.Bus().Stats()
	assert.Equal(t, st.Published, uint64(c.total()), "every sample published before stop is delivered")
	assert.Zero(t, st.Dropped)
	assert.Zero(t, st.PublishedOnClosed)
	assert.Equal(t, StatusUnhealthy, s.Health().Status)

	// stop is idempotent
	require.NoError(t, s.Stop(context.Background()))
}

func TestFaultedInstrumentDoesNotStopOthers(t *testing.T) {
	healthy := sim.NewTPG(sim.TPGOptions{})
	broken := sim.NewTPG(sim.TPGOptions{})
	b := bench{"sim://tpg?n=1": healthy, "sim://tpg?n=2": broken}

	coord := NewCoordinator(WithTransportOpener(b.open))
	s, err := coord.StartSession(context.Background(), []config.InstrumentConfig{
		gauge("good", "sim://tpg?n=1"),
		gauge("bad", "sim://tpg?n=2"),
	})
	require.NoError(t, err)
	defer s.Stop(context.Background())

	c := &collector{}
	s.Attach(context.Background(), c, 1024, bus.DropOldest)

	broken.Inject(sim.FaultDisconnect)

	require.Eventually(t, func() bool { return s.State() == StateFaulted }, 2*time.Second, 5*time.Millisecond)

	h := s.Health()
	assert.Equal(t, StatusDegraded, h.Status)
	require.Len(t, h.Faulted, 1)
	assert.Equal(t, "bad", h.Faulted[0].ID)
	assert.Equal(t, "TransportDisconnected", h.Faulted[0].ErrorKind)

	before := c.count("good")
	require.Eventually(t, func() bool { return c.count("good") > before+3 }, 2*time.Second, 5*time.Millisecond)
	badCount := c.count("bad")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, badCount, c.count("bad"), "a faulted instrument publishes nothing")
}

func TestStartSessionConfigRejected(t *testing.T) {
	tpg := sim.NewTPG(sim.TPGOptions{})
	b := bench{"sim://tpg?n=1": tpg}

	coord := NewCoordinator(WithTransportOpener(b.open))
	s, err := coord.StartSession(context.Background(), []config.InstrumentConfig{
		gauge("tpg", "sim://tpg?n=1"),
		// the simulated analyzer tops out at 40001 points
		analyzer("sa", "sim://spectrum", 50_000, time.Second),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigRejected)
	assert.Nil(t, s)
	assert.False(t, tpg.IsConnected(), "transports opened before the failure are released")
}

func TestStartSessionRejectsDuplicates(t *testing.T) {
	_, err := NewCoordinator().StartSession(context.Background(), []config.InstrumentConfig{
		gauge("tpg", "sim://tpg"),
		gauge("tpg", "sim://tpg"),
	})
	assert.ErrorIs(t, err, ErrDuplicateInstrument)
}

func TestAddAndRemoveInstrument(t *testing.T) {
	tpg := sim.NewTPG(sim.TPGOptions{})
	b := bench{"sim://tpg?n=1": tpg}

	coord := NewCoordinator(WithTransportOpener(b.open))
	s, err := coord.StartSession(context.Background(), nil)
	require.NoError(t, err)
	defer s.Stop(context.Background())

	c := &collector{}
	s.Attach(context.Background(), c, 1024, bus.DropOldest)

	require.NoError(t, s.AddInstrument(context.Background(), gauge("tpg", "sim://tpg?n=1")))
	assert.ErrorIs(t, s.AddInstrument(context.Background(), gauge("tpg", "sim://tpg")), ErrDuplicateInstrument)

	require.Eventually(t, func() bool { return c.count("tpg") >= 3 }, 2*time.Second, 5*time.Millisecond)

	err = s.AddInstrument(context.Background(), analyzer("sa", "sim://spectrum", 50_000, time.Second))
	assert.ErrorIs(t, err, domain.ErrConfigRejected)
	assert.Equal(t, []string{"tpg"}, s.Instruments())
	assert.Equal(t, StateRunning, s.State(), "a rejected addition does not fault the session")

	require.NoError(t, s.RemoveInstrument(context.Background(), "tpg"))
	assert.False(t, tpg.IsConnected())
	assert.Empty(t, s.Instruments())
	assert.ErrorIs(t, s.RemoveInstrument(context.Background(), "tpg"), ErrUnknownInstrument)

	n := c.count("tpg")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, c.count("tpg"))
}

func TestReconcile(t *testing.T) {
	c := &collector{}
	coord := NewCoordinator(WithConsumer(c, 1<<12, bus.Block))
	s, err := coord.StartSession(context.Background(), []config.InstrumentConfig{
		gauge("a", "sim://tpg"),
		gauge("b", "sim://tpg"),
	})
	require.NoError(t, err)
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return c.count("b") >= 3 }, 2*time.Second, 5*time.Millisecond)

	old := []config.InstrumentConfig{gauge("a", "sim://tpg"), gauge("b", "sim://tpg")}
	changed := gauge("b", "sim://tpg")
	changed.Cadence = 20 * time.Millisecond
	next := []config.InstrumentConfig{changed, gauge("c", "sim://tpg")}

	require.NoError(t, s.Reconcile(context.Background(), config.Diff(old, next)))
	assert.Equal(t, []string{"b", "c"}, s.Instruments())

	h := s.Health()
	require.Len(t, h.Instruments, 2)
	assert.Equal(t, 20*time.Millisecond, h.Instruments[0].Interval)

	before := c.count("b")
	require.Eventually(t, func() bool { return c.count("b") >= before+3 }, 2*time.Second, 5*time.Millisecond)
	// the restarted instrument continues its sequence
	seqs := c.seqs("b")
	for i := 1; i < len(seqs); i++ {
		require.Greater(t, seqs[i], seqs[i-1], "seq went from %d to %d", seqs[i-1], seqs[i])
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	coord := NewCoordinator()
	s1, err := coord.StartSession(context.Background(), []config.InstrumentConfig{gauge("tpg", "sim://tpg")})
	require.NoError(t, err)
	s2, err := coord.StartSession(context.Background(), []config.InstrumentConfig{gauge("tpg", "sim://tpg")})
	require.NoError(t, err)

	assert.NotEqual(t, s1.ID(), s2.ID())
	require.NoError(t, s1.Stop(context.Background()))

	assert.Equal(t, StateStopped, s1.State())
	assert.Equal(t, StateRunning, s2.State())
	assert.ErrorIs(t, s1.AddInstrument(context.Background(), gauge("x", "sim://tpg")), ErrNotRunning)
	require.NoError(t, s2.Stop(context.Background()))
}
