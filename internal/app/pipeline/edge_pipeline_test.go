package pipeline

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
)

func TestWaitForWALCapacityBlockThenSucceed(t *testing.T) {
	wal := &mockWAL{
		sizes: []int64{150, 50},
	}
	pol := ports.Policy{
		MaxWALSizeBytes: 100,
		OnWALFull:       "block",
		IdleSleep:       time.Millisecond,
	}
	obs := &mockObs{}

	require.True(t, waitForWALCapacity(context.Background(), wal, pol, obs), "capacity should free up")
	assert.GreaterOrEqual(t, wal.calls, 2, "stats calls")
}

func TestWaitForWALCapacityDrop(t *testing.T) {
	wal := &mockWAL{
		sizes: []int64{200, 200},
	}
	pol := ports.Policy{
		MaxWALSizeBytes: 100,
		OnWALFull:       "drop",
	}
	obs := &mockObs{}

	assert.False(t, waitForWALCapacity(context.Background(), wal, pol, obs), "full wal should drop")
	assert.NotEmpty(t, obs.errors, "drop is logged")
}

func TestEnqueueWithPolicyBlock(t *testing.T) {
	queue := &mockQueue{}
	queue.failures = 1

	pol := ports.Policy{
		OnQueueFull: "block",
		IdleSleep:   time.Millisecond,
	}
	obs := &mockObs{}

	require.True(t, enqueueWithPolicy(context.Background(), queue, 1, &domain.Sample{}, pol, obs))
	assert.Equal(t, 2, queue.calls, "enqueue attempts")
}

func TestEnqueueWithPolicyDrop(t *testing.T) {
	queue := &mockQueue{failAlways: true}
	pol := ports.Policy{
		OnQueueFull: "drop",
	}
	obs := &mockObs{}

	assert.False(t, enqueueWithPolicy(context.Background(), queue, 1, &domain.Sample{}, pol, obs))
	assert.NotEmpty(t, obs.errors, "drop is logged")
}

func TestWaitForWALCapacityBlockCancelled(t *testing.T) {
	wal := &mockWAL{sizes: []int64{500}}
	pol := ports.Policy{MaxWALSizeBytes: 100, OnWALFull: "block", IdleSleep: time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, waitForWALCapacity(ctx, wal, pol, &mockObs{}), "blocked wait gives up when the context ends")
}

func TestGapTracker(t *testing.T) {
	g := NewGapTracker(nil)
	for _, seq := range []uint64{1, 2, 5, 6} {
		g.Observe(&domain.Sample{InstrumentID: "sa", Seq: seq})
	}
	g.Observe(&domain.Sample{InstrumentID: "tpg", Seq: 7})
	assert.EqualValues(t, 1, g.Observe(&domain.Sample{InstrumentID: "tpg", Seq: 9}))

	missing := g.Missing()
	assert.EqualValues(t, 2, missing["sa"])
	assert.EqualValues(t, 1, missing["tpg"])
}

func TestTagger(t *testing.T) {
	tr := NewTagger(3, map[string]string{"tpg": "mbar"})

	in := &domain.Sample{InstrumentID: "tpg", Value: 1e-3}
	out, err := tr.Transform(in)
	require.NoError(t, err)
	assert.Equal(t, "mbar", out.Unit)
	assert.Empty(t, in.Unit, "input stays untouched")
	assert.EqualValues(t, 3, tr.Version())

	_, err = tr.Transform(&domain.Sample{InstrumentID: "sa", Value: math.Inf(-1)})
	assert.Error(t, err, "non-finite value")
	_, err = tr.Transform(&domain.Sample{})
	assert.Error(t, err, "sample without instrument")
}

type mockWAL struct {
	ports.WAL
	sizes []int64
	calls int
}

func (m *mockWAL) Stats() ports.WALStats {
	idx := m.calls
	if idx >= len(m.sizes) {
		idx = len(m.sizes) - 1
	}
	m.calls++
	return ports.WALStats{
		SizeBytes: m.sizes[idx],
	}
}

type mockQueue struct {
	failures   int32
	failAlways bool
	calls      int
}

func (m *mockQueue) Enqueue(id ports.WALEntryID, s *domain.Sample) bool {
	m.calls++
	if m.failAlways {
		return false
	}
	if atomic.LoadInt32(&m.failures) > 0 {
		atomic.AddInt32(&m.failures, -1)
		return false
	}
	return true
}

func (m *mockQueue) DequeueBatch(int) []ports.QueuedSample { return nil }
func (m *mockQueue) Len() int                              { return 0 }

type mockObs struct {
	errors []error
}

func (m *mockObs) LogInfo(string, ...ports.Field)                    {}
func (m *mockObs) LogError(_ string, err error, _ ...ports.Field)    { m.errors = append(m.errors, err) }
func (m *mockObs) LogCritical(string, error, ...ports.Field)         {}
func (m *mockObs) IncCounter(string, float64)                        {}
func (m *mockObs) ObserveLatency(string, float64)                    {}
func (m *mockObs) SetGauge(string, float64)                          {}
func (m *mockObs) RecordDLQ(ports.WALEntryID, *domain.Sample, error) {}
