package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JustinD-T/Quantum-Subradience/internal/adapters/queue"
	"github.com/JustinD-T/Quantum-Subradience/internal/adapters/wal"
	"github.com/JustinD-T/Quantum-Subradience/internal/app/bus"
	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
)

type memSink struct {
	mu      sync.Mutex
	fail    bool
	reject  int // batches to reject before accepting
	samples []*domain.Sample
}

func (m *memSink) Name() string { return "mem" }

func (m *memSink) WriteBatch(samples []*domain.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("database unavailable")
	}
	if m.reject > 0 {
		m.reject--
		return errors.New("database unavailable")
	}
	m.samples = append(m.samples, samples...)
	return nil
}

func (m *memSink) seqs() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, len(m.samples))
	for i, s := range m.samples {
		out[i] = s.Seq
	}
	return out
}

var testPolicy = ports.Policy{
	MaxWALSizeBytes: 1 << 20,
	MaxQueueLen:     16,
	MaxBatchSize:    4,
	IdleSleep:       time.Millisecond,
	OnWALFull:       "block",
	OnQueueFull:     "block",
}

func newRecorder(t *testing.T, dir string, snk ports.Sink, opts ...Option) (*Recorder, *wal.FileWAL) {
	t.Helper()
	w, err := wal.NewFileWAL(dir)
	require.NoError(t, err)
	r, err := NewRecorder("test", w, queue.NewMemQueue(testPolicy.MaxQueueLen), snk, testPolicy, opts...)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	return r, w
}

func publish(b *bus.Bus, id string, from, to uint64) {
	for seq := from; seq <= to; seq++ {
		b.Publish(&domain.Sample{InstrumentID: id, Seq: seq, Value: float64(seq)})
	}
}

func TestRecorderWritesEverythingInOrder(t *testing.T) {
	snk := &memSink{}
	r, w := newRecorder(t, t.TempDir(), snk)

	b := bus.New()
	sub := b.Attach(context.Background(), r, 1024, bus.Block)
	publish(b, "tpg", 1, 100)
	b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Wait(ctx))
	require.NoError(t, sub.Err(), "recorder detached")

	seqs := snk.seqs()
	require.Len(t, seqs, 100)
	for i, seq := range seqs {
		require.Equal(t, uint64(i+1), seq, "out of order at %d", i)
	}

	stats := w.Stats()
	assert.Equal(t, stats.LatestAppended+1, stats.OldestUncommitted, "everything committed")
	assert.Zero(t, stats.SizeBytes, "WAL compacted")
	require.NoError(t, r.Close(ctx))
}

func TestRecorderReplaysAfterSinkFailure(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	down := &memSink{fail: true}
	r, _ := newRecorder(t, dir, down, WithSinkAttempts(1))
	b := bus.New()
	sub := b.Attach(ctx, r, 1024, bus.Block)
	publish(b, "sa", 1, 10)
	b.Close()
	require.NoError(t, b.Wait(ctx))
	require.Error(t, sub.Err(), "the flush reports samples kept in the WAL")
	_ = r.Close(ctx)

	up := &memSink{}
	r2, w2 := newRecorder(t, dir, up)
	require.NoError(t, r2.Flush(ctx))
	assert.Len(t, up.seqs(), 10)
	s := w2.Stats()
	assert.Equal(t, s.LatestAppended+1, s.OldestUncommitted, "replayed entries committed")
	require.NoError(t, r2.Close(ctx))
}

func TestRecorderNeverWritesASampleTwice(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// the first batch is rejected, later ones would be accepted
	flaky := &memSink{reject: 1}
	r, _ := newRecorder(t, dir, flaky, WithSinkAttempts(1))
	for seq := uint64(1); seq <= 12; seq++ {
		require.NoError(t, r.Consume(ctx, &domain.Sample{InstrumentID: "sa", Seq: seq}))
	}
	require.Error(t, r.Flush(ctx))
	_ = r.Close(ctx)

	up := &memSink{}
	r2, _ := newRecorder(t, dir, up)
	require.NoError(t, r2.Flush(ctx))
	require.NoError(t, r2.Close(ctx))

	written := make(map[uint64]int)
	for _, seq := range append(flaky.seqs(), up.seqs()...) {
		written[seq]++
	}
	for seq := uint64(1); seq <= 12; seq++ {
		assert.Equal(t, 1, written[seq], "seq %d", seq)
	}
}

type dlqObs struct {
	ports.NopObservability
	mu  sync.Mutex
	dlq int
}

func (d *dlqObs) RecordDLQ(ports.WALEntryID, *domain.Sample, error) {
	d.mu.Lock()
	d.dlq++
	d.mu.Unlock()
}

func TestRecorderSendsRejectedSamplesToDLQ(t *testing.T) {
	snk := &memSink{}
	obs := &dlqObs{}
	r, w := newRecorder(t, t.TempDir(), snk, WithTransformer(NewTagger(2, nil)), WithObservability(obs))

	ctx := context.Background()
	for seq := uint64(1); seq <= 4; seq++ {
		v := float64(seq)
		if seq == 2 {
			v = math.NaN()
		}
		require.NoError(t, r.Consume(ctx, &domain.Sample{InstrumentID: "tpg", Seq: seq, Value: v}))
	}
	require.NoError(t, r.Flush(ctx))

	require.Len(t, snk.seqs(), 3)
	for _, s := range snk.samples {
		assert.EqualValues(t, 2, s.TransformVer)
	}
	assert.Equal(t, 1, obs.dlq)
	s := w.Stats()
	assert.Equal(t, s.LatestAppended+1, s.OldestUncommitted, "dlq entries must not block the commit mark")
	_ = r.Close(ctx)
}
