// Package pipeline records bus samples durably: every sample is appended to
// a WAL, buffered in a bounded queue and written to a sink in batches. The
// WAL is committed only after the sink accepted a batch, and uncommitted
// entries are replayed on the next start.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
)

const defaultSinkAttempts = 5

type Recorder struct {
	name         string
	wal          ports.WAL
	queue        ports.SampleQueue
	tr           ports.Transformer
	sink         ports.Sink
	pol          ports.Policy
	obs          ports.Observability
	gaps         *GapTracker
	sinkAttempts int

	mu      sync.Mutex
	held    bool
	started bool
	stop    chan struct{}
	done    chan struct{}
	flushed bool
}

type Option func(*Recorder)

func WithTransformer(tr ports.Transformer) Option {
	return func(r *Recorder) {
		if tr != nil {
			r.tr = tr
		}
	}
}

func WithObservability(obs ports.Observability) Option {
	return func(r *Recorder) {
		if obs != nil {
			r.obs = obs
		}
	}
}

// WithSinkAttempts bounds how often one batch is offered to the sink before
// the recorder stops committing and leaves the rest to WAL replay.
func WithSinkAttempts(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.sinkAttempts = n
		}
	}
}

func NewRecorder(name string, wal ports.WAL, q ports.SampleQueue, sink ports.Sink, pol ports.Policy, opts ...Option) (*Recorder, error) {
	if wal == nil || q == nil || sink == nil {
		return nil, errors.New("recorder needs a wal, a queue and a sink")
	}
	if pol.MaxBatchSize <= 0 {
		pol.MaxBatchSize = 1
	}
	r := &Recorder{
		name:         name,
		wal:          wal,
		queue:        q,
		tr:           NoopTransformer{},
		sink:         sink,
		pol:          pol,
		obs:          ports.NopObservability{},
		sinkAttempts: defaultSinkAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.gaps = NewGapTracker(r.obs)
	return r, nil
}

func (r *Recorder) Name() string { return r.name }

func (r *Recorder) Gaps() *GapTracker { return r.gaps }

type RecorderStats struct {
	Queued   int
	WALBytes int64
}

func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Queued:   r.queue.Len(),
		WALBytes: r.wal.Stats().SizeBytes,
	}
}

// Start replays uncommitted WAL entries into the queue and launches the
// ingest loop.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("recorder %s already started", r.name)
	}
	r.started = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		r.runIngest(r.stop)
	}()
	// the ingest loop already drains while the backlog is replayed
	return replayWALIntoQueue(ctx, r.wal, r.queue, r.pol, r.obs)
}

// Flush waits until everything consumed so far reached the sink, then
// compacts the WAL. It is called by the bus once the subscription drained.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	if !r.started || r.flushed {
		r.mu.Unlock()
		return nil
	}
	r.flushed = true
	close(r.stop)
	done := r.done
	r.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	held := r.held
	r.mu.Unlock()
	if held {
		return fmt.Errorf("recorder %s: sink %s rejected samples, kept in WAL", r.name, r.sink.Name())
	}
	if err := r.wal.TruncateCommitted(); err != nil {
		return fmt.Errorf("recorder %s: %w", r.name, err)
	}
	r.obs.SetGauge(ports.MetricWALSize, float64(r.wal.Stats().SizeBytes))
	return nil
}

// Close flushes and releases the WAL and, if it has one, the sink.
func (r *Recorder) Close(ctx context.Context) error {
	err := r.Flush(ctx)
	if c, ok := r.sink.(interface{ Close() error }); ok {
		err = errors.Join(err, c.Close())
	}
	return errors.Join(err, r.wal.Close())
}

func replayWALIntoQueue(ctx context.Context, wal ports.WAL, q ports.SampleQueue, pol ports.Policy, obs ports.Observability) error {
	stats := wal.Stats()
	if stats.LatestAppended == 0 {
		return nil
	}
	start := stats.OldestUncommitted
	if start == 0 || start > stats.LatestAppended {
		return nil
	}

	sleep := idleSleep(pol)
	var replayed int
	err := wal.Iterate(start, func(id ports.WALEntryID, sample *domain.Sample) error {
		for !q.Enqueue(id, sample) {
			switch pol.OnQueueFull {
			case "drop", "reject":
				return fmt.Errorf("queue full during WAL replay at entry %d", id)
			}
			if !sleepCtx(ctx, sleep) {
				return ctx.Err()
			}
		}
		replayed++
		return nil
	})
	if err != nil {
		return err
	}
	if replayed > 0 {
		obs.LogInfo("wal replay complete",
			ports.Field{Key: "samples", Value: replayed},
			ports.Field{Key: "from_id", Value: uint64(start)})
	}
	return nil
}
