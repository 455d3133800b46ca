package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
)

// runIngest moves batches from the queue to the sink. Once stop is closed it
// keeps going until the queue is empty.
func (r *Recorder) runIngest(stop <-chan struct{}) {
	sleep := idleSleep(r.pol)
	for {
		batch := r.queue.DequeueBatch(r.pol.MaxBatchSize)
		if len(batch) == 0 {
			select {
			case <-stop:
				return
			case <-time.After(sleep):
			}
			continue
		}
		r.ingestBatch(batch)
		r.obs.SetGauge(ports.MetricQueueLength, float64(r.queue.Len()))
	}
}

func (r *Recorder) ingestBatch(batch []ports.QueuedSample) {
	if r.isHeld() {
		// everything after a rejected batch is left to the WAL replay, so
		// nothing reaches the sink twice
		return
	}

	var (
		out   = make([]*domain.Sample, 0, len(batch))
		maxID ports.WALEntryID
	)

	for _, item := range batch {
		if item.ID > maxID {
			maxID = item.ID
		}
		s, err := r.tr.Transform(item.Sample)
		if err != nil {
			r.obs.RecordDLQ(item.ID, item.Sample, err)
			continue
		}
		// samples are shared with other bus subscribers
		tagged := *s
		tagged.TransformVer = r.tr.Version()
		out = append(out, &tagged)
	}

	if len(out) == 0 {
		r.commit(maxID)
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = idleSleep(r.pol)
	bo.MaxInterval = time.Second

	start := time.Now()
	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		return struct{}{}, r.sink.WriteBatch(out)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(r.sinkAttempts)))
	if err != nil {
		// keep WAL; the entries are replayed on the next start
		r.obs.LogError("sink write failed", err,
			ports.Field{Key: "sink", Value: r.sink.Name()},
			ports.Field{Key: "samples", Value: len(out)})
		r.mu.Lock()
		r.held = true
		r.mu.Unlock()
		return
	}
	r.obs.ObserveLatency(ports.MetricSinkLatency, time.Since(start).Seconds())
	r.obs.IncCounter(ports.MetricSamplesRecorded, float64(len(out)))

	r.commit(maxID)
}

// commit advances the WAL commit mark unless an earlier batch failed, in
// which case everything after it stays uncommitted.
func (r *Recorder) commit(id ports.WALEntryID) {
	if r.isHeld() || id == 0 {
		return
	}
	if err := r.wal.Commit(id); err != nil {
		r.obs.LogError("wal commit failed", err)
	}
}

func (r *Recorder) isHeld() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held
}
