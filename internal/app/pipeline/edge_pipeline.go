package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
)

// Consume journals s and queues it for the sink. It blocks while the WAL or
// queue is full under a "block" policy and drops s under "drop".
func (r *Recorder) Consume(ctx context.Context, s *domain.Sample) error {
	r.gaps.Observe(s)

	if !waitForWALCapacity(ctx, r.wal, r.pol, r.obs) {
		r.obs.IncCounter(ports.MetricQueueDropped, 1)
		return ctx.Err()
	}

	id, err := r.wal.Append(s)
	if err != nil {
		r.obs.LogCritical("wal append failed", err, ports.Field{Key: "recorder", Value: r.name})
		return nil
	}

	if !enqueueWithPolicy(ctx, r.queue, id, s, r.pol, r.obs) {
		r.obs.IncCounter(ports.MetricQueueDropped, 1)
	}
	return nil
}

func idleSleep(pol ports.Policy) time.Duration {
	if pol.IdleSleep <= 0 {
		return 5 * time.Millisecond
	}
	return pol.IdleSleep
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func waitForWALCapacity(ctx context.Context, wal ports.WAL, pol ports.Policy, obs ports.Observability) bool {
	if pol.MaxWALSizeBytes <= 0 {
		return true
	}
	sleep := idleSleep(pol)

	for {
		stats := wal.Stats()
		if stats.SizeBytes < pol.MaxWALSizeBytes {
			return true
		}

		switch pol.OnWALFull {
		case "block":
			if !sleepCtx(ctx, sleep) {
				return false
			}
		case "drop":
			obs.LogError("wal full, dropping sample", fmt.Errorf("size=%d limit=%d", stats.SizeBytes, pol.MaxWALSizeBytes))
			return false
		default:
			obs.LogError("invalid wal policy", fmt.Errorf("policy=%s", pol.OnWALFull))
			return false
		}
	}
}

func enqueueWithPolicy(ctx context.Context, q ports.SampleQueue, id ports.WALEntryID, s *domain.Sample, pol ports.Policy, obs ports.Observability) bool {
	sleep := idleSleep(pol)

	for {
		if ok := q.Enqueue(id, s); ok {
			return true
		}

		switch pol.OnQueueFull {
		case "block":
			if !sleepCtx(ctx, sleep) {
				return false
			}
		case "drop", "reject":
			obs.LogError("queue full, dropping sample", fmt.Errorf("queue length exceeded capacity %d", pol.MaxQueueLen))
			return false
		default:
			obs.LogError("invalid queue policy", fmt.Errorf("policy=%s", pol.OnQueueFull))
			return false
		}
	}
}
