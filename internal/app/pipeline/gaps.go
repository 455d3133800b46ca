package pipeline

import (
	"sync"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
)

// GapTracker counts samples missing from each instrument's sequence. Gaps
// are expected when a subscription drops samples and are never fatal.
type GapTracker struct {
	obs ports.Observability

	mu      sync.Mutex
	last    map[string]uint64
	missing map[string]uint64
}

func NewGapTracker(obs ports.Observability) *GapTracker {
	if obs == nil {
		obs = ports.NopObservability{}
	}
	return &GapTracker{obs: obs, last: make(map[string]uint64), missing: make(map[string]uint64)}
}

// Observe returns how many samples of s's instrument were skipped since
// the previous one.
func (g *GapTracker) Observe(s *domain.Sample) uint64 {
	g.mu.Lock()
	prev, seen := g.last[s.InstrumentID]
	if s.Seq > prev {
		g.last[s.InstrumentID] = s.Seq
	}
	var gap uint64
	if seen && s.Seq > prev+1 {
		gap = s.Seq - prev - 1
		g.missing[s.InstrumentID] += gap
	}
	g.mu.Unlock()

	if gap > 0 {
		g.obs.IncCounter(ports.MetricSequenceGaps, float64(gap))
		g.obs.LogInfo("sequence gap",
			ports.Field{Key: "instrument", Value: s.InstrumentID},
			ports.Field{Key: "after", Value: prev},
			ports.Field{Key: "missing", Value: gap})
	}
	return gap
}

// Missing is the number of skipped samples per instrument.
func (g *GapTracker) Missing() map[string]uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]uint64, len(g.missing))
	for k, v := range g.missing {
		out[k] = v
	}
	return out
}
