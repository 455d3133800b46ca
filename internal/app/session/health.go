package session

import (
	"fmt"
	"sort"
	"time"

	"github.com/JustinD-T/Quantum-Subradience/internal/app/bus"
	"github.com/JustinD-T/Quantum-Subradience/internal/app/scheduler"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

type FaultedInstrument struct {
	ID        string `json:"id"`
	ErrorKind string `json:"error_kind"`
	Error     string `json:"error"`
}

// HealthReport is a point-in-time view of a session.
type HealthReport struct {
	SessionID   string              `json:"session_id"`
	Name        string              `json:"name"`
	State       State               `json:"state"`
	Status      string              `json:"status"`
	Message     string              `json:"message"`
	Timestamp   time.Time           `json:"timestamp"`
	Uptime      time.Duration       `json:"uptime_ns"`
	Instruments []scheduler.Status  `json:"instruments"`
	Faulted     []FaultedInstrument `json:"faulted,omitempty"`
	Bus         bus.Stats           `json:"bus"`
}

func (r HealthReport) Healthy() bool { return r.Status == StatusHealthy }

// Health aggregates the instrument states. The session is degraded while
// some instruments are faulted and unhealthy once none is acquiring or the
// session is no longer running.
func (s *Session) Health() HealthReport {
	s.mu.Lock()
	state := s.state
	scheds := make([]*scheduler.Scheduler, 0, len(s.instruments))
	for _, m := range s.instruments {
		if m.sched != nil {
			scheds = append(scheds, m.sched)
		}
	}
	s.mu.Unlock()

	now := time.Now()
	r := HealthReport{
		SessionID: s.id,
		Name:      s.name,
		State:     state,
		Timestamp: now,
		Uptime:    now.Sub(s.started),
		Bus:       s.bus.Stats(),
	}
	for _, sc := range scheds {
		st := sc.Status()
		r.Instruments = append(r.Instruments, st)
		if st.State == scheduler.StateFaulted {
			r.Faulted = append(r.Faulted, FaultedInstrument{ID: st.ID, ErrorKind: st.ErrorKind, Error: st.LastError})
		}
	}
	sort.Slice(r.Instruments, func(i, j int) bool { return r.Instruments[i].ID < r.Instruments[j].ID })
	sort.Slice(r.Faulted, func(i, j int) bool { return r.Faulted[i].ID < r.Faulted[j].ID })

	acquiring := len(r.Instruments) - len(r.Faulted)
	switch {
	case state != StateRunning && state != StateFaulted:
		r.Status, r.Message = StatusUnhealthy, fmt.Sprintf("session %s", state)
	case len(r.Faulted) == 0:
		r.Status, r.Message = StatusHealthy, fmt.Sprintf("%d instruments acquiring", acquiring)
	case acquiring > 0:
		r.Status, r.Message = StatusDegraded, fmt.Sprintf("%d of %d instruments faulted", len(r.Faulted), len(r.Instruments))
	default:
		r.Status, r.Message = StatusUnhealthy, "all instruments faulted"
	}
	return r
}
