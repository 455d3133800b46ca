// Package sim provides in-process instrument simulators that satisfy
// ports.Transport. They back the sim:// transport descriptors and the
// driver and scheduler tests.
package sim

import (
	"fmt"
	"sync"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
)

// Fault is a failure injected into the next measurement exchange.
type Fault int

const (
	FaultNone Fault = iota
	// FaultTimeout makes the data query time out.
	FaultTimeout
	// FaultMalformed makes the instrument answer "ERR".
	FaultMalformed
	// FaultStale makes the sweep never complete and freezes the sweep counter.
	FaultStale
	// FaultDisconnect drops the link during the data query.
	FaultDisconnect
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultTimeout:
		return "timeout"
	case FaultMalformed:
		return "malformed"
	case FaultStale:
		return "stale"
	case FaultDisconnect:
		return "disconnect"
	}
	return fmt.Sprintf("fault(%d)", int(f))
}

// faultQueue hands out injected faults one measurement at a time.
type faultQueue struct {
	mu     sync.Mutex
	faults []Fault
}

func (q *faultQueue) push(f ...Fault) {
	q.mu.Lock()
	q.faults = append(q.faults, f...)
	q.mu.Unlock()
}

func (q *faultQueue) pop() Fault {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.faults) == 0 {
		return FaultNone
	}
	f := q.faults[0]
	q.faults = q.faults[1:]
	return f
}

func timeoutErr(name string, cmd []byte) error {
	return fmt.Errorf("%s: query %q: %w", name, cmd, domain.ErrTransportTimeout)
}

func disconnectedErr(name string) error {
	return fmt.Errorf("%s: %w", name, domain.ErrTransportDisconnected)
}
