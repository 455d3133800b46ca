package ports

import (
	"context"
	"time"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
)

// Driver translates domain operations into instrument protocol exchanges.
type Driver interface {
	ID() string
	Kind() domain.Kind
	Configure(ctx context.Context) error
	Measure(ctx context.Context) ([]domain.Reading, error)
	// MinCycle is the shortest interval allowed between two measurement
	// starts, e.g. the sweep time of an analyzer.
	MinCycle() time.Duration
	Close() error
}

// Integrator is implemented by drivers whose readings integrate over a
// physical dwell time per channel.
type Integrator interface {
	IntegrationTime() time.Duration
}
