package ports

import "github.com/JustinD-T/Quantum-Subradience/internal/domain"

// SamplePublisher accepts samples without blocking the caller.
type SamplePublisher interface {
	Publish(s *domain.Sample)
}
