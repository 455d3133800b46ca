package ports

import "github.com/JustinD-T/Quantum-Subradience/internal/domain"

type Sink interface {
	WriteBatch(samples []*domain.Sample) error
	Name() string
}
