package ports

import "github.com/JustinD-T/Quantum-Subradience/internal/domain"

type Transformer interface {
	Transform(*domain.Sample) (*domain.Sample, error)
	Version() uint16
}
