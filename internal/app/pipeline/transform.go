package pipeline

import (
	"fmt"
	"math"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
)

type NoopTransformer struct{}

func (NoopTransformer) Transform(s *domain.Sample) (*domain.Sample, error) { return s, nil }
func (NoopTransformer) Version() uint16                                    { return 1 }

// Tagger fills in units the driver left empty and rejects samples that no
// sink can store.
type Tagger struct {
	version uint16
	units   map[string]string
}

// NewTagger builds a Tagger. units maps instrument ids to the unit stamped
// on their samples when the sample carries none.
func NewTagger(version uint16, units map[string]string) *Tagger {
	if version == 0 {
		version = 1
	}
	return &Tagger{version: version, units: units}
}

func (t *Tagger) Transform(s *domain.Sample) (*domain.Sample, error) {
	if s.InstrumentID == "" {
		return nil, fmt.Errorf("sample without instrument id (seq %d)", s.Seq)
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return nil, fmt.Errorf("%s seq %d: non-finite value", s.InstrumentID, s.Seq)
	}
	if s.Unit == "" {
		if u, ok := t.units[s.InstrumentID]; ok {
			out := *s
			out.Unit = u
			return &out, nil
		}
	}
	return s, nil
}

func (t *Tagger) Version() uint16 { return t.version }

var (
	_ ports.Transformer = NoopTransformer{}
	_ ports.Transformer = (*Tagger)(nil)
)
