package domain

import "time"

// Kind tags the capability of an instrument.
type Kind string

const (
	KindSpectrumAnalyzer Kind = "spectrum_analyzer"
	KindPressureGauge    Kind = "pressure_gauge"
	KindOPCUAProbe       Kind = "opcua_probe"
)

func (k Kind) Valid() bool {
	switch k {
	case KindSpectrumAnalyzer, KindPressureGauge, KindOPCUAProbe:
		return true
	}
	return false
}

// Reading is one value returned by a driver for a single measurement.
// Channel is the frequency bin for analyzers and 0 for scalar instruments.
type Reading struct {
	Channel   int
	Value     float64
	Frequency float64
	Unit      string
}

// Sample is the canonical unit of measurement data flowing through labflow.
type Sample struct {
	InstrumentID string    `json:"instrument_id"`
	Kind         Kind      `json:"kind"`
	Timestamp    time.Time `json:"ts"`
	Seq          uint64    `json:"seq"`
	Sweep        uint64    `json:"sweep"`
	Channel      int       `json:"channel"`
	Value        float64   `json:"value"`
	Frequency    float64   `json:"freq_hz,omitempty"`
	Unit         string    `json:"unit,omitempty"`
	TransformVer uint16    `json:"transform_ver"`
}
