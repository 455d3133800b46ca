package domain

import (
	"fmt"
	"strings"
	"time"
)

type DetectorMode string

const (
	DetectorMax     DetectorMode = "max"
	DetectorAverage DetectorMode = "average"
)

// Hardware limits shared by the supported analyzers. Per-model limits can be
// tightened by the driver's SYST:ERR? check during Configure.
const (
	MinIntegration = time.Microsecond
	MaxSweepTime   = 16000 * time.Second
	MaxPoints      = 100_001
)

// SweepConfig parameterizes one spectrum analyzer sweep. It must not change
// while a sweep is in flight.
type SweepConfig struct {
	Center    float64       `yaml:"center"`
	Span      float64       `yaml:"span"`
	Points    int           `yaml:"points"`
	SweepTime time.Duration `yaml:"sweep_time"`
	Detector  DetectorMode  `yaml:"detector"`
}

// IntegrationTime is the dwell time of a single frequency bin.
func (c SweepConfig) IntegrationTime() time.Duration {
	if c.Points <= 0 {
		return 0
	}
	return c.SweepTime / time.Duration(c.Points)
}

func (c *SweepConfig) ApplyDefaults() {
	if c.Detector == "" {
		c.Detector = DetectorMax
	}
	c.Detector = DetectorMode(strings.ToLower(string(c.Detector)))
}

func (c SweepConfig) Validate() error {
	if c.Points <= 0 || c.Points > MaxPoints {
		return fmt.Errorf("points must be in (0, %d], got %d", MaxPoints, c.Points)
	}
	if c.SweepTime <= 0 || c.SweepTime > MaxSweepTime {
		return fmt.Errorf("sweep_time must be in (0, %s], got %s", MaxSweepTime, c.SweepTime)
	}
	if c.Span < 0 {
		return fmt.Errorf("span must be >= 0, got %g", c.Span)
	}
	if it := c.IntegrationTime(); it < MinIntegration {
		return fmt.Errorf("integration time %s below hardware minimum %s", it, MinIntegration)
	}
	switch c.Detector {
	case DetectorMax, DetectorAverage:
	default:
		return fmt.Errorf("unknown detector mode %q", c.Detector)
	}
	return nil
}
