package labflow

import (
	"github.com/JustinD-T/Quantum-Subradience/internal/adapters/opcua"
	"github.com/JustinD-T/Quantum-Subradience/internal/app/config"
	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
	"github.com/JustinD-T/Quantum-Subradience/internal/protocol/scpi"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	InstrumentConfig = config.InstrumentConfig
	SweepConfig      = domain.SweepConfig
	DetectorMode     = domain.DetectorMode
	GaugeConfig      = config.GaugeConfig
	RetryConfig      = config.RetryConfig
	SCPICommands     = scpi.Commands
	OPCUAConfig      = opcua.Config
	OPCUANodeConfig  = opcua.NodeConfig
	// Policy bounds the recorder WAL and queue.
	Policy          = ports.Policy
	RecorderConfig  = config.RecorderConfig
	CSVConfig       = config.CSVConfig
	TimescaleConfig = config.TimescaleConfig
	WALConfig       = config.WALConfig
	NATSConfig      = config.NATSConfig
	LiveConfig      = config.LiveConfig
	MetricsConfig   = config.MetricsConfig
)

// LoadConfig loads YAML from disk, applies defaults and validates it.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// ParseConfig is LoadConfig for YAML already in memory.
func ParseConfig(raw []byte) (*Config, error) {
	return config.Parse(raw)
}
