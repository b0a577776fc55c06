// Package bootcfg carries the kernel's boot-time configuration: simulated
// CPU topology, memory layout, and the feature-disabling command-line
// keywords spec.md §6 recognises. Configuration arrives either as a YAML
// document (the simulation harness's analogue of a bootloader-provided
// structure) or as a flat command-line string of keywords.
package bootcfg

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the resolved boot configuration.
type Config struct {
	// CPUs is the number of simulated CPUs. Defaults to 1.
	CPUs int `yaml:"cpus"`

	// MemoryMB sizes the simulated machine's physical memory.
	MemoryMB int `yaml:"memory_mb"`

	// GSIs is the number of shared interrupt lines the platform exposes.
	GSIs int `yaml:"gsis"`

	// CmdLine is the raw command line; keywords found in it are folded
	// into the boolean fields below on Load.
	CmdLine string `yaml:"cmdline"`

	// Feature-disabling keywords, spec.md §6: each maps to one boolean.
	Insecure bool `yaml:"insecure"`
	NoCCST   bool `yaml:"noccst"`
	NoDL     bool `yaml:"nodl"`
	NoPCID   bool `yaml:"nopcid"`
	NoSMMU   bool `yaml:"nosmmu"`
	NoUART   bool `yaml:"nouart"`
	NoVPID   bool `yaml:"novpid"`
}

// Default returns the configuration used when no document is supplied.
func Default() *Config {
	return &Config{CPUs: 1, MemoryMB: 64, GSIs: 64}
}

// Load parses a YAML document into a Config, applies defaults for unset
// fields, and folds any command-line keywords into their booleans.
func Load(data []byte) (*Config, error) {
	cfg := Default()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("bootcfg: %w", err)
		}
	}
	if cfg.CPUs < 1 {
		cfg.CPUs = 1
	}
	if cfg.MemoryMB < 1 {
		cfg.MemoryMB = 64
	}
	if cfg.GSIs < 1 {
		cfg.GSIs = 64
	}
	cfg.ApplyCmdLine(cfg.CmdLine)
	return cfg, nil
}

// ApplyCmdLine folds the recognised keywords found in line into cfg.
// Unrecognised words are ignored, matching the original's tolerant
// command-line scan.
func (cfg *Config) ApplyCmdLine(line string) {
	for _, word := range strings.Fields(line) {
		switch word {
		case "insecure":
			cfg.Insecure = true
		case "noccst":
			cfg.NoCCST = true
		case "nodl":
			cfg.NoDL = true
		case "nopcid":
			cfg.NoPCID = true
		case "nosmmu":
			cfg.NoSMMU = true
		case "nouart":
			cfg.NoUART = true
		case "novpid":
			cfg.NoVPID = true
		}
	}
}
