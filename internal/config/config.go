// Package config loads fault-injection campaign configuration from YAML.
//
// A campaign names the firmware memory map, the entry point, the halt
// addresses, the exploitability oracle and the fault models to combine.
// Addresses may be numeric literals or ELF symbol names resolved against
// the loaded binary.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zboralski/armory/internal/armory"
	"github.com/zboralski/armory/internal/emu"
	"github.com/zboralski/armory/internal/models"
)

// Value is an address literal ("0x8000", "1234") or a symbol name.
type Value string

// Resolve turns the value into an address, consulting the symbol table for
// non-numeric values.
func (v Value) Resolve(symbols map[string]uint64) (uint64, error) {
	s := strings.TrimSpace(string(v))
	if s == "" {
		return 0, fmt.Errorf("empty address")
	}
	if n, err := strconv.ParseUint(s, 0, 64); err == nil {
		return n, nil
	}
	if addr, ok := symbols[s]; ok {
		// Thumb symbols carry the mode bit.
		return addr &^ 1, nil
	}
	return 0, fmt.Errorf("unknown symbol %q", s)
}

// Range is a memory range.
type Range struct {
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

// Model describes one fault model entry of the campaign.
type Model struct {
	Kind      string   `yaml:"kind"` // skip, replace, bitflip, overwrite
	Count     int      `yaml:"count"`
	Permanent bool     `yaml:"permanent"`
	Registers []string `yaml:"registers"`
	Bits      int      `yaml:"bits"`
	Opcodes   []string `yaml:"opcodes"` // hex-encoded substitutes
	Values    []uint64 `yaml:"values"`
}

// Config is a fault-injection campaign.
type Config struct {
	Arch         string  `yaml:"arch"`
	Binary       string  `yaml:"binary"`
	Flash        Range   `yaml:"flash"`
	RAM          Range   `yaml:"ram"`
	Entry        Value   `yaml:"entry"`
	Halts        []Value `yaml:"halts"`
	Exploit      Value   `yaml:"exploit"`
	OracleScript string  `yaml:"oracle_script"`
	Threads      int     `yaml:"threads"`
	MaxFaults    int     `yaml:"max_faults"`
	MaxCycles    uint64  `yaml:"max_cycles"`
	Models       []Model `yaml:"models"`
}

// Load reads and parses a campaign file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("config has no fault models")
	}
	return &cfg, nil
}

// BuildModels instantiates the configured fault models from the catalog.
func (c *Config) BuildModels() ([]armory.ModelCount, error) {
	var out []armory.ModelCount
	for i, m := range c.Models {
		count := m.Count
		if count == 0 {
			count = 1
		}
		model, err := buildModel(m)
		if err != nil {
			return nil, fmt.Errorf("model %d: %w", i, err)
		}
		out = append(out, armory.ModelCount{Model: model, Count: count})
	}
	return out, nil
}

func buildModel(m Model) (armory.FaultModel, error) {
	switch m.Kind {
	case "skip":
		if m.Permanent {
			return models.NewPermanentSkip(), nil
		}
		return models.NewSkip(), nil

	case "replace":
		if len(m.Opcodes) == 0 {
			return nil, fmt.Errorf("replace model needs opcodes")
		}
		ops := make([][]byte, len(m.Opcodes))
		for i, s := range m.Opcodes {
			b, err := hex.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("opcode %q: %w", s, err)
			}
			ops[i] = b
		}
		name := fmt.Sprintf("opcode replace (%d substitutes)", len(ops))
		if m.Permanent {
			return models.NewPermanentOpcodeReplace("permanent "+name, ops), nil
		}
		return models.NewOpcodeReplace(name, ops), nil

	case "bitflip":
		regs, err := parseRegs(m.Registers)
		if err != nil {
			return nil, err
		}
		bits := m.Bits
		if bits == 0 {
			bits = 32
		}
		if m.Permanent {
			return models.NewPermanentBitFlip(regs, bits), nil
		}
		return models.NewBitFlip(regs, bits), nil

	case "overwrite":
		regs, err := parseRegs(m.Registers)
		if err != nil {
			return nil, err
		}
		if len(m.Values) == 0 {
			return nil, fmt.Errorf("overwrite model needs values")
		}
		name := fmt.Sprintf("register overwrite (%d values)", len(m.Values))
		if m.Permanent {
			return models.NewPermanentOverwrite("permanent "+name, regs, m.Values), nil
		}
		return models.NewOverwrite(name, regs, m.Values), nil
	}
	return nil, fmt.Errorf("unknown model kind %q", m.Kind)
}

func parseRegs(names []string) ([]emu.Reg, error) {
	if len(names) == 0 {
		return emu.GPRegs(), nil
	}
	regs := make([]emu.Reg, len(names))
	for i, n := range names {
		r, ok := emu.ParseReg(strings.ToLower(n))
		if !ok {
			return nil, fmt.Errorf("unknown register %q", n)
		}
		regs[i] = r
	}
	return regs, nil
}
