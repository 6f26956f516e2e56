// Package oracle provides exploitability models: the decision functions
// evaluated before every instruction of a faulted replay.
package oracle

import (
	"github.com/zboralski/armory/internal/armory"
	"github.com/zboralski/armory/internal/emu"
)

// PCReached fires Exploitable when the program counter reaches a target
// address, typically the entry of a code path the firmware's checks are
// supposed to make unreachable.
type PCReached struct {
	target uint64
}

// NewPCReached returns a PC-reached model for the given address.
func NewPCReached(target uint64) *PCReached {
	return &PCReached{target: target}
}

// Decide implements armory.ExploitabilityModel.
func (o *PCReached) Decide(e emu.Emulator) (armory.Decision, error) {
	if e.PC() == o.target {
		return armory.Exploitable, nil
	}
	return armory.Continue, nil
}

// PCReachedFactory returns a per-thread factory for PCReached. The model is
// stateless, but workers get their own instance anyway.
func PCReachedFactory(target uint64) armory.ModelFactory {
	return func() armory.ExploitabilityModel {
		return NewPCReached(target)
	}
}
