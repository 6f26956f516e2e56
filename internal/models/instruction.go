// Package models provides the built-in fault model catalog: instruction
// skips, opcode replacements and register corruptions, each in transient
// and permanent flavors.
package models

import (
	"fmt"

	"github.com/zboralski/armory/internal/armory"
	"github.com/zboralski/armory/internal/emu"
)

// Skip advances PC past the targeted instruction without executing it.
type Skip struct {
	permanent bool
}

// NewSkip returns a transient instruction-skip model.
func NewSkip() *Skip { return &Skip{} }

// NewPermanentSkip returns a model that keeps skipping the targeted
// instruction on every visit until rollback.
func NewPermanentSkip() *Skip { return &Skip{permanent: true} }

func (m *Skip) Name() string {
	if m.permanent {
		return "permanent instruction skip"
	}
	return "instruction skip"
}

func (m *Skip) Kind() armory.Kind {
	if m.permanent {
		return armory.InstructionPermanent
	}
	return armory.InstructionSkip
}

func (m *Skip) ParamCount() int            { return 1 }
func (m *Skip) ParamInfo(param int) string { return "skip" }

func (m *Skip) Apply(e emu.Emulator, addr uint64, size uint32, param int) error {
	e.SetPC(addr + uint64(size))
	return nil
}

// OpcodeReplace substitutes the targeted instruction with one of a fixed
// set of opcodes. The parameter selects the substitute.
type OpcodeReplace struct {
	name      string
	opcodes   [][]byte
	permanent bool
}

// NewOpcodeReplace returns a transient opcode-replacement model.
func NewOpcodeReplace(name string, opcodes [][]byte) *OpcodeReplace {
	return &OpcodeReplace{name: name, opcodes: opcodes}
}

// NewPermanentOpcodeReplace returns a model that sticks the substitute
// opcode at the targeted address until rollback.
func NewPermanentOpcodeReplace(name string, opcodes [][]byte) *OpcodeReplace {
	return &OpcodeReplace{name: name, opcodes: opcodes, permanent: true}
}

func (m *OpcodeReplace) Name() string { return m.name }

func (m *OpcodeReplace) Kind() armory.Kind {
	if m.permanent {
		return armory.InstructionPermanent
	}
	return armory.InstructionReplace
}

func (m *OpcodeReplace) ParamCount() int { return len(m.opcodes) }

func (m *OpcodeReplace) ParamInfo(param int) string {
	if param < 0 || param >= len(m.opcodes) {
		return "?"
	}
	return fmt.Sprintf("opcode %x", m.opcodes[param])
}

func (m *OpcodeReplace) Apply(e emu.Emulator, addr uint64, size uint32, param int) error {
	if param < 0 || param >= len(m.opcodes) {
		return fmt.Errorf("opcode parameter %d out of range", param)
	}
	op := m.opcodes[param]
	if uint32(len(op)) > size {
		return fmt.Errorf("substitute opcode wider than %d-byte instruction", size)
	}
	return e.WriteMemory(addr, op)
}
