package models

import (
	"fmt"

	"github.com/zboralski/armory/internal/armory"
	"github.com/zboralski/armory/internal/emu"
)

// BitFlip flips a single bit of a target register. The parameter selects
// the bit position.
type BitFlip struct {
	regs      []emu.Reg
	bits      int
	permanent bool
}

// NewBitFlip returns a transient bit-flip model over the given registers
// and bit width.
func NewBitFlip(regs []emu.Reg, bits int) *BitFlip {
	return &BitFlip{regs: regs, bits: bits}
}

// NewPermanentBitFlip returns a model that re-flips the bit after every
// write to the register until rollback.
func NewPermanentBitFlip(regs []emu.Reg, bits int) *BitFlip {
	return &BitFlip{regs: regs, bits: bits, permanent: true}
}

func (m *BitFlip) Name() string {
	if m.permanent {
		return "permanent register bit flip"
	}
	return "register bit flip"
}

func (m *BitFlip) Kind() armory.Kind {
	if m.permanent {
		return armory.RegisterPermanent
	}
	return armory.RegisterTransient
}

func (m *BitFlip) ParamCount() int            { return m.bits }
func (m *BitFlip) ParamInfo(param int) string { return fmt.Sprintf("bit %d", param) }
func (m *BitFlip) Registers() []emu.Reg       { return m.regs }

func (m *BitFlip) Apply(e emu.Emulator, reg emu.Reg, param int) error {
	if param < 0 || param >= m.bits {
		return fmt.Errorf("bit parameter %d out of range", param)
	}
	e.WriteRegister(reg, e.ReadRegister(reg)^(1<<param))
	return nil
}

// Overwrite forces a target register to one of a fixed set of values, e.g.
// stuck-at-zero or stuck-at-ones. The parameter selects the value.
type Overwrite struct {
	name      string
	regs      []emu.Reg
	values    []uint64
	permanent bool
}

// NewOverwrite returns a transient register-overwrite model.
func NewOverwrite(name string, regs []emu.Reg, values []uint64) *Overwrite {
	return &Overwrite{name: name, regs: regs, values: values}
}

// NewPermanentOverwrite returns a model that re-applies the overwrite after
// every write to the register until rollback.
func NewPermanentOverwrite(name string, regs []emu.Reg, values []uint64) *Overwrite {
	return &Overwrite{name: name, regs: regs, values: values, permanent: true}
}

func (m *Overwrite) Name() string { return m.name }

func (m *Overwrite) Kind() armory.Kind {
	if m.permanent {
		return armory.RegisterPermanent
	}
	return armory.RegisterTransient
}

func (m *Overwrite) ParamCount() int { return len(m.values) }

func (m *Overwrite) ParamInfo(param int) string {
	if param < 0 || param >= len(m.values) {
		return "?"
	}
	return fmt.Sprintf("value 0x%x", m.values[param])
}

func (m *Overwrite) Registers() []emu.Reg { return m.regs }

func (m *Overwrite) Apply(e emu.Emulator, reg emu.Reg, param int) error {
	if param < 0 || param >= len(m.values) {
		return fmt.Errorf("value parameter %d out of range", param)
	}
	e.WriteRegister(reg, m.values[param])
	return nil
}
