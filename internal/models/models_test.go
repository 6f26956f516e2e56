package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zboralski/armory/internal/armory"
	"github.com/zboralski/armory/internal/emu"
	"github.com/zboralski/armory/internal/emu/emutest"
)

func TestSkipMovesPCPastInstruction(t *testing.T) {
	m := emutest.New()
	m.SetPC(0x100)

	skip := NewSkip()
	require.NoError(t, skip.Apply(m, 0x100, 4, 0))
	assert.Equal(t, uint64(0x104), m.PC())

	assert.Equal(t, armory.InstructionSkip, skip.Kind())
	assert.Equal(t, armory.InstructionPermanent, NewPermanentSkip().Kind())
	assert.Equal(t, 1, skip.ParamCount())
}

func TestOpcodeReplaceWritesSubstitute(t *testing.T) {
	m := emutest.New()
	orig := []byte{0x01, 0x00, 0x05, 0x00} // movi r0, 5
	require.NoError(t, m.WriteMemory(0x10, orig))

	sub := emutest.ReplaceOpcode(func(p *emutest.Program) { p.Nop() })
	rep := NewOpcodeReplace("nop out", [][]byte{sub})
	require.NoError(t, rep.Apply(m, 0x10, 4, 0))

	got, err := m.ReadMemory(0x10, 4)
	require.NoError(t, err)
	assert.Equal(t, sub, got)

	assert.Error(t, rep.Apply(m, 0x10, 4, 1), "out-of-range parameter")
	assert.Error(t, rep.Apply(m, 0x10, 2, 0), "substitute wider than instruction")
}

func TestBitFlip(t *testing.T) {
	m := emutest.New()
	m.WriteRegister(emu.R3, 0b1000)

	flip := NewBitFlip([]emu.Reg{emu.R3}, 32)
	require.NoError(t, flip.Apply(m, emu.R3, 3))
	assert.Equal(t, uint64(0), m.ReadRegister(emu.R3))

	require.NoError(t, flip.Apply(m, emu.R3, 0))
	assert.Equal(t, uint64(1), m.ReadRegister(emu.R3))

	assert.Equal(t, 32, flip.ParamCount())
	assert.Equal(t, armory.RegisterTransient, flip.Kind())
	assert.Equal(t, armory.RegisterPermanent, NewPermanentBitFlip(nil, 32).Kind())
	assert.Error(t, flip.Apply(m, emu.R3, 32))
}

func TestOverwrite(t *testing.T) {
	m := emutest.New()
	m.WriteRegister(emu.R0, 0x1234)

	ow := NewOverwrite("stuck at zero", []emu.Reg{emu.R0}, []uint64{0, 0xFFFF_FFFF})
	require.NoError(t, ow.Apply(m, emu.R0, 0))
	assert.Equal(t, uint64(0), m.ReadRegister(emu.R0))

	require.NoError(t, ow.Apply(m, emu.R0, 1))
	assert.Equal(t, uint64(0xFFFF_FFFF), m.ReadRegister(emu.R0))

	assert.Equal(t, 2, ow.ParamCount())
	assert.Error(t, ow.Apply(m, emu.R0, 2))
}

func TestModelNamesDistinguishPermanence(t *testing.T) {
	assert.NotEqual(t, NewSkip().Name(), NewPermanentSkip().Name())
	assert.NotEqual(t,
		NewBitFlip(nil, 8).Name(),
		NewPermanentBitFlip(nil, 8).Name())
}
