package armory

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zboralski/armory/internal/emu"
)

func skipAt(time uint32, addr uint64) Fault {
	return Fault{Kind: InstructionSkip, Model: 0, Param: 0, Time: time, Addr: addr, InstrSize: 4}
}

func flipAt(time uint32, addr uint64, reg emu.Reg, bit int) Fault {
	return Fault{Kind: RegisterTransient, Model: 1, Param: bit, Time: time, Addr: addr, Register: reg}
}

func TestFingerprintTimeIndependent(t *testing.T) {
	a := FaultCombination{Faults: []Fault{skipAt(3, 0x100), flipAt(7, 0x200, emu.R0, 5)}}
	b := FaultCombination{Faults: []Fault{skipAt(9, 0x100), flipAt(12, 0x200, emu.R0, 5)}}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint(),
		"fingerprint must not depend on injection times")
}

func TestFingerprintOrderIndependent(t *testing.T) {
	a := FaultCombination{Faults: []Fault{skipAt(1, 0x100), skipAt(2, 0x200)}}
	b := FaultCombination{Faults: []Fault{skipAt(1, 0x200), skipAt(2, 0x100)}}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestFingerprintDistinguishesShape(t *testing.T) {
	a := FaultCombination{Faults: []Fault{skipAt(1, 0x100)}}
	b := FaultCombination{Faults: []Fault{skipAt(1, 0x104)}}
	c := FaultCombination{Faults: []Fault{flipAt(1, 0x100, emu.R0, 0)}}
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestContainsAll(t *testing.T) {
	chain := FaultCombination{Faults: []Fault{
		skipAt(1, 0x100), skipAt(2, 0x200), flipAt(3, 0x300, emu.R1, 4),
	}}
	sub := FaultCombination{Faults: []Fault{skipAt(9, 0x200)}}
	assert.True(t, chain.ContainsAll(sub), "subset check is time-independent")

	other := FaultCombination{Faults: []Fault{skipAt(1, 0x400)}}
	assert.False(t, chain.ContainsAll(other))

	// Multiset semantics: two identical skips are not contained in one.
	double := FaultCombination{Faults: []Fault{skipAt(1, 0x200), skipAt(2, 0x200)}}
	assert.False(t, chain.ContainsAll(double))
	assert.True(t, double.ContainsAll(sub))
}

func TestWithDoesNotMutate(t *testing.T) {
	base := FaultCombination{Faults: []Fault{skipAt(1, 0x100)}}
	ext := base.with(skipAt(2, 0x200))
	assert.Equal(t, 1, base.Len())
	assert.Equal(t, 2, ext.Len())

	// Extending the base again must not alias the first extension.
	ext2 := base.with(skipAt(3, 0x300))
	assert.Equal(t, uint64(0x200), ext.Faults[1].Addr)
	assert.Equal(t, uint64(0x300), ext2.Faults[1].Addr)
}
