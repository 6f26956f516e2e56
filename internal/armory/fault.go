package armory

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/zboralski/armory/internal/emu"
)

// Fault is a single concrete injection: a fault model instantiated with a
// parameter at a point in time and space. Instruction faults carry the
// instruction size, register faults the target register.
type Fault struct {
	Kind  Kind
	Model int    // index into the simulator's model table
	Param int    // index into the model's parameter space
	Time  uint32 // instruction counter at injection
	Addr  uint64

	InstrSize uint32  // instruction kinds only
	Register  emu.Reg // register kinds only
}

// Key is the time-independent identity of a fault, used for fingerprints
// and redundancy checks.
type Key struct {
	Model  int
	Param  int
	Addr   uint64
	Target uint32 // instruction size or register number
}

// Key returns the fault's time-independent identity.
func (f Fault) Key() Key {
	target := f.InstrSize
	if !f.Kind.IsInstruction() {
		target = uint32(f.Register)
	}
	return Key{Model: f.Model, Param: f.Param, Addr: f.Addr, Target: target}
}

func (f Fault) String() string {
	if f.Kind.IsInstruction() {
		return fmt.Sprintf("%s@0x%x t=%d p=%d", f.Kind, f.Addr, f.Time, f.Param)
	}
	return fmt.Sprintf("%s(%s)@0x%x t=%d p=%d", f.Kind, f.Register, f.Addr, f.Time, f.Param)
}

func keyLess(a, b Key) bool {
	if a.Model != b.Model {
		return a.Model < b.Model
	}
	if a.Param != b.Param {
		return a.Param < b.Param
	}
	if a.Addr != b.Addr {
		return a.Addr < b.Addr
	}
	return a.Target < b.Target
}

// FaultCombination is a chain of faults injected into one replay, ordered
// by strictly increasing injection time.
type FaultCombination struct {
	Faults []Fault
}

// with returns a new combination extended by f. The receiver is not
// modified; chains are shared across recursion levels.
func (c FaultCombination) with(f Fault) FaultCombination {
	faults := make([]Fault, len(c.Faults)+1)
	copy(faults, c.Faults)
	faults[len(c.Faults)] = f
	return FaultCombination{Faults: faults}
}

// Len returns the number of faults in the chain.
func (c FaultCombination) Len() int { return len(c.Faults) }

func (c FaultCombination) sortedKeys() []Key {
	keys := make([]Key, len(c.Faults))
	for i, f := range c.Faults {
		keys[i] = f.Key()
	}
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
	return keys
}

// Fingerprint returns the canonical time-independent hash of the chain.
func (c FaultCombination) Fingerprint() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	write := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	for _, k := range c.sortedKeys() {
		write(uint64(k.Model))
		write(uint64(k.Param))
		write(k.Addr)
		write(uint64(k.Target))
	}
	return h.Sum64()
}

// ContainsAll reports whether sub's faults form a sub-multiset of c's,
// compared by time-independent key.
func (c FaultCombination) ContainsAll(sub FaultCombination) bool {
	if sub.Len() > c.Len() {
		return false
	}
	have := c.sortedKeys()
	want := sub.sortedKeys()
	i := 0
	for _, k := range want {
		for i < len(have) && keyLess(have[i], k) {
			i++
		}
		if i == len(have) || have[i] != k {
			return false
		}
		i++
	}
	return true
}

// modelMultiset returns the sorted model indices of the chain.
func (c FaultCombination) modelMultiset() []int {
	ms := make([]int, len(c.Faults))
	for i, f := range c.Faults {
		ms[i] = f.Model
	}
	sort.Ints(ms)
	return ms
}

func (c FaultCombination) String() string {
	s := "{"
	for i, f := range c.Faults {
		if i > 0 {
			s += ", "
		}
		s += f.String()
	}
	return s + "}"
}
