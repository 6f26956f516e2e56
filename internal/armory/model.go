package armory

import "github.com/zboralski/armory/internal/emu"

// Kind classifies a fault model.
type Kind int

const (
	InstructionSkip Kind = iota
	InstructionReplace
	InstructionPermanent
	RegisterTransient
	RegisterPermanent
)

var kindNames = [...]string{
	"instruction-skip",
	"instruction-replace",
	"instruction-permanent",
	"register-transient",
	"register-permanent",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// IsInstruction reports whether the kind faults the instruction stream.
func (k Kind) IsInstruction() bool {
	return k == InstructionSkip || k == InstructionReplace || k == InstructionPermanent
}

// IsPermanent reports whether the fault persists until rollback.
func (k Kind) IsPermanent() bool {
	return k == InstructionPermanent || k == RegisterPermanent
}

// FaultModel describes a class of physical faults. Models are immutable
// after construction and shared across worker threads. The parameter space
// is finite; parameters are addressed by index.
type FaultModel interface {
	Name() string
	Kind() Kind
	ParamCount() int
	// ParamInfo describes a parameter for reporting.
	ParamInfo(param int) string
}

// InstructionModel faults the instruction pending at an address: skipping
// it, substituting its opcode, or sticking it permanently.
type InstructionModel interface {
	FaultModel
	// Apply mutates emulator state so that the pending instruction at
	// addr is faulted. For permanent kinds the simulator calls Apply from
	// a persistent hook on every visit of the site.
	Apply(e emu.Emulator, addr uint64, size uint32, param int) error
}

// RegisterModel corrupts a register value, once or on every write.
type RegisterModel interface {
	FaultModel
	// Registers is the set of target registers to attack.
	Registers() []emu.Reg
	// Apply overwrites reg with a corrupted value selected by the
	// parameter, possibly derived from the register's current content.
	Apply(e emu.Emulator, reg emu.Reg, param int) error
}

// ModelCount pairs a fault model with the number of simultaneous instances
// to test. Every model must appear only once in a SimulateFaults call; use
// the count to attack with multiple instances of the same model.
type ModelCount struct {
	Model FaultModel
	Count int
}
