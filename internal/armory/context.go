package armory

import "github.com/zboralski/armory/internal/emu"

// Decision is the exploitability verdict for the current replay.
type Decision int

const (
	Continue Decision = iota
	Exploitable
	NotExploitable
)

func (d Decision) String() string {
	switch d {
	case Exploitable:
		return "exploitable"
	case NotExploitable:
		return "not-exploitable"
	default:
		return "continue"
	}
}

// ExploitabilityModel decides, before each instruction, whether the replay
// has reached an attacker-success state. Implementations may keep per-replay
// state; each worker thread gets a fresh instance from the context factory.
type ExploitabilityModel interface {
	Decide(e emu.Emulator) (Decision, error)
}

// ModelFactory produces a fresh exploitability model for a worker thread.
type ModelFactory func() ExploitabilityModel

// MemoryRange is a half-open address range.
type MemoryRange struct {
	Base uint64
	Size uint64
}

// Contains reports whether addr lies in the range.
func (r MemoryRange) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.Base+r.Size
}

// DefaultMaxCycles bounds the fault-free pre-run.
const DefaultMaxCycles = 1_000_000

// cycleSlack extends the per-replay budget beyond the pre-run length, so
// faulted control flow that runs slightly longer than the fault-free trace
// still reaches its decision point.
const cycleSlack = 128

// Context is the read-only simulation environment shared by all workers.
type Context struct {
	// NewModel creates per-thread exploitability models. Required.
	NewModel ModelFactory

	// Flash and RAM describe the firmware memory map. The simulator does
	// not read them; they are not enforced during replay.
	Flash MemoryRange
	RAM   MemoryRange

	// HaltAddresses maps end-of-execution addresses to an optional symbol
	// name. Reaching one stops the replay.
	HaltAddresses map[uint64]string

	// MaxCycles caps the fault-free pre-run. 0 selects DefaultMaxCycles.
	MaxCycles uint64
}

func (c *Context) maxCycles() uint64 {
	if c.MaxCycles == 0 {
		return DefaultMaxCycles
	}
	return c.MaxCycles
}

func (c *Context) isHalt(addr uint64) bool {
	_, ok := c.HaltAddresses[addr]
	return ok
}
