package armory

import (
	"fmt"

	"github.com/zboralski/armory/internal/emu"
)

// instr is one entry of the instruction universe: an executed address and
// the size of the instruction found there.
type instr struct {
	addr uint64
	size uint32
}

// collectInstructions runs a clone of the base emulator fault-free from the
// start state and records every executed (address, size) pair. The result
// is the deterministic address universe: faults are only placed at these
// positions, which keeps the enumeration finite.
//
// The pre-run ends at a halt address or when the emulator completes on its
// own. Exceeding the cycle cap aborts with ErrPreRunDiverged.
func collectInstructions(base emu.Emulator, ctx *Context) ([]instr, error) {
	clone, err := base.Clone()
	if err != nil {
		return nil, fmt.Errorf("clone for pre-run: %w", err)
	}
	defer clone.Close()

	limit := ctx.maxCycles()
	var out []instr
	diverged := false

	h := clone.HookCode(func(e emu.Emulator, addr uint64, size uint32) {
		if ctx.isHalt(addr) {
			e.Stop()
			return
		}
		if uint64(len(out)) >= limit {
			diverged = true
			e.Stop()
			return
		}
		out = append(out, instr{addr: addr, size: size})
	})
	// An emulator error here is a natural end of execution, the same way
	// a fetch past the last return lands on unmapped memory.
	_ = clone.Run(limit + 1)
	clone.Unhook(h)

	if diverged {
		return nil, fmt.Errorf("pre-run exceeded %d cycles: %w", limit, ErrPreRunDiverged)
	}
	return out, nil
}
