package armory

import "github.com/zboralski/armory/internal/emu"

// memDelta records bytes about to be overwritten, for copy-before-write
// rollback.
type memDelta struct {
	addr uint64
	old  []byte
}

// Snapshot captures the delta of emulator state since the previous snapshot
// on the same stack: a full register file (cheap), the cycle counter, a
// journal of overwritten memory, and any hooks installed inside the scope.
// Lifetimes are strictly nested; at recursion depth d a thread's stack holds
// exactly d snapshots.
type Snapshot struct {
	regs    [emu.NumRegs]uint64
	cycles  uint64
	journal []memDelta
	hooks   []emu.Handle
}

// push captures the current register file and cycle counter and makes the
// new snapshot the journaling target for subsequent writes.
func (tc *ThreadContext) push() *Snapshot {
	s := &Snapshot{cycles: tc.emu.Cycles()}
	for r := emu.Reg(0); r < emu.NumRegs; r++ {
		s.regs[r] = tc.emu.ReadRegister(r)
	}
	tc.snapshots = append(tc.snapshots, s)
	return s
}

// pop restores the topmost snapshot: uninstalls scoped hooks, replays the
// memory journal in reverse, and restores registers and cycle count.
func (tc *ThreadContext) pop() {
	n := len(tc.snapshots)
	s := tc.snapshots[n-1]
	tc.snapshots = tc.snapshots[:n-1]

	for _, h := range s.hooks {
		tc.emu.Unhook(h)
	}
	for i := len(s.journal) - 1; i >= 0; i-- {
		d := s.journal[i]
		// Restore bypasses journaling; the snapshot is already gone.
		_ = tc.emu.WriteMemory(d.addr, d.old)
	}
	for r := emu.Reg(0); r < emu.NumRegs; r++ {
		tc.emu.WriteRegister(r, s.regs[r])
	}
	tc.emu.SetCycles(s.cycles)
}

// journalMem records the current content of [addr, addr+size) into the
// topmost snapshot. No-op outside any snapshot scope.
func (tc *ThreadContext) journalMem(addr uint64, size int) {
	if len(tc.snapshots) == 0 {
		return
	}
	old, err := tc.emu.ReadMemory(addr, size)
	if err != nil {
		return
	}
	top := tc.snapshots[len(tc.snapshots)-1]
	top.journal = append(top.journal, memDelta{addr: addr, old: old})
}

// adoptHook ties an installed hook's lifetime to the topmost snapshot.
func (tc *ThreadContext) adoptHook(h emu.Handle) {
	top := tc.snapshots[len(tc.snapshots)-1]
	top.hooks = append(top.hooks, h)
}

// journalEmu is the emulator handed to fault models: writes are journaled
// into the owning thread's topmost snapshot so rollback undoes them.
type journalEmu struct {
	emu.Emulator
	tc *ThreadContext
}

func (j journalEmu) WriteMemory(addr uint64, data []byte) error {
	j.tc.journalMem(addr, len(data))
	return j.Emulator.WriteMemory(addr, data)
}
