// Package unicornemu implements emu.Emulator on Unicorn Engine for
// ARM/Thumb firmware.
package unicornemu

import (
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/zboralski/armory/internal/emu"
)

// ucRegs maps emu registers to Unicorn register ids.
var ucRegs = [emu.NumRegs]int{
	uc.ARM_REG_R0, uc.ARM_REG_R1, uc.ARM_REG_R2, uc.ARM_REG_R3,
	uc.ARM_REG_R4, uc.ARM_REG_R5, uc.ARM_REG_R6, uc.ARM_REG_R7,
	uc.ARM_REG_R8, uc.ARM_REG_R9, uc.ARM_REG_R10, uc.ARM_REG_R11,
	uc.ARM_REG_R12, uc.ARM_REG_SP, uc.ARM_REG_LR, uc.ARM_REG_PC,
	uc.ARM_REG_CPSR,
}

// runStopAddr is an until-address outside the 32-bit space, so emulation
// only ends through hooks or the instruction count.
const runStopAddr = uint64(1) << 48

type region struct {
	base uint64
	size uint64
}

type codeEntry struct {
	h  emu.Handle
	fn emu.CodeHook
}

type addrEntry struct {
	h    emu.Handle
	addr uint64
	fn   emu.AddressHook
}

type regEntry struct {
	h   emu.Handle
	reg emu.Reg
	fn  emu.RegWriteHook
}

type memEntry struct {
	h  emu.Handle
	fn emu.MemWriteHook
}

// Emulator wraps Unicorn for ARM Thumb emulation.
type Emulator struct {
	mu      uc.Unicorn
	regions []region

	cycles     uint64
	stopped    bool
	redirected bool

	nextHandle emu.Handle
	codeHooks  []codeEntry
	addrHooks  []addrEntry
	regHooks   []regEntry
	memHooks   []memEntry

	// previous r0-r12 values, for register-write detection
	prevRegs [13]uint64
}

// New creates an ARM Thumb emulator with no memory mapped. Callers map
// flash and RAM and load firmware before running.
func New() (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM, uc.MODE_THUMB)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}
	e := &Emulator{mu: mu, nextHandle: 1}
	if err := e.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}
	return e, nil
}

// setupHooks installs the master Unicorn hooks that dispatch to the typed
// engine hooks.
func (e *Emulator) setupHooks() error {
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if e.stopped {
			mu.Stop()
			return
		}
		e.fireRegWrites()

		for _, ah := range append([]addrEntry(nil), e.addrHooks...) {
			if ah.addr == addr {
				ah.fn(e)
				if e.stopped {
					mu.Stop()
					return
				}
			}
		}
		for _, ch := range append([]codeEntry(nil), e.codeHooks...) {
			ch.fn(e, addr, size)
			if e.stopped {
				mu.Stop()
				return
			}
		}

		// A hook that moved PC skips the pending instruction; Unicorn
		// cannot branch mid-hook, so stop and restart from the new PC.
		if e.PC() != addr {
			e.cycles++
			e.redirected = true
			mu.Stop()
			return
		}
		e.cycles++
		e.captureRegs()
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("install code hook: %w", err)
	}

	_, err = e.mu.HookAdd(uc.HOOK_MEM_WRITE, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) {
		if len(e.memHooks) == 0 {
			return
		}
		old, err := e.mu.MemRead(addr, uint64(size))
		if err != nil {
			return
		}
		for _, mh := range append([]memEntry(nil), e.memHooks...) {
			mh.fn(e, addr, old)
		}
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("install mem hook: %w", err)
	}
	return nil
}

func (e *Emulator) captureRegs() {
	if len(e.regHooks) == 0 {
		return
	}
	for i := 0; i < 13; i++ {
		e.prevRegs[i], _ = e.mu.RegRead(ucRegs[i])
	}
}

// fireRegWrites compares r0-r12 against the previous instruction boundary
// and dispatches register-write hooks for changed values. Unicorn has no
// native register hook; stuck-at semantics only need the value enforced
// before the next instruction.
func (e *Emulator) fireRegWrites() {
	if len(e.regHooks) == 0 {
		return
	}
	for _, rh := range append([]regEntry(nil), e.regHooks...) {
		if rh.reg < 0 || rh.reg > 12 {
			continue
		}
		cur, _ := e.mu.RegRead(ucRegs[rh.reg])
		if cur != e.prevRegs[rh.reg] {
			rh.fn(e, rh.reg, cur)
		}
	}
	e.captureRegs()
}

// Clone builds an independent emulator with the same memory, registers,
// cycle count and hooks.
func (e *Emulator) Clone() (emu.Emulator, error) {
	c, err := New()
	if err != nil {
		return nil, err
	}
	for _, r := range e.regions {
		if err := c.MapRegion(r.base, r.size); err != nil {
			c.Close()
			return nil, err
		}
		data, err := e.mu.MemRead(r.base, r.size)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("read region 0x%x: %w", r.base, err)
		}
		if err := c.mu.MemWrite(r.base, data); err != nil {
			c.Close()
			return nil, fmt.Errorf("write region 0x%x: %w", r.base, err)
		}
	}
	for r := emu.Reg(0); r < emu.NumRegs; r++ {
		v, _ := e.mu.RegRead(ucRegs[r])
		_ = c.mu.RegWrite(ucRegs[r], v)
	}
	c.cycles = e.cycles
	c.nextHandle = e.nextHandle
	c.codeHooks = append([]codeEntry(nil), e.codeHooks...)
	c.addrHooks = append([]addrEntry(nil), e.addrHooks...)
	c.regHooks = append([]regEntry(nil), e.regHooks...)
	c.memHooks = append([]memEntry(nil), e.memHooks...)
	return c, nil
}

func (e *Emulator) Close() error { return e.mu.Close() }

// MapRegion maps zero-filled memory.
func (e *Emulator) MapRegion(base, size uint64) error {
	if err := e.mu.MemMap(base, size); err != nil {
		return fmt.Errorf("map 0x%x+0x%x: %w", base, size, err)
	}
	e.regions = append(e.regions, region{base: base, size: size})
	return nil
}

func (e *Emulator) ReadMemory(addr uint64, size int) ([]byte, error) {
	return e.mu.MemRead(addr, uint64(size))
}

func (e *Emulator) WriteMemory(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

func (e *Emulator) ReadRegister(r emu.Reg) uint64 {
	if r < 0 || r >= emu.NumRegs {
		return 0
	}
	v, _ := e.mu.RegRead(ucRegs[r])
	if r == emu.PC {
		v &^= 1
	}
	return v
}

func (e *Emulator) WriteRegister(r emu.Reg, v uint64) {
	if r < 0 || r >= emu.NumRegs {
		return
	}
	_ = e.mu.RegWrite(ucRegs[r], v)
}

func (e *Emulator) PC() uint64 { return e.ReadRegister(emu.PC) }

func (e *Emulator) SetPC(v uint64) { e.WriteRegister(emu.PC, v) }

func (e *Emulator) Cycles() uint64     { return e.cycles }
func (e *Emulator) SetCycles(v uint64) { e.cycles = v }

// Run executes at most maxInstructions instructions from the current PC.
// PC redirects from hooks restart emulation transparently.
func (e *Emulator) Run(maxInstructions uint64) error {
	e.stopped = false
	remaining := maxInstructions
	e.captureRegs()
	for remaining > 0 && !e.stopped {
		e.redirected = false
		before := e.cycles
		// Bit 0 selects Thumb mode on start.
		err := e.mu.StartWithOptions(e.PC()|1, runStopAddr, &uc.UcOptions{Count: remaining})
		executed := e.cycles - before
		if executed > remaining {
			executed = remaining
		}
		remaining -= executed
		if err != nil {
			return err
		}
		if !e.redirected {
			break
		}
	}
	e.fireRegWrites()
	return nil
}

func (e *Emulator) Stop() {
	e.stopped = true
	e.mu.Stop()
}

func (e *Emulator) handle() emu.Handle {
	h := e.nextHandle
	e.nextHandle++
	return h
}

func (e *Emulator) HookCode(fn emu.CodeHook) emu.Handle {
	h := e.handle()
	e.codeHooks = append(e.codeHooks, codeEntry{h: h, fn: fn})
	return h
}

func (e *Emulator) HookAddress(addr uint64, fn emu.AddressHook) emu.Handle {
	h := e.handle()
	e.addrHooks = append(e.addrHooks, addrEntry{h: h, addr: addr, fn: fn})
	return h
}

func (e *Emulator) HookRegisterWrite(r emu.Reg, fn emu.RegWriteHook) emu.Handle {
	h := e.handle()
	e.regHooks = append(e.regHooks, regEntry{h: h, reg: r, fn: fn})
	e.captureRegs()
	return h
}

func (e *Emulator) HookMemWrite(fn emu.MemWriteHook) emu.Handle {
	h := e.handle()
	e.memHooks = append(e.memHooks, memEntry{h: h, fn: fn})
	return h
}

func (e *Emulator) Unhook(h emu.Handle) {
	for i, en := range e.codeHooks {
		if en.h == h {
			e.codeHooks = append(e.codeHooks[:i], e.codeHooks[i+1:]...)
			return
		}
	}
	for i, en := range e.addrHooks {
		if en.h == h {
			e.addrHooks = append(e.addrHooks[:i], e.addrHooks[i+1:]...)
			return
		}
	}
	for i, en := range e.regHooks {
		if en.h == h {
			e.regHooks = append(e.regHooks[:i], e.regHooks[i+1:]...)
			return
		}
	}
	for i, en := range e.memHooks {
		if en.h == h {
			e.memHooks = append(e.memHooks[:i], e.memHooks[i+1:]...)
			return
		}
	}
}
