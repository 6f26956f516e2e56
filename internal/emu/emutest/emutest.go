// Package emutest provides a small deterministic machine implementing
// emu.Emulator. It exists so the fault simulator can be exercised without a
// native Unicorn build: fixed 4-byte instructions, a handful of ALU and
// branch ops, and exact hook semantics.
//
// Encoding: byte 0 = opcode, byte 1 = register, bytes 2-3 = little-endian
// immediate. Branch targets are absolute addresses.
package emutest

import (
	"encoding/binary"
	"fmt"

	"github.com/zboralski/armory/internal/emu"
)

// Memory layout.
const (
	CodeBase = 0x0000
	CodeSize = 0x1000
	RAMBase  = 0x8000
	RAMSize  = 0x1000
)

// InstrSize is the fixed instruction width.
const InstrSize = 4

// Opcodes.
const (
	opNop  = 0x00
	opMovi = 0x01 // ra = imm
	opAddi = 0x02 // ra += imm
	opSubi = 0x03 // ra -= imm
	opXori = 0x04 // ra ^= imm
	opMovr = 0x05 // ra = r[imm]
	opAddr = 0x06 // ra += r[imm]
	opCmpi = 0x07 // Z = (ra == imm)
	opB    = 0x08 // pc = imm
	opBeq  = 0x09 // pc = imm if Z
	opBne  = 0x0A // pc = imm if !Z
	opLdr  = 0x0B // ra = mem32[imm]
	opStr  = 0x0C // mem32[imm] = ra
)

// Z flag position in CPSR, matching ARM.
const flagZ = 1 << 30

type region struct {
	base uint64
	data []byte
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

// Machine is a scripted emulator instance.
type Machine struct {
	regions []region
	regs    [emu.NumRegs]uint64
	cycles  uint64
	stopped bool

	nextHandle emu.Handle
	codeHooks  []codeEntry
	addrHooks  []addrEntry
	regHooks   []regEntry
	memHooks   []memEntry
}

// New creates a machine with the default code and RAM regions mapped and PC
// at CodeBase.
func New() *Machine {
	m := &Machine{nextHandle: 1}
	m.MapRegion(CodeBase, CodeSize)
	m.MapRegion(RAMBase, RAMSize)
	m.regs[emu.SP] = RAMBase + RAMSize - 0x100
	m.regs[emu.PC] = CodeBase
	return m
}

// Load writes a program at CodeBase and resets PC there.
func (m *Machine) Load(p *Program) error {
	if err := m.WriteMemory(CodeBase, p.Bytes()); err != nil {
		return err
	}
	m.regs[emu.PC] = CodeBase
	return nil
}

// Clone returns an independent copy including installed hooks.
func (m *Machine) Clone() (emu.Emulator, error) {
	c := &Machine{
		regs:       m.regs,
		cycles:     m.cycles,
		nextHandle: m.nextHandle,
	}
	c.regions = make([]region, len(m.regions))
	for i, r := range m.regions {
		data := make([]byte, len(r.data))
		copy(data, r.data)
		c.regions[i] = region{base: r.base, data: data}
	}
	c.codeHooks = append([]codeEntry(nil), m.codeHooks...)
	c.addrHooks = append([]addrEntry(nil), m.addrHooks...)
	c.regHooks = append([]regEntry(nil), m.regHooks...)
	c.memHooks = append([]memEntry(nil), m.memHooks...)
	return c, nil
}

func (m *Machine) Close() error { return nil }

// MapRegion maps a zero-filled region.
func (m *Machine) MapRegion(base, size uint64) error {
	m.regions = append(m.regions, region{base: base, data: make([]byte, size)})
	return nil
}

func (m *Machine) find(addr uint64, size int) (*region, uint64, error) {
	for i := range m.regions {
		r := &m.regions[i]
		if addr >= r.base && addr+uint64(size) <= r.base+uint64(len(r.data)) {
			return r, addr - r.base, nil
		}
	}
	return nil, 0, fmt.Errorf("unmapped access at 0x%x", addr)
}

func (m *Machine) ReadMemory(addr uint64, size int) ([]byte, error) {
	r, off, err := m.find(addr, size)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, r.data[off:])
	return out, nil
}

func (m *Machine) WriteMemory(addr uint64, data []byte) error {
	r, off, err := m.find(addr, len(data))
	if err != nil {
		return err
	}
	copy(r.data[off:], data)
	return nil
}

// guestWrite is a store issued by an executing instruction; it fires memory
// write hooks with the old bytes before overwriting.
func (m *Machine) guestWrite(addr uint64, data []byte) error {
	old, err := m.ReadMemory(addr, len(data))
	if err != nil {
		return err
	}
	for _, h := range append([]memEntry(nil), m.memHooks...) {
		h.fn(m, addr, old)
	}
	return m.WriteMemory(addr, data)
}

func (m *Machine) ReadRegister(r emu.Reg) uint64 {
	if r < 0 || r >= emu.NumRegs {
		return 0
	}
	return m.regs[r]
}

func (m *Machine) WriteRegister(r emu.Reg, v uint64) {
	if r < 0 || r >= emu.NumRegs {
		return
	}
	m.regs[r] = v
}

func (m *Machine) PC() uint64     { return m.regs[emu.PC] }
func (m *Machine) SetPC(v uint64) { m.regs[emu.PC] = v }

func (m *Machine) Cycles() uint64     { return m.cycles }
func (m *Machine) SetCycles(v uint64) { m.cycles = v }

func (m *Machine) Run(maxInstructions uint64) error {
	m.stopped = false
	for n := uint64(0); n < maxInstructions; n++ {
		if err := m.step(); err != nil {
			return err
		}
		if m.stopped {
			return nil
		}
	}
	return nil
}

func (m *Machine) Stop() { m.stopped = true }

func (m *Machine) step() error {
	pc := m.regs[emu.PC]

	for _, ah := range append([]addrEntry(nil), m.addrHooks...) {
		if ah.addr == pc {
			ah.fn(m)
			if m.stopped {
				return nil
			}
		}
	}
	for _, ch := range append([]codeEntry(nil), m.codeHooks...) {
		ch.fn(m, pc, InstrSize)
		if m.stopped {
			return nil
		}
	}

	// A hook that moved PC skipped the pending instruction. The slot
	// still costs one cycle.
	if m.regs[emu.PC] != pc {
		m.cycles++
		return nil
	}

	raw, err := m.ReadMemory(pc, InstrSize)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	op := raw[0]
	reg := emu.Reg(raw[1])
	imm := binary.LittleEndian.Uint16(raw[2:4])
	if reg >= emu.NumRegs {
		return fmt.Errorf("illegal register %d at 0x%x", reg, pc)
	}
	if (op == opMovr || op == opAddr) && emu.Reg(imm) >= emu.NumRegs {
		return fmt.Errorf("illegal source register %d at 0x%x", imm, pc)
	}

	m.cycles++
	next := pc + InstrSize
	wrote := emu.Reg(-1)

	switch op {
	case opNop:
	case opMovi:
		m.regs[reg] = uint64(imm)
		wrote = reg
	case opAddi:
		m.regs[reg] += uint64(imm)
		wrote = reg
	case opSubi:
		m.regs[reg] -= uint64(imm)
		wrote = reg
	case opXori:
		m.regs[reg] ^= uint64(imm)
		wrote = reg
	case opMovr:
		m.regs[reg] = m.regs[emu.Reg(imm)]
		wrote = reg
	case opAddr:
		m.regs[reg] += m.regs[emu.Reg(imm)]
		wrote = reg
	case opCmpi:
		if m.regs[reg] == uint64(imm) {
			m.regs[emu.CPSR] |= flagZ
		} else {
			m.regs[emu.CPSR] &^= flagZ
		}
	case opB:
		next = uint64(imm)
	case opBeq:
		if m.regs[emu.CPSR]&flagZ != 0 {
			next = uint64(imm)
		}
	case opBne:
		if m.regs[emu.CPSR]&flagZ == 0 {
			next = uint64(imm)
		}
	case opLdr:
		v, err := m.ReadMemory(uint64(imm), 4)
		if err != nil {
			return err
		}
		m.regs[reg] = uint64(binary.LittleEndian.Uint32(v))
		wrote = reg
	case opStr:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(m.regs[reg]))
		if err := m.guestWrite(uint64(imm), buf); err != nil {
			return err
		}
	default:
		return fmt.Errorf("illegal opcode 0x%02x at 0x%x", op, pc)
	}

	m.regs[emu.PC] = next

	if wrote >= 0 {
		for _, rh := range append([]regEntry(nil), m.regHooks...) {
			if rh.reg == wrote {
				rh.fn(m, wrote, m.regs[wrote])
			}
		}
	}
	return nil
}

func (m *Machine) handle() emu.Handle {
	h := m.nextHandle
	m.nextHandle++
	return h
}

func (m *Machine) HookCode(fn emu.CodeHook) emu.Handle {
	h := m.handle()
	m.codeHooks = append(m.codeHooks, codeEntry{h: h, fn: fn})
	return h
}

func (m *Machine) HookAddress(addr uint64, fn emu.AddressHook) emu.Handle {
	h := m.handle()
	m.addrHooks = append(m.addrHooks, addrEntry{h: h, addr: addr, fn: fn})
	return h
}

func (m *Machine) HookRegisterWrite(r emu.Reg, fn emu.RegWriteHook) emu.Handle {
	h := m.handle()
	m.regHooks = append(m.regHooks, regEntry{h: h, reg: r, fn: fn})
	return h
}

func (m *Machine) HookMemWrite(fn emu.MemWriteHook) emu.Handle {
	h := m.handle()
	m.memHooks = append(m.memHooks, memEntry{h: h, fn: fn})
	return h
}

func (m *Machine) Unhook(h emu.Handle) {
	for i, e := range m.codeHooks {
		if e.h == h {
			m.codeHooks = append(m.codeHooks[:i], m.codeHooks[i+1:]...)
			return
		}
	}
	for i, e := range m.addrHooks {
		if e.h == h {
			m.addrHooks = append(m.addrHooks[:i], m.addrHooks[i+1:]...)
			return
		}
	}
	for i, e := range m.regHooks {
		if e.h == h {
			m.regHooks = append(m.regHooks[:i], m.regHooks[i+1:]...)
			return
		}
	}
	for i, e := range m.memHooks {
		if e.h == h {
			m.memHooks = append(m.memHooks[:i], m.memHooks[i+1:]...)
			return
		}
	}
}

// Program assembles machine code for the mini-ISA.
type Program struct {
	code []byte
}

// NewProgram returns an empty program.
func NewProgram() *Program { return &Program{} }

func (p *Program) emit(op byte, reg byte, imm uint16) *Program {
	buf := []byte{op, reg, 0, 0}
	binary.LittleEndian.PutUint16(buf[2:4], imm)
	p.code = append(p.code, buf...)
	return p
}

func (p *Program) Nop() *Program                          { return p.emit(opNop, 0, 0) }
func (p *Program) Movi(r emu.Reg, imm uint16) *Program    { return p.emit(opMovi, byte(r), imm) }
func (p *Program) Addi(r emu.Reg, imm uint16) *Program    { return p.emit(opAddi, byte(r), imm) }
func (p *Program) Subi(r emu.Reg, imm uint16) *Program    { return p.emit(opSubi, byte(r), imm) }
func (p *Program) Xori(r emu.Reg, imm uint16) *Program    { return p.emit(opXori, byte(r), imm) }
func (p *Program) Movr(rd, rs emu.Reg) *Program           { return p.emit(opMovr, byte(rd), uint16(rs)) }
func (p *Program) Addr(rd, rs emu.Reg) *Program           { return p.emit(opAddr, byte(rd), uint16(rs)) }
func (p *Program) Cmpi(r emu.Reg, imm uint16) *Program    { return p.emit(opCmpi, byte(r), imm) }
func (p *Program) B(addr uint16) *Program                 { return p.emit(opB, 0, addr) }
func (p *Program) Beq(addr uint16) *Program               { return p.emit(opBeq, 0, addr) }
func (p *Program) Bne(addr uint16) *Program               { return p.emit(opBne, 0, addr) }
func (p *Program) Ldr(r emu.Reg, addr uint16) *Program    { return p.emit(opLdr, byte(r), addr) }
func (p *Program) Str(r emu.Reg, addr uint16) *Program    { return p.emit(opStr, byte(r), addr) }

// Bytes returns the assembled code.
func (p *Program) Bytes() []byte { return p.code }

// Len returns the number of assembled instructions.
func (p *Program) Len() int { return len(p.code) / InstrSize }

// At returns the address of the i-th instruction once loaded at CodeBase.
func (p *Program) At(i int) uint64 { return CodeBase + uint64(i)*InstrSize }

// ReplaceOpcode assembles a single instruction for use as a substitute
// opcode in instruction-replace fault models.
func ReplaceOpcode(build func(p *Program)) []byte {
	p := NewProgram()
	build(p)
	return p.Bytes()
}
