// Package faultprint renders exploitable fault combinations for the
// terminal, with disassembly of the faulted instructions.
package faultprint

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/arch/arm/armasm"

	"github.com/zboralski/armory/internal/armory"
	"github.com/zboralski/armory/internal/emu"
	"github.com/zboralski/armory/internal/ui/colorize"
)

// Printer renders fault combinations. The emulator supplies the bytes at
// faulted addresses for disassembly; symbols label known addresses.
type Printer struct {
	models  []armory.FaultModel
	symbols map[uint64]string
	mem     emu.Emulator
}

// New creates a printer over the model table used for the simulation.
func New(models []armory.FaultModel, symbols map[uint64]string, mem emu.Emulator) *Printer {
	return &Printer{models: models, symbols: symbols, mem: mem}
}

// PrintCombination writes one finding with one line per fault.
func (p *Printer) PrintCombination(w io.Writer, idx int, c armory.FaultCombination) {
	fmt.Fprintf(w, "%s %s\n",
		colorize.Exploit(fmt.Sprintf("#%d", idx)),
		colorize.Detail(fmt.Sprintf("%d fault(s)", c.Len())))
	for _, f := range c.Faults {
		fmt.Fprintf(w, "  %s\n", p.FaultLine(f))
	}
}

// FaultLine renders a single fault: time, address, disassembly or target
// register, model and parameter.
func (p *Printer) FaultLine(f armory.Fault) string {
	model := "?"
	param := ""
	if f.Model >= 0 && f.Model < len(p.models) {
		m := p.models[f.Model]
		model = m.Name()
		param = m.ParamInfo(f.Param)
	}

	site := colorize.Address(f.Addr)
	if name, ok := p.symbols[f.Addr]; ok {
		site += " " + colorize.FuncName("<"+name+">")
	}

	var what string
	if f.Kind.IsInstruction() {
		what = colorize.Instruction(p.disasmAt(f.Addr, f.InstrSize))
	} else {
		what = colorize.Instruction(f.Register.String())
	}

	return fmt.Sprintf("t=%-5d %s  %s  %s",
		f.Time, site, what,
		colorize.Detail(fmt.Sprintf("; %s, %s", model, param)))
}

func (p *Printer) disasmAt(addr uint64, size uint32) string {
	if p.mem == nil {
		return "???"
	}
	code, err := p.mem.ReadMemory(addr, int(size))
	if err != nil {
		return "???"
	}
	return Disasm(code)
}

// Disasm decodes a single ARM instruction. Thumb halfwords and undecodable
// words fall back to raw data directives.
func Disasm(code []byte) string {
	switch len(code) {
	case 4:
		inst, err := armasm.Decode(code, armasm.ModeARM)
		if err != nil {
			return fmt.Sprintf(".word 0x%08x", binary.LittleEndian.Uint32(code))
		}
		return armasm.GNUSyntax(inst)
	case 2:
		return fmt.Sprintf(".short 0x%04x", binary.LittleEndian.Uint16(code))
	default:
		return fmt.Sprintf("% x", code)
	}
}

// PrintSummary writes the end-of-run statistics line.
func PrintSummary(w io.Writer, found int, injections, emuErrors, oracleErrors uint64) {
	fmt.Fprint(w, colorize.Border("───────────────────────────────────────── "))
	fmt.Fprintf(w, "%s findings  %s injections",
		colorize.FuncName(fmt.Sprintf("%d", found)),
		colorize.FuncName(fmt.Sprintf("%d", injections)))
	if emuErrors > 0 {
		fmt.Fprintf(w, "  %s", colorize.Detail(fmt.Sprintf("%d emulator errors", emuErrors)))
	}
	if oracleErrors > 0 {
		fmt.Fprintf(w, "  %s", colorize.Detail(fmt.Sprintf("%d oracle errors", oracleErrors)))
	}
	fmt.Fprintln(w)
}
