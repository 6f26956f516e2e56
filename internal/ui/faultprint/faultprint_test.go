package faultprint

import (
	"bytes"
	"strings"
	"testing"

	"github.com/zboralski/armory/internal/armory"
	"github.com/zboralski/armory/internal/emu"
	"github.com/zboralski/armory/internal/models"
)

func TestDisasmFallbacks(t *testing.T) {
	if got := Disasm([]byte{0x00, 0xbf}); got != ".short 0xbf00" {
		t.Errorf("thumb halfword fallback: got %q", got)
	}
	if got := Disasm([]byte{0x01}); !strings.Contains(got, "01") {
		t.Errorf("raw fallback: got %q", got)
	}
	if got := Disasm([]byte{0x00, 0x00, 0xa0, 0xe1}); got == "" {
		t.Error("4-byte decode returned empty string")
	}
}

func TestPrintCombination(t *testing.T) {
	t.Setenv("NO_COLOR", "1")

	table := []armory.FaultModel{models.NewSkip()}
	symbols := map[uint64]string{0x100: "check_auth"}
	p := New(table, symbols, nil)

	chain := armory.FaultCombination{Faults: []armory.Fault{
		{Kind: armory.InstructionSkip, Model: 0, Time: 7, Addr: 0x100, InstrSize: 4},
	}}

	var buf bytes.Buffer
	p.PrintCombination(&buf, 1, chain)
	out := buf.String()

	for _, want := range []string{"#1", "1 fault(s)", "t=7", "00000100", "check_auth", "instruction skip"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFaultLineRegisterFault(t *testing.T) {
	t.Setenv("NO_COLOR", "1")

	table := []armory.FaultModel{models.NewBitFlip([]emu.Reg{emu.R0}, 32)}
	p := New(table, nil, nil)

	line := p.FaultLine(armory.Fault{
		Kind:     armory.RegisterTransient,
		Model:    0,
		Param:    5,
		Time:     3,
		Addr:     0x40,
		Register: emu.R0,
	})

	for _, want := range []string{"r0", "bit 5", "register bit flip"} {
		if !strings.Contains(line, want) {
			t.Errorf("line missing %q: %s", want, line)
		}
	}
}
