package unicornemu

import (
	"debug/elf"
	"fmt"
	"strings"

	"github.com/zboralski/armory/internal/emu"
)

// FirmwareInfo contains parsed firmware metadata.
type FirmwareInfo struct {
	Path    string
	Machine elf.Machine
	Entry   uint64
	Symbols map[string]uint64 // symbol name -> address (Thumb bit stripped)
}

// LoadFirmware loads an ARM ELF into the emulator: maps flash and RAM,
// writes the PT_LOAD segments and positions PC at the entry point with SP
// 0x100 bytes below the top of RAM.
//
// Firmware images are statically linked and load at their link address; no
// relocation is performed.
func (e *Emulator) LoadFirmware(path string, flashBase, flashSize, ramBase, ramSize uint64) (*FirmwareInfo, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ELF: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_ARM {
		return nil, fmt.Errorf("expected ARM (EM_ARM), got %v", f.Machine)
	}

	if err := e.MapRegion(flashBase, flashSize); err != nil {
		return nil, err
	}
	if err := e.MapRegion(ramBase, ramSize); err != nil {
		return nil, err
	}

	loaded := 0
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return nil, fmt.Errorf("read segment at 0x%x: %w", prog.Vaddr, err)
		}
		if err := e.WriteMemory(prog.Vaddr, data); err != nil {
			return nil, fmt.Errorf("load segment at 0x%x: %w", prog.Vaddr, err)
		}
		loaded++
	}
	if loaded == 0 {
		return nil, fmt.Errorf("no loadable segments in %s", path)
	}

	info := &FirmwareInfo{
		Path:    path,
		Machine: f.Machine,
		Entry:   f.Entry &^ 1,
		Symbols: make(map[string]uint64),
	}

	// Strip version suffixes (@@VERSION or @VERSION) for consistent lookup.
	syms, err := f.Symbols()
	if err == nil {
		for _, sym := range syms {
			if sym.Name == "" || sym.Value == 0 {
				continue
			}
			name := sym.Name
			if i := strings.Index(name, "@"); i > 0 {
				name = name[:i]
			}
			info.Symbols[name] = sym.Value &^ 1
		}
	}

	e.SetPC(info.Entry)
	e.WriteRegister(emu.SP, ramBase+ramSize-0x100)
	return info, nil
}

// FindSymbolsBySubstring returns symbols whose name contains the needle.
func (i *FirmwareInfo) FindSymbolsBySubstring(needle string) map[string]uint64 {
	out := make(map[string]uint64)
	for name, addr := range i.Symbols {
		if strings.Contains(name, needle) {
			out[name] = addr
		}
	}
	return out
}
