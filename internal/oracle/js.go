package oracle

import (
	"encoding/binary"
	"fmt"

	"github.com/dop251/goja"

	"github.com/zboralski/armory/internal/armory"
	"github.com/zboralski/armory/internal/emu"
)

// JSOracle is a JavaScript exploitability model. The script defines a
// global function
//
//	function decide(emu) { ... }
//
// returning "continue", "exploitable" or "not_exploitable". The emu binding
// exposes pc(), reg(name), readU32(addr) and readU8(addr).
//
// The program is compiled once; each worker thread runs its own goja
// runtime, since runtimes are not safe for concurrent use.
type JSOracle struct {
	prog *goja.Program
}

// CompileJS compiles an oracle script.
func CompileJS(name, src string) (*JSOracle, error) {
	prog, err := goja.Compile(name, src, true)
	if err != nil {
		return nil, fmt.Errorf("compile oracle script: %w", err)
	}
	return &JSOracle{prog: prog}, nil
}

// Factory returns the per-thread model factory.
func (o *JSOracle) Factory() armory.ModelFactory {
	return func() armory.ExploitabilityModel {
		return newJSInstance(o.prog)
	}
}

type jsInstance struct {
	vm      *goja.Runtime
	decide  goja.Callable
	emuObj  goja.Value
	initErr error

	// cur is the emulator under decision; bindings close over it.
	cur emu.Emulator
}

func newJSInstance(prog *goja.Program) *jsInstance {
	inst := &jsInstance{vm: goja.New()}

	bind := inst.vm.NewObject()
	bind.Set("pc", func() uint64 {
		return inst.cur.PC()
	})
	bind.Set("reg", func(name string) (uint64, error) {
		r, ok := emu.ParseReg(name)
		if !ok {
			return 0, fmt.Errorf("unknown register %q", name)
		}
		return inst.cur.ReadRegister(r), nil
	})
	bind.Set("readU32", func(addr uint64) (uint32, error) {
		b, err := inst.cur.ReadMemory(addr, 4)
		if err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(b), nil
	})
	bind.Set("readU8", func(addr uint64) (uint8, error) {
		b, err := inst.cur.ReadMemory(addr, 1)
		if err != nil {
			return 0, err
		}
		return b[0], nil
	})
	inst.emuObj = bind

	if _, err := inst.vm.RunProgram(prog); err != nil {
		inst.initErr = fmt.Errorf("run oracle script: %w", err)
		return inst
	}
	fn, ok := goja.AssertFunction(inst.vm.Get("decide"))
	if !ok {
		inst.initErr = fmt.Errorf("oracle script does not define decide()")
		return inst
	}
	inst.decide = fn
	return inst
}

// Decide implements armory.ExploitabilityModel.
func (i *jsInstance) Decide(e emu.Emulator) (armory.Decision, error) {
	if i.initErr != nil {
		return armory.NotExploitable, i.initErr
	}
	i.cur = e
	v, err := i.decide(goja.Undefined(), i.emuObj)
	i.cur = nil
	if err != nil {
		return armory.NotExploitable, fmt.Errorf("oracle decide: %w", err)
	}
	switch v.String() {
	case "exploitable":
		return armory.Exploitable, nil
	case "not_exploitable", "not-exploitable":
		return armory.NotExploitable, nil
	default:
		return armory.Continue, nil
	}
}
