package armory_test

import (
	"errors"
	"testing"

	"github.com/zboralski/armory/internal/armory"
	"github.com/zboralski/armory/internal/emu"
	"github.com/zboralski/armory/internal/emu/emutest"
	"github.com/zboralski/armory/internal/models"
	"github.com/zboralski/armory/internal/oracle"
)

// singleCheck builds firmware guarding a secure path behind one flag check:
//
//	0: ldr  r0, [flag]   ; flag = 0
//	1: cmpi r0, 1
//	2: beq  secure
//	3: b    exit
//	4: secure: nop
//	5: b    exit
//	6: exit: b exit      ; halt
//
// Returns the machine, the secure address and the halt address.
func singleCheck(t *testing.T) (*emutest.Machine, uint64, uint64) {
	t.Helper()
	p := emutest.NewProgram()
	p.Ldr(emu.R0, emutest.RAMBase)
	p.Cmpi(emu.R0, 1)
	p.Beq(uint16(p.At(4)))
	p.B(uint16(p.At(6)))
	p.Nop()
	p.B(uint16(p.At(6)))
	p.B(uint16(p.At(6)))

	m := emutest.New()
	if err := m.Load(p); err != nil {
		t.Fatalf("load program: %v", err)
	}
	return m, p.At(4), p.At(6)
}

// doubleCheck builds firmware requiring two consecutive checks to pass:
//
//	0: ldr  r0, [flag0]  ; 0
//	1: cmpi r0, 1
//	2: bne  exit
//	3: ldr  r1, [flag1]  ; 0
//	4: cmpi r1, 1
//	5: bne  exit
//	6: secure: nop
//	7: b    exit
//	8: exit: b exit      ; halt
func doubleCheck(t *testing.T) (*emutest.Machine, uint64, uint64) {
	t.Helper()
	p := emutest.NewProgram()
	p.Ldr(emu.R0, emutest.RAMBase)
	p.Cmpi(emu.R0, 1)
	p.Bne(uint16(p.At(8)))
	p.Ldr(emu.R1, emutest.RAMBase+4)
	p.Cmpi(emu.R1, 1)
	p.Bne(uint16(p.At(8)))
	p.Nop()
	p.B(uint16(p.At(8)))
	p.B(uint16(p.At(8)))

	m := emutest.New()
	if err := m.Load(p); err != nil {
		t.Fatalf("load program: %v", err)
	}
	return m, p.At(6), p.At(8)
}

func simContext(secure, halt uint64) armory.Context {
	return armory.Context{
		NewModel:      oracle.PCReachedFactory(secure),
		HaltAddresses: map[uint64]string{halt: "exit"},
	}
}

func checkTimesIncreasing(t *testing.T, combos []armory.FaultCombination) {
	t.Helper()
	for _, c := range combos {
		for i := 1; i < len(c.Faults); i++ {
			if c.Faults[i].Time <= c.Faults[i-1].Time {
				t.Errorf("chain %v: times not strictly increasing", c)
			}
		}
	}
}

func TestEmptyModelList(t *testing.T) {
	m, secure, halt := singleCheck(t)
	sim := armory.New(simContext(secure, halt))

	found, err := sim.SimulateFaults(m, nil, 0)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("expected no findings, got %d", len(found))
	}
	if n := sim.NumberOfInjectedFaults(); n != 0 {
		t.Errorf("expected 0 injections, got %d", n)
	}
}

func TestSingleSkipExploitsBranch(t *testing.T) {
	m, secure, halt := singleCheck(t)
	sim := armory.New(simContext(secure, halt))
	sim.SetNumberOfThreads(1)

	found, err := sim.SimulateFaults(m, []armory.ModelCount{
		{Model: models.NewSkip(), Count: 1},
	}, 0)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}

	if len(found) != 1 {
		t.Fatalf("expected exactly one combination, got %d: %v", len(found), found)
	}
	f := found[0].Faults[0]
	if f.Time != 3 {
		t.Errorf("expected skip at t=3, got t=%d", f.Time)
	}
	if f.Addr != 3*emutest.InstrSize {
		t.Errorf("expected skip at the guard branch 0x%x, got 0x%x", 3*emutest.InstrSize, f.Addr)
	}

	// One injection per instruction of the universe (4 instructions).
	if n := sim.NumberOfInjectedFaults(); n != 4 {
		t.Errorf("expected 4 injections, got %d", n)
	}
}

func TestRegisterBitFlip(t *testing.T) {
	m, secure, halt := singleCheck(t)
	// The guard compares the loaded flag (0) against 1: flipping bit 0 of
	// r0 after the load makes the comparison pass.
	sim := armory.New(simContext(secure, halt))
	sim.SetNumberOfThreads(1)

	found, err := sim.SimulateFaults(m, []armory.ModelCount{
		{Model: models.NewBitFlip([]emu.Reg{emu.R0}, 32), Count: 1},
	}, 0)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}

	// flag = 0 differs from 1 in exactly bit 0: exactly one flip works,
	// and only when placed after the load and before the compare.
	if len(found) != 1 {
		t.Fatalf("expected exactly one combination, got %d: %v", len(found), found)
	}
	f := found[0].Faults[0]
	if f.Param != 0 {
		t.Errorf("expected bit 0 flip, got bit %d", f.Param)
	}
	if f.Time != 1 {
		t.Errorf("expected flip at t=1 (before the compare), got t=%d", f.Time)
	}
	if f.Register != emu.R0 {
		t.Errorf("expected target r0, got %s", f.Register)
	}
}

func TestRedundancyPruning(t *testing.T) {
	m, secure, halt := singleCheck(t)
	sim := armory.New(simContext(secure, halt))
	sim.SetNumberOfThreads(1)

	found, err := sim.SimulateFaults(m, []armory.ModelCount{
		{Model: models.NewSkip(), Count: 2},
	}, 2)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}

	// The single skip at the guard branch is exploitable; every 2-chain
	// containing it is redundant, and no other 2-chain works.
	if len(found) != 1 {
		t.Fatalf("expected only the minimal single-skip, got %d: %v", len(found), found)
	}
	if found[0].Len() != 1 {
		t.Errorf("expected a 1-chain, got %d faults", found[0].Len())
	}
	single := found[0]
	for _, c := range found {
		if c.Len() > 1 && c.ContainsAll(single) {
			t.Errorf("superset of a known-exploitable chain in results: %v", c)
		}
	}
}

func TestTwoFaultChain(t *testing.T) {
	m, secure, halt := doubleCheck(t)
	sim := armory.New(simContext(secure, halt))
	sim.SetNumberOfThreads(1)

	found, err := sim.SimulateFaults(m, []armory.ModelCount{
		{Model: models.NewSkip(), Count: 2},
	}, 0)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}

	// No single skip bypasses both checks; the only 2-chain skips both
	// guard branches, the second one discovered beyond the fault-free
	// trace.
	if len(found) != 1 {
		t.Fatalf("expected exactly one 2-chain, got %d: %v", len(found), found)
	}
	c := found[0]
	if c.Len() != 2 {
		t.Fatalf("expected a 2-chain, got %d faults", c.Len())
	}
	if c.Faults[0].Time != 2 || c.Faults[1].Time != 5 {
		t.Errorf("expected skips at t=2 and t=5, got t=%d and t=%d",
			c.Faults[0].Time, c.Faults[1].Time)
	}
	if c.Faults[0].Addr != 2*emutest.InstrSize || c.Faults[1].Addr != 5*emutest.InstrSize {
		t.Errorf("expected both guard branches faulted, got %v", c)
	}
	checkTimesIncreasing(t, found)
}

func TestPermanentMatchesTransientForSingleVisit(t *testing.T) {
	runWith := func(model armory.FaultModel) []armory.FaultCombination {
		m, secure, halt := singleCheck(t)
		sim := armory.New(simContext(secure, halt))
		sim.SetNumberOfThreads(1)
		found, err := sim.SimulateFaults(m, []armory.ModelCount{
			{Model: model, Count: 1},
		}, 0)
		if err != nil {
			t.Fatalf("simulate: %v", err)
		}
		return found
	}

	transient := runWith(models.NewSkip())
	permanent := runWith(models.NewPermanentSkip())

	// The firmware visits every instruction at most once within the
	// budget, so sticking the skip permanently finds the same sites.
	if len(transient) != len(permanent) {
		t.Fatalf("finding counts differ: transient %d, permanent %d",
			len(transient), len(permanent))
	}
	for i := range transient {
		tf, pf := transient[i].Faults[0], permanent[i].Faults[0]
		if tf.Time != pf.Time || tf.Addr != pf.Addr {
			t.Errorf("finding %d differs: transient %v, permanent %v", i, tf, pf)
		}
	}
}

func TestDeterminismAcrossThreadCounts(t *testing.T) {
	run := func(threads int) ([]armory.FaultCombination, uint64) {
		m, secure, halt := doubleCheck(t)
		sim := armory.New(simContext(secure, halt))
		sim.SetNumberOfThreads(threads)
		found, err := sim.SimulateFaults(m, []armory.ModelCount{
			{Model: models.NewSkip(), Count: 2},
		}, 0)
		if err != nil {
			t.Fatalf("simulate with %d threads: %v", threads, err)
		}
		return found, sim.NumberOfInjectedFaults()
	}

	single, singleInj := run(1)
	multi, multiInj := run(4)

	if singleInj != multiInj {
		t.Errorf("injection counts differ: %d vs %d", singleInj, multiInj)
	}

	fps := func(combos []armory.FaultCombination) map[uint64]bool {
		out := make(map[uint64]bool)
		for _, c := range combos {
			out[c.Fingerprint()] = true
		}
		return out
	}
	sf, mf := fps(single), fps(multi)
	if len(sf) != len(mf) {
		t.Fatalf("finding sets differ in size: %d vs %d", len(sf), len(mf))
	}
	for fp := range sf {
		if !mf[fp] {
			t.Errorf("fingerprint %016x missing from multi-threaded run", fp)
		}
	}
}

func TestInvalidConfig(t *testing.T) {
	m, secure, halt := singleCheck(t)
	sim := armory.New(simContext(secure, halt))
	skip := models.NewSkip()

	_, err := sim.SimulateFaults(m, []armory.ModelCount{
		{Model: skip, Count: 1},
		{Model: skip, Count: 1},
	}, 0)
	if !errors.Is(err, armory.ErrInvalidConfig) {
		t.Errorf("duplicate model: expected ErrInvalidConfig, got %v", err)
	}

	_, err = sim.SimulateFaults(m, []armory.ModelCount{
		{Model: skip, Count: 1},
	}, 2)
	if !errors.Is(err, armory.ErrInvalidConfig) {
		t.Errorf("max above multiplicity: expected ErrInvalidConfig, got %v", err)
	}
}

func TestPreRunDiverged(t *testing.T) {
	p := emutest.NewProgram()
	p.B(uint16(p.At(0))) // spin forever, halt unreachable

	m := emutest.New()
	if err := m.Load(p); err != nil {
		t.Fatalf("load program: %v", err)
	}

	sim := armory.New(armory.Context{
		NewModel:      oracle.PCReachedFactory(0xFFFF),
		HaltAddresses: map[uint64]string{0xFFF0: "exit"},
		MaxCycles:     64,
	})
	_, err := sim.SimulateFaults(m, []armory.ModelCount{
		{Model: models.NewSkip(), Count: 1},
	}, 0)
	if !errors.Is(err, armory.ErrPreRunDiverged) {
		t.Errorf("expected ErrPreRunDiverged, got %v", err)
	}
}

func TestOracleErrorsCountedNotSurfaced(t *testing.T) {
	m, _, halt := singleCheck(t)
	sim := armory.New(armory.Context{
		NewModel: func() armory.ExploitabilityModel {
			return failingOracle{}
		},
		HaltAddresses: map[uint64]string{halt: "exit"},
	})
	sim.SetNumberOfThreads(1)

	found, err := sim.SimulateFaults(m, []armory.ModelCount{
		{Model: models.NewSkip(), Count: 1},
	}, 0)
	if err != nil {
		t.Fatalf("oracle errors must not surface: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("expected no findings, got %d", len(found))
	}
	if sim.NumberOfOracleErrors() == 0 {
		t.Error("expected oracle errors to be counted")
	}
}

type failingOracle struct{}

func (failingOracle) Decide(e emu.Emulator) (armory.Decision, error) {
	return armory.Continue, errors.New("oracle broke")
}

func TestVerifyConfirmsFindings(t *testing.T) {
	m, secure, halt := doubleCheck(t)
	sim := armory.New(simContext(secure, halt))
	sim.SetNumberOfThreads(1)

	found, err := sim.SimulateFaults(m, []armory.ModelCount{
		{Model: models.NewSkip(), Count: 2},
	}, 0)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if len(found) == 0 {
		t.Fatal("expected findings to verify")
	}
	for _, c := range found {
		ok, err := sim.Verify(m, c)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if !ok {
			t.Errorf("finding did not verify: %v", c)
		}
	}
}

func TestBaseEmulatorUntouched(t *testing.T) {
	m, secure, halt := singleCheck(t)
	pcBefore := m.PC()
	cyclesBefore := m.Cycles()

	sim := armory.New(simContext(secure, halt))
	sim.SetNumberOfThreads(2)
	if _, err := sim.SimulateFaults(m, []armory.ModelCount{
		{Model: models.NewSkip(), Count: 1},
	}, 0); err != nil {
		t.Fatalf("simulate: %v", err)
	}

	if m.PC() != pcBefore || m.Cycles() != cyclesBefore {
		t.Error("simulation mutated the base emulator")
	}
}
