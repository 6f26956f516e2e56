// Package armory implements the parallel fault-injection simulation engine:
// combinatorial enumeration of fault chains, per-worker emulator cloning and
// snapshot rollback, redundancy pruning across model subsets, and
// hook-driven detection of end-of-execution and exploitability.
package armory

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/zboralski/armory/internal/emu"
	"github.com/zboralski/armory/internal/log"
)

// runMode selects what the per-thread pre-instruction hook does.
type runMode int

const (
	modeIdle runMode = iota
	// modeExecute checks halt addresses and consults the exploitability
	// model before every instruction.
	modeExecute
	// modeCollect records the executed instruction stream.
	modeCollect
)

// runStatus is the outcome of advancing or applying inside the recursion.
type runStatus int

const (
	stOK runStatus = iota
	// stSkip: this parameterization failed (emulator error); try the next.
	stSkip
	// stEnd: execution ended or the oracle said not-exploitable at this
	// point in time; no later placement on this branch can run either.
	stEnd
	// stExploit: the oracle fired.
	stExploit
)

// ThreadContext is the per-worker state: an emulator clone, a fresh
// exploitability model, the snapshot stack and local accumulators. Never
// shared between workers.
type ThreadContext struct {
	sim    *FaultSimulator
	emu    emu.Emulator
	oracle ExploitabilityModel

	cycle0 uint64

	mode       runMode
	endReached bool
	decision   Decision

	collected    []instr
	collectLimit int

	snapshots []*Snapshot
	newFaults []FaultCombination
	staged    map[uint64]struct{}
}

// FaultSimulator exhaustively explores combinations of faults against a
// base emulator state and returns every combination that drives the program
// into an exploitable state.
type FaultSimulator struct {
	ctx Context
	log *log.Logger

	printProgress bool
	numThreads    int

	// populated per SimulateFaults run
	models          []FaultModel
	allInstructions []instr
	budget          uint64

	progress      atomic.Uint32
	progressDone  atomic.Uint64
	progressTotal uint64
	printMu       sync.Mutex

	synchMu        sync.Mutex
	memo           *memoTable
	newExploitable []FaultCombination

	numInjections   atomic.Uint64
	numEmuErrors    atomic.Uint64
	numOracleErrors atomic.Uint64
}

// New creates a fault simulator. The context defines when a fault chain is
// exploitable.
func New(ctx Context) *FaultSimulator {
	l := log.L
	if l == nil {
		l = log.NewNop()
	}
	return &FaultSimulator{ctx: ctx, log: l, memo: newMemoTable()}
}

// SetNumberOfThreads sets the worker count. 0 (default) uses the number of
// CPU cores.
func (s *FaultSimulator) SetNumberOfThreads(n int) { s.numThreads = n }

// EnableProgressPrinting enables the stderr progress heartbeat. Disabled by
// default; output goes to stderr to stay separable from results.
func (s *FaultSimulator) EnableProgressPrinting(on bool) { s.printProgress = on }

// NumberOfInjectedFaults returns the total number of faults injected during
// the last SimulateFaults call.
func (s *FaultSimulator) NumberOfInjectedFaults() uint64 { return s.numInjections.Load() }

// NumberOfEmulatorErrors returns how many replays died on an emulator error
// and were rolled back.
func (s *FaultSimulator) NumberOfEmulatorErrors() uint64 { return s.numEmuErrors.Load() }

// NumberOfOracleErrors returns how many replays had a failing
// exploitability decision, counted as not-exploitable.
func (s *FaultSimulator) NumberOfOracleErrors() uint64 { return s.numOracleErrors.Load() }

// SimulateFaults tests all combinations of the given fault models against
// the base emulator state and returns the exploitable chains, deduplicated
// by fingerprint.
//
// The base emulator is taken as-is: callers may initialize memory, add
// their own hooks and emulate arbitrary instructions before fault injection
// starts. Every model must appear only once; use the count for multiple
// instances. At most maxSimultaneous faults are injected into a single
// replay; 0 means no upper limit.
func (s *FaultSimulator) SimulateFaults(base emu.Emulator, models []ModelCount, maxSimultaneous int) ([]FaultCombination, error) {
	s.numInjections.Store(0)
	s.numEmuErrors.Store(0)
	s.numOracleErrors.Store(0)
	s.progress.Store(0)
	s.progressDone.Store(0)
	s.memo = newMemoTable()
	s.newExploitable = nil
	s.models = nil

	if len(models) == 0 {
		return nil, nil
	}
	if s.ctx.NewModel == nil {
		return nil, fmt.Errorf("%w: no exploitability model factory", ErrInvalidConfig)
	}

	counts := make([]int, 0, len(models))
	total := 0
	names := make(map[string]bool, len(models))
	for _, mc := range models {
		if mc.Model == nil || mc.Count <= 0 {
			return nil, fmt.Errorf("%w: nil model or non-positive count", ErrInvalidConfig)
		}
		if names[mc.Model.Name()] {
			return nil, fmt.Errorf("%w: fault model %q appears twice", ErrInvalidConfig, mc.Model.Name())
		}
		names[mc.Model.Name()] = true
		if mc.Model.Kind().IsInstruction() {
			if _, ok := mc.Model.(InstructionModel); !ok {
				return nil, fmt.Errorf("%w: model %q does not implement InstructionModel", ErrInvalidConfig, mc.Model.Name())
			}
		} else {
			if _, ok := mc.Model.(RegisterModel); !ok {
				return nil, fmt.Errorf("%w: model %q does not implement RegisterModel", ErrInvalidConfig, mc.Model.Name())
			}
		}
		s.models = append(s.models, mc.Model)
		counts = append(counts, mc.Count)
		total += mc.Count
	}
	if maxSimultaneous > total {
		return nil, fmt.Errorf("%w: max simultaneous faults %d exceeds total multiplicity %d", ErrInvalidConfig, maxSimultaneous, total)
	}

	all, err := collectInstructions(base, &s.ctx)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("%w: empty instruction universe", ErrInvalidConfig)
	}
	s.allInstructions = all
	s.budget = uint64(len(all)) + cycleSlack

	multisets := modelCombinations(counts, maxSimultaneous)

	threads := s.numThreads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	contexts := make([]*ThreadContext, threads)
	for i := range contexts {
		contexts[i], err = s.newThreadContext(base)
		if err != nil {
			for _, tc := range contexts[:i] {
				tc.emu.Close()
			}
			return nil, err
		}
	}
	defer func() {
		for _, tc := range contexts {
			tc.emu.Close()
		}
	}()

	s.progressTotal = uint64(len(multisets)) * uint64(len(all))

	// Multisets run shortest-first so shorter exploitable chains populate
	// the memoizer before longer chains are attempted. Findings are folded
	// into the shared table only between iterations; during one iteration
	// workers read it without locking.
	for _, ms := range multisets {
		known := s.memo.prepare(ms)

		seeds := make(chan int)
		var g errgroup.Group
		for _, tc := range contexts {
			tc := tc
			g.Go(func() error {
				for idx := range seeds {
					s.placeFault(tc, ms, known, 0, s.allInstructions, idx, FaultCombination{})
					s.bumpProgress()
				}
				return nil
			})
		}
		for i := range all {
			seeds <- i
		}
		close(seeds)
		g.Wait()

		s.fold(contexts)
	}

	s.finishProgress()

	results := make([]FaultCombination, len(s.newExploitable))
	copy(results, s.newExploitable)
	sort.Slice(results, func(i, j int) bool {
		if results[i].Len() != results[j].Len() {
			return results[i].Len() < results[j].Len()
		}
		return results[i].Fingerprint() < results[j].Fingerprint()
	})
	return results, nil
}

func (s *FaultSimulator) newThreadContext(base emu.Emulator) (*ThreadContext, error) {
	clone, err := base.Clone()
	if err != nil {
		return nil, fmt.Errorf("clone emulator: %w", err)
	}
	tc := &ThreadContext{
		sim:    s,
		emu:    clone,
		oracle: s.ctx.NewModel(),
		cycle0: clone.Cycles(),
		staged: make(map[uint64]struct{}),
	}
	clone.HookCode(tc.onCode)
	clone.HookMemWrite(tc.onMemWrite)
	return tc, nil
}

// time is the replay instruction counter: slots consumed since the base
// state.
func (tc *ThreadContext) time() uint32 {
	return uint32(tc.emu.Cycles() - tc.cycle0)
}

func (tc *ThreadContext) resetRun() {
	tc.endReached = false
	tc.decision = Continue
}

// onCode is the pre-instruction hook installed on every worker emulator.
func (tc *ThreadContext) onCode(e emu.Emulator, addr uint64, size uint32) {
	switch tc.mode {
	case modeCollect:
		if tc.sim.ctx.isHalt(addr) {
			tc.endReached = true
			e.Stop()
			return
		}
		if len(tc.collected) >= tc.collectLimit {
			e.Stop()
			return
		}
		tc.collected = append(tc.collected, instr{addr: addr, size: size})
	case modeExecute:
		if tc.sim.ctx.isHalt(addr) {
			tc.endReached = true
			e.Stop()
			return
		}
		d, err := tc.oracle.Decide(e)
		if err != nil {
			tc.sim.numOracleErrors.Add(1)
			tc.decision = NotExploitable
			e.Stop()
			return
		}
		if d != Continue {
			tc.decision = d
			e.Stop()
		}
	}
}

// onMemWrite journals guest stores into the topmost snapshot.
func (tc *ThreadContext) onMemWrite(e emu.Emulator, addr uint64, old []byte) {
	if len(tc.snapshots) == 0 {
		return
	}
	cp := make([]byte, len(old))
	copy(cp, old)
	top := tc.snapshots[len(tc.snapshots)-1]
	top.journal = append(top.journal, memDelta{addr: addr, old: cp})
}

// advance executes steps instructions with end detection active.
func (tc *ThreadContext) advance(steps uint64) runStatus {
	if steps == 0 {
		return stOK
	}
	tc.resetRun()
	tc.mode = modeExecute
	start := tc.emu.Cycles()
	err := tc.emu.Run(steps)
	tc.mode = modeIdle
	if err != nil {
		tc.sim.numEmuErrors.Add(1)
		return stEnd
	}
	if tc.decision == Exploitable {
		return stExploit
	}
	if tc.decision == NotExploitable || tc.endReached {
		return stEnd
	}
	if tc.emu.Cycles()-start < steps {
		// The machine stopped on its own before the target.
		return stEnd
	}
	return stOK
}

// gatherOrder scouts the instruction stream from the current (faulted)
// state without disturbing it, up to limit instructions. The result
// replaces the stale tail of the pre-run universe: placements after an
// injection must follow the control flow the fault actually produced.
func (tc *ThreadContext) gatherOrder(limit uint64) []instr {
	tc.push()
	tc.resetRun()
	tc.mode = modeCollect
	tc.collected = tc.collected[:0]
	tc.collectLimit = int(limit)
	// An emulator error just ends the scout.
	_ = tc.emu.Run(limit)
	tc.mode = modeIdle
	scout := make([]instr, len(tc.collected))
	copy(scout, tc.collected)
	tc.pop()
	return scout
}

// simulateFault places the model at the given depth of the multiset at
// every remaining stream position, depth-first.
func (s *FaultSimulator) simulateFault(tc *ThreadContext, ms []int, known []FaultCombination, depth int, order []instr, orderIdx int, chain FaultCombination) {
	for idx := orderIdx; idx < len(order); idx++ {
		if s.placeFault(tc, ms, known, depth, order, idx, chain) != stOK {
			// The oracle decided, or execution ended, before slot idx;
			// every later placement hits the same decision point.
			break
		}
	}
}

// placeFault tries every parameterization of the depth's model at stream
// position idx: snapshot, advance, inject, recurse, roll back.
func (s *FaultSimulator) placeFault(tc *ThreadContext, ms []int, known []FaultCombination, depth int, order []instr, idx int, chain FaultCombination) runStatus {
	model := s.models[ms[depth]]
	target := order[idx]

	var faults []Fault
	if model.Kind().IsInstruction() {
		for p := 0; p < model.ParamCount(); p++ {
			faults = append(faults, Fault{
				Kind:      model.Kind(),
				Model:     ms[depth],
				Param:     p,
				Time:      uint32(idx),
				Addr:      target.addr,
				InstrSize: target.size,
			})
		}
	} else {
		rm := model.(RegisterModel)
		for _, reg := range rm.Registers() {
			for p := 0; p < model.ParamCount(); p++ {
				faults = append(faults, Fault{
					Kind:     model.Kind(),
					Model:    ms[depth],
					Param:    p,
					Time:     uint32(idx),
					Addr:     target.addr,
					Register: reg,
				})
			}
		}
	}

	for _, f := range faults {
		next := chain.with(f)
		if isRedundant(next, known) {
			// Every completion of a redundant prefix is redundant.
			continue
		}

		tc.push()
		st := tc.advance(uint64(idx) - uint64(tc.time()))
		if st != stOK {
			tc.pop()
			if st == stExploit {
				// The chain placed so far is exploitable on its own.
				// Record the shorter chain and stop deepening here.
				s.record(tc, known, chain)
			}
			return st
		}

		switch s.applyFault(tc, f, model) {
		case stExploit:
			// Pre-instruction decision at slot idx: attributable to the
			// prior chain alone.
			tc.pop()
			s.record(tc, known, chain)
			return stExploit
		case stEnd:
			tc.pop()
			return stEnd
		case stSkip:
			tc.pop()
			continue
		}

		if depth+1 < len(ms) {
			// Re-scout the stream: placements of the next fault must
			// follow the control flow this injection produced, which can
			// leave the fault-free trace entirely.
			t := uint64(tc.time())
			newOrder := append(order[:t:t], tc.gatherOrder(s.budget-t)...)
			s.simulateFault(tc, ms, known, depth+1, newOrder, idx+1, next)
		} else {
			s.finalRun(tc, known, next)
		}
		tc.pop()
	}
	return stOK
}

// applyFault injects a single fault at the pending instruction.
func (s *FaultSimulator) applyFault(tc *ThreadContext, f Fault, model FaultModel) runStatus {
	s.numInjections.Add(1)
	je := journalEmu{Emulator: tc.emu, tc: tc}

	switch f.Kind {
	case InstructionSkip:
		im := model.(InstructionModel)
		if err := im.Apply(je, f.Addr, f.InstrSize, f.Param); err != nil {
			s.numEmuErrors.Add(1)
			return stSkip
		}
		// The skipped slot still consumes one cycle.
		tc.emu.SetCycles(tc.emu.Cycles() + 1)
		return stOK

	case InstructionReplace:
		im := model.(InstructionModel)
		orig, err := tc.emu.ReadMemory(f.Addr, int(f.InstrSize))
		if err != nil {
			s.numEmuErrors.Add(1)
			return stSkip
		}
		if err := im.Apply(je, f.Addr, f.InstrSize, f.Param); err != nil {
			s.numEmuErrors.Add(1)
			return stSkip
		}
		// Execute the substitute once, then put the original back so the
		// fault stays transient within the replay window.
		tc.resetRun()
		tc.mode = modeExecute
		err = tc.emu.Run(1)
		tc.mode = modeIdle
		if err != nil {
			s.numEmuErrors.Add(1)
			return stSkip
		}
		if tc.decision == Exploitable {
			return stExploit
		}
		if tc.decision == NotExploitable || tc.endReached {
			return stEnd
		}
		if err := je.WriteMemory(f.Addr, orig); err != nil {
			s.numEmuErrors.Add(1)
			return stSkip
		}
		return stOK

	case InstructionPermanent:
		im := model.(InstructionModel)
		h := tc.emu.HookAddress(f.Addr, func(e emu.Emulator) {
			if err := im.Apply(journalEmu{Emulator: e, tc: tc}, f.Addr, f.InstrSize, f.Param); err != nil {
				tc.sim.numEmuErrors.Add(1)
				e.Stop()
			}
		})
		tc.adoptHook(h)
		return stOK

	case RegisterTransient:
		rm := model.(RegisterModel)
		if err := rm.Apply(je, f.Register, f.Param); err != nil {
			s.numEmuErrors.Add(1)
			return stSkip
		}
		return stOK

	case RegisterPermanent:
		rm := model.(RegisterModel)
		if err := rm.Apply(je, f.Register, f.Param); err != nil {
			s.numEmuErrors.Add(1)
			return stSkip
		}
		param := f.Param
		h := tc.emu.HookRegisterWrite(f.Register, func(e emu.Emulator, r emu.Reg, v uint64) {
			_ = rm.Apply(journalEmu{Emulator: e, tc: tc}, r, param)
		})
		tc.adoptHook(h)
		return stOK
	}
	return stSkip
}

// finalRun resumes the fully-faulted replay until a decision point or the
// cycle budget.
func (s *FaultSimulator) finalRun(tc *ThreadContext, known []FaultCombination, chain FaultCombination) {
	t := uint64(tc.time())
	if t >= s.budget {
		return
	}
	if tc.advance(s.budget-t) == stExploit {
		s.record(tc, known, chain)
	}
}

// record stages a proven exploitable chain in the worker's local buffer.
func (s *FaultSimulator) record(tc *ThreadContext, known []FaultCombination, chain FaultCombination) {
	if chain.Len() == 0 {
		return
	}
	if isRedundant(chain, known) {
		return
	}
	fp := chain.Fingerprint()
	if _, ok := tc.staged[fp]; ok {
		return
	}
	tc.staged[fp] = struct{}{}
	tc.newFaults = append(tc.newFaults, chain)
}

// fold merges per-thread findings into the shared memoization table between
// multiset iterations. Shorter chains fold first so a superset staged in
// the same iteration by another worker is dropped here.
func (s *FaultSimulator) fold(contexts []*ThreadContext) {
	s.synchMu.Lock()
	defer s.synchMu.Unlock()

	var staged []FaultCombination
	for _, tc := range contexts {
		staged = append(staged, tc.newFaults...)
		tc.newFaults = tc.newFaults[:0]
		clear(tc.staged)
	}
	sort.Slice(staged, func(i, j int) bool {
		if staged[i].Len() != staged[j].Len() {
			return staged[i].Len() < staged[j].Len()
		}
		return staged[i].Fingerprint() < staged[j].Fingerprint()
	})
	for _, c := range staged {
		if s.memo.seen(c) || isRedundant(c, s.memo.all) {
			continue
		}
		s.memo.add(c)
		s.newExploitable = append(s.newExploitable, c)
		s.log.Finding(c.Len(), c.Fingerprint())
	}
}

func (s *FaultSimulator) bumpProgress() {
	done := s.progressDone.Add(1)
	pct := uint32(done * 100 / s.progressTotal)
	if pct > 99 {
		// 100 is reserved for the end of the whole run.
		pct = 99
	}
	s.setProgress(pct)
}

func (s *FaultSimulator) finishProgress() {
	s.setProgress(100)
}

func (s *FaultSimulator) setProgress(pct uint32) {
	for {
		old := s.progress.Load()
		if pct <= old {
			return
		}
		if !s.progress.CompareAndSwap(old, pct) {
			continue
		}
		if s.printProgress {
			s.printMu.Lock()
			for p := old + 1; p <= pct; p++ {
				fmt.Fprintf(os.Stderr, "[armory] progress: %d%%\n", p)
			}
			s.printMu.Unlock()
		}
		return
	}
}

// Verify replays a single fault combination on a fresh clone of the base
// emulator and reports whether the exploitability model still fires. Only
// valid for chains returned by the preceding SimulateFaults call, whose
// model table is still loaded.
func (s *FaultSimulator) Verify(base emu.Emulator, c FaultCombination) (bool, error) {
	// Verification injections do not count toward the preceding run.
	injections := s.numInjections.Load()
	defer s.numInjections.Store(injections)

	all, err := collectInstructions(base, &s.ctx)
	if err != nil {
		return false, err
	}
	budget := uint64(len(all)) + cycleSlack

	tc, err := s.newThreadContext(base)
	if err != nil {
		return false, err
	}
	defer tc.emu.Close()

	tc.push()
	defer tc.pop()

	exploited := false
	for _, f := range c.Faults {
		if f.Model < 0 || f.Model >= len(s.models) {
			return false, fmt.Errorf("%w: fault references unknown model %d", ErrInvalidConfig, f.Model)
		}
		st := tc.advance(uint64(f.Time) - uint64(tc.time()))
		if st == stExploit {
			exploited = true
			break
		}
		if st != stOK {
			return false, nil
		}
		switch s.applyFault(tc, f, s.models[f.Model]) {
		case stExploit:
			exploited = true
		case stEnd, stSkip:
			return false, nil
		}
		if exploited {
			break
		}
	}
	if !exploited {
		if t := uint64(tc.time()); t < budget {
			exploited = tc.advance(budget-t) == stExploit
		}
	}
	return exploited, nil
}
