package armory

import "sort"

// memoTable remembers proven-exploitable fault combinations across multiset
// iterations. A longer chain containing a known-exploitable sub-chain is
// redundant: adding faults to a working attack is not a new finding.
//
// Workers only read the table during a multiset iteration; the coordinator
// folds staged findings in under the synchronization mutex between
// iterations. Enumerating multisets shortest-first guarantees shorter
// chains land in the table before longer ones are attempted, which is what
// makes every returned chain minimal.
type memoTable struct {
	// chains groups known-exploitable combinations by their sorted model
	// multiset, so only chains that can possibly be sub-chains of the
	// current multiset need checking.
	chains map[string][]FaultCombination
	// fingerprints of all known chains, for cross-thread deduplication.
	fingerprints map[uint64]struct{}
	// all known chains in fold order, for subset checks at fold time.
	all []FaultCombination
}

func newMemoTable() *memoTable {
	return &memoTable{
		chains:       make(map[string][]FaultCombination),
		fingerprints: make(map[uint64]struct{}),
	}
}

func multisetKey(ms []int) string {
	sorted := make([]int, len(ms))
	copy(sorted, ms)
	sort.Ints(sorted)
	buf := make([]byte, 0, len(sorted)*2)
	for _, m := range sorted {
		buf = append(buf, byte(m), byte(m>>8))
	}
	return string(buf)
}

// prepare returns every known chain whose model multiset is contained in
// the multiset about to be simulated. Only those can prune its chains.
func (t *memoTable) prepare(ms []int) []FaultCombination {
	sorted := make([]int, len(ms))
	copy(sorted, ms)
	sort.Ints(sorted)

	var relevant []FaultCombination
	for _, chains := range t.chains {
		if len(chains) == 0 {
			continue
		}
		if multisetContains(sorted, chains[0].modelMultiset()) {
			relevant = append(relevant, chains...)
		}
	}
	return relevant
}

// seen reports whether an identical chain (by fingerprint) is already known.
func (t *memoTable) seen(c FaultCombination) bool {
	_, ok := t.fingerprints[c.Fingerprint()]
	return ok
}

// add folds a proven chain into the table.
func (t *memoTable) add(c FaultCombination) {
	key := multisetKey(c.modelMultiset())
	t.chains[key] = append(t.chains[key], c)
	t.fingerprints[c.Fingerprint()] = struct{}{}
	t.all = append(t.all, c)
}

// isRedundant reports whether chain contains any known-exploitable chain as
// a sub-multiset. Pruning at partial chains cuts whole subtrees: every
// completion of a redundant prefix is redundant too.
func isRedundant(chain FaultCombination, known []FaultCombination) bool {
	for _, k := range known {
		if k.Len() == 0 || k.Len() > chain.Len() {
			continue
		}
		if chain.ContainsAll(k) {
			return true
		}
	}
	return false
}
