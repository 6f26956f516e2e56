package armory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemoPrepareFiltersByMultiset(t *testing.T) {
	table := newMemoTable()
	c0 := FaultCombination{Faults: []Fault{skipAt(1, 0x100)}}                   // model 0
	c1 := FaultCombination{Faults: []Fault{flipAt(1, 0x100, 0, 0)}}             // model 1
	c01 := FaultCombination{Faults: []Fault{skipAt(1, 0x100), flipAt(2, 0x200, 0, 0)}} // 0+1
	table.add(c0)
	table.add(c1)
	table.add(c01)

	known := table.prepare([]int{0})
	assert.Len(t, known, 1, "only the model-0 chain can prune a {0} multiset")

	known = table.prepare([]int{0, 1})
	assert.Len(t, known, 3)

	known = table.prepare([]int{1, 1})
	assert.Len(t, known, 1)
}

func TestMemoSeen(t *testing.T) {
	table := newMemoTable()
	c := FaultCombination{Faults: []Fault{skipAt(1, 0x100)}}
	assert.False(t, table.seen(c))
	table.add(c)
	assert.True(t, table.seen(c))

	// Same shape at a different time is the same finding.
	later := FaultCombination{Faults: []Fault{skipAt(5, 0x100)}}
	assert.True(t, table.seen(later))
}

func TestIsRedundant(t *testing.T) {
	known := []FaultCombination{
		{Faults: []Fault{skipAt(1, 0x100)}},
	}

	super := FaultCombination{Faults: []Fault{skipAt(1, 0x100), skipAt(2, 0x200)}}
	assert.True(t, isRedundant(super, known))

	unrelated := FaultCombination{Faults: []Fault{skipAt(1, 0x300), skipAt(2, 0x400)}}
	assert.False(t, isRedundant(unrelated, known))

	// A chain never prunes a shorter one.
	short := FaultCombination{Faults: []Fault{skipAt(1, 0x200)}}
	assert.False(t, isRedundant(short, []FaultCombination{super}))
}
