package order

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAt(t *testing.T) {
	tests := []struct {
		name     string
		count    int
		position int
		want     Plan
	}{
		{"append to empty", 0, 0, Plan{Position: 0}},
		{"append to end", 3, 3, Plan{Position: 3}},
		{"clamped past end", 3, 9, Plan{Position: 3}},
		{"negative clamped to head", 3, -2, Plan{Position: 0, Source: []Shift{{Start: 0, End: 2, Delta: 1}}}},
		{"insert at head", 3, 0, Plan{Position: 0, Source: []Shift{{Start: 0, End: 2, Delta: 1}}}},
		{"insert mid", 4, 2, Plan{Position: 2, Source: []Shift{{Start: 2, End: 3, Delta: 1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InsertAt(tt.count, tt.position))
		})
	}
}

func TestMoveWithinNoOp(t *testing.T) {
	plan := MoveWithin(5, 2, 2)
	assert.Empty(t, plan.Source)
	assert.Equal(t, 2, plan.Position)
}

func TestMoveWithinForward(t *testing.T) {
	// Moving 1 -> 3 pulls (1,3] back by one.
	plan := MoveWithin(5, 1, 3)
	require.Len(t, plan.Source, 1)
	assert.Equal(t, Shift{Start: 2, End: 3, Delta: -1}, plan.Source[0])
	assert.Equal(t, 3, plan.Position)
}

func TestMoveWithinBackward(t *testing.T) {
	// Moving 3 -> 1 pushes [1,3) up by one.
	plan := MoveWithin(5, 3, 1)
	require.Len(t, plan.Source, 1)
	assert.Equal(t, Shift{Start: 1, End: 2, Delta: 1}, plan.Source[0])
	assert.Equal(t, 1, plan.Position)
}

func TestMoveCardToHeadScenario(t *testing.T) {
	// [A B C D], move C (pos 2) to 0 => [C A B D], D untouched.
	items := []string{"A", "B", "C", "D"}
	plan := MoveWithin(len(items), 2, 0)
	got := Apply(items, 2, plan)
	assert.Equal(t, []string{"C", "A", "B", "D"}, got)
	// D stays at position 3: outside the shifted range.
	assert.Equal(t, "D", got[3])
}

func TestRemoveScenario(t *testing.T) {
	// Remove B (pos 1) from [A B C] => [A C].
	items := []string{"A", "B", "C"}
	got := Apply(items, 1, RemoveAt(len(items), 1))
	assert.Equal(t, []string{"A", "C"}, got)
}

func TestRemoveLast(t *testing.T) {
	plan := RemoveAt(3, 2)
	assert.Empty(t, plan.Source)
}

func TestMoveAcrossAppendScenario(t *testing.T) {
	// L1 has 3 items, move pos 1 to L2 (2 items) at pos 2 (append).
	l1 := []string{"a", "b", "c"}
	l2 := []string{"x", "y"}
	plan := MoveAcross(len(l1), len(l2), 1, 2)
	require.Equal(t, 2, plan.Position)
	assert.Equal(t, []Shift{{Start: 2, End: 2, Delta: -1}}, plan.Source)
	assert.Empty(t, plan.Dest)

	newL1 := Apply(l1, 1, Plan{Position: -1, Source: plan.Source})
	newL2 := ApplyInsert(l2, "b", Plan{Position: plan.Position})
	assert.Equal(t, []string{"a", "c"}, newL1)
	assert.Equal(t, []string{"x", "y", "b"}, newL2)
}

func TestMoveAcrossOpensSlot(t *testing.T) {
	plan := MoveAcross(4, 3, 0, 1)
	assert.Equal(t, []Shift{{Start: 1, End: 3, Delta: -1}}, plan.Source)
	assert.Equal(t, []Shift{{Start: 1, End: 2, Delta: 1}}, plan.Dest)
	assert.Equal(t, 1, plan.Position)
}

func TestMoveAcrossClampsDestination(t *testing.T) {
	plan := MoveAcross(2, 3, 0, 99)
	assert.Equal(t, 3, plan.Position)
	assert.Empty(t, plan.Dest)
}

func TestRoundTripRestoresOrdering(t *testing.T) {
	original := []string{"A", "B", "C", "D", "E"}
	for a := 0; a < len(original); a++ {
		for b := 0; b < len(original); b++ {
			items := append([]string(nil), original...)
			items = Apply(items, a, MoveWithin(len(items), a, b))
			// Find the moved item's current slot and move it back.
			back := MoveWithin(len(items), b, a)
			items = Apply(items, b, back)
			assert.Equal(t, original, items, "a=%d b=%d", a, b)
		}
	}
}

func TestRandomizedSequenceKeepsPermutation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	items := []string{}
	next := 0
	for step := 0; step < 500; step++ {
		switch op := rng.Intn(3); {
		case op == 0 || len(items) == 0:
			id := "item-" + strconv.Itoa(next)
			next++
			pos := rng.Intn(len(items) + 2)
			plan := InsertAt(len(items), pos)
			items = ApplyInsert(items, id, plan)
		case op == 1:
			from := rng.Intn(len(items))
			to := rng.Intn(len(items) + 1)
			items = Apply(items, from, MoveWithin(len(items), from, to))
		default:
			pos := rng.Intn(len(items))
			items = Apply(items, pos, RemoveAt(len(items), pos))
		}
		// Contiguity is implicit in the slice representation; what must
		// hold is that no item was lost or duplicated.
		seen := map[string]bool{}
		for _, id := range items {
			require.False(t, seen[id], "duplicate %q at step %d", id, step)
			seen[id] = true
		}
	}
}

func TestMinimalDisturbance(t *testing.T) {
	// Shifts never reach outside [min(from,to), max(from,to)].
	for from := 0; from < 6; from++ {
		for to := 0; to < 6; to++ {
			plan := MoveWithin(6, from, to)
			lo, hi := from, to
			if lo > hi {
				lo, hi = hi, lo
			}
			for _, s := range plan.Source {
				assert.GreaterOrEqual(t, s.Start, lo)
				assert.LessOrEqual(t, s.End, hi)
			}
		}
	}
}
