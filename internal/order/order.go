// Package order plans the position shifts needed to keep items inside a
// container at contiguous zero-based positions across inserts, moves, and
// removals. It performs no I/O: callers translate the returned shifts into
// storage writes inside their own transaction.
package order

// Shift adjusts every item whose position lies in [Start, End] by Delta.
// The subject of the operation itself is never part of a shift; its final
// position is reported separately.
type Shift struct {
	Start int
	End   int
	Delta int
}

// Plan is the full set of effects for one operation. Source shifts apply to
// the container the subject leaves (or lives in), Dest shifts to the
// container it enters on a cross-container move. Position is the subject's
// final slot in its final container.
type Plan struct {
	Source   []Shift
	Dest     []Shift
	Position int
}

// InsertAt plans inserting a new item into a container currently holding
// count items. Positions beyond the end are clamped to an append; client
// drag indices can race ahead of server state, so out-of-range input is not
// an error.
func InsertAt(count, position int) Plan {
	position = clamp(position, 0, count)
	plan := Plan{Position: position}
	if position < count {
		plan.Source = append(plan.Source, Shift{Start: position, End: count - 1, Delta: +1})
	}
	return plan
}

// MoveWithin plans moving the item at from to to inside a container of
// count items. Only the half-open range between the two slots shifts;
// everything outside it keeps its position. A move to the same slot is a
// no-op plan.
func MoveWithin(count, from, to int) Plan {
	to = clamp(to, 0, count-1)
	plan := Plan{Position: to}
	switch {
	case to > from:
		plan.Source = append(plan.Source, Shift{Start: from + 1, End: to, Delta: -1})
	case to < from:
		plan.Source = append(plan.Source, Shift{Start: to, End: from - 1, Delta: +1})
	}
	return plan
}

// MoveAcross plans moving the item at from in a container of sourceCount
// items into a container of destCount items at to. The source closes the
// gap left behind; the destination opens a slot. to is clamped to
// [0, destCount] so an over-long index appends.
func MoveAcross(sourceCount, destCount, from, to int) Plan {
	to = clamp(to, 0, destCount)
	plan := Plan{Position: to}
	if from < sourceCount-1 {
		plan.Source = append(plan.Source, Shift{Start: from + 1, End: sourceCount - 1, Delta: -1})
	}
	if to < destCount {
		plan.Dest = append(plan.Dest, Shift{Start: to, End: destCount - 1, Delta: +1})
	}
	return plan
}

// RemoveAt plans deleting the item at position from a container of count
// items: everything after it compacts down by one.
func RemoveAt(count, position int) Plan {
	plan := Plan{Position: -1}
	if position < count-1 {
		plan.Source = append(plan.Source, Shift{Start: position + 1, End: count - 1, Delta: -1})
	}
	return plan
}

// Apply replays source-side shifts over a position→itemID view of a
// container and slots subject at plan.Position (or drops it when the plan
// removes it). It exists so the planner can be exercised against in-memory
// permutations; the store applies plans as range UPDATEs instead.
func Apply(items []string, subject int, plan Plan) []string {
	var subjectID string
	rest := make([]string, 0, len(items))
	for i, id := range items {
		if i == subject {
			subjectID = id
			continue
		}
		rest = append(rest, id)
	}
	if plan.Position < 0 {
		return rest
	}
	out := make([]string, 0, len(items))
	out = append(out, rest[:plan.Position]...)
	out = append(out, subjectID)
	out = append(out, rest[plan.Position:]...)
	return out
}

// ApplyInsert slots a new item into an existing ordering per an InsertAt
// plan.
func ApplyInsert(items []string, id string, plan Plan) []string {
	out := make([]string, 0, len(items)+1)
	out = append(out, items[:plan.Position]...)
	out = append(out, id)
	out = append(out, items[plan.Position:]...)
	return out
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
