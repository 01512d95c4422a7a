// Package crdt implements a convergent sequence data structure for
// collaborative text editing. Every replica applies the same set of
// operations, in any order and any number of times, and ends up with the
// same visible text. Deleted atoms are kept as tombstones so that merges
// stay correct; they are never collected.
package crdt

import "errors"

var (
	ErrPositionOutOfBounds = errors.New("position out of bounds")
	ErrEmptyValue          = errors.New("empty value provided")
	ErrMalformedOp         = errors.New("malformed operation")
)

// ID identifies a single operation. Replica is the originating replica's
// random id, Counter its per-replica monotonic clock. The pair is globally
// unique.
type ID struct {
	Replica uint64
	Counter uint64
}

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool {
	return id.Replica == 0 && id.Counter == 0
}

// CompareIDs orders ids structurally: by replica, then by counter. It is the
// tie-break used when two atoms end up with equal position identifiers.
func CompareIDs(a, b ID) int {
	switch {
	case a.Replica < b.Replica:
		return -1
	case a.Replica > b.Replica:
		return 1
	case a.Counter < b.Counter:
		return -1
	case a.Counter > b.Counter:
		return 1
	}
	return 0
}

// Newer reports whether a is more recent than b in last-writer-wins order:
// higher counter wins, replica id breaks ties.
func Newer(a, b ID) bool {
	if a.Counter != b.Counter {
		return a.Counter > b.Counter
	}
	return a.Replica > b.Replica
}

// Segment is one level of a position identifier.
type Segment struct {
	Digit   uint32
	Replica uint64
}

// Position is a Logoot-style dense position identifier: a path of segments
// ordered lexicographically. A nil Position is only valid as an unbounded
// range endpoint in format operations.
type Position []Segment

// Compare orders positions lexicographically. Segments compare by digit,
// then by replica. A strict prefix sorts before its extensions.
func (p Position) Compare(q Position) int {
	n := len(p)
	if len(q) < n {
		n = len(q)
	}
	for i := 0; i < n; i++ {
		a, b := p[i], q[i]
		switch {
		case a.Digit < b.Digit:
			return -1
		case a.Digit > b.Digit:
			return 1
		case a.Replica < b.Replica:
			return -1
		case a.Replica > b.Replica:
			return 1
		}
	}
	switch {
	case len(p) < len(q):
		return -1
	case len(p) > len(q):
		return 1
	}
	return 0
}

// Clone returns an independent copy of the position.
func (p Position) Clone() Position {
	if p == nil {
		return nil
	}
	out := make(Position, len(p))
	copy(out, p)
	return out
}

// StateVector summarizes which operations a replica has observed: the
// highest counter seen per originating replica. It is exchanged on connect
// to compute the minimal set of missing updates.
type StateVector map[uint64]uint64

// Covers reports whether the vector accounts for the given operation id.
func (sv StateVector) Covers(id ID) bool {
	return sv[id.Replica] >= id.Counter
}

// Observe folds an operation id into the vector.
func (sv StateVector) Observe(id ID) {
	if id.Counter > sv[id.Replica] {
		sv[id.Replica] = id.Counter
	}
}

// Clone returns an independent copy of the vector.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}
