package crdt

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"
)

type markState struct {
	on bool
	by ID
}

// atom is one rune of the sequence plus its metadata. Tombstoned atoms stay
// in the slice forever; only their visibility changes.
type atom struct {
	pos       Position
	id        ID
	value     rune
	tombstone bool
	marks     map[string]markState
}

// Store is the replicated document state for one document on one replica.
// All operations, local and remote, flow through a single apply path, so
// the invariants hold no matter where an op came from.
//
// Store is not safe for concurrent use; the owning session serializes
// access to it.
type Store struct {
	replica  uint64
	counter  uint64
	atoms    []*atom
	byID     map[ID]*atom
	applied  map[ID]struct{}
	vector   StateVector
	log      []Op
	formats  []Op
	deferred map[ID]struct{}
	rnd      *rand.Rand
}

// NewStore returns an empty store owned by the given replica id.
func NewStore(replica uint64) *Store {
	return &Store{
		replica:  replica,
		byID:     make(map[ID]*atom),
		applied:  make(map[ID]struct{}),
		vector:   make(StateVector),
		deferred: make(map[ID]struct{}),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(replica))),
	}
}

// Replica returns the local replica id.
func (s *Store) Replica() uint64 {
	return s.replica
}

func (s *Store) nextID() ID {
	s.counter++
	return ID{Replica: s.replica, Counter: s.counter}
}

// Content returns the visible text of the document.
func (s *Store) Content() string {
	var b strings.Builder
	for _, a := range s.atoms {
		if !a.tombstone {
			b.WriteRune(a.value)
		}
	}
	return b.String()
}

// VisibleLength returns the number of visible runes.
func (s *Store) VisibleLength() int {
	n := 0
	for _, a := range s.atoms {
		if !a.tombstone {
			n++
		}
	}
	return n
}

// Length returns the total number of atoms, tombstones included.
func (s *Store) Length() int {
	return len(s.atoms)
}

// visibleAt returns the index into s.atoms of the ith visible atom, or -1.
func (s *Store) visibleAt(index int) int {
	count := 0
	for i, a := range s.atoms {
		if a.tombstone {
			continue
		}
		if count == index {
			return i
		}
		count++
	}
	return -1
}

// insertIndex returns the slice index at which an atom with the given
// position and id belongs. Atoms sort by position, then by id.
func (s *Store) insertIndex(pos Position, id ID) int {
	return sort.Search(len(s.atoms), func(i int) bool {
		c := s.atoms[i].pos.Compare(pos)
		if c != 0 {
			return c > 0
		}
		return CompareIDs(s.atoms[i].id, id) >= 0
	})
}

// LocalInsert inserts text at the given visible rune index, optionally with
// initial formatting marks. The visible sequence reflects the edit before
// the returned Update goes anywhere near the network.
func (s *Store) LocalInsert(index int, text string, marks map[string]bool) (Update, error) {
	if text == "" {
		return Update{}, ErrEmptyValue
	}
	if index < 0 || index > s.VisibleLength() {
		return Update{}, ErrPositionOutOfBounds
	}

	// Neighbors come from the full atom slice, tombstones included, so the
	// generated position lands exactly between two adjacent atoms.
	var left, right Position
	if ri := s.visibleAt(index); ri >= 0 {
		right = s.atoms[ri].pos
		if ri > 0 {
			left = s.atoms[ri-1].pos
		}
	} else if n := len(s.atoms); n > 0 {
		left = s.atoms[n-1].pos
	}

	var ops []Op
	for _, r := range text {
		pos := Between(left, right, s.replica, s.rnd)
		op := Op{Kind: OpInsert, ID: s.nextID(), Pos: pos, Value: string(r), Marks: cloneMarks(marks)}
		if err := s.applyOp(op); err != nil {
			return Update{Ops: ops}, err
		}
		ops = append(ops, op)
		left = pos
	}
	return Update{Ops: ops}, nil
}

// LocalDelete tombstones the visible rune range [start, end).
func (s *Store) LocalDelete(start, end int) (Update, error) {
	if start < 0 || end > s.VisibleLength() || start >= end {
		return Update{}, ErrPositionOutOfBounds
	}

	// Collect targets first: tombstoning shifts visible indexes.
	var targets []ID
	count := 0
	for _, a := range s.atoms {
		if a.tombstone {
			continue
		}
		if count >= start && count < end {
			targets = append(targets, a.id)
		}
		count++
	}

	ops := make([]Op, 0, len(targets))
	for _, target := range targets {
		op := Op{Kind: OpDelete, ID: s.nextID(), Target: target}
		if err := s.applyOp(op); err != nil {
			return Update{Ops: ops}, err
		}
		ops = append(ops, op)
	}
	return Update{Ops: ops}, nil
}

// LocalFormat toggles a named mark over the visible rune range [start, end).
// Concurrent toggles on overlapping ranges resolve last-writer-wins per
// atom, by op id order. Text inserted into the range later inherits the
// mark unless a newer op overrides it.
func (s *Store) LocalFormat(start, end int, mark string, on bool) (Update, error) {
	if mark == "" {
		return Update{}, ErrEmptyValue
	}
	if start < 0 || end > s.VisibleLength() || start >= end {
		return Update{}, ErrPositionOutOfBounds
	}

	startPos := s.atoms[s.visibleAt(start)].pos.Clone()
	var endPos Position
	if end < s.VisibleLength() {
		endPos = s.atoms[s.visibleAt(end)].pos.Clone()
	}

	op := Op{Kind: OpFormat, ID: s.nextID(), Mark: mark, On: on, Start: startPos, End: endPos}
	if err := s.applyOp(op); err != nil {
		return Update{}, err
	}
	return Update{Ops: []Op{op}}, nil
}

// Merge applies a remote update. Already-applied ops are skipped, deletes
// for not-yet-seen inserts are deferred, and a malformed op is rejected
// without touching the rest of the batch or the store.
func (s *Store) Merge(u Update) error {
	var errs []error
	for _, op := range u.Ops {
		if err := s.applyOp(op); err != nil {
			errs = append(errs, fmt.Errorf("op %d/%d: %w", op.ID.Replica, op.ID.Counter, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Store) applyOp(op Op) error {
	if err := op.Validate(); err != nil {
		return err
	}
	if _, ok := s.applied[op.ID]; ok {
		return nil
	}

	switch op.Kind {
	case OpInsert:
		runes := []rune(op.Value)
		if len(runes) != 1 {
			return ErrMalformedOp
		}
		a := &atom{pos: op.Pos.Clone(), id: op.ID, value: runes[0]}
		for name, on := range op.Marks {
			if a.marks == nil {
				a.marks = make(map[string]markState, len(op.Marks))
			}
			a.marks[name] = markState{on: on, by: op.ID}
		}
		if _, ok := s.deferred[op.ID]; ok {
			// A delete for this atom arrived first.
			a.tombstone = true
			delete(s.deferred, op.ID)
		}
		i := s.insertIndex(a.pos, a.id)
		s.atoms = append(s.atoms, nil)
		copy(s.atoms[i+1:], s.atoms[i:])
		s.atoms[i] = a
		s.byID[op.ID] = a
		// Re-run retained format ops against the new atom, so an insert
		// into a formatted range lands the same whether the format op
		// arrives before or after it.
		for _, f := range s.formats {
			s.applyMark(a, f)
		}

	case OpDelete:
		if a, ok := s.byID[op.Target]; ok {
			a.tombstone = true
		} else {
			s.deferred[op.Target] = struct{}{}
		}

	case OpFormat:
		for _, a := range s.atoms {
			if op.End != nil && a.pos.Compare(op.End) >= 0 {
				break
			}
			s.applyMark(a, op)
		}
		s.formats = append(s.formats, op)
	}

	s.applied[op.ID] = struct{}{}
	s.vector.Observe(op.ID)
	s.log = append(s.log, op)
	return nil
}

// applyMark resolves one format op against one atom: skip atoms outside the
// range, last-writer-wins by op id inside it. An atom's final mark state is
// the newest applicable op, whatever order the ops arrived in.
func (s *Store) applyMark(a *atom, f Op) {
	if f.Start != nil && a.pos.Compare(f.Start) < 0 {
		return
	}
	if f.End != nil && a.pos.Compare(f.End) >= 0 {
		return
	}
	if cur, ok := a.marks[f.Mark]; ok && !Newer(f.ID, cur.by) {
		return
	}
	if a.marks == nil {
		a.marks = make(map[string]markState)
	}
	a.marks[f.Mark] = markState{on: f.On, by: f.ID}
}

// StateVector returns a copy of the observed state vector.
func (s *Store) StateVector() StateVector {
	return s.vector.Clone()
}

// UpdateSince returns every logged op the given vector does not cover, in
// local log order. This is the delta-sync answer to a peer's vector.
func (s *Store) UpdateSince(sv StateVector) Update {
	var ops []Op
	for _, op := range s.log {
		if !sv.Covers(op.ID) {
			ops = append(ops, op)
		}
	}
	return Update{Ops: ops}
}

// Snapshot captures the full state of the store.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		Vector: s.vector.Clone(),
		Ops:    append([]Op(nil), s.log...),
	}
}

// LoadSnapshot replays a snapshot into the store. Loading into a non-empty
// store merges, which is the reconnect-replay case.
func (s *Store) LoadSnapshot(snap Snapshot) error {
	return s.Merge(Update{Ops: snap.Ops})
}

// MarksAt returns the marks that are on for the visible rune at index, or
// nil if there are none.
func (s *Store) MarksAt(index int) map[string]bool {
	i := s.visibleAt(index)
	if i < 0 {
		return nil
	}
	var out map[string]bool
	for name, st := range s.atoms[i].marks {
		if st.on {
			if out == nil {
				out = make(map[string]bool)
			}
			out[name] = true
		}
	}
	return out
}

func cloneMarks(marks map[string]bool) map[string]bool {
	if len(marks) == 0 {
		return nil
	}
	out := make(map[string]bool, len(marks))
	for k, v := range marks {
		out[k] = v
	}
	return out
}
