package crdt

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// exchange merges each store's missing ops into the other, the way two
// peers resync after a reconnect.
func exchange(t *testing.T, a, b *Store) {
	t.Helper()
	fromA := a.UpdateSince(b.StateVector())
	fromB := b.UpdateSince(a.StateVector())
	if err := b.Merge(fromA); err != nil {
		t.Fatalf("merge into b: %v", err)
	}
	if err := a.Merge(fromB); err != nil {
		t.Fatalf("merge into a: %v", err)
	}
}

func mustInsert(t *testing.T, s *Store, index int, text string) Update {
	t.Helper()
	u, err := s.LocalInsert(index, text, nil)
	if err != nil {
		t.Fatalf("insert %q at %d: %v", text, index, err)
	}
	return u
}

func TestNewStore(t *testing.T) {
	s := NewStore(1)

	if got, want := s.Content(), ""; got != want {
		t.Errorf("got != want; got = %q, expected = %q", got, want)
	}
	if got, want := s.VisibleLength(), 0; got != want {
		t.Errorf("got != want; got = %v, expected = %v", got, want)
	}
}

func TestLocalInsert_Echo(t *testing.T) {
	s := NewStore(1)

	// The visible sequence changes before any network round-trip.
	mustInsert(t, s, 0, "hello")

	if got, want := s.Content(), "hello"; got != want {
		t.Errorf("got != want; got = %q, expected = %q", got, want)
	}

	mustInsert(t, s, 5, ", world")
	mustInsert(t, s, 0, ">> ")

	if got, want := s.Content(), ">> hello, world"; got != want {
		t.Errorf("got != want; got = %q, expected = %q", got, want)
	}
}

func TestLocalInsert_OutOfBounds(t *testing.T) {
	s := NewStore(1)
	mustInsert(t, s, 0, "ab")

	if _, err := s.LocalInsert(3, "x", nil); !errors.Is(err, ErrPositionOutOfBounds) {
		t.Errorf("expected ErrPositionOutOfBounds, got %v", err)
	}
	if _, err := s.LocalInsert(-1, "x", nil); !errors.Is(err, ErrPositionOutOfBounds) {
		t.Errorf("expected ErrPositionOutOfBounds, got %v", err)
	}
	if _, err := s.LocalInsert(0, "", nil); !errors.Is(err, ErrEmptyValue) {
		t.Errorf("expected ErrEmptyValue, got %v", err)
	}
}

func TestLocalDelete(t *testing.T) {
	s := NewStore(1)
	mustInsert(t, s, 0, "hello world")

	if _, err := s.LocalDelete(5, 11); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if got, want := s.Content(), "hello"; got != want {
		t.Errorf("got != want; got = %q, expected = %q", got, want)
	}
	// Tombstones stay behind.
	if got, want := s.Length(), 11; got != want {
		t.Errorf("got != want; got = %v, expected = %v", got, want)
	}

	if _, err := s.LocalDelete(3, 9); !errors.Is(err, ErrPositionOutOfBounds) {
		t.Errorf("expected ErrPositionOutOfBounds, got %v", err)
	}
}

// TestConcurrentInsert_SamePosition is the two-replica scenario: both insert
// at index 0 on the same base state, then exchange updates. The relative
// order is decided by the tie-break and must be identical on both sides.
func TestConcurrentInsert_SamePosition(t *testing.T) {
	a := NewStore(1)
	b := NewStore(2)

	ua := mustInsert(t, a, 0, "X")
	ub := mustInsert(t, b, 0, "Y")

	if err := a.Merge(ub); err != nil {
		t.Fatalf("merge into a: %v", err)
	}
	if err := b.Merge(ua); err != nil {
		t.Fatalf("merge into b: %v", err)
	}

	got, want := a.Content(), b.Content()
	if got != want {
		t.Errorf("replicas diverged; a = %q, b = %q", got, want)
	}
	if len(got) != 2 {
		t.Errorf("expected both characters, got %q", got)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	a := NewStore(1)
	b := NewStore(2)

	u := mustInsert(t, a, 0, "abc")

	if err := b.Merge(u); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := b.Merge(u); err != nil {
		t.Fatalf("second merge: %v", err)
	}

	if got, want := b.Content(), "abc"; got != want {
		t.Errorf("got != want; got = %q, expected = %q", got, want)
	}
}

// TestMerge_OrderIndependent applies the same set of updates to two fresh
// replicas in opposite orders, with a duplicate thrown in.
func TestMerge_OrderIndependent(t *testing.T) {
	src := NewStore(7)
	u1 := mustInsert(t, src, 0, "hello")
	u2 := mustInsert(t, src, 5, " world")
	u3, err := src.LocalDelete(0, 1)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	u4 := mustInsert(t, src, 0, "H")

	forward := []Update{u1, u2, u3, u4}
	backward := []Update{u4, u3, u2, u1, u2}

	x := NewStore(8)
	for _, u := range forward {
		if err := x.Merge(u); err != nil {
			t.Fatalf("forward merge: %v", err)
		}
	}
	y := NewStore(9)
	for _, u := range backward {
		if err := y.Merge(u); err != nil {
			t.Fatalf("backward merge: %v", err)
		}
	}

	if diff := cmp.Diff(x.Content(), y.Content()); diff != "" {
		t.Errorf("replicas diverged; diff = %v", diff)
	}
	if got, want := x.Content(), src.Content(); got != want {
		t.Errorf("got != want; got = %q, expected = %q", got, want)
	}
}

// TestDeferredDelete delivers a delete before the insert it targets. The
// tombstone must hold once the insert arrives.
func TestDeferredDelete(t *testing.T) {
	src := NewStore(1)
	ins := mustInsert(t, src, 0, "a")
	del, err := src.LocalDelete(0, 1)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}

	late := NewStore(2)
	if err := late.Merge(del); err != nil {
		t.Fatalf("merge delete: %v", err)
	}
	if err := late.Merge(ins); err != nil {
		t.Fatalf("merge insert: %v", err)
	}

	if got, want := late.Content(), ""; got != want {
		t.Errorf("got != want; got = %q, expected = %q", got, want)
	}
}

// TestOfflineResync is the delete-then-offline-edit scenario: a replica
// disconnects, edits locally, and resyncs. Both sides must hold the union
// of edits with no resurrection of deleted text.
func TestOfflineResync(t *testing.T) {
	a := NewStore(1)
	b := NewStore(2)

	mustInsert(t, a, 0, "hello world")
	exchange(t, a, b)

	// a deletes "llo w" and goes offline.
	if _, err := a.LocalDelete(2, 7); err != nil {
		t.Fatalf("delete: %v", err)
	}
	mustInsert(t, a, 2, "y")

	// b keeps editing meanwhile.
	mustInsert(t, b, 11, "!")

	exchange(t, a, b)

	if a.Content() != b.Content() {
		t.Fatalf("replicas diverged; a = %q, b = %q", a.Content(), b.Content())
	}
	if got, want := a.Content(), "heyorld!"; got != want {
		t.Errorf("got != want; got = %q, expected = %q", got, want)
	}
}

func TestUpdateSince(t *testing.T) {
	a := NewStore(1)
	b := NewStore(2)

	mustInsert(t, a, 0, "ab")
	exchange(t, a, b)

	// b has seen everything; the delta must be empty.
	if got := a.UpdateSince(b.StateVector()); !got.Empty() {
		t.Errorf("expected empty update, got %d ops", len(got.Ops))
	}

	mustInsert(t, a, 2, "c")
	got := a.UpdateSince(b.StateVector())
	if len(got.Ops) != 1 {
		t.Fatalf("expected 1 op, got %d", len(got.Ops))
	}
	if got.Ops[0].Value != "c" {
		t.Errorf("wrong op in delta: %+v", got.Ops[0])
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	src := NewStore(1)
	mustInsert(t, src, 0, "draft")
	if _, err := src.LocalDelete(0, 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := src.LocalFormat(0, 4, "bold", true); err != nil {
		t.Fatalf("format: %v", err)
	}

	restored := NewStore(2)
	if err := restored.LoadSnapshot(src.Snapshot()); err != nil {
		t.Fatalf("load snapshot: %v", err)
	}

	if got, want := restored.Content(), src.Content(); got != want {
		t.Errorf("got != want; got = %q, expected = %q", got, want)
	}
	if diff := cmp.Diff(src.MarksAt(0), restored.MarksAt(0)); diff != "" {
		t.Errorf("marks diverged; diff = %v", diff)
	}
}

func TestFormat_LastWriterWins(t *testing.T) {
	a := NewStore(1)
	b := NewStore(2)

	mustInsert(t, a, 0, "text")
	exchange(t, a, b)

	// Concurrent toggles on the same range: the op with the higher id wins
	// on both replicas.
	if _, err := a.LocalFormat(0, 4, "bold", true); err != nil {
		t.Fatalf("format a: %v", err)
	}
	if _, err := b.LocalFormat(0, 4, "bold", false); err != nil {
		t.Fatalf("format b: %v", err)
	}
	exchange(t, a, b)

	if diff := cmp.Diff(a.MarksAt(0), b.MarksAt(0)); diff != "" {
		t.Errorf("replicas diverged on marks; diff = %v", diff)
	}
	if diff := cmp.Diff(a.MarksAt(3), b.MarksAt(3)); diff != "" {
		t.Errorf("replicas diverged on marks; diff = %v", diff)
	}
}

// TestFormat_ConcurrentInsertIntoRange interleaves a format with a
// concurrent insert into its range, in both orders. The inserted rune must
// carry the same marks on both replicas: the format op is retained and
// re-resolved against inserts that arrive after it.
func TestFormat_ConcurrentInsertIntoRange(t *testing.T) {
	a := NewStore(1)
	b := NewStore(2)

	mustInsert(t, a, 0, "abcd")
	exchange(t, a, b)

	uInsert := mustInsert(t, a, 2, "X")
	uFormat, err := b.LocalFormat(0, 4, "bold", true)
	if err != nil {
		t.Fatalf("format: %v", err)
	}

	// a sees insert then format; b sees format then insert.
	if err := a.Merge(uFormat); err != nil {
		t.Fatalf("merge format into a: %v", err)
	}
	if err := b.Merge(uInsert); err != nil {
		t.Fatalf("merge insert into b: %v", err)
	}

	if a.Content() != b.Content() {
		t.Fatalf("replicas diverged; a = %q, b = %q", a.Content(), b.Content())
	}
	for i := 0; i < a.VisibleLength(); i++ {
		if diff := cmp.Diff(a.MarksAt(i), b.MarksAt(i)); diff != "" {
			t.Errorf("marks at %d diverged; diff = %v", i, diff)
		}
	}
	xIndex := strings.IndexRune(a.Content(), 'X')
	if got := a.MarksAt(xIndex); !got["bold"] {
		t.Errorf("inserted rune lost the range's mark; got %v", got)
	}
}

// TestFormat_BoundedRangeExcludesLaterTail inserts after a bounded format
// range; the new rune must stay unformatted on every replica.
func TestFormat_BoundedRangeExcludesLaterTail(t *testing.T) {
	a := NewStore(1)
	b := NewStore(2)

	mustInsert(t, a, 0, "abcd")
	exchange(t, a, b)

	uFormat, err := b.LocalFormat(0, 3, "bold", true)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	uInsert := mustInsert(t, a, 4, "Y")

	if err := a.Merge(uFormat); err != nil {
		t.Fatalf("merge format into a: %v", err)
	}
	if err := b.Merge(uInsert); err != nil {
		t.Fatalf("merge insert into b: %v", err)
	}

	if a.Content() != b.Content() {
		t.Fatalf("replicas diverged; a = %q, b = %q", a.Content(), b.Content())
	}
	yIndex := strings.IndexRune(a.Content(), 'Y')
	if got := a.MarksAt(yIndex); got != nil {
		t.Errorf("rune after the range picked up marks: %v", got)
	}
	if diff := cmp.Diff(a.MarksAt(yIndex), b.MarksAt(yIndex)); diff != "" {
		t.Errorf("marks diverged; diff = %v", diff)
	}
}

func TestFormat_InsertCarriesMarks(t *testing.T) {
	s := NewStore(1)
	if _, err := s.LocalInsert(0, "b", map[string]bool{"bold": true}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got := s.MarksAt(0)
	want := map[string]bool{"bold": true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("got != want; diff = %v", diff)
	}
}

func TestMerge_RejectsMalformedOp(t *testing.T) {
	s := NewStore(1)
	mustInsert(t, s, 0, "ok")

	bad := Update{Ops: []Op{{Kind: OpInsert, ID: ID{Replica: 9, Counter: 1}}}}
	if err := s.Merge(bad); !errors.Is(err, ErrMalformedOp) {
		t.Fatalf("expected ErrMalformedOp, got %v", err)
	}

	// The store must be untouched.
	if got, want := s.Content(), "ok"; got != want {
		t.Errorf("got != want; got = %q, expected = %q", got, want)
	}
}
