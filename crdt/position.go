package crdt

import (
	"math"
	"math/rand"
)

const (
	maxDigit = math.MaxUint32

	// maxStep bounds the randomized offset used when allocating a digit
	// inside a gap. Small random steps leave room for later inserts on the
	// same level without letting two replicas pile up on adjacent digits.
	maxStep = 32
)

// Between generates a position strictly between left and right. A nil left
// means the start of the document, a nil right the end. left must sort
// strictly before right.
//
// The walk descends levels while the boundaries leave no room, carrying the
// left boundary as a prefix. right stops constraining the walk as soon as
// the prefix diverges from it, because any extension of a smaller prefix
// already sorts before it.
func Between(left, right Position, replica uint64, rnd *rand.Rand) Position {
	prefix := make(Position, 0, len(left)+1)
	bounded := true
	for i := 0; ; i++ {
		l := Segment{}
		if i < len(left) {
			l = left[i]
		}
		r := Segment{Digit: maxDigit, Replica: math.MaxUint64}
		if bounded && i < len(right) {
			r = right[i]
		}

		if gap := uint64(r.Digit) - uint64(l.Digit); gap > 1 {
			span := gap - 1
			if span > maxStep {
				span = maxStep
			}
			step := uint32(1)
			if span > 1 {
				step = 1 + uint32(rnd.Int63n(int64(span)))
			}
			return append(prefix, Segment{Digit: l.Digit + step, Replica: replica})
		}

		prefix = append(prefix, l)
		bounded = bounded && i < len(right) && l == right[i]
	}
}
