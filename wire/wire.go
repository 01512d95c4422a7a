// Package wire (de)serializes the sync protocol. Document updates,
// snapshots and state-vector requests travel as compact binary frames;
// presence and control traffic travels as JSON text frames. Both kinds are
// multiplexed over one websocket connection and told apart by the websocket
// message type.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/writely/cosync/crdt"
)

// Version is the binary format version, the first byte of every binary
// frame. Persisted frames carry it too, so the format can change later.
const Version byte = 0x01

// Binary frame types, the second byte of every binary frame.
const (
	FrameUpdate      byte = 0x01
	FrameSnapshot    byte = 0x02
	FrameSyncRequest byte = 0x03
)

var (
	ErrTruncated  = errors.New("truncated frame")
	ErrVersion    = errors.New("unsupported format version")
	ErrFrameType  = errors.New("unknown frame type")
	ErrOpKind     = errors.New("unknown op kind")
	ErrFrameSize  = errors.New("frame size limit exceeded")
	ErrEmptyFrame = errors.New("empty frame")
)

// maxStringLen bounds decoded string and collection sizes so a corrupt
// length prefix cannot force a huge allocation.
const maxStringLen = 1 << 20

// FrameType validates the version byte and returns the frame type.
func FrameType(b []byte) (byte, error) {
	if len(b) < 2 {
		return 0, ErrEmptyFrame
	}
	if b[0] != Version {
		return 0, fmt.Errorf("%w: %#x", ErrVersion, b[0])
	}
	switch b[1] {
	case FrameUpdate, FrameSnapshot, FrameSyncRequest:
		return b[1], nil
	}
	return 0, fmt.Errorf("%w: %#x", ErrFrameType, b[1])
}

// EncodeUpdate serializes an update frame.
func EncodeUpdate(u crdt.Update) []byte {
	var b bytes.Buffer
	b.WriteByte(Version)
	b.WriteByte(FrameUpdate)
	writeOps(&b, u.Ops)
	return b.Bytes()
}

// DecodeUpdate parses an update frame. On any error the returned update is
// empty; a partially decoded frame is never handed to the caller.
func DecodeUpdate(data []byte) (crdt.Update, error) {
	r, err := newReader(data, FrameUpdate)
	if err != nil {
		return crdt.Update{}, err
	}
	ops, err := r.ops()
	if err != nil {
		return crdt.Update{}, err
	}
	if err := r.expectEOF(); err != nil {
		return crdt.Update{}, err
	}
	return crdt.Update{Ops: ops}, nil
}

// EncodeSnapshot serializes a full-state snapshot frame.
func EncodeSnapshot(s crdt.Snapshot) []byte {
	var b bytes.Buffer
	b.WriteByte(Version)
	b.WriteByte(FrameSnapshot)
	writeVector(&b, s.Vector)
	writeOps(&b, s.Ops)
	return b.Bytes()
}

// DecodeSnapshot parses a snapshot frame.
func DecodeSnapshot(data []byte) (crdt.Snapshot, error) {
	r, err := newReader(data, FrameSnapshot)
	if err != nil {
		return crdt.Snapshot{}, err
	}
	sv, err := r.vector()
	if err != nil {
		return crdt.Snapshot{}, err
	}
	ops, err := r.ops()
	if err != nil {
		return crdt.Snapshot{}, err
	}
	if err := r.expectEOF(); err != nil {
		return crdt.Snapshot{}, err
	}
	return crdt.Snapshot{Vector: sv, Ops: ops}, nil
}

// EncodeSyncRequest serializes a state-vector exchange frame. The receiver
// answers with an update frame covering everything the vector misses.
func EncodeSyncRequest(sv crdt.StateVector) []byte {
	var b bytes.Buffer
	b.WriteByte(Version)
	b.WriteByte(FrameSyncRequest)
	writeVector(&b, sv)
	return b.Bytes()
}

// DecodeSyncRequest parses a sync request frame.
func DecodeSyncRequest(data []byte) (crdt.StateVector, error) {
	r, err := newReader(data, FrameSyncRequest)
	if err != nil {
		return nil, err
	}
	sv, err := r.vector()
	if err != nil {
		return nil, err
	}
	if err := r.expectEOF(); err != nil {
		return nil, err
	}
	return sv, nil
}

func writeUvarint(b *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	b.Write(tmp[:n])
}

func writeString(b *bytes.Buffer, s string) {
	writeUvarint(b, uint64(len(s)))
	b.WriteString(s)
}

func writeID(b *bytes.Buffer, id crdt.ID) {
	writeUvarint(b, id.Replica)
	writeUvarint(b, id.Counter)
}

func writePosition(b *bytes.Buffer, p crdt.Position) {
	writeUvarint(b, uint64(len(p)))
	for _, seg := range p {
		writeUvarint(b, uint64(seg.Digit))
		writeUvarint(b, seg.Replica)
	}
}

// writeVector encodes entries sorted by replica so equal vectors always
// produce identical bytes.
func writeVector(b *bytes.Buffer, sv crdt.StateVector) {
	replicas := make([]uint64, 0, len(sv))
	for r := range sv {
		replicas = append(replicas, r)
	}
	sort.Slice(replicas, func(i, j int) bool { return replicas[i] < replicas[j] })
	writeUvarint(b, uint64(len(replicas)))
	for _, r := range replicas {
		writeUvarint(b, r)
		writeUvarint(b, sv[r])
	}
}

func writeOps(b *bytes.Buffer, ops []crdt.Op) {
	writeUvarint(b, uint64(len(ops)))
	for _, op := range ops {
		b.WriteByte(byte(op.Kind))
		writeID(b, op.ID)
		switch op.Kind {
		case crdt.OpInsert:
			writePosition(b, op.Pos)
			writeString(b, op.Value)
			writeMarks(b, op.Marks)
		case crdt.OpDelete:
			writeID(b, op.Target)
		case crdt.OpFormat:
			writeString(b, op.Mark)
			if op.On {
				b.WriteByte(1)
			} else {
				b.WriteByte(0)
			}
			writePosition(b, op.Start)
			writePosition(b, op.End)
		}
	}
}

// writeMarks encodes mark names sorted for a canonical byte form.
func writeMarks(b *bytes.Buffer, marks map[string]bool) {
	names := make([]string, 0, len(marks))
	for name := range marks {
		names = append(names, name)
	}
	sort.Strings(names)
	writeUvarint(b, uint64(len(names)))
	for _, name := range names {
		writeString(b, name)
		if marks[name] {
			b.WriteByte(1)
		} else {
			b.WriteByte(0)
		}
	}
}

type reader struct {
	data []byte
	off  int
}

func newReader(data []byte, wantType byte) (*reader, error) {
	ft, err := FrameType(data)
	if err != nil {
		return nil, err
	}
	if ft != wantType {
		return nil, fmt.Errorf("%w: got %#x, expected %#x", ErrFrameType, ft, wantType)
	}
	return &reader{data: data, off: 2}, nil
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.data[r.off:])
	if n <= 0 {
		return 0, ErrTruncated
	}
	r.off += n
	return v, nil
}

func (r *reader) count() (int, error) {
	v, err := r.uvarint()
	if err != nil {
		return 0, err
	}
	if v > maxStringLen {
		return 0, ErrFrameSize
	}
	return int(v), nil
}

func (r *reader) byte() (byte, error) {
	if r.off >= len(r.data) {
		return 0, ErrTruncated
	}
	b := r.data[r.off]
	r.off++
	return b, nil
}

func (r *reader) string() (string, error) {
	n, err := r.count()
	if err != nil {
		return "", err
	}
	if r.off+n > len(r.data) {
		return "", ErrTruncated
	}
	s := string(r.data[r.off : r.off+n])
	r.off += n
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: invalid UTF-8", ErrTruncated)
	}
	return s, nil
}

func (r *reader) id() (crdt.ID, error) {
	replica, err := r.uvarint()
	if err != nil {
		return crdt.ID{}, err
	}
	counter, err := r.uvarint()
	if err != nil {
		return crdt.ID{}, err
	}
	return crdt.ID{Replica: replica, Counter: counter}, nil
}

func (r *reader) position() (crdt.Position, error) {
	n, err := r.count()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	p := make(crdt.Position, n)
	for i := range p {
		d, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		if d > uint64(^uint32(0)) {
			return nil, fmt.Errorf("%w: digit overflow", ErrTruncated)
		}
		replica, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		p[i] = crdt.Segment{Digit: uint32(d), Replica: replica}
	}
	return p, nil
}

func (r *reader) vector() (crdt.StateVector, error) {
	n, err := r.count()
	if err != nil {
		return nil, err
	}
	sv := make(crdt.StateVector, n)
	for i := 0; i < n; i++ {
		replica, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		counter, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		sv[replica] = counter
	}
	return sv, nil
}

func (r *reader) marks() (map[string]bool, error) {
	n, err := r.count()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	m := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		name, err := r.string()
		if err != nil {
			return nil, err
		}
		on, err := r.byte()
		if err != nil {
			return nil, err
		}
		m[name] = on == 1
	}
	return m, nil
}

func (r *reader) ops() ([]crdt.Op, error) {
	n, err := r.count()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	ops := make([]crdt.Op, 0, n)
	for i := 0; i < n; i++ {
		op, err := r.op()
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (r *reader) op() (crdt.Op, error) {
	kind, err := r.byte()
	if err != nil {
		return crdt.Op{}, err
	}
	op := crdt.Op{Kind: crdt.OpKind(kind)}
	if op.ID, err = r.id(); err != nil {
		return crdt.Op{}, err
	}

	switch op.Kind {
	case crdt.OpInsert:
		if op.Pos, err = r.position(); err != nil {
			return crdt.Op{}, err
		}
		if op.Value, err = r.string(); err != nil {
			return crdt.Op{}, err
		}
		if op.Marks, err = r.marks(); err != nil {
			return crdt.Op{}, err
		}
	case crdt.OpDelete:
		if op.Target, err = r.id(); err != nil {
			return crdt.Op{}, err
		}
	case crdt.OpFormat:
		if op.Mark, err = r.string(); err != nil {
			return crdt.Op{}, err
		}
		on, err := r.byte()
		if err != nil {
			return crdt.Op{}, err
		}
		op.On = on == 1
		if op.Start, err = r.position(); err != nil {
			return crdt.Op{}, err
		}
		if op.End, err = r.position(); err != nil {
			return crdt.Op{}, err
		}
	default:
		return crdt.Op{}, fmt.Errorf("%w: %#x", ErrOpKind, kind)
	}

	if err := op.Validate(); err != nil {
		return crdt.Op{}, err
	}
	return op, nil
}

func (r *reader) expectEOF() error {
	if r.off != len(r.data) {
		return fmt.Errorf("%w: %d trailing bytes", ErrTruncated, len(r.data)-r.off)
	}
	return nil
}
