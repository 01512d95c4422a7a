package crdt

// OpKind discriminates the operation variants carried in an Update.
type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpDelete
	OpFormat
)

// Op is one atomic CRDT operation. Exactly one variant's fields are set,
// according to Kind. Ops are immutable once created.
type Op struct {
	Kind OpKind
	ID   ID

	// Insert fields.
	Pos   Position
	Value string
	Marks map[string]bool

	// Delete fields.
	Target ID

	// Format fields. Start is inclusive, End exclusive; a nil endpoint is
	// unbounded on that side.
	Mark  string
	On    bool
	Start Position
	End   Position
}

// Validate checks the structural invariants of the op before it is applied.
func (op Op) Validate() error {
	if op.ID.IsZero() {
		return ErrMalformedOp
	}
	switch op.Kind {
	case OpInsert:
		if len(op.Pos) == 0 || op.Value == "" {
			return ErrMalformedOp
		}
	case OpDelete:
		if op.Target.IsZero() {
			return ErrMalformedOp
		}
	case OpFormat:
		if op.Mark == "" {
			return ErrMalformedOp
		}
	default:
		return ErrMalformedOp
	}
	return nil
}

// Update is an immutable batch of operations produced by one local mutation
// or one delta-sync exchange. It is the unit of transmission and of
// persistence.
type Update struct {
	Ops []Op
}

// Empty reports whether the update carries no operations.
func (u Update) Empty() bool {
	return len(u.Ops) == 0
}

// Snapshot is the full serializable state of a store: the observed state
// vector plus the complete operation log. Loading a snapshot replays the
// log through the normal merge path.
type Snapshot struct {
	Vector StateVector
	Ops    []Op
}
