// Package presence tracks ephemeral collaborator state: who is connected
// to a document, where their cursor is, whether they are typing. Nothing
// here is persisted and nothing here touches document content; records
// live exactly as long as their owner keeps heartbeating.
package presence

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/writely/cosync/commons"
)

// Defaults for Options fields left zero.
const (
	DefaultMinBroadcastInterval = 200 * time.Millisecond
	DefaultRebroadcastEvery     = 5 * time.Second
	DefaultGrace                = 10 * time.Second
	DefaultEvictEvery           = 3 * time.Second
)

// palette is the set of display colors assigned to collaborators. A user's
// color is a stable hash of their id, so every client shows the same one.
var palette = []string{"red", "green", "yellow", "blue", "magenta", "cyan"}

// ColorFor returns the display color for a user id.
func ColorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Record is one collaborator's ephemeral state.
type Record struct {
	UserID      string
	DisplayName string
	Email       string
	Color       string
	Cursor      *commons.Cursor
	Selection   *commons.Range
	IsTyping    bool
	LastSeen    time.Time
}

// FromMessage builds a Record from a decoded presence frame.
func FromMessage(m commons.Message) Record {
	rec := Record{
		UserID:      m.UserID,
		DisplayName: m.UserName,
		Email:       m.UserEmail,
		Color:       ColorFor(m.UserID),
		Cursor:      m.Cursor,
		Selection:   m.Selection,
	}
	if m.IsTyping != nil {
		rec.IsTyping = *m.IsTyping
	}
	return rec
}

// Message converts a record to its wire form.
func (r Record) Message(now time.Time) commons.Message {
	typing := r.IsTyping
	return commons.Message{
		Type:      commons.PresenceMessage,
		UserID:    r.UserID,
		UserName:  r.DisplayName,
		UserEmail: r.Email,
		Timestamp: now.UnixMilli(),
		Cursor:    r.Cursor,
		Selection: r.Selection,
		IsTyping:  &typing,
	}
}

// LocalUpdate is a partial update to the local record. Nil fields are
// unchanged; the Clear flags reset their counterpart to none.
type LocalUpdate struct {
	Cursor         *commons.Cursor
	ClearCursor    bool
	Selection      *commons.Range
	ClearSelection bool
	IsTyping       *bool
}

// Options configures a Tracker.
type Options struct {
	// Broadcast sends the local record to the other collaborators. It is
	// called outside the tracker's lock.
	Broadcast func(Record)

	OnJoin  func(Record)
	OnLeave func(userID string)

	// MinBroadcastInterval rate-limits SetLocal broadcasts so rapid cursor
	// movement cannot flood the connection. A trailing send guarantees the
	// final state always goes out.
	MinBroadcastInterval time.Duration

	// RebroadcastEvery is the fixed cadence at which the local record is
	// re-sent even when idle, so peers do not expire us.
	RebroadcastEvery time.Duration

	// Grace is how long a roster entry survives without a refresh.
	Grace time.Duration

	// EvictEvery is the eviction sweep period.
	EvictEvery time.Duration

	Logger *logrus.Logger
}

// Tracker maintains the roster for one document session. The roster never
// contains the local user.
type Tracker struct {
	opts Options

	mu            sync.Mutex
	local         Record
	roster        map[string]Record
	lastBroadcast time.Time
	pending       *time.Timer
	stopped       bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTracker builds a tracker for the given local identity. Call Start to
// begin the eviction and rebroadcast loops.
func NewTracker(local Record, opts Options) *Tracker {
	if opts.MinBroadcastInterval <= 0 {
		opts.MinBroadcastInterval = DefaultMinBroadcastInterval
	}
	if opts.RebroadcastEvery <= 0 {
		opts.RebroadcastEvery = DefaultRebroadcastEvery
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.EvictEvery <= 0 {
		opts.EvictEvery = DefaultEvictEvery
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if local.Color == "" {
		local.Color = ColorFor(local.UserID)
	}
	return &Tracker{
		opts:   opts,
		local:  local,
		roster: make(map[string]Record),
		stop:   make(chan struct{}),
	}
}

// Start launches the eviction sweep and the idle rebroadcast cadence.
func (t *Tracker) Start() {
	t.wg.Add(1)
	go t.loop()
}

// Stop halts broadcasts and sweeps. It returns only after the loop has
// exited; no broadcast fires after Stop returns.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.stopped = true
		if t.pending != nil {
			t.pending.Stop()
			t.pending = nil
		}
		t.mu.Unlock()
		close(t.stop)
	})
	t.wg.Wait()
}

func (t *Tracker) loop() {
	defer t.wg.Done()
	evict := time.NewTicker(t.opts.EvictEvery)
	defer evict.Stop()
	cadence := time.NewTicker(t.opts.RebroadcastEvery)
	defer cadence.Stop()
	for {
		select {
		case <-t.stop:
			return
		case now := <-evict.C:
			t.EvictStale(now)
		case <-cadence.C:
			t.broadcastNow()
		}
	}
}

// Local returns a copy of the local record.
func (t *Tracker) Local() Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

// SetLocal merges a partial update into the local record and broadcasts
// it, rate-limited.
func (t *Tracker) SetLocal(up LocalUpdate) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if up.Cursor != nil {
		t.local.Cursor = up.Cursor
	} else if up.ClearCursor {
		t.local.Cursor = nil
	}
	if up.Selection != nil {
		t.local.Selection = up.Selection
	} else if up.ClearSelection {
		t.local.Selection = nil
	}
	if up.IsTyping != nil {
		t.local.IsTyping = *up.IsTyping
	}

	now := time.Now()
	if since := now.Sub(t.lastBroadcast); since >= t.opts.MinBroadcastInterval {
		t.lastBroadcast = now
		rec := t.local
		t.mu.Unlock()
		t.send(rec)
		return
	} else if t.pending == nil {
		t.pending = time.AfterFunc(t.opts.MinBroadcastInterval-since, t.flushPending)
	}
	t.mu.Unlock()
}

func (t *Tracker) flushPending() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.pending = nil
	t.lastBroadcast = time.Now()
	rec := t.local
	t.mu.Unlock()
	t.send(rec)
}

func (t *Tracker) broadcastNow() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.lastBroadcast = time.Now()
	rec := t.local
	t.mu.Unlock()
	t.send(rec)
}

func (t *Tracker) send(rec Record) {
	if t.opts.Broadcast != nil {
		t.opts.Broadcast(rec)
	}
}

// ApplyRemote merges a remote collaborator's record into the roster and
// resets their expiry. Records claiming the local user's id are ignored.
func (t *Tracker) ApplyRemote(rec Record) {
	t.mu.Lock()
	if rec.UserID == "" || rec.UserID == t.local.UserID {
		t.mu.Unlock()
		return
	}
	_, known := t.roster[rec.UserID]
	rec.LastSeen = time.Now()
	t.roster[rec.UserID] = rec
	t.mu.Unlock()

	if !known && t.opts.OnJoin != nil {
		t.opts.OnJoin(rec)
	}
}

// Disconnect drops a user immediately, ahead of their expiry.
func (t *Tracker) Disconnect(userID string) {
	t.mu.Lock()
	_, known := t.roster[userID]
	delete(t.roster, userID)
	t.mu.Unlock()

	if known && t.opts.OnLeave != nil {
		t.opts.OnLeave(userID)
	}
}

// EvictStale removes every roster entry whose last refresh is older than
// the grace window, returning the evicted user ids.
func (t *Tracker) EvictStale(now time.Time) []string {
	t.mu.Lock()
	var gone []string
	for id, rec := range t.roster {
		if now.Sub(rec.LastSeen) > t.opts.Grace {
			delete(t.roster, id)
			gone = append(gone, id)
		}
	}
	t.mu.Unlock()

	sort.Strings(gone)
	for _, id := range gone {
		t.opts.Logger.WithField("user", id).Debug("presence expired")
		if t.opts.OnLeave != nil {
			t.opts.OnLeave(id)
		}
	}
	return gone
}

// Roster returns the current collaborators, sorted by user id.
func (t *Tracker) Roster() []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.roster))
	for _, rec := range t.roster {
		out = append(out, rec)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
