// Package session ties the sync core together for one open document. A
// Session exclusively owns its CRDT store, its websocket transport, its
// presence tracker and its cache handle, and tears them down
// deterministically on Close. Everything the surrounding UI needs flows
// out through callbacks; no failure inside the core escapes as a panic.
package session

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/writely/cosync/cache"
	"github.com/writely/cosync/commons"
	"github.com/writely/cosync/crdt"
	"github.com/writely/cosync/presence"
	"github.com/writely/cosync/transport"
	"github.com/writely/cosync/wire"
)

// Config configures a Session.
type Config struct {
	ServerURL  string
	DocumentID string
	Token      string

	UserID    string
	UserName  string
	UserEmail string

	// CachePath is the sqlite file for local persistence. Empty disables
	// it; the session then runs memory-only.
	CachePath string

	Logger *logrus.Logger

	// OnChange fires with the full visible text after every local or
	// remote content change.
	OnChange func(content string)

	// OnConnState observes transport state transitions.
	OnConnState func(transport.State)

	// OnSyncState observes sync state transitions.
	OnSyncState func(SyncState)

	// OnPresence fires with the current roster whenever it changes.
	OnPresence func(roster []presence.Record)

	// OnWarning surfaces non-fatal degradation, such as persistence
	// failures. Editing continues regardless.
	OnWarning func(err error)

	// Transport tuning; zero values use the transport defaults.
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	ReadIdleTimeout   time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	MaxAttempts       int

	// ResyncDelay is how long to wait before re-announcing the state
	// vector after a local update could not be sent. Zero means one
	// second.
	ResyncDelay time.Duration

	// Presence tuning; zero values use the presence defaults.
	PresenceMinInterval time.Duration
	PresenceRebroadcast time.Duration
	PresenceGrace       time.Duration
	PresenceEvictEvery  time.Duration
}

// SyncState summarizes how current the local replica is. Separate from the
// transport state: a transport can be open while the backlog is still in
// flight.
type SyncState int

const (
	// SyncOffline means no server connection; edits accumulate locally.
	SyncOffline SyncState = iota
	// SyncCatchingUp means a sync request is out and the answer is pending.
	SyncCatchingUp
	// SyncLive means the backlog has been applied and frames flow as typed.
	SyncLive
)

func (s SyncState) String() string {
	switch s {
	case SyncOffline:
		return "offline"
	case SyncCatchingUp:
		return "catching-up"
	case SyncLive:
		return "live"
	}
	return "unknown"
}

// Session is one user's live attachment to one document.
type Session struct {
	cfg Config
	log *logrus.Logger

	mu    sync.Mutex // serializes all store access
	store *crdt.Store

	syncMu      sync.Mutex
	syncState   SyncState
	resyncTimer *time.Timer

	tr      *transport.Transport
	tracker *presence.Tracker
	cache   *cache.Cache
	handle  *cache.Handle

	closeOnce sync.Once
	closeErr  error
}

// newReplicaID derives a random 64-bit replica id. Fresh per session, so a
// restarted client can never collide with its previous counters.
func newReplicaID() uint64 {
	u := uuid.New()
	return binary.BigEndian.Uint64(u[:8])
}

// Open loads any cached state for the document, connects the transport and
// starts presence. When Open returns, cached state is fully replayed and
// the document is safe to edit, online or not.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.ServerURL == "" || cfg.DocumentID == "" || cfg.UserID == "" {
		return nil, errors.New("session: ServerURL, DocumentID and UserID are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	s := &Session{
		cfg:   cfg,
		log:   cfg.Logger,
		store: crdt.NewStore(newReplicaID()),
	}

	if cfg.CachePath != "" {
		s.openCache(ctx)
	}

	s.tracker = presence.NewTracker(presence.Record{
		UserID:      cfg.UserID,
		DisplayName: cfg.UserName,
		Email:       cfg.UserEmail,
	}, presence.Options{
		Broadcast:            s.broadcastPresence,
		OnJoin:               func(presence.Record) { s.notifyPresence() },
		OnLeave:              func(string) { s.notifyPresence() },
		MinBroadcastInterval: cfg.PresenceMinInterval,
		RebroadcastEvery:     cfg.PresenceRebroadcast,
		Grace:                cfg.PresenceGrace,
		EvictEvery:           cfg.PresenceEvictEvery,
		Logger:               cfg.Logger,
	})

	tr, err := transport.New(transport.Config{
		URL:               cfg.ServerURL,
		DocumentID:        cfg.DocumentID,
		Token:             cfg.Token,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReadIdleTimeout:   cfg.ReadIdleTimeout,
		BackoffBase:       cfg.BackoffBase,
		BackoffCap:        cfg.BackoffCap,
		MaxAttempts:       cfg.MaxAttempts,
		Logger:            cfg.Logger,
		OnBinary:          s.handleBinary,
		OnText:            s.handleText,
		OnOpen:            s.handleOpen,
		OnStateChange: func(st transport.State) {
			if st != transport.StateOpen {
				s.setSyncState(SyncOffline)
			}
			if cfg.OnConnState != nil {
				cfg.OnConnState(st)
			}
		},
	})
	if err != nil {
		s.closeCache()
		return nil, err
	}
	s.tr = tr

	if err := tr.Connect(); err != nil {
		s.closeCache()
		return nil, err
	}
	s.tracker.Start()
	return s, nil
}

// openCache attaches local persistence and replays persisted state.
// Failures here degrade the session to memory-only, they never abort Open.
func (s *Session) openCache(ctx context.Context) {
	c, err := cache.Open(ctx, s.cfg.CachePath, s.log)
	if err != nil {
		s.warn(err)
		return
	}
	h, err := c.OpenDoc(ctx, s.cfg.DocumentID, cache.DocOptions{
		SnapshotFunc: s.snapshotBytes,
		OnError:      s.warn,
	})
	if err != nil {
		s.warn(err)
		c.Close()
		return
	}

	if data := h.Snapshot(); data != nil {
		if snap, err := wire.DecodeSnapshot(data); err != nil {
			s.warn(err)
		} else if err := s.store.LoadSnapshot(snap); err != nil {
			s.warn(err)
		}
	}
	for _, raw := range h.Pending() {
		if u, err := wire.DecodeUpdate(raw); err != nil {
			s.warn(err)
		} else if err := s.store.Merge(u); err != nil {
			s.warn(err)
		}
	}

	s.cache = c
	s.handle = h
}

func (s *Session) closeCache() {
	if s.handle != nil {
		s.handle.Close()
		s.handle = nil
	}
	if s.cache != nil {
		s.cache.Close()
		s.cache = nil
	}
}

func (s *Session) warn(err error) {
	s.log.WithField("doc", s.cfg.DocumentID).WithError(err).Warn("sync degraded")
	if s.cfg.OnWarning != nil {
		s.cfg.OnWarning(err)
	}
}

// snapshotBytes is the cache's compaction source.
func (s *Session) snapshotBytes() []byte {
	s.mu.Lock()
	snap := s.store.Snapshot()
	s.mu.Unlock()
	return wire.EncodeSnapshot(snap)
}

// handleOpen runs on every (re)connect: announce what we have seen so the
// server can send exactly the ops we are missing.
func (s *Session) handleOpen() {
	s.mu.Lock()
	sv := s.store.StateVector()
	s.mu.Unlock()
	if err := s.tr.SendBinary(wire.EncodeSyncRequest(sv)); err != nil {
		s.warn(err)
		if !errors.Is(err, transport.ErrClosed) {
			s.scheduleResync()
		}
		return
	}
	s.setSyncState(SyncCatchingUp)
}

// scheduleResync arms a debounced sync request. Used when a send is
// dropped while the transport is otherwise healthy, so the dropped
// update is recovered by the normal catch-up exchange instead of
// waiting for the next reconnect.
func (s *Session) scheduleResync() {
	delay := s.cfg.ResyncDelay
	if delay <= 0 {
		delay = time.Second
	}
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	if s.resyncTimer != nil {
		s.resyncTimer.Stop()
	}
	s.resyncTimer = time.AfterFunc(delay, s.handleOpen)
}

func (s *Session) setSyncState(st SyncState) {
	s.syncMu.Lock()
	if s.syncState == st {
		s.syncMu.Unlock()
		return
	}
	s.syncState = st
	s.syncMu.Unlock()
	if s.cfg.OnSyncState != nil {
		s.cfg.OnSyncState(st)
	}
}

// SyncState returns how current the local replica is.
func (s *Session) SyncState() SyncState {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	return s.syncState
}

func (s *Session) handleBinary(data []byte) {
	ft, err := wire.FrameType(data)
	if err != nil {
		s.log.WithError(err).Warn("dropping binary frame")
		return
	}

	switch ft {
	case wire.FrameUpdate:
		u, err := wire.DecodeUpdate(data)
		if err != nil {
			s.log.WithError(err).Warn("dropping update frame")
			return
		}
		s.mu.Lock()
		mergeErr := s.store.Merge(u)
		content := s.store.Content()
		s.mu.Unlock()
		if mergeErr != nil {
			s.log.WithError(mergeErr).Warn("partial merge")
		}
		if s.handle != nil && !u.Empty() {
			s.handle.Append(data)
		}
		s.setSyncState(SyncLive)
		if !u.Empty() {
			s.notifyChange(content)
		}

	case wire.FrameSnapshot:
		snap, err := wire.DecodeSnapshot(data)
		if err != nil {
			s.log.WithError(err).Warn("dropping snapshot frame")
			return
		}
		s.mu.Lock()
		mergeErr := s.store.LoadSnapshot(snap)
		content := s.store.Content()
		s.mu.Unlock()
		if mergeErr != nil {
			s.log.WithError(mergeErr).Warn("partial snapshot load")
		}
		s.setSyncState(SyncLive)
		s.notifyChange(content)

	case wire.FrameSyncRequest:
		sv, err := wire.DecodeSyncRequest(data)
		if err != nil {
			s.log.WithError(err).Warn("dropping sync request")
			return
		}
		s.answerSyncRequest(sv)
	}
}

// answerSyncRequest sends the peer everything its vector misses and, if
// the vector shows the peer holds ops we have never seen, asks for them.
// The reply goes out even when empty: the requester reads it as proof it
// is caught up.
func (s *Session) answerSyncRequest(sv crdt.StateVector) {
	s.mu.Lock()
	u := s.store.UpdateSince(sv)
	mine := s.store.StateVector()
	s.mu.Unlock()

	if err := s.tr.SendBinary(wire.EncodeUpdate(u)); err != nil {
		s.warn(err)
	}
	for replica, counter := range sv {
		if counter > mine[replica] {
			if err := s.tr.SendBinary(wire.EncodeSyncRequest(mine)); err != nil {
				s.warn(err)
			}
			return
		}
	}
}

func (s *Session) handleText(data []byte) {
	msg, err := wire.DecodePresence(data)
	if err != nil {
		s.log.WithError(err).Debug("dropping text frame")
		return
	}

	switch msg.Type {
	case commons.PresenceMessage:
		s.tracker.ApplyRemote(presence.FromMessage(msg))
		s.notifyPresence()
	case commons.PingMessage:
		pong, err := wire.EncodePresence(commons.Message{
			Type:      commons.PongMessage,
			Timestamp: time.Now().UnixMilli(),
		})
		if err == nil {
			_ = s.tr.SendText(pong)
		}
	case commons.PongMessage:
		// Liveness only; the read deadline already accounts for it.
	case commons.UserDisconnectedMessage:
		s.tracker.Disconnect(msg.UserID)
		s.notifyPresence()
	}
}

func (s *Session) broadcastPresence(rec presence.Record) {
	data, err := wire.EncodePresence(rec.Message(time.Now()))
	if err != nil {
		return
	}
	_ = s.tr.SendText(data)
}

func (s *Session) notifyChange(content string) {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(content)
	}
}

func (s *Session) notifyPresence() {
	if s.cfg.OnPresence != nil {
		s.cfg.OnPresence(s.tracker.Roster())
	}
}

// flush ships a locally produced update to the server and to disk, then
// notifies the UI. The store mutation already happened: local echo never
// waits for I/O.
func (s *Session) flush(u crdt.Update, content string) {
	data := wire.EncodeUpdate(u)
	if err := s.tr.SendBinary(data); err != nil && !errors.Is(err, transport.ErrClosed) {
		// The op stays in the log; a delayed sync request pulls the
		// peers back level even if the connection stays open.
		s.log.WithError(err).Warn("update not sent, scheduling resync")
		s.scheduleResync()
	}
	if s.handle != nil {
		s.handle.Append(data)
	}
	s.notifyChange(content)
}

// Insert inserts text at the given visible rune index.
func (s *Session) Insert(index int, text string) error {
	return s.InsertFormatted(index, text, nil)
}

// InsertFormatted inserts text carrying initial formatting marks.
func (s *Session) InsertFormatted(index int, text string, marks map[string]bool) error {
	s.mu.Lock()
	u, err := s.store.LocalInsert(index, text, marks)
	content := s.store.Content()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.flush(u, content)
	return nil
}

// Delete removes the visible rune range [start, end).
func (s *Session) Delete(start, end int) error {
	s.mu.Lock()
	u, err := s.store.LocalDelete(start, end)
	content := s.store.Content()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.flush(u, content)
	return nil
}

// Format toggles a named mark over the visible rune range [start, end).
func (s *Session) Format(start, end int, mark string, on bool) error {
	s.mu.Lock()
	u, err := s.store.LocalFormat(start, end, mark, on)
	content := s.store.Content()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.flush(u, content)
	return nil
}

// MarksAt returns the active marks on the visible rune at index.
func (s *Session) MarksAt(index int) map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.MarksAt(index)
}

// Content returns the current visible text.
func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Content()
}

// SetCursor broadcasts the local caret location.
func (s *Session) SetCursor(index int) {
	s.tracker.SetLocal(presence.LocalUpdate{Cursor: &commons.Cursor{Index: index}})
}

// SetSelection broadcasts the local selection.
func (s *Session) SetSelection(start, end int) {
	s.tracker.SetLocal(presence.LocalUpdate{Selection: &commons.Range{Start: start, End: end}})
}

// ClearSelection drops the local selection.
func (s *Session) ClearSelection() {
	s.tracker.SetLocal(presence.LocalUpdate{ClearSelection: true})
}

// SetTyping broadcasts the local typing flag.
func (s *Session) SetTyping(typing bool) {
	s.tracker.SetLocal(presence.LocalUpdate{IsTyping: &typing})
}

// Roster returns the current collaborators.
func (s *Session) Roster() []presence.Record {
	return s.tracker.Roster()
}

// ConnState returns the transport state.
func (s *Session) ConnState() transport.State {
	return s.tr.State()
}

// Close detaches the document: presence broadcasts stop first, then the
// transport closes cleanly so the server sees a deliberate leave, then the
// cache flushes. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.syncMu.Lock()
		if s.resyncTimer != nil {
			s.resyncTimer.Stop()
		}
		s.syncMu.Unlock()
		s.tracker.Stop()
		s.tr.Close()
		s.closeCache()
	})
	return s.closeErr
}
