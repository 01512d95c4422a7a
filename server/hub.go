package main

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/writely/cosync/cache"
	"github.com/writely/cosync/commons"
	"github.com/writely/cosync/crdt"
	"github.com/writely/cosync/wire"
)

const (
	writeTimeout  = 10 * time.Second
	sendQueueSize = 256
)

// hub fans frames out between the clients of one document and keeps the
// authoritative replica so late joiners can be caught up even when the
// author already left.
type hub struct {
	docID string
	log   *logrus.Logger

	mu      sync.Mutex
	closed  bool
	store   *crdt.Store
	clients map[*client]bool

	handle *cache.Handle
}

// client is one websocket attached to a hub. All writes go through the
// send channel so a single goroutine owns the connection's write side.
type client struct {
	id     uuid.UUID
	userID string
	conn   *websocket.Conn

	mu     sync.Mutex // guards send against enqueue-after-close
	closed bool
	send   chan outFrame
}

type outFrame struct {
	messageType int
	data        []byte
}

func newHub(ctx context.Context, docID string, store *cache.Cache, log *logrus.Logger) *hub {
	u := uuid.New()
	h := &hub{
		docID:   docID,
		log:     log,
		store:   crdt.NewStore(binary.BigEndian.Uint64(u[:8])),
		clients: make(map[*client]bool),
	}
	if store != nil {
		h.attachCache(ctx, store)
	}
	return h
}

// attachCache replays persisted state into the hub's replica. A failure
// leaves the hub memory-only; serving beats durability here.
func (h *hub) attachCache(ctx context.Context, store *cache.Cache) {
	opts := cache.DocOptions{
		SnapshotFunc: h.snapshotBytes,
		OnError: func(err error) {
			h.log.WithField("doc", h.docID).WithError(err).Warn("persistence degraded")
		},
	}
	handle, err := store.OpenDoc(ctx, h.docID, opts)
	// The previous hub for this document may still be flushing its handle.
	for i := 0; errors.Is(err, cache.ErrDocBusy) && i < 100; i++ {
		time.Sleep(10 * time.Millisecond)
		handle, err = store.OpenDoc(ctx, h.docID, opts)
	}
	if err != nil {
		h.log.WithField("doc", h.docID).WithError(err).Warn("persistence unavailable")
		return
	}

	if data := handle.Snapshot(); data != nil {
		if snap, err := wire.DecodeSnapshot(data); err != nil {
			h.log.WithField("doc", h.docID).WithError(err).Warn("discarding bad snapshot")
		} else if err := h.store.LoadSnapshot(snap); err != nil {
			h.log.WithField("doc", h.docID).WithError(err).Warn("partial snapshot load")
		}
	}
	for _, raw := range handle.Pending() {
		if u, err := wire.DecodeUpdate(raw); err != nil {
			h.log.WithField("doc", h.docID).WithError(err).Warn("discarding bad update")
		} else if err := h.store.Merge(u); err != nil {
			h.log.WithField("doc", h.docID).WithError(err).Warn("partial merge")
		}
	}
	h.handle = handle
}

func (h *hub) snapshotBytes() []byte {
	h.mu.Lock()
	snap := h.store.Snapshot()
	h.mu.Unlock()
	return wire.EncodeSnapshot(snap)
}

// snapshotFrame serves the HTTP snapshot endpoint.
func (h *hub) snapshotFrame() []byte {
	return h.snapshotBytes()
}

func (h *hub) close() {
	h.mu.Lock()
	h.closed = true
	dropped := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		dropped = append(dropped, c)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	for _, c := range dropped {
		c.closeSend()
	}
	if h.handle != nil {
		h.handle.Close()
	}
}

// serve owns one client connection from upgrade to teardown. It reports
// false without touching the connection when the hub already shut down;
// the caller then attaches to a fresh hub.
func (h *hub) serve(conn *websocket.Conn) bool {
	c := &client{
		id:   uuid.New(),
		conn: conn,
		send: make(chan outFrame, sendQueueSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = true
	h.mu.Unlock()
	h.log.WithFields(logrus.Fields{"doc": h.docID, "client": c.id}).Info("client joined")

	go c.writePump()

	h.readLoop(c)

	h.drop(c)
	return true
}

// markClosedIfEmpty flags the hub closed when no clients remain and its
// state is durable, so the owner can tear it down. Memory-only hubs stay:
// they are the sole copy of the document.
func (h *hub) markClosedIfEmpty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.clients) > 0 || h.handle == nil {
		return false
	}
	h.closed = true
	return true
}

func (h *hub) drop(c *client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	h.mu.Unlock()

	c.closeSend()
	c.conn.Close()
	h.log.WithFields(logrus.Fields{"doc": h.docID, "client": c.id}).Info("client left")

	// Tell the survivors so their rosters clear without waiting out the
	// presence grace window.
	if c.userID != "" {
		if data, err := wire.EncodePresence(commons.Message{
			Type:      commons.UserDisconnectedMessage,
			UserID:    c.userID,
			Timestamp: time.Now().UnixMilli(),
		}); err == nil {
			h.broadcastText(c, data)
		}
	}
}

func (h *hub) readLoop(c *client) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			h.handleBinary(c, data)
		case websocket.TextMessage:
			h.handleText(c, data)
		}
	}
}

func (h *hub) handleBinary(c *client, data []byte) {
	ft, err := wire.FrameType(data)
	if err != nil {
		h.log.WithField("doc", h.docID).WithError(err).Warn("dropping binary frame")
		return
	}

	switch ft {
	case wire.FrameUpdate:
		u, err := wire.DecodeUpdate(data)
		if err != nil {
			h.log.WithField("doc", h.docID).WithError(err).Warn("dropping update")
			return
		}
		h.mu.Lock()
		mergeErr := h.store.Merge(u)
		h.mu.Unlock()
		if mergeErr != nil {
			h.log.WithField("doc", h.docID).WithError(mergeErr).Warn("partial merge")
		}
		if h.handle != nil {
			h.handle.Append(data)
		}
		h.broadcastBinary(c, data)

	case wire.FrameSyncRequest:
		sv, err := wire.DecodeSyncRequest(data)
		if err != nil {
			h.log.WithField("doc", h.docID).WithError(err).Warn("dropping sync request")
			return
		}
		h.answerSyncRequest(c, sv)

	case wire.FrameSnapshot:
		// Clients never push snapshots; the hub replica is authoritative.
		h.log.WithField("doc", h.docID).Warn("ignoring client snapshot")
	}
}

// answerSyncRequest sends the client every op its vector misses, and asks
// back when the vector proves the client holds ops the hub lacks. That
// second leg is what recovers updates composed while the client was
// offline. The answer goes out even when empty; the client reads it as
// proof it is caught up.
func (h *hub) answerSyncRequest(c *client, sv crdt.StateVector) {
	h.mu.Lock()
	u := h.store.UpdateSince(sv)
	mine := h.store.StateVector()
	h.mu.Unlock()

	c.enqueue(outFrame{websocket.BinaryMessage, wire.EncodeUpdate(u)})
	for replica, counter := range sv {
		if counter > mine[replica] {
			c.enqueue(outFrame{websocket.BinaryMessage, wire.EncodeSyncRequest(mine)})
			return
		}
	}
}

func (h *hub) handleText(c *client, data []byte) {
	msg, err := wire.DecodePresence(data)
	if err != nil {
		h.log.WithField("doc", h.docID).WithError(err).Debug("dropping text frame")
		return
	}

	switch msg.Type {
	case commons.PingMessage:
		if pong, err := wire.EncodePresence(commons.Message{
			Type:      commons.PongMessage,
			Timestamp: time.Now().UnixMilli(),
		}); err == nil {
			c.enqueue(outFrame{websocket.TextMessage, pong})
		}
	case commons.PresenceMessage:
		c.userID = msg.UserID
		h.broadcastText(c, data)
	case commons.UserDisconnectedMessage:
		h.broadcastText(c, data)
	}
}

func (h *hub) broadcastBinary(origin *client, data []byte) {
	h.broadcast(origin, outFrame{websocket.BinaryMessage, data})
}

func (h *hub) broadcastText(origin *client, data []byte) {
	h.broadcast(origin, outFrame{websocket.TextMessage, data})
}

func (h *hub) broadcast(origin *client, f outFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c == origin {
			continue
		}
		c.enqueue(f)
	}
}

// enqueue never blocks the hub on a slow client. A client that cannot
// drain its queue misses frames and recovers through resync. Frames
// arriving after closeSend are discarded; the read path can still be
// handling one while the hub shuts down.
func (c *client) enqueue(f outFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- f:
	default:
	}
}

// closeSend closes the send channel exactly once.
func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *client) writePump() {
	for f := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(f.messageType, f.data); err != nil {
			c.conn.Close()
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
}
