package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/writely/cosync/cache"
	"github.com/writely/cosync/commons"
	"github.com/writely/cosync/crdt"
	"github.com/writely/cosync/wire"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func startServer(t *testing.T, token, dbPath string) (*app, *httptest.Server) {
	t.Helper()
	a := newApp(testLogger(), token)
	if dbPath != "" {
		c, err := cache.Open(context.Background(), dbPath, a.log)
		if err != nil {
			t.Fatalf("cache.Open: %v", err)
		}
		a.cache = c
	}
	srv := httptest.NewServer(a.router())
	t.Cleanup(func() {
		srv.Close()
		a.shutdown()
	})
	return a, srv
}

func dialDoc(t *testing.T, srv *httptest.Server, docID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + docID
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// sampleUpdate builds one insert op on a scratch replica.
func sampleUpdate(t *testing.T, text string) []byte {
	t.Helper()
	store := crdt.NewStore(7)
	u, err := store.LocalInsert(0, text, nil)
	if err != nil {
		t.Fatalf("LocalInsert: %v", err)
	}
	return wire.EncodeUpdate(u)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (a *app) hubCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.hubs)
}

func readBinary(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if mt == websocket.BinaryMessage {
			return data
		}
	}
}

func TestRelaysUpdatesBetweenClients(t *testing.T) {
	_, srv := startServer(t, "", "")
	sender := dialDoc(t, srv, "doc-1", "")
	receiver := dialDoc(t, srv, "doc-1", "")

	frame := sampleUpdate(t, "hi")
	if err := sender.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	got := readBinary(t, receiver)
	u, err := wire.DecodeUpdate(got)
	if err != nil {
		t.Fatalf("DecodeUpdate: %v", err)
	}
	if len(u.Ops) != 2 {
		t.Fatalf("relayed %d ops, want 2", len(u.Ops))
	}
}

func TestAnswersSyncRequestFromHubState(t *testing.T) {
	_, srv := startServer(t, "", "")
	sender := dialDoc(t, srv, "doc-1", "")

	if err := sender.WriteMessage(websocket.BinaryMessage, sampleUpdate(t, "kept")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	// The hub replica must hold the ops even after the author is gone.
	sender.Close()
	time.Sleep(50 * time.Millisecond)

	late := dialDoc(t, srv, "doc-1", "")
	req := wire.EncodeSyncRequest(crdt.StateVector{})
	if err := late.WriteMessage(websocket.BinaryMessage, req); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	got := readBinary(t, late)
	u, err := wire.DecodeUpdate(got)
	if err != nil {
		t.Fatalf("DecodeUpdate: %v", err)
	}
	check := crdt.NewStore(9)
	if err := check.Merge(u); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got := check.Content(); got != "kept" {
		t.Fatalf("caught up to %q, want %q", got, "kept")
	}
}

func TestDocumentsAreIsolated(t *testing.T) {
	_, srv := startServer(t, "", "")
	sender := dialDoc(t, srv, "doc-a", "")
	other := dialDoc(t, srv, "doc-b", "")

	if err := sender.WriteMessage(websocket.BinaryMessage, sampleUpdate(t, "private")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Fatal("frame leaked across documents")
	}
}

func TestRejectsBadToken(t *testing.T) {
	_, srv := startServer(t, "sekrit", "")

	resp, err := http.Get(srv.URL + "/ws/doc-1?token=wrong")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}

	// The right token upgrades fine.
	conn := dialDoc(t, srv, "doc-1", "sekrit")
	conn.Close()
}

func TestSnapshotEndpoint(t *testing.T) {
	_, srv := startServer(t, "", "")
	sender := dialDoc(t, srv, "doc-1", "")
	if err := sender.WriteMessage(websocket.BinaryMessage, sampleUpdate(t, "snap")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get(srv.URL + "/docs/doc-1/snapshot")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	snap, err := wire.DecodeSnapshot(body)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	check := crdt.NewStore(9)
	if err := check.LoadSnapshot(snap); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if got := check.Content(); got != "snap" {
		t.Fatalf("snapshot content = %q, want %q", got, "snap")
	}
}

func TestHealthz(t *testing.T) {
	_, srv := startServer(t, "", "")
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

// TestEnqueueAfterCloseIsDiscarded races sends against the channel close
// that a shutdown performs. Frames may be dropped but nothing may panic.
func TestEnqueueAfterCloseIsDiscarded(t *testing.T) {
	c := &client{send: make(chan outFrame, 1)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			c.enqueue(outFrame{websocket.TextMessage, []byte("{}")})
		}
	}()
	c.closeSend()
	<-done

	c.enqueue(outFrame{websocket.TextMessage, []byte("{}")})
	c.closeSend()
}

// TestShutdownWhileClientsActive shuts the hubs down while a client keeps
// the read path busy with pings, which makes the hub enqueue pong replies
// throughout the teardown.
func TestShutdownWhileClientsActive(t *testing.T) {
	a, srv := startServer(t, "", "")
	conn := dialDoc(t, srv, "doc-1", "")

	ping, err := wire.EncodePresence(commons.Message{
		Type:      commons.PingMessage,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatalf("EncodePresence: %v", err)
	}
	stop := make(chan struct{})
	pinger := make(chan struct{})
	go func() {
		defer close(pinger)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	a.shutdown()
	close(stop)
	<-pinger
}

// TestIdleHubReleasedWhenDurable drops the last client of a persisted
// document and expects the hub to be torn down, then served again from the
// cache on the next attach.
func TestIdleHubReleasedWhenDurable(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "server.db")
	a, srv := startServer(t, "", dbPath)

	sender := dialDoc(t, srv, "doc-1", "")
	if err := sender.WriteMessage(websocket.BinaryMessage, sampleUpdate(t, "kept")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	sender.Close()

	waitFor(t, "idle hub release", func() bool { return a.hubCount() == 0 })

	late := dialDoc(t, srv, "doc-1", "")
	req := wire.EncodeSyncRequest(crdt.StateVector{})
	if err := late.WriteMessage(websocket.BinaryMessage, req); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	u, err := wire.DecodeUpdate(readBinary(t, late))
	if err != nil {
		t.Fatalf("DecodeUpdate: %v", err)
	}
	check := crdt.NewStore(9)
	if err := check.Merge(u); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got := check.Content(); got != "kept" {
		t.Fatalf("reloaded %q, want %q", got, "kept")
	}
}

// TestMemoryOnlyHubRetained keeps a hub alive after its last client when
// there is no cache: the hub replica is the only copy of the document.
func TestMemoryOnlyHubRetained(t *testing.T) {
	a, srv := startServer(t, "", "")
	sender := dialDoc(t, srv, "doc-1", "")
	if err := sender.WriteMessage(websocket.BinaryMessage, sampleUpdate(t, "only copy")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	sender.Close()

	time.Sleep(100 * time.Millisecond)
	if got := a.hubCount(); got != 1 {
		t.Fatalf("hub count = %d, want 1", got)
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "server.db")

	a, srv := startServer(t, "", dbPath)
	sender := dialDoc(t, srv, "doc-1", "")
	if err := sender.WriteMessage(websocket.BinaryMessage, sampleUpdate(t, "durable")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	sender.Close()
	srv.Close()
	a.shutdown()

	_, srv2 := startServer(t, "", dbPath)
	late := dialDoc(t, srv2, "doc-1", "")
	req := wire.EncodeSyncRequest(crdt.StateVector{})
	if err := late.WriteMessage(websocket.BinaryMessage, req); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	got := readBinary(t, late)
	u, err := wire.DecodeUpdate(got)
	if err != nil {
		t.Fatalf("DecodeUpdate: %v", err)
	}
	check := crdt.NewStore(9)
	if err := check.Merge(u); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got := check.Content(); got != "durable" {
		t.Fatalf("restored %q, want %q", got, "durable")
	}
}
