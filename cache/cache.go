// Package cache is the durable local store for document state. It keeps,
// per document id, the latest compacted snapshot plus every update appended
// since, so a document reopens instantly and offline edits survive process
// restarts. Contents are opaque bytes; the sync layer owns the encoding.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

var (
	ErrClosed   = errors.New("cache closed")
	ErrDocBusy  = errors.New("document already open")
	ErrNotFound = errors.New("not found")
)

// formatVersion is stored next to each snapshot so the encoding can change
// without corrupting old caches.
const formatVersion = 1

// defaultCompactEvery is the number of appended updates after which a
// handle asks its owner for a fresh snapshot and drops the update rows.
const defaultCompactEvery = 64

// Cache is one sqlite-backed store, usually one file per user profile,
// shared by every open document.
type Cache struct {
	db     *sql.DB
	logger *logrus.Logger

	mu     sync.Mutex
	open   map[string]struct{}
	closed bool
}

// Open opens (creating if needed) the cache database at path.
func Open(ctx context.Context, path string, logger *logrus.Logger) (*Cache, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	c := &Cache{db: db, logger: logger, open: make(map[string]struct{})}
	if err := c.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			doc_id     TEXT PRIMARY KEY,
			version    INTEGER NOT NULL,
			data       BLOB NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS updates (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			doc_id     TEXT NOT NULL,
			data       BLOB NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_updates_doc ON updates(doc_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the database. Every handle must be closed first.
func (c *Cache) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.db.Close()
}

// DocOptions configures one open document.
type DocOptions struct {
	// SnapshotFunc is asked for a fresh full-state snapshot at compaction
	// time. Without it the update log grows unbounded.
	SnapshotFunc func() []byte

	// CompactEvery is the appended-update threshold for compaction.
	CompactEvery int

	// OnError observes persistence failures. They are never fatal: the
	// handle keeps accepting appends and retries on the next one.
	OnError func(error)
}

type cacheCmd struct {
	data []byte
	ack  chan struct{}
}

// Handle is one document's view of the cache. Writes are serialized
// through a single per-document goroutine, so concurrent appends for the
// same id can never interleave partial state.
type Handle struct {
	cache *Cache
	docID string
	opts  DocOptions

	snapshot []byte
	pending  [][]byte

	cmds chan cacheCmd
	done chan struct{}

	mu     sync.Mutex
	closed bool

	sinceSnapshot int
	retry         [][]byte
}

// OpenDoc loads a document's persisted state and returns a handle for
// appending to it. The load completes before OpenDoc returns: once the
// caller holds the handle, the cached state is fully read and it is safe
// to edit on top of it.
func (c *Cache) OpenDoc(ctx context.Context, docID string, opts DocOptions) (*Handle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, busy := c.open[docID]; busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDocBusy, docID)
	}
	c.open[docID] = struct{}{}
	c.mu.Unlock()

	if opts.CompactEvery <= 0 {
		opts.CompactEvery = defaultCompactEvery
	}

	h := &Handle{
		cache: c,
		docID: docID,
		opts:  opts,
		cmds:  make(chan cacheCmd, 128),
		done:  make(chan struct{}),
	}
	if err := h.load(ctx); err != nil {
		c.release(docID)
		return nil, err
	}
	go h.run()
	return h, nil
}

func (c *Cache) release(docID string) {
	c.mu.Lock()
	delete(c.open, docID)
	c.mu.Unlock()
}

func (h *Handle) load(ctx context.Context) error {
	row := h.cache.db.QueryRowContext(ctx,
		`SELECT data FROM snapshots WHERE doc_id = ?`, h.docID)
	if err := row.Scan(&h.snapshot); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load snapshot: %w", err)
	}

	rows, err := h.cache.db.QueryContext(ctx,
		`SELECT data FROM updates WHERE doc_id = ? ORDER BY seq`, h.docID)
	if err != nil {
		return fmt.Errorf("load updates: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return fmt.Errorf("scan update: %w", err)
		}
		h.pending = append(h.pending, data)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load updates: %w", err)
	}
	h.sinceSnapshot = len(h.pending)
	return nil
}

// Snapshot returns the snapshot bytes loaded at open time, or nil.
func (h *Handle) Snapshot() []byte {
	return h.snapshot
}

// Pending returns the updates appended after the loaded snapshot, in append
// order. The caller replays them on top of the snapshot.
func (h *Handle) Pending() [][]byte {
	return h.pending
}

// Append queues an update for durable storage and returns immediately.
// Failures surface through DocOptions.OnError and the write is retried
// before the next append; the in-memory document is never blocked on disk.
func (h *Handle) Append(update []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.cmds <- cacheCmd{data: append([]byte(nil), update...)}
}

// Flush blocks until every queued append has been attempted.
func (h *Handle) Flush() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	ack := make(chan struct{})
	h.cmds <- cacheCmd{ack: ack}
	h.mu.Unlock()
	<-ack
}

// Close flushes queued writes and releases the document.
func (h *Handle) Close() {
	h.Flush()
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.cmds)
	h.mu.Unlock()
	<-h.done
	h.cache.release(h.docID)
}

func (h *Handle) run() {
	defer close(h.done)
	for cmd := range h.cmds {
		if cmd.data != nil {
			h.write(cmd.data)
		}
		if cmd.ack != nil {
			close(cmd.ack)
		}
	}
}

func (h *Handle) write(data []byte) {
	// Earlier failed writes go first so update order is preserved.
	queued := append(h.retry, data)
	h.retry = nil
	for i, item := range queued {
		if err := h.insert(item); err != nil {
			h.retry = queued[i:]
			h.cache.logger.WithError(err).WithField("doc", h.docID).
				Warn("cache write failed; will retry")
			if h.opts.OnError != nil {
				h.opts.OnError(err)
			}
			return
		}
		h.sinceSnapshot++
	}

	if h.sinceSnapshot >= h.opts.CompactEvery && h.opts.SnapshotFunc != nil {
		if err := h.compact(); err != nil {
			h.cache.logger.WithError(err).WithField("doc", h.docID).
				Warn("cache compaction failed")
			if h.opts.OnError != nil {
				h.opts.OnError(err)
			}
		}
	}
}

func (h *Handle) insert(data []byte) error {
	_, err := h.cache.db.Exec(
		`INSERT INTO updates(doc_id, data, created_at) VALUES (?, ?, ?)`,
		h.docID, data, now())
	if err != nil {
		return fmt.Errorf("append update: %w", err)
	}
	return nil
}

// compact replaces the stored snapshot with a fresh one and drops the
// update rows it covers.
func (h *Handle) compact() error {
	snap := h.opts.SnapshotFunc()
	if snap == nil {
		return nil
	}
	tx, err := h.cache.db.Begin()
	if err != nil {
		return fmt.Errorf("begin compact: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
INSERT INTO snapshots(doc_id, version, data, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(doc_id) DO UPDATE SET
	version=excluded.version,
	data=excluded.data,
	updated_at=excluded.updated_at
`, h.docID, formatVersion, snap, now()); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM updates WHERE doc_id = ?`, h.docID); err != nil {
		return fmt.Errorf("drop updates: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit compact: %w", err)
	}
	h.sinceSnapshot = 0
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
