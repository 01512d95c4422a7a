// Package transport owns the websocket connection for one open document.
// It multiplexes binary sync frames and JSON presence frames over a single
// socket, drives an explicit connection state machine, and reconnects with
// capped exponential backoff on unexpected drops. Frame contents are opaque
// here; decoding belongs to the layers above.
package transport

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/writely/cosync/commons"
	"github.com/writely/cosync/wire"
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateReconnecting
	// StateError is terminal: auth failure or exhausted retries. A fresh
	// Connect call is required to leave it.
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	}
	return "unknown"
}

var (
	ErrAuthFailed       = errors.New("authentication failed")
	ErrClosed           = errors.New("transport closed")
	ErrQueueFull        = errors.New("send queue full")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)

// Defaults for Config fields left zero.
const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultReadIdleTimeout   = 45 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultBackoffBase       = 500 * time.Millisecond
	DefaultBackoffCap        = 30 * time.Second
	DefaultMaxAttempts       = 10

	sendQueueSize = 256
)

// Frame is one outbound websocket message.
type Frame struct {
	Binary bool
	Data   []byte
}

// Config configures a Transport. URL is the server base, for example
// ws://localhost:8080; the document id and token complete the endpoint.
type Config struct {
	URL        string
	DocumentID string
	Token      string

	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	ReadIdleTimeout   time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	MaxAttempts       int

	Logger *logrus.Logger

	// OnBinary and OnText receive inbound frames, on the read goroutine.
	OnBinary func(data []byte)
	OnText   func(data []byte)

	// OnOpen fires each time the connection (re)enters Open. The session
	// sends its state-vector sync request here.
	OnOpen func()

	// OnStateChange observes every state transition.
	OnStateChange func(State)
}

// Transport is the session manager for one document's connection. Create
// with New, start with Connect, stop with Close.
type Transport struct {
	cfg    Config
	sendCh chan Frame

	mu      sync.Mutex
	state   State
	lastErr error
	running bool
	closing bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New validates the config and returns an idle transport.
func New(cfg Config) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.New("transport: URL required")
	}
	if cfg.DocumentID == "" {
		return nil, errors.New("transport: DocumentID required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("transport: bad URL: %w", err)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ReadIdleTimeout <= 0 {
		cfg.ReadIdleTimeout = DefaultReadIdleTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Transport{
		cfg:    cfg,
		sendCh: make(chan Frame, sendQueueSize),
		state:  StateIdle,
		stopCh: make(chan struct{}),
	}, nil
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the error behind the last Reconnecting or Error transition.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *Transport) setState(s State, err error) {
	t.mu.Lock()
	if t.state == s && err == nil {
		t.mu.Unlock()
		return
	}
	t.state = s
	if err != nil {
		t.lastErr = err
	}
	cb := t.cfg.OnStateChange
	t.mu.Unlock()

	t.cfg.Logger.WithField("doc", t.cfg.DocumentID).Debugf("connection %s", s)
	if cb != nil {
		cb(s)
	}
}

// Connect starts the connection loop. It returns immediately; progress is
// observable through OnStateChange and State. Calling Connect again after a
// terminal Error retries from scratch.
func (t *Transport) Connect() error {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = true
	t.lastErr = nil
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run()
	return nil
}

// Send queues a frame for transmission. Frames queued while disconnected
// are delivered once the connection is open again.
func (t *Transport) Send(f Frame) error {
	select {
	case <-t.stopCh:
		return ErrClosed
	default:
	}
	select {
	case t.sendCh <- f:
		return nil
	default:
		return ErrQueueFull
	}
}

// SendBinary queues a binary sync frame.
func (t *Transport) SendBinary(data []byte) error {
	return t.Send(Frame{Binary: true, Data: data})
}

// SendText queues a JSON text frame.
func (t *Transport) SendText(data []byte) error {
	return t.Send(Frame{Binary: false, Data: data})
}

// Close shuts the connection down cleanly: a normal close frame goes out
// so the server does not treat the drop as an error, reconnection is
// suppressed, and Close returns once the loops have exited.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		t.wg.Wait()
		return
	}
	t.closing = true
	close(t.stopCh)
	t.mu.Unlock()

	t.wg.Wait()

	t.mu.Lock()
	final := t.state
	t.mu.Unlock()
	if final != StateError {
		t.setState(StateClosed, nil)
	}
}

func (t *Transport) run() {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		t.setState(StateConnecting, nil)
		conn, err := t.dial()
		if err == nil {
			attempt = 0
			t.setState(StateOpen, nil)
			if t.cfg.OnOpen != nil {
				t.cfg.OnOpen()
			}
			err = t.serve(conn)
			if err == nil {
				// Clean shutdown requested through Close.
				t.setState(StateClosing, nil)
				return
			}
		}

		if errors.Is(err, ErrAuthFailed) {
			// A stale token cannot succeed on retry; the caller must
			// re-authenticate and Connect again.
			t.setState(StateError, err)
			return
		}

		attempt++
		if attempt >= t.cfg.MaxAttempts {
			t.setState(StateError, fmt.Errorf("%w: %v", ErrRetriesExhausted, err))
			return
		}
		t.cfg.Logger.WithField("doc", t.cfg.DocumentID).
			WithError(err).Warnf("connection lost, retrying (attempt %d)", attempt)
		t.setState(StateReconnecting, err)

		select {
		case <-time.After(Delay(t.cfg.BackoffBase, t.cfg.BackoffCap, attempt)):
		case <-t.stopCh:
			return
		}
	}
}

func (t *Transport) dial() (*websocket.Conn, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return nil, err
	}
	u.Path = "/ws/" + t.cfg.DocumentID
	// Browsers cannot set websocket headers, so the token travels as a
	// query parameter and the server checks it before upgrading.
	if t.cfg.Token != "" {
		q := u.Query()
		q.Set("token", t.cfg.Token)
		u.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	conn, resp, err := dialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: HTTP %d", ErrAuthFailed, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

// serve pumps frames in both directions until the connection fails or a
// clean shutdown is requested. A nil return means clean shutdown.
func (t *Transport) serve(conn *websocket.Conn) error {
	readErr := make(chan error, 1)
	var rwg sync.WaitGroup
	rwg.Add(1)
	go func() {
		defer rwg.Done()
		t.readLoop(conn, readErr)
	}()
	// Closing the conn first unblocks the read loop before we join it.
	defer func() {
		conn.Close()
		rwg.Wait()
	}()

	heartbeat := time.NewTicker(t.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case f := <-t.sendCh:
			if err := t.write(conn, f); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-heartbeat.C:
			ping, err := wire.EncodePresence(commons.Message{
				Type:      commons.PingMessage,
				Timestamp: time.Now().UnixMilli(),
			})
			if err != nil {
				continue
			}
			if err := t.write(conn, Frame{Data: ping}); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		case err := <-readErr:
			return fmt.Errorf("read: %w", err)
		case <-t.stopCh:
			deadline := time.Now().Add(DefaultWriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return nil
		}
	}
}

// readLoop delivers inbound frames to the handlers. The read deadline
// doubles as the heartbeat watchdog: peers answer pings with pongs, so a
// healthy connection always has a frame inside the idle window.
func (t *Transport) readLoop(conn *websocket.Conn, readErr chan<- error) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadIdleTimeout))
		mt, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			if t.cfg.OnBinary != nil {
				t.cfg.OnBinary(data)
			}
		case websocket.TextMessage:
			if t.cfg.OnText != nil {
				t.cfg.OnText(data)
			}
		}
	}
}

func (t *Transport) write(conn *websocket.Conn, f Frame) error {
	mt := websocket.TextMessage
	if f.Binary {
		mt = websocket.BinaryMessage
	}
	_ = conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	return conn.WriteMessage(mt, f.Data)
}
