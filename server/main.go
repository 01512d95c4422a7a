package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/writely/cosync/cache"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type app struct {
	log   *logrus.Logger
	token string
	cache *cache.Cache

	mu   sync.Mutex
	hubs map[string]*hub
}

func main() {
	addr := flag.String("addr", ":9000", "Server's network address")
	dbPath := flag.String("db", "cosync.db", "Path to the document database, empty disables persistence")
	token := flag.String("token", "", "Shared auth token, empty allows everyone")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	a := newApp(log, *token)

	if *dbPath != "" {
		c, err := cache.Open(context.Background(), *dbPath, log)
		if err != nil {
			log.WithError(err).Warn("persistence disabled")
		} else {
			a.cache = c
		}
	}

	httpServer := &http.Server{Addr: *addr, Handler: a.router()}

	go func() {
		color.Green("Starting server on %s", *addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server listen failed")
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	log.WithField("signal", sig).Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)

	a.shutdown()
}

func newApp(log *logrus.Logger, token string) *app {
	return &app{
		log:   log,
		token: token,
		hubs:  make(map[string]*hub),
	}
}

func (a *app) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, w, req)
			a.log.WithFields(logrus.Fields{
				"method":   req.Method,
				"url":      req.URL.Path,
				"status":   m.Code,
				"duration": m.Duration,
			}).Debug("handled")
		})
	})
	r.Methods(http.MethodGet).Path("/ws/{docID}").HandlerFunc(a.handleWS)
	r.Methods(http.MethodGet).Path("/docs/{docID}/snapshot").HandlerFunc(a.handleSnapshot)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

// shutdown closes every hub, flushing their cache handles, then the
// backing database.
func (a *app) shutdown() {
	a.mu.Lock()
	for _, h := range a.hubs {
		h.close()
	}
	a.hubs = make(map[string]*hub)
	a.mu.Unlock()
	if a.cache != nil {
		_ = a.cache.Close()
	}
}

// hubFor returns the hub for a document, creating it on first attach.
func (a *app) hubFor(ctx context.Context, docID string) *hub {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.hubs[docID]
	if !ok {
		h = newHub(ctx, docID, a.cache, a.log)
		a.hubs[docID] = h
	}
	return h
}

// releaseIfEmpty tears a hub down once its last client is gone, flushing
// its cache handle. Hubs without durable state are kept alive: dropping
// them would lose the document.
func (a *app) releaseIfEmpty(docID string, h *hub) {
	a.mu.Lock()
	if a.hubs[docID] != h || !h.markClosedIfEmpty() {
		a.mu.Unlock()
		return
	}
	delete(a.hubs, docID)
	a.mu.Unlock()
	h.close()
	a.log.WithField("doc", docID).Debug("idle hub released")
}

// handleWS authenticates, upgrades and hands the socket to the document's
// hub. The token is checked before the upgrade so a bad client sees a
// plain 401 instead of a broken websocket handshake.
func (a *app) handleWS(w http.ResponseWriter, r *http.Request) {
	if a.token != "" && r.URL.Query().Get("token") != a.token {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	docID := mux.Vars(r)["docID"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.WithError(err).Warn("upgrade failed")
		return
	}
	// A hub can shut down between lookup and attach; retry on a fresh one.
	for {
		h := a.hubFor(r.Context(), docID)
		if h.serve(conn) {
			a.releaseIfEmpty(docID, h)
			return
		}
	}
}

func (a *app) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if a.token != "" && r.URL.Query().Get("token") != a.token {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	docID := mux.Vars(r)["docID"]
	h := a.hubFor(r.Context(), docID)
	frame := h.snapshotFrame()
	a.releaseIfEmpty(docID, h)

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(frame); err != nil {
		a.log.WithError(err).Warn("snapshot write failed")
	}
}
