package hub

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"noteshare/internal/cache"
	"noteshare/internal/config"
	"noteshare/internal/store"
)

// Hub owns the live-document registry of one server instance and accepts
// WebSocket attaches at /ws/{id}.
type Hub struct {
	instanceID string
	store      store.Store
	coord      cache.Coordinator
	cfg        config.HubConfig
	stateTTL   time.Duration
	logger     *zap.Logger

	upgrader websocket.Upgrader

	mu   sync.Mutex
	docs map[string]*LiveDoc

	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// New creates a Hub. originAllowList restricts upgrade origins; empty
// permits any origin.
func New(st store.Store, coord cache.Coordinator, cfg config.HubConfig, stateTTL time.Duration, originAllowList []string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[string]struct{}, len(originAllowList))
	for _, origin := range originAllowList {
		allowed[origin] = struct{}{}
	}
	h := &Hub{
		instanceID: uuid.New().String(),
		store:      st,
		coord:      coord,
		cfg:        cfg,
		stateTTL:   stateTTL,
		logger:     logger,
		docs:       make(map[string]*LiveDoc),
		shutdown:   make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		},
	}
	return h
}

// InstanceID returns this instance's fan-out origin id.
func (h *Hub) InstanceID() string {
	return h.instanceID
}

// LiveDocuments returns the number of live documents on this instance.
func (h *Hub) LiveDocuments() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.docs)
}

// Register installs the WebSocket route on mux.
func (h *Hub) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{id}", h.handleWS)
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "missing document id", http.StatusBadRequest)
		return
	}
	select {
	case <-h.shutdown:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error (403 on origin rejection).
		h.logger.Debug("WebSocket upgrade rejected", zap.Error(err))
		return
	}

	ld, err := h.acquire(id)
	if err != nil {
		h.rejectConn(conn, err)
		return
	}

	peer := newPeer(conn, ld,
		h.cfg.PerConnectionUpdateRate,
		h.cfg.UpdateBurst,
		h.cfg.SendQueueSize,
		h.cfg.PingInterval,
		h.logger)
	go peer.writePump()

	if err := ld.attach(peer); err != nil {
		// The actor may have torn down between acquire and attach; one
		// fresh acquire covers that window.
		if ld, err = h.acquire(id); err == nil {
			peer.doc = ld
			err = ld.attach(peer)
		}
		if err != nil {
			peer.enqueue(encodeAuthDenied(err.Error()))
			code := closeServerError
			if errors.Is(err, errOverloaded) {
				code = closeOverloaded
			}
			peer.close(code, err.Error())
			return
		}
	}

	peer.readPump()
}

func (h *Hub) rejectConn(conn *websocket.Conn, err error) {
	code := closeServerError
	if errors.Is(err, errOverloaded) {
		code = closeOverloaded
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteMessage(websocket.BinaryMessage, encodeAuthDenied(err.Error()))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, err.Error()), deadline)
	_ = conn.Close()
}

// acquire returns the live document for id, creating and starting it when
// absent. Creation is serialized per id by the registry lock.
func (h *Hub) acquire(id string) (*LiveDoc, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ld, ok := h.docs[id]; ok {
		return ld, nil
	}
	if h.cfg.MaxLiveDocuments > 0 && len(h.docs) >= h.cfg.MaxLiveDocuments {
		return nil, errOverloaded
	}
	ld := newLiveDoc(id, h)
	h.docs[id] = ld
	h.wg.Add(1)
	go ld.run()
	return ld, nil
}

// remove deletes a live document from the registry, guarding against a
// fresh replacement registered under the same id.
func (h *Hub) remove(id string, ld *LiveDoc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.docs[id]; ok && current == ld {
		delete(h.docs, id)
	}
}

// Shutdown flushes and tears down all live documents within the context's
// deadline.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() { close(h.shutdown) })

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
