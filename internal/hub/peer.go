package hub

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// maxFrameBytes bounds a single inbound WebSocket message.
	maxFrameBytes = 10 << 20

	// writeWait is the per-message send deadline; missing it drops the peer.
	writeWait = 10 * time.Second

	// maxProtocolViolations is how many rate-limit hits a connection
	// survives before it is disconnected.
	maxProtocolViolations = 20
)

// Peer is one WebSocket session attached to a live document.
type Peer struct {
	// ID is the server-assigned session id, unique per live document.
	ID string

	conn    *websocket.Conn
	send    chan []byte
	doc     *LiveDoc
	limiter *rate.Limiter
	logger  *zap.Logger

	pingInterval time.Duration
	// awarenessIDs tracks the awareness client ids this connection has
	// announced, so disconnect can emit their removal.
	awarenessIDs map[uint64]struct{}
	violations   int
	unknownTags  int

	done chan struct{}
}

func newPeer(conn *websocket.Conn, doc *LiveDoc, updateRate float64, burst int, queueSize int, pingInterval time.Duration, logger *zap.Logger) *Peer {
	limit := rate.Inf
	if updateRate > 0 {
		limit = rate.Limit(updateRate)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Peer{
		ID:           uuid.New().String(),
		conn:         conn,
		send:         make(chan []byte, queueSize),
		doc:          doc,
		limiter:      rate.NewLimiter(limit, burst),
		logger:       logger,
		pingInterval: pingInterval,
		awarenessIDs: make(map[uint64]struct{}),
		done:         make(chan struct{}),
	}
}

// enqueue offers a message to the peer's send queue without blocking.
// Returns false when the queue is full; the caller drops the peer.
func (p *Peer) enqueue(msg []byte) bool {
	select {
	case <-p.done:
		return true
	default:
	}
	select {
	case p.send <- msg:
		return true
	default:
		return false
	}
}

// close tears the connection down with a close code. Idempotent.
func (p *Peer) close(code int, reason string) {
	select {
	case <-p.done:
		return
	default:
		close(p.done)
	}
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = p.conn.Close()
}

// readPump reads frames off the socket and hands them to the live-document
// actor. It owns the read side; exactly one per connection.
func (p *Peer) readPump() {
	defer func() {
		p.doc.detach(p)
		p.close(closeNormal, "")
	}()

	p.conn.SetReadLimit(maxFrameBytes)
	pongWait := 2*p.pingInterval + p.pingInterval/2
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Debug("Peer read error",
					zap.String("peer_id", p.ID),
					zap.Error(err))
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if !p.doc.clientFrame(p, data) {
			return
		}
	}
}

// writePump drains the send queue onto the socket and keeps the connection
// alive with pings. It owns the write side; exactly one per connection.
func (p *Peer) writePump() {
	ticker := time.NewTicker(p.pingInterval)
	defer func() {
		ticker.Stop()
		p.close(closeNormal, "")
	}()

	for {
		select {
		case msg, ok := <-p.send:
			if !ok {
				return
			}
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}
