package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/Klingon-tech/localchain/internal/broadcast"
	"github.com/Klingon-tech/localchain/internal/metrics"
	"github.com/Klingon-tech/localchain/internal/registry"
	"github.com/Klingon-tech/localchain/pkg/types"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsSendQueue  = 256
	wsReadLimit  = 4096
)

// Message types pushed to WebSocket clients.
const (
	MessageLog   = "log"
	MessageBlock = "block"
	MessagePing  = "ping"
	MessageError = "error"
)

// WSMessage is the envelope of every WebSocket message.
type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The IP allowlist and CORS middleware have already run.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsClient struct {
	id    string
	chain uint64
	conn  *websocket.Conn
	send  chan []byte

	done     chan struct{}
	doneOnce sync.Once
}

func (c *wsClient) close() {
	c.doneOnce.Do(func() { close(c.done) })
}

// queue enqueues a message without blocking. A full queue discards its
// oldest message to make room; the return value reports a discard.
func (c *wsClient) queue(msg WSMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	discarded := false
	for {
		select {
		case c.send <- data:
			return discarded
		default:
		}
		select {
		case <-c.send:
			discarded = true
		default:
		}
	}
}

// hub tracks connected WebSocket clients so they can be closed on shutdown.
type hub struct {
	mu      sync.Mutex
	clients map[string]*wsClient
}

func newHub() *hub {
	return &hub{clients: make(map[string]*wsClient)}
}

func (h *hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *hub) unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.close()
		c.conn.Close()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := chainID(ps)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid chain id")
		return
	}

	stream := r.URL.Query().Get("stream")
	var (
		pump    func(*wsClient)
		release func()
	)
	switch stream {
	case "", "logs":
		stream = "logs"
		sub, err := s.reg.SubscribeLogs(id)
		if err != nil {
			s.wsFail(w, r, err)
			return
		}
		pump = func(c *wsClient) {
			forward(c, sub, MessageLog, func(l types.LogLine) any { return l.String() })
		}
		release = sub.Close
	case "blocks":
		sub, err := s.reg.SubscribeBlocks(id)
		if err != nil {
			s.wsFail(w, r, err)
			return
		}
		pump = func(c *wsClient) {
			forward(c, sub, MessageBlock, func(b types.Block) any { return b })
		}
		release = sub.Close
	default:
		writeError(w, http.StatusBadRequest, "stream must be logs or blocks")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		release()
		s.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &wsClient{
		id:    uuid.NewString(),
		chain: id,
		conn:  conn,
		send:  make(chan []byte, wsSendQueue),
		done:  make(chan struct{}),
	}
	s.hub.register(c)
	defer s.hub.unregister(c)

	gauge := metrics.StreamSubscribers.WithLabelValues(stream, "ws")
	gauge.Inc()
	defer gauge.Dec()

	logger := s.logger.With().Str("client", c.id).Uint64("chain", id).Str("stream", stream).Logger()
	logger.Debug().Msg("WebSocket client connected")

	go pump(c)
	go c.readPump()
	c.writePump()

	logger.Debug().Msg("WebSocket client disconnected")
}

// wsFail reports a subscribe failure. A WebSocket client asking for an
// unknown chain is upgraded and sent a terminal error message followed by
// a close frame.
func (s *Server) wsFail(w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(err, registry.ErrNotFound) || !websocket.IsWebSocketUpgrade(r) {
		s.fail(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	data, _ := json.Marshal("not found")
	deadline := time.Now().Add(wsWriteWait)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(WSMessage{Type: MessageError, Data: data}); err != nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "not found"), deadline)
}

// forward copies sub into the client's send queue until either side ends.
func forward[T any](c *wsClient, sub *broadcast.Subscription[T], kind string, conv func(T) any) {
	defer close(c.send)
	defer sub.Close()

	var dropped uint64
	for {
		select {
		case <-c.done:
			return
		case v, ok := <-sub.C():
			if !ok {
				return
			}
			if d := sub.Dropped(); d != dropped {
				dropped = d
				c.queue(WSMessage{Type: MessagePing})
			}
			data, err := json.Marshal(conv(v))
			if err != nil {
				continue
			}
			c.queue(WSMessage{Type: kind, Data: data})
		}
	}
}

// readPump discards client messages and keeps the read deadline fresh.
func (c *wsClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				// The chain was deleted.
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
