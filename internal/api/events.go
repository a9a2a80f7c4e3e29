package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zmlAEQ/aequa-mempool/pkg/bus"
	"github.com/zmlAEQ/aequa-mempool/pkg/logger"
	"github.com/zmlAEQ/aequa-mempool/pkg/metrics"
)

type eventJSON struct {
	Kind    string    `json:"kind"`
	Peer    string    `json:"peer,omitempty"`
	At      time.Time `json:"at"`
	TraceID string    `json:"trace_id,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// hub fans mempool notifications out to websocket clients. A slow client
// loses events rather than stalling the others.
type hub struct {
	buf int

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	out  chan eventJSON
	once sync.Once
}

func (c *wsClient) stop() { c.once.Do(func() { close(c.out) }) }

func newHub(buf int) *hub { return &hub{buf: buf, clients: map[*wsClient]struct{}{}} }

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		metrics.Inc("api_ws_total", map[string]string{"result": "upgrade_error"})
		return
	}
	c := &wsClient{conn: conn, out: make(chan eventJSON, h.buf)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.Inc("api_ws_total", map[string]string{"result": "ok"})
	metrics.SetGauge("api_ws_clients", nil, float64(n))
	go h.writer(c)
	go h.reader(c)
}

// reader drains control frames and detects the client going away.
func (h *hub) reader(c *wsClient) {
	defer h.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *hub) writer(c *wsClient) {
	defer c.conn.Close()
	for ev := range c.out {
		_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteJSON(ev); err != nil {
			logger.DebugJ("api_ws_write", map[string]any{"err": err.Error()})
			h.drop(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func (h *hub) drop(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.stop()
		metrics.SetGauge("api_ws_clients", nil, float64(n))
	}
}

// run forwards events until the subscriber channel is closed.
func (h *hub) run(events bus.Subscriber) {
	for ev := range events {
		h.broadcast(eventJSON{Kind: string(ev.Kind), Peer: ev.Peer, At: ev.At, TraceID: ev.TraceID})
	}
}

func (h *hub) broadcast(ev eventJSON) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.out <- ev:
		default:
			metrics.Inc("api_ws_dropped_total", nil)
		}
	}
}

func (h *hub) close() error {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = map[*wsClient]struct{}{}
	h.mu.Unlock()
	for c := range clients {
		c.stop()
	}
	return nil
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
