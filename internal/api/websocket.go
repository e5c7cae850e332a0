package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/sector-bridge/internal/infrastructure/config"
	"github.com/nerrad567/sector-bridge/internal/infrastructure/logging"
)

// Frame types on /ws.
const (
	FrameStatus = "status"
	FramePing   = "ping"
	FramePong   = "pong"
	FrameError  = "error"
)

const (
	// replyBufferSize bounds queued pongs and errors per client.
	replyBufferSize = 8

	defaultPingInterval = 30 * time.Second
)

// Frame is one WebSocket message in either direction. Clients only ever
// send {"type":"ping","id":...}.
type Frame struct {
	Type      string      `json:"type"`
	ID        string      `json:"id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Status    *StatusView `json:"status,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// Hub fans status frames out to connected dashboards.
//
// Status frames carry the whole view, so each client holds at most one
// pending status: a newer frame replaces one the client has not written
// yet, and a slow dashboard never falls behind.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	mu      sync.RWMutex
	clients map[*streamClient]struct{}
}

type streamClient struct {
	hub     *Hub
	conn    *websocket.Conn
	status  chan []byte // capacity 1, latest wins
	replies chan []byte
	done    chan struct{}
	once    sync.Once

	// offerMu serialises replace-the-pending-frame in offer.
	offerMu sync.Mutex
}

// upgrader accepts any origin: the API binds to the operator's network.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*streamClient]struct{}),
	}
}

func newStreamClient(hub *Hub, conn *websocket.Conn) *streamClient {
	return &streamClient{
		hub:     hub,
		conn:    conn,
		status:  make(chan []byte, 1),
		replies: make(chan []byte, replyBufferSize),
		done:    make(chan struct{}),
	}
}

// Run blocks until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*streamClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

func (h *Hub) add(c *streamClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

func (h *Hub) remove(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.close()
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// Publish sends view to every client.
func (h *Hub) Publish(view StatusView) {
	data, err := json.Marshal(Frame{Type: FrameStatus, Timestamp: time.Now().UTC(), Status: &view})
	if err != nil {
		h.logger.Error("failed to encode status frame", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.offer(data)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWebSocket upgrades the connection and queues the current status
// as the first frame.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newStreamClient(s.hub, conn)
	view := s.statusView()
	if data, err := json.Marshal(Frame{Type: FrameStatus, Timestamp: time.Now().UTC(), Status: &view}); err == nil {
		c.offer(data)
	}
	s.hub.add(c)

	go c.writeLoop()
	go c.readLoop()
}

// offer makes data the client's pending status frame, discarding an
// unsent older one.
func (c *streamClient) offer(data []byte) {
	c.offerMu.Lock()
	defer c.offerMu.Unlock()

	select {
	case <-c.status:
	default:
	}
	select {
	case c.status <- data:
	case <-c.done:
	}
}

// reply queues a pong or error frame, dropping it when the client is
// not reading.
func (c *streamClient) reply(f Frame) {
	f.Timestamp = time.Now().UTC()
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case c.replies <- data:
	default:
	}
}

func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *streamClient) readLoop() {
	defer c.hub.remove(c)

	cfg := c.hub.cfg
	deadline := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	//nolint:errcheck // a failed deadline surfaces on the next read
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		//nolint:errcheck // a failed deadline surfaces on the next read
		c.conn.SetReadDeadline(time.Now().Add(deadline))

		var in Frame
		switch {
		case json.Unmarshal(data, &in) != nil:
			c.reply(Frame{Type: FrameError, Error: "invalid JSON frame"})
		case in.Type == FramePing:
			c.reply(Frame{Type: FramePong, ID: in.ID})
		default:
			c.reply(Frame{Type: FrameError, ID: in.ID, Error: "unsupported frame type: " + in.Type})
		}
	}
}

func (c *streamClient) writeLoop() {
	cfg := c.hub.cfg
	pingEvery := time.Duration(cfg.PingInterval) * time.Second
	if pingEvery <= 0 {
		pingEvery = defaultPingInterval
	}
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	writeWait := time.Duration(cfg.PongTimeout) * time.Second

	write := func(kind int, data []byte) bool {
		//nolint:errcheck // a failed deadline surfaces on the write
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(kind, data) == nil
	}

	for {
		var ok bool
		select {
		case <-c.done:
			return
		case data := <-c.status:
			ok = write(websocket.TextMessage, data)
		case data := <-c.replies:
			ok = write(websocket.TextMessage, data)
		case <-ticker.C:
			ok = write(websocket.PingMessage, nil)
		}
		if !ok {
			c.close()
			return
		}
	}
}
