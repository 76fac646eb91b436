package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/duplex/domain"
	"github.com/satriahrh/duplex/domain/entities"
	"github.com/satriahrh/duplex/internal/session"
	"github.com/satriahrh/duplex/internal/turn"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	// Time allowed for a closing connection to unwind its turn.
	closeWait = 5 * time.Second
)

// ErrClientClosed is returned when sending to a connection that has gone away
var ErrClientClosed = errors.New("client connection closed")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// HubConfig configures every connection the hub accepts
type HubConfig struct {
	Turn             turn.Config
	ControlKeepalive time.Duration
}

// Hub maintains the set of active audio clients, one per session.
type Hub struct {
	// Registered clients, keyed by session id.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Closed when Run returns.
	stopped chan struct{}

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	cfg      HubConfig
	deps     turn.Dependencies
	registry *session.Registry

	logger *zap.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(cfg HubConfig, deps turn.Dependencies, logger *zap.Logger) *Hub {
	deps.Logger = logger
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopped:    make(chan struct{}),
		cfg:        cfg,
		deps:       deps,
		registry:   deps.Registry,
		logger:     logger,
	}
}

// Run starts the hub's main loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			_, taken := h.clients[client.sessionID]
			if !taken {
				h.clients[client.sessionID] = client
			}
			h.mu.Unlock()
			client.accepted <- !taken
			if taken {
				h.logger.Warn("Session already has an audio client", zap.String("sessionID", client.sessionID))
				continue
			}
			h.logger.Info("Client registered", zap.String("sessionID", client.sessionID))

		case client := <-h.unregister:
			h.mu.Lock()
			if current, ok := h.clients[client.sessionID]; ok && current == client {
				delete(h.clients, client.sessionID)
			}
			h.mu.Unlock()
			h.logger.Info("Client unregistered", zap.String("sessionID", client.sessionID))

		case <-ctx.Done():
			return
		}
	}
}

// ActiveClients returns the number of connected audio clients
func (h *Hub) ActiveClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client returns the audio client of a session
func (h *Hub) Client(sessionID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[sessionID]
	return c, ok
}

// Disconnect closes the audio connection of a session, if one is open. The
// read pump then unwinds the turn and removes the session.
func (h *Hub) Disconnect(sessionID, reason string) bool {
	c, ok := h.Client(sessionID)
	if !ok {
		return false
	}
	c.logger.Info("Disconnecting client", zap.String("reason", reason))
	c.closeWith(websocket.ClosePolicyViolation, reason)
	return true
}

// Shutdown closes every audio connection and waits for their turns to
// unwind.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			c.orchestrator.Close(ctx)
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
		}(c)
	}
	wg.Wait()
}

// WriteData is one queued outbound frame
type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// peer owns the write side of one websocket connection. Sends from any
// goroutine are serialized through the send channel.
type peer struct {
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	// Closed when the connection is going away.
	done      chan struct{}
	closeOnce sync.Once

	// Unix nanos of the last inbound frame.
	lastInbound atomic.Int64

	logger *zap.Logger
}

func newPeer(conn *websocket.Conn, logger *zap.Logger) *peer {
	p := &peer{
		conn:   conn,
		send:   make(chan WriteData, 256),
		done:   make(chan struct{}),
		logger: logger,
	}
	p.touch()
	return p
}

func (p *peer) touch() {
	p.lastInbound.Store(time.Now().UnixNano())
}

func (p *peer) idleFor() time.Duration {
	return time.Since(time.Unix(0, p.lastInbound.Load()))
}

func (p *peer) write(d WriteData) error {
	select {
	case <-p.done:
		return ErrClientClosed
	default:
	}
	select {
	case p.send <- d:
		return nil
	case <-p.done:
		return ErrClientClosed
	}
}

// SendEvent queues a JSON frame
func (p *peer) SendEvent(msg domain.Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	return p.write(WriteData{Type: websocket.TextMessage, Payload: payload})
}

// SendAudio queues a binary frame
func (p *peer) SendAudio(data []byte) error {
	return p.write(WriteData{Type: websocket.BinaryMessage, Payload: data})
}

func (p *peer) closeWith(code int, reason string) {
	p.closeOnce.Do(func() {
		close(p.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		p.conn.Close()
	})
}

// writePump pumps queued messages to the websocket connection. When
// keepalive is positive, a JSON ping is sent after that much inbound
// silence.
func (p *peer) writePump(keepalive time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	var keepaliveC <-chan time.Time
	if keepalive > 0 {
		check := time.NewTicker(keepalive / 4)
		defer check.Stop()
		keepaliveC = check.C
	}
	lastKeepalive := time.Now()

	for {
		select {
		case message := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(message.Type, message.Payload); err != nil {
				p.logger.Debug("Failed to write message", zap.Error(err))
				p.closeWith(websocket.CloseGoingAway, "")
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.closeWith(websocket.CloseGoingAway, "")
				return
			}

		case <-keepaliveC:
			if p.idleFor() >= keepalive && time.Since(lastKeepalive) >= keepalive {
				lastKeepalive = time.Now()
				payload, _ := Encode(domain.NewEvent(domain.MessageTypePing))
				p.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := p.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					p.closeWith(websocket.CloseGoingAway, "")
					return
				}
			}

		case <-p.done:
			return
		}
	}
}

// Client is a middleman between an audio websocket connection and the
// turn orchestrator of its session.
type Client struct {
	*peer

	hub          *Hub
	sessionID    string
	orchestrator *turn.Orchestrator
	logger       *zap.Logger

	// Receives the hub's answer to the register request.
	accepted chan bool
}

// HandleWebSocket upgrades an audio connection for userID. A session_id
// query parameter attaches to an existing session; otherwise a new one is
// created. A session serves one audio connection at a time, so attaching
// to a session that is already connected is refused.
func HandleWebSocket(hub *Hub, c echo.Context, userID string) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	var s *entities.Session
	if ref := c.QueryParam("session_id"); ref != "" {
		s, err = hub.registry.Resolve(ref)
		if err != nil {
			hub.logger.Warn("Unknown session requested, creating a new one", zap.String("sessionRef", ref))
		}
	}
	if s == nil {
		s = hub.registry.Create(userID)
	}

	logger := hub.logger.With(zap.String("sessionID", s.ID))
	client := &Client{
		peer:      newPeer(conn, logger),
		hub:       hub,
		sessionID: s.ID,
		logger:    logger,
		accepted:  make(chan bool, 1),
	}

	orch, err := turn.New(s.ID, hub.cfg.Turn, hub.deps, client)
	if err != nil {
		logger.Error("Failed to start turn orchestrator", zap.Error(err))
		client.closeWith(websocket.CloseInternalServerErr, "failed to start session")
		_ = hub.registry.Remove(context.Background(), s.ID)
		return nil
	}
	client.orchestrator = orch

	select {
	case hub.register <- client:
	case <-hub.stopped:
		orch.Close(context.Background())
		client.closeWith(websocket.CloseGoingAway, "server shutting down")
		return nil
	}
	if !<-client.accepted {
		orch.Close(context.Background())
		client.closeWith(websocket.ClosePolicyViolation, "session already connected")
		return nil
	}
	_ = client.SendEvent(domain.NewReady(s.ID))

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump(0)
	go client.readPump()

	logger.Info("Audio connection accepted", zap.String("userID", s.UserID))
	return nil
}

// readPump pumps frames from the websocket connection to the orchestrator.
func (c *Client) readPump() {
	defer c.shutdown()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		_ = c.hub.registry.Touch(c.sessionID)
		return nil
	})

	ctx := context.Background()
	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}
		c.touch()

		switch messageType {
		case websocket.BinaryMessage:
			err = c.orchestrator.HandleFrame(ctx, message)
		case websocket.TextMessage:
			err = c.processMessage(ctx, message)
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}

		if err != nil && !c.handleError(err) {
			return
		}
	}
}

// handleError reports err to the client. It returns false when the
// connection must close.
func (c *Client) handleError(err error) bool {
	if domain.IsFatal(err) {
		c.logger.Error("Closing connection after fatal error", zap.Error(err))
		c.closeWith(websocket.CloseInternalServerErr, "internal error")
		return false
	}
	c.logger.Warn("Rejected inbound frame", zap.Error(err))
	_ = c.SendEvent(domain.NewError(err.Error()))
	return true
}

func (c *Client) processMessage(ctx context.Context, data []byte) error {
	msg, err := DecodeInbound(data)
	if err != nil {
		return err
	}

	switch msg.(type) {
	case *domain.ControlMessage, *domain.InterruptMessage, *domain.AudioEndMessage:
		return c.orchestrator.HandleControl(ctx, msg)
	}
	if handleSessionRequest(c.hub.registry, c.peer, c.sessionID, msg) {
		return nil
	}
	return domain.Protocol("audio socket", errors.New("unsupported message type "+string(msg.MessageType())))
}

// shutdown cancels the session's turn, removes the session and releases
// the connection.
func (c *Client) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), closeWait)
	defer cancel()

	c.orchestrator.Close(ctx)
	// remove the session before releasing its slot so a reconnect cannot
	// attach to a session that is about to go away
	if err := c.hub.registry.Remove(ctx, c.sessionID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		c.logger.Warn("Failed to remove session", zap.Error(err))
	}
	select {
	case c.hub.unregister <- c:
	case <-c.hub.stopped:
	}
	c.closeWith(websocket.CloseNormalClosure, "")
	c.logger.Info("Audio connection closed")
}
