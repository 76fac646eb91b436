package websocket

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/duplex/domain"
	"github.com/satriahrh/duplex/domain/entities"
	"github.com/satriahrh/duplex/internal/session"
)

type eventSender interface {
	SendEvent(msg domain.Message) error
}

// handleSessionRequest answers the session-level requests accepted on both
// sockets. It reports whether msg was one of them.
func handleSessionRequest(registry *session.Registry, out eventSender, sessionID string, msg domain.Message) bool {
	var reply domain.Message

	switch m := msg.(type) {
	case *domain.PingMessage:
		reply = domain.NewEvent(domain.MessageTypePong)

	case *domain.ContextUpdateMessage:
		if sessionID == "" {
			reply = domain.NewError("no session attached")
			break
		}
		if err := registry.UpdateContext(sessionID, m.Context, m.Replace); err != nil {
			reply = domain.NewError("session not found")
			break
		}
		// the next turn must see the new context
		registry.CancelActive(sessionID)
		reply = domain.NewResult(domain.MessageTypeContextUpdated, true, sessionID)

	case *domain.GetMetricsMessage:
		stats := registry.Stats()
		ids := make([]string, 0, stats.TotalSessions)
		for _, s := range registry.List() {
			ids = append(ids, s.ID)
		}
		sort.Strings(ids)
		reply = domain.NewSystemMetrics(stats.TotalSessions, stats.ActiveTasks, ids)

	case *domain.GetSessionStatusMessage:
		ref := m.SessionID
		if ref == "" {
			ref = sessionID
		}
		s, err := registry.Resolve(ref)
		if err != nil {
			reply = domain.NewError("session not found")
			break
		}
		reply = domain.NewSessionStatus(s.ID, domain.SessionStatus{
			UserID:    s.UserID,
			CreatedAt: s.CreatedAt,
			Metrics:   s.Metrics,
			Active:    s.Status == entities.SessionStatusActive,
		})

	case *domain.ClearHistoryMessage:
		err := registry.ClearHistory(sessionID)
		reply = domain.NewResult(domain.MessageTypeHistoryCleared, err == nil, sessionID)

	default:
		return false
	}

	_ = out.SendEvent(reply)
	return true
}

// ControlClient serves the control socket, which manages a session out of
// band of its audio stream.
type ControlClient struct {
	*peer

	hub    *Hub
	userID string

	mu        sync.Mutex
	sessionID string
}

// HandleControlWebSocket upgrades a control connection for userID
func HandleControlWebSocket(hub *Hub, c echo.Context, userID string) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := &ControlClient{
		peer:   newPeer(conn, hub.logger.With(zap.String("userID", userID), zap.String("socket", "control"))),
		hub:    hub,
		userID: userID,
	}

	go client.writePump(hub.cfg.ControlKeepalive)
	go client.readPump()
	return nil
}

// SessionID returns the attached session, if any
func (c *ControlClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *ControlClient) readPump() {
	defer c.closeWith(websocket.CloseNormalClosure, "")

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if id := c.SessionID(); id != "" {
			_ = c.hub.registry.Touch(id)
		}
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()

		if messageType != websocket.TextMessage {
			_ = c.SendEvent(domain.NewError("control socket accepts only JSON messages"))
			continue
		}
		if err := c.processMessage(message); err != nil {
			c.logger.Warn("Rejected control message", zap.Error(err))
			_ = c.SendEvent(domain.NewError(err.Error()))
		}
	}
}

func (c *ControlClient) processMessage(data []byte) error {
	msg, err := DecodeInbound(data)
	if err != nil {
		return err
	}

	if m, ok := msg.(*domain.InitMessage); ok {
		return c.handleInit(m)
	}

	sessionID := c.SessionID()
	if sessionID != "" {
		_ = c.hub.registry.Touch(sessionID)
	}
	if handleSessionRequest(c.hub.registry, c.peer, sessionID, msg) {
		return nil
	}
	return domain.Protocol("control socket", errors.New("unsupported message type "+string(msg.MessageType())))
}

func (c *ControlClient) handleInit(m *domain.InitMessage) error {
	var s *entities.Session
	if m.SessionID != "" {
		found, err := c.hub.registry.Resolve(m.SessionID)
		if err != nil {
			return domain.Protocol("init", errors.New("session not found"))
		}
		s = found
	} else {
		userID := m.UserID
		if userID == "" {
			userID = c.userID
		}
		s = c.hub.registry.Create(userID)
	}

	c.mu.Lock()
	c.sessionID = s.ID
	c.mu.Unlock()

	c.logger.Info("Control connection attached", zap.String("sessionID", s.ID))
	return c.SendEvent(domain.NewReady(s.ID))
}
