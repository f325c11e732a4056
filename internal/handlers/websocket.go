package handlers

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"familyhub/internal/eventbus"
	"familyhub/internal/failure"
	"familyhub/internal/logging"
	"familyhub/internal/metrics"
	"familyhub/internal/models"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

var log = logging.Component("handlers")

const (
	readDeadline  = 360 * time.Second
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// TransportRegistry attaches websocket transports to sessions
type TransportRegistry interface {
	RegisterTransport(sessionID, userID string, transport eventbus.Transport) string
	UnregisterTransport(sessionID, transportID string)
}

// ClientMessage is a frame sent by the client
type ClientMessage struct {
	Type     string                 `json:"type"` // message, voice, privacy, ping
	Content  string                 `json:"content,omitempty"`
	Audio    []byte                 `json:"audio,omitempty"` // base64 in JSON
	MimeType string                 `json:"mime_type,omitempty"`
	Mode     models.PrivacyMode     `json:"mode,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// WebSocketHandler streams a session's events over a websocket and feeds
// client frames into the orchestrator. Events reach the socket through the
// event bus, so a reconnecting client receives what was buffered meanwhile.
type WebSocketHandler struct {
	sessions   SessionService
	transports TransportRegistry
	metrics    *metrics.Metrics
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(sessions SessionService, transports TransportRegistry, m *metrics.Metrics) *WebSocketHandler {
	return &WebSocketHandler{sessions: sessions, transports: transports, metrics: m}
}

// Upgrade rejects plain HTTP requests and passes the session and caller ids
// to the websocket handler
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	userID := c.Get("X-User-ID", c.Query("user_id"))
	if userID == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing user id")
	}
	c.Locals("user_id", userID)
	c.Locals("session_id", c.Params("id"))
	return c.Next()
}

// socketTransport writes bus events to one websocket connection
type socketTransport struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	metrics *metrics.Metrics
}

func (t *socketTransport) Send(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return err
	}
	t.metrics.RecordWebSocketMessage("event", "outbound")
	return nil
}

func (t *socketTransport) ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline))
}

func (t *socketTransport) sendEvent(ev models.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := t.Send(string(data)); err != nil {
		log.WithError(err).Debug("⚠️  [WS] Direct write failed")
	}
}

// Handle serves one websocket connection
func (h *WebSocketHandler) Handle(c *websocket.Conn) {
	userID, _ := c.Locals("user_id").(string)
	sessionID, _ := c.Locals("session_id").(string)
	transport := &socketTransport{conn: c, metrics: h.metrics}

	sess, err := h.sessions.GetSession(sessionID)
	if err != nil || sess.UserID != userID {
		transport.sendEvent(models.ErrorEvent(sessionID, failure.NotFound("websocket", sessionID)))
		_ = c.Close()
		return
	}

	h.metrics.RecordWebSocketConnect()
	transportID := h.transports.RegisterTransport(sessionID, userID, transport)
	done := make(chan struct{})
	defer func() {
		close(done)
		h.transports.UnregisterTransport(sessionID, transportID)
		h.metrics.RecordWebSocketDisconnect()
		log.WithFields(map[string]interface{}{
			"session_id":   sessionID,
			"transport_id": transportID,
		}).Info("🔌 [WS] Transport detached")
	}()

	_ = c.SetReadDeadline(time.Now().Add(readDeadline))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(readDeadline))
	})
	go pingLoop(transport, done)

	log.WithFields(map[string]interface{}{
		"session_id":   sessionID,
		"user_id":      userID,
		"transport_id": transportID,
	}).Info("🔌 [WS] Transport attached")

	h.readLoop(c, transport, sess)
}

func pingLoop(t *socketTransport, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := t.ping(); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) readLoop(c *websocket.Conn, transport *socketTransport, sess *models.Session) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("❌ [WS] Panic in read loop")
		}
	}()

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			return
		}
		_ = c.SetReadDeadline(time.Now().Add(readDeadline))

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			transport.sendEvent(models.StatusEvent(sess.ID, "invalid message format"))
			continue
		}
		h.metrics.RecordWebSocketMessage(msg.Type, "inbound")

		switch msg.Type {
		case "ping":
			transport.sendEvent(models.StatusEvent(sess.ID, "pong"))
		case "message":
			discard(h.sessions.ProcessInput(context.Background(), sess.ID, msg.Content, msg.Metadata))
		case "voice":
			meta := msg.Metadata
			if meta == nil {
				meta = map[string]interface{}{}
			}
			if msg.MimeType != "" {
				meta["mime_type"] = msg.MimeType
			}
			if msg.Content != "" {
				meta["text"] = msg.Content
			}
			discard(h.sessions.ProcessVoiceInput(context.Background(), sess.ID, msg.Audio, meta))
		case "privacy":
			if err := h.sessions.SetPrivacyMode(context.Background(), sess.ID, sess.UserID, msg.Mode); err != nil {
				transport.sendEvent(models.ErrorEvent(sess.ID, err))
			} else {
				transport.sendEvent(models.StatusEvent(sess.ID, "privacy mode set to "+string(msg.Mode)))
			}
		default:
			transport.sendEvent(models.StatusEvent(sess.ID, "unknown message type "+msg.Type))
		}
	}
}

// discard drains a direct event stream. The socket receives the same events
// through the bus.
func discard(events <-chan models.Event) {
	go func() {
		for range events {
		}
	}()
}
