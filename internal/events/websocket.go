package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"callsim/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// TokenVerifier checks that token grants a subscription to callID.
type TokenVerifier interface {
	VerifyChannel(token, callID string) error
}

// Ack is the first frame every subscriber receives.
type Ack struct {
	Type    string `json:"type"`
	CallID  string `json:"call_id"`
	Message string `json:"message"`
}

// WebSocketHandler upgrades GET /ws?call_id=<id>[&token=] into a subscription.
type WebSocketHandler struct {
	Broadcaster *Broadcaster

	// Tokens is optional; when nil any caller may subscribe to any session id.
	Tokens TokenVerifier

	WriteTimeout time.Duration
	PingInterval time.Duration

	upgrader websocket.Upgrader
}

func NewWebSocketHandler(b *Broadcaster, tokens TokenVerifier) *WebSocketHandler {
	return &WebSocketHandler{
		Broadcaster:  b,
		Tokens:       tokens,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Subscribers are API clients, not same-origin browser pages.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *WebSocketHandler) Serve(c *gin.Context) {
	log := logger.FromGin(c)

	callID := c.Query("call_id")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "call_id is required"})
		return
	}
	if h.Tokens != nil {
		if err := h.Tokens.VerifyChannel(c.Query("token"), callID); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "invalid channel token"})
			return
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Warn("websocket upgrade failed", "call_id", callID, "err", err)
		return
	}

	updates, cancel := h.Broadcaster.Subscribe(callID)
	defer cancel()
	defer conn.Close()

	log = log.With("call_id", callID)
	log.Info("subscriber connected", "connections", h.Broadcaster.ConnectionCount())

	if err := h.write(conn, websocket.TextMessage, mustJSON(Ack{
		Type:    "connected",
		CallID:  callID,
		Message: "Connected to call updates",
	})); err != nil {
		log.Warn("send ack failed", "err", err)
		return
	}

	done := make(chan struct{})
	go h.drain(conn, done)

	ping := time.NewTicker(h.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			log.Info("subscriber disconnected")
			return
		case msg, ok := <-updates:
			if !ok {
				return
			}
			if err := h.write(conn, websocket.TextMessage, msg); err != nil {
				log.Warn("send update failed", "err", err)
				return
			}
		case <-ping.C:
			if err := h.write(conn, websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drain reads and discards client frames so control frames are processed,
// and closes done when the peer goes away.
func (h *WebSocketHandler) drain(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read ended", "err", err)
			}
			return
		}
	}
}

// write is only called from the Serve loop, so there is one writer per connection.
func (h *WebSocketHandler) write(conn *websocket.Conn, kind int, payload []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(h.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(kind, payload)
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
