package events

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pulse/internal/pkg/response"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 4 * 1024

	sseKeepAlive = 25 * time.Second
)

// clientMessage is what a websocket client may send.
type clientMessage struct {
	Type    string `json:"type"` // watch, unwatch, ping
	AssetID string `json:"asset_id"`
}

type serverMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Handler exposes the hub to clients over websocket and server-sent events. Both
// transports subscribe on connect and unsubscribe on disconnect.
type Handler struct {
	hub      *Hub
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler builds the subscription endpoints. checkOrigin may be nil to allow any origin.
func NewHandler(hub *Hub, log *zap.Logger, checkOrigin func(r *http.Request) bool) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Handler{
		hub: hub,
		log: log.Named("events"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// WebSocket godoc
// @Summary Subscribe to asset status events over websocket
// @Tags Events
// @Param token query string true "Bearer token"
// @Param asset_id query []string false "Only these assets"
// @Router /events/ws [get]
func (h *Handler) WebSocket(c *gin.Context) {
	sub, err := h.hub.Subscribe(WithAssets(c.QueryArray("asset_id")...))
	if err != nil {
		response.Error(c, http.StatusServiceUnavailable, "HUB_CLOSED", "event hub is shutting down")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.hub.Unsubscribe(sub)
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	userID := c.GetInt64("user_id")
	h.log.Info("websocket subscriber connected", zap.Int64("user_id", userID), zap.String("subscription", sub.ID()))

	replies := make(chan serverMessage, 8)
	go h.writePump(conn, sub, replies)
	h.readPump(conn, sub, replies) // blocks until disconnect

	h.log.Info("websocket subscriber disconnected", zap.Int64("user_id", userID), zap.String("subscription", sub.ID()))
}

func (h *Handler) readPump(conn *websocket.Conn, sub *Subscription, replies chan<- serverMessage) {
	defer func() {
		h.hub.Unsubscribe(sub)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("websocket read failed", zap.Error(err))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			reply(replies, serverMessage{Type: "error", Code: "INVALID_JSON", Message: "failed to parse message"})
			continue
		}

		switch msg.Type {
		case "watch":
			sub.Watch(msg.AssetID)
		case "unwatch":
			sub.Unwatch(msg.AssetID)
		case "ping":
			reply(replies, serverMessage{Type: "pong"})
		default:
			reply(replies, serverMessage{Type: "error", Code: "UNKNOWN_TYPE", Message: "unknown message type: " + msg.Type})
		}
	}
}

// writePump is the only goroutine writing data frames to conn.
func (h *Handler) writePump(conn *websocket.Conn, sub *Subscription, replies <-chan serverMessage) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case msg := <-replies:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func reply(replies chan<- serverMessage, msg serverMessage) {
	select {
	case replies <- msg:
	default:
	}
}

// Stream godoc
// @Summary Subscribe to asset status events as server-sent events
// @Tags Events
// @Produce text/event-stream
// @Param asset_id query []string false "Only these assets"
// @Router /events [get]
func (h *Handler) Stream(c *gin.Context) {
	sub, err := h.hub.Subscribe(WithAssets(c.QueryArray("asset_id")...))
	if err != nil {
		response.Error(c, http.StatusServiceUnavailable, "HUB_CLOSED", "event hub is shutting down")
		return
	}
	defer h.hub.Unsubscribe(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		case <-ctx.Done():
			return false
		}
	})
}
