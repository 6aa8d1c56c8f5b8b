package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/turtacn/CareCircle/internal/application/care"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/internal/interfaces/http/middleware"
)

// Application close codes sent when the server ends a stream.
const (
	CloseCodeResync  = 4000
	CloseCodeRevoked = 4003
)

const (
	defaultPingInterval = 30 * time.Second
	writeWait           = 10 * time.Second
	maxClientMessage    = 512
)

// StreamConfig tunes websocket sessions.
type StreamConfig struct {
	PingInterval time.Duration
	// CheckOrigin decides cross-origin upgrades; nil accepts any origin
	// since every stream is authenticated by token.
	CheckOrigin func(r *http.Request) bool
}

// StreamHandler pushes live activity and presence over websockets.
type StreamHandler struct {
	svc      care.Service
	logger   logging.Logger
	upgrader websocket.Upgrader
	ping     time.Duration
}

func NewStreamHandler(svc care.Service, cfg StreamConfig, logger logging.Logger) *StreamHandler {
	ping := cfg.PingInterval
	if ping <= 0 {
		ping = defaultPingInterval
	}
	check := cfg.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	return &StreamHandler{
		svc:    svc,
		logger: logger.Named("stream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     check,
		},
		ping: ping,
	}
}

// Activity handles GET /families/:familyID/activities/stream.
func (h *StreamHandler) Activity(c *gin.Context) {
	h.serve(c, h.svc.SubscribeActivity)
}

// Presence handles GET /families/:familyID/presence/stream.
func (h *StreamHandler) Presence(c *gin.Context) {
	h.serve(c, h.svc.SubscribePresence)
}

type subscribeFunc func(ctx context.Context, userID, familyID string) (*care.Subscription, error)

// serve subscribes before upgrading so authorization failures still get a
// JSON error response.
func (h *StreamHandler) serve(c *gin.Context, subscribe subscribeFunc) {
	sub, err := subscribe(c.Request.Context(), middleware.UserID(c), c.Param("familyID"))
	if err != nil {
		writeAppError(c, err)
		return
	}
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		h.svc.Unsubscribe(sub)
		h.logger.Debug("websocket upgrade failed", logging.Err(err))
		return
	}
	log := h.logger.With(
		logging.FamilyID(sub.FamilyID()),
		logging.MemberID(sub.MemberID()),
		logging.String("stream", string(sub.Stream())),
	)
	log.Debug("stream opened")

	done := make(chan struct{})
	go h.readPump(ws, done)
	reason := h.writePump(ws, sub, done)
	h.svc.Unsubscribe(sub)
	_ = ws.Close()
	log.Debug("stream closed", logging.String("reason", reason))
}

// readPump discards client frames and keeps the read deadline moving on
// pongs. It closes done when the peer goes away.
func (h *StreamHandler) readPump(ws *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	ws.SetReadLimit(maxClientMessage)
	_ = ws.SetReadDeadline(time.Now().Add(2 * h.ping))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(2 * h.ping))
	})
	for {
		if _, _, err := ws.NextReader(); err != nil {
			return
		}
	}
}

func (h *StreamHandler) writePump(ws *websocket.Conn, sub *care.Subscription, done <-chan struct{}) string {
	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				reason := sub.Reason()
				h.writeClose(ws, reason)
				return reason
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(msg); err != nil {
				return "write_failed"
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return "ping_failed"
			}
		case <-done:
			return "client_closed"
		}
	}
}

func (h *StreamHandler) writeClose(ws *websocket.Conn, reason string) {
	code := websocket.CloseNormalClosure
	switch reason {
	case care.CloseResync:
		code = CloseCodeResync
	case care.CloseRevoked:
		code = CloseCodeRevoked
	case care.CloseShutdown:
		code = websocket.CloseGoingAway
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
