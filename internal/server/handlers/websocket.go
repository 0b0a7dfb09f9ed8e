// internal/server/handlers/websocket.go

package handlers

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"spatialtag/internal/domain/discovery"
)

// StreamRecorder tracks stream activity. Implementations must not block.
type StreamRecorder interface {
	StreamOpened()
	StreamClosed()
	StreamDelivered()
}

// WebSocketConfig contains configuration for WebSocket connections
type WebSocketConfig struct {
	// Time allowed to write a message to the peer
	WriteWait time.Duration

	// Time allowed to read the next pong message from the peer
	PongWait time.Duration

	// Send pings to peer with this period
	PingPeriod time.Duration

	// Maximum message size allowed from peer
	MaxMessageSize int64

	// Origins allowed to open a stream; "*" allows any
	AllowedOrigins []string
}

// DefaultWebSocketConfig returns the default WebSocket configuration
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     (60 * time.Second * 9) / 10,
		MaxMessageSize: 4 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

// streamHello is the first frame sent on a stream
type streamHello struct {
	Type               string    `json:"type"`
	SearchRadiusMeters float64   `json:"search_radius_meters"`
	At                 time.Time `json:"at"`
}

// StreamHandler serves tag update streams over WebSocket
type StreamHandler struct {
	service  discovery.Service
	recorder StreamRecorder
	config   WebSocketConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(service discovery.Service, recorder StreamRecorder, config WebSocketConfig, logger *zap.Logger) *StreamHandler {
	h := &StreamHandler{
		service:  service,
		recorder: recorder,
		config:   config,
		logger:   logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *StreamHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.config.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(h.config.AllowedOrigins, origin)
}

// StreamTags upgrades the connection and relays tag updates around the
// requested position until either side closes
func (h *StreamHandler) StreamTags(w http.ResponseWriter, r *http.Request) {
	req, err := parseNearbyRequest(r)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	caller, _ := CallerFrom(r.Context())

	// Subscribe before upgrading so failures surface as HTTP errors
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	updates, err := h.service.SubscribeTagUpdates(ctx, caller, req)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade to WebSocket", zap.Error(err))
		return
	}
	defer conn.Close()

	h.recorder.StreamOpened()
	defer h.recorder.StreamClosed()

	h.logger.Debug("Tag stream opened",
		zap.String("caller_id", caller.ID),
		zap.Float64("radius", req.Radius))

	go h.readPump(conn, cancel)
	h.writePump(conn, req, updates)

	h.logger.Debug("Tag stream closed", zap.String("caller_id", caller.ID))
}

// readPump drains client frames so control messages are processed, and
// cancels the subscription when the peer goes away
func (h *StreamHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(h.config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump pumps updates to the WebSocket connection
func (h *StreamHandler) writePump(conn *websocket.Conn, req discovery.NearbyRequest, updates <-chan discovery.TagUpdate) {
	ticker := time.NewTicker(h.config.PingPeriod)
	defer ticker.Stop()

	conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
	hello := streamHello{Type: "subscribed", SearchRadiusMeters: req.Radius, At: time.Now().UTC()}
	if err := conn.WriteJSON(hello); err != nil {
		return
	}

	for {
		select {
		case update, ok := <-updates:
			conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
			if !ok {
				// The subscription ended
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(update); err != nil {
				return
			}
			h.recorder.StreamDelivered()

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
