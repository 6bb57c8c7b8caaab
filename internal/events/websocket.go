package events

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// ControlMessage is what a connected client sends to manage its subscription.
type ControlMessage struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels,omitempty"`
}

type wireEvent struct {
	Event
	MissedEvents bool `json:"missedEvents,omitempty"`
}

type wireRefresh struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// RefreshFunc produces the current dashboard view for refresh requests.
type RefreshFunc func(ctx context.Context) any

// WSHandler upgrades dashboard clients to websocket sessions and bridges them
// onto the hub. Each connection is an independent subscriber keyed by a
// per-process connection id.
type WSHandler struct {
	hub      *Hub
	logger   *slog.Logger
	refresh  RefreshFunc
	upgrader websocket.Upgrader
	seq      atomic.Int64
}

// NewWSHandler wires the websocket endpoint to the hub.
func NewWSHandler(hub *Hub, logger *slog.Logger, refresh RefreshFunc) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		hub:     hub,
		logger:  logger.With(slog.String("agent", "websocket")),
		refresh: refresh,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	id := fmt.Sprintf("%s#%d", r.RemoteAddr, h.seq.Add(1))
	sub := h.hub.Subscribe(id, nil)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer h.hub.Unsubscribe(id)
	defer func() { _ = conn.Close() }()

	refreshRequests := make(chan struct{}, 1)
	deliveries := make(chan Delivery)

	// Pump hub deliveries into a channel so the writer can multiplex them
	// with refresh requests; gorilla connections allow one writer only.
	go func() {
		for {
			delivery, err := sub.Next(ctx)
			if err != nil {
				close(deliveries)
				return
			}
			select {
			case deliveries <- delivery:
			case <-ctx.Done():
				close(deliveries)
				return
			}
		}
	}()

	go h.writeLoop(ctx, cancel, conn, deliveries, refreshRequests)

	for {
		var msg ControlMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read failed", slog.String("connection", id), slog.Any("error", err))
			}
			return
		}
		switch msg.Action {
		case "subscribe":
			sub.AddChannels(msg.Channels)
		case "unsubscribe":
			sub.RemoveChannels(msg.Channels)
		case "refresh":
			select {
			case refreshRequests <- struct{}{}:
			default:
			}
		default:
			h.logger.Debug("unknown control action", slog.String("connection", id), slog.String("action", msg.Action))
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, deliveries <-chan Delivery, refreshRequests <-chan struct{}) {
	defer cancel()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(wireEvent{Event: delivery.Event, MissedEvents: delivery.Missed}); err != nil {
				return
			}
		case <-refreshRequests:
			if h.refresh == nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(wireRefresh{Type: "refresh", Data: h.refresh(ctx)}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
