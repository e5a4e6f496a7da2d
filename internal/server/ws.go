package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	gateway "github.com/eugener/gatewayd/internal"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsPongWait   = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Event stream carries no session cookie or CSRF-sensitive state; any
	// origin may subscribe with a valid bearer token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscribeRequest is the first client frame on a new connection, naming the
// channels it wants to receive events for (§5: per-channel FIFO delivery).
type subscribeRequest struct {
	Type     string            `json:"type"`
	Channels []gateway.Channel `json:"channels"`
}

// wsEventFrame is the shape of every server-to-client frame.
type wsEventFrame struct {
	Type      gateway.EventType `json:"type"`
	RequestID string            `json:"request_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   any               `json:"payload,omitempty"`
}

// handleWebSocket implements GET /api/ws: upgrades, reads one subscribe
// frame naming the wanted channels, then pumps bus events to the client
// until it disconnects or falls behind (the bus disconnects slow readers;
// see eventbus.Bus.Publish).
func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeErr(w, http.StatusServiceUnavailable, gateway.KindStorage, "event stream unavailable")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	var sub subscribeRequest
	if err := conn.ReadJSON(&sub); err != nil || len(sub.Channels) == 0 {
		conn.WriteJSON(map[string]string{"error": "expected {\"type\":\"subscribe\",\"channels\":[...]}"})
		return
	}

	subscription := s.deps.Bus.Subscribe(sub.Channels...)
	defer subscription.Close()

	done := make(chan struct{})
	go s.wsDiscardReads(conn, done)

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case evt, ok := <-subscription.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			frame := wsEventFrame{Type: evt.Type, RequestID: evt.RequestID, Timestamp: evt.Timestamp, Payload: evt.Payload}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

// wsDiscardReads drains and discards client frames so the connection's read
// side stays serviced (required for control frames like pong and close),
// closing done once the client disconnects.
func (s *server) wsDiscardReads(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
