package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/v1link/internal/monitoring"
	"github.com/banshee-data/v1link/internal/state"
)

const (
	wsWriteWait  = time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// Event is one websocket message.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// EventState carries a state.V1Data snapshot.
const EventState = "state"

// handleWebSocket streams the published state: the current snapshot on
// connect, then every change. A slow client only misses intermediate
// states.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		monitoring.Logf("api: websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	id, updates := s.store.Subscribe()
	defer s.store.Unsubscribe(id)

	// Reads only serve to process pongs and notice the client going away.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					monitoring.Logf("api: websocket read from %s: %v", r.RemoteAddr, err)
				}
				return
			}
		}
	}()

	send := func(d state.V1Data) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(Event{Type: EventState, Payload: d}); err != nil {
			monitoring.Debugf("api: websocket write to %s: %v", r.RemoteAddr, err)
			return false
		}
		return true
	}

	if !send(s.store.Snapshot()) {
		return
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case d, ok := <-updates:
			if !ok || !send(d) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
