package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const eventWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleEvents streams the gate state over a websocket. The current state is
// sent on connect and again whenever it changes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		writeError(w, http.StatusBadRequest, "websocket upgrade required")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("event feed upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	s.metrics.subscribers.Inc()
	defer s.metrics.subscribers.Dec()

	// Reads only detect the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.eventInterval)
	defer ticker.Stop()

	last := s.gate.State()
	if err := s.sendState(conn, last); err != nil {
		return
	}
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			st := s.gate.State()
			if st == last {
				continue
			}
			last = st
			if err := s.sendState(conn, st); err != nil {
				s.logger.Debug("event feed write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) sendState(conn *websocket.Conn, st any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
	return conn.WriteJSON(st)
}
