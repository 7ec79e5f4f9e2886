package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"resolvd/internal/query"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const pingInterval = 30 * time.Second

// QueryEvent is one WebSocket message. The final message for a round has
// Settled set, after which the server closes the connection.
type QueryEvent struct {
	Event   string        `json:"event"`
	Settled bool          `json:"settled"`
	Query   QueryResponse `json:"query"`
}

// handleWebSocket streams updates for ?query_id=... until its round settles.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	entry, err := s.tracker.Get(r.URL.Query().Get("query_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	q := entry.Query
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// Listeners must not block, so only the latest kind is kept when the
	// writer falls behind; every message carries the full state anyway.
	events := make(chan query.EventKind, 16)
	unsubscribe := q.Subscribe(func(ev query.Event) {
		select {
		case events <- ev.Kind:
		default:
		}
	})
	defer unsubscribe()

	settled := make(chan struct{})
	go func() {
		s.deps.Pipeline.Wait(ctx, q)
		close(settled)
	}()

	// Reading keeps control frames flowing and notices a client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(kind string, done bool) bool {
		e, err := s.tracker.Get(q.ID())
		if err != nil {
			e = entry
		}
		msg := QueryEvent{Event: kind, Settled: done, Query: s.queryToResponse(e)}
		data, err := json.Marshal(msg)
		if err != nil {
			s.logger.Error("Failed to marshal query event: %v", err)
			return true
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logger.Debug("Failed to write WebSocket message: %v", err)
			return false
		}
		return true
	}

	if !send("snapshot", false) {
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case kind := <-events:
			if !send(kind.String(), false) {
				return
			}

		case <-settled:
			if ctx.Err() == nil {
				send("settled", true)
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			}
			return

		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}
