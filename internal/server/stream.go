package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orchlabs/orch/internal/streaming"
)

func closeDeadline() time.Time { return time.Now().Add(time.Second) }

// handleWebSocket streams a conversation's events and output chunks
// over one socket. Each frame is a JSON-encoded streaming.Message; a
// seq gap within a topic tells the client it fell behind.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		s.logger.Warn(r.Context(), "websocket upgrade failed", "conversation_id", id, "error", err)
		return
	}
	defer conn.Close()

	events := s.deps.Hub.Subscribe(streaming.ConversationTopic(id))
	defer events.Close()
	chunks := s.deps.Hub.Subscribe(streaming.StreamTopic(id))
	defer chunks.Close()

	greeting := s.deps.Hub.ConnectionEstablished(streaming.ConversationTopic(id))
	if data, err := json.Marshal(greeting); err == nil {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}

	// The read loop exists to observe the close handshake; inbound
	// frames carry no meaning on this endpoint.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		var (
			msg streaming.Message
			ok  bool
		)
		select {
		case <-closed:
			return
		case msg, ok = <-events.C:
		case msg, ok = <-chunks.C:
		}
		if !ok {
			// Hub shutdown or slow-consumer drop; tell the client why.
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription closed"),
				closeDeadline())
			return
		}
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// handleSSE mirrors the WebSocket stream as server-sent events for
// clients that cannot upgrade. Heartbeats go out as SSE comments.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	id := r.PathValue("id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := s.deps.Hub.Subscribe(streaming.ConversationTopic(id))
	defer events.Close()
	chunks := s.deps.Hub.Subscribe(streaming.StreamTopic(id))
	defer chunks.Close()

	greeting := s.deps.Hub.ConnectionEstablished(streaming.ConversationTopic(id))
	if data, err := json.Marshal(greeting); err == nil {
		if _, err := fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", greeting.Kind, greeting.Seq, data); err != nil {
			return
		}
		flusher.Flush()
	}

	ctx := r.Context()
	for {
		var (
			msg streaming.Message
			ok  bool
		)
		select {
		case <-ctx.Done():
			return
		case msg, ok = <-events.C:
		case msg, ok = <-chunks.C:
		}
		if !ok {
			return
		}
		if msg.Kind == streaming.KindHeartbeat {
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		}
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", msg.Kind, msg.Seq, data); err != nil {
			return
		}
		flusher.Flush()
	}
}
