package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/antoniostano/converse/internal/stream"
)

type wsStreamRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

type wsStreamError struct {
	Error string `json:"error"`
}

// handleStreamWS serves GET /v1/chats/ws. Each request frame carries a user
// message; the reply comes back as a sequence of stream events on the same
// connection. Writes block on the socket, so a slow client slows the stream
// rather than growing a buffer, and a closed socket surfaces as a write
// error that aborts the stream.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	for {
		var req wsStreamRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		emit := func(ev stream.Event) error {
			return conn.WriteJSON(ev)
		}

		if err := s.coordinator.StreamReply(r.Context(), req.ConversationID, req.Message, emit); err != nil {
			if werr := conn.WriteJSON(wsStreamError{Error: err.Error()}); werr != nil {
				return
			}
			s.log.Debug("websocket stream ended with error",
				zap.String("conversation_id", req.ConversationID),
				zap.Error(err))
		}
	}
}
