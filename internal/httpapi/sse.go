package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/antoniostano/converse/internal/stream"
)

type streamRequest struct {
	Message string `json:"message"`
}

// handleStreamSSE serves POST /v1/chats/stream and /v1/chats/{id}/stream.
// Events: `conversation_created` with the new id, unnamed `data` events
// carrying {"text": chunk}, and a terminal `end` event. The response is
// committed lazily on the first event, so pre-stream failures still get a
// JSON error.
func (s *Server) handleStreamSSE(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support flushing")
		return
	}

	started := false
	emit := func(ev stream.Event) error {
		if !started {
			started = true
			h := w.Header()
			h.Set("Content-Type", "text/event-stream")
			h.Set("Cache-Control", "no-cache")
			h.Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
		}
		var err error
		switch ev.Type {
		case stream.EventConversationCreated:
			_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", stream.EventConversationCreated, ev.Payload)
		case stream.EventData:
			payload, merr := json.Marshal(map[string]string{"text": ev.Payload})
			if merr != nil {
				return merr
			}
			_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
		case stream.EventEnd:
			_, err = fmt.Fprintf(w, "event: %s\ndata:\n\n", stream.EventEnd)
		}
		if err != nil {
			return err
		}
		// Flushing per event is what hands backpressure to the client
		// connection.
		flusher.Flush()
		return nil
	}

	if err := s.coordinator.StreamReply(r.Context(), conversationID, req.Message, emit); err != nil {
		if !started {
			respondKindError(w, err)
			return
		}
		// Headers are gone; ending the stream without the terminal
		// event is how the error propagates.
		s.log.Warn("sse stream ended with error",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
	}
}
