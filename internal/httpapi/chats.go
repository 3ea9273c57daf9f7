package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/antoniostano/converse/internal/chat"
)

type createChatRequest struct {
	SeedText string `json:"seed_text"`
}

type chatResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	conv, err := s.coordinator.CreateConversation(r.Context(), req.SeedText)
	if err != nil {
		respondKindError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, chatResponse{ID: conv.ID, Name: conv.Name, CreatedAt: conv.CreatedAt})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.Conversations(r.Context())
	if err != nil {
		respondKindError(w, err)
		return
	}
	out := make([]chatResponse, 0, len(convs))
	for _, c := range convs {
		out = append(out, chatResponse{ID: c.ID, Name: c.Name, CreatedAt: c.CreatedAt})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		respondKindError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type historyMessage struct {
	Role      chat.Role `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type historyPageResponse struct {
	Messages   []historyMessage `json:"messages"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

func (s *Server) handleHistoryPage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	pageSize := s.cfg.DefaultPageSize
	if raw := strings.TrimSpace(r.URL.Query().Get("page_size")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_argument", "page_size must be an integer")
			return
		}
		pageSize = n
	}
	if pageSize > s.cfg.MaxPageSize {
		pageSize = s.cfg.MaxPageSize
	}

	cursor, err := chat.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		respondKindError(w, err)
		return
	}

	page, err := s.store.Page(r.Context(), id, pageSize, cursor)
	if err != nil {
		respondKindError(w, err)
		return
	}

	resp := historyPageResponse{Messages: make([]historyMessage, 0, len(page.Messages))}
	for _, m := range page.Messages {
		resp.Messages = append(resp.Messages, historyMessage{Role: m.Role, Content: m.Content, Timestamp: m.Timestamp})
	}
	if page.Next != nil {
		resp.NextCursor = page.Next.Encode()
	}

	s.log.Debug("history page served",
		zap.String("conversation_id", id),
		zap.Int("page_size", pageSize),
		zap.Int("returned", len(resp.Messages)),
		zap.Bool("has_next", resp.NextCursor != ""))
	respondJSON(w, http.StatusOK, resp)
}
