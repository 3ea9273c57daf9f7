package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/converse/internal/chat"
)

// InMemoryStore is a simple in-process store for local/dev use and tests.
// It pages with offset cursors, like the row-oriented backend.
type InMemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*memoryConversation
	seq   *sequencer
}

type memoryConversation struct {
	conv chat.Conversation
	// messages in append (chronological) order
	messages []chat.Message
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs: make(map[string]*memoryConversation),
		seq:   newSequencer(),
	}
}

func (s *InMemoryStore) Create(_ context.Context, name string) (chat.Conversation, error) {
	conv := chat.Conversation{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.ID] = &memoryConversation{conv: conv}
	return conv, nil
}

func (s *InMemoryStore) Append(_ context.Context, conversationID string, messages []chat.Message) error {
	if err := validateAppend(conversationID, messages); err != nil {
		return err
	}
	stamps := s.seq.next(conversationID, len(messages))

	s.mu.Lock()
	defer s.mu.Unlock()
	mc, ok := s.convs[conversationID]
	if !ok {
		return fmt.Errorf("%w: %s", chat.ErrNotFound, conversationID)
	}
	for i, m := range messages {
		m.ConversationID = conversationID
		m.Timestamp = stamps[i]
		mc.messages = append(mc.messages, m)
	}
	return nil
}

func (s *InMemoryStore) ListAll(ctx context.Context, conversationID string) ([]chat.Message, error) {
	return s.ListRecent(ctx, conversationID, 0)
}

func (s *InMemoryStore) ListRecent(_ context.Context, conversationID string, limit int) ([]chat.Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, fmt.Errorf("%w: conversation id is empty", chat.ErrInvalidArgument)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	mc, ok := s.convs[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", chat.ErrNotFound, conversationID)
	}
	n := len(mc.messages)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]chat.Message, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, mc.messages[i])
	}
	return out, nil
}

func (s *InMemoryStore) Delete(_ context.Context, conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return fmt.Errorf("%w: conversation id is empty", chat.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, conversationID)
	return nil
}

func (s *InMemoryStore) Page(_ context.Context, conversationID string, pageSize int, cursor chat.Cursor) (Page, error) {
	if err := validatePageArgs(conversationID, pageSize); err != nil {
		return Page{}, err
	}
	oc, err := chat.AsOffset(cursor, pageSize)
	if err != nil {
		return Page{}, err
	}
	if oc.PageSize != pageSize {
		return Page{}, fmt.Errorf("%w: cursor was issued for page size %d, not %d", chat.ErrInvalidArgument, oc.PageSize, pageSize)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	mc, ok := s.convs[conversationID]
	if !ok {
		return Page{}, fmt.Errorf("%w: %s", chat.ErrNotFound, conversationID)
	}

	n := len(mc.messages)
	start := oc.Page * pageSize
	if start >= n {
		return Page{Messages: []chat.Message{}}, nil
	}
	end := start + pageSize
	if end > n {
		end = n
	}
	// newest-first: index from the tail
	out := make([]chat.Message, 0, end-start)
	for i := n - 1 - start; i >= n-end; i-- {
		out = append(out, mc.messages[i])
	}

	page := Page{Messages: out}
	if len(out) == pageSize {
		page.Next = chat.OffsetCursor{Page: oc.Page + 1, PageSize: pageSize, HasNext: true}
	}
	return page, nil
}

func (s *InMemoryStore) Conversations(_ context.Context) ([]chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chat.Conversation, 0, len(s.convs))
	for _, mc := range s.convs {
		out = append(out, mc.conv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
