package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/converse/internal/chat"
)

// Store is the durable, append-only conversation log. Three backends
// implement it with an identical external contract: postgres (row-oriented,
// offset paging), pebble (column-family-oriented, resume-token paging) and
// an in-process store for local/dev use.
type Store interface {
	// Create allocates an id and persists the conversation. The creation
	// index entry is written after the primary row commits; a crash in
	// between leaves the conversation addressable by id but absent from
	// Conversations.
	Create(ctx context.Context, name string) (chat.Conversation, error)

	// Append writes the batch in order. The store assigns strictly
	// increasing timestamps before the batch so read-back ordering is
	// deterministic regardless of backend batching behaviour.
	Append(ctx context.Context, conversationID string, messages []chat.Message) error

	// ListAll returns every message, newest first.
	ListAll(ctx context.Context, conversationID string) ([]chat.Message, error)

	// ListRecent returns at most limit messages, newest first.
	ListRecent(ctx context.Context, conversationID string, limit int) ([]chat.Message, error)

	// Delete removes the conversation, its messages and its index entry.
	// Deleting an unknown conversation is a no-op.
	Delete(ctx context.Context, conversationID string) error

	// Page returns one page of messages, newest first, plus the cursor
	// for the next page (nil when the scan is complete).
	Page(ctx context.Context, conversationID string, pageSize int, cursor chat.Cursor) (Page, error)

	// Conversations lists every conversation, newest first.
	Conversations(ctx context.Context) ([]chat.Conversation, error)

	Close() error
}

// Page is one bounded slice of a history scan.
type Page struct {
	Messages []chat.Message `json:"messages"`
	Next     chat.Cursor    `json:"-"`
}

func validateAppend(conversationID string, messages []chat.Message) error {
	if strings.TrimSpace(conversationID) == "" {
		return fmt.Errorf("%w: conversation id is empty", chat.ErrInvalidArgument)
	}
	if len(messages) == 0 {
		return fmt.Errorf("%w: message batch is empty", chat.ErrInvalidArgument)
	}
	for i, m := range messages {
		if m.Content == "" {
			return fmt.Errorf("%w: message %d has empty content", chat.ErrInvalidArgument, i)
		}
		if !m.Role.Valid() {
			return fmt.Errorf("%w: message %d has unknown role %q", chat.ErrInvalidArgument, i, m.Role)
		}
	}
	return nil
}

func validatePageArgs(conversationID string, pageSize int) error {
	if strings.TrimSpace(conversationID) == "" {
		return fmt.Errorf("%w: conversation id is empty", chat.ErrInvalidArgument)
	}
	if pageSize < 1 {
		return fmt.Errorf("%w: page size must be at least 1", chat.ErrInvalidArgument)
	}
	return nil
}

// sequencer assigns write-time ordering keys: strictly increasing
// timestamps per conversation, unique inside a batch, never behind a key
// already handed out by this process. Keys are microsecond-granular and
// step by whole microseconds, because timestamptz columns round
// sub-microsecond detail away and two keys that collide after rounding
// would break the (conversation_id, msg_timestamp) primary key.
// Caller-supplied timestamps are ignored on purpose; mixing clock sources
// breaks cursor stability.
type sequencer struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newSequencer() *sequencer {
	return &sequencer{last: make(map[string]time.Time)}
}

func (s *sequencer) next(conversationID string, n int) []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := time.Now().UTC().Truncate(time.Microsecond)
	if last, ok := s.last[conversationID]; ok && !base.After(last) {
		base = last.Add(time.Microsecond)
	}
	out := make([]time.Time, n)
	for i := range out {
		out[i] = base.Add(time.Duration(i) * time.Microsecond)
	}
	s.last[conversationID] = out[n-1]
	return out
}
