// Package memory exposes the bounded conversation window used to build
// completion prompts. It wraps the durable store: appends pass straight
// through, the window is a read-side view and never trims the log.
package memory

import (
	"context"
	"fmt"

	"github.com/antoniostano/converse/internal/chat"
	"github.com/antoniostano/converse/internal/store"
)

const DefaultMaxMessages = 20

// ConversationMemory serves the prompting path: the last maxMessages
// messages of a conversation, in the chronological order the completion
// client expects.
type ConversationMemory struct {
	store       store.Store
	maxMessages int
}

func New(s store.Store, maxMessages int) (*ConversationMemory, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: store is nil", chat.ErrInvalidArgument)
	}
	if maxMessages <= 0 {
		return nil, fmt.Errorf("%w: max messages must be positive, got %d", chat.ErrInvalidArgument, maxMessages)
	}
	return &ConversationMemory{store: s, maxMessages: maxMessages}, nil
}

// Append writes the messages durably. The window bound is a view concern;
// older messages stay in the log.
func (m *ConversationMemory) Append(ctx context.Context, conversationID string, messages []chat.Message) error {
	return m.store.Append(ctx, conversationID, messages)
}

// Window returns at most maxMessages of the most recent messages in
// chronological (oldest-first) order. The store hands them back newest
// first; reverse before the prompt is assembled.
func (m *ConversationMemory) Window(ctx context.Context, conversationID string) ([]chat.Message, error) {
	items, err := m.store.ListRecent(ctx, conversationID, m.maxMessages)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// Clear removes the conversation and its whole log.
func (m *ConversationMemory) Clear(ctx context.Context, conversationID string) error {
	return m.store.Delete(ctx, conversationID)
}
