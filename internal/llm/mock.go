package llm

import (
	"context"
	"io"
	"strings"

	"github.com/antoniostano/converse/internal/chat"
)

// MockProvider is a deterministic offline provider used when no API key is
// configured, and by tests. It echoes the last user message back one word
// at a time.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Complete(_ context.Context, prior []chat.Message) (Stream, error) {
	last := ""
	for i := len(prior) - 1; i >= 0; i-- {
		if prior[i].Role == chat.RoleUser {
			last = prior[i].Content
			break
		}
	}
	reply := "You said: " + last
	words := strings.Fields(reply)
	chunks := make([]string, len(words))
	for i, w := range words {
		if i == 0 {
			chunks[i] = w
		} else {
			chunks[i] = " " + w
		}
	}
	return &mockStream{chunks: chunks}, nil
}

func (p *MockProvider) Name(_ context.Context, seed string) (string, error) {
	words := strings.Fields(seed)
	if len(words) > 5 {
		words = words[:5]
	}
	if len(words) == 0 {
		return "New conversation", nil
	}
	return strings.Join(words, " "), nil
}

type mockStream struct {
	chunks []string
	pos    int
}

func (s *mockStream) Recv() (string, error) {
	if s.pos >= len(s.chunks) {
		return "", io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *mockStream) Close() error { return nil }
