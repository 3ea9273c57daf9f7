package llm

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/antoniostano/converse/internal/chat"
)

const (
	DefaultModel     = anthropic.ModelClaude3_7SonnetLatest
	defaultMaxTokens = 1024

	namingPrompt = "Generate a short title (at most five words) for a conversation " +
		"that starts with the following message. Reply with the title only."
)

// AnthropicProvider implements Completer and Namer over the Anthropic
// Messages API. One provider is built at composition time and shared by
// every stream.
type AnthropicProvider struct {
	client anthropic.Client
	model  anthropic.Model
}

func NewAnthropicProvider(apiKey string, model string) *AnthropicProvider {
	m := DefaultModel
	if strings.TrimSpace(model) != "" {
		m = anthropic.Model(model)
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  m,
	}
}

func (p *AnthropicProvider) Complete(ctx context.Context, prior []chat.Message) (Stream, error) {
	params, err := p.params(prior)
	if err != nil {
		return nil, err
	}
	stream := p.client.Messages.NewStreaming(ctx, params)
	return &anthropicStream{stream: stream}, nil
}

func (p *AnthropicProvider) Name(ctx context.Context, seed string) (string, error) {
	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: 64,
		System:    []anthropic.TextBlockParam{{Text: namingPrompt}},
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(seed))},
	})
	if err != nil {
		return "", fmt.Errorf("%w: name conversation: %v", chat.ErrUpstreamGeneration, err)
	}
	for _, block := range msg.Content {
		if text := strings.TrimSpace(block.Text); text != "" {
			return text, nil
		}
	}
	return "", fmt.Errorf("%w: naming call returned no text", chat.ErrUpstreamGeneration)
}

func (p *AnthropicProvider) params(prior []chat.Message) (anthropic.MessageNewParams, error) {
	var system []anthropic.TextBlockParam
	msgs := make([]anthropic.MessageParam, 0, len(prior))
	for _, m := range prior {
		switch m.Role {
		case chat.RoleUser:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case chat.RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case chat.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		default:
			return anthropic.MessageNewParams{}, fmt.Errorf("%w: unknown role %q", chat.ErrInvalidArgument, m.Role)
		}
	}
	return anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: defaultMaxTokens,
		System:    system,
		Messages:  msgs,
	}, nil
}

// anthropicStream narrows the SDK event stream to text chunks.
type anthropicStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

func (s *anthropicStream) Recv() (string, error) {
	for s.stream.Next() {
		event := s.stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text != "" {
					return delta.Text, nil
				}
			}
		}
	}
	if err := s.stream.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", chat.ErrUpstreamGeneration, err)
	}
	return "", io.EOF
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}
