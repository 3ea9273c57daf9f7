package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/converse/internal/chat"
	"github.com/antoniostano/converse/internal/llm"
	"github.com/antoniostano/converse/internal/memory"
	"github.com/antoniostano/converse/internal/observability"
	"github.com/antoniostano/converse/internal/store"
)

type fakeCompleter struct {
	chunks    []string
	failAfter int // -1 means never fail
}

func (f *fakeCompleter) Complete(_ context.Context, _ []chat.Message) (llm.Stream, error) {
	return &fakeStream{chunks: f.chunks, failAfter: f.failAfter}, nil
}

type fakeStream struct {
	chunks    []string
	failAfter int
	pos       int
}

func (s *fakeStream) Recv() (string, error) {
	if s.failAfter >= 0 && s.pos == s.failAfter {
		return "", fmt.Errorf("%w: generation blew up", chat.ErrUpstreamGeneration)
	}
	if s.pos >= len(s.chunks) {
		return "", io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *fakeStream) Close() error { return nil }

type fixedNamer struct{ name string }

func (n fixedNamer) Name(context.Context, string) (string, error) { return n.name, nil }

func newTestCoordinator(t *testing.T, completer llm.Completer) (*Coordinator, store.Store) {
	t.Helper()
	s := store.NewInMemoryStore()
	mem, err := memory.New(s, 10)
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	metrics := observability.NewMetrics("test_stream_" + t.Name() + time.Now().Format("150405000000000"))
	return NewCoordinator(s, mem, completer, fixedNamer{name: "test chat"}, metrics, zap.NewNop()), s
}

func collectEvents(events *[]Event) Emitter {
	return func(e Event) error {
		*events = append(*events, e)
		return nil
	}
}

func TestCleanStreamPersistsExactlyOneAssistantMessage(t *testing.T) {
	chunks := []string{"Hel", "lo ", "world"}
	coord, s := newTestCoordinator(t, &fakeCompleter{chunks: chunks, failAfter: -1})

	var events []Event
	if err := coord.StreamReply(context.Background(), "", "hi there", collectEvents(&events)); err != nil {
		t.Fatalf("stream reply: %v", err)
	}

	if len(events) != len(chunks)+2 {
		t.Fatalf("got %d events, want %d", len(events), len(chunks)+2)
	}
	if events[0].Type != EventConversationCreated || events[0].Payload == "" {
		t.Fatalf("first event = %+v, want conversation_created with id", events[0])
	}
	for i, chunk := range chunks {
		if events[i+1].Type != EventData || events[i+1].Payload != chunk {
			t.Fatalf("event %d = %+v, want data %q", i+1, events[i+1], chunk)
		}
	}
	if events[len(events)-1].Type != EventEnd {
		t.Fatalf("last event = %+v, want end", events[len(events)-1])
	}

	convID := events[0].Payload
	msgs, err := s.ListAll(context.Background(), convID)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want user + assistant", len(msgs))
	}
	if msgs[0].Role != chat.RoleAssistant || msgs[0].Content != "Hello world" {
		t.Fatalf("assistant message = %+v, want concatenated chunks", msgs[0])
	}
	if msgs[1].Role != chat.RoleUser || msgs[1].Content != "hi there" {
		t.Fatalf("user message = %+v", msgs[1])
	}
}

func TestZeroChunkStreamCompletesWithoutAssistantMessage(t *testing.T) {
	coord, s := newTestCoordinator(t, &fakeCompleter{chunks: nil, failAfter: -1})
	conv, err := s.Create(context.Background(), "quiet")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var events []Event
	if err := coord.StreamReply(context.Background(), conv.ID, "say nothing", collectEvents(&events)); err != nil {
		t.Fatalf("stream reply: %v", err)
	}

	if len(events) != 1 || events[0].Type != EventEnd {
		t.Fatalf("events = %+v, want a single end event", events)
	}
	msgs, err := s.ListAll(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != chat.RoleUser {
		t.Fatalf("persisted %+v, want only the user turn", msgs)
	}
}

func TestStreamWithExistingConversationSkipsCreation(t *testing.T) {
	coord, s := newTestCoordinator(t, &fakeCompleter{chunks: []string{"ok"}, failAfter: -1})
	conv, err := s.Create(context.Background(), "existing")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var events []Event
	if err := coord.StreamReply(context.Background(), conv.ID, "again", collectEvents(&events)); err != nil {
		t.Fatalf("stream reply: %v", err)
	}
	for _, e := range events {
		if e.Type == EventConversationCreated {
			t.Fatalf("unexpected conversation_created for existing conversation")
		}
	}
}

func TestUpstreamErrorKeepsUserTurnOnly(t *testing.T) {
	coord, s := newTestCoordinator(t, &fakeCompleter{chunks: []string{"par", "tial"}, failAfter: 1})

	var events []Event
	err := coord.StreamReply(context.Background(), "", "fail me", collectEvents(&events))
	if !errors.Is(err, chat.ErrUpstreamGeneration) {
		t.Fatalf("error = %v, want ErrUpstreamGeneration", err)
	}

	convID := events[0].Payload
	msgs, lerr := s.ListAll(context.Background(), convID)
	if lerr != nil {
		t.Fatalf("list all: %v", lerr)
	}
	if len(msgs) != 1 || msgs[0].Role != chat.RoleUser {
		t.Fatalf("persisted %+v, want the user turn only", msgs)
	}
	for _, e := range events {
		if e.Type == EventEnd {
			t.Fatal("end event emitted on a failed stream")
		}
	}
}

func TestClientDisconnectSkipsFinalize(t *testing.T) {
	coord, s := newTestCoordinator(t, &fakeCompleter{chunks: []string{"a", "b", "c"}, failAfter: -1})
	conv, err := s.Create(context.Background(), "dropped")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	emitFailure := errors.New("client went away")
	sent := 0
	emit := func(Event) error {
		sent++
		if sent >= 2 {
			return emitFailure
		}
		return nil
	}

	if err := coord.StreamReply(context.Background(), conv.ID, "question", emit); !errors.Is(err, emitFailure) {
		t.Fatalf("error = %v, want the transport failure", err)
	}

	msgs, err := s.ListAll(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != chat.RoleUser {
		t.Fatalf("persisted %+v, want the user turn only after disconnect", msgs)
	}
}

func TestCancelledContextSkipsFinalize(t *testing.T) {
	coord, s := newTestCoordinator(t, &fakeCompleter{chunks: []string{"a", "b"}, failAfter: -1})
	conv, err := s.Create(context.Background(), "cancelled")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	emit := func(e Event) error {
		if e.Type == EventData {
			cancel()
		}
		return nil
	}

	if err := coord.StreamReply(ctx, conv.ID, "question", emit); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}

	msgs, err := s.ListAll(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	for _, m := range msgs {
		if m.Role == chat.RoleAssistant {
			t.Fatalf("assistant message persisted after cancellation: %+v", m)
		}
	}
}

func TestEmptyUserMessageRejected(t *testing.T) {
	coord, _ := newTestCoordinator(t, &fakeCompleter{failAfter: -1})
	err := coord.StreamReply(context.Background(), "", "   ", func(Event) error { return nil })
	if !errors.Is(err, chat.ErrInvalidArgument) {
		t.Fatalf("error = %v, want ErrInvalidArgument", err)
	}
}
