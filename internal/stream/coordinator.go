// Package stream drives the chunked-reply protocol: lazy conversation
// creation, ordered chunk forwarding, and the single durable write of the
// finished assistant message.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/converse/internal/chat"
	"github.com/antoniostano/converse/internal/llm"
	"github.com/antoniostano/converse/internal/memory"
	"github.com/antoniostano/converse/internal/observability"
	"github.com/antoniostano/converse/internal/store"
)

// EventType marks what a stream event carries.
type EventType string

const (
	// EventConversationCreated carries the id of a lazily created
	// conversation; emitted before any data.
	EventConversationCreated EventType = "conversation_created"
	// EventData carries one completion chunk, verbatim and in order.
	EventData EventType = "data"
	// EventEnd is the terminal event of a clean stream.
	EventEnd EventType = "end"
)

// Event is one item of the client-visible stream.
type Event struct {
	Type    EventType `json:"type"`
	Payload string    `json:"payload,omitempty"`
}

// Emitter hands one event to the client transport. It blocks while the
// transport is busy, which is where backpressure happens; a returned error
// means the client is gone and aborts the stream.
type Emitter func(Event) error

type state int

const (
	stateStart state = iota
	stateCreating
	stateActive
	stateStreaming
	stateFinalizing
	stateDone
	stateError
)

func (s state) String() string {
	switch s {
	case stateStart:
		return "start"
	case stateCreating:
		return "creating"
	case stateActive:
		return "active"
	case stateStreaming:
		return "streaming"
	case stateFinalizing:
		return "finalizing"
	case stateDone:
		return "done"
	default:
		return "error"
	}
}

// Coordinator runs one state machine per streaming call. Streams on
// different conversations are independent; the store does not arbitrate
// concurrent writers on the same conversation id (single active stream per
// conversation is an operating constraint, not an enforced guarantee).
type Coordinator struct {
	store     store.Store
	mem       *memory.ConversationMemory
	completer llm.Completer
	namer     llm.Namer
	metrics   *observability.Metrics
	log       *zap.Logger
}

func NewCoordinator(s store.Store, mem *memory.ConversationMemory, completer llm.Completer, namer llm.Namer, metrics *observability.Metrics, log *zap.Logger) *Coordinator {
	return &Coordinator{
		store:     s,
		mem:       mem,
		completer: completer,
		namer:     namer,
		metrics:   metrics,
		log:       log,
	}
}

// CreateConversation names a conversation from the seed text and persists
// it. Naming failures fall back to the trimmed seed; creation must not
// hinge on the naming call.
func (c *Coordinator) CreateConversation(ctx context.Context, seedText string) (chat.Conversation, error) {
	if strings.TrimSpace(seedText) == "" {
		return chat.Conversation{}, fmt.Errorf("%w: seed text is empty", chat.ErrInvalidArgument)
	}
	name, err := c.namer.Name(ctx, seedText)
	if err != nil || strings.TrimSpace(name) == "" {
		if err != nil {
			c.log.Warn("conversation naming failed, using seed text", zap.Error(err))
		}
		name = strings.TrimSpace(seedText)
		if len(name) > 80 {
			name = name[:80]
		}
	}
	conv, err := c.store.Create(ctx, name)
	if err != nil {
		c.metrics.StoreErrors.WithLabelValues("create").Inc()
		return chat.Conversation{}, err
	}
	c.log.Info("conversation created", zap.String("conversation_id", conv.ID), zap.String("name", conv.Name))
	return conv, nil
}

// StreamReply runs one streaming call: START -> (CREATING|ACTIVE) ->
// STREAMING -> FINALIZING -> DONE, with ERROR reachable from every state.
// The user turn is durable before the completion call; the assistant turn
// is persisted exactly once and only on a clean upstream end. Client
// disconnects and upstream failures abort without the finalizing write;
// the user turn is never retracted.
func (c *Coordinator) StreamReply(ctx context.Context, conversationID, userText string, emit Emitter) error {
	if strings.TrimSpace(userText) == "" {
		return fmt.Errorf("%w: user message is empty", chat.ErrInvalidArgument)
	}

	start := time.Now()
	c.metrics.ActiveStreams.Inc()
	defer func() {
		c.metrics.ActiveStreams.Dec()
		c.metrics.ObserveStreamDuration(time.Since(start))
	}()

	st := stateStart
	fail := func(next error) error {
		c.log.Warn("stream aborted",
			zap.String("conversation_id", conversationID),
			zap.String("state", st.String()),
			zap.Error(next))
		st = stateError
		c.metrics.StreamEvents.WithLabelValues("aborted").Inc()
		return next
	}

	if strings.TrimSpace(conversationID) == "" {
		st = stateCreating
		conv, err := c.CreateConversation(ctx, userText)
		if err != nil {
			return fail(err)
		}
		conversationID = conv.ID
		if err := emit(Event{Type: EventConversationCreated, Payload: conv.ID}); err != nil {
			return fail(fmt.Errorf("emit created event: %w", err))
		}
		c.metrics.StreamEvents.WithLabelValues("conversation_created").Inc()
	}

	st = stateActive
	// The user turn goes durable before the completion call, so a crash
	// from here on still leaves it in the log.
	userMsg := chat.Message{Role: chat.RoleUser, Content: userText}
	if err := c.mem.Append(ctx, conversationID, []chat.Message{userMsg}); err != nil {
		c.metrics.StoreErrors.WithLabelValues("append_user").Inc()
		return fail(err)
	}

	window, err := c.mem.Window(ctx, conversationID)
	if err != nil {
		c.metrics.StoreErrors.WithLabelValues("window").Inc()
		return fail(err)
	}

	upstream, err := c.completer.Complete(ctx, window)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", chat.ErrUpstreamGeneration, err))
	}
	defer upstream.Close()

	st = stateStreaming
	var reply strings.Builder
	for {
		if ctx.Err() != nil {
			// Client disconnect: stop consuming, skip finalizing.
			return fail(ctx.Err())
		}
		chunk, rerr := upstream.Recv()
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return fail(rerr)
		}
		reply.WriteString(chunk)
		if err := emit(Event{Type: EventData, Payload: chunk}); err != nil {
			return fail(fmt.Errorf("emit chunk: %w", err))
		}
		c.metrics.ChunksForwarded.Inc()
	}
	if ctx.Err() != nil {
		return fail(ctx.Err())
	}

	st = stateFinalizing
	// The only path here is a clean upstream end, so this append runs at
	// most once per stream. A clean end with zero chunks has nothing to
	// persist; the stream still completes normally.
	if reply.Len() > 0 {
		assistantMsg := chat.Message{Role: chat.RoleAssistant, Content: reply.String()}
		if err := c.mem.Append(ctx, conversationID, []chat.Message{assistantMsg}); err != nil {
			c.metrics.StoreErrors.WithLabelValues("append_assistant").Inc()
			return fail(err)
		}
	}

	st = stateDone
	if err := emit(Event{Type: EventEnd}); err != nil {
		return fail(fmt.Errorf("emit end event: %w", err))
	}
	c.metrics.StreamEvents.WithLabelValues("completed").Inc()
	c.log.Info("stream completed",
		zap.String("conversation_id", conversationID),
		zap.Int("reply_bytes", reply.Len()),
		zap.Duration("took", time.Since(start)))
	return nil
}
