// Package llm holds the external generation collaborators: a streaming
// completion client and a single-shot naming client. Both are injected
// dependencies; the rest of the service only sees these interfaces.
package llm

import (
	"context"

	"github.com/antoniostano/converse/internal/chat"
)

// Stream is a finite, lazy sequence of text chunks. Recv returns io.EOF
// on a clean end-of-stream and any other error on upstream failure.
// Closing the stream before EOF stops consumption; the client performs no
// further side effects.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Completer requests one streamed completion for the prior conversation
// window (chronological order).
type Completer interface {
	Complete(ctx context.Context, prior []chat.Message) (Stream, error)
}

// Namer produces a short conversation name from the opening message.
type Namer interface {
	Name(ctx context.Context, seed string) (string, error)
}
