package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/antoniostano/converse/internal/chat"
)

func TestMockStreamEchoesLastUserMessage(t *testing.T) {
	p := NewMockProvider()
	prior := []chat.Message{
		{Role: chat.RoleUser, Content: "first question"},
		{Role: chat.RoleAssistant, Content: "first answer"},
		{Role: chat.RoleUser, Content: "hello there"},
	}
	stream, err := p.Complete(context.Background(), prior)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		sb.WriteString(chunk)
	}
	if got := sb.String(); got != "You said: hello there" {
		t.Fatalf("reply = %q, want %q", got, "You said: hello there")
	}
}

func TestMockNameTruncatesSeed(t *testing.T) {
	p := NewMockProvider()
	name, err := p.Name(context.Background(), "one two three four five six seven")
	if err != nil {
		t.Fatalf("name: %v", err)
	}
	if name != "one two three four five" {
		t.Fatalf("name = %q", name)
	}

	name, err = p.Name(context.Background(), "   ")
	if err != nil {
		t.Fatalf("name: %v", err)
	}
	if name != "New conversation" {
		t.Fatalf("empty-seed name = %q", name)
	}
}

func TestProviderFactory(t *testing.T) {
	if _, kind, err := NewProvider("auto", "", ""); err != nil || kind != "mock" {
		t.Fatalf("auto without key = (%s, %v), want mock", kind, err)
	}
	if _, kind, err := NewProvider("auto", "sk-test", ""); err != nil || kind != "anthropic" {
		t.Fatalf("auto with key = (%s, %v), want anthropic", kind, err)
	}
	if _, _, err := NewProvider("anthropic", "", ""); err == nil {
		t.Fatal("anthropic without key should fail")
	}
	if _, _, err := NewProvider("carrier-pigeon", "", ""); err == nil {
		t.Fatal("unknown provider should fail")
	}
}
