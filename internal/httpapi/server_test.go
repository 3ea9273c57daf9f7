package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/converse/internal/chat"
	"github.com/antoniostano/converse/internal/config"
	"github.com/antoniostano/converse/internal/llm"
	"github.com/antoniostano/converse/internal/memory"
	"github.com/antoniostano/converse/internal/observability"
	"github.com/antoniostano/converse/internal/store"
	"github.com/antoniostano/converse/internal/stream"
)

func testConfig() config.Config {
	return config.Config{
		MaxWindowMessages: 10,
		DefaultPageSize:   5,
		MaxPageSize:       10,
	}
}

func newTestServer(t *testing.T, cfg config.Config) (*httptest.Server, store.Store) {
	t.Helper()
	st := store.NewInMemoryStore()
	mem, err := memory.New(st, cfg.MaxWindowMessages)
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	provider := llm.NewMockProvider()
	metrics := observability.NewMetrics("test_httpapi_" + t.Name() + time.Now().Format("150405000000000"))
	coord := stream.NewCoordinator(st, mem, provider, provider, metrics, zap.NewNop())
	srv := httptest.NewServer(New(cfg, st, coord, metrics, zap.NewNop()).Router())
	t.Cleanup(srv.Close)
	return srv, st
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestCreateListDeleteChat(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	resp := postJSON(t, srv.URL+"/v1/chats", createChatRequest{SeedText: "tell me about sourdough starters please"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	created := decodeBody[chatResponse](t, resp)
	if created.ID == "" {
		t.Fatal("created chat has empty id")
	}
	if created.Name != "tell me about sourdough starters" {
		t.Fatalf("created chat name = %q", created.Name)
	}

	listResp, err := http.Get(srv.URL + "/v1/chats")
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}
	chats := decodeBody[[]chatResponse](t, listResp)
	if len(chats) != 1 || chats[0].ID != created.ID {
		t.Fatalf("list = %+v, want single chat %s", chats, created.ID)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/chats/"+created.ID, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete chat: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", delResp.StatusCode)
	}

	// Deleting again is a no-op, not an error.
	delResp, err = http.DefaultClient.Do(req.Clone(context.Background()))
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("second delete status = %d, want 204", delResp.StatusCode)
	}
}

func TestHistoryPagingWalk(t *testing.T) {
	srv, st := newTestServer(t, testConfig())
	ctx := context.Background()

	conv, err := st.Create(ctx, "paging")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	for i := 1; i <= 7; i++ {
		msg := chat.Message{ConversationID: conv.ID, Role: chat.RoleUser, Content: fmt.Sprintf("Message-%d", i)}
		if err := st.Append(ctx, conv.ID, []chat.Message{msg}); err != nil {
			t.Fatalf("append message %d: %v", i, err)
		}
	}

	var got []string
	cursor := ""
	pages := 0
	for {
		url := srv.URL + "/v1/chats/" + conv.ID + "/messages?page_size=3"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		resp, err := http.Get(url)
		if err != nil {
			t.Fatalf("get history: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("history status = %d, want 200", resp.StatusCode)
		}
		page := decodeBody[historyPageResponse](t, resp)
		for _, m := range page.Messages {
			got = append(got, m.Content)
		}
		pages++
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	if pages != 3 {
		t.Fatalf("walked %d pages, want 3", pages)
	}
	want := []string{"Message-7", "Message-6", "Message-5", "Message-4", "Message-3", "Message-2", "Message-1"}
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("message[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestHistoryPageSizeClampedToMax(t *testing.T) {
	srv, st := newTestServer(t, testConfig())
	ctx := context.Background()

	conv, err := st.Create(ctx, "clamp")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	for i := 0; i < 12; i++ {
		msg := chat.Message{ConversationID: conv.ID, Role: chat.RoleUser, Content: fmt.Sprintf("m%d", i)}
		if err := st.Append(ctx, conv.ID, []chat.Message{msg}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	resp, err := http.Get(srv.URL + "/v1/chats/" + conv.ID + "/messages?page_size=500")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	page := decodeBody[historyPageResponse](t, resp)
	if len(page.Messages) != 10 {
		t.Fatalf("got %d messages, want max page size 10", len(page.Messages))
	}
	if page.NextCursor == "" {
		t.Fatal("expected a next cursor for the remaining messages")
	}
}

func TestHistoryBadRequests(t *testing.T) {
	srv, st := newTestServer(t, testConfig())

	conv, err := st.Create(context.Background(), "bad requests")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	cases := []struct {
		name string
		url  string
		want int
	}{
		{"non-integer page size", srv.URL + "/v1/chats/" + conv.ID + "/messages?page_size=abc", http.StatusBadRequest},
		{"malformed cursor", srv.URL + "/v1/chats/" + conv.ID + "/messages?cursor=garbage", http.StatusBadRequest},
		{"unknown conversation", srv.URL + "/v1/chats/no-such-id/messages", http.StatusNotFound},
	}
	for _, tc := range cases {
		resp, err := http.Get(tc.url)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Fatalf("%s: status = %d, want %d", tc.name, resp.StatusCode, tc.want)
		}
	}
}

func TestStreamSSECreatesConversationAndPersistsReply(t *testing.T) {
	srv, st := newTestServer(t, testConfig())

	resp := postJSON(t, srv.URL+"/v1/chats/stream", streamRequest{Message: "hello there"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream body: %v", err)
	}
	body := string(raw)

	if !strings.Contains(body, "event: conversation_created\n") {
		t.Fatalf("stream body missing conversation_created event:\n%s", body)
	}
	if !strings.Contains(body, `data: {"text":`) {
		t.Fatalf("stream body missing data events:\n%s", body)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "event: end\ndata:") {
		t.Fatalf("stream body does not finish with end event:\n%s", body)
	}

	// The created event carries the new conversation id.
	idx := strings.Index(body, "event: conversation_created\ndata: ")
	rest := body[idx+len("event: conversation_created\ndata: "):]
	convID := rest[:strings.Index(rest, "\n")]

	msgs, err := st.ListAll(context.Background(), convID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want user + assistant", len(msgs))
	}
	// Newest first.
	if msgs[0].Role != chat.RoleAssistant || msgs[1].Role != chat.RoleUser {
		t.Fatalf("persisted roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[0].Content != "You said: hello there" {
		t.Fatalf("assistant reply = %q", msgs[0].Content)
	}
}

func TestStreamSSEIntoExistingConversation(t *testing.T) {
	srv, st := newTestServer(t, testConfig())

	conv, err := st.Create(context.Background(), "existing")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	resp := postJSON(t, srv.URL+"/v1/chats/"+conv.ID+"/stream", streamRequest{Message: "second turn"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d, want 200", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream body: %v", err)
	}
	if strings.Contains(string(raw), "event: conversation_created") {
		t.Fatal("existing conversation must not emit a created event")
	}

	msgs, err := st.ListAll(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
}

func TestStreamSSEEmptyMessageRejected(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	resp := postJSON(t, srv.URL+"/v1/chats/stream", streamRequest{Message: "   "})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("stream status = %d, want 400", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("error content type = %q, want application/json", ct)
	}
}

func TestStreamRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.StreamRatePerSec = 0.001
	cfg.StreamRateBurst = 1
	srv, _ := newTestServer(t, cfg)

	first := postJSON(t, srv.URL+"/v1/chats/stream", streamRequest{Message: "one"})
	io.Copy(io.Discard, first.Body)
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first stream status = %d, want 200", first.StatusCode)
	}

	second := postJSON(t, srv.URL+"/v1/chats/stream", streamRequest{Message: "two"})
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second stream status = %d, want 429", second.StatusCode)
	}
}
