package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/converse/internal/chat"
)

// PostgresStore is the row-oriented backend. Conversation ids are
// auto-increment keys, ordering comes from an indexed created_at column,
// and history pages are addressed by numeric offset.
type PostgresStore struct {
	pool *pgxpool.Pool
	seq  *sequencer
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initChatSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, seq: newSequencer()}, nil
}

func initChatSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_created ON chat (created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS chat_message (
			conversation_id BIGINT NOT NULL REFERENCES chat(id) ON DELETE CASCADE,
			msg_timestamp TIMESTAMPTZ NOT NULL,
			msg_type TEXT NOT NULL,
			msg_content TEXT NOT NULL,
			PRIMARY KEY (conversation_id, msg_timestamp)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init chat schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, name string) (chat.Conversation, error) {
	conv := chat.Conversation{Name: name}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO chat (name, created_at) VALUES ($1, now()) RETURNING id, created_at`,
		name,
	).Scan(&id, &conv.CreatedAt)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("%w: create conversation: %v", chat.ErrBackendUnavailable, err)
	}
	conv.ID = strconv.FormatInt(id, 10)
	return conv, nil
}

func (s *PostgresStore) Append(ctx context.Context, conversationID string, messages []chat.Message) error {
	if err := validateAppend(conversationID, messages); err != nil {
		return err
	}
	id, err := parseConversationID(conversationID)
	if err != nil {
		return err
	}
	if err := s.conversationExists(ctx, id); err != nil {
		return err
	}

	// Assign distinct increasing keys before the batch so read-back order
	// is deterministic even though the batch itself is unordered.
	stamps := s.seq.next(conversationID, len(messages))

	batch := &pgx.Batch{}
	for i, m := range messages {
		batch.Queue(
			`INSERT INTO chat_message (conversation_id, msg_timestamp, msg_type, msg_content) VALUES ($1, $2, $3, $4)`,
			id, stamps[i], string(m.Role), m.Content,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%w: append messages: %v", chat.ErrBackendUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) ListAll(ctx context.Context, conversationID string) ([]chat.Message, error) {
	return s.listNewestFirst(ctx, conversationID, 0)
}

func (s *PostgresStore) ListRecent(ctx context.Context, conversationID string, limit int) ([]chat.Message, error) {
	if limit < 0 {
		limit = 0
	}
	return s.listNewestFirst(ctx, conversationID, limit)
}

func (s *PostgresStore) listNewestFirst(ctx context.Context, conversationID string, limit int) ([]chat.Message, error) {
	id, err := parseConversationID(conversationID)
	if err != nil {
		return nil, err
	}
	if err := s.conversationExists(ctx, id); err != nil {
		return nil, err
	}

	sql := `SELECT msg_type, msg_content, msg_timestamp
		FROM chat_message WHERE conversation_id=$1 ORDER BY msg_timestamp DESC`
	args := []any{id}
	if limit > 0 {
		sql += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query messages: %v", chat.ErrBackendUnavailable, err)
	}
	defer rows.Close()

	return scanMessages(rows, conversationID)
}

func (s *PostgresStore) Delete(ctx context.Context, conversationID string) error {
	id, err := parseConversationID(conversationID)
	if err != nil {
		return err
	}
	// ON DELETE CASCADE removes the messages; deleting a missing row is a no-op.
	if _, err := s.pool.Exec(ctx, `DELETE FROM chat WHERE id=$1`, id); err != nil {
		return fmt.Errorf("%w: delete conversation: %v", chat.ErrBackendUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Page(ctx context.Context, conversationID string, pageSize int, cursor chat.Cursor) (Page, error) {
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
	id, err := parseConversationID(conversationID)
	if err != nil {
		return Page{}, err
	}
	if err := s.conversationExists(ctx, id); err != nil {
		return Page{}, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT msg_type, msg_content, msg_timestamp
		 FROM chat_message WHERE conversation_id=$1
		 ORDER BY msg_timestamp DESC LIMIT $2 OFFSET $3`,
		id, pageSize, oc.Page*pageSize,
	)
	if err != nil {
		return Page{}, fmt.Errorf("%w: query message page: %v", chat.ErrBackendUnavailable, err)
	}
	defer rows.Close()

	items, err := scanMessages(rows, conversationID)
	if err != nil {
		return Page{}, err
	}

	page := Page{Messages: items}
	if len(items) == pageSize {
		page.Next = chat.OffsetCursor{Page: oc.Page + 1, PageSize: pageSize, HasNext: true}
	}
	return page, nil
}

func (s *PostgresStore) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, created_at FROM chat ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: query conversations: %v", chat.ErrBackendUnavailable, err)
	}
	defer rows.Close()

	var out []chat.Conversation
	for rows.Next() {
		var id int64
		var c chat.Conversation
		if err := rows.Scan(&id, &c.Name, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan conversation row: %v", chat.ErrBackendUnavailable, err)
		}
		c.ID = strconv.FormatInt(id, 10)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate conversation rows: %v", chat.ErrBackendUnavailable, err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) conversationExists(ctx context.Context, id int64) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM chat WHERE id=$1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %d", chat.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("%w: check conversation: %v", chat.ErrBackendUnavailable, err)
	}
	return nil
}

func parseConversationID(conversationID string) (int64, error) {
	if strings.TrimSpace(conversationID) == "" {
		return 0, fmt.Errorf("%w: conversation id is empty", chat.ErrInvalidArgument)
	}
	id, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: conversation id %q is not numeric", chat.ErrInvalidArgument, conversationID)
	}
	return id, nil
}

func scanMessages(rows pgx.Rows, conversationID string) ([]chat.Message, error) {
	var out []chat.Message
	for rows.Next() {
		m := chat.Message{ConversationID: conversationID}
		var role string
		if err := rows.Scan(&role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: scan message row: %v", chat.ErrBackendUnavailable, err)
		}
		m.Role = chat.Role(role)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate message rows: %v", chat.ErrBackendUnavailable, err)
	}
	return out, nil
}
