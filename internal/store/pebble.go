package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/antoniostano/converse/internal/chat"
)

// PebbleStore is the column-family-oriented backend. Conversation ids are
// random tokens with no natural ordering; messages are clustered per
// conversation under keys whose timestamp component is inverted, so an
// ascending scan yields newest-first for free. A denormalized creation
// index provides global time ordering, since the primary keyspace supports
// no secondary scans. History pages resume from the scan key captured
// after the last consumed row.
//
// Key layout:
//
//	conv:<id>                         -> conversation JSON
//	msg:<id>:<inverted-nanos>         -> message JSON
//	cidx:all:<inverted-millis>-<id>   -> conversation JSON (denormalized)
type PebbleStore struct {
	db    *pebble.DB
	index creationIndex
	seq   *sequencer
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	return openPebbleStore(path, &pebble.Options{})
}

func openPebbleStore(path string, opts *pebble.Options) (*PebbleStore, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &PebbleStore{db: db, index: creationIndex{db: db}, seq: newSequencer()}, nil
}

func convKey(id string) []byte {
	return []byte("conv:" + id)
}

func msgPrefix(id string) []byte {
	return []byte("msg:" + id + ":")
}

func msgKey(id string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("msg:%s:%020d", id, math.MaxInt64-ts.UnixNano()))
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix.
func prefixUpperBound(prefix []byte) []byte {
	ub := append([]byte(nil), prefix...)
	for i := len(ub) - 1; i >= 0; i-- {
		ub[i]++
		if ub[i] != 0 {
			return ub[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) Create(_ context.Context, name string) (chat.Conversation, error) {
	conv := chat.Conversation{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(conv)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("marshal conversation: %w", err)
	}
	// Primary row first. If the process dies before the index write the
	// conversation stays reachable by id but invisible to Conversations;
	// pebble offers no cross-keyspace transaction to close that window.
	if err := s.db.Set(convKey(conv.ID), data, pebble.Sync); err != nil {
		return chat.Conversation{}, fmt.Errorf("%w: create conversation: %v", chat.ErrBackendUnavailable, err)
	}
	if err := s.index.record(conv); err != nil {
		return chat.Conversation{}, err
	}
	return conv, nil
}

func (s *PebbleStore) Append(_ context.Context, conversationID string, messages []chat.Message) error {
	if err := validateAppend(conversationID, messages); err != nil {
		return err
	}
	if err := s.conversationExists(conversationID); err != nil {
		return err
	}
	stamps := s.seq.next(conversationID, len(messages))

	batch := s.db.NewBatch()
	defer batch.Close()
	for i, m := range messages {
		m.ConversationID = conversationID
		m.Timestamp = stamps[i]
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		if err := batch.Set(msgKey(conversationID, m.Timestamp), data, nil); err != nil {
			return fmt.Errorf("%w: stage message: %v", chat.ErrBackendUnavailable, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: append messages: %v", chat.ErrBackendUnavailable, err)
	}
	return nil
}

func (s *PebbleStore) ListAll(ctx context.Context, conversationID string) ([]chat.Message, error) {
	return s.ListRecent(ctx, conversationID, 0)
}

func (s *PebbleStore) ListRecent(_ context.Context, conversationID string, limit int) ([]chat.Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, fmt.Errorf("%w: conversation id is empty", chat.ErrInvalidArgument)
	}
	if err := s.conversationExists(conversationID); err != nil {
		return nil, err
	}

	prefix := msgPrefix(conversationID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open message scan: %v", chat.ErrBackendUnavailable, err)
	}
	defer iter.Close()

	var out []chat.Message
	for iter.First(); iter.Valid(); iter.Next() {
		var m chat.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("decode message at %q: %w", iter.Key(), err)
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: scan messages: %v", chat.ErrBackendUnavailable, err)
	}
	return out, nil
}

func (s *PebbleStore) Delete(_ context.Context, conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return fmt.Errorf("%w: conversation id is empty", chat.ErrInvalidArgument)
	}
	value, closer, err := s.db.Get(convKey(conversationID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read conversation: %v", chat.ErrBackendUnavailable, err)
	}
	var conv chat.Conversation
	uerr := json.Unmarshal(value, &conv)
	closer.Close()
	if uerr != nil {
		return fmt.Errorf("decode conversation %s: %w", conversationID, uerr)
	}

	prefix := msgPrefix(conversationID)
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.DeleteRange(prefix, prefixUpperBound(prefix), nil); err != nil {
		return fmt.Errorf("%w: stage message delete: %v", chat.ErrBackendUnavailable, err)
	}
	// The index entry is addressed by the ordering key recomputed from
	// CreatedAt; losing the stored CreatedAt would strand the entry.
	if err := batch.Delete(s.index.key(conv.CreatedAt, conv.ID), nil); err != nil {
		return fmt.Errorf("%w: stage index delete: %v", chat.ErrBackendUnavailable, err)
	}
	if err := batch.Delete(convKey(conversationID), nil); err != nil {
		return fmt.Errorf("%w: stage conversation delete: %v", chat.ErrBackendUnavailable, err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: delete conversation: %v", chat.ErrBackendUnavailable, err)
	}
	return nil
}

func (s *PebbleStore) Page(_ context.Context, conversationID string, pageSize int, cursor chat.Cursor) (Page, error) {
	if err := validatePageArgs(conversationID, pageSize); err != nil {
		return Page{}, err
	}
	tc, err := chat.AsToken(cursor, pageSize)
	if err != nil {
		return Page{}, err
	}
	if tc.PageSize != pageSize {
		return Page{}, fmt.Errorf("%w: cursor was issued for page size %d, not %d", chat.ErrInvalidArgument, tc.PageSize, pageSize)
	}
	if err := s.conversationExists(conversationID); err != nil {
		return Page{}, err
	}

	prefix := msgPrefix(conversationID)
	lower := prefix
	if tc.Token != nil {
		if !bytes.HasPrefix(tc.Token, prefix) {
			return Page{}, fmt.Errorf("%w: cursor was issued for a different conversation", chat.ErrInvalidArgument)
		}
		lower = tc.Token
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return Page{}, fmt.Errorf("%w: open page scan: %v", chat.ErrBackendUnavailable, err)
	}
	defer iter.Close()

	out := make([]chat.Message, 0, pageSize)
	for iter.First(); iter.Valid(); iter.Next() {
		if len(out) == pageSize {
			// One row beyond the page: its key is the resume point.
			next := append([]byte(nil), iter.Key()...)
			return Page{Messages: out, Next: chat.TokenCursor{Token: next, PageSize: pageSize}}, nil
		}
		var m chat.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return Page{}, fmt.Errorf("decode message at %q: %w", iter.Key(), err)
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return Page{}, fmt.Errorf("%w: scan message page: %v", chat.ErrBackendUnavailable, err)
	}
	return Page{Messages: out}, nil
}

func (s *PebbleStore) Conversations(_ context.Context) ([]chat.Conversation, error) {
	return s.index.list()
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func (s *PebbleStore) conversationExists(conversationID string) error {
	_, closer, err := s.db.Get(convKey(conversationID))
	if errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("%w: %s", chat.ErrNotFound, conversationID)
	}
	if err != nil {
		return fmt.Errorf("%w: check conversation: %v", chat.ErrBackendUnavailable, err)
	}
	closer.Close()
	return nil
}

// creationIndex is the denormalized ordering table for the pebble backend.
// Entries sort newest-first under a single bucket; the ordering key derives
// deterministically from CreatedAt with the conversation id as tiebreaker,
// so two conversations created in the same millisecond still sort (and
// delete) consistently.
type creationIndex struct {
	db *pebble.DB
}

const creationIndexPrefix = "cidx:all:"

func (ix creationIndex) key(createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d-%s", creationIndexPrefix, math.MaxInt64-createdAt.UnixMilli(), id))
}

func (ix creationIndex) record(conv chat.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal index entry: %w", err)
	}
	if err := ix.db.Set(ix.key(conv.CreatedAt, conv.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("%w: record conversation index: %v", chat.ErrBackendUnavailable, err)
	}
	return nil
}

func (ix creationIndex) list() ([]chat.Conversation, error) {
	prefix := []byte(creationIndexPrefix)
	iter, err := ix.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open index scan: %v", chat.ErrBackendUnavailable, err)
	}
	defer iter.Close()

	var out []chat.Conversation
	for iter.First(); iter.Valid(); iter.Next() {
		var c chat.Conversation
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			return nil, fmt.Errorf("decode index entry at %q: %w", iter.Key(), err)
		}
		out = append(out, c)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: scan conversation index: %v", chat.ErrBackendUnavailable, err)
	}
	return out, nil
}
