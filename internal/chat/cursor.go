package chat

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Cursor is a resumable position inside a paged history scan. Exactly two
// variants exist and they are not interchangeable: row-oriented stores page
// by numeric offset, column-family stores page by an opaque resume token.
// A store presented with the wrong variant fails with ErrInvalidArgument
// instead of coercing.
type Cursor interface {
	// Encode renders the cursor as plain text safe for a URL or JSON
	// field. Decode(Encode(c)) round-trips byte-exact.
	Encode() string

	variant() string
}

// OffsetCursor pages a row-oriented store. Page is zero-based; HasNext is
// true when the previous fetch filled a full page, so more rows may exist.
type OffsetCursor struct {
	Page     int
	PageSize int
	HasNext  bool
}

// TokenCursor pages a column-family store. Token is the backend's native
// resume-scan state captured after the last consumed row; a nil Token means
// start from the newest message.
type TokenCursor struct {
	Token    []byte
	PageSize int
}

const (
	offsetPrefix = "o"
	tokenPrefix  = "t"
)

func (c OffsetCursor) variant() string { return "offset" }
func (c TokenCursor) variant() string  { return "token" }

func (c OffsetCursor) Encode() string {
	return fmt.Sprintf("%s:%d:%d:%t", offsetPrefix, c.Page, c.PageSize, c.HasNext)
}

func (c TokenCursor) Encode() string {
	return fmt.Sprintf("%s:%d:%s", tokenPrefix, c.PageSize, base64.RawURLEncoding.EncodeToString(c.Token))
}

// DecodeCursor parses the transport form produced by Encode. An empty
// string decodes to nil, meaning "start from the beginning".
func DecodeCursor(s string) (Cursor, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: malformed cursor %q", ErrInvalidArgument, s)
	}
	switch parts[0] {
	case offsetPrefix:
		fields := strings.Split(parts[1], ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: malformed offset cursor %q", ErrInvalidArgument, s)
		}
		page, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%w: offset cursor page: %v", ErrInvalidArgument, err)
		}
		size, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%w: offset cursor page size: %v", ErrInvalidArgument, err)
		}
		hasNext, err := strconv.ParseBool(fields[2])
		if err != nil {
			return nil, fmt.Errorf("%w: offset cursor has-next flag: %v", ErrInvalidArgument, err)
		}
		return OffsetCursor{Page: page, PageSize: size, HasNext: hasNext}, nil
	case tokenPrefix:
		fields := strings.SplitN(parts[1], ":", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: malformed token cursor %q", ErrInvalidArgument, s)
		}
		size, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%w: token cursor page size: %v", ErrInvalidArgument, err)
		}
		token, err := base64.RawURLEncoding.DecodeString(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%w: token cursor payload: %v", ErrInvalidArgument, err)
		}
		if len(token) == 0 {
			token = nil
		}
		return TokenCursor{Token: token, PageSize: size}, nil
	default:
		return nil, fmt.Errorf("%w: unknown cursor variant %q", ErrInvalidArgument, parts[0])
	}
}

// AsOffset narrows a cursor to the offset variant. A nil cursor yields the
// start-of-scan cursor for the given page size.
func AsOffset(c Cursor, pageSize int) (OffsetCursor, error) {
	if c == nil {
		return OffsetCursor{Page: 0, PageSize: pageSize, HasNext: true}, nil
	}
	oc, ok := c.(OffsetCursor)
	if !ok {
		return OffsetCursor{}, fmt.Errorf("%w: expected offset cursor, got %s cursor", ErrInvalidArgument, c.variant())
	}
	return oc, nil
}

// AsToken narrows a cursor to the token variant. A nil cursor yields a
// start-of-scan cursor for the given page size.
func AsToken(c Cursor, pageSize int) (TokenCursor, error) {
	if c == nil {
		return TokenCursor{PageSize: pageSize}, nil
	}
	tc, ok := c.(TokenCursor)
	if !ok {
		return TokenCursor{}, fmt.Errorf("%w: expected token cursor, got %s cursor", ErrInvalidArgument, c.variant())
	}
	return tc, nil
}
