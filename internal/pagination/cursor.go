// Package pagination implements keyset cursors for ledger history.
//
// A cursor names the last row of a page by (created_at, id) and is bound
// to the filter it was issued under, so a cursor taken from the WALLET
// history cannot be replayed against the DEPOSIT history.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

const cursorVersion = "c1"

// ErrInvalidCursor covers malformed, foreign and out-of-scope cursors.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the decoded keyset position. Rows strictly older than
// (CreatedAt, ID) belong to the next page.
type Cursor struct {
	Scope     string
	CreatedAt time.Time
	ID        string
}

// String encodes c as an opaque token.
func (c Cursor) String() string {
	raw := strings.Join([]string{
		cursorVersion,
		c.Scope,
		strconv.FormatInt(c.CreatedAt.UnixNano(), 10),
		c.ID,
	}, "|")
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses token and checks it was issued for scope. An empty token
// yields a nil cursor: start from the newest row.
func Decode(token, scope string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), "|", 4)
	if len(parts) != 4 || parts[0] != cursorVersion || parts[3] == "" {
		return nil, ErrInvalidCursor
	}
	if parts[1] != scope {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{Scope: scope, CreatedAt: time.Unix(0, nanos).UTC(), ID: parts[3]}, nil
}

// Page trims rows fetched with limit+1 down to limit and, when a row was
// left over, returns the token for the following page.
func Page[T any](rows []T, limit int, scope string, key func(T) (time.Time, string)) ([]T, string) {
	if len(rows) <= limit {
		return rows, ""
	}
	rows = rows[:limit]
	at, id := key(rows[limit-1])
	return rows, Cursor{Scope: scope, CreatedAt: at, ID: id}.String()
}

// ParseLimit reads a ?limit= value. Garbage and non-positive values get
// DefaultLimit; anything above MaxLimit is clamped.
func ParseLimit(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	switch {
	case err != nil || n <= 0:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	}
	return n
}
