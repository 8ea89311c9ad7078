// Package pagination pages through creation-ordered lists with opaque
// cursors.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxLimit caps a single page.
const MaxLimit = 500

// ErrInvalidCursor is returned by Decode for malformed cursors.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor marks the last item of the previous page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns an opaque cursor string from a timestamp and ID.
func Encode(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", createdAt.UnixNano(), id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// Page is one window of a list.
type Page[T any] struct {
	Items   []T
	Next    string
	HasMore bool
}

// Paginate returns up to limit items following cursor. items must already
// be in creation order; key extracts (createdAt, id) from an item. When the
// cursor's item is gone, the page resumes after the cursor's timestamp.
// limit <= 0 returns everything after the cursor.
func Paginate[T any](items []T, cursor *Cursor, limit int, key func(T) (time.Time, string)) Page[T] {
	start := 0
	if cursor != nil {
		start = len(items)
		for i, item := range items {
			createdAt, id := key(item)
			if id == cursor.ID {
				start = i + 1
				break
			}
			if createdAt.After(cursor.CreatedAt) {
				start = i
				break
			}
		}
	}
	rest := items[start:]

	if limit <= 0 || len(rest) <= limit {
		return Page[T]{Items: rest}
	}
	rest = rest[:limit]
	createdAt, id := key(rest[len(rest)-1])
	return Page[T]{Items: rest, Next: Encode(createdAt, id), HasMore: true}
}
