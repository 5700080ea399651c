// Package pagination implements opaque cursor paging for list endpoints.
// Cursors encode the sort position of the last returned row, so a page is
// stable even while new rows are being inserted ahead of it.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ErrBadCursor reports a page token the server did not mint.
var ErrBadCursor = errors.New("invalid_page_token")

// Params are the query parameters every list endpoint accepts.
type Params struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
}

func (p Params) Limit() int {
	switch {
	case p.PageSize <= 0:
		return DefaultPageSize
	case p.PageSize > MaxPageSize:
		return MaxPageSize
	default:
		return p.PageSize
	}
}

// Cursor is the position of the last row of a page in (created_at, id)
// order, newest first.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

func Encode(c Cursor) string {
	raw, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(raw)
}

// Decode parses a client-supplied page token. An empty token means the
// first page.
func Decode(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrBadCursor
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, ErrBadCursor
	}
	if c.ID == "" {
		return nil, ErrBadCursor
	}
	return &c, nil
}

// Page is one page of results plus the token for the next one.
type Page[T any] struct {
	Items         []T
	NextPageToken string
	HasMore       bool
}

// NewPage trims an over-fetched slice (callers query limit+1 rows to probe
// for more) and mints the next cursor from the last visible row.
func NewPage[T any](items []T, limit int, cursorOf func(T) Cursor) Page[T] {
	page := Page[T]{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
		page.NextPageToken = Encode(cursorOf(page.Items[len(page.Items)-1]))
	}
	return page
}
