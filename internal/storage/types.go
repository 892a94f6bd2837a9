package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrClaimLost means a claim disappeared before it was confirmed.
	ErrClaimLost = errors.New("storage: claim lost")
)

// Config configures the store.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL via DSN (pgx)
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

const (
	CursorKey = "last_fetch_at"

	claimStateClaimed = "claimed"
	claimStateSent    = "sent"
)

// DefaultCursor is the cursor value before the first successful poll.
var DefaultCursor = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// timeLayout is fixed width so lexical order matches time order for UTC values.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
