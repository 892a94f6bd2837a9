package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT value FROM settings WHERE key = ?`), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO settings(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`),
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// Cursor returns the feed cursor, or DefaultCursor before the first advance.
func (s *Store) Cursor(ctx context.Context) (time.Time, error) {
	v, ok, err := s.GetSetting(ctx, CursorKey)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return DefaultCursor, nil
	}
	t, err := parseTime(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("cursor %q: %w", v, err)
	}
	return t, nil
}

// AdvanceCursor moves the cursor forward to t. Earlier or equal values are
// ignored, so the cursor never goes backwards. It returns the cursor after
// the call and whether it moved.
func (s *Store) AdvanceCursor(ctx context.Context, t time.Time) (time.Time, bool, error) {
	if !t.After(DefaultCursor) {
		cur, err := s.Cursor(ctx)
		return cur, false, err
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO settings(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value
		 WHERE settings.value < excluded.value`),
		CursorKey, formatTime(t),
	)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("advance cursor: %w", err)
	}
	n, _ := res.RowsAffected()
	cur, err := s.Cursor(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	return cur, n > 0, nil
}
