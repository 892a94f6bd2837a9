package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"oppcast/internal/model"
)

// UpsertDestination inserts an unknown destination or refreshes a known one.
// Known rows get the new title/chat type (empty values keep the old ones)
// and are forced active. added_at never changes.
func (s *Store) UpsertDestination(ctx context.Context, d model.Destination) (model.Destination, error) {
	if d.ID.ChatID == 0 {
		return model.Destination{}, errors.New("storage: destination chat id is required")
	}
	now := formatTime(s.now())
	row := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO destinations(chat_id, thread_id, chat_type, title, active, added_at, updated_at)
		 VALUES(?,?,?,?,1,?,?)
		 ON CONFLICT(chat_id, thread_id) DO UPDATE SET
		   chat_type = CASE WHEN excluded.chat_type <> '' THEN excluded.chat_type ELSE destinations.chat_type END,
		   title = CASE WHEN excluded.title <> '' THEN excluded.title ELSE destinations.title END,
		   active = 1,
		   updated_at = excluded.updated_at
		 RETURNING chat_id, thread_id, chat_type, title, active, added_at`),
		d.ID.ChatID, d.ID.Thread.Int(), d.ChatType, d.Title, now, now,
	)
	out, err := scanDestination(row)
	if err != nil {
		return model.Destination{}, fmt.Errorf("upsert destination %s: %w", d.ID, err)
	}
	return out, nil
}

// DeactivateChat marks every destination of chatID inactive and returns how many changed.
func (s *Store) DeactivateChat(ctx context.Context, chatID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE destinations SET active = 0, updated_at = ? WHERE chat_id = ? AND active <> 0`),
		formatTime(s.now()), chatID,
	)
	if err != nil {
		return 0, fmt.Errorf("deactivate chat %d: %w", chatID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListActive returns active destinations ordered by (chat_id, thread_id).
func (s *Store) ListActive(ctx context.Context) ([]model.Destination, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, thread_id, chat_type, title, active, added_at
		 FROM destinations WHERE active <> 0 ORDER BY chat_id, thread_id`)
	if err != nil {
		return nil, fmt.Errorf("list active destinations: %w", err)
	}
	defer rows.Close()

	var out []model.Destination
	for rows.Next() {
		d, err := scanDestination(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active destinations: %w", err)
	}
	return out, nil
}

func (s *Store) GetDestination(ctx context.Context, id model.DestinationID) (model.Destination, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT chat_id, thread_id, chat_type, title, active, added_at
		 FROM destinations WHERE chat_id = ? AND thread_id = ?`),
		id.ChatID, id.Thread.Int(),
	)
	d, err := scanDestination(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Destination{}, ErrNotFound
	}
	return d, err
}

func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM destinations WHERE active <> 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active destinations: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDestination(sc scanner) (model.Destination, error) {
	var (
		chatID   int64
		threadID int
		chatType string
		title    string
		active   int64
		addedAt  string
	)
	if err := sc.Scan(&chatID, &threadID, &chatType, &title, &active, &addedAt); err != nil {
		return model.Destination{}, err
	}
	at, err := parseTime(addedAt)
	if err != nil {
		return model.Destination{}, fmt.Errorf("destination %d added_at %q: %w", chatID, addedAt, err)
	}
	return model.Destination{
		ID:       model.DestinationID{ChatID: chatID, Thread: model.Thread(threadID)},
		ChatType: chatType,
		Title:    title,
		Active:   active != 0,
		AddedAt:  at,
	}, nil
}
