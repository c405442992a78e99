package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/njoerd114/recipesync/internal/model"
)

// LastSync returns the last successful sync time for kind, or the zero time
// if the kind was never synced or has been invalidated.
func (s *Store) LastSync(ctx context.Context, kind model.Kind) (time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT last_sync FROM sync_meta WHERE kind = ?`, kind.Key()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fault("get last sync", err)
	}
	t, err := parseTime(raw)
	if err != nil {
		return time.Time{}, fault("parse last sync", fmt.Errorf("kind %s: %w", kind, err))
	}
	return t, nil
}

// MarkSynced records at as the last successful sync for kind.
func (s *Store) MarkSynced(ctx context.Context, kind model.Kind, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_meta (kind, last_sync) VALUES (?, ?)
		ON CONFLICT(kind) DO UPDATE SET last_sync = excluded.last_sync`,
		kind.Key(), formatTime(at))
	if err != nil {
		return fault("mark synced", err)
	}
	return nil
}

// Invalidate clears the sync timestamp for kind so the next read refreshes.
// Cached rows are kept for stale fallback.
func (s *Store) Invalidate(ctx context.Context, kind model.Kind) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_meta WHERE kind = ?`, kind.Key()); err != nil {
		return fault("invalidate "+kind.Key(), err)
	}
	return nil
}

// InvalidateAll clears the sync timestamp of every kind with the given name,
// e.g. every user's liked collection.
func (s *Store) InvalidateAll(ctx context.Context, name model.KindName) error {
	var err error
	if name == model.KindLiked {
		_, err = s.db.ExecContext(ctx, `DELETE FROM sync_meta WHERE kind LIKE ?`, likedPrefix+"%")
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM sync_meta WHERE kind = ?`, string(name))
	}
	if err != nil {
		return fault("invalidate all "+string(name), err)
	}
	return nil
}
