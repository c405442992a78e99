// Package state is the durable entity store: the recipe table, the per-user
// liked relation, and one sync-metadata row per cached collection, kept in a
// local SQLite database.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods. Every committed write is published to the
// store's [Publisher] so observers can re-read.
package state

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pressly/goose/v3"

	"github.com/njoerd114/recipesync/internal/model"
	"github.com/njoerd114/recipesync/internal/syncerr"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Publisher receives change notifications after each committed write.
// Implemented by [notify.Notifier].
type Publisher interface {
	Publish(keys ...string)
	PublishPrefix(prefix string)
}

type nopPublisher struct{}

func (nopPublisher) Publish(...string)    {}
func (nopPublisher) PublishPrefix(string) {}

// likedPrefix matches the notifier key of every user's liked view.
var likedPrefix = string(model.KindLiked) + ":"

// Store is the SQLite-backed entity store.
type Store struct {
	db  *sql.DB
	pub Publisher
}

// Option configures a Store.
type Option func(*Store)

// WithPublisher routes change notifications to p.
func WithPublisher(p Publisher) Option {
	return func(s *Store) {
		if p != nil {
			s.pub = p
		}
	}
}

// DefaultDBPath returns the default path for the cache database:
// ~/.local/share/recipesync/cache.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "recipesync", "cache.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies pending
// migrations, and configures WAL mode.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying migrations: %w", err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL. It also makes every
	// transaction exclusive with respect to readers of this Store.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, pub: nopPublisher{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs the embedded goose migrations up to the latest version.
func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("creating migration provider: %w", err)
	}
	_, err = provider.Up(ctx)
	return err
}

// --- helpers -----------------------------------------------------------------

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a transaction, committing on success and rolling back on
// error or panic. Panics are rethrown.
func (s *Store) withTx(ctx context.Context, fn func(tx dbtx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// fault wraps a database error as a StoreFault. Context cancellation and
// deadlines belong to the caller and are only annotated.
func fault(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return syncerr.Store(op, err)
}
