package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists sessions in a SQLite database.
type SQLiteStore struct {
	db    *sql.DB
	clock clockwork.Clock
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at dbPath. dbPath
// may also be a DSN such as "file:sessions?mode=memory&cache=shared".
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	return newSQLiteStore(dbPath, clockwork.NewRealClock())
}

func newSQLiteStore(dbPath string, clock clockwork.Clock) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite session path cannot be empty")
	}
	if !strings.HasPrefix(dbPath, "file:") {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db, clock: clock}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (Data, bool, error) {
	query := `SELECT data, expires_at FROM sessions WHERE id = ?`

	var raw string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, query, id).Scan(&raw, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load session: %w", err)
	}

	if expiresAt > 0 && s.clock.Now().UnixMilli() >= expiresAt {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
			return nil, false, fmt.Errorf("failed to delete expired session: %w", err)
		}
		return nil, false, nil
	}

	d, err := decode([]byte(raw))
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, id string, data Data, ttl time.Duration) error {
	raw, err := marshal(data)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	var expiresAt int64
	if ttl > 0 {
		expiresAt = now.Add(ttl).UnixMilli()
	}

	query := `INSERT INTO sessions (id, data, expires_at, updated_at)
	          VALUES (?, ?, ?, ?)
	          ON CONFLICT(id) DO UPDATE SET
	            data = excluded.data,
	            expires_at = excluded.expires_at,
	            updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, id, string(raw), expiresAt, now.UTC()); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Sweep removes expired sessions and returns how many were deleted.
func (s *SQLiteStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at > 0 AND expires_at <= ?`, s.clock.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep sessions: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
