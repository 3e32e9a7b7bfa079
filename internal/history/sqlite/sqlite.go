package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/maestro/internal/history"
	"github.com/loykin/maestro/internal/history/sqlcodec"
)

// Sink writes history events to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// :memory: databases are per connection
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS job_history(
		id TEXT PRIMARY KEY,
		occurred_at TIMESTAMP NOT NULL,
		event TEXT NOT NULL,
		batch_id INTEGER NOT NULL,
		label TEXT NOT NULL,
		name TEXT NOT NULL,
		pid INTEGER NOT NULL,
		devices TEXT NOT NULL,
		exit_code INTEGER NULL,
		reason TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_job_history_batch ON job_history(batch_id);`)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_history(id, occurred_at, event, batch_id, label, name, pid, devices, exit_code, reason)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		sqlcodec.Args(e)...)
	return err
}

// Count returns the number of stored events for a batch.
func (s *Sink) Count(ctx context.Context, batchID int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_history WHERE batch_id = ?`, batchID).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
