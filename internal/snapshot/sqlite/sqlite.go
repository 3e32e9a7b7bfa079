package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/maestro/internal/job"
	"github.com/loykin/maestro/internal/snapshot"
)

// DB implements snapshot.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// The snapshot is a single row that every save replaces.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path and creates the schema.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	s := &DB{db: d}
	if err := s.EnsureSchema(context.Background()); err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS maestro_snapshot(
		id INTEGER PRIMARY KEY CHECK (id = 1),
		schema_version INTEGER NOT NULL,
		saved_at TIMESTAMP NOT NULL,
		body TEXT NOT NULL
	);`)
	return err
}

func (s *DB) Save(ctx context.Context, st *job.State) error {
	body, err := snapshot.Encode(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO maestro_snapshot(id, schema_version, saved_at, body)
		VALUES(1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			schema_version=excluded.schema_version,
			saved_at=excluded.saved_at,
			body=excluded.body;`,
		snapshot.SchemaVersion, time.Now().UTC(), string(body))
	return err
}

func (s *DB) Load(ctx context.Context) (*job.State, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM maestro_snapshot WHERE id = 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, snapshot.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return snapshot.Decode([]byte(body))
}

func (s *DB) Close() error { return s.db.Close() }
