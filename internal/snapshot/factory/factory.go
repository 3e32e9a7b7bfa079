package factory

import (
	"errors"
	"strings"

	"github.com/loykin/maestro/internal/snapshot"
	pg "github.com/loykin/maestro/internal/snapshot/postgres"
	sq "github.com/loykin/maestro/internal/snapshot/sqlite"
)

// NewFromDSN selects a snapshot store based on DSN.
// Supported:
//   - file:     "file:///<path>" or a bare path ending in .json
//   - sqlite:   "sqlite:///<path>" or any other bare path
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (snapshot.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	switch {
	case ld == "":
		return nil, errors.New("empty DSN")
	case strings.HasPrefix(ld, "postgres://"), strings.HasPrefix(ld, "postgresql://"):
		return pg.New(d)
	case strings.HasPrefix(ld, "sqlite://"):
		return sq.New(d[len("sqlite://"):])
	case strings.HasPrefix(ld, "file://"):
		return snapshot.NewFileStore(d[len("file://"):]), nil
	case strings.HasSuffix(ld, ".json"):
		return snapshot.NewFileStore(d), nil
	case strings.Contains(d, "://"):
		return nil, errors.New("unsupported snapshot DSN: " + d)
	}
	return sq.New(d)
}
