// Package snapshot persists the job State between daemon runs.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/maestro/internal/job"
)

// SchemaVersion is the version of the encoded document.
const SchemaVersion = 1

var (
	ErrNotFound            = errors.New("no snapshot stored")
	ErrCorrupted           = errors.New("snapshot is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// Store saves and loads whole-State snapshots. Implementations must be safe for
// concurrent use.
type Store interface {
	Load(ctx context.Context) (*job.State, error)
	Save(ctx context.Context, st *job.State) error
	Close() error
}

type document struct {
	SchemaVersion int                `json:"schema_version"`
	SavedAt       time.Time          `json:"saved_at"`
	Batches       map[int]*job.Batch `json:"batches"`
}

// Encode serializes st with the schema version.
func Encode(st *job.State) ([]byte, error) {
	if st == nil {
		st = job.NewState()
	}
	b, err := json.MarshalIndent(document{
		SchemaVersion: SchemaVersion,
		SavedAt:       time.Now().UTC(),
		Batches:       st.Batches,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return b, nil
}

// Decode parses a document produced by Encode.
func Decode(b []byte) (*job.State, error) {
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if doc.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, doc.SchemaVersion, SchemaVersion)
	}
	st := job.NewState()
	for id, batch := range doc.Batches {
		if batch == nil {
			continue
		}
		batch.ID = id
		st.Batches[id] = batch
	}
	return st, nil
}
