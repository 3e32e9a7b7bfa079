package persist

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/maestro/internal/coordinator"
	"github.com/loykin/maestro/internal/job"
	"github.com/loykin/maestro/internal/snapshot"
)

type countingStore struct {
	mu    sync.Mutex
	saves int
	last  *job.State
	err   error
}

func (c *countingStore) Load(context.Context) (*job.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil, snapshot.ErrNotFound
	}
	return c.last, nil
}

func (c *countingStore) Save(_ context.Context, st *job.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves++
	c.last = st
	return c.err
}

func (c *countingStore) Close() error { return nil }

func (c *countingStore) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves
}

func TestRunSnapshotsPeriodicallyAndOnShutdown(t *testing.T) {
	slot := coordinator.New(nil)
	store := &countingStore{}
	d := &Daemon{Slot: slot, Store: store, Interval: 10 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return store.count() >= 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, slot.With(context.Background(), func(st *job.State) error {
		return st.AddBatch(job.NewBatch(st.NextBatchID(), "late", []string{"a.sh"}))
	}))
	cancel()
	require.NoError(t, <-done)

	// the final snapshot carries the last edit
	assert.Len(t, store.last.Batches, 1)
}

func TestSaveNowDoesNotAliasState(t *testing.T) {
	slot := coordinator.New(nil)
	store := &countingStore{}
	d := &Daemon{Slot: slot, Store: store}
	require.NoError(t, d.SaveNow(context.Background()))

	require.NoError(t, slot.With(context.Background(), func(st *job.State) error {
		return st.AddBatch(job.NewBatch(0, "", nil))
	}))
	assert.Empty(t, store.last.Batches, "stored snapshot must be a copy")
}

func TestRunReportsFinalSaveError(t *testing.T) {
	store := &countingStore{err: errors.New("disk full")}
	d := &Daemon{Slot: coordinator.New(nil), Store: store, Interval: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestLoadInitial(t *testing.T) {
	fs := snapshot.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	st, err := LoadInitial(context.Background(), fs)
	require.NoError(t, err)
	assert.Empty(t, st.Batches)

	orig := job.NewState()
	require.NoError(t, orig.AddBatch(job.NewBatch(4, "x", []string{"a.sh"})))
	require.NoError(t, fs.Save(context.Background(), orig))
	st, err = LoadInitial(context.Background(), fs)
	require.NoError(t, err)
	assert.Equal(t, 5, st.NextBatchID())
}
