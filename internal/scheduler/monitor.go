package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/maestro/internal/coordinator"
	"github.com/loykin/maestro/internal/history"
	"github.com/loykin/maestro/internal/job"
	"github.com/loykin/maestro/internal/jobstore"
	"github.com/loykin/maestro/internal/metrics"
	"github.com/loykin/maestro/internal/process"
)

// runEntry is one in-flight child, keyed by its script path in the run root.
type runEntry struct {
	BatchID int
	Name    string
	RunPath string
	Handle  *process.Handle
}

// tracker is the running set. It outlives individual loops so a dispatcher
// restart keeps watching the children it launched before.
type tracker struct {
	mu      sync.Mutex
	entries map[string]*runEntry
}

func newTracker() *tracker {
	return &tracker{entries: make(map[string]*runEntry)}
}

func (t *tracker) add(e *runEntry) {
	t.mu.Lock()
	t.entries[e.RunPath] = e
	n := len(t.entries)
	t.mu.Unlock()
	metrics.SetRunning(n)
}

func (t *tracker) remove(runPath string) {
	t.mu.Lock()
	delete(t.entries, runPath)
	n := len(t.entries)
	t.mu.Unlock()
	metrics.SetRunning(n)
}

func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// list returns the entries ordered by run path.
func (t *tracker) list() []*runEntry {
	t.mu.Lock()
	out := make([]*runEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RunPath < out[j].RunPath })
	return out
}

// monitor records exits of tracked children.
type monitor struct {
	slot    *coordinator.Slot
	store   *jobstore.Store
	rec     *history.Recorder
	log     *slog.Logger
	running *tracker
}

// Sweep checks every running entry without blocking and records the ones that
// exited. It returns how many exits were recorded.
func (m *monitor) Sweep(ctx context.Context) int {
	n := 0
	for _, e := range m.running.list() {
		code, ok := e.Handle.Exited()
		if !ok {
			metrics.SampleJob(e.BatchID, e.Name, e.Handle.PID())
			continue
		}
		if err := m.recordExit(ctx, e, code); err != nil {
			if ctx.Err() != nil {
				return n
			}
			m.log.Warn("record exit", "batch", e.BatchID, "name", e.Name, "err", err)
		}
		m.running.remove(e.RunPath)
		metrics.ForgetJob(e.BatchID, e.Name)
		n++
	}
	return n
}

func (m *monitor) recordExit(ctx context.Context, e *runEntry, code int) error {
	var (
		ev     history.Event
		status = job.StatusFailed
		emit   bool
	)
	err := m.slot.With(ctx, func(st *job.State) error {
		p, err := st.Find(e.BatchID, e.Name)
		if err != nil {
			return err
		}
		if p.Status.Terminal() {
			// killed by the operator while running
			status = p.Status
			return nil
		}
		if err := p.MarkExited(e.Handle.PID(), code, time.Now()); err != nil {
			return err
		}
		status = p.Status
		b, _ := st.Batch(e.BatchID)
		ev = history.NewEvent(history.EventFor(p.Status), b, p)
		emit = true
		return nil
	})
	if err != nil && ctx.Err() != nil {
		return err
	}
	if errors.Is(err, job.ErrNotFound) {
		m.log.Info("exited job no longer tracked", "batch", e.BatchID, "name", e.Name, "exit_code", code)
		err = nil
	}

	if _, aerr := m.store.Archive(e.RunPath, status); aerr != nil && !errors.Is(aerr, jobstore.ErrNotFound) {
		m.log.Warn("archive script", "path", e.RunPath, "err", aerr)
	}
	if emit {
		if herr := e.Handle.Err(); herr != nil && code != 0 {
			ev.Reason = herr.Error()
		}
		metrics.IncExit(string(status))
		m.rec.Record(ctx, ev)
	}
	return err
}
