//go:build !windows

package scheduler

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/maestro/internal/coordinator"
	"github.com/loykin/maestro/internal/env"
	"github.com/loykin/maestro/internal/history"
	"github.com/loykin/maestro/internal/job"
	"github.com/loykin/maestro/internal/jobstore"
	"github.com/loykin/maestro/internal/process"
)

func TestMain(m *testing.M) {
	minWait = 0
	adoptPoll = 20 * time.Millisecond
	os.Exit(m.Run())
}

type fakeProber struct {
	mu  sync.Mutex
	ids []int
}

func (f *fakeProber) IdleDevices(context.Context) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.ids)
}

func (f *fakeProber) set(ids ...int) {
	f.mu.Lock()
	f.ids = ids
	f.mu.Unlock()
}

type eventSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *eventSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *eventSink) types() []history.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]history.EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

// spawnLog records every spec handed to the launcher.
type spawnLog struct {
	mu    sync.Mutex
	specs []process.Spec
}

func (s *spawnLog) start(spec process.Spec) (*process.Handle, error) {
	s.mu.Lock()
	s.specs = append(s.specs, spec)
	s.mu.Unlock()
	return process.Start(spec)
}

func (s *spawnLog) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.specs))
	for i, sp := range s.specs {
		out[i] = filepath.Base(sp.Path)
	}
	return out
}

type fixture struct {
	slot   *coordinator.Slot
	store  *jobstore.Store
	prober *fakeProber
	sink   *eventSink
	spawns *spawnLog
	deps   Deps
	src    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	store := jobstore.New(filepath.Join(root, "q"), filepath.Join(root, "run"))
	require.NoError(t, store.Ensure())
	f := &fixture{
		slot:   coordinator.New(nil),
		store:  store,
		prober: &fakeProber{},
		sink:   &eventSink{},
		spawns: &spawnLog{},
		src:    t.TempDir(),
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := env.New()
	e.FromOS()
	f.deps = Deps{
		Slot:     f.slot,
		Store:    store,
		Prober:   f.prober,
		Env:      e,
		Recorder: history.NewRecorder(f.sink, log),
		Logger:   log,
		Start:    f.spawns.start,
	}
	return f
}

// load writes scripts with the given bodies and registers them as one batch.
func (f *fixture) load(t *testing.T, mode os.FileMode, scripts map[string]string) int {
	t.Helper()
	var paths []string
	for name, body := range scripts {
		p := filepath.Join(f.src, name)
		require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), mode))
		paths = append(paths, p)
	}
	slices.Sort(paths)
	var id int
	require.NoError(t, f.slot.With(context.Background(), func(st *job.State) error {
		id = st.NextBatchID()
		return st.AddBatch(job.NewBatch(id, "test", paths))
	}))
	require.NoError(t, f.store.CreateBatch(id, paths))
	return id
}

func (f *fixture) loop(cfg Config) *Loop {
	return newLoop(cfg.WithDefaults(), f.deps, newTracker())
}

func (f *fixture) status(t *testing.T, batch int, name string) *job.Process {
	t.Helper()
	st, err := f.slot.View(context.Background())
	require.NoError(t, err)
	p, err := st.Find(batch, name)
	require.NoError(t, err)
	return p
}

func sweepUntil(t *testing.T, l *Loop, want int) {
	t.Helper()
	got := 0
	require.Eventually(t, func() bool {
		got += l.Sweep(context.Background())
		return got >= want
	}, 10*time.Second, 10*time.Millisecond)
}

func TestCycleAdmitsHeadOnSpreadDevices(t *testing.T) {
	f := newFixture(t)
	id := f.load(t, 0o755, map[string]string{"a.sh": "exit 0", "b.sh": "exit 0", "c.sh": "exit 0"})
	f.prober.set(0, 1)
	l := f.loop(Config{Spread: 1})

	res, err := l.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Pending: 3, Idle: 2, Launched: 1}, res)
	require.Equal(t, []string{"a.sh"}, f.spawns.names())

	visible, ok := env.Lookup(f.spawns.specs[0].Env, DefaultDeviceEnv)
	require.True(t, ok, "device visibility must be in the child's environment")
	assert.Equal(t, "0", visible)

	a := f.status(t, id, "a.sh")
	assert.Equal(t, job.StatusRunning, a.Status)
	assert.NotNil(t, a.PID)
	assert.Equal(t, []int{0}, a.Devices)
	assert.Equal(t, job.StatusQueued, f.status(t, id, "b.sh").Status)
	assert.Nil(t, f.status(t, id, "b.sh").PID)
	assert.Len(t, l.queue, 2)

	pending, err := f.store.ListPending()
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	sweepUntil(t, l, 1)
	a = f.status(t, id, "a.sh")
	assert.Equal(t, job.StatusCompleted, a.Status)
	require.NotNil(t, a.ExitCode)
	assert.Equal(t, 0, *a.ExitCode)
	assert.FileExists(t, filepath.Join(f.store.QueueRoot(), "completed", "a.sh"))
	assert.Equal(t, []history.EventType{history.EventLaunched, history.EventCompleted}, f.sink.types())
}

func TestCycleSpreadAndMultipleLaunches(t *testing.T) {
	f := newFixture(t)
	f.load(t, 0o755, map[string]string{"a.sh": "exit 0", "b.sh": "exit 0", "c.sh": "exit 0"})
	f.prober.set(0, 1, 2, 3, 4)
	l := f.loop(Config{Spread: 2, MaxLaunchesPerCycle: 3})

	res, err := l.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Launched)
	got := make([]string, 0, 3)
	for _, sp := range f.spawns.specs {
		v, _ := env.Lookup(sp.Env, DefaultDeviceEnv)
		got = append(got, v)
	}
	// the last launch takes what is left, as a single launch would
	assert.Equal(t, []string{"0,1", "2,3", "4"}, got)
	sweepUntil(t, l, 3)
}

func TestCycleBlockList(t *testing.T) {
	f := newFixture(t)
	f.load(t, 0o755, map[string]string{"a.sh": "exit 0"})
	f.prober.set(0)
	l := f.loop(Config{Block: []int{0}})

	res, err := l.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Pending: 1}, res)
	assert.Empty(t, f.spawns.names())
}

func TestRemovedScriptIsPruned(t *testing.T) {
	f := newFixture(t)
	id := f.load(t, 0o755, map[string]string{"a.sh": "exit 0", "b.sh": "exit 0", "c.sh": "exit 0"})
	f.prober.set(0)
	l := f.loop(Config{})

	_, err := l.Cycle(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(f.store.BatchDir(id), "b.sh")))

	_, err = l.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.sh", "c.sh"}, f.spawns.names())
	assert.Equal(t, job.StatusQueued, f.status(t, id, "b.sh").Status)
	assert.Empty(t, l.queue)
	sweepUntil(t, l, 2)
}

func TestListingErrorKeepsQueue(t *testing.T) {
	f := newFixture(t)
	id := f.load(t, 0o755, map[string]string{"a.sh": "exit 0", "b.sh": "exit 0", "c.sh": "exit 0"})
	f.prober.set(0)
	l := f.loop(Config{})

	_, err := l.Cycle(context.Background())
	require.NoError(t, err)
	queued := func() []string {
		out := make([]string, len(l.queue))
		for i, p := range l.queue {
			out[i] = p.Name()
		}
		return out
	}
	require.Equal(t, []string{"b.sh", "c.sh"}, queued())

	// a file in place of the queue directory makes the listing fail
	queueDir := filepath.Join(f.store.QueueRoot(), "queue")
	moved := queueDir + ".moved"
	require.NoError(t, os.Rename(queueDir, moved))
	require.NoError(t, os.WriteFile(queueDir, nil, 0o600))
	_, err = f.store.ListPending()
	require.Error(t, err)

	_, err = l.admit(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.sh", "c.sh"}, queued(), "a failed listing must not prune the queue")

	require.NoError(t, os.Remove(queueDir))
	require.NoError(t, os.Rename(moved, queueDir))
	require.NoError(t, os.Remove(filepath.Join(f.store.BatchDir(id), "b.sh")))
	_, err = l.admit(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"c.sh"}, queued())
	sweepUntil(t, l, 1)
}

func TestKilledEntryIsDiscarded(t *testing.T) {
	f := newFixture(t)
	id := f.load(t, 0o755, map[string]string{"a.sh": "exit 0", "b.sh": "exit 0"})
	require.NoError(t, f.slot.With(context.Background(), func(st *job.State) error {
		p, err := st.Find(id, "a.sh")
		if err != nil {
			return err
		}
		return p.Kill(time.Now())
	}))
	f.prober.set(0)
	l := f.loop(Config{})

	res, err := l.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Launched, "a discarded entry is not an admission")
	assert.Equal(t, []string{"b.sh"}, f.spawns.names())
	assert.NoFileExists(t, filepath.Join(f.store.BatchDir(id), "a.sh"))
	assert.Equal(t, job.StatusKilled, f.status(t, id, "a.sh").Status)
	sweepUntil(t, l, 1)
}

func TestPermissionDeniedGoesToFailed(t *testing.T) {
	f := newFixture(t)
	id := f.load(t, 0o644, map[string]string{"a.sh": "exit 0"})
	f.prober.set(0)
	l := f.loop(Config{})

	res, err := l.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Pending: 1, Idle: 1, Failed: 1}, res)
	a := f.status(t, id, "a.sh")
	assert.Equal(t, job.StatusFailed, a.Status)
	assert.Nil(t, a.PID)
	assert.FileExists(t, filepath.Join(f.store.QueueRoot(), "failed", "a.sh"))
	assert.NoFileExists(t, filepath.Join(f.store.RunRoot(), "a.sh"))
	assert.Equal(t, 0, l.running.len())
	assert.Equal(t, []history.EventType{history.EventFailed}, f.sink.types())
}

func TestNonZeroExitIsFailed(t *testing.T) {
	f := newFixture(t)
	id := f.load(t, 0o755, map[string]string{"a.sh": "exit 3"})
	f.prober.set(0)
	l := f.loop(Config{})

	_, err := l.Cycle(context.Background())
	require.NoError(t, err)
	sweepUntil(t, l, 1)
	a := f.status(t, id, "a.sh")
	assert.Equal(t, job.StatusFailed, a.Status)
	require.NotNil(t, a.ExitCode)
	assert.Equal(t, 3, *a.ExitCode)
	assert.NotNil(t, a.PID)
	assert.FileExists(t, filepath.Join(f.store.QueueRoot(), "failed", "a.sh"))
}

func TestSweepLeavesKilledStatus(t *testing.T) {
	f := newFixture(t)
	id := f.load(t, 0o755, map[string]string{"a.sh": "sleep 30"})
	f.prober.set(0)
	l := f.loop(Config{})

	_, err := l.Cycle(context.Background())
	require.NoError(t, err)
	pid := f.status(t, id, "a.sh").PIDValue()
	require.NoError(t, f.slot.With(context.Background(), func(st *job.State) error {
		p, err := st.Find(id, "a.sh")
		if err != nil {
			return err
		}
		return p.Kill(time.Now())
	}))
	require.NoError(t, process.KillGroup(pid))

	sweepUntil(t, l, 1)
	a := f.status(t, id, "a.sh")
	assert.Equal(t, job.StatusKilled, a.Status)
	assert.Nil(t, a.ExitCode)
	assert.FileExists(t, filepath.Join(f.store.QueueRoot(), "failed", "a.sh"))
}

func TestJobOutputCapture(t *testing.T) {
	f := newFixture(t)
	logDir := t.TempDir()
	id := f.load(t, 0o755, map[string]string{"a.sh": "echo \"gpu=$CUDA_VISIBLE_DEVICES\""})
	f.prober.set(2)
	l := f.loop(Config{})
	l.cfg.Jobs.Dir = logDir

	_, err := l.Cycle(context.Background())
	require.NoError(t, err)
	sweepUntil(t, l, 1)
	b, err := os.ReadFile(filepath.Join(logDir, "batch-"+strconv.Itoa(id)+".a.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "gpu=2\n", string(b))
	assert.Equal(t, logDir, f.status(t, id, "a.sh").LogDir)
}

func TestValidate(t *testing.T) {
	old := minWait
	minWait = 30 * time.Second
	defer func() { minWait = old }()

	assert.NoError(t, Config{}.WithDefaults().Validate())
	err := Config{Wait: time.Second, Spread: -1, Block: []int{-2}}.WithDefaults().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wait must be at least")
	assert.Contains(t, err.Error(), "spread")
	assert.Contains(t, err.Error(), "negative")
}

func TestControllerStartStop(t *testing.T) {
	f := newFixture(t)
	id := f.load(t, 0o755, map[string]string{"a.sh": "exit 0"})
	f.prober.set(0)
	c := NewController(f.deps)

	require.ErrorIs(t, c.Stop(), ErrNotRunning)
	cfg := Config{Wait: 10 * time.Millisecond}
	require.NoError(t, c.Start(context.Background(), cfg))
	require.ErrorIs(t, c.Start(context.Background(), cfg), ErrAlreadyRunning)
	params, ok := c.Params()
	require.True(t, ok)
	assert.Equal(t, 1, params.Spread)

	require.Eventually(t, func() bool {
		return f.status(t, id, "a.sh").Status == job.StatusCompleted
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Stop())
	assert.False(t, c.Running())
	_, ok = c.Params()
	assert.False(t, ok)
}

func TestControllerKeepsRunningSetAcrossRestart(t *testing.T) {
	f := newFixture(t)
	id := f.load(t, 0o755, map[string]string{"a.sh": "sleep 0.3"})
	f.prober.set(0)
	c := NewController(f.deps)

	require.NoError(t, c.Start(context.Background(), Config{Wait: 10 * time.Millisecond}))
	require.Eventually(t, func() bool { return c.InFlight() == 1 }, 10*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())

	// the exit is recorded by a later sweep even though the loop that
	// launched the job is gone
	require.Eventually(t, func() bool {
		c.Sweep(context.Background())
		return f.status(t, id, "a.sh").Status == job.StatusCompleted
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, c.InFlight())
}

func TestControllerRejectsInvalidConfig(t *testing.T) {
	f := newFixture(t)
	c := NewController(f.deps)
	require.Error(t, c.Start(context.Background(), Config{Spread: -1}))
	assert.False(t, c.Running())
}

func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}

func TestRecover(t *testing.T) {
	f := newFixture(t)
	id := f.load(t, 0o755, map[string]string{"dead.sh": "exit 0", "live.sh": "exit 0", "reused.sh": "exit 0"})
	sleeper := filepath.Join(t.TempDir(), "sleeper.sh")
	require.NoError(t, os.WriteFile(sleeper, []byte("#!/bin/sh\nsleep 30\n"), 0o755))
	h, err := process.Start(process.Spec{Path: sleeper, Env: os.Environ()})
	require.NoError(t, err)
	defer func() { _ = process.KillGroup(h.PID()) }()

	dead, live := deadPID(t), h.PID()
	require.NoError(t, f.slot.With(context.Background(), func(st *job.State) error {
		b, err := st.Batch(id)
		if err != nil {
			return err
		}
		d, _ := b.Process("dead.sh")
		if err := d.MarkRunning(dead, []int{0}, time.Now()); err != nil {
			return err
		}
		l, _ := b.Process("live.sh")
		if err := l.MarkRunning(live, []int{1}, h.StartedAt()); err != nil {
			return err
		}
		// same pid, but recorded long before the live process began
		r, _ := b.Process("reused.sh")
		return r.MarkRunning(live, []int{2}, h.StartedAt().Add(-time.Hour))
	}))
	// the previous daemon had promoted the dead job's script
	_, err = f.store.PromoteToRun(filepath.Join(f.store.BatchDir(id), "dead.sh"))
	require.NoError(t, err)

	c := NewController(f.deps)
	adopted, err := c.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, adopted)
	assert.Equal(t, 1, c.InFlight())

	d := f.status(t, id, "dead.sh")
	assert.Equal(t, job.StatusFailed, d.Status)
	assert.Equal(t, dead, d.PIDValue())
	assert.FileExists(t, filepath.Join(f.store.QueueRoot(), "failed", "dead.sh"))
	assert.Equal(t, job.StatusRunning, f.status(t, id, "live.sh").Status)
	assert.Equal(t, job.StatusFailed, f.status(t, id, "reused.sh").Status)
	assert.Equal(t, []history.EventType{history.EventFailed, history.EventFailed}, f.sink.types())
}
