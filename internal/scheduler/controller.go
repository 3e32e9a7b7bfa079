package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/maestro/internal/history"
	"github.com/loykin/maestro/internal/job"
	"github.com/loykin/maestro/internal/jobstore"
	"github.com/loykin/maestro/internal/process"
)

// adoptPoll is how often an adopted pid is checked for liveness.
var adoptPoll = 2 * time.Second

const stopSweepTimeout = 10 * time.Second

// Controller starts and stops the scheduler loop at runtime. At most one loop
// runs at a time; the running set is kept across restarts.
type Controller struct {
	deps    Deps
	running *tracker

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	params Config
	active bool
}

func NewController(d Deps) *Controller {
	return &Controller{deps: d.withDefaults(), running: newTracker()}
}

// Start validates cfg and launches a loop. The loop is detached from ctx's
// cancellation and lives until Stop.
func (c *Controller) Start(ctx context.Context, cfg Config) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return ErrAlreadyRunning
	}
	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	loop := newLoop(cfg, c.deps, c.running)
	go func() {
		defer close(done)
		if err := loop.Run(lctx); err != nil && !errors.Is(err, context.Canceled) {
			c.deps.Logger.Error("dispatcher loop ended", "err", err)
		}
	}()
	c.cancel, c.done, c.params, c.active = cancel, done, cfg, true
	return nil
}

// Stop ends the loop, waits for it and records exits that already happened.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return ErrNotRunning
	}
	cancel, done := c.cancel, c.done
	c.active, c.cancel, c.done = false, nil, nil
	c.mu.Unlock()

	cancel()
	<-done
	ctx, cancelSweep := context.WithTimeout(context.Background(), stopSweepTimeout)
	defer cancelSweep()
	c.monitor().Sweep(ctx)
	return nil
}

func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Params returns the parameters of the running loop.
func (c *Controller) Params() (Config, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params, c.active
}

// InFlight is the number of children still being watched.
func (c *Controller) InFlight() int { return c.running.len() }

// Sweep records exits while no loop is running. It must not be called
// concurrently with a running loop's own sweep.
func (c *Controller) Sweep(ctx context.Context) int {
	if c.Running() {
		return 0
	}
	return c.monitor().Sweep(ctx)
}

func (c *Controller) monitor() *monitor {
	return &monitor{
		slot:    c.deps.Slot,
		store:   c.deps.Store,
		rec:     c.deps.Recorder,
		log:     c.deps.Logger.With("component", "scheduler"),
		running: c.running,
	}
}

// Recover reconciles processes recorded as running by a previous daemon. A
// dead or reused pid is marked failed and its script archived; a live pid is
// adopted and watched until it disappears. It returns how many pids were adopted.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	var (
		gone    []history.Event
		adopted int
	)
	log := c.deps.Logger.With("component", "scheduler")
	runRoot := c.deps.Store.RunRoot()

	err := c.deps.Slot.With(ctx, func(st *job.State) error {
		now := time.Now()
		for _, id := range st.IDs() {
			b, _ := st.Batch(id)
			for _, p := range b.Processes {
				if p.Status != job.StatusRunning {
					continue
				}
				pid := p.PIDValue()
				runPath := filepath.Join(runRoot, p.Name)
				var started time.Time
				if p.StartedAt != nil {
					started = *p.StartedAt
				}
				if pid > 0 && process.Alive(pid) && process.SameProcess(pid, started) {
					c.running.add(&runEntry{
						BatchID: id,
						Name:    p.Name,
						RunPath: runPath,
						Handle:  process.Adopt(pid, adoptPoll),
					})
					adopted++
					log.Info("adopted running job", "batch", id, "name", p.Name, "pid", pid)
					continue
				}
				if err := p.MarkExited(pid, -1, now); err != nil {
					return fmt.Errorf("reconcile %d/%s: %w", id, p.Name, err)
				}
				if _, err := c.deps.Store.Archive(runPath, job.StatusFailed); err != nil && !errors.Is(err, jobstore.ErrNotFound) {
					log.Warn("archive orphaned script", "path", runPath, "err", err)
				}
				ev := history.NewEvent(history.EventFailed, b, p)
				ev.Reason = "lost while the daemon was down"
				gone = append(gone, ev)
			}
		}
		return nil
	})
	if err != nil {
		return adopted, err
	}
	for _, ev := range gone {
		c.deps.Recorder.Record(ctx, ev)
	}
	return adopted, nil
}
