package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/maestro/internal/coordinator"
	"github.com/loykin/maestro/internal/env"
	"github.com/loykin/maestro/internal/gpu"
	"github.com/loykin/maestro/internal/history"
	"github.com/loykin/maestro/internal/job"
	"github.com/loykin/maestro/internal/jobstore"
	"github.com/loykin/maestro/internal/metrics"
	"github.com/loykin/maestro/internal/process"
)

// Prober reports idle device ids in ascending order. It must not fail.
type Prober interface {
	IdleDevices(ctx context.Context) []int
}

// StartFunc spawns one job. process.Start in production.
type StartFunc func(process.Spec) (*process.Handle, error)

// Deps are the collaborators shared by every loop a Controller starts.
type Deps struct {
	Slot     *coordinator.Slot
	Store    *jobstore.Store
	Prober   Prober
	Env      *env.Env
	Recorder *history.Recorder
	Logger   *slog.Logger
	Start    StartFunc
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Start == nil {
		d.Start = process.Start
	}
	if d.Env == nil {
		d.Env = env.New()
	}
	if d.Prober == nil {
		d.Prober = gpu.NewProber(nil)
	}
	return d
}

// Result summarises one admission cycle.
type Result struct {
	Pending  int // scripts on disk when the cycle began
	Idle     int // idle devices after the block-list
	Launched int // children started
	Failed   int // launches that failed
}

// Loop polls the job store and admits the head of the queue onto idle devices.
// It is driven by a single goroutine.
type Loop struct {
	*monitor
	cfg    Config
	prober Prober
	env    *env.Env
	start  StartFunc

	queue []jobstore.Pending
}

func newLoop(cfg Config, d Deps, running *tracker) *Loop {
	d = d.withDefaults()
	return &Loop{
		monitor: &monitor{
			slot:    d.Slot,
			store:   d.Store,
			rec:     d.Recorder,
			log:     d.Logger.With("component", "scheduler"),
			running: running,
		},
		cfg:    cfg,
		prober: d.Prober,
		env:    d.Env,
		start:  d.Start,
	}
}

// Run loops until ctx ends. Every W it sweeps exits, then waits for pending
// scripts and idle devices before admitting. Failures inside a cycle are logged
// and never end the loop.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("dispatcher started",
		"wait", l.cfg.Wait, "spread", l.cfg.Spread, "block", l.cfg.Block,
		"max_launches", l.cfg.MaxLaunchesPerCycle)
	defer l.log.Info("dispatcher stopped")

	for {
		if err := l.pause(ctx); err != nil {
			return err
		}

		pending := l.listPending()
		if len(pending) == 0 {
			l.log.Info("job queue empty, waiting")
			for len(pending) == 0 {
				if err := l.pause(ctx); err != nil {
					return err
				}
				pending = l.listPending()
			}
		}

		idle := l.idleDevices(ctx)
		if len(idle) == 0 {
			l.log.Info("no idle devices, waiting")
			for len(idle) == 0 {
				if err := l.pause(ctx); err != nil {
					return err
				}
				idle = l.idleDevices(ctx)
			}
		}

		if _, err := l.admit(ctx, idle); err != nil {
			return err
		}
	}
}

// pause waits one interval and then sweeps.
func (l *Loop) pause(ctx context.Context) error {
	t := time.NewTimer(l.cfg.Wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	l.Sweep(ctx)
	return ctx.Err()
}

// Cycle runs one admission pass without waiting.
func (l *Loop) Cycle(ctx context.Context) (Result, error) {
	pending := l.listPending()
	if len(pending) == 0 {
		return Result{}, nil
	}
	idle := l.idleDevices(ctx)
	if len(idle) == 0 {
		return Result{Pending: len(pending)}, nil
	}
	res, err := l.admit(ctx, idle)
	res.Pending = len(pending)
	return res, err
}

func (l *Loop) listPending() []jobstore.Pending {
	pending, err := l.store.ListPending()
	if err != nil {
		l.log.Warn("list pending scripts", "err", err)
		return nil
	}
	return pending
}

func (l *Loop) idleDevices(ctx context.Context) []int {
	return gpu.Subtract(l.prober.IdleDevices(ctx), l.cfg.Block)
}

// refresh reconciles the queue with the store. A failed listing leaves the
// queue as it was.
func (l *Loop) refresh() {
	onDisk, err := l.store.ListPending()
	if err != nil {
		l.log.Warn("list pending scripts, keeping queue", "err", err)
		return
	}
	l.reconcile(onDisk)
}

// reconcile appends scripts that appeared on disk and prunes queue entries
// whose scripts are gone.
func (l *Loop) reconcile(onDisk []jobstore.Pending) {
	present := make(map[string]struct{}, len(onDisk))
	for _, p := range onDisk {
		present[p.Path] = struct{}{}
	}
	known := make(map[string]struct{}, len(l.queue))
	kept := l.queue[:0]
	removed := 0
	for _, p := range l.queue {
		if _, ok := present[p.Path]; !ok {
			removed++
			continue
		}
		known[p.Path] = struct{}{}
		kept = append(kept, p)
	}
	l.queue = kept

	var added []string
	for _, p := range onDisk {
		if _, ok := known[p.Path]; ok {
			continue
		}
		l.queue = append(l.queue, p)
		added = append(added, p.Name())
	}
	if len(added) > 0 {
		l.log.Info("new jobs added to queue", "count", len(added), "names", strings.Join(added, ","))
	}
	if removed > 0 {
		l.log.Info("jobs removed from queue", "count", removed)
	}
	metrics.SetPending(len(l.queue))
}

func (l *Loop) admit(ctx context.Context, idle []int) (Result, error) {
	res := Result{Idle: len(idle)}
	l.refresh()

	for res.Launched+res.Failed < l.cfg.MaxLaunchesPerCycle && len(l.queue) > 0 {
		devices := gpu.Select(idle, l.cfg.Spread)
		if len(devices) == 0 {
			break
		}
		head := l.queue[0]
		l.queue = l.queue[1:]

		out, err := l.launch(ctx, head, devices)
		if err != nil {
			// only a cancelled take ends up here; the entry is lost from the
			// in-memory queue and found again on disk next time
			return res, err
		}
		switch out {
		case launchStarted:
			res.Launched++
			idle = idle[len(devices):]
		case launchFailed:
			res.Failed++
		}
	}
	metrics.SetPending(len(l.queue))
	return res, nil
}

type launchOutcome int

const (
	launchSkipped launchOutcome = iota
	launchStarted
	launchFailed
)

// launch promotes, spawns and marks the process running inside one critical
// section so no operator edit can interleave.
func (l *Loop) launch(ctx context.Context, p jobstore.Pending, devices []int) (launchOutcome, error) {
	out := launchSkipped
	var ev history.Event
	log := l.log.With("batch", p.BatchID, "name", p.Name())

	err := l.slot.With(ctx, func(st *job.State) error {
		b, err := st.Batch(p.BatchID)
		var proc *job.Process
		if err == nil {
			proc, _ = b.Process(p.Name())
		}
		if proc == nil || proc.Status != job.StatusQueued {
			log.Info("discarding script without a queued process")
			if rerr := l.store.RemovePending(p.Path); rerr != nil {
				log.Warn("remove discarded script", "err", rerr)
			}
			return nil
		}

		runPath, err := l.store.PromoteToRun(p.Path)
		if err != nil {
			log.Warn("dropping script that could not be moved to the run root", "err", err)
			metrics.IncLaunch("dropped")
			return nil
		}

		visible := gpu.Join(devices)
		spec := process.Spec{
			Path: runPath,
			Env:  l.env.Merge(l.cfg.DeviceEnv + "=" + visible),
			Dir:  filepath.Dir(runPath),
		}
		if l.cfg.Jobs.Dir != "" {
			spec.Stdout, spec.Stderr = l.cfg.Jobs.Writers(logName(p))
		}
		log.Info("running job", "devices", visible)
		h, err := l.start(spec)
		now := time.Now()
		if err != nil {
			outcome := "error"
			if errors.Is(err, process.ErrPermission) {
				outcome = "permission"
			}
			log.Warn("launch failed", "outcome", outcome, "err", err)
			metrics.IncLaunch(outcome)
			if merr := proc.MarkLaunchFailed(now); merr != nil {
				log.Warn("mark launch failure", "err", merr)
			}
			if _, derr := l.store.DemoteToFailed(runPath); derr != nil {
				log.Warn("move script to failed", "err", derr)
			}
			ev = history.NewEvent(history.EventFailed, b, proc)
			ev.Reason = err.Error()
			out = launchFailed
			return nil
		}

		if err := proc.MarkRunning(h.PID(), devices, now); err != nil {
			return err
		}
		if l.cfg.Jobs.Dir != "" {
			proc.LogDir = l.cfg.Jobs.Dir
		}
		l.running.add(&runEntry{BatchID: p.BatchID, Name: p.Name(), RunPath: runPath, Handle: h})
		metrics.IncLaunch("ok")
		ev = history.NewEvent(history.EventLaunched, b, proc)
		out = launchStarted
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return launchSkipped, err
		}
		log.Warn("launch", "err", err)
		return launchSkipped, nil
	}
	if out != launchSkipped {
		l.rec.Record(ctx, ev)
	}
	return out, nil
}

func logName(p jobstore.Pending) string {
	return fmt.Sprintf("batch-%d.%s", p.BatchID, strings.TrimSuffix(p.Name(), filepath.Ext(p.Name())))
}
