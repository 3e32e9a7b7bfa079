package maestro

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/maestro/internal/config"
	"github.com/loykin/maestro/internal/coordinator"
	"github.com/loykin/maestro/internal/env"
	"github.com/loykin/maestro/internal/gpu"
	"github.com/loykin/maestro/internal/history"
	hfactory "github.com/loykin/maestro/internal/history/factory"
	"github.com/loykin/maestro/internal/job"
	"github.com/loykin/maestro/internal/jobstore"
	"github.com/loykin/maestro/internal/logger"
	"github.com/loykin/maestro/internal/metrics"
	"github.com/loykin/maestro/internal/persist"
	"github.com/loykin/maestro/internal/scheduler"
	iapi "github.com/loykin/maestro/internal/server"
	"github.com/loykin/maestro/internal/service"
	"github.com/loykin/maestro/internal/settings"
	"github.com/loykin/maestro/internal/snapshot"
	sfactory "github.com/loykin/maestro/internal/snapshot/factory"
)

// Re-export core types for external consumers.

type Config = config.Config

type Batch = job.Batch

type Process = job.Process

type Status = job.Status

// Prober reports the ids of devices with no running process.
type Prober = scheduler.Prober

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// Options customise a Daemon beyond its Config.
type Options struct {
	// Console receives the human-readable log; os.Stderr when nil.
	Console io.Writer
	// Prober replaces the nvidia-smi prober built from the config.
	Prober Prober
}

// Daemon owns every actor of one maestro instance: the shared state slot, the
// dispatcher controller, the snapshot writer and the HTTP API.
type Daemon struct {
	cfg      *config.Config
	log      *slog.Logger
	closers  []io.Closer
	slot     *coordinator.Slot
	store    *jobstore.Store
	snap     snapshot.Store
	settings *settings.File
	rec      *history.Recorder
	ctrl     *scheduler.Controller
	svc      *service.Service

	mu      sync.Mutex
	srv     *http.Server
	cancel  context.CancelFunc
	bg      sync.WaitGroup
	persist chan error
}

// NewDaemon validates cfg and assembles the daemon from it. Nothing is
// listening or running until Start.
func NewDaemon(ctx context.Context, cfg *Config, opts Options) (_ *Daemon, err error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	d := &Daemon{cfg: cfg}
	defer func() {
		if err != nil {
			_ = d.close()
		}
	}()

	if err := os.MkdirAll(cfg.Paths.SystemDir, 0o750); err != nil {
		return nil, fmt.Errorf("create system dir: %w", err)
	}
	store := jobstore.New(cfg.Paths.QueueRoot, cfg.Paths.RunRoot)
	if err := store.Ensure(); err != nil {
		return nil, err
	}
	d.store = store

	log, closer, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		EventLog:   filepath.Join(cfg.Paths.QueueRoot, logger.EventLogName),
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}, opts.Console)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	d.log = log
	d.closers = append(d.closers, closer)

	if err := RegisterMetricsDefault(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	d.settings = settings.Open(cfg.Paths.SystemDir)
	if s, err := d.settings.Load(); err != nil {
		log.Warn("settings unreadable, starting fresh", "path", d.settings.Path(), "err", err)
	} else if s.DispatcherAlive() && *s.DispatcherPID != os.Getpid() {
		log.Warn("another dispatcher is recorded as active", "pid", *s.DispatcherPID)
	}
	if err := d.settings.SetRoots(cfg.Paths.QueueRoot, cfg.Paths.RunRoot); err != nil {
		return nil, fmt.Errorf("record roots: %w", err)
	}

	snap, err := sfactory.NewFromDSN(cfg.Paths.SnapshotDSN)
	if err != nil {
		return nil, fmt.Errorf("snapshot store: %w", err)
	}
	d.snap = snap
	d.closers = append(d.closers, snap)
	initial, err := persist.LoadInitial(ctx, snap)
	if err != nil {
		return nil, err
	}
	d.slot = coordinator.New(initial,
		coordinator.WithAcquireTimeout(cfg.Coordinator.AcquireTimeout),
		coordinator.WithLogger(log.With("component", "coordinator")))

	var sink history.Sink
	if cfg.History.DSN != "" {
		if sink, err = hfactory.NewSinkFromDSN(cfg.History.DSN); err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
	}
	d.rec = history.NewRecorder(sink, log.With("component", "history"))
	d.closers = append(d.closers, d.rec)

	jobEnv, err := buildEnv(cfg)
	if err != nil {
		return nil, fmt.Errorf("job environment: %w", err)
	}
	prober := opts.Prober
	if prober == nil {
		prober = &gpu.Prober{
			Runner:  gpu.ExecRunner{},
			Command: cfg.Scheduler.ProbeCommand,
			Logger:  log.With("component", "gpu"),
		}
	}

	d.ctrl = scheduler.NewController(scheduler.Deps{
		Slot:     d.slot,
		Store:    store,
		Prober:   prober,
		Env:      jobEnv,
		Recorder: d.rec,
		Logger:   log,
	})
	d.svc = service.New(service.Options{
		Slot:       d.slot,
		Store:      store,
		Controller: d.ctrl,
		Settings:   d.settings,
		Recorder:   d.rec,
		Logger:     log,
		Defaults: scheduler.Config{
			Wait:                cfg.Scheduler.Wait,
			Spread:              cfg.Scheduler.Spread,
			MaxLaunchesPerCycle: cfg.Scheduler.MaxLaunchesPerCycle,
			DeviceEnv:           cfg.Scheduler.DeviceEnv,
			Jobs: logger.JobConfig{
				Dir:        cfg.Log.JobDir,
				MaxSizeMB:  cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAgeDays: cfg.Log.MaxAgeDays,
				Compress:   cfg.Log.Compress,
			},
		},
	})
	return d, nil
}

func buildEnv(cfg *config.Config) (*env.Env, error) {
	pairs, err := cfg.JobEnv()
	if err != nil {
		return nil, err
	}
	e := env.New()
	e.FromOS()
	for _, kv := range pairs {
		k, v, _ := strings.Cut(kv, "=")
		e = e.WithSet(k, v)
	}
	return e, nil
}

// Logger is the daemon's logger, writing to the console and the event log.
func (d *Daemon) Logger() *slog.Logger { return d.log }

// Addr is the API listen address once Start has returned.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.srv == nil {
		return ""
	}
	return d.srv.Addr
}

// Start reconciles jobs left running by a previous instance, serves the API,
// starts the snapshot writer and, when configured, the dispatcher.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.srv != nil {
		return errors.New("daemon already started")
	}

	adopted, err := d.ctrl.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover running jobs: %w", err)
	}
	if adopted > 0 {
		d.log.Info("watching jobs from previous run", "count", adopted)
	}

	srv, err := iapi.NewServer(d.cfg.Server.Listen, d.cfg.Server.BasePath, d.svc)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Server.Listen, err)
	}
	d.srv = srv
	d.log.Info("api listening", "addr", srv.Addr, "base", d.cfg.Server.BasePath)

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.persist = make(chan error, 1)
	pd := &persist.Daemon{
		Slot:     d.slot,
		Store:    d.snap,
		Interval: d.cfg.Persist.Interval,
		Logger:   d.log.With("component", "persist"),
	}
	d.bg.Add(2)
	go func() {
		defer d.bg.Done()
		d.persist <- pd.Run(bgCtx)
	}()
	go func() {
		defer d.bg.Done()
		d.sweepIdle(bgCtx)
	}()

	if d.cfg.Scheduler.Autostart {
		params := service.DispatcherParams{
			Block:  d.cfg.Scheduler.Block,
			Spread: d.cfg.Scheduler.Spread,
			Wait:   d.cfg.Scheduler.Wait,
		}
		if err := d.svc.StartDispatcher(ctx, params); err != nil {
			d.log.Warn("dispatcher autostart failed", "err", err)
		} else {
			d.log.Info("dispatcher started", "spread", params.Spread, "wait", params.Wait, "block", params.Block)
		}
	}
	return nil
}

// sweepIdle records exits of jobs that finish while no dispatcher runs.
func (d *Daemon) sweepIdle(ctx context.Context) {
	t := time.NewTicker(d.cfg.Persist.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.ctrl.Sweep(ctx)
		}
	}
}

// Shutdown stops the dispatcher and the API, writes the final snapshot and
// closes every store. Running jobs are left alive for the next instance.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error

	if d.ctrl.Running() {
		if err := d.svc.StopDispatcher(); err != nil && !errors.Is(err, scheduler.ErrNotRunning) {
			errs = append(errs, fmt.Errorf("stop dispatcher: %w", err))
		}
	} else {
		d.ctrl.Sweep(ctx)
	}
	if d.srv != nil {
		if err := d.srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api shutdown: %w", err))
		}
		d.srv = nil
	}
	if d.cancel != nil {
		d.cancel()
		d.bg.Wait()
		if err := <-d.persist; err != nil {
			errs = append(errs, err)
		}
		d.cancel = nil
	}
	d.log.Info("daemon stopped")
	errs = append(errs, d.close())
	return errors.Join(errs...)
}

func (d *Daemon) close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// Run starts the daemon and blocks until ctx is done, then shuts down within
// timeout.
func (d *Daemon) Run(ctx context.Context, timeout time.Duration) error {
	if err := d.Start(ctx); err != nil {
		_ = d.close()
		return err
	}
	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return d.Shutdown(sctx)
}
