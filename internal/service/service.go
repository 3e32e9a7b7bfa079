// Package service implements the operator commands: load, view, delete, kill
// and dispatcher control. Every state edit goes through the coordinator.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/loykin/maestro/internal/config"
	"github.com/loykin/maestro/internal/coordinator"
	"github.com/loykin/maestro/internal/history"
	"github.com/loykin/maestro/internal/job"
	"github.com/loykin/maestro/internal/jobstore"
	"github.com/loykin/maestro/internal/metrics"
	"github.com/loykin/maestro/internal/process"
	"github.com/loykin/maestro/internal/scheduler"
	"github.com/loykin/maestro/internal/settings"
)

var (
	// ErrNoMatch is returned by Load when the pattern matches no regular file.
	ErrNoMatch = errors.New("no files match")
	// ErrInvalidArgument marks operator input that cannot be acted on.
	ErrInvalidArgument = errors.New("invalid argument")
)

// KillOutcome describes what a kill request did to one process.
type KillOutcome string

const (
	KillQueued     KillOutcome = "killed-queued"
	KillSignalled  KillOutcome = "killed-running"
	KillGone       KillOutcome = "already-exited"
	KillNotRunning KillOutcome = "not-running"
)

type KillResult struct {
	BatchID int         `json:"batch_id"`
	Name    string      `json:"name"`
	PID     int         `json:"pid,omitempty"`
	Outcome KillOutcome `json:"outcome"`
}

// DeleteResult lists the batch ids that were removed and those that did not exist.
type DeleteResult struct {
	Deleted []int `json:"deleted"`
	Skipped []int `json:"skipped,omitempty"`
}

// DispatcherParams are the operator-chosen parameters of a dispatcher start.
type DispatcherParams struct {
	Block  []int         `json:"block,omitempty"`
	Spread int           `json:"spread,omitempty"`
	Wait   time.Duration `json:"wait,omitempty"`
}

type DispatcherStatus struct {
	Running  bool             `json:"running"`
	PID      int              `json:"pid,omitempty"`
	Params   DispatcherParams `json:"params"`
	InFlight int              `json:"in_flight"`
}

type Options struct {
	Slot       *coordinator.Slot
	Store      *jobstore.Store
	Controller *scheduler.Controller
	Settings   *settings.File
	Recorder   *history.Recorder
	Logger     *slog.Logger
	// Defaults fills scheduler fields the operator does not choose.
	Defaults scheduler.Config
}

type Service struct {
	slot     *coordinator.Slot
	store    *jobstore.Store
	ctrl     *scheduler.Controller
	settings *settings.File
	rec      *history.Recorder
	log      *slog.Logger
	defaults scheduler.Config
}

func New(o Options) *Service {
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		slot:     o.Slot,
		store:    o.Store,
		ctrl:     o.Controller,
		settings: o.Settings,
		rec:      o.Recorder,
		log:      log.With("component", "service"),
		defaults: o.Defaults,
	}
}

// Load copies every *.sh file matching pattern into a new batch and registers
// its processes as queued. Script names must be unique within the batch.
func (s *Service) Load(ctx context.Context, pattern, label string) (*job.Batch, error) {
	files, err := expand(pattern)
	if err != nil {
		return nil, err
	}

	var (
		created *job.Batch
		events  []history.Event
	)
	err = s.slot.With(ctx, func(st *job.State) error {
		id := st.NextBatchID()
		if err := s.store.CreateBatch(id, files); err != nil {
			_ = s.store.RemoveBatch(id)
			return err
		}
		b := job.NewBatch(id, label, files)
		if err := st.AddBatch(b); err != nil {
			_ = s.store.RemoveBatch(id)
			return err
		}
		for _, p := range b.Processes {
			events = append(events, history.NewEvent(history.EventQueued, b, p))
		}
		created = b.Clone()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", pattern, err)
	}
	s.log.Info("batch loaded", "batch", created.ID, "label", label, "files", len(files))
	for _, ev := range events {
		s.rec.Record(ctx, ev)
	}
	return created, nil
}

func expand(pattern string) ([]string, error) {
	p, err := config.ExpandHome(pattern)
	if err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(p)
	if err != nil {
		return nil, fmt.Errorf("%w: pattern %q: %v", ErrInvalidArgument, pattern, err)
	}
	var files []string
	seen := make(map[string]string)
	for _, m := range matches {
		if filepath.Ext(m) != ".sh" {
			continue
		}
		info, err := os.Stat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		abs, err := filepath.Abs(m)
		if err != nil {
			return nil, err
		}
		name := filepath.Base(abs)
		if prev, ok := seen[name]; ok {
			return nil, fmt.Errorf("%w: %s and %s share the name %s", ErrInvalidArgument, prev, abs, name)
		}
		seen[name] = abs
		files = append(files, abs)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMatch, pattern)
	}
	slices.Sort(files)
	return files, nil
}

// Batches returns a copy of every batch ordered by id.
func (s *Service) Batches(ctx context.Context) ([]*job.Batch, error) {
	st, err := s.slot.View(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*job.Batch, 0, len(st.Batches))
	for _, id := range st.IDs() {
		out = append(out, st.Batches[id])
	}
	return out, nil
}

// Delete forgets batches and removes their directories. Running children are
// not signalled; their exits are logged and otherwise ignored.
func (s *Service) Delete(ctx context.Context, ids []int) (DeleteResult, error) {
	var (
		res    DeleteResult
		events []history.Event
	)
	err := s.slot.With(ctx, func(st *job.State) error {
		for _, id := range ids {
			b, err := st.Batch(id)
			if err != nil {
				res.Skipped = append(res.Skipped, id)
				continue
			}
			if err := s.store.RemoveBatch(id); err != nil {
				return err
			}
			events = append(events, history.NewEvent(history.EventDeleted, b, nil))
			_ = st.DeleteBatch(id)
			res.Deleted = append(res.Deleted, id)
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	if len(res.Skipped) > 0 {
		s.log.Info("delete skipped unknown batches", "ids", res.Skipped)
	}
	for _, ev := range events {
		s.rec.Record(ctx, ev)
	}
	return res, nil
}

// KillProcess kills one process addressed by batch id and script name.
func (s *Service) KillProcess(ctx context.Context, batchID int, name string) (KillResult, error) {
	var (
		res KillResult
		ev  *history.Event
	)
	err := s.slot.With(ctx, func(st *job.State) error {
		b, err := st.Batch(batchID)
		if err != nil {
			return err
		}
		p, ok := b.Process(name)
		if !ok {
			return fmt.Errorf("process %s in batch %d: %w", name, batchID, job.ErrNotFound)
		}
		res, ev = s.kill(b, p)
		return nil
	})
	if err != nil {
		return res, err
	}
	if ev != nil {
		s.rec.Record(ctx, *ev)
	}
	return res, nil
}

// KillPID kills the tracked process that was started with pid.
func (s *Service) KillPID(ctx context.Context, pid int) (KillResult, error) {
	if pid <= 0 {
		return KillResult{}, fmt.Errorf("%w: pid %d", ErrInvalidArgument, pid)
	}
	var (
		res KillResult
		ev  *history.Event
	)
	err := s.slot.With(ctx, func(st *job.State) error {
		id, p, err := st.FindPID(pid)
		if err != nil {
			return err
		}
		b, _ := st.Batch(id)
		res, ev = s.kill(b, p)
		return nil
	})
	if err != nil {
		return res, err
	}
	if ev != nil {
		s.rec.Record(ctx, *ev)
	}
	return res, nil
}

// KillBatch kills every process of a batch and removes the batch directory so
// its pending scripts vanish from the queue.
func (s *Service) KillBatch(ctx context.Context, batchID int) ([]KillResult, error) {
	var (
		results []KillResult
		events  []history.Event
	)
	err := s.slot.With(ctx, func(st *job.State) error {
		b, err := st.Batch(batchID)
		if err != nil {
			return err
		}
		for _, p := range b.Processes {
			res, ev := s.kill(b, p)
			results = append(results, res)
			if ev != nil {
				events = append(events, *ev)
			}
		}
		return s.store.RemoveBatch(batchID)
	})
	if err != nil {
		return results, err
	}
	s.log.Info("batch killed", "batch", batchID)
	for _, ev := range events {
		s.rec.Record(ctx, ev)
	}
	return results, nil
}

// kill applies the kill policy to p. It runs inside the critical section.
func (s *Service) kill(b *job.Batch, p *job.Process) (KillResult, *history.Event) {
	res := KillResult{BatchID: b.ID, Name: p.Name, PID: p.PIDValue()}
	log := s.log.With("batch", b.ID, "name", p.Name)
	now := time.Now()

	switch p.Status {
	case job.StatusQueued:
		if err := p.Kill(now); err != nil {
			log.Warn("kill queued process", "err", err)
			res.Outcome = KillNotRunning
			return res, nil
		}
		res.Outcome = KillQueued
	case job.StatusRunning:
		if err := process.KillGroup(p.PIDValue()); err != nil {
			if errors.Is(err, process.ErrNoProcess) {
				log.Info("process already exited", "pid", p.PIDValue())
				res.Outcome = KillGone
				return res, nil
			}
			log.Warn("signal process", "pid", p.PIDValue(), "err", err)
			res.Outcome = KillNotRunning
			return res, nil
		}
		if err := p.Kill(now); err != nil {
			log.Warn("mark killed", "err", err)
		}
		res.Outcome = KillSignalled
	default:
		res.Outcome = KillNotRunning
		return res, nil
	}
	metrics.IncKill()
	ev := history.NewEvent(history.EventKilled, b, p)
	return res, &ev
}

// StartDispatcher records this daemon as the dispatcher and starts the loop.
func (s *Service) StartDispatcher(ctx context.Context, params DispatcherParams) error {
	cfg := s.defaults
	cfg.Block = slices.Clone(params.Block)
	if params.Spread != 0 {
		cfg.Spread = params.Spread
	}
	if params.Wait != 0 {
		cfg.Wait = params.Wait
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if s.ctrl.Running() {
		return scheduler.ErrAlreadyRunning
	}

	pid := os.Getpid()
	if s.settings != nil {
		if err := s.settings.ClaimDispatcher(pid); err != nil {
			return err
		}
	}
	if err := s.ctrl.Start(ctx, cfg); err != nil {
		if s.settings != nil && !errors.Is(err, scheduler.ErrAlreadyRunning) {
			_ = s.settings.ReleaseDispatcher(pid)
		}
		return err
	}
	return nil
}

// StopDispatcher stops the loop and clears the dispatcher record.
func (s *Service) StopDispatcher() error {
	if err := s.ctrl.Stop(); err != nil {
		return err
	}
	if s.settings != nil {
		if err := s.settings.ReleaseDispatcher(os.Getpid()); err != nil {
			s.log.Warn("clear dispatcher record", "err", err)
		}
	}
	return nil
}

func (s *Service) DispatcherStatus() DispatcherStatus {
	cfg, running := s.ctrl.Params()
	st := DispatcherStatus{Running: running, InFlight: s.ctrl.InFlight()}
	if running {
		st.PID = os.Getpid()
		st.Params = DispatcherParams{Block: cfg.Block, Spread: cfg.Spread, Wait: cfg.Wait}
	}
	return st
}
