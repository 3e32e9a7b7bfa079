// Package persist periodically writes the coordinated State to a snapshot store.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/maestro/internal/coordinator"
	"github.com/loykin/maestro/internal/job"
	"github.com/loykin/maestro/internal/metrics"
	"github.com/loykin/maestro/internal/snapshot"
)

// DefaultInterval is the time between periodic snapshots.
const DefaultInterval = 5 * time.Second

// Daemon snapshots the state every Interval and once more on shutdown.
type Daemon struct {
	Slot     *coordinator.Slot
	Store    snapshot.Store
	Interval time.Duration
	Logger   *slog.Logger
}

// Run blocks until ctx is done, then writes a final snapshot synchronously.
func (d *Daemon) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			// the parent context is gone; the final save gets its own deadline
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if err := d.SaveNow(fctx); err != nil {
				return fmt.Errorf("final snapshot: %w", err)
			}
			d.logger().Info("final snapshot written")
			return nil
		case <-t.C:
			if err := d.SaveNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger().Warn("snapshot failed", "err", err)
			}
		}
	}
}

// SaveNow takes a copy of the state, releasing it before the store write.
func (d *Daemon) SaveNow(ctx context.Context) error {
	st, err := d.Slot.View(ctx)
	if err != nil {
		metrics.IncSnapshot("error")
		return err
	}
	if err := d.Store.Save(ctx, st); err != nil {
		metrics.IncSnapshot("error")
		return err
	}
	metrics.IncSnapshot("ok")
	return nil
}

func (d *Daemon) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// LoadInitial returns the stored state, or an empty one when nothing is stored.
func LoadInitial(ctx context.Context, store snapshot.Store) (*job.State, error) {
	st, err := store.Load(ctx)
	if errors.Is(err, snapshot.ErrNotFound) {
		return job.NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return st, nil
}
