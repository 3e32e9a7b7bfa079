package history

import (
	"context"
	"log/slog"
	"time"
)

const sendTimeout = 5 * time.Second

// Recorder writes every event to the event log and, when configured, to a sink.
// Sink failures are logged and never returned. A nil Recorder is a no-op.
type Recorder struct {
	sink Sink
	log  *slog.Logger
}

func NewRecorder(sink Sink, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sink: sink, log: log}
}

func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	attrs := []any{"event", string(e.Type), "batch", e.BatchID}
	if e.Name != "" {
		attrs = append(attrs, "name", e.Name)
	}
	if e.PID > 0 {
		attrs = append(attrs, "pid", e.PID)
	}
	if len(e.Devices) > 0 {
		attrs = append(attrs, "devices", e.Devices)
	}
	if e.ExitCode != nil {
		attrs = append(attrs, "exit_code", *e.ExitCode)
	}
	if e.Reason != "" {
		attrs = append(attrs, "reason", e.Reason)
	}
	level := slog.LevelInfo
	if e.Type == EventFailed {
		level = slog.LevelWarn
	}
	r.log.Log(ctx, level, "job "+string(e.Type), attrs...)

	if r.sink == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	if err := r.sink.Send(sctx, e); err != nil {
		r.log.Warn("history sink send failed", "event", e.ID, "err", err)
	}
}

// Close closes the sink if it supports closing.
func (r *Recorder) Close() error {
	if r == nil || r.sink == nil {
		return nil
	}
	if c, ok := r.sink.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
