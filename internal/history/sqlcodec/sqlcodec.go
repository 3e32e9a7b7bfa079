// Package sqlcodec flattens history events into SQL column values shared by the
// relational sinks.
package sqlcodec

import (
	"github.com/loykin/maestro/internal/gpu"
	"github.com/loykin/maestro/internal/history"
)

// Args returns values for (id, occurred_at, event, batch_id, label, name, pid,
// devices, exit_code, reason).
func Args(e history.Event) []any {
	var exit any
	if e.ExitCode != nil {
		exit = *e.ExitCode
	}
	return []any{
		e.ID,
		e.OccurredAt.UTC(),
		string(e.Type),
		e.BatchID,
		e.Label,
		e.Name,
		e.PID,
		gpu.Join(e.Devices),
		exit,
		e.Reason,
	}
}
