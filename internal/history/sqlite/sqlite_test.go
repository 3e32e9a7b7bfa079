package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/maestro/internal/history"
	"github.com/loykin/maestro/internal/job"
)

func TestSQLiteSinkSend(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "history.db")
	sink, err := New(dsn)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	b := job.NewBatch(7, "eval", []string{"a.sh"})
	p := b.Processes[0]
	if err := p.MarkRunning(100, []int{0, 2}, time.Now()); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := sink.Send(ctx, history.NewEvent(history.EventLaunched, b, p)); err != nil {
		t.Fatalf("send launched: %v", err)
	}
	if err := p.MarkExited(100, 1, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := sink.Send(ctx, history.NewEvent(history.EventFailed, b, p)); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	n, err := sink.Count(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}

	var devices string
	var exit *int
	row := sink.db.QueryRowContext(ctx, `SELECT devices, exit_code FROM job_history WHERE event = 'failed'`)
	if err := row.Scan(&devices, &exit); err != nil {
		t.Fatal(err)
	}
	if devices != "0,2" || exit == nil || *exit != 1 {
		t.Fatalf("unexpected row devices=%q exit=%v", devices, exit)
	}
}

func TestSQLiteSinkMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sink.Close() }()
	if err := sink.Send(context.Background(), history.NewEvent(history.EventDeleted, job.NewBatch(1, "", nil), nil)); err != nil {
		t.Fatal(err)
	}
}

func TestSQLiteSinkEmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}
