package maestro

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/loykin/maestro/internal/job"
	"github.com/loykin/maestro/pkg/client"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

type noDevices struct{}

func (noDevices) IdleDevices(context.Context) []int { return nil }

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	root := t.TempDir()
	cfg.Paths.SystemDir = filepath.Join(root, "sys")
	cfg.Paths.QueueRoot = filepath.Join(root, "jobs")
	cfg.Paths.RunRoot = filepath.Join(root, "jobs", "running")
	cfg.Paths.SnapshotDSN = filepath.Join(root, "sys", "state.json")
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Persist.Interval = 50 * time.Millisecond
	cfg.Scheduler.Autostart = false
	return cfg
}

func startDaemon(t *testing.T, cfg *Config) *Daemon {
	t.Helper()
	d, err := NewDaemon(context.Background(), cfg, Options{Console: io.Discard, Prober: noDevices{}})
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return d
}

func TestDaemonServesAndPersists(t *testing.T) {
	requireUnix(t)
	cfg := testConfig(t)
	src := t.TempDir()
	for _, n := range []string{"a.sh", "b.sh"} {
		if err := os.WriteFile(filepath.Join(src, n), []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	d := startDaemon(t, cfg)
	c := client.New(client.Config{BaseURL: "http://" + d.Addr() + cfg.Server.BasePath, Timeout: 5 * time.Second})
	ctx := context.Background()
	if !c.IsReachable(ctx) {
		t.Fatalf("daemon not reachable at %s", d.Addr())
	}
	b, err := c.Load(ctx, client.LoadRequest{Pattern: filepath.Join(src, "*.sh"), Label: "grid"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(b.Processes) != 2 {
		t.Fatalf("expected 2 processes, got %d", len(b.Processes))
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.QueueRoot, "queue", "batch-0", "a.sh")); err != nil {
		t.Fatalf("script not queued: %v", err)
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.Shutdown(sctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.QueueRoot, "maestro.log")); err != nil {
		t.Fatalf("event log missing: %v", err)
	}

	// a second instance starts from the snapshot
	d2 := startDaemon(t, cfg)
	defer func() { _ = d2.Shutdown(context.Background()) }()
	st, err := d2.slot.View(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got, err := st.Batch(0)
	if err != nil {
		t.Fatalf("batch not restored: %v", err)
	}
	if got.Label != "grid" || len(got.Processes) != 2 || got.Processes[0].Status != job.StatusQueued {
		t.Fatalf("state not restored: %+v", got)
	}
	if id := st.NextBatchID(); id != 1 {
		t.Fatalf("expected next batch id 1, got %d", id)
	}
}

func TestDaemonAutostart(t *testing.T) {
	requireUnix(t)
	cfg := testConfig(t)
	cfg.Scheduler.Autostart = true
	cfg.Scheduler.Wait = time.Minute

	d := startDaemon(t, cfg)
	c := client.New(client.Config{BaseURL: "http://" + d.Addr() + cfg.Server.BasePath})
	st, err := c.DispatcherStatus(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Running || st.PID != os.Getpid() || st.Wait != "1m0s" {
		t.Fatalf("unexpected dispatcher status %+v", st)
	}
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	s, err := d.settings.Load()
	if err != nil {
		t.Fatal(err)
	}
	if s.DispatcherPID != nil {
		t.Fatalf("dispatcher record not cleared: %d", *s.DispatcherPID)
	}
}

func TestNewDaemonRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Spread = 0
	if _, err := NewDaemon(context.Background(), cfg, Options{Console: io.Discard}); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := NewDaemon(context.Background(), nil, Options{}); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestNewDaemonReplacesCorruptSettings(t *testing.T) {
	requireUnix(t)
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.Paths.SystemDir, 0o750); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfg.Paths.SystemDir, "settings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	d, err := NewDaemon(context.Background(), cfg, Options{Console: io.Discard, Prober: noDevices{}})
	if err != nil {
		t.Fatalf("corrupt settings should not block startup: %v", err)
	}
	defer func() { _ = d.Shutdown(context.Background()) }()
	s, err := d.settings.Load()
	if err != nil {
		t.Fatalf("settings not rewritten: %v", err)
	}
	if s.QueueRoot != cfg.Paths.QueueRoot || s.RunRoot != cfg.Paths.RunRoot {
		t.Fatalf("roots not recorded: %+v", s)
	}
}
