package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestJobWritersWithDir(t *testing.T) {
	dir := t.TempDir()
	outW, errW := JobConfig{Dir: dir}.Writers("train.sh")
	if outW == nil || errW == nil {
		t.Fatalf("expected both writers non-nil when Dir is set")
	}
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)
	for _, p := range []string{"train.sh.stdout.log", "train.sh.stderr.log"} {
		if _, err := os.Stat(filepath.Join(dir, p)); err != nil {
			t.Fatalf("log not created at %s: %v", p, err)
		}
	}
}

func TestJobWritersDefaults(t *testing.T) {
	outW, errW := JobConfig{}.Writers("n")
	if outW != nil || errW != nil {
		t.Fatalf("expected nil writers without Dir")
	}
	outW, _ = JobConfig{Dir: t.TempDir()}.Writers("n")
	l, ok := outW.(*lj.Logger)
	if !ok {
		t.Fatalf("expected lumberjack writer, got %T", outW)
	}
	if l.MaxSize != DefaultMaxSizeMB || l.MaxBackups != DefaultMaxBackups || l.MaxAge != DefaultMaxAgeDays {
		t.Fatalf("defaults not applied: %+v", l)
	}
}

func TestNewWritesConsoleAndEventLog(t *testing.T) {
	var console bytes.Buffer
	eventLog := filepath.Join(t.TempDir(), "q", EventLogName)
	log, closer, err := New(Config{Level: "info", EventLog: eventLog}, &console)
	if err != nil {
		t.Fatal(err)
	}
	log.Info("job launched", "batch", 0, "name", "a.sh")
	log.Debug("hidden")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(console.String(), "job launched") {
		t.Fatalf("console missing record: %q", console.String())
	}
	b, err := os.ReadFile(eventLog)
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	if !strings.Contains(s, "job launched") || !strings.Contains(s, "name=a.sh") || !strings.Contains(s, "time=") {
		t.Fatalf("event log missing timestamped record: %q", s)
	}
	if strings.Contains(s, "hidden") {
		t.Fatalf("debug record should be filtered at info")
	}
}

func TestNewJSONConsole(t *testing.T) {
	var console bytes.Buffer
	log, closer, err := New(Config{Format: "json", Level: "debug"}, &console)
	if err != nil {
		t.Fatal(err)
	}
	defer closeIf(closer)
	log.Debug("probe", "idle", 2)
	if !strings.HasPrefix(console.String(), "{") {
		t.Fatalf("expected json output, got %q", console.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestMultiHandlerWithAttrs(t *testing.T) {
	var a, b bytes.Buffer
	h := NewMultiHandler(
		slog.NewTextHandler(&a, nil),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	)
	log := slog.New(h).With("component", "scheduler")
	log.Info("cycle")
	if !strings.Contains(a.String(), "component=scheduler") {
		t.Fatalf("attrs not propagated: %q", a.String())
	}
	if b.Len() != 0 {
		t.Fatalf("error-level handler should not get info records")
	}
}
