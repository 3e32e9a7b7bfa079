package env

import (
	"strings"
	"testing"
)

func TestMergeOrderAndOverride(t *testing.T) {
	t.Setenv("MAESTRO_ENV_TEST", "os")
	e := New().WithSet("MAESTRO_ENV_TEST", "global").WithSet("EXTRA", "1")
	out := e.Merge("CUDA_VISIBLE_DEVICES=1,2", "MAESTRO_ENV_TEST=job", "=bad", "novalue")

	if v, _ := Lookup(out, "MAESTRO_ENV_TEST"); v != "job" {
		t.Fatalf("per-job entry should win, got %q", v)
	}
	if v, _ := Lookup(out, "CUDA_VISIBLE_DEVICES"); v != "1,2" {
		t.Fatalf("device entry missing, got %q", v)
	}
	if v, ok := Lookup(out, "EXTRA"); !ok || v != "1" {
		t.Fatalf("override missing")
	}
	for i := 1; i < len(out); i++ {
		if strings.SplitN(out[i-1], "=", 2)[0] > strings.SplitN(out[i], "=", 2)[0] {
			t.Fatalf("output not sorted at %d", i)
		}
	}
	for _, kv := range out {
		if strings.HasPrefix(kv, "=") {
			t.Fatalf("empty key leaked: %q", kv)
		}
	}
}

func TestWithSetDoesNotMutate(t *testing.T) {
	base := New()
	_ = base.WithSet("A", "1")
	if len(base.Var) != 0 {
		t.Fatalf("WithSet must copy")
	}
}

func FuzzMerge(f *testing.F) {
	f.Add("A=1\nB=2", "C=3")
	f.Add("FOO=bar", "FOO=baz")
	f.Add("=x", "y")
	f.Fuzz(func(t *testing.T, global, per string) {
		e := New()
		for _, kv := range strings.Split(global, "\n") {
			if k, v, ok := strings.Cut(kv, "="); ok {
				e = e.WithSet(k, v)
			}
		}
		for _, kv := range e.Merge(strings.Split(per, "\n")...) {
			if !strings.Contains(kv, "=") || strings.HasPrefix(kv, "=") {
				t.Fatalf("bad pair: %q", kv)
			}
		}
	})
}
