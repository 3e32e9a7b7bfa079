// Package env composes the environment handed to job processes.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env is a base environment plus overrides applied to every job.
type Env struct {
	Var Var // overrides (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = parse(os.Environ())
}

// WithSet returns a copy of e with K=V added to the overrides.
func (e *Env) WithSet(k, v string) *Env {
	out := &Env{Var: make(Var, len(e.Var)+1), env: e.env}
	for kk, vv := range e.Var {
		out.Var[kk] = vv
	}
	if k != "" {
		out.Var[k] = v
	}
	return out
}

// Merge composes base, overrides, then perJob "K=V" entries, later wins.
// The result is sorted by key so it is stable across calls.
func (e *Env) Merge(perJob ...string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(perJob))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range parse(perJob) {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

// Lookup returns the value of k in a "K=V" list.
func Lookup(list []string, k string) (string, bool) {
	v, ok := parse(list)[k]
	return v, ok
}

func parse(list []string) Var {
	m := make(Var, len(list))
	for _, kv := range list {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}
