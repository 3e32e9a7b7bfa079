// Package settings keeps the durable queue/run roots and the pid of the
// daemon that currently runs a scheduler loop.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/maestro/internal/process"
)

const FileName = "settings.json"

var (
	ErrDispatcherActive = errors.New("another dispatcher is active")
	// ErrCorrupt marks a settings file that exists but does not parse.
	ErrCorrupt = errors.New("corrupt settings")
)

type Settings struct {
	QueueRoot     string `json:"queue_root"`
	RunRoot       string `json:"run_root"`
	DispatcherPID *int   `json:"dispatcher_pid"`
	// DispatcherStarted is the OS start time of DispatcherPID, used to tell
	// the dispatcher apart from a later process reusing its pid.
	DispatcherStarted *time.Time `json:"dispatcher_started,omitempty"`
}

// File is the settings record under a system directory.
type File struct {
	path string
	mu   sync.Mutex
}

func Open(systemDir string) *File {
	return &File{path: filepath.Join(systemDir, FileName)}
}

func (f *File) Path() string { return f.path }

// Load returns the stored settings. A missing file yields zero settings; an
// unparsable one yields an error wrapping ErrCorrupt.
func (f *File) Load() (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *File) load() (Settings, error) {
	var s Settings
	b, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return Settings{}, fmt.Errorf("%w: parse %s: %v", ErrCorrupt, f.path, err)
	}
	return s, nil
}

// loadForWrite is load with a corrupt file read as zero settings, so the next
// save replaces it.
func (f *File) loadForWrite() (Settings, error) {
	s, err := f.load()
	if errors.Is(err, ErrCorrupt) {
		return Settings{}, nil
	}
	return s, err
}

func (f *File) save(s Settings) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o750); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// Update applies fn to the stored settings and writes them back. A corrupt
// file is overwritten.
func (f *File) Update(fn func(*Settings)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.loadForWrite()
	if err != nil {
		return err
	}
	fn(&s)
	return f.save(s)
}

// SetRoots records the queue and run roots.
func (f *File) SetRoots(queueRoot, runRoot string) error {
	return f.Update(func(s *Settings) {
		s.QueueRoot = queueRoot
		s.RunRoot = runRoot
	})
}

// ClaimDispatcher records pid and its start time as the active dispatcher.
// It fails when a different dispatcher is still alive; a record whose pid now
// belongs to another process is taken over.
func (f *File) ClaimDispatcher(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.loadForWrite()
	if err != nil {
		return err
	}
	if s.DispatcherPID != nil && *s.DispatcherPID != pid && s.DispatcherAlive() {
		return fmt.Errorf("%w: pid %d", ErrDispatcherActive, *s.DispatcherPID)
	}
	s.DispatcherPID = &pid
	s.DispatcherStarted = nil
	if st := process.StartTime(pid); !st.IsZero() {
		s.DispatcherStarted = &st
	}
	return f.save(s)
}

// ReleaseDispatcher clears the recorded dispatcher if it is pid.
func (f *File) ReleaseDispatcher(pid int) error {
	return f.Update(func(s *Settings) {
		if s.DispatcherPID != nil && *s.DispatcherPID == pid {
			s.DispatcherPID = nil
			s.DispatcherStarted = nil
		}
	})
}

// DispatcherAlive reports whether the recorded dispatcher is still running:
// its pid is live and, when a start time was recorded, started at that time.
func (s Settings) DispatcherAlive() bool {
	if s.DispatcherPID == nil {
		return false
	}
	var started time.Time
	if s.DispatcherStarted != nil {
		started = *s.DispatcherStarted
	}
	pid := *s.DispatcherPID
	return process.Alive(pid) && process.SameProcess(pid, started)
}
