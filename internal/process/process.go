// Package process starts job scripts as detached children and tracks their exit.
package process

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	// ErrPermission is returned by Start when the script is not executable.
	ErrPermission = errors.New("permission denied")
	// ErrNoProcess is returned when a signalled pid no longer exists.
	ErrNoProcess = errors.New("no such process")
)

// Spec describes one launch. The script is executed directly with no arguments.
type Spec struct {
	Path   string
	Env    []string // full environment of the child
	Dir    string
	Stdout io.WriteCloser
	Stderr io.WriteCloser
}

// Handle tracks a started or adopted process.
type Handle struct {
	pid      int
	started  time.Time
	waitDone chan struct{} // closed when the process has exited

	mu       sync.Mutex
	exitCode int
	exitErr  error
	closers  []io.Closer
}

// Start spawns spec.Path in a new session. A goroutine reaps the child and
// closes the done channel, so callers can poll without blocking.
func Start(spec Spec) (*Handle, error) {
	// #nosec G204
	cmd := exec.Command(spec.Path)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	configureSysProcAttr(cmd)

	h := &Handle{waitDone: make(chan struct{})}
	if spec.Stdout != nil {
		cmd.Stdout = spec.Stdout
		h.closers = append(h.closers, spec.Stdout)
	}
	if spec.Stderr != nil {
		cmd.Stderr = spec.Stderr
		h.closers = append(h.closers, spec.Stderr)
	}
	if cmd.Stdout == nil || cmd.Stderr == nil {
		null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err == nil {
			if cmd.Stdout == nil {
				cmd.Stdout = null
			}
			if cmd.Stderr == nil {
				cmd.Stderr = null
			}
			h.closers = append(h.closers, null)
		}
	}

	if err := cmd.Start(); err != nil {
		h.closeWriters()
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("start %s: %w: %v", spec.Path, ErrPermission, err)
		}
		return nil, fmt.Errorf("start %s: %w", spec.Path, err)
	}
	h.pid = cmd.Process.Pid
	h.started = time.Now()

	go func() {
		err := cmd.Wait()
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		h.finish(code, err)
	}()
	return h, nil
}

// Adopt tracks a pid that is not our child, such as a job left running by a
// previous daemon. Its exit code cannot be observed, so it is reported as -1
// once the pid disappears.
func Adopt(pid int, interval time.Duration) *Handle {
	if interval <= 0 {
		interval = time.Second
	}
	h := &Handle{pid: pid, started: time.Now(), waitDone: make(chan struct{})}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			if !Alive(pid) {
				h.finish(-1, fmt.Errorf("adopted pid %d exited with unknown status", pid))
				return
			}
			<-t.C
		}
	}()
	return h
}

func (h *Handle) finish(code int, err error) {
	h.mu.Lock()
	h.exitCode = code
	h.exitErr = err
	h.mu.Unlock()
	h.closeWriters()
	close(h.waitDone)
}

func (h *Handle) closeWriters() {
	h.mu.Lock()
	cs := h.closers
	h.closers = nil
	h.mu.Unlock()
	for _, c := range cs {
		_ = c.Close()
	}
}

func (h *Handle) PID() int { return h.pid }

func (h *Handle) StartedAt() time.Time { return h.started }

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} { return h.waitDone }

// Exited reports the exit code without blocking. ok is false while running.
// Signals and unknown exits report -1.
func (h *Handle) Exited() (code int, ok bool) {
	select {
	case <-h.waitDone:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exitCode, true
	default:
		return 0, false
	}
}

// Err is the error from the wait, nil for a clean exit.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}
