// Package jobstore is the filesystem staging area for job scripts:
//
//	queue_root/queue/batch-<id>/*.sh   pending
//	queue_root/completed/              exited with status 0
//	queue_root/failed/                 failed to launch or exited non-zero
//	run_root/                          in flight (flat)
//
// Script basenames must be unique across batches that are in flight at the same
// time because the run root is flat.
package jobstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/loykin/maestro/internal/job"
)

const (
	queueDir     = "queue"
	completedDir = "completed"
	failedDir    = "failed"
	batchPrefix  = "batch-"
	scriptGlob   = "*.sh"
)

var (
	ErrNotFound = errors.New("no such file")
	ErrExists   = errors.New("destination exists")
)

// FSError describes a failed filesystem move.
type FSError struct {
	Op   string
	Path string
	Err  error
}

func (e *FSError) Error() string { return e.Op + " " + e.Path + ": " + e.Err.Error() }
func (e *FSError) Unwrap() error { return e.Err }

// Pending is a script waiting in a batch directory. BatchID is taken from the
// directory while enumerating and travels with the path from then on.
type Pending struct {
	BatchID int
	Path    string
}

// Name is the script basename, the process key within its batch.
func (p Pending) Name() string { return filepath.Base(p.Path) }

type Store struct {
	queueRoot string
	runRoot   string
}

func New(queueRoot, runRoot string) *Store {
	return &Store{queueRoot: filepath.Clean(queueRoot), runRoot: filepath.Clean(runRoot)}
}

func (s *Store) QueueRoot() string { return s.queueRoot }
func (s *Store) RunRoot() string   { return s.runRoot }

// Ensure creates the directory layout.
func (s *Store) Ensure() error {
	for _, d := range []string{
		filepath.Join(s.queueRoot, queueDir),
		filepath.Join(s.queueRoot, completedDir),
		filepath.Join(s.queueRoot, failedDir),
		s.runRoot,
	} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return &FSError{Op: "mkdir", Path: d, Err: err}
		}
	}
	return nil
}

// BatchDir returns the queue directory of batch id.
func (s *Store) BatchDir(id int) string {
	return filepath.Join(s.queueRoot, queueDir, batchPrefix+strconv.Itoa(id))
}

// CreateBatch creates the batch directory and copies files into it.
func (s *Store) CreateBatch(id int, files []string) error {
	dir := s.BatchDir(id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return &FSError{Op: "mkdir", Path: dir, Err: err}
	}
	for _, f := range files {
		dst := filepath.Join(dir, filepath.Base(f))
		if err := copyFile(f, dst); err != nil {
			return &FSError{Op: "copy", Path: f, Err: err}
		}
	}
	return nil
}

// RemoveBatch deletes the batch directory and anything still pending in it.
func (s *Store) RemoveBatch(id int) error {
	dir := s.BatchDir(id)
	if err := os.RemoveAll(dir); err != nil {
		return &FSError{Op: "remove", Path: dir, Err: err}
	}
	return nil
}

// RemovePending deletes a single pending script.
func (s *Store) RemovePending(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &FSError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

// ListPending enumerates every *.sh in every batch-* directory, sorted by path.
func (s *Store) ListPending() ([]Pending, error) {
	root := filepath.Join(s.queueRoot, queueDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &FSError{Op: "list", Path: root, Err: err}
	}
	var out []Pending
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, ok := parseBatchDir(e.Name())
		if !ok {
			continue
		}
		matches, err := filepath.Glob(filepath.Join(root, e.Name(), scriptGlob))
		if err != nil {
			return nil, &FSError{Op: "glob", Path: e.Name(), Err: err}
		}
		for _, m := range matches {
			out = append(out, Pending{BatchID: id, Path: m})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// BatchIDOf derives the owning batch id from a path produced by ListPending.
// The scheduler reads Pending.BatchID instead; this serves callers holding
// only a path.
func BatchIDOf(path string) (int, error) {
	dir := filepath.Base(filepath.Dir(path))
	id, ok := parseBatchDir(dir)
	if !ok {
		return 0, fmt.Errorf("%s is not inside a %s<id> directory", path, batchPrefix)
	}
	return id, nil
}

func parseBatchDir(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, batchPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(rest)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

// PromoteToRun moves a pending script into the run root and returns the new path.
func (s *Store) PromoteToRun(path string) (string, error) {
	return move(path, filepath.Join(s.runRoot, filepath.Base(path)), "promote")
}

// DemoteToFailed moves a script from the run root into failed/. Used when the
// launch itself fails.
func (s *Store) DemoteToFailed(runPath string) (string, error) {
	return move(runPath, filepath.Join(s.queueRoot, failedDir, filepath.Base(runPath)), "demote")
}

// Archive moves an exited script from the run root into completed/ or failed/.
// An existing file of the same name in the target is replaced.
func (s *Store) Archive(runPath string, status job.Status) (string, error) {
	dir := failedDir
	if status == job.StatusCompleted {
		dir = completedDir
	}
	dst := filepath.Join(s.queueRoot, dir, filepath.Base(runPath))
	if err := os.Rename(runPath, dst); err != nil {
		if os.IsNotExist(err) {
			return "", &FSError{Op: "archive", Path: runPath, Err: ErrNotFound}
		}
		return "", &FSError{Op: "archive", Path: runPath, Err: err}
	}
	return dst, nil
}

func move(src, dst, op string) (string, error) {
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return "", &FSError{Op: op, Path: src, Err: ErrNotFound}
		}
		return "", &FSError{Op: op, Path: src, Err: err}
	}
	if _, err := os.Lstat(dst); err == nil {
		return "", &FSError{Op: op, Path: dst, Err: ErrExists}
	}
	if err := os.Rename(src, dst); err != nil {
		return "", &FSError{Op: op, Path: src, Err: err}
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	// #nosec G304
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	// #nosec G304
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
