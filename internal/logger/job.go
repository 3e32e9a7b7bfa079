package logger

import (
	"fmt"
	"io"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// JobConfig describes where job stdout/stderr go. With Dir set, files are
// Dir/<name>.stdout.log and Dir/<name>.stderr.log. Rotation follows lumberjack.
type JobConfig struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Writers returns rotating writers for a job. Both are nil when Dir is empty.
func (c JobConfig) Writers(name string) (io.WriteCloser, io.WriteCloser) {
	if c.Dir == "" {
		return nil, nil
	}
	return c.writer(filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))),
		c.writer(filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name)))
}

func (c JobConfig) writer(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}
