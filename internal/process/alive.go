package process

import (
	"slices"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Alive reports whether pid names a live, non-zombie process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	if err != nil || !ok {
		return false
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	st, err := p.Status()
	if err != nil {
		return true
	}
	return !slices.Contains(st, gopsproc.Zombie)
}

// startSkew bounds the gap between a recorded launch time and the OS start
// time of the same process.
const startSkew = 5 * time.Second

// SameProcess reports whether the live pid is the process launched at
// startedAt rather than a later process that reused the pid. An unknown start
// time on either side counts as a match.
func SameProcess(pid int, startedAt time.Time) bool {
	if startedAt.IsZero() {
		return true
	}
	start := procStartUnix(pid)
	if start == 0 {
		return true
	}
	d := time.Unix(start, 0).Sub(startedAt.Truncate(time.Second))
	return d >= -startSkew && d <= startSkew
}

// StartTime is the OS start time of pid at second resolution, or the zero
// time when it cannot be read.
func StartTime(pid int) time.Time {
	if s := procStartUnix(pid); s > 0 {
		return time.Unix(s, 0)
	}
	return time.Time{}
}
