// Package gpu finds compute devices with no running processes.
package gpu

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/maestro/internal/metrics"
)

// DefaultCommand is the one-shot per-process monitor.
var DefaultCommand = []string{"nvidia-smi", "pmon", "-c", "1"}

const (
	defaultTimeout = 30 * time.Second
	noPID          = "-"
)

var errMalformed = errors.New("malformed monitor output")

// Runner executes the monitor command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs the command with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	// #nosec G204
	return exec.CommandContext(ctx, name, args...).Output()
}

type Prober struct {
	Runner  Runner
	Command []string
	Block   []int
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewProber returns a prober using nvidia-smi with the given block-list.
func NewProber(block []int) *Prober {
	return &Prober{Runner: ExecRunner{}, Command: DefaultCommand, Block: block}
}

// IdleDevices returns sorted ids of devices with no process, minus the block-list.
// Any failure yields an empty set.
func (p *Prober) IdleDevices(ctx context.Context) []int {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	cmd := p.Command
	if len(cmd) == 0 {
		cmd = DefaultCommand
	}
	runner := p.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := runner.Run(cctx, cmd[0], cmd[1:]...)
	if err != nil {
		metrics.IncProbeFailure()
		log.Warn("device probe failed", "cmd", strings.Join(cmd, " "), "err", err)
		return []int{}
	}
	idle, err := ParseIdle(out)
	if err != nil {
		metrics.IncProbeFailure()
		log.Warn("device probe output unusable", "err", err)
		return []int{}
	}
	idle = Subtract(idle, p.Block)
	metrics.SetIdleDevices(len(idle))
	return idle
}

// ParseIdle reads pmon output: '#' lines are headers, every other non-empty line
// starts with "<gpu> <pid>". A device is idle when all its rows carry "-" as pid.
func ParseIdle(out []byte) ([]int, error) {
	busy := map[int]bool{}
	var order []int
	rows := 0
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		f := strings.Fields(line)
		if len(f) < 2 {
			return nil, fmt.Errorf("%w: %q", errMalformed, line)
		}
		id, err := strconv.Atoi(f[0])
		if err != nil || id < 0 {
			return nil, fmt.Errorf("%w: bad device id %q", errMalformed, f[0])
		}
		rows++
		if _, seen := busy[id]; !seen {
			busy[id] = false
			order = append(order, id)
		}
		if f[1] != noPID {
			busy[id] = true
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: no device rows", errMalformed)
	}
	idle := make([]int, 0, len(order))
	for _, id := range order {
		if !busy[id] {
			idle = append(idle, id)
		}
	}
	slices.Sort(idle)
	return idle, nil
}

// Subtract removes blocked ids from ids, keeping order.
func Subtract(ids, blocked []int) []int {
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(blocked, id) {
			out = append(out, id)
		}
	}
	return out
}

// Select takes up to n ids from the front of idle.
func Select(idle []int, n int) []int {
	if n > len(idle) {
		n = len(idle)
	}
	if n < 0 {
		n = 0
	}
	return slices.Clone(idle[:n])
}

// Join formats ids for a device-visibility variable.
func Join(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// ParseList reads a comma-separated id list such as "0,3". Blank yields nil.
func ParseList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("invalid device id %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}
