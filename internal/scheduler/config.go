// Package scheduler admits queued job scripts onto idle devices and records
// their exits. One Loop runs per dispatcher start; the Controller owns it.
package scheduler

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/loykin/maestro/internal/logger"
)

// minWait is the shortest polling interval a loop accepts. Package tests lower it.
var minWait = 30 * time.Second

const (
	DefaultWait      = 60 * time.Second
	DefaultDeviceEnv = "CUDA_VISIBLE_DEVICES"
)

var (
	ErrAlreadyRunning = errors.New("dispatcher already running")
	ErrNotRunning     = errors.New("dispatcher not running")
)

// Config holds the parameters of one loop instance. Block and Spread are fixed
// for the lifetime of the loop.
type Config struct {
	Wait                time.Duration    `json:"wait"`
	Spread              int              `json:"spread"`
	Block               []int            `json:"block,omitempty"`
	MaxLaunchesPerCycle int              `json:"max_launches_per_cycle"`
	DeviceEnv           string           `json:"device_env"`
	Jobs                logger.JobConfig `json:"-"`
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.Wait == 0 {
		c.Wait = DefaultWait
	}
	if c.Spread == 0 {
		c.Spread = 1
	}
	if c.MaxLaunchesPerCycle == 0 {
		c.MaxLaunchesPerCycle = 1
	}
	if c.DeviceEnv == "" {
		c.DeviceEnv = DefaultDeviceEnv
	}
	c.Block = slices.Clone(c.Block)
	return c
}

func (c Config) Validate() error {
	var errs []error
	if c.Wait < minWait {
		errs = append(errs, fmt.Errorf("wait must be at least %s, got %s", minWait, c.Wait))
	}
	if c.Spread < 1 {
		errs = append(errs, fmt.Errorf("spread must be >= 1, got %d", c.Spread))
	}
	if c.MaxLaunchesPerCycle < 1 {
		errs = append(errs, fmt.Errorf("max launches per cycle must be >= 1, got %d", c.MaxLaunchesPerCycle))
	}
	for _, id := range c.Block {
		if id < 0 {
			errs = append(errs, fmt.Errorf("blocked device id %d is negative", id))
		}
	}
	if c.DeviceEnv == "" {
		errs = append(errs, errors.New("device env name is empty"))
	}
	return errors.Join(errs...)
}
