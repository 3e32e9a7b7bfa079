package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the daemon configuration read from TOML, with MAESTRO_* environment
// overrides (e.g. MAESTRO_SCHEDULER_SPREAD=2).
type Config struct {
	Paths       PathsConfig       `toml:"paths" mapstructure:"paths"`
	Server      ServerConfig      `toml:"server" mapstructure:"server"`
	Scheduler   SchedulerConfig   `toml:"scheduler" mapstructure:"scheduler"`
	Persist     PersistConfig     `toml:"persist" mapstructure:"persist"`
	History     HistoryConfig     `toml:"history" mapstructure:"history"`
	Log         LogConfig         `toml:"log" mapstructure:"log"`
	Coordinator CoordinatorConfig `toml:"coordinator" mapstructure:"coordinator"`
	Jobs        JobsConfig        `toml:"jobs" mapstructure:"jobs"`
}

type PathsConfig struct {
	SystemDir   string `toml:"system_dir" mapstructure:"system_dir"`
	QueueRoot   string `toml:"queue_root" mapstructure:"queue_root"`
	RunRoot     string `toml:"run_root" mapstructure:"run_root"`
	SnapshotDSN string `toml:"snapshot_dsn" mapstructure:"snapshot_dsn"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type SchedulerConfig struct {
	Wait                time.Duration `toml:"wait" mapstructure:"wait"`
	Spread              int           `toml:"spread" mapstructure:"spread"`
	Block               []int         `toml:"block" mapstructure:"block"`
	MaxLaunchesPerCycle int           `toml:"max_launches_per_cycle" mapstructure:"max_launches_per_cycle"`
	DeviceEnv           string        `toml:"device_env" mapstructure:"device_env"`
	ProbeCommand        []string      `toml:"probe_command" mapstructure:"probe_command"`
	Autostart           bool          `toml:"autostart" mapstructure:"autostart"`
}

type PersistConfig struct {
	Interval time.Duration `toml:"interval" mapstructure:"interval"`
}

type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	JobDir     string `toml:"job_dir" mapstructure:"job_dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type CoordinatorConfig struct {
	AcquireTimeout time.Duration `toml:"acquire_timeout" mapstructure:"acquire_timeout"`
}

// JobsConfig adds variables to every job's environment.
type JobsConfig struct {
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paths.system_dir", "~/.maestro")
	v.SetDefault("paths.queue_root", "")
	v.SetDefault("paths.run_root", "")
	v.SetDefault("paths.snapshot_dsn", "")
	v.SetDefault("server.listen", "127.0.0.1:8765")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("scheduler.wait", "60s")
	v.SetDefault("scheduler.spread", 1)
	v.SetDefault("scheduler.block", []int{})
	v.SetDefault("scheduler.max_launches_per_cycle", 1)
	v.SetDefault("scheduler.device_env", "CUDA_VISIBLE_DEVICES")
	v.SetDefault("scheduler.probe_command", []string{"nvidia-smi", "pmon", "-c", "1"})
	v.SetDefault("scheduler.autostart", false)
	v.SetDefault("persist.interval", "5s")
	v.SetDefault("history.dsn", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.job_dir", "")
	v.SetDefault("log.max_size_mb", 0)
	v.SetDefault("log.max_backups", 0)
	v.SetDefault("log.max_age_days", 0)
	v.SetDefault("log.compress", false)
	v.SetDefault("coordinator.acquire_timeout", "10s")
	v.SetDefault("jobs.env", []string{})
	v.SetDefault("jobs.env_files", []string{})
}

// Load reads path (TOML) when non-empty, applies environment overrides and
// defaults, expands "~" in paths and fills derived paths.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("MAESTRO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.resolvePaths(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) resolvePaths() error {
	var err error
	if c.Paths.SystemDir, err = ExpandHome(c.Paths.SystemDir); err != nil {
		return err
	}
	if c.Paths.QueueRoot == "" {
		c.Paths.QueueRoot = filepath.Join(c.Paths.SystemDir, "jobs")
	}
	if c.Paths.RunRoot == "" {
		c.Paths.RunRoot = filepath.Join(c.Paths.QueueRoot, "running")
	}
	if c.Paths.QueueRoot, err = ExpandHome(c.Paths.QueueRoot); err != nil {
		return err
	}
	if c.Paths.RunRoot, err = ExpandHome(c.Paths.RunRoot); err != nil {
		return err
	}
	if c.Paths.SnapshotDSN == "" {
		c.Paths.SnapshotDSN = filepath.Join(c.Paths.SystemDir, "state.json")
	}
	if c.Log.JobDir, err = ExpandHome(c.Log.JobDir); err != nil {
		return err
	}
	return nil
}

// Validate checks values that the daemon cannot start with. Scheduler limits
// are validated again by the scheduler itself.
func (c *Config) Validate() error {
	var errs []error
	if c.Paths.QueueRoot == "" {
		errs = append(errs, errors.New("paths.queue_root must be set"))
	}
	if c.Paths.RunRoot == "" {
		errs = append(errs, errors.New("paths.run_root must be set"))
	}
	if c.Scheduler.Spread < 1 {
		errs = append(errs, fmt.Errorf("scheduler.spread must be >= 1, got %d", c.Scheduler.Spread))
	}
	if c.Scheduler.MaxLaunchesPerCycle < 1 {
		errs = append(errs, fmt.Errorf("scheduler.max_launches_per_cycle must be >= 1, got %d", c.Scheduler.MaxLaunchesPerCycle))
	}
	for _, id := range c.Scheduler.Block {
		if id < 0 {
			errs = append(errs, fmt.Errorf("scheduler.block contains negative id %d", id))
		}
	}
	if len(c.Scheduler.ProbeCommand) == 0 {
		errs = append(errs, errors.New("scheduler.probe_command must not be empty"))
	}
	if c.Persist.Interval <= 0 {
		errs = append(errs, errors.New("persist.interval must be positive"))
	}
	if c.Coordinator.AcquireTimeout <= 0 {
		errs = append(errs, errors.New("coordinator.acquire_timeout must be positive"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// JobEnv returns the configured job variables: env_files in order, then env.
func (c *Config) JobEnv() ([]string, error) {
	m := make(map[string]string)
	var order []string
	set := func(k, v string) {
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = v
	}
	for _, p := range c.Jobs.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for _, kv := range pairs {
			set(kv[0], kv[1])
		}
	}
	for _, kv := range c.Jobs.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			set(k, v)
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes).
// Lines starting with # are ignored.
func loadEnvFile(path string) ([][2]string, error) {
	clean, err := ExpandHome(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	var out [][2]string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			out = append(out, [2]string{strings.TrimSpace(k), strings.TrimSpace(v)})
		}
	}
	return out, nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", p, err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
