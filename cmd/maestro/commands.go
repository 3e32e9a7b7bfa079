package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/maestro"
	"github.com/loykin/maestro/internal/gpu"
	"github.com/loykin/maestro/pkg/client"
)

const shutdownTimeout = 30 * time.Second

type command struct {
	out    io.Writer
	global *GlobalFlags
}

// apiURL picks --api-url, then the listen address of --config, then the default.
func (c command) apiURL() (string, error) {
	if c.global.APIUrl != "" {
		return c.global.APIUrl, nil
	}
	if c.global.ConfigPath == "" {
		return client.DefaultBaseURL, nil
	}
	cfg, err := maestro.LoadConfig(c.global.ConfigPath)
	if err != nil {
		return "", err
	}
	host := cfg.Server.Listen
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	return "http://" + host + cfg.Server.BasePath, nil
}

func (c command) client(ctx context.Context) (*client.Client, error) {
	url, err := c.apiURL()
	if err != nil {
		return nil, err
	}
	cl := client.New(client.Config{BaseURL: url, Timeout: c.global.APITimeout})
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - please start it first with 'maestro serve'", url)
	}
	return cl, nil
}

func (c command) Load(ctx context.Context, pattern string, f LoadFlags) error {
	abs, err := absPattern(pattern)
	if err != nil {
		return err
	}
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	b, err := cl.Load(ctx, client.LoadRequest{Pattern: abs, Label: f.Label})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "batch %d queued with %d script(s)\n", b.ID, len(b.Processes))
	return nil
}

func (c command) View(ctx context.Context, f ViewFlags) error {
	switch f.Output {
	case "", "table", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q (table, json, yaml)", f.Output)
	}
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	batches, err := cl.Batches(ctx)
	if err != nil {
		return err
	}
	switch f.Output {
	case "json":
		printJSON(c.out, batches)
	case "yaml":
		return printYAML(c.out, batches)
	default:
		printBatches(c.out, batches)
	}
	return nil
}

func (c command) Delete(ctx context.Context, args []string) error {
	ids := make([]int, 0, len(args))
	for _, a := range args {
		id, err := strconv.Atoi(a)
		if err != nil || id < 0 {
			return fmt.Errorf("invalid batch id %q", a)
		}
		ids = append(ids, id)
	}
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	res, err := cl.Delete(ctx, ids...)
	if err != nil {
		return err
	}
	for _, id := range res.Deleted {
		_, _ = fmt.Fprintf(c.out, "deleted batch %d\n", id)
	}
	for _, id := range res.Skipped {
		_, _ = fmt.Fprintf(c.out, "skipped batch %d: not found\n", id)
	}
	return nil
}

// Kill targets one process by --batch/--name, one by --pid, or a whole batch
// by --batch alone.
func (c command) Kill(ctx context.Context, f KillFlags, batchSet bool) error {
	var req client.KillRequest
	switch {
	case f.PID != 0 && (batchSet || f.Name != ""):
		return errors.New("--pid cannot be combined with --batch or --name")
	case f.PID != 0:
		req.PID = f.PID
	case !batchSet:
		return errors.New("one of --batch or --pid is required")
	case f.Name != "":
		req.BatchID = &f.Batch
		req.Name = f.Name
	default:
		req.Batch = &f.Batch
	}
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	res, err := cl.Kill(ctx, req)
	if err != nil {
		return err
	}
	for _, r := range res {
		if r.PID > 0 {
			_, _ = fmt.Fprintf(c.out, "batch %d %s (pid %d): %s\n", r.BatchID, r.Name, r.PID, r.Outcome)
		} else {
			_, _ = fmt.Fprintf(c.out, "batch %d %s: %s\n", r.BatchID, r.Name, r.Outcome)
		}
	}
	return nil
}

func (c command) DispatcherStart(ctx context.Context, f DispatcherFlags) error {
	block, err := gpu.ParseList(f.Block)
	if err != nil {
		return fmt.Errorf("invalid --block: %w", err)
	}
	req := client.DispatcherRequest{Block: block, Spread: f.Spread}
	if f.Wait > 0 {
		req.Wait = f.Wait.String()
	}
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	st, err := cl.StartDispatcher(ctx, req)
	if err != nil {
		return err
	}
	printDispatcher(c.out, st)
	return nil
}

func (c command) DispatcherStop(ctx context.Context) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	if err := cl.StopDispatcher(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "dispatcher stopped")
	return nil
}

func (c command) DispatcherStatus(ctx context.Context) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	st, err := cl.DispatcherStatus(ctx)
	if err != nil {
		return err
	}
	printDispatcher(c.out, st)
	return nil
}

// Serve runs the daemon in the foreground until SIGINT or SIGTERM, or starts
// a detached copy of itself when --daemonize is given.
func (c command) Serve(f ServeFlags) error {
	cfg, err := maestro.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if f.Daemonize {
		pid, err := daemonize(f.PidFile, f.LogFile)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "Daemon started with PID %d\n", pid)
		return nil
	}

	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := maestro.NewDaemon(ctx, cfg, maestro.Options{})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "Starting maestro on %s%s\n", cfg.Server.Listen, cfg.Server.BasePath)
	return d.Run(ctx, shutdownTimeout)
}
