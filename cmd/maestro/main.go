package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/maestro/pkg/client"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with every subcommand writing to out.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	mc := command{out: out, global: globalFlags}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createServeCommand(mc, globalFlags),
		createLoadCommand(mc),
		createViewCommand(mc),
		createDeleteCommand(mc),
		createKillCommand(mc),
		createDispatcherCommand(mc),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "maestro",
		Short: "GPU job queue and dispatcher",
		Long: `Maestro queues shell scripts in batches and runs them on idle GPUs,
one script per free device slot, through a background daemon.

Examples:
  maestro serve --config maestro.toml
  maestro load './sweep/*.sh' --label lr-sweep
  maestro dispatcher start --spread 1 --wait 60s --block 0
  maestro view
  maestro kill --batch 0 --name run3.sh`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API base URL (default from --config or "+client.DefaultBaseURL+")")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "daemon API request timeout")
	return root
}

func createServeCommand(mc command, globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the maestro daemon",
		Long: `Start the maestro daemon: the HTTP API, the snapshot writer and, when
scheduler.autostart is set, the dispatcher.

Examples:
  maestro serve                       # defaults, state under ~/.maestro
  maestro serve maestro.toml
  maestro serve --daemonize --pidfile /tmp/maestro.pid --logfile /tmp/maestro.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return mc.Serve(*serveFlags)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func createLoadCommand(mc command) *cobra.Command {
	f := &LoadFlags{}
	cmd := &cobra.Command{
		Use:   "load <glob>",
		Short: "Queue every *.sh file matching glob as a new batch",
		Long: `Queue scripts as a new batch. Quote the glob so the daemon expands it;
relative globs are resolved against the current directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mc.Load(cmd.Context(), args[0], *f)
		},
	}
	cmd.Flags().StringVar(&f.Label, "label", "", "free-form batch label")
	return cmd
}

func createViewCommand(mc command) *cobra.Command {
	f := &ViewFlags{}
	cmd := &cobra.Command{
		Use:   "view",
		Short: "Show batches and their processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return mc.View(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVarP(&f.Output, "output", "o", "table", "output format: table, json or yaml")
	return cmd
}

func createDeleteCommand(mc command) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Remove batches from history",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mc.Delete(cmd.Context(), args)
		},
	}
}

func createKillCommand(mc command) *cobra.Command {
	f := &KillFlags{}
	cmd := &cobra.Command{
		Use:   "kill",
		Short: "Kill a process or a whole batch",
		Long: `Kill a queued or running process.

Examples:
  maestro kill --batch 2 --name train.sh   # one process
  maestro kill --pid 41235                 # one process by pid
  maestro kill --batch 2                   # every process of batch 2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return mc.Kill(cmd.Context(), *f, cmd.Flags().Changed("batch"))
		},
	}
	cmd.Flags().IntVar(&f.Batch, "batch", 0, "batch id")
	cmd.Flags().StringVar(&f.Name, "name", "", "script name within the batch")
	cmd.Flags().IntVar(&f.PID, "pid", 0, "process id")
	return cmd
}

func createDispatcherCommand(mc command) *cobra.Command {
	f := &DispatcherFlags{}
	cmd := &cobra.Command{
		Use:   "dispatcher",
		Short: "Control the dispatcher loop",
	}
	start := &cobra.Command{
		Use:   "start",
		Short: "Start dispatching queued scripts to idle devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return mc.DispatcherStart(cmd.Context(), *f)
		},
	}
	start.Flags().StringVar(&f.Block, "block", "", "device ids never to use, e.g. 0,3")
	start.Flags().IntVar(&f.Spread, "spread", 0, "devices per job (default from config)")
	start.Flags().DurationVar(&f.Wait, "wait", 0, "pause between cycles, at least 30s (default from config)")

	cmd.AddCommand(start,
		&cobra.Command{
			Use:   "stop",
			Short: "Stop the dispatcher; running jobs continue",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return mc.DispatcherStop(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show whether the dispatcher runs and with which parameters",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return mc.DispatcherStatus(cmd.Context())
			},
		},
	)
	return cmd
}
