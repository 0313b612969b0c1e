package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-bucket-processor/internal/config"
	"github.com/withObsrvr/obsrvr-bucket-processor/internal/logging"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

func main() {
	if err := newRootCommand(os.Stdout).ExecuteContext(context.Background()); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// app carries the state shared by every subcommand.
type app struct {
	configPath string
	dryRun     bool
	cfg        config.Config
}

func newRootCommand(out io.Writer) *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "bucket-processor",
		Short:         "Process every object in a bucket across many workers",
		Long:          "bucket-processor splits a bucket's key space into hex-prefix ranges and lets any number of workers claim, process and checkpoint them through a shared range table.",
		Version:       Version + " (" + GitSHA + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "Path to a YAML config file")
	root.PersistentFlags().BoolVar(&a.dryRun, "dry-run", false, "Enable dry run mode, nothing will be written")

	root.AddCommand(
		a.buildRangesCommand(),
		a.resetRangesCommand(),
		a.resetRangeCommand(),
		a.resetProcessingCommand(),
		a.resetFailedCommand(),
		a.listFailedCommand(),
		a.listRequeuedCommand(),
		a.runCommand(),
		a.statsCommand(),
		a.auditVerifyCommand(),
	)
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.dryRun {
		cfg.Run.DryRun = true
	}
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	a.cfg = cfg
	return nil
}
