package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-bucket-processor/internal/audit"
	"github.com/withObsrvr/obsrvr-bucket-processor/internal/logging"
	"github.com/withObsrvr/obsrvr-bucket-processor/internal/metrics"
	"github.com/withObsrvr/obsrvr-bucket-processor/internal/policy"
	"github.com/withObsrvr/obsrvr-bucket-processor/internal/processor"
	"github.com/withObsrvr/obsrvr-bucket-processor/internal/source"
	"github.com/withObsrvr/obsrvr-bucket-processor/internal/stats"
)

func (a *app) runCommand() *cobra.Command {
	var (
		batchSize  int
		instance   string
		hostname   string
		policyName string
		noReport   bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Claim and process ranges until none are left",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("batch-size") {
				a.cfg.Run.BatchSize = batchSize
			}
			if flags.Changed("instance") {
				a.cfg.Run.Instance = instance
			}
			if flags.Changed("hostname") {
				a.cfg.Run.Hostname = hostname
			}
			if flags.Changed("policy") {
				a.cfg.Policy.Name = policyName
			}
			if noReport {
				a.cfg.Run.NoReport = true
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return a.run(ctx, cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&batchSize, "batch-size", 1000, "Maximum number of items to list in one request")
	flags.StringVarP(&instance, "instance", "i", "", "Instance name")
	flags.StringVar(&hostname, "hostname", "", "Worker hostname (defaults to the machine hostname)")
	flags.StringVar(&policyName, "policy", "", "Processing policy (count or inventory)")
	flags.BoolVar(&noReport, "no-report", false, "Hide the processing report")
	return cmd
}

func (a *app) run(ctx context.Context, out io.Writer) error {
	cfg := a.cfg
	if cfg.Run.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve hostname: %w", err)
		}
		cfg.Run.Hostname = h
	}

	runID := logging.NewRunID()
	ctx = logging.WithRunID(ctx, runID)
	log := logging.WorkerLogger(cfg.Run.Hostname, cfg.Run.Instance).With("run_id", runID)
	log.Info("starting bucket processor",
		"version", Version,
		"git_sha", GitSHA,
		"policy", cfg.Policy.Name,
		"dry_run", cfg.Run.DryRun,
	)

	store, manager, err := a.openManager(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	lister, err := source.Open(ctx, a.sourceConfig())
	if err != nil {
		return err
	}
	defer lister.Close()

	pol, closePolicy, err := a.openPolicy(ctx)
	if err != nil {
		return err
	}
	defer closePolicy()

	logDir, err := logging.InstanceDir(cfg.Run.LogDir, cfg.Run.Instance)
	if err != nil {
		return err
	}
	artifacts, err := stats.NewFileArtifacts(logDir)
	if err != nil {
		return err
	}
	var display io.Writer
	if !cfg.Run.NoReport {
		display = out
	}
	reporter := stats.NewReporter(stats.Config{
		RunID:    runID,
		Hostname: cfg.Run.Hostname,
		Instance: cfg.Run.Instance,
		Interval: cfg.Run.ReportInterval,
		Display:  display,
	}, artifacts, stats.WithLogger(log.With("component", "stats")))

	auditDir, err := a.auditDir(cfg.Run.Instance)
	if err != nil {
		return err
	}
	auditor, err := audit.New(audit.Config{
		Enabled:  cfg.Audit.Enabled,
		Endpoint: cfg.Audit.Endpoint,
		Dir:      auditDir,
		Table:    cfg.Store.Table,
		Producer: audit.ProducerInfo{Name: "bucket-processor", Version: Version, GitSHA: GitSHA},
	})
	if err != nil {
		return err
	}
	defer auditor.Close()

	opts := []processor.Option{
		processor.WithReporter(reporter),
		processor.WithLogger(log),
		processor.WithAuditor(auditor),
	}

	g, gctx := errgroup.WithContext(ctx)
	serverCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, processor.WithMetrics(metrics.New(cfg.Metrics.Namespace, reg)))
		g.Go(func() error {
			log.Info("serving metrics", "address", cfg.Metrics.Address)
			return metrics.StartServer(serverCtx, cfg.Metrics.Address, reg)
		})
	}

	proc, err := processor.New(processor.Config{
		Hostname:      cfg.Run.Hostname,
		Instance:      cfg.Run.Instance,
		BatchSize:     cfg.Run.BatchSize,
		StopOnFailure: cfg.Run.StopOnErrors || policy.StopOnErrors(pol),
	}, store, manager, lister, pol, opts...)
	if err != nil {
		return err
	}

	g.Go(func() error {
		defer stopServer()
		sum, err := proc.RunAll(gctx)
		log.Info("processing run finished",
			"ranges", sum.Ranges,
			"processed", sum.Processed,
			"failed", sum.Failed,
			"requeued", sum.Requeued,
		)
		return err
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		slog.Info("shutdown complete, claimed range left for resume")
		return nil
	}
	return err
}
