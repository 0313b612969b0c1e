package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-bucket-processor/internal/ranges"
)

func (a *app) buildRangesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "build-ranges <prefix-length>",
		Short: "Wipe the range table and rebuild the ranges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			length, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("prefix length must be an integer: %w", err)
			}
			store, m, err := a.openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			n, err := m.BuildRanges(cmd.Context(), length, func(done, total int) {
				fmt.Fprintf(out, "\rBuilding ranges: %s/%s", humanize.Comma(int64(done)), humanize.Comma(int64(total)))
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			if a.cfg.Run.DryRun {
				fmt.Fprintf(out, "Dry run: %s ranges would be built\n", humanize.Comma(int64(n)))
			}
			return nil
		},
	}
}

func (a *app) resetRangesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-ranges",
		Short: "Reset all ranges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, m, err := a.openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			fmt.Fprintln(cmd.OutOrStdout(), "Resetting all ranges...")
			n, err := m.ResetAllRanges(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d ranges were reset\n", n)
			return nil
		},
	}
}

func (a *app) resetRangeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-range <prefix>",
		Short: "Reset a single range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, m, err := a.openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			if err := m.ResetRange(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Range %s was reset\n", args[0])
			return nil
		},
	}
}

func (a *app) resetProcessingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-processing",
		Short: "Reset all ranges that are flagged as processing. USE WITH CARE.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, m, err := a.openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			fmt.Fprintln(cmd.OutOrStdout(), "Resetting processing ranges...")
			n, err := m.ResetProcessingRanges(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %d ranges\n", n)
			return nil
		},
	}
}

func (a *app) resetFailedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-failed",
		Short: "Reset failed ranges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, m, err := a.openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			fmt.Fprintln(cmd.OutOrStdout(), "Resetting failed ranges...")
			n, err := m.ResetFailedRanges(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %d ranges\n", n)
			return nil
		},
	}
}

func (a *app) listFailedCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list-failed",
		Short: "List failed ranges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, m, err := a.openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			rows, err := m.ListFailedRanges(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No failed ranges were found")
				return nil
			}
			renderSummaries(cmd.OutOrStdout(), rows)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of ranges to list (0 for all)")
	return cmd
}

func (a *app) listRequeuedCommand() *cobra.Command {
	var minutes int
	cmd := &cobra.Command{
		Use:   "list-requeued",
		Short: "List ranges that were requeued within the last --minutes minutes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, m, err := a.openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			rows, err := m.ListRequeuedRanges(cmd.Context(), minutes)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No requeued ranges were found")
				return nil
			}
			renderSummaries(cmd.OutOrStdout(), rows)
			return nil
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", 30, "Trailing window in minutes")
	return cmd
}

func renderSummaries(w io.Writer, rows []ranges.Summary) {
	t := tablewriter.NewWriter(w)
	t.SetHeader([]string{"prefix", "updatedAt", "hostname", "error"})
	t.SetAutoWrapText(false)
	for _, r := range rows {
		t.Append([]string{r.Prefix, r.UpdatedAt.UTC().Format("2006-01-02 15:04:05"), r.Hostname, r.Error})
	}
	t.Render()
}
