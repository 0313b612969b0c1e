package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-bucket-processor/internal/logging"
	"github.com/withObsrvr/obsrvr-bucket-processor/internal/stats"
)

func (a *app) statsCommand() *cobra.Command {
	var instance string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the last stats report written by a worker instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("instance") {
				instance = a.cfg.Run.Instance
			}
			dir, err := logging.InstanceDir(a.cfg.Run.LogDir, instance)
			if err != nil {
				return err
			}
			snap, err := stats.LoadSnapshot(dir)
			if errors.Is(err, stats.ErrNoSnapshot) {
				fmt.Fprintf(cmd.OutOrStdout(), "No stats found in %s\n", dir)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s, updated %s\n", snap.RunID, snap.Timestamp.Format("2006-01-02 15:04:05"))
			fmt.Fprint(cmd.OutOrStdout(), stats.Render(*snap))
			return nil
		},
	}
	cmd.Flags().StringVarP(&instance, "instance", "i", "", "Instance name")
	return cmd
}
