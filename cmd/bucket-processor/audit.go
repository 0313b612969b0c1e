package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-bucket-processor/internal/audit"
	"github.com/withObsrvr/obsrvr-bucket-processor/internal/logging"
)

// auditDir returns the configured audit dir, or the "audit" directory inside
// the instance log directory.
func (a *app) auditDir(instance string) (string, error) {
	if a.cfg.Audit.Dir != "" {
		return a.cfg.Audit.Dir, nil
	}
	logDir, err := logging.InstanceDir(a.cfg.Run.LogDir, instance)
	if err != nil {
		return "", err
	}
	return filepath.Join(logDir, "audit"), nil
}

func (a *app) auditVerifyCommand() *cobra.Command {
	var instance string
	cmd := &cobra.Command{
		Use:   "audit-verify",
		Short: "Check the range transition audit log for edited or missing events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("instance") {
				instance = a.cfg.Run.Instance
			}
			dir, err := a.auditDir(instance)
			if err != nil {
				return err
			}
			events, err := audit.LoadEvents(dir)
			if err != nil {
				return err
			}
			res, err := audit.Verify(events)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Verified %d events in %d chains\n", res.Events, res.Chains)
			return nil
		},
	}
	cmd.Flags().StringVarP(&instance, "instance", "i", "", "Instance name")
	return cmd
}
