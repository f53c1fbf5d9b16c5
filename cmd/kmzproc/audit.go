package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/kmzproc/internal/audit"
	"github.com/withObsrvr/kmzproc/internal/config"
)

func verifyAuditCmd() *cobra.Command {
	var processorID string

	cmd := &cobra.Command{
		Use:   "verify-audit",
		Short: "Check the audit log chain and that counter ranges never overlap",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if processorID == "" {
				processorID = cfg.Checkpoint.ProcessorID
			}

			backup, err := audit.NewFileBackup(afero.NewOsFs(), cfg.Audit.Dir)
			if err != nil {
				return err
			}
			events, err := backup.Events(processorID)
			if err != nil {
				return err
			}
			if err := audit.VerifyChain(events); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d events verified for %s\n", len(events), processorID)
			if n := len(events); n > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "last batch %s, counter %d\n",
					events[n-1].Batch.ID, events[n-1].Batch.CounterEnd)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&processorID, "processor-id", "", "chain to verify (defaults to PROCESSOR_ID)")
	return cmd
}
