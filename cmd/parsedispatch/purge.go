package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newPurgeCommand(root *rootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete terminal tasks older than the retention age",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			age := cfg.Retention.TerminalTaskAge
			if cmd.Flags().Changed("older-than") {
				age = olderThan
			}
			if age <= 0 {
				return fmt.Errorf("retention age must be positive, got %s", age)
			}

			taskStore, closeStore, err := openStore(cmd.Context(), cfg.Database, log)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			cutoff := time.Now().UTC().Add(-age)
			removed, err := taskStore.PurgeTerminal(cmd.Context(), cutoff)
			if err != nil {
				return fmt.Errorf("failed to purge terminal tasks: %w", err)
			}
			log.Info("terminal tasks purged", "removed", removed, "cutoff", cutoff)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "purged %d task(s) completed before %s\n",
				removed, cutoff.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "override retention.terminal_task_age")
	return cmd
}
