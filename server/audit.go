package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log maintenance",
	}
	cmd.AddCommand(newAuditPruneCommand())
	return cmd
}

func newAuditPruneCommand() *cobra.Command {
	var (
		olderThan  time.Duration
		configPath string
	)

	cmd := &cobra.Command{
		Use:     "prune",
		Short:   "Delete audit entries older than a cutoff",
		Example: `  server audit prune --older-than 2160h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			a, err := openApp(cmd.Context(), "audit prune", configPath, appOptions{logNotifications: true})
			if err != nil {
				return err
			}
			defer a.Close()

			cutoff := time.Now().Add(-olderThan)
			deleted, err := a.repos.Audit.DeleteBefore(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			a.log.Info("audit log pruned", "deleted", deleted, "before", cutoff.UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 90*24*time.Hour, "Age of the oldest entry to keep")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file (optional)")
	return cmd
}
