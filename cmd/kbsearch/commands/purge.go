package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opsdesk/kbsearch/internal/logging"
)

// NewPurgeCmd constructs the `kbsearch purge` command, which deletes
// every record and its vector. Requires --yes.
func NewPurgeCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every record from the store and the vector index",
		Long: `Delete every record from the canonical store and the vector index.

Canonical rows are always removed; vector ids that could not be removed
are reported so a later 'kbsearch resync' can clear the drift. This is
irreversible — the --yes flag is required.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("purge: refusing to delete all records without --yes")
			}

			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			a, err := buildApp(ctx, log)
			if err != nil {
				return fmt.Errorf("purge: %w", err)
			}
			defer a.Close()

			report, err := a.engine.DeleteAll(ctx)
			if err != nil {
				return fmt.Errorf("purge: %w", err)
			}

			fmt.Printf("purged %d records\n", report.DeletedCount)
			if len(report.VectorFailures) > 0 {
				fmt.Printf("warning: %d vectors not removed — run 'kbsearch resync' to clear drift\n",
					len(report.VectorFailures))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion of all records")

	return cmd
}
