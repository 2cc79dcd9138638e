package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opsdesk/kbsearch/internal/logging"
)

// NewResyncCmd constructs the `kbsearch resync` command: a full rebuild
// of the vector index from the canonical store.
func NewResyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resync",
		Short: "Rebuild the vector index from the canonical store",
		Long: `Clear the vector index and re-embed every canonical record into it.

Use this after the index and store have drifted: an index wipe, an
embedding model change, or a metadata schema change. Records that fail
to embed are reported and marked failed; the rest still sync.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			a, err := buildApp(ctx, log)
			if err != nil {
				return fmt.Errorf("resync: %w", err)
			}
			defer a.Close()

			report, err := a.engine.ResyncAll(ctx)
			if err != nil {
				return fmt.Errorf("resync: %w", err)
			}

			fmt.Printf("resync complete: %d total, %d synced, %d failed\n",
				report.Total, report.Synced, report.Failed)
			for _, e := range report.Errors {
				fmt.Printf("  %s\n", e)
			}
			return nil
		},
	}
}
