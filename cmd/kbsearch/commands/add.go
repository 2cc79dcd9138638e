package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/opsdesk/kbsearch/internal/logging"
)

// NewAddCmd constructs the `kbsearch add` command, which stores one
// question/answer record and syncs it to the vector index before exiting.
func NewAddCmd() *cobra.Command {
	var lang string

	cmd := &cobra.Command{
		Use:   "add <question> <answer>",
		Short: "Add a question/answer record to the knowledge base",
		Long: `Add a question/answer record to the knowledge base.

If a record with the same question (case- and whitespace-insensitive)
already exists, it is replaced in place and keeps its id. The record is
embedded and indexed synchronously so the command only exits once the
vector index reflects it (or the failure is recorded).

Examples:
  kbsearch add "Как сбросить пароль?" "Через портал самообслуживания."
  kbsearch add --lang en "How do I reset my password?" "Use the portal."`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			a, err := buildApp(ctx, log)
			if err != nil {
				return fmt.Errorf("add: %w", err)
			}
			defer a.Close()

			rec, replaced, err := a.store.Create(ctx, args[0], args[1], lang)
			if err != nil {
				return fmt.Errorf("add: %w", err)
			}

			// CLI is one-shot: sync inline rather than via the async trigger.
			if err := a.engine.SyncOneWithRetry(ctx, rec); err != nil {
				log.Warn("record stored but indexing failed — run 'kbsearch resync' later",
					slog.String("record_id", rec.ID),
					slog.Any("error", err),
				)
			}

			verb := "created"
			if replaced {
				verb = "replaced"
			}
			fmt.Printf("%s record %s (sync: %s)\n", verb, rec.ID, currentSyncStatus(ctx, a, rec.ID))
			return nil
		},
	}

	cmd.Flags().StringVar(&lang, "lang", "", "Language tag for the record (default: ru)")

	return cmd
}
