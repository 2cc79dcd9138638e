package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opsdesk/kbsearch/internal/logging"
)

// NewSearchCmd constructs the `kbsearch search` command.
func NewSearchCmd() *cobra.Command {
	var topK int
	var showTrace bool

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the knowledge base with a free-text question",
		Long: `Search the knowledge base with a free-text question.

The query is embedded and matched against the vector index; candidates
are reranked when a rerank model chain is configured. A top rerank score
below the confidence threshold means the knowledge base has no relevant
answer — the raw vector candidates are then shown as weak suggestions.

Examples:
  kbsearch search "как поменять пароль"
  kbsearch search --top-k 10 "vpn does not connect"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			a, err := buildApp(ctx, log)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			defer a.Close()

			res, err := a.searcher.Search(ctx, args[0], topK)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			if res.RerankerRejected {
				fmt.Println("no relevant answer found; closest candidates:")
				for _, m := range res.Fallback {
					fmt.Printf("  [%.3f] %s\n", m.Score, m.Question)
				}
			} else if len(res.Matches) == 0 {
				fmt.Println("no matches")
			} else {
				for i, m := range res.Matches {
					fmt.Printf("%d. [%.3f] %s\n   %s\n", i+1, m.Score, m.Question, m.Answer)
				}
			}

			if showTrace {
				fmt.Printf("\ntrace: namespace=%s top_k=%d attempted=%v applied=%q\n",
					res.Trace.Namespace, res.Trace.TopK,
					res.Trace.AttemptedModels, res.Trace.AppliedModel)
				if res.Trace.RerankSkipReason != "" {
					fmt.Printf("rerank skipped: %s\n", res.Trace.RerankSkipReason)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Maximum number of results (default 5, max 20)")
	cmd.Flags().BoolVar(&showTrace, "trace", false, "Print the retrieval trace")

	return cmd
}
