// Package commands defines all Cobra CLI commands for the kbsearch binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/opsdesk/kbsearch/internal/audit"
	"github.com/opsdesk/kbsearch/internal/config"
	"github.com/opsdesk/kbsearch/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kbsearch",
		Short: "kbsearch — semantic search over a question/answer knowledge base",
		Long: `kbsearch stores canonical question/answer records in SQLite, mirrors
them into a Qdrant vector index, and answers free-text queries through a
hybrid retrieval pipeline: embedding similarity, candidate reconciliation,
and cross-encoder reranking with a confidence gate.

The embedding backend is selected via the EMBEDDING_PROVIDER environment
variable or a YAML config file (~/.kbsearch/config.yaml).
See 'kbsearch --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.kbsearch/config.yaml)")

	root.AddCommand(
		NewServeCmd(),
		NewAddCmd(),
		NewSearchCmd(),
		NewResyncCmd(),
		NewPurgeCmd(),
		NewVersionCmd(),
	)

	return root
}
