package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opsdesk/kbsearch/internal/logging"
	"github.com/opsdesk/kbsearch/internal/server"
)

// NewServeCmd constructs the `kbsearch serve` command, which starts the
// HTTP server exposing record management and semantic search.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the kbsearch HTTP server",
		Long: `Start the kbsearch HTTP server on localhost.

The server exposes record CRUD under /api/records, semantic search under
/api/search, admin maintenance under /api/admin, and Prometheus metrics
under /metrics.

Examples:
  kbsearch serve
  kbsearch serve --port 9090
  QDRANT_HOST=qdrant.internal kbsearch serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			// Flags win over env; env (including YAML-bridged values) fills
			// in when the flag was left at its default.
			if !cmd.Flags().Changed("host") {
				host = getEnvOrDefault("KBSEARCH_HOST", host)
			}
			if !cmd.Flags().Changed("port") {
				port = getEnvInt("KBSEARCH_PORT", port)
			}

			log.Info("serve starting", slog.String("embedding_provider", os.Getenv("EMBEDDING_PROVIDER")))

			a, err := buildApp(ctx, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer a.Close()

			var pingers []server.Pinger
			if a.qdrant != nil {
				pingers = append(pingers, a.qdrant)
			}

			srv, err := server.New(server.Deps{
				Store:    a.store,
				Engine:   a.engine,
				Searcher: a.searcher,
				Usage:    a.usage,
			}, &server.Config{
				Host:      host,
				Port:      port,
				Logger:    log,
				Pingers:   pingers,
				RateLimit: getEnvFloat("KBSEARCH_RATE_LIMIT", 0),
				RateBurst: getEnvInt("KBSEARCH_RATE_BURST", 0),
				Registry:  a.registry,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on")

	return cmd
}
