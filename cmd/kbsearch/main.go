// Command kbsearch is the entry point for the knowledge base search
// service. It provides a CLI interface (via Cobra) and an HTTP server
// exposing record management and semantic search.
package main

import (
	"fmt"
	"os"

	"github.com/opsdesk/kbsearch/cmd/kbsearch/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
