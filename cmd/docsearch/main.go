// Package main implements the docsearch CLI for a running docsearchd server.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version information
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// options are the flags shared by every command.
type options struct {
	server string
	json   bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "docsearch",
		Short: "CLI for the docsearch HTTP server",
		Long: `docsearch is a command-line interface for a running docsearchd server.
It uploads documents, runs semantic searches and manages stored documents.`,
		Version:      version,
		SilenceUsage: true,
	}

	defaultServer := "http://localhost:8000"
	if env := os.Getenv("DOCSEARCH_SERVER"); env != "" {
		defaultServer = env
	}
	root.PersistentFlags().StringVar(&opts.server, "server", defaultServer, "docsearchd server URL (env DOCSEARCH_SERVER)")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "Output raw JSON responses")

	root.AddCommand(
		newHealthCmd(opts),
		newSearchCmd(opts),
		newUploadCmd(opts),
		newGetCmd(opts),
		newListCmd(opts),
		newDeleteCmd(opts),
	)
	return root
}
