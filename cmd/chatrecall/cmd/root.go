// Package cmd provides the CLI commands for chatrecall.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chatrecall/chatrecall/pkg/version"
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "chatrecall",
		Short: "Conversation-memory retrieval server for AI assistants",
		Long: `chatrecall keeps long-running group conversations searchable: it
indexes every message and overlapping dialog windows into vector
indexes in the background, and answers questions over them with
multi-query retrieval, rank fusion, and a confidence verdict.

Run 'chatrecall serve' to expose the retrieve / indexing_status /
reindex tools over MCP stdio.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.SetVersionTemplate("chatrecall version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "",
		"Data directory (default ~/.chatrecall, or CHATRECALL_DATA_DIR)")

	cmd.AddCommand(newServeCmd(&dataDir))
	cmd.AddCommand(newRetrieveCmd(&dataDir))
	cmd.AddCommand(newImportCmd(&dataDir))
	cmd.AddCommand(newStatusCmd(&dataDir))
	cmd.AddCommand(newReindexCmd(&dataDir))
	cmd.AddCommand(newRenameCmd(&dataDir))
	cmd.AddCommand(newPurgeCmd(&dataDir))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}
