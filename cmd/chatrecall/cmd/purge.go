package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	recallerr "github.com/chatrecall/chatrecall/internal/errors"
	"github.com/chatrecall/chatrecall/internal/store"
)

func newPurgeCmd(dataDir *string) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "purge <conversation>",
		Short: "Delete a conversation and its indexes",
		Long: `Removes the conversation's messages, windows, and cursors from the
store and drops both of its vector index partitions.

Destructive; requires --yes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conversation := args[0]
			if !yes {
				return recallerr.ValidationError(
					"purge permanently deletes the conversation; re-run with --yes to confirm", nil)
			}

			a, err := buildApp(cmd.Context(), *dataDir, appOptions{withLock: true})
			if err != nil {
				return err
			}
			defer a.Close()

			for _, kind := range []store.IndexKind{store.IndexMessages, store.IndexWindows} {
				if err := a.vectors.DeleteAll(cmd.Context(), store.Partition(kind, conversation)); err != nil {
					return err
				}
			}
			if err := a.messages.PurgeConversation(cmd.Context(), conversation); err != nil {
				return err
			}

			fmt.Fprintf(os.Stdout, "Purged conversation %s.\n", conversation)
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the destructive delete")
	return cmd
}
