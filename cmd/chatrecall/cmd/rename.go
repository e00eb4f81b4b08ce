package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRenameCmd(dataDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rename <conversation> <author-id> <new-name>",
		Short: "Rename an author and reindex the affected passages",
		Long: `Updates the author's display name on every message they wrote in
the conversation. Indexed passages embed "author: text" lines, so the
conversation's indexes are rebuilt afterwards to pick up the new name.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			conversation, authorID, newName := args[0], args[1], args[2]

			a, err := buildApp(cmd.Context(), *dataDir, appOptions{withLock: true})
			if err != nil {
				return err
			}
			defer a.Close()

			ids, err := a.messages.RenameAuthor(cmd.Context(), conversation, authorID, newName)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Fprintf(os.Stdout, "No messages by %s in %s.\n", authorID, conversation)
				return nil
			}

			if err := a.orch.ReindexAll(cmd.Context(), conversation); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Renamed %s on %d messages and reindexed %s.\n",
				authorID, len(ids), conversation)
			return nil
		},
	}
	return cmd
}
