package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	recallerr "github.com/chatrecall/chatrecall/internal/errors"
	"github.com/chatrecall/chatrecall/internal/index"
)

func newReindexCmd(dataDir *string) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reindex [conversation]",
		Short: "Drop and rebuild the vector indexes",
		Long: `Rebuilds the indexes from the message store: clears the vector
partitions and cursors for the target conversation (or all of them)
and re-runs the indexers immediately.

Destructive; requires --yes.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := index.ReindexAllTarget
			if len(args) == 1 {
				target = args[0]
			}
			if !yes {
				return recallerr.ValidationError(
					"reindex drops the existing indexes; re-run with --yes to confirm", nil)
			}

			a, err := buildApp(cmd.Context(), *dataDir, appOptions{withLock: true})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.orch.ReindexAll(cmd.Context(), target); err != nil {
				return err
			}

			if target == index.ReindexAllTarget {
				fmt.Fprintln(os.Stdout, "Rebuilt indexes for all conversations.")
			} else {
				fmt.Fprintf(os.Stdout, "Rebuilt indexes for conversation %s.\n", target)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the destructive rebuild")
	return cmd
}
