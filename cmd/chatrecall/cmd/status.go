package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chatrecall/chatrecall/internal/ui"
)

func newStatusCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-indexer backlog and counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), *dataDir, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			statuses, err := a.orch.Status(cmd.Context())
			if err != nil {
				return err
			}

			st := ui.AutoStyles(os.Stdout)
			fmt.Fprint(os.Stdout, ui.RenderStatus(st, statuses, a.sink))

			model := a.embedder.ModelName()
			available := a.embedder.Available(cmd.Context())
			state := "unavailable"
			if available {
				state = "ready"
			}
			fmt.Fprintf(os.Stdout, "  %s %s (%d dims, %s)\n",
				st.Label.Render("embedder"), model, a.embedder.Dimensions(), state)
			return nil
		},
	}
}
