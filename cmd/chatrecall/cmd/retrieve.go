package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chatrecall/chatrecall/internal/retrieval"
	"github.com/chatrecall/chatrecall/internal/ui"
)

func newRetrieveCmd(dataDir *string) *cobra.Command {
	var (
		variants []string
		rerank   bool
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "retrieve <conversation> <question...>",
		Short: "Answer a question from conversation memory",
		Long: `One-shot retrieval against an existing index. Prints ranked
passages with scores and the confidence verdict.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conversation := args[0]
			question := strings.Join(args[1:], " ")

			a, err := buildApp(cmd.Context(), *dataDir, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			rc := a.cfg.Retrieval
			result, err := a.retriever.Retrieve(cmd.Context(), conversation, question, retrieval.Options{
				Variants:         variants,
				MaxVariants:      rc.MaxVariants,
				PerBranchLimit:   rc.PerBranchLimit,
				Rerank:           rerank,
				RerankTopK:       rc.RerankTopK,
				NearDupThreshold: rc.NearDupThreshold,
				ExpandWindows:    rc.ExpandWindows,
			})
			if err != nil {
				return err
			}

			if limit > 0 && len(result.Hits) > limit {
				result.Hits = result.Hits[:limit]
			}
			fmt.Fprint(os.Stdout, ui.RenderResult(ui.AutoStyles(os.Stdout), result))
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&variants, "variant", nil,
		"Alternative phrasing of the question (repeatable)")
	cmd.Flags().BoolVar(&rerank, "rerank", false,
		"Apply the LLM relevance judge to the top passages")
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum passages to print")

	return cmd
}
