package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatrecall/chatrecall/internal/convo"
	recallerr "github.com/chatrecall/chatrecall/internal/errors"
)

// importBatchSize bounds how many messages are appended per
// transaction while streaming a large file.
const importBatchSize = 500

// importedMessage is one JSONL line of an import file.
type importedMessage struct {
	Conversation string `json:"conversation"`
	ID           int64  `json:"id"`
	AuthorID     string `json:"author_id"`
	Author       string `json:"author"`
	Text         string `json:"text"`
	Timestamp    string `json:"ts"`
}

func newImportCmd(dataDir *string) *cobra.Command {
	var noIndex bool

	cmd := &cobra.Command{
		Use:   "import <file.jsonl>",
		Short: "Import messages from a JSONL export",
		Long: `Appends messages to the store from a JSONL file, one message per
line:

  {"conversation":"team","id":1,"author_id":"u1","author":"ann","text":"hi","ts":"2025-06-01T09:00:00Z"}

Import is idempotent: re-importing the same (conversation, id) pairs
replaces rather than duplicates. Unless --no-index is given, one
indexing pass runs afterwards so the new messages become searchable.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), *dataDir, appOptions{withLock: true})
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return recallerr.StorageError("open import file", err)
			}
			defer func() { _ = f.Close() }()

			total := 0
			batch := make([]convo.Message, 0, importBatchSize)
			scanner := bufio.NewScanner(f)
			scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
			line := 0
			for scanner.Scan() {
				line++
				raw := scanner.Bytes()
				if len(raw) == 0 {
					continue
				}
				var im importedMessage
				if err := json.Unmarshal(raw, &im); err != nil {
					return recallerr.ValidationError(
						fmt.Sprintf("line %d is not a valid message", line), err)
				}
				ts, err := time.Parse(time.RFC3339, im.Timestamp)
				if err != nil {
					return recallerr.ValidationError(
						fmt.Sprintf("line %d has a bad ts (want RFC3339)", line), err)
				}
				batch = append(batch, convo.Message{
					ConversationID: im.Conversation,
					MessageID:      im.ID,
					AuthorID:       im.AuthorID,
					AuthorName:     im.Author,
					Text:           im.Text,
					Timestamp:      ts,
				})
				if len(batch) == importBatchSize {
					if err := a.messages.AppendMessages(cmd.Context(), batch); err != nil {
						return err
					}
					total += len(batch)
					batch = batch[:0]
				}
			}
			if err := scanner.Err(); err != nil {
				return recallerr.StorageError("read import file", err)
			}
			if len(batch) > 0 {
				if err := a.messages.AppendMessages(cmd.Context(), batch); err != nil {
					return err
				}
				total += len(batch)
			}

			fmt.Fprintf(os.Stdout, "Imported %d messages.\n", total)

			if !noIndex {
				if err := a.orch.Pass(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(os.Stdout, "Indexing pass complete.")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noIndex, "no-index", false,
		"Skip the indexing pass after import")
	return cmd
}
