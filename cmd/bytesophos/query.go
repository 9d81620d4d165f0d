package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AILab-FOI/bytesophos/internal/answer"
	"github.com/AILab-FOI/bytesophos/internal/searcher"
	"github.com/AILab-FOI/bytesophos/pkg/types"
)

var (
	searchTopK int
	searchMode string
	searchJSON bool

	askConversation string
	askJSON         bool
)

var searchCmd = &cobra.Command{
	Use:   "search <repo-id> <query>",
	Short: "Search a repository's indexed chunks",
	Long: `Performs hybrid search over one repository.
Combines keyword (BM25) and semantic (vector) search for best results.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSearch,
}

var askCmd = &cobra.Command{
	Use:   "ask <repo-id> <question>",
	Short: "Answer a question about a repository",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runAsk,
}

func init() {
	searchCmd.Flags().IntVarP(&searchTopK, "limit", "n", 10, "maximum number of results")
	searchCmd.Flags().StringVar(&searchMode, "mode", string(types.ModeHybrid), "hybrid, vector or lexical")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")
	askCmd.Flags().StringVar(&askConversation, "conversation", "", "conversation id for follow-up questions")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "output the answer and contexts as JSON")
	rootCmd.AddCommand(searchCmd, askCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		resp, err := a.searcher.Search(ctx, searcher.Request{
			RepoID: args[0],
			Query:  strings.Join(args[1:], " "),
			TopK:   searchTopK,
			Mode:   types.SearchMode(searchMode),
		})
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}

		results := resp.Used()
		if searchJSON {
			return printJSON(cmd, results)
		}
		if len(results) == 0 {
			cmd.Println("No results found.")
			return nil
		}

		cmd.Println("Results:")
		cmd.Println()
		for _, r := range results {
			cmd.Printf("  [%d] %s:%d-%d (%.2f)\n", r.Rank, r.Path, r.StartLine, r.EndLine, r.Score)
			cmd.Printf("      %s\n", firstLine(r.Content))
		}
		return nil
	})
}

func runAsk(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		res, err := a.answers.Answer(ctx, answer.Request{
			RepoID:         args[0],
			Query:          strings.Join(args[1:], " "),
			ConversationID: askConversation,
		})
		if err != nil {
			return fmt.Errorf("answer failed: %w", err)
		}

		if askJSON {
			return printJSON(cmd, res)
		}
		cmd.Println(res.Answer)
		if len(res.Contexts) > 0 {
			cmd.Println()
			cmd.Println("Sources:")
			for _, c := range res.Contexts {
				cmd.Printf("  %s:%d-%d (%.2f)\n", c.Filename, c.StartLine, c.EndLine, c.Score)
			}
		}
		return nil
	})
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	cmd.Println(string(data))
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const maxLen = 100
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	return s
}
