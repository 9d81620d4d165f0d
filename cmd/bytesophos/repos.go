package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AILab-FOI/bytesophos/pkg/types"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status [repo-id]",
	Short: "Show indexing status of one or all repositories",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <repo-id>",
	Short: "Delete a repository with its snapshot and index",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output status as JSON")
	rootCmd.AddCommand(statusCmd, deleteCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		var list []*types.RepositoryStatus
		if len(args) == 1 {
			st, err := a.indexer.Status(ctx, args[0])
			if err != nil {
				return err
			}
			list = append(list, st)
		} else {
			all, err := a.indexer.List(ctx, "")
			if err != nil {
				return err
			}
			list = all
		}

		if statusJSON {
			return printJSON(cmd, list)
		}
		if len(list) == 0 {
			cmd.Println("No repositories.")
			return nil
		}
		for _, st := range list {
			printStatus(cmd, st)
		}
		return nil
	})
}

func printStatus(cmd *cobra.Command, st *types.RepositoryStatus) {
	cmd.Printf("%s  %s\n", st.RepoID, st.DisplayName)
	cmd.Printf("  status:    %s", st.Status)
	if st.RunID != 0 {
		cmd.Printf(" (run %d, %s)", st.RunID, st.State)
	}
	cmd.Println()
	cmd.Printf("  documents: %d (%d failed)\n", st.Stats.Documents, st.Stats.FailedDocuments)
	cmd.Printf("  chunks:    %d (%d embedded, %d embedding errors)\n",
		st.Stats.Chunks, st.Stats.Embeddings, st.Stats.EmbeddingErrors)
	if st.LastIndexedAt != nil {
		cmd.Printf("  indexed:   %s\n", st.LastIndexedAt.Format("2006-01-02 15:04:05"))
	}
	if st.Error != "" {
		cmd.Printf("  error:     %s\n", st.Error)
	}
}

func runDelete(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		if err := a.indexer.Delete(ctx, args[0]); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		cmd.Printf("Deleted %s\n", args[0])
		return nil
	})
}
