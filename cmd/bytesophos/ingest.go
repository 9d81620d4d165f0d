package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AILab-FOI/bytesophos/internal/indexer"
	"github.com/AILab-FOI/bytesophos/internal/snapshot"
	"github.com/AILab-FOI/bytesophos/internal/storage"
	"github.com/AILab-FOI/bytesophos/pkg/types"
)

var (
	ingestName   string
	ingestRepoID string
	ingestForce  bool
	ingestQuiet  bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <git-url|zip|directory>",
	Short: "Ingest a repository and wait for it to be indexed",
	Long: `Ingest a GitHub repository, a ZIP archive or a local directory.
Progress is printed as each phase advances.

Examples:
  bytesophos ingest https://github.com/user/repo
  bytesophos ingest ./project.zip --name project
  bytesophos ingest . --repo-id 3f0c5e2a-... --force`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestName, "name", "", "display name")
	ingestCmd.Flags().StringVar(&ingestRepoID, "repo-id", "", "ingest into an existing repository")
	ingestCmd.Flags().BoolVar(&ingestForce, "force", false, "re-embed files even when unchanged")
	ingestCmd.Flags().BoolVarP(&ingestQuiet, "quiet", "q", false, "print only the final result")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		req, err := ingestRequest(a, args[0])
		if err != nil {
			return err
		}

		run, err := a.indexer.Start(ctx, req)
		if err != nil {
			return fmt.Errorf("starting ingestion: %w", err)
		}
		cmd.Printf("Repository %s, run %d\n", run.RepositoryID, run.ID)

		if !ingestQuiet {
			followProgress(ctx, cmd, a, run.RepositoryID)
		}

		final, err := a.indexer.Wait(ctx, run.RepositoryID, run.ID)
		if err != nil {
			return fmt.Errorf("ingestion failed: %w", err)
		}
		cmd.Printf("Done: %d documents (%d skipped, %d failed), %d chunks, %d embedding failures\n",
			final.DocumentsTotal, final.DocumentsSkipped, final.DocumentsFailed,
			final.ChunksTotal, final.EmbeddingsFailed)
		return nil
	})
}

// ingestRequest classifies src as a git URL, a ZIP archive or a directory.
func ingestRequest(a *app, src string) (indexer.Request, error) {
	req := indexer.Request{
		RepoID:      ingestRepoID,
		DisplayName: ingestName,
		Force:       ingestForce,
	}

	if snapshot.ValidateGitURL(src) == nil {
		req.Kind = storage.SourceGit
		req.URI = src
		return req, nil
	}

	abs, err := filepath.Abs(src)
	if err != nil {
		return req, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if strings.Contains(src, "://") || strings.HasPrefix(src, "git@") {
			return req, snapshot.ErrInvalidGitURL
		}
		return req, err
	}

	switch {
	case info.IsDir():
		req.Kind = storage.SourceLocal
		req.URI = abs
	case strings.EqualFold(filepath.Ext(abs), ".zip"):
		if req.RepoID == "" {
			req.RepoID = uuid.NewString()
		}
		f, err := os.Open(abs)
		if err != nil {
			return req, err
		}
		defer f.Close()
		stored, err := a.snapshots.SaveUpload(req.RepoID, filepath.Base(abs), f, a.cfg.Server.MaxUploadBytes)
		if err != nil {
			return req, err
		}
		if req.DisplayName == "" {
			req.DisplayName = strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
		}
		req.Kind = storage.SourceUpload
		req.URI = stored
	default:
		return req, errors.New("source must be a GitHub URL, a .zip archive or a directory")
	}
	return req, nil
}

// followProgress prints one line per phase change until the run ends.
func followProgress(ctx context.Context, cmd *cobra.Command, a *app, repoID string) {
	updates, err := a.progress.Subscribe(ctx, repoID)
	if err != nil {
		return
	}
	last := map[types.Phase]string{}
	for snap := range updates {
		for _, ph := range types.Phases {
			line := phaseLine(ph, snap.Phases[ph])
			if line != "" && last[ph] != line {
				last[ph] = line
				cmd.Println(line)
			}
		}
	}
}

func phaseLine(ph types.Phase, pp *types.PhaseProgress) string {
	if pp == nil || pp.Status == types.PhaseQueued {
		return ""
	}
	line := fmt.Sprintf("  %-10s %-9s", ph, pp.Status)
	if pp.Total > 0 {
		line += fmt.Sprintf(" %d/%d", pp.Processed, pp.Total)
	}
	if pp.Message != "" {
		line += "  " + pp.Message
	}
	if pp.Error != "" {
		line += "  error: " + pp.Error
	}
	return line
}
