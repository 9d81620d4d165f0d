package indexer

import (
	"context"
	"errors"

	"github.com/AILab-FOI/bytesophos/internal/storage"
	"github.com/AILab-FOI/bytesophos/pkg/types"
)

// Status reports the repository's committed snapshot and its latest run.
func (idx *Indexer) Status(ctx context.Context, repoID string) (*types.RepositoryStatus, error) {
	repo, err := idx.storage.GetRepository(ctx, repoID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, types.ErrRepositoryNotFound
	}
	if err != nil {
		return nil, err
	}
	return idx.statusOf(ctx, repo)
}

// List returns the status of every repository userID may read.
func (idx *Indexer) List(ctx context.Context, userID string) ([]*types.RepositoryStatus, error) {
	repos, err := idx.storage.ListRepositories(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*types.RepositoryStatus, 0, len(repos))
	for _, repo := range repos {
		st, err := idx.statusOf(ctx, repo)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (idx *Indexer) statusOf(ctx context.Context, repo *storage.Repository) (*types.RepositoryStatus, error) {
	stats, err := idx.storage.GetStats(ctx, repo.ID)
	if err != nil {
		return nil, err
	}

	st := &types.RepositoryStatus{
		RepoID:        repo.ID,
		DisplayName:   repo.DisplayName,
		Stats:         *stats,
		LastIndexedAt: repo.LastIndexedAt,
	}
	committed := repo.ActiveRunID != nil

	run, err := idx.storage.GetLatestRun(ctx, repo.ID)
	if errors.Is(err, storage.ErrNotFound) {
		st.Status = types.LabelFor("", false, committed)
		st.Phases = types.NewProgress(repo.ID, 0).Phases
		return st, nil
	}
	if err != nil {
		return nil, err
	}

	st.RunID = run.ID
	st.State = run.State
	st.Error = run.Error
	if live, ok := idx.progress.Get(repo.ID); ok && live.RunID == run.ID {
		st.State = live.State
		st.Phases = live.Phases
		if live.Error != "" {
			st.Error = live.Error
		}
	} else {
		st.Phases = phasesOf(run)
	}
	st.Status = types.LabelFor(st.State, true, committed)
	return st, nil
}

// phasesOf rebuilds phase progress from a stored run when no live
// progress exists, e.g. after a restart.
func phasesOf(run *storage.Run) map[types.Phase]*types.PhaseProgress {
	phases := types.NewProgress(run.RepositoryID, run.ID).Phases
	switch run.State {
	case types.RunDone:
		for _, p := range phases {
			p.Status = types.PhaseComplete
			p.StartedAt = &run.StartedAt
			p.FinishedAt = run.FinishedAt
		}
		up := phases[types.PhaseUpload]
		up.Total = run.DocumentsTotal
		up.Processed = run.DocumentsTotal
	case types.RunError:
		up := phases[types.PhaseUpload]
		up.Status = types.PhaseFailed
		up.Error = run.Error
		up.FinishedAt = run.FinishedAt
	default:
		if ph, ok := types.PhaseFor(run.State); ok {
			phases[ph].Status = types.PhaseRunning
		}
	}
	return phases
}
