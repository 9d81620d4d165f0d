package types

import "time"

// RunState is the lifecycle state of one ingestion run.
type RunState string

const (
	RunQueued    RunState = "queued"
	RunUploading RunState = "uploading"
	RunEmbedding RunState = "embedding"
	RunIndexing  RunState = "indexing"
	RunDone      RunState = "done"
	RunError     RunState = "error"
)

// Terminal reports whether no further transitions can follow s.
func (s RunState) Terminal() bool {
	return s == RunDone || s == RunError
}

// order returns the position of s in the forward state sequence.
// RunError shares the last slot with RunDone.
func (s RunState) order() int {
	switch s {
	case RunQueued:
		return 0
	case RunUploading:
		return 1
	case RunEmbedding:
		return 2
	case RunIndexing:
		return 3
	case RunDone, RunError:
		return 4
	}
	return -1
}

// Before reports whether s precedes other in the run lifecycle.
func (s RunState) Before(other RunState) bool {
	return s.order() < other.order()
}

// Phase names the three reported stages of a run.
type Phase string

const (
	PhaseUpload    Phase = "upload"
	PhaseEmbedding Phase = "embedding"
	PhaseIndexing  Phase = "indexing"
)

// Phases lists phases in execution order.
var Phases = []Phase{PhaseUpload, PhaseEmbedding, PhaseIndexing}

// PhaseFor maps a working run state to the phase it reports on.
func PhaseFor(s RunState) (Phase, bool) {
	switch s {
	case RunUploading:
		return PhaseUpload, true
	case RunEmbedding:
		return PhaseEmbedding, true
	case RunIndexing:
		return PhaseIndexing, true
	}
	return "", false
}

// PhaseStatus is the status of a single phase.
type PhaseStatus string

const (
	PhaseQueued   PhaseStatus = "queued"
	PhaseRunning  PhaseStatus = "running"
	PhaseComplete PhaseStatus = "complete"
	PhaseFailed   PhaseStatus = "error"
)

// PhaseProgress reports work done in one phase.
type PhaseProgress struct {
	Status     PhaseStatus `json:"status"`
	Processed  int         `json:"processed"`
	Total      int         `json:"total"`
	Message    string      `json:"message,omitempty"`
	Error      string      `json:"error,omitempty"`
	StartedAt  *time.Time  `json:"startedAt,omitempty"`
	FinishedAt *time.Time  `json:"finishedAt,omitempty"`
}

// Progress is the live state of a repository's current run.
type Progress struct {
	RepoID    string                   `json:"repoId"`
	RunID     int64                    `json:"runId"`
	State     RunState                 `json:"state"`
	Phases    map[Phase]*PhaseProgress `json:"phases"`
	Error     string                   `json:"error,omitempty"`
	UpdatedAt time.Time                `json:"updatedAt"`
}

// NewProgress returns a queued progress record with every phase queued.
func NewProgress(repoID string, runID int64) *Progress {
	p := &Progress{
		RepoID:    repoID,
		RunID:     runID,
		State:     RunQueued,
		Phases:    make(map[Phase]*PhaseProgress, len(Phases)),
		UpdatedAt: time.Now(),
	}
	for _, ph := range Phases {
		p.Phases[ph] = &PhaseProgress{Status: PhaseQueued}
	}
	return p
}

// Clone returns a deep copy of p.
func (p *Progress) Clone() *Progress {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Phases = make(map[Phase]*PhaseProgress, len(p.Phases))
	for k, v := range p.Phases {
		pp := *v
		if v.StartedAt != nil {
			t := *v.StartedAt
			pp.StartedAt = &t
		}
		if v.FinishedAt != nil {
			t := *v.FinishedAt
			pp.FinishedAt = &t
		}
		cp.Phases[k] = &pp
	}
	return &cp
}

// Overall status labels reported to clients.
const (
	StatusIndexed  = "indexed"
	StatusIndexing = "indexing"
	StatusUpload   = "upload"
	StatusError    = "error"
	StatusNew      = "new"
)

// RepositoryStats counts the committed snapshot of a repository.
type RepositoryStats struct {
	Documents       int `json:"documents"`
	Chunks          int `json:"chunks"`
	Embeddings      int `json:"embeddings"`
	FailedDocuments int `json:"failedDocuments"`
	EmbeddingErrors int `json:"embeddingErrors"`
}

// RepositoryStatus is the client-facing status of a repository.
type RepositoryStatus struct {
	RepoID        string                   `json:"repoId"`
	DisplayName   string                   `json:"displayName"`
	Status        string                   `json:"status"`
	State         RunState                 `json:"state,omitempty"`
	RunID         int64                    `json:"runId,omitempty"`
	Phases        map[Phase]*PhaseProgress `json:"phases"`
	Stats         RepositoryStats          `json:"stats"`
	LastIndexedAt *time.Time               `json:"lastIndexedAt,omitempty"`
	Error         string                   `json:"error,omitempty"`
}

// LabelFor derives the overall label from a run state and whether a
// committed snapshot exists.
func LabelFor(state RunState, hasRun, committed bool) string {
	if !hasRun {
		if committed {
			return StatusIndexed
		}
		return StatusNew
	}
	switch state {
	case RunDone:
		return StatusIndexed
	case RunError:
		return StatusError
	case RunQueued, RunUploading:
		return StatusUpload
	default:
		return StatusIndexing
	}
}
