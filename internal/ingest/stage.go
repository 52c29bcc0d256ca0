package ingest

// Stage is one step of the ingestion state machine. Jobs move strictly
// forward: Pending → Downloading → Loading → Enriching → Chunking →
// Embedding → Completed, with Failed reachable from any working stage.
type Stage string

const (
	StagePending     Stage = "pending"
	StageDownloading Stage = "downloading"
	StageLoading     Stage = "loading"
	StageEnriching   Stage = "enriching"
	StageChunking    Stage = "chunking"
	StageEmbedding   Stage = "embedding"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
)

// workStages is the forward order of stages that do work.
var workStages = []Stage{
	StageDownloading,
	StageLoading,
	StageEnriching,
	StageChunking,
	StageEmbedding,
}

// progressAt reports overall completion when a job enters a stage.
var progressAt = map[Stage]float64{
	StagePending:     0,
	StageDownloading: 0.05,
	StageLoading:     0.25,
	StageEnriching:   0.45,
	StageChunking:    0.7,
	StageEmbedding:   0.8,
	StageCompleted:   1,
}

// valid reports whether s names a known stage.
func (s Stage) valid() bool {
	switch s {
	case StagePending, StageDownloading, StageLoading, StageEnriching,
		StageChunking, StageEmbedding, StageCompleted, StageFailed:
		return true
	}
	return false
}

// remainingAfter returns the work stages that follow the last completed
// stage. A pending job gets the full sequence.
func remainingAfter(completed Stage) []Stage {
	for i, s := range workStages {
		if s == completed {
			return workStages[i+1:]
		}
	}
	return workStages
}
