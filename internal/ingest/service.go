package ingest

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/eduverse/engine/internal/storage"
)

// Service implements submission semantics over the job queue: one active
// job per artifact, coalesced re-submission of completed artifacts, and
// checkpoint-aware resumption of failed ones.
type Service struct {
	store *storage.Store
}

func NewService(store *storage.Store) *Service {
	return &Service{store: store}
}

// Submit queues ingestion for an artifact.
//   - No previous job: a fresh job starts from Pending.
//   - Active (queued/running) job: storage.ErrJobActive with that job.
//   - Failed job: requeued; it resumes after its last checkpoint, or from
//     scratch when the checkpoint was unusable.
//   - Completed job: returned as-is, nothing to do.
func (s *Service) Submit(artifactID string) (storage.Job, error) {
	latest, err := s.store.LatestJobForArtifact(artifactID)
	if errors.Is(err, storage.ErrNotFound) {
		job := storage.Job{ID: uuid.New().String(), ArtifactID: artifactID}
		if err := s.store.CreateJob(job); err != nil {
			return storage.Job{}, err
		}
		return s.store.GetJob(job.ID)
	}
	if err != nil {
		return storage.Job{}, fmt.Errorf("looking up jobs for %s: %w", artifactID, err)
	}

	switch latest.Status {
	case "queued", "running":
		return latest, storage.ErrJobActive
	case "completed":
		return latest, nil
	case "failed":
		if err := s.store.RequeueJob(latest.ID, !latest.Resumable); err != nil {
			return storage.Job{}, fmt.Errorf("requeuing job %s: %w", latest.ID, err)
		}
		return s.store.GetJob(latest.ID)
	default:
		return storage.Job{}, fmt.Errorf("job %s in unknown status %q", latest.ID, latest.Status)
	}
}

// Cancel requests cancellation of a job. The worker honors it at the next
// stage boundary; work inside a stage finishes or fails on its own.
func (s *Service) Cancel(jobID string) error {
	return s.store.RequestCancel(jobID)
}
