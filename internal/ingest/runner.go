package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/eduverse/engine/internal/chunker"
	"github.com/eduverse/engine/internal/extract"
	"github.com/eduverse/engine/internal/gateway"
	"github.com/eduverse/engine/internal/normalize"
	"github.com/eduverse/engine/internal/storage"
	"github.com/eduverse/engine/internal/vectorindex"
)

// embedConcurrency bounds parallel embedding calls per job.
const embedConcurrency = 4

// ModelGateway is the slice of model capabilities the runner needs.
type ModelGateway interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	DescribeImage(ctx context.Context, image []byte, prompt string) (string, error)
	TranscribeAudio(ctx context.Context, audio []byte, fileName string) (gateway.Transcript, error)
}

// errCancelled marks a job stopped at a stage boundary on request.
var errCancelled = errors.New("job cancelled")

// corruptError marks an unreadable checkpoint. The job cannot resume.
type corruptError struct{ err error }

func (e *corruptError) Error() string { return "checkpoint corrupt: " + e.err.Error() }
func (e *corruptError) Unwrap() error { return e.err }

// Runner executes the ingestion state machine for one job: it walks the
// stages after the last checkpoint, saving a new checkpoint after each,
// and records the terminal state on the job row.
type Runner struct {
	store        *storage.Store
	fetcher      extract.Fetcher
	models       ModelGateway
	normalizer   *normalize.Normalizer
	index        vectorindex.Index
	spoolDir     string
	chunkParams  chunker.Params
	maxKeyframes int
	logger       *slog.Logger
}

// RunnerConfig collects the knobs a Runner needs.
type RunnerConfig struct {
	SpoolDir     string
	ChunkParams  chunker.Params
	MaxKeyframes int
}

func NewRunner(store *storage.Store, fetcher extract.Fetcher, models ModelGateway, index vectorindex.Index, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChunkParams.Size <= 0 {
		cfg.ChunkParams = chunker.DefaultParams()
	}
	if cfg.MaxKeyframes <= 0 {
		cfg.MaxKeyframes = 15
	}
	return &Runner{
		store:        store,
		fetcher:      fetcher,
		models:       models,
		normalizer:   normalize.New(models, logger),
		index:        index,
		spoolDir:     cfg.SpoolDir,
		chunkParams:  cfg.ChunkParams,
		maxKeyframes: cfg.MaxKeyframes,
		logger:       logger,
	}
}

// jobState is the in-memory pipeline state threaded between stages.
type jobState struct {
	localPath string
	load      LoadResult
	segments  []normalize.Segment
	chunks    []chunker.Chunk
}

// Run executes the job to a terminal state. The returned error reports
// infrastructure problems (the job row could not be updated); ordinary
// stage failures are recorded on the job and return nil.
func (r *Runner) Run(ctx context.Context, job *storage.Job) error {
	artifact, err := r.store.GetArtifact(job.ArtifactID)
	if err != nil {
		return r.failPermanent(job, StagePending, fmt.Errorf("loading artifact: %w", err), true)
	}

	cp, err := r.loadCheckpoint(job)
	if err != nil {
		var corrupt *corruptError
		if errors.As(err, &corrupt) {
			r.logger.Error("checkpoint unreadable, job cannot resume", "job_id", job.ID, "error", err)
			return r.failPermanent(job, Stage(job.Stage), err, false)
		}
		return err
	}

	state := stateFrom(cp)
	for _, stage := range remainingAfter(cp.Stage) {
		cancelled, err := r.store.CancelRequested(job.ID)
		if err != nil {
			return fmt.Errorf("checking cancellation for %s: %w", job.ID, err)
		}
		if cancelled {
			r.logger.Info("job cancelled", "job_id", job.ID, "at_stage", stage)
			return r.failPermanent(job, stage, errCancelled, true)
		}

		if err := r.store.UpdateJobProgress(job.ID, string(stage), progressAt[stage]); err != nil {
			return fmt.Errorf("updating progress for %s: %w", job.ID, err)
		}
		r.logger.Info("stage started", "job_id", job.ID, "artifact_id", artifact.ID, "stage", stage)

		if err := r.runStage(ctx, stage, artifact, &state); err != nil {
			if ctx.Err() != nil {
				// Shutdown in flight: leave the job for the next claim.
				return ctx.Err()
			}
			r.logger.Warn("stage failed", "job_id", job.ID, "stage", stage, "error", err)
			if failErr := r.store.FailJob(job.ID, string(stage), err.Error()); failErr != nil {
				return fmt.Errorf("marking job %s failed: %w", job.ID, failErr)
			}
			return nil
		}

		// Write-ahead: persist the stage output before moving on.
		if err := r.saveCheckpoint(job.ID, stage, state); err != nil {
			return err
		}
	}

	if err := r.store.CompleteJob(job.ID); err != nil {
		return fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	r.store.DeleteCheckpoint(job.ID)
	r.cleanSpool(artifact.ID)
	r.logger.Info("ingestion completed", "job_id", job.ID, "artifact_id", artifact.ID, "chunks", len(state.chunks))
	return nil
}

func (r *Runner) loadCheckpoint(job *storage.Job) (Checkpoint, error) {
	payload, err := r.store.LoadCheckpoint(job.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return Checkpoint{Stage: StagePending}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("loading checkpoint for %s: %w", job.ID, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return Checkpoint{}, &corruptError{err: err}
	}
	if !cp.Stage.valid() {
		return Checkpoint{}, &corruptError{err: fmt.Errorf("unknown stage %q", cp.Stage)}
	}
	return cp, nil
}

func (r *Runner) saveCheckpoint(jobID string, completed Stage, state jobState) error {
	cp := Checkpoint{Stage: completed}
	switch completed {
	case StageDownloading:
		cp.LocalPath = state.localPath
	case StageLoading:
		load := state.load
		cp.Load = &load
		cp.LocalPath = state.localPath
	case StageEnriching:
		cp.Segments = state.segments
	case StageChunking:
		cp.Chunks = state.chunks
	case StageEmbedding:
		// Terminal work stage; nothing downstream needs payload.
	}

	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint for %s: %w", jobID, err)
	}
	if err := r.store.SaveCheckpoint(jobID, payload); err != nil {
		return fmt.Errorf("saving checkpoint for %s: %w", jobID, err)
	}
	return nil
}

func stateFrom(cp Checkpoint) jobState {
	state := jobState{localPath: cp.LocalPath}
	if cp.Load != nil {
		state.load = *cp.Load
	}
	state.segments = cp.Segments
	state.chunks = cp.Chunks
	return state
}

func (r *Runner) runStage(ctx context.Context, stage Stage, artifact storage.Artifact, state *jobState) error {
	switch stage {
	case StageDownloading:
		return r.download(ctx, artifact, state)
	case StageLoading:
		return r.load(ctx, artifact, state)
	case StageEnriching:
		return r.enrich(ctx, artifact, state)
	case StageChunking:
		state.chunks = chunker.Split(artifact.ID, state.segments, r.chunkParams)
		return nil
	case StageEmbedding:
		return r.embed(ctx, artifact, state)
	default:
		return fmt.Errorf("unexpected stage %q", stage)
	}
}

func (r *Runner) download(ctx context.Context, artifact storage.Artifact, state *jobState) error {
	dir := filepath.Join(r.spoolDir, artifact.ID)
	path, err := r.fetcher.Fetch(ctx, artifact.Locator, dir)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", artifact.Locator, err)
	}
	state.localPath = path
	return nil
}

func (r *Runner) load(ctx context.Context, artifact storage.Artifact, state *jobState) error {
	switch artifact.Modality {
	case "document":
		data, err := os.ReadFile(state.localPath)
		if err != nil {
			return fmt.Errorf("reading %s: %w", state.localPath, err)
		}
		pages, err := extract.DocumentPages(artifact.Name, data)
		if err != nil {
			return err
		}
		state.load = LoadResult{Pages: pages}
		return nil

	case "audio":
		intervals, err := r.transcribe(ctx, state.localPath, artifact.Name)
		if err != nil {
			return err
		}
		state.load = LoadResult{Intervals: intervals}
		return nil

	case "video":
		audioPath := filepath.Join(filepath.Dir(state.localPath), "audio.wav")
		if err := extract.ExtractAudioTrack(ctx, state.localPath, audioPath); err != nil {
			return err
		}
		intervals, err := r.transcribe(ctx, audioPath, "audio.wav")
		if err != nil {
			return err
		}

		// Keyframe failure degrades to audio-only rather than failing the job.
		frameDir := filepath.Join(filepath.Dir(state.localPath), "frames")
		frames, err := extract.ExtractKeyframes(ctx, state.localPath, frameDir, r.maxKeyframes)
		if err != nil {
			r.logger.Warn("keyframe extraction failed, continuing audio-only",
				"artifact_id", artifact.ID, "error", err)
			frames = nil
		}
		state.load = LoadResult{Intervals: intervals, Frames: frames}
		return nil

	case "image":
		data, err := os.ReadFile(state.localPath)
		if err != nil {
			return fmt.Errorf("reading %s: %w", state.localPath, err)
		}
		state.load = LoadResult{ImageData: data}
		return nil

	default:
		return fmt.Errorf("unsupported modality %q", artifact.Modality)
	}
}

func (r *Runner) transcribe(ctx context.Context, path, name string) ([]extract.Interval, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	transcript, err := r.models.TranscribeAudio(ctx, data, name)
	if err != nil {
		return nil, fmt.Errorf("transcribing %s: %w", name, err)
	}
	return extract.GroupTranscript(transcript.Segments, 0), nil
}

func (r *Runner) enrich(ctx context.Context, artifact storage.Artifact, state *jobState) error {
	switch artifact.Modality {
	case "document":
		state.segments = r.normalizer.Document(ctx, artifact.Name, state.load.Pages)
	case "audio", "video":
		state.segments = r.normalizer.Transcript(ctx, artifact.Name, artifact.Modality, state.load.Intervals, state.load.Frames)
	case "image":
		state.segments = r.normalizer.Image(ctx, artifact.Name, state.load.ImageData)
	default:
		return fmt.Errorf("unsupported modality %q", artifact.Modality)
	}
	return nil
}

// embed generates embeddings with bounded concurrency and upserts the
// records. Deterministic chunk IDs make replays after a resume harmless.
func (r *Runner) embed(ctx context.Context, artifact storage.Artifact, state *jobState) error {
	if len(state.chunks) == 0 {
		return nil
	}

	records := make([]vectorindex.Record, len(state.chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)

	for i, chunk := range state.chunks {
		g.Go(func() error {
			vec, err := r.models.EmbedText(gctx, chunk.Text)
			if err != nil {
				return fmt.Errorf("embedding chunk %d: %w", chunk.Ordinal, err)
			}
			records[i] = recordFor(artifact, chunk, vec)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := r.index.Upsert(ctx, artifact.OwnerID, records); err != nil {
		return fmt.Errorf("upserting %d chunks: %w", len(records), err)
	}
	return nil
}

func recordFor(artifact storage.Artifact, chunk chunker.Chunk, embedding []float32) vectorindex.Record {
	seg := chunk.Segment
	return vectorindex.Record{
		ID:             chunk.ID,
		OwnerID:        artifact.OwnerID,
		SourceID:       artifact.ID,
		Ordinal:        chunk.Ordinal,
		Text:           chunk.Text,
		Embedding:      embedding,
		FileName:       seg.FileName,
		Modality:       seg.Modality,
		CourseID:       artifact.CourseID,
		DocType:        artifact.DocType,
		PageNumber:     seg.PageNumber,
		StartTime:      seg.StartTime,
		EndTime:        seg.EndTime,
		ContainsVisual: seg.ContainsVisual,
		EnrichError:    seg.EnrichError != "",
	}
}

func (r *Runner) failPermanent(job *storage.Job, stage Stage, cause error, resumable bool) error {
	if err := r.store.FailJobPermanent(job.ID, string(stage), cause.Error(), resumable); err != nil {
		return fmt.Errorf("marking job %s failed: %w", job.ID, err)
	}
	return nil
}

func (r *Runner) cleanSpool(artifactID string) {
	if r.spoolDir == "" {
		return
	}
	if err := os.RemoveAll(filepath.Join(r.spoolDir, artifactID)); err != nil {
		r.logger.Warn("removing spool directory", "artifact_id", artifactID, "error", err)
	}
}
