package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrJobActive is returned when an artifact already has a queued or
// running ingestion job.
var ErrJobActive = errors.New("artifact already has an active job")

// Artifact is a submitted source of study material. Artifacts are
// immutable once submitted; replacing content means a new artifact.
type Artifact struct {
	ID         string
	OwnerID    string
	Name       string
	Modality   string // "document", "audio", "video", "image"
	Locator    string // http(s) URL or local file path
	CourseID   string
	CourseName string
	DocType    string // "lab", "assignment", "exam", "lecture" or ""
	CreatedAt  time.Time
}

// Job tracks one ingestion run for an artifact.
type Job struct {
	ID              string
	ArtifactID      string
	Status          string // "queued", "running", "completed", "failed"
	Stage           string // last stage the job entered
	Progress        float64
	Attempts        int
	MaxAttempts     int
	RunAfter        time.Time
	CancelRequested bool
	// Resumable is false when the job failed in a way that cannot resume
	// from its checkpoint (the checkpoint was unreadable). Re-submission
	// then restarts from scratch.
	Resumable bool
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Turn is one question/answer exchange within a conversation session.
type Turn struct {
	Seq       int64
	SessionID string
	Question  string
	Answer    string
	CreatedAt time.Time
}
