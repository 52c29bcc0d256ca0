package vectorindex

import (
	"context"
	"time"
)

// Record is one embedded chunk with its provenance metadata. OwnerID is
// the isolation namespace: no operation ever crosses owners.
type Record struct {
	ID             string
	OwnerID        string
	SourceID       string
	Ordinal        int
	Text           string
	Embedding      []float32
	FileName       string
	Modality       string
	CourseID       string
	DocType        string
	PageNumber     *int
	StartTime      *float64
	EndTime        *float64
	ContainsVisual bool
	EnrichError    bool
	CreatedAt      time.Time
}

// ScoredRecord pairs a record with its similarity to a query.
type ScoredRecord struct {
	Record
	Score float32
}

// Filter restricts a search to records matching every set field.
// Slice fields are set-membership; empty fields match everything.
type Filter struct {
	CourseID   string
	SourceID   string
	Modalities []string
	DocTypes   []string
	VisualOnly bool
}

// Index stores embedded chunks per owner and serves similarity search.
// Every method takes the owner so isolation cannot be forgotten at a
// call site.
type Index interface {
	// Upsert inserts records, replacing any with the same ID. Replays of
	// the same chunks are idempotent.
	Upsert(ctx context.Context, owner string, records []Record) error
	// Search returns the topK records most similar to vector, filtered
	// before scoring. Order is score descending, then ordinal ascending.
	Search(ctx context.Context, owner string, vector []float32, topK int, filter Filter) ([]ScoredRecord, error)
	// DeleteBySource removes every record of one artifact, returning the
	// number removed.
	DeleteBySource(ctx context.Context, owner, sourceID string) (int, error)
	// Count reports how many records the owner has.
	Count(ctx context.Context, owner string) (int, error)
}
