package ingest

import (
	"github.com/eduverse/engine/internal/chunker"
	"github.com/eduverse/engine/internal/extract"
	"github.com/eduverse/engine/internal/normalize"
)

// Checkpoint is the write-ahead record saved after each stage. Stage is
// the last stage that completed; the payload field for that stage carries
// exactly what the next stage needs, so a resumed job re-enters the
// pipeline without redoing earlier work.
type Checkpoint struct {
	Stage Stage `json:"stage"`

	// After Downloading: the spooled local copy of the artifact.
	LocalPath string `json:"local_path,omitempty"`
	// After Loading: raw extraction output by modality.
	Load *LoadResult `json:"load,omitempty"`
	// After Enriching: cleaned, enriched segments.
	Segments []normalize.Segment `json:"segments,omitempty"`
	// After Chunking: chunks awaiting embedding.
	Chunks []chunker.Chunk `json:"chunks,omitempty"`
}

// LoadResult is the raw extraction output of the Loading stage. Only the
// fields for the artifact's modality are populated.
type LoadResult struct {
	Pages     []extract.Page     `json:"pages,omitempty"`
	Intervals []extract.Interval `json:"intervals,omitempty"`
	Frames    []extract.Frame    `json:"frames,omitempty"`
	ImageData []byte             `json:"image_data,omitempty"`
}
