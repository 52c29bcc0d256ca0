package chunker

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/eduverse/engine/internal/normalize"
)

// chunkNamespace seeds deterministic chunk IDs. Re-chunking the same
// artifact always reproduces the same IDs, which makes embedding upserts
// idempotent across resumed runs.
var chunkNamespace = uuid.MustParse("9e5c1c39-6b1f-4a72-9d35-2f8b79f1a5e4")

// Params controls chunk sizing. Size and Overlap are in runes;
// BoundaryWindow is how far back from a hard cut the splitter may move to
// land on a sentence boundary.
type Params struct {
	Size           int
	Overlap        int
	BoundaryWindow int
}

// DefaultParams matches the sizing the retrieval side is tuned for.
func DefaultParams() Params {
	return Params{Size: 500, Overlap: 100, BoundaryWindow: 120}
}

// Chunk is one indexable piece of an artifact. Ordinal orders chunks
// within the artifact; Segment carries the provenance metadata the chunk
// inherits.
type Chunk struct {
	ID       string            `json:"id"`
	SourceID string            `json:"source_id"`
	Ordinal  int               `json:"ordinal"`
	Text     string            `json:"text"`
	Segment  normalize.Segment `json:"segment"`
}

// ChunkID derives the deterministic ID for a chunk of an artifact.
func ChunkID(sourceID string, ordinal int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s:%d", sourceID, ordinal))).String()
}

// Split chunks normalized segments into overlapping windows. Each chunk
// text gets a provenance prefix so its embedding carries the source
// context. Ordinals run across the whole artifact in segment order.
func Split(sourceID string, segments []normalize.Segment, p Params) []Chunk {
	if p.Size <= 0 {
		p = DefaultParams()
	}
	if p.Overlap >= p.Size {
		p.Overlap = p.Size / 4
	}

	var chunks []Chunk
	ordinal := 0
	for _, seg := range segments {
		for _, piece := range splitText(seg.Text, p) {
			chunks = append(chunks, Chunk{
				ID:       ChunkID(sourceID, ordinal),
				SourceID: sourceID,
				Ordinal:  ordinal,
				Text:     contextPrefix(seg) + piece,
				Segment:  seg,
			})
			ordinal++
		}
	}
	return chunks
}

// contextPrefix describes where the chunk text came from, e.g.
// "[From lecture.pdf, page 2] ".
func contextPrefix(seg normalize.Segment) string {
	switch {
	case seg.PageNumber != nil:
		return fmt.Sprintf("[From %s, page %d] ", seg.FileName, *seg.PageNumber)
	case seg.StartTime != nil:
		return fmt.Sprintf("[From %s, at %s] ", seg.FileName, formatTime(*seg.StartTime))
	case seg.FileName != "":
		return fmt.Sprintf("[From %s] ", seg.FileName)
	default:
		return ""
	}
}

func formatTime(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// splitText cuts text into windows of at most p.Size runes with p.Overlap
// overlap, preferring to end on a sentence boundary within the tolerance
// window and falling back to a hard cut.
func splitText(text string, p Params) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= p.Size {
		if piece := strings.TrimSpace(text); piece != "" {
			return []string{piece}
		}
		return nil
	}

	var pieces []string
	start := 0
	for start < len(runes) {
		end := start + p.Size
		if end >= len(runes) {
			end = len(runes)
		} else if cut := boundaryCut(runes, start, end, p.BoundaryWindow); cut > start {
			end = cut
		}

		piece := strings.TrimSpace(string(runes[start:end]))
		if piece != "" {
			pieces = append(pieces, piece)
		}
		if end == len(runes) {
			break
		}

		next := end - p.Overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return pieces
}

// boundaryCut looks backward from end for a sentence end within window
// runes. Returns the cut position after the boundary, or 0 when none found.
func boundaryCut(runes []rune, start, end, window int) int {
	limit := end - window
	if limit < start+1 {
		limit = start + 1
	}
	for i := end - 1; i >= limit; i-- {
		switch runes[i] {
		case '\n':
			return i + 1
		case '.', '!', '?':
			if i+1 < len(runes) && (runes[i+1] == ' ' || runes[i+1] == '\n') {
				return i + 2
			}
			if i == len(runes)-1 {
				return i + 1
			}
		}
	}
	return 0
}
