package composer

import (
	"regexp"
	"strconv"

	"github.com/eduverse/engine/internal/vectorindex"
)

var citationRe = regexp.MustCompile(`\[(\d+)\]`)

const snippetRunes = 200

// Citation is one resolved bracket reference from an answer.
type Citation struct {
	Ordinal    int      `json:"ordinal"`
	ChunkID    string   `json:"chunk_id"`
	SourceID   string   `json:"source_id"`
	FileName   string   `json:"file_name"`
	Modality   string   `json:"modality"`
	Label      string   `json:"label"`
	Snippet    string   `json:"snippet"`
	PageNumber *int     `json:"page_number,omitempty"`
	StartTime  *float64 `json:"start_time,omitempty"`
	EndTime    *float64 `json:"end_time,omitempty"`
}

// ExtractCitations finds the bracket ordinals in an answer and resolves
// them against the prompt's ordinal map. Citations keep first-appearance
// order, duplicates collapse, and ordinals that never appeared in the
// prompt are dropped from the result and returned separately so the
// caller can log them. The answer text itself is never modified.
func ExtractCitations(answer string, byOrdinal map[int]vectorindex.ScoredRecord) (citations []Citation, hallucinated []int) {
	seen := make(map[int]bool)
	for _, match := range citationRe.FindAllStringSubmatch(answer, -1) {
		ordinal, err := strconv.Atoi(match[1])
		if err != nil || seen[ordinal] {
			continue
		}
		seen[ordinal] = true

		chunk, ok := byOrdinal[ordinal]
		if !ok {
			hallucinated = append(hallucinated, ordinal)
			continue
		}
		citations = append(citations, Citation{
			Ordinal:    ordinal,
			ChunkID:    chunk.ID,
			SourceID:   chunk.SourceID,
			FileName:   chunk.FileName,
			Modality:   chunk.Modality,
			Label:      SourceLabel(chunk.Record),
			Snippet:    snippet(chunk.Text),
			PageNumber: chunk.PageNumber,
			StartTime:  chunk.StartTime,
			EndTime:    chunk.EndTime,
		})
	}
	return citations, hallucinated
}

func snippet(text string) string {
	runes := []rune(text)
	if len(runes) <= snippetRunes {
		return text
	}
	return string(runes[:snippetRunes]) + "…"
}
