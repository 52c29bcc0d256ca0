package normalize

import (
	"path/filepath"
	"strings"
)

// Segment is one normalized unit of content: a document page, a timed span
// of audio or video, or a described image. Chunks inherit its metadata.
type Segment struct {
	Text           string   `json:"text"`
	Modality       string   `json:"modality"`
	FileName       string   `json:"file_name"`
	PageNumber     *int     `json:"page_number,omitempty"`
	TotalPages     int      `json:"total_pages,omitempty"`
	StartTime      *float64 `json:"start_time,omitempty"`
	EndTime        *float64 `json:"end_time,omitempty"`
	ContainsVisual bool     `json:"contains_visual"`
	VisualTags     []string `json:"visual_tags,omitempty"`
	// EnrichError notes a partial enrichment failure (e.g. one image could
	// not be described). The segment still carries its extracted text.
	EnrichError string `json:"enrich_error,omitempty"`
}

// DetectDocType guesses the kind of study material from the file name.
// Returns "" when nothing matches.
func DetectDocType(fileName string) string {
	name := strings.ToLower(fileName)
	switch {
	case strings.Contains(name, "lab"):
		return "lab"
	case strings.Contains(name, "assignment"), strings.Contains(name, "homework"), strings.Contains(name, "hw"):
		return "assignment"
	case strings.Contains(name, "exam"), strings.Contains(name, "midterm"), strings.Contains(name, "final"), strings.Contains(name, "quiz"):
		return "exam"
	case strings.Contains(name, "lecture"), strings.Contains(name, "slide"):
		return "lecture"
	default:
		return ""
	}
}

// visualTagKeywords maps a tag to the description words that imply it.
var visualTagKeywords = map[string][]string{
	"diagram":  {"diagram", "flowchart", "architecture"},
	"chart":    {"chart", "graph", "plot", "histogram"},
	"table":    {"table", "spreadsheet"},
	"code":     {"code", "snippet", "function", "terminal"},
	"equation": {"equation", "formula", "math"},
	"slide":    {"slide", "presentation", "bullet points"},
}

// tagVisual derives coarse content tags from a vision model description.
func tagVisual(description string) []string {
	lower := strings.ToLower(description)
	var tags []string
	for _, tag := range []string{"diagram", "chart", "table", "code", "equation", "slide"} {
		for _, kw := range visualTagKeywords[tag] {
			if strings.Contains(lower, kw) {
				tags = append(tags, tag)
				break
			}
		}
	}
	return tags
}

// modalityForExtension maps a file extension to the ingestion modality.
func ModalityForFile(fileName string) string {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf", ".txt", ".md":
		return "document"
	case ".mp3", ".wav", ".m4a", ".flac", ".ogg":
		return "audio"
	case ".mp4", ".mov", ".mkv", ".avi", ".webm":
		return "video"
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".webp":
		return "image"
	default:
		return "document"
	}
}
