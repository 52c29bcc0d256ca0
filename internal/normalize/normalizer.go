package normalize

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eduverse/engine/internal/extract"
)

// VisionDescriber produces a textual description of an image.
type VisionDescriber interface {
	DescribeImage(ctx context.Context, image []byte, prompt string) (string, error)
}

const (
	pageImagePrompt = "Describe this image from study materials. Include any text, diagrams, equations, charts or code it contains."
	framePrompt     = "Describe what this video frame shows. Focus on slides, diagrams, code and written content."
	imagePrompt     = "Describe this study material image in detail. Transcribe any visible text and explain diagrams, equations or charts."

	// maxImagesPerPage bounds vision calls for image-heavy pages.
	maxImagesPerPage = 3
)

// Normalizer converts raw extraction output into cleaned, enriched
// segments. Vision enrichment failures are partial: the segment keeps its
// text and records the failure instead of aborting the run.
type Normalizer struct {
	vision VisionDescriber
	logger *slog.Logger
}

func New(vision VisionDescriber, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{vision: vision, logger: logger}
}

// Document produces one segment per page that has content. Page images
// are described by the vision model and appended as marked visual blocks.
func (n *Normalizer) Document(ctx context.Context, fileName string, pages []extract.Page) []Segment {
	var segments []Segment
	total := len(pages)
	for _, page := range pages {
		text := CleanText(page.Text)

		seg := Segment{
			Modality:   "document",
			FileName:   fileName,
			TotalPages: total,
		}
		num := page.Number
		seg.PageNumber = &num

		images := page.Images
		if len(images) > maxImagesPerPage {
			images = images[:maxImagesPerPage]
		}
		for _, img := range images {
			desc, err := n.vision.DescribeImage(ctx, img, pageImagePrompt)
			if err != nil {
				n.logger.Warn("image description failed",
					"file", fileName, "page", page.Number, "error", err)
				seg.EnrichError = fmt.Sprintf("describing page image: %v", err)
				continue
			}
			if desc == "" {
				continue
			}
			if text != "" {
				text += "\n\n"
			}
			text += "[Visual: " + desc + "]"
			seg.ContainsVisual = true
			seg.VisualTags = mergeTags(seg.VisualTags, tagVisual(desc))
		}

		if text == "" && seg.EnrichError == "" {
			continue
		}
		seg.Text = text
		segments = append(segments, seg)
	}
	return segments
}

// Transcript produces one segment per timed interval. Video keyframes are
// described and merged into the interval containing their timestamp; a
// frame past the last interval attaches to the final one.
func (n *Normalizer) Transcript(ctx context.Context, fileName, modality string, intervals []extract.Interval, frames []extract.Frame) []Segment {
	if len(intervals) == 0 {
		return n.framesOnly(ctx, fileName, modality, frames)
	}

	segments := make([]Segment, 0, len(intervals))
	for _, iv := range intervals {
		start, end := iv.Start, iv.End
		seg := Segment{
			Modality:  modality,
			FileName:  fileName,
			StartTime: &start,
			EndTime:   &end,
			Text:      "[AUDIO] " + CleanTranscription(iv.Text),
		}
		segments = append(segments, seg)
	}

	for _, frame := range frames {
		idx := intervalFor(intervals, frame.Timestamp)
		desc, err := n.vision.DescribeImage(ctx, frame.Image, framePrompt)
		if err != nil {
			n.logger.Warn("frame description failed",
				"file", fileName, "timestamp", frame.Timestamp, "error", err)
			if segments[idx].EnrichError == "" {
				segments[idx].EnrichError = fmt.Sprintf("describing frame at %.1fs: %v", frame.Timestamp, err)
			}
			continue
		}
		if desc == "" {
			continue
		}
		segments[idx].Text += "\n[VISUAL]\n" + desc
		segments[idx].ContainsVisual = true
		segments[idx].VisualTags = mergeTags(segments[idx].VisualTags, tagVisual(desc))
	}
	return segments
}

// framesOnly handles video with no usable audio track: each keyframe
// becomes its own visual segment.
func (n *Normalizer) framesOnly(ctx context.Context, fileName, modality string, frames []extract.Frame) []Segment {
	var segments []Segment
	for _, frame := range frames {
		ts := frame.Timestamp
		seg := Segment{
			Modality:  modality,
			FileName:  fileName,
			StartTime: &ts,
			EndTime:   &ts,
		}
		desc, err := n.vision.DescribeImage(ctx, frame.Image, framePrompt)
		if err != nil {
			n.logger.Warn("frame description failed",
				"file", fileName, "timestamp", frame.Timestamp, "error", err)
			seg.EnrichError = fmt.Sprintf("describing frame at %.1fs: %v", frame.Timestamp, err)
			segments = append(segments, seg)
			continue
		}
		if desc == "" {
			continue
		}
		seg.Text = "[VISUAL]\n" + desc
		seg.ContainsVisual = true
		seg.VisualTags = tagVisual(desc)
		segments = append(segments, seg)
	}
	return segments
}

// Image produces a single described segment for a standalone image. When
// the vision model fails, a placeholder segment records the failure so the
// artifact still indexes under its name.
func (n *Normalizer) Image(ctx context.Context, fileName string, image []byte) []Segment {
	seg := Segment{
		Modality:       "image",
		FileName:       fileName,
		ContainsVisual: true,
	}
	desc, err := n.vision.DescribeImage(ctx, image, imagePrompt)
	if err != nil {
		n.logger.Warn("image description failed", "file", fileName, "error", err)
		seg.Text = "Image " + fileName + " (description unavailable)."
		seg.EnrichError = fmt.Sprintf("describing image: %v", err)
		return []Segment{seg}
	}
	seg.Text = desc
	seg.VisualTags = tagVisual(desc)
	return []Segment{seg}
}

// intervalFor returns the index of the interval containing ts, or the
// nearest one when ts falls outside every interval.
func intervalFor(intervals []extract.Interval, ts float64) int {
	for i, iv := range intervals {
		if ts >= iv.Start && ts <= iv.End {
			return i
		}
		if ts < iv.Start {
			return i
		}
	}
	return len(intervals) - 1
}

func mergeTags(existing, extra []string) []string {
	for _, tag := range extra {
		found := false
		for _, have := range existing {
			if have == tag {
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, tag)
		}
	}
	return existing
}
