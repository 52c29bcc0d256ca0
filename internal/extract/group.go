package extract

import (
	"strings"

	"github.com/eduverse/engine/internal/gateway"
)

// defaultGroupWindow is the target duration of one grouped interval.
const defaultGroupWindow = 30.0

// GroupTranscript merges short transcription segments into intervals of
// roughly window seconds, preserving order and boundary timestamps. A
// non-positive window uses the default.
func GroupTranscript(segments []gateway.TranscriptSegment, window float64) []Interval {
	if window <= 0 {
		window = defaultGroupWindow
	}

	var intervals []Interval
	var current *Interval
	var parts []string

	flush := func() {
		if current != nil {
			current.Text = strings.TrimSpace(strings.Join(parts, " "))
			if current.Text != "" {
				intervals = append(intervals, *current)
			}
			current = nil
			parts = nil
		}
	}

	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if current == nil {
			current = &Interval{Start: seg.Start, End: seg.End}
			parts = []string{text}
			continue
		}
		if seg.End-current.Start > window {
			flush()
			current = &Interval{Start: seg.Start, End: seg.End}
			parts = []string{text}
			continue
		}
		current.End = seg.End
		parts = append(parts, text)
	}
	flush()

	return intervals
}
