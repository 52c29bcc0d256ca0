package normalize

import (
	"strings"
	"testing"
)

func TestCleanText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "rejoins hyphenated line break",
			input: "an impor-\ntant concept",
			want:  "an important concept",
		},
		{
			name:  "drops page number lines",
			input: "Intro to sorting\nPage 3 of 12\nMerge sort splits the input",
			want:  "Intro to sorting\n\nMerge sort splits the input",
		},
		{
			name:  "standardizes bullets",
			input: "• first item\n● second item",
			want:  "- first item\n- second item",
		},
		{
			name:  "collapses whitespace runs",
			input: "too   many    spaces\n\n\n\n\nand newlines",
			want:  "too many spaces\n\nand newlines",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CleanText(tt.input)
			if got != tt.want {
				t.Errorf("CleanText(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCleanTextTableToProse(t *testing.T) {
	got := CleanText("Algorithm\tBest\tWorst\nquicksort\tn log n\tn^2")
	if !strings.Contains(got, "Algorithm, Best, Worst.") {
		t.Errorf("header row not converted: %q", got)
	}
	if !strings.Contains(got, "quicksort, n log n, n^2.") {
		t.Errorf("data row not converted: %q", got)
	}
}

func TestCleanTranscription(t *testing.T) {
	input := "Um, so today we're, uh, covering [music] binary trees, you know, in depth"
	got := CleanTranscription(input)
	for _, banned := range []string{"Um", "uh", "[music]", "you know"} {
		if strings.Contains(got, banned) {
			t.Errorf("filler %q survived: %q", banned, got)
		}
	}
	if !strings.Contains(got, "binary trees") {
		t.Errorf("content lost: %q", got)
	}
}

func TestDetectDocType(t *testing.T) {
	tests := []struct {
		file string
		want string
	}{
		{"lab3_instructions.pdf", "lab"},
		{"Assignment_2.pdf", "assignment"},
		{"midterm_review.pdf", "exam"},
		{"Lecture 04 - Graphs.pdf", "lecture"},
		{"notes.pdf", ""},
	}
	for _, tt := range tests {
		if got := DetectDocType(tt.file); got != tt.want {
			t.Errorf("DetectDocType(%q) = %q, want %q", tt.file, got, tt.want)
		}
	}
}
