package normalize

import (
	"regexp"
	"strings"
)

var (
	pageArtifactRe = regexp.MustCompile(`(?mi)^\s*(?:page\s+\d+(?:\s+of\s+\d+)?|\d+\s+of\s+\d+|\d{1,4})\s*$`)
	hyphenBreakRe  = regexp.MustCompile(`(\pL+)-\n(\pL+)`)
	bulletRe       = regexp.MustCompile(`(?m)^\s*[•●▪‣○◦*]\s*`)
	spaceRunRe     = regexp.MustCompile(`[ \t]{2,}`)
	newlineRunRe   = regexp.MustCompile(`\n{3,}`)

	fillerRe    = regexp.MustCompile(`(?i)\b(?:um+|uh+|er+|ah+|hmm+|mhm|uh-huh|you know|i mean)\b[,]?\s*`)
	bracketedRe = regexp.MustCompile(`[\[(](?:music|applause|laughter|noise|inaudible|crosstalk|silence)[\])]`)

	tableCellSplitRe = regexp.MustCompile(`\t+| {2,}`)
)

// CleanText normalizes extracted document text: drops page number
// artifacts, rejoins words hyphenated across line breaks, standardizes
// bullet markers, converts simple tabular lines to prose, and collapses
// whitespace.
func CleanText(text string) string {
	text = hyphenBreakRe.ReplaceAllString(text, "$1$2")
	text = pageArtifactRe.ReplaceAllString(text, "")
	text = bulletRe.ReplaceAllString(text, "- ")
	text = tablesToProse(text)
	text = spaceRunRe.ReplaceAllString(text, " ")
	text = newlineRunRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// CleanTranscription removes speech fillers and bracketed annotations
// before applying the general cleaning pass.
func CleanTranscription(text string) string {
	text = bracketedRe.ReplaceAllString(text, "")
	text = fillerRe.ReplaceAllString(text, "")
	return CleanText(text)
}

// tablesToProse turns lines that look like simple table rows (multiple
// cells separated by tabs or runs of spaces) into comma-joined sentences.
// Anything more structured is left alone.
func tablesToProse(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "- ") {
			continue
		}
		cells := tableCellSplitRe.Split(trimmed, -1)
		if len(cells) < 3 {
			continue
		}
		nonEmpty := cells[:0]
		for _, c := range cells {
			if c = strings.TrimSpace(c); c != "" {
				nonEmpty = append(nonEmpty, c)
			}
		}
		if len(nonEmpty) < 3 {
			continue
		}
		lines[i] = strings.Join(nonEmpty, ", ") + "."
	}
	return strings.Join(lines, "\n")
}
