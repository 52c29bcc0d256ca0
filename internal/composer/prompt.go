// Package composer turns retrieved chunks and conversation history into
// the chat prompt sent to the generation model, and resolves the bracket
// citations the model emits back to their source chunks.
package composer

import (
	"fmt"
	"strings"

	"github.com/eduverse/engine/internal/gateway"
	"github.com/eduverse/engine/internal/storage"
	"github.com/eduverse/engine/internal/vectorindex"
)

// NoContextAnswer is returned verbatim when retrieval finds nothing.
const NoContextAnswer = "I don't have that information in your study materials."

const defaultMaxContextTokens = 4000

const systemPrompt = `You are a study assistant. Answer the student's question using ONLY the numbered study material excerpts below. Rules:
- Cite every claim with the bracket number of the excerpt it comes from, like [1] or [2].
- Only cite numbers that appear in the excerpts. Never invent a number.
- If the excerpts do not contain the answer, reply exactly: "` + NoContextAnswer + `"
- Be concise and direct.

Study material excerpts:
`

// Composer assembles prompts from retrieved chunks, respecting a token
// budget for the injected context.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer. If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// BuildPrompt returns the chat messages for the generation model and the
// ordinal map the answer's citations resolve against. Chunks must arrive
// best first; those that do not fit the token budget are dropped from the
// end and never numbered.
func (c *Composer) BuildPrompt(question string, chunks []vectorindex.ScoredRecord, history []storage.Turn) ([]gateway.Message, map[int]vectorindex.ScoredRecord) {
	var sb strings.Builder
	sb.WriteString(systemPrompt)

	byOrdinal := make(map[int]vectorindex.ScoredRecord, len(chunks))
	remaining := c.MaxContextTokens - EstimateTokens(systemPrompt)
	ordinal := 1
	for _, ch := range chunks {
		entry := formatExcerpt(ordinal, ch)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			break
		}
		sb.WriteString(entry)
		byOrdinal[ordinal] = ch
		remaining -= tokens
		ordinal++
	}

	messages := make([]gateway.Message, 0, 2*len(history)+2)
	messages = append(messages, gateway.Message{Role: "system", Content: sb.String()})
	for _, turn := range history {
		messages = append(messages,
			gateway.Message{Role: "user", Content: turn.Question},
			gateway.Message{Role: "assistant", Content: turn.Answer},
		)
	}
	messages = append(messages, gateway.Message{Role: "user", Content: question})

	return messages, byOrdinal
}

func formatExcerpt(ordinal int, ch vectorindex.ScoredRecord) string {
	return fmt.Sprintf("\n[%d] (source: %s)\n%s\n", ordinal, SourceLabel(ch.Record), ch.Text)
}

// SourceLabel renders a chunk's provenance for display: page numbers for
// documents, a time range for audio and video.
func SourceLabel(r vectorindex.Record) string {
	switch {
	case r.PageNumber != nil:
		return fmt.Sprintf("%s, page %d", r.FileName, *r.PageNumber)
	case r.StartTime != nil && r.EndTime != nil:
		return fmt.Sprintf("%s, %s-%s", r.FileName, formatTime(*r.StartTime), formatTime(*r.EndTime))
	case r.StartTime != nil:
		return fmt.Sprintf("%s, at %s", r.FileName, formatTime(*r.StartTime))
	default:
		return r.FileName
	}
}

func formatTime(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
