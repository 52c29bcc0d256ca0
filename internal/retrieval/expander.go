package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/eduverse/engine/internal/gateway"
	"github.com/eduverse/engine/internal/storage"
)

// Generator produces chat completions for query rewriting.
type Generator interface {
	GenerateAnswer(ctx context.Context, messages []gateway.Message) (string, error)
}

const contextualizePrompt = `Given the conversation history and a follow-up question, rewrite the follow-up into a standalone question that can be understood without the history. Keep the rewritten question short. Respond with the rewritten question only, nothing else.`

const paraphrasePrompt = `You rewrite search queries. Generate up to %d alternative phrasings of the question below so a semantic search finds more relevant study material. One phrasing per line. Keep each phrasing short. Do not repeat the original question.

Question: %s

Alternative phrasings, one per line:`

// QueryExpander rewrites a question into the set of queries actually searched:
// the question contextualized against conversation history, plus up to
// maxParaphrases alternative phrasings. Every rewrite degrades gracefully to
// the original question when the model fails.
type QueryExpander struct {
	generator      Generator
	maxParaphrases int
	logger         *slog.Logger
}

func NewQueryExpander(gen Generator, maxParaphrases int, logger *slog.Logger) *QueryExpander {
	if maxParaphrases < 0 {
		maxParaphrases = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryExpander{generator: gen, maxParaphrases: maxParaphrases, logger: logger}
}

// Expand returns the list of queries to search, standalone question first.
func (e *QueryExpander) Expand(ctx context.Context, question string, history []storage.Turn) ([]string, error) {
	primary := e.Contextualize(ctx, question, history)

	queries := []string{primary}
	if e.maxParaphrases == 0 || e.generator == nil {
		return queries, nil
	}

	paraphrases, err := e.paraphrase(ctx, primary)
	if err != nil {
		e.logger.Debug("query expansion failed, searching original only", "error", err)
		return queries, nil
	}
	return append(queries, paraphrases...), nil
}

// Contextualize rewrites a follow-up question into a standalone one using the
// conversation history. With no history, or on model failure, the question is
// returned as asked.
func (e *QueryExpander) Contextualize(ctx context.Context, question string, history []storage.Turn) string {
	if len(history) == 0 || e.generator == nil {
		return question
	}

	messages := make([]gateway.Message, 0, 2*len(history)+2)
	messages = append(messages, gateway.Message{Role: "system", Content: contextualizePrompt})
	for _, turn := range history {
		messages = append(messages,
			gateway.Message{Role: "user", Content: turn.Question},
			gateway.Message{Role: "assistant", Content: turn.Answer},
		)
	}
	messages = append(messages, gateway.Message{Role: "user", Content: question})

	rewritten, err := e.generator.GenerateAnswer(ctx, messages)
	if err != nil {
		e.logger.Debug("contextualize failed, using question as asked", "error", err)
		return question
	}
	rewritten = strings.TrimSpace(rewritten)
	if rewritten == "" {
		return question
	}
	return rewritten
}

func (e *QueryExpander) paraphrase(ctx context.Context, question string) ([]string, error) {
	prompt := fmt.Sprintf(paraphrasePrompt, e.maxParaphrases, question)
	resp, err := e.generator.GenerateAnswer(ctx, []gateway.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return nil, fmt.Errorf("generating paraphrases: %w", err)
	}
	return parseQueryLines(resp, question, e.maxParaphrases), nil
}

// parseQueryLines extracts one query per line, stripping list markers the
// model tends to add. Duplicates of the original question are dropped.
func parseQueryLines(resp, original string, max int) []string {
	var queries []string
	for _, line := range strings.Split(strings.TrimSpace(resp), "\n") {
		line = strings.TrimSpace(line)
		line = trimListMarker(line)
		if line == "" || strings.EqualFold(line, original) {
			continue
		}
		queries = append(queries, line)
		if len(queries) == max {
			break
		}
	}
	return queries
}

func trimListMarker(line string) string {
	line = strings.TrimLeft(line, "-*• ")
	// Numbered prefixes: "1. ", "2) ", "10. "
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')') {
		return strings.TrimSpace(line[i+1:])
	}
	return strings.TrimSpace(line)
}
