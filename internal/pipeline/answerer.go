// Package pipeline orchestrates one question/answer round: retrieve,
// compose, generate, resolve citations, remember the turn.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/eduverse/engine/internal/composer"
	"github.com/eduverse/engine/internal/gateway"
	"github.com/eduverse/engine/internal/session"
	"github.com/eduverse/engine/internal/storage"
	"github.com/eduverse/engine/internal/vectorindex"
)

// Retriever finds the chunks relevant to a question.
type Retriever interface {
	Retrieve(ctx context.Context, owner, question string, history []storage.Turn, filter vectorindex.Filter) ([]vectorindex.ScoredRecord, error)
}

// Generator produces the final answer text.
type Generator interface {
	GenerateAnswer(ctx context.Context, messages []gateway.Message) (string, error)
}

// Ask is one question with its scoping.
type Ask struct {
	OwnerID   string
	SessionID string
	Question  string
	Filter    vectorindex.Filter
}

// Answer is the composed result with verifiable citations.
type Answer struct {
	Text       string              `json:"answer"`
	Citations  []composer.Citation `json:"citations"`
	DurationMs int64               `json:"duration_ms"`
}

// Answerer wires the answering pipeline together.
type Answerer struct {
	retriever Retriever
	generator Generator
	composer  *composer.Composer
	sessions  *session.Manager
	logger    *slog.Logger
}

func NewAnswerer(retriever Retriever, generator Generator, comp *composer.Composer, sessions *session.Manager, logger *slog.Logger) *Answerer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Answerer{
		retriever: retriever,
		generator: generator,
		composer:  comp,
		sessions:  sessions,
		logger:    logger,
	}
}

// Ask answers one question. With no relevant material indexed, the fixed
// no-context answer is returned with an empty citation list and the model
// is never called. Every successful round is recorded in the session.
func (a *Answerer) Ask(ctx context.Context, req Ask) (Answer, error) {
	start := time.Now()

	history, err := a.sessions.History(req.SessionID)
	if err != nil {
		return Answer{}, fmt.Errorf("loading history: %w", err)
	}

	chunks, err := a.retriever.Retrieve(ctx, req.OwnerID, req.Question, history, req.Filter)
	if err != nil {
		return Answer{}, fmt.Errorf("retrieving context: %w", err)
	}

	if len(chunks) == 0 {
		answer := Answer{
			Text:       composer.NoContextAnswer,
			Citations:  []composer.Citation{},
			DurationMs: time.Since(start).Milliseconds(),
		}
		if err := a.sessions.Record(req.SessionID, req.Question, answer.Text); err != nil {
			a.logger.Warn("recording no-context turn failed", "error", err)
		}
		return answer, nil
	}

	messages, byOrdinal := a.composer.BuildPrompt(req.Question, chunks, history)
	text, err := a.generator.GenerateAnswer(ctx, messages)
	if err != nil {
		return Answer{}, fmt.Errorf("generating answer: %w", err)
	}

	citations, hallucinated := composer.ExtractCitations(text, byOrdinal)
	if len(hallucinated) > 0 {
		a.logger.Warn("answer cited ordinals outside the prompt",
			"owner", req.OwnerID, "ordinals", hallucinated)
	}
	if citations == nil {
		citations = []composer.Citation{}
	}

	if err := a.sessions.Record(req.SessionID, req.Question, text); err != nil {
		a.logger.Warn("recording turn failed", "error", err)
	}

	return Answer{
		Text:       text,
		Citations:  citations,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}
