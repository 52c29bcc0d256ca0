package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/eduverse/engine/internal/reranking"
	"github.com/eduverse/engine/internal/storage"
	"github.com/eduverse/engine/internal/vectorindex"
)

const (
	defaultFetchK = 30
	defaultTopK   = 5

	// mmrLambda balances relevance against diversity during final
	// selection. 1.0 is pure relevance, 0.0 pure diversity.
	mmrLambda = 0.7

	embedConcurrency = 4
)

// Embedder turns query text into a vector.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// Params tunes the retrieval pipeline. Zero values fall back to defaults.
type Params struct {
	FetchK int // candidates fetched per expanded query
	TopK   int // final result count
}

// Engine runs the full retrieval pipeline: expand the question into
// queries, fetch candidates per query, merge and dedup, rerank, then pick
// a diverse top-K.
type Engine struct {
	embedder Embedder
	index    vectorindex.Index
	expander *QueryExpander
	reranker reranking.Reranker
	fetchK   int
	topK     int
	logger   *slog.Logger
}

func NewEngine(embedder Embedder, index vectorindex.Index, expander *QueryExpander, reranker reranking.Reranker, params Params, logger *slog.Logger) *Engine {
	if params.FetchK <= 0 {
		params.FetchK = defaultFetchK
	}
	if params.TopK <= 0 {
		params.TopK = defaultTopK
	}
	if reranker == nil {
		reranker = &reranking.NoOpReranker{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		embedder: embedder,
		index:    index,
		expander: expander,
		reranker: reranker,
		fetchK:   params.FetchK,
		topK:     params.TopK,
		logger:   logger,
	}
}

// Retrieve returns the chunks most relevant to the question, scoped to the
// owner and restricted by filter before any scoring happens.
func (e *Engine) Retrieve(ctx context.Context, owner, question string, history []storage.Turn, filter vectorindex.Filter) ([]vectorindex.ScoredRecord, error) {
	queries, err := e.expander.Expand(ctx, question, history)
	if err != nil {
		return nil, fmt.Errorf("expanding query: %w", err)
	}

	candidates, err := e.fetchCandidates(ctx, owner, queries, filter)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	reranked, err := e.reranker.Rerank(ctx, queries[0], candidates)
	if err != nil {
		e.logger.Warn("reranking failed, keeping retrieval order", "error", err)
		reranked = candidates
	}

	return selectDiverse(reranked, e.topK, mmrLambda), nil
}

// fetchCandidates embeds every query concurrently, searches the index per
// query, and merges the result sets keeping the best score per chunk.
func (e *Engine) fetchCandidates(ctx context.Context, owner string, queries []string, filter vectorindex.Filter) ([]vectorindex.ScoredRecord, error) {
	var (
		mu   sync.Mutex
		byID = make(map[string]vectorindex.ScoredRecord)
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for i, query := range queries {
		i, query := i, query
		g.Go(func() error {
			vec, err := e.embedder.EmbedText(gCtx, query)
			if err != nil {
				return fmt.Errorf("embedding query %d: %w", i, err)
			}

			scored, err := e.index.Search(gCtx, owner, vec, e.fetchK, filter)
			if err != nil {
				return fmt.Errorf("searching query %d: %w", i, err)
			}

			mu.Lock()
			for _, s := range scored {
				if best, ok := byID[s.ID]; !ok || s.Score > best.Score {
					byID[s.ID] = s
				}
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make([]vectorindex.ScoredRecord, 0, len(byID))
	for _, s := range byID {
		merged = append(merged, s)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].Ordinal < merged[j].Ordinal
	})
	return merged, nil
}

// selectDiverse picks topK candidates by maximal marginal relevance: each
// pick maximizes lambda*relevance - (1-lambda)*similarity to what is
// already selected. Candidates must arrive sorted by relevance; the first
// pick is always the top candidate.
func selectDiverse(candidates []vectorindex.ScoredRecord, topK int, lambda float64) []vectorindex.ScoredRecord {
	if len(candidates) <= topK {
		return candidates
	}

	selected := make([]vectorindex.ScoredRecord, 0, topK)
	remaining := make([]vectorindex.ScoredRecord, len(candidates))
	copy(remaining, candidates)

	for len(selected) < topK && len(remaining) > 0 {
		bestIdx := 0
		bestScore := math.Inf(-1)
		for i, c := range remaining {
			relevance := float64(c.Score)
			maxSim := 0.0
			for _, s := range selected {
				if sim := cosineSim(c.Embedding, s.Embedding); sim > maxSim {
					maxSim = sim
				}
			}
			score := lambda*relevance - (1-lambda)*maxSim
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

func cosineSim(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
