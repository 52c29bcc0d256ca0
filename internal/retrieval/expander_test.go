package retrieval

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/eduverse/engine/internal/gateway"
	"github.com/eduverse/engine/internal/storage"
)

type mockGenerator struct {
	generateFn func(ctx context.Context, messages []gateway.Message) (string, error)
}

func (m *mockGenerator) GenerateAnswer(ctx context.Context, messages []gateway.Message) (string, error) {
	if m.generateFn != nil {
		return m.generateFn(ctx, messages)
	}
	return "", errors.New("no generate function")
}

func TestExpandWithoutHistoryOrParaphrases(t *testing.T) {
	e := NewQueryExpander(&mockGenerator{}, 0, nil)
	queries, err := e.Expand(context.Background(), "what is merge sort?", nil)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if !reflect.DeepEqual(queries, []string{"what is merge sort?"}) {
		t.Errorf("queries = %v", queries)
	}
}

func TestExpandAddsParaphrases(t *testing.T) {
	gen := &mockGenerator{
		generateFn: func(_ context.Context, messages []gateway.Message) (string, error) {
			return "1. how does merge sort work\n2. merge sort algorithm steps\n3. explain merge sort", nil
		},
	}
	e := NewQueryExpander(gen, 3, nil)
	queries, err := e.Expand(context.Background(), "what is merge sort?", nil)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	want := []string{
		"what is merge sort?",
		"how does merge sort work",
		"merge sort algorithm steps",
		"explain merge sort",
	}
	if !reflect.DeepEqual(queries, want) {
		t.Errorf("queries = %v, want %v", queries, want)
	}
}

func TestExpandFallsBackOnGeneratorError(t *testing.T) {
	gen := &mockGenerator{
		generateFn: func(context.Context, []gateway.Message) (string, error) {
			return "", errors.New("model unavailable")
		},
	}
	e := NewQueryExpander(gen, 3, nil)
	queries, err := e.Expand(context.Background(), "what is merge sort?", nil)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if !reflect.DeepEqual(queries, []string{"what is merge sort?"}) {
		t.Errorf("queries = %v, want original only", queries)
	}
}

func TestContextualizeRewritesFollowUp(t *testing.T) {
	var sawHistory bool
	gen := &mockGenerator{
		generateFn: func(_ context.Context, messages []gateway.Message) (string, error) {
			for _, m := range messages {
				if strings.Contains(m.Content, "merge sort") {
					sawHistory = true
				}
			}
			return "what is the time complexity of merge sort?", nil
		},
	}
	e := NewQueryExpander(gen, 0, nil)
	history := []storage.Turn{{Question: "what is merge sort?", Answer: "A divide and conquer sort."}}

	got := e.Contextualize(context.Background(), "what about its complexity?", history)
	if got != "what is the time complexity of merge sort?" {
		t.Errorf("contextualized = %q", got)
	}
	if !sawHistory {
		t.Error("conversation history never reached the model")
	}
}

func TestContextualizeKeepsQuestionWithoutHistory(t *testing.T) {
	gen := &mockGenerator{
		generateFn: func(context.Context, []gateway.Message) (string, error) {
			t.Error("generator called with no history")
			return "", nil
		},
	}
	e := NewQueryExpander(gen, 0, nil)
	if got := e.Contextualize(context.Background(), "what is a heap?", nil); got != "what is a heap?" {
		t.Errorf("got %q", got)
	}
}

func TestContextualizeFallsBackOnError(t *testing.T) {
	gen := &mockGenerator{
		generateFn: func(context.Context, []gateway.Message) (string, error) {
			return "", errors.New("timeout")
		},
	}
	e := NewQueryExpander(gen, 0, nil)
	history := []storage.Turn{{Question: "q", Answer: "a"}}
	if got := e.Contextualize(context.Background(), "follow-up?", history); got != "follow-up?" {
		t.Errorf("got %q, want question as asked", got)
	}
}

func TestParseQueryLines(t *testing.T) {
	tests := []struct {
		name     string
		resp     string
		original string
		max      int
		want     []string
	}{
		{
			name: "numbered list",
			resp: "1. first query\n2. second query",
			max:  3,
			want: []string{"first query", "second query"},
		},
		{
			name: "bulleted list",
			resp: "- first query\n* second query\n• third query",
			max:  3,
			want: []string{"first query", "second query", "third query"},
		},
		{
			name: "parenthesis numbering",
			resp: "1) first query\n2) second query",
			max:  3,
			want: []string{"first query", "second query"},
		},
		{
			name: "caps at max",
			resp: "a\nb\nc\nd",
			max:  2,
			want: []string{"a", "b"},
		},
		{
			name:     "drops echo of original",
			resp:     "What is merge sort?\nanother phrasing",
			original: "what is merge sort?",
			max:      3,
			want:     []string{"another phrasing"},
		},
		{
			name: "blank lines skipped",
			resp: "first\n\n   \nsecond",
			max:  3,
			want: []string{"first", "second"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseQueryLines(tt.resp, tt.original, tt.max)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseQueryLines() = %v, want %v", got, tt.want)
			}
		})
	}
}
