package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(srv.URL, "test-key", Models{
		Embed:      "embed-model",
		Generate:   "gen-model",
		Vision:     "vision-model",
		Transcribe: "whisper",
	}, Options{RequestsPerSecond: 1000, Burst: 1000, MaxRetries: 2})
	return c, srv
}

func TestEmbedText(t *testing.T) {
	var gotAuth string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Model != "embed-model" || len(req.Input) != 1 || req.Input[0] != "hello" {
			t.Errorf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3}}},
		})
	})

	vec, err := c.EmbedText(context.Background(), "hello")
	if err != nil {
		t.Fatalf("EmbedText: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("got %d dims, want 3", len(vec))
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestGenerateAnswer(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "the answer"}},
			},
		})
	})

	got, err := c.GenerateAnswer(context.Background(), []Message{{Role: "user", Content: "q"}})
	if err != nil {
		t.Fatalf("GenerateAnswer: %v", err)
	}
	if got != "the answer" {
		t.Errorf("answer = %q", got)
	}
}

func TestDescribeImageSendsDataURL(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req visionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if len(req.Messages) != 1 || len(req.Messages[0].Content) != 2 {
			t.Fatalf("unexpected message shape: %+v", req.Messages)
		}
		img := req.Messages[0].Content[1]
		if img.ImageURL == nil || !strings.HasPrefix(img.ImageURL.URL, "data:image/jpeg;base64,") {
			t.Errorf("image part = %+v", img)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": " a diagram \n"}},
			},
		})
	})

	got, err := c.DescribeImage(context.Background(), []byte{0xff, 0xd8}, "describe")
	if err != nil {
		t.Fatalf("DescribeImage: %v", err)
	}
	if got != "a diagram" {
		t.Errorf("description = %q", got)
	}
}

func TestTranscribeAudio(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatal(err)
		}
		if got := r.FormValue("response_format"); got != "verbose_json" {
			t.Errorf("response_format = %q", got)
		}
		json.NewEncoder(w).Encode(Transcript{
			Text:     "hello world",
			Duration: 3.5,
			Segments: []TranscriptSegment{{Start: 0, End: 3.5, Text: "hello world"}},
		})
	})

	tr, err := c.TranscribeAudio(context.Background(), []byte("riff"), "lecture.wav")
	if err != nil {
		t.Fatalf("TranscribeAudio: %v", err)
	}
	if len(tr.Segments) != 1 || tr.Segments[0].Text != "hello world" {
		t.Errorf("transcript = %+v", tr)
	}
}

func TestRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{1}}},
		})
	})

	if _, err := c.EmbedText(context.Background(), "x"); err != nil {
		t.Fatalf("EmbedText after retry: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestPermanentErrorNotRetried(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"message":"no such model"}}`))
	})

	_, err := c.EmbedText(context.Background(), "x")
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !strings.Contains(err.Error(), "no such model") {
		t.Errorf("error message lost: %v", err)
	}
}

func TestRateLimitClassification(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := c.EmbedText(ctx, "x")
	if err == nil {
		t.Fatal("expected error")
	}
	// Either the holdoff consumed the context deadline or retries exhausted.
	if !errors.Is(err, ErrRateLimited) && !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
}
