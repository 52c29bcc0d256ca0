package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Message is a chat message in the OpenAI API format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Models names the model used for each capability.
type Models struct {
	Embed      string
	Generate   string
	Vision     string
	Transcribe string
}

// Client talks to an OpenAI-compatible endpoint for embeddings, chat
// generation, vision description and audio transcription. Every call goes
// through a shared rate limiter and a bounded retry loop.
type Client struct {
	baseURL    string
	apiKey     string
	models     Models
	httpClient *http.Client
	limiter    *rateLimiter
	maxRetries int
}

// Options tunes Client behavior. Zero values fall back to defaults.
type Options struct {
	Timeout           time.Duration
	MaxRetries        int
	RequestsPerSecond float64
	Burst             int
}

// New creates a Client for the given base URL (e.g. "http://host:8080/v1").
func New(baseURL, apiKey string, models Models, opts Options) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	retries := opts.MaxRetries
	if retries == 0 {
		retries = 3
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		models:     models,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    newRateLimiter(opts.RequestsPerSecond, opts.Burst),
		maxRetries: retries,
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// EmbedText returns the embedding vector for the given text.
func (c *Client) EmbedText(ctx context.Context, text string) ([]float32, error) {
	var result embedResponse
	err := c.postJSON(ctx, "/embeddings", embedRequest{
		Model: c.models.Embed,
		Input: []string{text},
	}, &result)
	if err != nil {
		return nil, err
	}
	if len(result.Data) == 0 {
		return nil, &apiError{kind: ErrTransient, message: "empty embeddings array"}
	}
	return result.Data[0].Embedding, nil
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// GenerateAnswer sends messages to the generation model and returns the
// assistant's reply.
func (c *Client) GenerateAnswer(ctx context.Context, messages []Message) (string, error) {
	var result chatResponse
	err := c.postJSON(ctx, "/chat/completions", chatRequest{
		Model:    c.models.Generate,
		Messages: messages,
	}, &result)
	if err != nil {
		return "", err
	}
	if len(result.Choices) == 0 {
		return "", &apiError{kind: ErrTransient, message: "empty choices array"}
	}
	return result.Choices[0].Message.Content, nil
}

// visionMessage carries mixed text and image content parts.
type visionMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type visionRequest struct {
	Model    string          `json:"model"`
	Messages []visionMessage `json:"messages"`
}

// DescribeImage asks the vision model to describe the given image bytes.
// The image is sent inline as a base64 data URL.
func (c *Client) DescribeImage(ctx context.Context, image []byte, prompt string) (string, error) {
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)
	var result chatResponse
	err := c.postJSON(ctx, "/chat/completions", visionRequest{
		Model: c.models.Vision,
		Messages: []visionMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
			},
		}},
	}, &result)
	if err != nil {
		return "", err
	}
	if len(result.Choices) == 0 {
		return "", &apiError{kind: ErrTransient, message: "empty choices array"}
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

// TranscriptSegment is one timed span of a transcription.
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the verbose transcription result.
type Transcript struct {
	Text     string              `json:"text"`
	Duration float64             `json:"duration"`
	Segments []TranscriptSegment `json:"segments"`
}

// TranscribeAudio sends the audio file to the transcription model and
// returns timed segments. fileName carries the container format hint.
func (c *Client) TranscribeAudio(ctx context.Context, audio []byte, fileName string) (Transcript, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return Transcript{}, fmt.Errorf("building transcription request: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return Transcript{}, fmt.Errorf("building transcription request: %w", err)
	}
	_ = w.WriteField("model", c.models.Transcribe)
	_ = w.WriteField("response_format", "verbose_json")
	_ = w.WriteField("timestamp_granularities[]", "segment")
	if err := w.Close(); err != nil {
		return Transcript{}, fmt.Errorf("building transcription request: %w", err)
	}

	var result Transcript
	if err := c.do(ctx, "/audio/transcriptions", buf.Bytes(), w.FormDataContentType(), &result); err != nil {
		return Transcript{}, err
	}
	return result, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.do(ctx, path, body, "application/json", out)
}

// do issues the request through the rate limiter with bounded retries.
// Rate-limited and transient failures retry with exponential backoff;
// everything else fails immediately.
func (c *Client) do(ctx context.Context, path string, body []byte, contentType string, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := c.limiter.wait(ctx); err != nil {
			return err
		}

		lastErr = c.once(ctx, path, body, contentType, out)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrRateLimited) && !errors.Is(lastErr, ErrTransient) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, path string, body []byte, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &apiError{kind: ErrTransient, message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readErrorMessage(resp.Body)
		if resp.StatusCode == http.StatusTooManyRequests {
			c.limiter.recordRateLimit(parseRetryAfter(resp.Header.Get("Retry-After")))
		}
		return classifyStatus(resp.StatusCode, msg)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &apiError{kind: ErrTransient, message: "decoding response: " + err.Error()}
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &envelope) == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return strings.TrimSpace(string(data))
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}
