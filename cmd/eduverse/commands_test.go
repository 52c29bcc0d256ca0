package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestSubmitArtifactRoundTrip(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /artifacts": `{"artifact_id":"art-1","job_id":"job-1","status":"queued"}`,
	})

	client := ts.client()
	req := map[string]any{
		"owner_id": "alice",
		"name":     "lecture-03.pdf",
		"locator":  "file:///tmp/lecture-03.pdf",
	}

	resp, err := client.post(ctx, "/artifacts", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["artifact_id"] != "art-1" {
		t.Errorf("artifact_id = %q", result["artifact_id"])
	}
	if result["status"] != "queued" {
		t.Errorf("status = %q, want queued", result["status"])
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["owner_id"] != "alice" {
		t.Errorf("body.owner_id = %v, want alice", body["owner_id"])
	}
	if body["locator"] != "file:///tmp/lecture-03.pdf" {
		t.Errorf("body.locator = %v", body["locator"])
	}
}

func TestIngestCommand_RequiresSource(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ingest", "--owner", "alice"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing --file/--url")
	}
	if !strings.Contains(err.Error(), "--file or --url") {
		t.Errorf("error = %q, want it to mention --file or --url", err.Error())
	}
}

func TestIngestCommand_RequiresOwner(t *testing.T) {
	defer rootCmd.SetArgs(nil)
	t.Setenv("EDUVERSE_OWNER", "")

	// Flag values persist across Execute calls on package-level commands.
	ingestCmd.Flags().Set("owner", "")

	rootCmd.SetArgs([]string{"ingest", "--file", "notes.pdf"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing owner")
	}
	if !strings.Contains(err.Error(), "--owner") {
		t.Errorf("error = %q, want it to mention --owner", err.Error())
	}
}

func TestAskRoundTripDecodesCitations(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /ask": `{
			"answer": "Merge sort runs in O(n log n) [1].",
			"citations": [{"ordinal":1,"chunk_id":"c1","source_id":"art-1","file_name":"notes.pdf","modality":"document","label":"notes.pdf, page 2","snippet":"merge sort splits"}],
			"duration_ms": 120
		}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/ask", map[string]any{
		"owner_id": "alice",
		"question": "complexity of merge sort?",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var answer struct {
		Text      string `json:"answer"`
		Citations []struct {
			Ordinal int    `json:"ordinal"`
			Label   string `json:"label"`
		} `json:"citations"`
	}
	if err := decodeJSON(resp, &answer); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if !strings.Contains(answer.Text, "O(n log n)") {
		t.Errorf("answer = %q", answer.Text)
	}
	if len(answer.Citations) != 1 {
		t.Fatalf("citations = %d, want 1", len(answer.Citations))
	}
	if answer.Citations[0].Label != "notes.pdf, page 2" {
		t.Errorf("label = %q", answer.Citations[0].Label)
	}
}

func TestJobShowDecodesPascalCaseFields(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /jobs/job-1": `{"ID":"job-1","ArtifactID":"art-1","Status":"failed","Stage":"embed","Progress":0.6,"Attempts":2,"Resumable":true,"LastError":"model gateway timeout"}`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/jobs/job-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var job struct {
		ID        string `json:"ID"`
		Status    string `json:"Status"`
		Resumable bool   `json:"Resumable"`
		LastError string `json:"LastError"`
	}
	if err := decodeJSON(resp, &job); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if job.Status != "failed" || !job.Resumable {
		t.Errorf("job = %+v", job)
	}
	if job.LastError != "model gateway timeout" {
		t.Errorf("last error = %q", job.LastError)
	}
}

func TestSourcesListEncodesOwner(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /artifacts": `[]`,
	})

	client := ts.client()
	owner := "alice & bob"
	resp, err := client.get(ctx, "/artifacts?owner_id="+url.QueryEscape(owner))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	path := ts.requests[0].Path
	if strings.Contains(path, "& bob") {
		t.Errorf("owner not URL-encoded: %q", path)
	}
	if !strings.Contains(path, "owner_id=alice+%26+bob") {
		t.Errorf("unexpected encoded path: %q", path)
	}
}

func TestSourcesRemove(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"DELETE /artifacts/art-1": `{"status":"deleted","chunks_removed":12}`,
	})

	client := ts.client()
	resp, err := client.delete(ctx, "/artifacts/art-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Status        string `json:"status"`
		ChunksRemoved int    `json:"chunks_removed"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result.ChunksRemoved != 12 {
		t.Errorf("chunks_removed = %d, want 12", result.ChunksRemoved)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(409)
		w.Write([]byte(`{"error":{"message":"artifact already has an active job: job-7","type":"conflict"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "test",
		httpClient: ts.Client(),
	}

	resp, err := client.post(ctx, "/artifacts/art-1/ingest", nil)
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 409 response")
	}
	if !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "job-7") {
		t.Errorf("error = %q, want status and body surfaced", err.Error())
	}
}
