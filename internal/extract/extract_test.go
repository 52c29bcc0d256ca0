package extract

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestDocumentPagesPlainText(t *testing.T) {
	pages, err := DocumentPages("notes.txt", []byte("line one\nline two"))
	if err != nil {
		t.Fatalf("DocumentPages: %v", err)
	}
	if len(pages) != 1 || pages[0].Number != 1 {
		t.Fatalf("pages = %+v", pages)
	}
	if pages[0].Text != "line one\nline two" {
		t.Errorf("text = %q", pages[0].Text)
	}
}

func TestPDFPagesMalformed(t *testing.T) {
	if _, err := PDFPages([]byte("not a pdf at all")); err == nil {
		t.Fatal("expected error for malformed pdf")
	}
}

func TestFetchDownloadsHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pdf bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path, err := NewFetcher().Fetch(context.Background(), srv.URL+"/materials/week1.pdf", dir)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if filepath.Base(path) != "week1.pdf" {
		t.Errorf("spool name = %q", filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "pdf bytes" {
		t.Errorf("content = %q", data)
	}
}

func TestFetchHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := NewFetcher().Fetch(context.Background(), srv.URL+"/gone.pdf", t.TempDir()); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestFetchCopiesLocalFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "syllabus.txt")
	if err := os.WriteFile(src, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	path, err := NewFetcher().Fetch(context.Background(), "file://"+src, dir)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "content" {
		t.Errorf("content = %q", data)
	}
}

func TestFetchMissingLocalFile(t *testing.T) {
	_, err := NewFetcher().Fetch(context.Background(), filepath.Join(t.TempDir(), "missing.pdf"), t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
