package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// maxDownloadSize caps fetched artifact size at 1 GiB.
const maxDownloadSize = 1 << 30

// Fetcher copies an artifact's content into a local spool file and
// returns its path.
type Fetcher interface {
	Fetch(ctx context.Context, locator, destDir string) (string, error)
}

// FileFetcher resolves http(s) URLs by download and file URLs or plain
// paths by copy.
type FileFetcher struct {
	httpClient *http.Client
}

func NewFetcher() *FileFetcher {
	return &FileFetcher{
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (f *FileFetcher) Fetch(ctx context.Context, locator, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("creating spool directory: %w", err)
	}

	if strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://") {
		return f.download(ctx, locator, destDir)
	}

	src := strings.TrimPrefix(locator, "file://")
	return copyLocal(src, destDir)
}

func (f *FileFetcher) download(ctx context.Context, rawURL, destDir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating download request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	name := fileNameFromURL(rawURL)
	dest := filepath.Join(destDir, name)
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("creating spool file: %w", err)
	}
	defer out.Close()

	n, err := io.Copy(out, io.LimitReader(resp.Body, maxDownloadSize+1))
	if err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("writing spool file: %w", err)
	}
	if n > maxDownloadSize {
		os.Remove(dest)
		return "", fmt.Errorf("downloading %s: exceeds size limit", rawURL)
	}
	return dest, nil
}

func copyLocal(src, destDir string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	dest := filepath.Join(destDir, filepath.Base(src))
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("creating spool file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("copying %s: %w", src, err)
	}
	return dest, nil
}

func fileNameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err == nil {
		if base := filepath.Base(u.Path); base != "." && base != "/" && base != "" {
			return base
		}
	}
	return "download"
}
