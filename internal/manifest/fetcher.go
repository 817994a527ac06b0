package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// defaultFetchTimeout bounds a single manifest request,
// separately from the overall session timeout.
const defaultFetchTimeout = 30 * time.Second

var errBadHTTPStatus = errors.New("unexpected http status")

// Fetcher polls channel manifests from the update URL.
type Fetcher struct {
	baseURL string
	client  *http.Client
}

// NewFetcher returns a Fetcher for the given base URL.
// A non-positive timeout falls back to the default fetch timeout.
func NewFetcher(baseURL string, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}

	return &Fetcher{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Fetch downloads and parses the manifest document of the channel.
func (f *Fetcher) Fetch(ctx context.Context, channel Channel) (*Manifest, error) {
	body, err := f.Get(ctx, path.Join(channel.Path(), ManifestFilename))
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = body.Close()
	}()

	contents, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read manifest body: %w", err)
	}

	var m Manifest
	if err = json.Unmarshal(contents, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	return &m, nil
}

// Get fetches an arbitrary file relative to the update URL and returns its body.
// The caller owns the returned ReadCloser.
func (f *Fetcher) Get(ctx context.Context, filePath string) (io.ReadCloser, error) {
	fileURL, err := url.Parse(f.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse update URL: %w", err)
	}

	// Use path.Join to normalize duplicate slashes when composing the URL path.
	fileURL.Path = path.Join(fileURL.Path, filePath)
	finalURL := fileURL.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, finalURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	response, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}

	if response.StatusCode != http.StatusOK {
		_ = response.Body.Close()

		return nil, fmt.Errorf("%s, %s: %w", finalURL, response.Status, errBadHTTPStatus)
	}

	return response.Body, nil
}

// GetURL fetches an absolute URL, used for entry download URLs
// that may live outside the manifest tree.
func (f *Fetcher) GetURL(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	response, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}

	if response.StatusCode != http.StatusOK {
		_ = response.Body.Close()

		return nil, fmt.Errorf("%s, %s: %w", rawURL, response.Status, errBadHTTPStatus)
	}

	return response.Body, nil
}
