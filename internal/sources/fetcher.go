// Package sources downloads raw candidate lists. A failed source is simply
// absent from the result; it never fails the whole fetch.
package sources

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"proxypool/internal/candidates"
)

const (
	DefaultTimeout = 10 * time.Second
	maxBodyBytes   = 8 << 20
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// Fetcher maps each source identifier to its raw text. Sources that failed
// have no entry.
type Fetcher interface {
	Fetch(ctx context.Context, sourceIDs []string) map[string]string
}

type HTTPFetcher struct {
	client      *http.Client
	timeout     time.Duration
	concurrency int
}

type Option func(*HTTPFetcher)

func WithClient(client *http.Client) Option {
	return func(f *HTTPFetcher) {
		if client != nil {
			f.client = client
		}
	}
}

// WithConcurrency caps how many sources are downloaded at once. Zero means
// all at once.
func WithConcurrency(n int) Option {
	return func(f *HTTPFetcher) {
		f.concurrency = n
	}
}

func NewHTTPFetcher(timeout time.Duration, opts ...Option) *HTTPFetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	f := &HTTPFetcher{
		client:  &http.Client{},
		timeout: timeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads every source concurrently, each bounded by its own
// timeout, so a hung source only costs its own deadline.
func (f *HTTPFetcher) Fetch(ctx context.Context, sourceIDs []string) map[string]string {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		mu      sync.Mutex
		results = make(map[string]string, len(sourceIDs))
		group   errgroup.Group
	)
	if f.concurrency > 0 {
		group.SetLimit(f.concurrency)
	}

	for _, sourceID := range sourceIDs {
		sourceID := strings.TrimSpace(sourceID)
		if sourceID == "" {
			continue
		}

		group.Go(func() error {
			log.Info("Fetching proxies", "source", sourceID)
			body, err := f.fetchOne(ctx, sourceID)
			if err != nil {
				log.Warn("Failed to fetch proxy source", "source", sourceID, "error", err)
				return nil
			}

			mu.Lock()
			results[sourceID] = body
			mu.Unlock()
			return nil
		})
	}

	_ = group.Wait()
	return results
}

func (f *HTTPFetcher) fetchOne(ctx context.Context, sourceID string) (string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, sourceID, nil)
	if err != nil {
		return "", fmt.Errorf("sources: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sources: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("sources: received non-200 status code (%d)", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxBodyBytes)
	if isHTML(resp.Header.Get("Content-Type")) {
		return candidates.ExtractHTML(body)
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("sources: read body: %w", err)
	}
	return string(raw), nil
}

func isHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
