// Package downloader implements the HTTP transfers used by the hub package: plain GETs of small
// JSON documents and streamed file downloads with progress reporting.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/pkg/errors"
)

// ProgressCallback is called as bytes are written to disk. totalBytes is -1 if the server did
// not report a content length.
type ProgressCallback func(downloadedBytes, totalBytes int64)

// Manager handles downloads, limiting the number of transfers in flight.
//
// It is safe for concurrent use.
type Manager struct {
	client    *http.Client
	authToken string
	userAgent string
	semaphore chan struct{}
}

// New creates a Manager with a default HTTP client and up to 4 parallel downloads.
func New() *Manager {
	return &Manager{
		client:    http.DefaultClient,
		userAgent: "clinicalqa/1.0",
		semaphore: make(chan struct{}, 4),
	}
}

// MaxParallel sets the maximum number of parallel downloads. Values <= 0 are ignored.
// It returns the Manager itself, so calls can be chained.
func (m *Manager) MaxParallel(n int) *Manager {
	if n > 0 {
		m.semaphore = make(chan struct{}, n)
	}
	return m
}

// WithAuthToken sets the bearer token sent with every request. Empty means anonymous.
func (m *Manager) WithAuthToken(token string) *Manager {
	m.authToken = token
	return m
}

// WithHTTPClient replaces the HTTP client used for the transfers.
func (m *Manager) WithHTTPClient(client *http.Client) *Manager {
	if client != nil {
		m.client = client
	}
	return m
}

func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.semaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release() { <-m.semaphore }

func (m *Manager) newRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid url %q", url)
	}
	req.Header.Set("User-Agent", m.userAgent)
	if m.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+m.authToken)
	}
	return req, nil
}

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %s", e.URL, e.Status)
}

// IsNotFound reports whether err is a StatusError with a 404 status.
func IsNotFound(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}

// Get fetches url and returns the full body. It is meant for small documents (repository info).
func (m *Manager) Get(ctx context.Context, url string) ([]byte, error) {
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.release()

	req, err := m.newRequest(ctx, url)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading body of %s", url)
	}
	return body, nil
}

// Download url into filePath, which is created or truncated. The caller is responsible for
// moving partial files out of the way on error.
func (m *Manager) Download(ctx context.Context, url, filePath string, progressCallback ProgressCallback) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	req, err := m.newRequest(ctx, url)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "GET %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "creating %q", filePath)
	}
	var w io.Writer = f
	if progressCallback != nil {
		w = &progressWriter{w: f, total: resp.ContentLength, callback: progressCallback}
	}
	if _, err = io.Copy(w, resp.Body); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "downloading %s", url)
	}
	return errors.Wrapf(f.Close(), "closing %q", filePath)
}

type progressWriter struct {
	w        io.Writer
	written  int64
	total    int64
	callback ProgressCallback
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	p.callback(p.written, p.total)
	return n, err
}
