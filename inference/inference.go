// Package inference calls extractive question answering models.
//
// The models themselves are served elsewhere; HTTPClient talks to a service exposing
//
//	POST /qa {"context": ..., "question": ...} -> {"answer": ...}
//
// Failures surface to the caller as errors, and are never retried.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrEmptyAnswer is returned when the service responds without an "answer" field.
var ErrEmptyAnswer = errors.New("response has no answer")

// Answerer answers a question about a context with a span of the context.
type Answerer interface {
	Answer(ctx context.Context, qaContext, question string) (string, error)
}

// Request is the body of a question answering request.
type Request struct {
	Context  string `json:"context"`
	Question string `json:"question"`
}

// Response is the body of a successful answer.
type Response struct {
	Answer *string `json:"answer"`
}

// ServiceError is a non-2xx response of the service.
type ServiceError struct {
	StatusCode int
	Detail     string
}

// Error implements error.
func (e *ServiceError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("qa service returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("qa service returned HTTP %d: %s", e.StatusCode, e.Detail)
}

// DefaultTimeout of HTTPClient requests.
const DefaultTimeout = 60 * time.Second

// maxErrorBody limits how much of an error response is read.
const maxErrorBody = 64 * 1024

// HTTPClient answers questions by calling a remote service.
type HTTPClient struct {
	endpoint   string
	httpClient *http.Client
	authToken  string
}

var _ Answerer = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the service at baseURL, e.g. "http://localhost:8080".
// The "/qa" path is appended unless baseURL already ends with it.
func NewHTTPClient(baseURL string) (*HTTPClient, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid qa service URL %q", baseURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, errors.Errorf("qa service URL %q must use http or https", baseURL)
	}
	endpoint := strings.TrimSuffix(baseURL, "/")
	if !strings.HasSuffix(endpoint, "/qa") {
		endpoint += "/qa"
	}
	return &HTTPClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}, nil
}

// WithHTTPClient replaces the http.Client used. It returns itself to allow cascading calls.
func (c *HTTPClient) WithHTTPClient(httpClient *http.Client) *HTTPClient {
	c.httpClient = httpClient
	return c
}

// WithAuth sets a bearer token sent with every request. It returns itself to allow cascading calls.
func (c *HTTPClient) WithAuth(token string) *HTTPClient {
	c.authToken = token
	return c
}

// Endpoint returns the URL requests are sent to.
func (c *HTTPClient) Endpoint() string { return c.endpoint }

// Answer implements Answerer.
func (c *HTTPClient) Answer(ctx context.Context, qaContext, question string) (string, error) {
	body, err := json.Marshal(Request{Context: qaContext, Question: question})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode qa request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrapf(err, "failed to create request to %s", c.endpoint)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "request to %s failed", c.endpoint)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &ServiceError{StatusCode: resp.StatusCode, Detail: errorDetail(raw)}
	}

	var answer Response
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return "", errors.Wrapf(err, "failed to decode response from %s", c.endpoint)
	}
	if answer.Answer == nil {
		return "", errors.WithStack(ErrEmptyAnswer)
	}
	klog.V(2).Infof("qa service answered %q to %q", *answer.Answer, question)
	return *answer.Answer, nil
}

// errorDetail extracts the "detail" of an error response, falling back to the raw body.
func errorDetail(raw []byte) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && len(body.Detail) > 0 {
		var detail string
		if err := json.Unmarshal(body.Detail, &detail); err == nil {
			return detail
		}
		return string(body.Detail)
	}
	return strings.TrimSpace(string(raw))
}

// Key of a StaticAnswerer.
type Key struct {
	Context, Question string
}

// StaticAnswerer answers from a fixed table. Unknown questions are answered with an empty string.
type StaticAnswerer map[Key]string

var _ Answerer = StaticAnswerer(nil)

// Answer implements Answerer.
func (s StaticAnswerer) Answer(ctx context.Context, qaContext, question string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s[Key{Context: qaContext, Question: question}], nil
}

// AnswererFunc adapts a function to an Answerer.
type AnswererFunc func(ctx context.Context, qaContext, question string) (string, error)

// Answer implements Answerer.
func (f AnswererFunc) Answer(ctx context.Context, qaContext, question string) (string, error) {
	return f(ctx, qaContext, question)
}
