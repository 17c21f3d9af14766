package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewHTTPClient(server.URL)
	require.NoError(t, err)
	return client.WithHTTPClient(server.Client())
}

func TestHTTPClientAnswer(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/qa", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Chest X-ray shows pneumothorax.", req.Context)
		assert.Equal(t, "What condition is shown?", req.Question)
		_, _ = w.Write([]byte(`{"answer": "pneumothorax"}`))
	}).WithAuth("secret")

	answer, err := client.Answer(context.Background(), "Chest X-ray shows pneumothorax.", "What condition is shown?")
	require.NoError(t, err)
	assert.Equal(t, "pneumothorax", answer)
}

func TestHTTPClientErrors(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail": "CUDA out of memory"}`))
	})
	_, err := client.Answer(context.Background(), "c", "q")
	require.Error(t, err)
	var serviceErr *ServiceError
	require.True(t, errors.As(err, &serviceErr))
	assert.Equal(t, http.StatusInternalServerError, serviceErr.StatusCode)
	assert.Equal(t, "CUDA out of memory", serviceErr.Detail)
	assert.Contains(t, err.Error(), "CUDA out of memory")

	client = newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})
	_, err = client.Answer(context.Background(), "c", "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad gateway")

	client = newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"score": 0.3}`))
	})
	_, err = client.Answer(context.Background(), "c", "q")
	assert.True(t, errors.Is(err, ErrEmptyAnswer))

	client = newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})
	_, err = client.Answer(context.Background(), "c", "q")
	assert.Error(t, err)
}

func TestHTTPClientNoRetries(t *testing.T) {
	calls := 0
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := client.Answer(context.Background(), "c", "q")
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestNewHTTPClient(t *testing.T) {
	client, err := NewHTTPClient("http://localhost:8080/")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/qa", client.Endpoint())

	client, err = NewHTTPClient("https://qa.example.org/v1/qa")
	require.NoError(t, err)
	assert.Equal(t, "https://qa.example.org/v1/qa", client.Endpoint())

	_, err = NewHTTPClient("localhost:8080")
	assert.Error(t, err)
}

func TestStaticAnswerer(t *testing.T) {
	answerer := StaticAnswerer{{Context: "c", Question: "q"}: "a"}
	answer, err := answerer.Answer(context.Background(), "c", "q")
	require.NoError(t, err)
	assert.Equal(t, "a", answer)

	answer, err = answerer.Answer(context.Background(), "c", "other")
	require.NoError(t, err)
	assert.Empty(t, answer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = answerer.Answer(ctx, "c", "q")
	assert.ErrorIs(t, err, context.Canceled)
}
