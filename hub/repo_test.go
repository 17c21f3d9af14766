package hub

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFakeHub serves a single repository "org/model" with one file, and counts downloads.
func newFakeHub(t *testing.T, token string) (*httptest.Server, *atomic.Int32) {
	var downloads atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/models/org/model/revision/main", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"siblings":[{"rfilename":"tokenizer.json"},{"rfilename":"config.json"}]}`))
	})
	mux.HandleFunc("/org/model/resolve/main/tokenizer.json", func(w http.ResponseWriter, r *http.Request) {
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		downloads.Add(1)
		_, _ = w.Write([]byte(`{"model":{"type":"WordPiece","vocab":{}}}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &downloads
}

func TestRemoteRepo(t *testing.T) {
	server, downloads := newFakeHub(t, "secret")
	repo := New("org/model").WithEndpoint(server.URL).WithCacheDir(t.TempDir()).WithAuth("secret")
	require.False(t, repo.IsLocal())

	assert.True(t, repo.HasFile("tokenizer.json"))
	assert.False(t, repo.HasFile("tokenizer.model"))

	var names []string
	for name, err := range repo.IterFileNames() {
		require.NoError(t, err)
		names = append(names, name)
	}
	assert.Equal(t, []string{"tokenizer.json", "config.json"}, names)

	localPath, err := repo.DownloadFile("tokenizer.json")
	require.NoError(t, err)
	content, err := os.ReadFile(localPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "WordPiece")
	assert.NoFileExists(t, localPath+".downloading")

	// Second call is served from the cache.
	again, err := repo.DownloadFile("tokenizer.json")
	require.NoError(t, err)
	assert.Equal(t, localPath, again)
	assert.Equal(t, int32(1), downloads.Load())
}

func TestRemoteRepoMissingFile(t *testing.T) {
	server, _ := newFakeHub(t, "")
	repo := New("org/model").WithEndpoint(server.URL).WithCacheDir(t.TempDir())
	localPath, err := repo.DownloadFile("vocab.txt")
	require.Error(t, err)
	assert.Empty(t, localPath)
}

func TestRemoteRepoUnauthorized(t *testing.T) {
	server, _ := newFakeHub(t, "secret")
	repo := New("org/model").WithEndpoint(server.URL).WithCacheDir(t.TempDir())
	_, err := repo.DownloadFile("tokenizer.json")
	require.Error(t, err)
}

func TestLocalRepo(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte("{}"), 0o644))
	repo := New(dir)
	require.True(t, repo.IsLocal())
	assert.True(t, repo.HasFile("tokenizer.json"))

	localPath, err := repo.DownloadFile("tokenizer.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "tokenizer.json"), localPath)

	_, err = repo.DownloadFile("tokenizer.model")
	require.Error(t, err)
	_, err = repo.DownloadFile("../escape.json")
	require.Error(t, err)
}
