// Package hub resolves model files (tokenizers, configs, checkpoints) either from the
// HuggingFace Hub, with a local on-disk cache, or directly from a local checkpoint directory.
//
// Example:
//
//	repo := hub.New("emilyalsentzer/Bio_ClinicalBERT").WithAuth(os.Getenv("HF_TOKEN"))
//	tokenizerPath, err := repo.DownloadFile("tokenizer.json")
//
// A fine-tuned checkpoint saved locally works the same way:
//
//	repo := hub.New("models/clinicalbert-qa-mixed-v3")
package hub

import (
	"context"
	"encoding/json"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/clinical-nlp/clinicalqa/internal/downloader"
	"github.com/clinical-nlp/clinicalqa/internal/files"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DefaultEndpoint is the HuggingFace Hub.
	DefaultEndpoint = "https://huggingface.co"

	// DefaultRevision is used when none is configured.
	DefaultRevision = "main"

	// DefaultDirCreationPerm is used when creating cache directories.
	DefaultDirCreationPerm = 0o755
)

// DefaultCacheDir returns the cache directory: $CLINICALQA_CACHE if set, otherwise
// "clinicalqa/hub" under the user cache directory.
func DefaultCacheDir() string {
	if dir := os.Getenv("CLINICALQA_CACHE"); dir != "" {
		return files.ReplaceTildeInDir(dir)
	}
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "clinicalqa", "hub")
}

// Repo is a model repository, remote or local. Configure it with the With* methods before use;
// after the first download it is safe for concurrent use.
type Repo struct {
	// ID is the repository id ("org/name") or a local directory.
	ID string

	// Revision is the branch, tag or commit to fetch. Ignored for local repositories.
	Revision string

	// MaxParallelDownload limits concurrent downloads for this repo.
	MaxParallelDownload int

	endpoint  string
	cacheDir  string
	authToken string
	localDir  string

	mu        sync.Mutex
	fileNames []string

	dmMu            sync.Mutex
	downloadManager *downloader.Manager
}

// New creates a Repo for the given id. If id names an existing directory, files are served
// from it directly and nothing is downloaded.
func New(id string) *Repo {
	r := &Repo{
		ID:                  id,
		Revision:            DefaultRevision,
		MaxParallelDownload: 4,
		endpoint:            DefaultEndpoint,
		cacheDir:            DefaultCacheDir(),
	}
	if files.IsDir(id) {
		r.localDir = id
	}
	return r
}

// WithAuth sets the token used for gated or private repositories.
func (r *Repo) WithAuth(token string) *Repo {
	r.authToken = token
	r.downloadManager = nil
	return r
}

// WithRevision selects the branch, tag or commit.
func (r *Repo) WithRevision(revision string) *Repo {
	if revision != "" {
		r.Revision = revision
	}
	return r
}

// WithCacheDir sets where downloaded files are stored.
func (r *Repo) WithCacheDir(dir string) *Repo {
	if dir != "" {
		r.cacheDir = files.ReplaceTildeInDir(dir)
	}
	return r
}

// WithEndpoint points the repo at a different hub server (mirrors, tests).
func (r *Repo) WithEndpoint(endpoint string) *Repo {
	if endpoint != "" {
		r.endpoint = strings.TrimRight(endpoint, "/")
	}
	return r
}

// IsLocal reports whether the repo is served from a local directory.
func (r *Repo) IsLocal() bool {
	return r.localDir != ""
}

// String implements fmt.Stringer.
func (r *Repo) String() string {
	if r.IsLocal() {
		return r.localDir
	}
	return r.ID + "@" + r.Revision
}

// FileURL returns the download URL for fileName.
func (r *Repo) FileURL(fileName string) string {
	return r.endpoint + "/" + r.ID + "/resolve/" + url.PathEscape(r.Revision) + "/" + fileName
}

func (r *Repo) infoURL() string {
	return r.endpoint + "/api/models/" + r.ID + "/revision/" + url.PathEscape(r.Revision)
}

// repoCacheDir is where files of this repo and revision are stored.
func (r *Repo) repoCacheDir() string {
	flatID := "models--" + strings.ReplaceAll(r.ID, "/", "--")
	return filepath.Join(r.cacheDir, flatID, r.Revision)
}

// repoInfo is the subset of the hub's model info we use.
type repoInfo struct {
	Siblings []struct {
		Name string `json:"rfilename"`
	} `json:"siblings"`
}

// loadFileNames lists the repository files once and caches the result.
func (r *Repo) loadFileNames(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fileNames != nil {
		return r.fileNames, nil
	}

	var names []string
	if r.IsLocal() {
		err := filepath.WalkDir(r.localDir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(r.localDir, p)
			if err != nil {
				return err
			}
			names = append(names, filepath.ToSlash(rel))
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "listing files of %q", r.localDir)
		}
	} else {
		body, err := r.getDownloadManager().Get(ctx, r.infoURL())
		if err != nil {
			return nil, errors.WithMessagef(err, "while fetching info for repo %s", r)
		}
		var info repoInfo
		if err := json.Unmarshal(body, &info); err != nil {
			return nil, errors.Wrapf(err, "parsing info for repo %s", r)
		}
		names = make([]string, 0, len(info.Siblings))
		for _, s := range info.Siblings {
			names = append(names, s.Name)
		}
	}
	if names == nil {
		names = []string{}
	}
	r.fileNames = names
	return names, nil
}

// IterFileNames iterates over the file names of the repository.
func (r *Repo) IterFileNames() func(yield func(string, error) bool) {
	return func(yield func(string, error) bool) {
		names, err := r.loadFileNames(context.Background())
		if err != nil {
			yield("", err)
			return
		}
		for _, name := range names {
			if !yield(name, nil) {
				return
			}
		}
	}
}

// HasFile reports whether the repository contains fileName. Errors listing the repository are
// logged and reported as false.
func (r *Repo) HasFile(fileName string) bool {
	names, err := r.loadFileNames(context.Background())
	if err != nil {
		klog.Warningf("hub: can't list files of %s: %v", r, err)
		return false
	}
	for _, name := range names {
		if name == fileName {
			return true
		}
	}
	return false
}

// DownloadFile returns the local path of fileName, downloading it into the cache if needed.
func (r *Repo) DownloadFile(fileName string) (string, error) {
	return r.DownloadFileContext(context.Background(), fileName)
}

// DownloadFileContext is DownloadFile with a context to cancel the transfer.
func (r *Repo) DownloadFileContext(ctx context.Context, fileName string) (string, error) {
	if strings.Contains(fileName, "..") || path.IsAbs(fileName) {
		return "", errors.Errorf("invalid file name %q", fileName)
	}
	if r.IsLocal() {
		localPath := filepath.Join(r.localDir, filepath.FromSlash(fileName))
		if !files.Exists(localPath) {
			return "", errors.Errorf("file %q not found in %q", fileName, r.localDir)
		}
		return localPath, nil
	}

	filePath := filepath.Join(r.repoCacheDir(), filepath.FromSlash(fileName))
	if err := r.lockedDownload(ctx, r.FileURL(fileName), filePath, false, nil); err != nil {
		return "", err
	}
	klog.V(1).Infof("hub: %s resolved to %s", fileName, filePath)
	return filePath, nil
}
