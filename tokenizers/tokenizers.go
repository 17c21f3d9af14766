// Package tokenizers creates the tokenizer of a model repository, picking the implementation
// from the files the repository provides.
//
// Example:
//
//	repo := hub.New("emilyalsentzer/Bio_ClinicalBERT")
//	tok, err := tokenizers.New(repo)
//	if err != nil { ... }
//	ids := tok.Encode("Patient was prescribed Metformin.")
package tokenizers

import (
	"os"

	"github.com/clinical-nlp/clinicalqa/hub"
	"github.com/clinical-nlp/clinicalqa/internal/files"
	"github.com/clinical-nlp/clinicalqa/tokenizers/api"
	"github.com/clinical-nlp/clinicalqa/tokenizers/hftokenizer"
	"github.com/clinical-nlp/clinicalqa/tokenizers/sentencepiece"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Constructor creates a tokenizer from a repository, given its tokenizer configuration.
type Constructor func(config *api.Config, repo *hub.Repo) (api.Tokenizer, error)

// constructors are tried in order: the first whose file is in the repository is used.
var constructors = []struct {
	fileName  string
	construct Constructor
}{
	{"tokenizer.json", hftokenizer.New},
	{"tokenizer.model", sentencepiece.New},
}

// ConfigFileName is the name of the tokenizer configuration file in a repository.
const ConfigFileName = "tokenizer_config.json"

// LoadConfig reads the repository's tokenizer configuration. A repository without one gets an
// empty configuration.
func LoadConfig(repo *hub.Repo) (*api.Config, error) {
	if !repo.HasFile(ConfigFileName) {
		klog.V(1).Infof("tokenizers: %s has no %s, using defaults", repo, ConfigFileName)
		return &api.Config{}, nil
	}
	configPath, err := repo.DownloadFile(ConfigFileName)
	if err != nil {
		return nil, errors.WithMessagef(err, "while downloading %s", ConfigFileName)
	}
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", configPath)
	}
	return api.ParseConfig(content)
}

// New creates the tokenizer for the repository. It prefers "tokenizer.json" (HuggingFace fast
// tokenizers) over "tokenizer.model" (SentencePiece).
func New(repo *hub.Repo) (api.TokenizerWithSpans, error) {
	config, err := LoadConfig(repo)
	if err != nil {
		return nil, err
	}
	for _, c := range constructors {
		if !repo.HasFile(c.fileName) {
			continue
		}
		tok, err := c.construct(config, repo)
		if err != nil {
			return nil, errors.WithMessagef(err, "while creating tokenizer from %s of %s", c.fileName, repo)
		}
		withSpans, ok := tok.(api.TokenizerWithSpans)
		if !ok {
			return nil, errors.Errorf("tokenizer from %s of %s doesn't report token spans", c.fileName, repo)
		}
		klog.V(1).Infof("tokenizers: using %s of %s", c.fileName, repo)
		return withSpans, nil
	}
	return nil, errors.Errorf("no supported tokenizer file found in %s", repo)
}

// NewFromDir creates the tokenizer of a local checkpoint directory.
func NewFromDir(dir string) (api.TokenizerWithSpans, error) {
	dir = files.ReplaceTildeInDir(dir)
	if !files.IsDir(dir) {
		return nil, errors.Errorf("%q is not a directory", dir)
	}
	return New(hub.New(dir))
}
