package tokenizers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/clinical-nlp/clinicalqa/hub"
	"github.com/clinical-nlp/clinicalqa/internal/tokentest"
	"github.com/clinical-nlp/clinicalqa/tokenizers/api"
	"github.com/clinical-nlp/clinicalqa/tokenizers/hftokenizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, content []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), content, 0o644))
}

func TestNewFromDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "tokenizer.json", tokentest.TokenizerJSON("metformin", "oral", "tablet"))
	writeFile(t, dir, ConfigFileName, []byte(`{
		"model_max_length": 512,
		"do_lower_case": true,
		"cls_token": "[CLS]",
		"sep_token": {"content": "[SEP]", "lstrip": false}
	}`))

	tok, err := NewFromDir(dir)
	require.NoError(t, err)
	assert.IsType(t, &hftokenizer.Tokenizer{}, tok)
	assert.Equal(t, []int{1000, 1001, 1002}, tok.Encode("Metformin Oral Tablet"))

	config, err := LoadConfig(hub.New(dir))
	require.NoError(t, err)
	assert.Equal(t, 512, config.ModelMaxLength)
	require.NotNil(t, config.DoLowerCase)
	assert.True(t, *config.DoLowerCase)
	assert.Equal(t, "[CLS]", config.ClsToken)
	assert.Equal(t, "[SEP]", config.SepToken)
}

func TestNewWithoutConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "tokenizer.json", tokentest.TokenizerJSON("hello"))
	tok, err := New(hub.New(dir))
	require.NoError(t, err)
	id, err := tok.SpecialTokenID(api.TokClassification)
	require.NoError(t, err)
	assert.Equal(t, tokentest.ClsID, id)
}

func TestNewErrors(t *testing.T) {
	_, err := NewFromDir(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	empty := t.TempDir()
	_, err = NewFromDir(empty)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no supported tokenizer")

	bad := t.TempDir()
	writeFile(t, bad, "tokenizer.json", []byte(`{"model": {"type": "Unigram"}}`))
	_, err = NewFromDir(bad)
	require.Error(t, err)

	badConfig := t.TempDir()
	writeFile(t, badConfig, "tokenizer.json", tokentest.TokenizerJSON("hello"))
	writeFile(t, badConfig, ConfigFileName, []byte(`not json`))
	_, err = NewFromDir(badConfig)
	require.Error(t, err)
}
