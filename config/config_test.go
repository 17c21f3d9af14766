package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/clinical-nlp/clinicalqa/features"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, features.Config{MaxLength: 384, DocStride: 128}, cfg.Features())
	assert.Equal(t, int64(42), cfg.Training.Seed)
	assert.Equal(t, 0.9, cfg.Split.TrainFraction)
	assert.Equal(t, 0.9, cfg.Evaluation.F1Threshold)
	assert.Equal(t, 10, cfg.Evaluation.TopN)
}

func TestLoad(t *testing.T) {
	t.Setenv("CLINICALQA_TEST_MODELS", "/mnt/models")
	content := `
model_name: ${CLINICALQA_TEST_MODELS}/clinicalbert-qa-mixed-v3
max_length: 256
doc_stride: 64
data_path: data/processed/radiology_features.safetensors
output_dir: models/clinicalbert-qa-radiology
learning_rate: "2e-5"
per_device_train_batch_size: 8
num_train_epochs: 4
weight_decay: 0.01
report_to: none
split:
  train_fraction: 0.8
evaluation:
  top_n: 20
`
	path := filepath.Join(t.TempDir(), "train_config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/models/clinicalbert-qa-mixed-v3", cfg.ModelName)
	assert.Equal(t, features.Config{MaxLength: 256, DocStride: 64}, cfg.Features())
	assert.Equal(t, FlexFloat(2e-5), cfg.Training.LearningRate)
	assert.Equal(t, 8, cfg.Training.PerDeviceTrainBatchSize)
	assert.Equal(t, 16, cfg.Training.PerDeviceEvalBatchSize, "default kept")
	assert.Equal(t, 4, cfg.Training.NumTrainEpochs)
	assert.Equal(t, 0.8, cfg.Split.TrainFraction)
	assert.Equal(t, int64(42), cfg.Split.Seed, "default kept")
	assert.Equal(t, 20, cfg.Evaluation.TopN)
	assert.Equal(t, 0.9, cfg.Evaluation.F1Threshold, "default kept")
}

func TestParseNumericLearningRate(t *testing.T) {
	cfg, err := Parse([]byte("learning_rate: 0.00005\n"))
	require.NoError(t, err)
	assert.InDelta(t, 5e-5, float64(cfg.Training.LearningRate), 1e-12)

	cfg, err = Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseErrors(t *testing.T) {
	for _, content := range []string{
		"model_name: ''\n",
		"max_length: 3\n",
		"doc_stride: 400\n",
		"learning_rate: fast\n",
		"learning_rate: [1, 2]\n",
		"per_device_train_batch_size: 0\n",
		"split:\n  train_fraction: 1.0\n",
		"evaluation:\n  f1_threshold: 2\n",
		"unknown_key: 1\n",
		"max_length: [\n",
	} {
		_, err := Parse([]byte(content))
		require.Error(t, err, content)
		assert.Contains(t, err.Error(), "config", content)
	}

	_, err := Parse([]byte("doc_stride: 400\n"))
	assert.True(t, errors.Is(err, features.ErrStrideTooLarge))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
