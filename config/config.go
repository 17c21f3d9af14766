// Package config holds the settings of the pipeline, loaded from a YAML file.
//
// Values may reference environment variables as $VAR or ${VAR}; they are expanded before parsing.
// Keys missing from the file keep the values of Default.
package config

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/clinical-nlp/clinicalqa/features"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config of the pipeline.
type Config struct {
	// ModelName is a HuggingFace model id, or a local checkpoint directory.
	ModelName string `yaml:"model_name"`
	MaxLength int    `yaml:"max_length"`
	DocStride int    `yaml:"doc_stride"`

	// DataPath is the features file used for training.
	DataPath  string `yaml:"data_path"`
	OutputDir string `yaml:"output_dir"`

	Training   Training   `yaml:",inline"`
	Split      Split      `yaml:"split"`
	Evaluation Evaluation `yaml:"evaluation"`
}

// Training hyperparameters, passed through to the training driver.
type Training struct {
	LearningRate            FlexFloat `yaml:"learning_rate"`
	PerDeviceTrainBatchSize int       `yaml:"per_device_train_batch_size"`
	PerDeviceEvalBatchSize  int       `yaml:"per_device_eval_batch_size"`
	NumTrainEpochs          int       `yaml:"num_train_epochs"`
	WeightDecay             FlexFloat `yaml:"weight_decay"`
	LoggingDir              string    `yaml:"logging_dir"`
	LoggingSteps            int       `yaml:"logging_steps"`
	SaveTotalLimit          int       `yaml:"save_total_limit"`
	ReportTo                string    `yaml:"report_to"`
	Seed                    int64     `yaml:"seed"`
}

// Split configures the train/validation split.
type Split struct {
	TrainFraction float64 `yaml:"train_fraction"`
	Seed          int64   `yaml:"seed"`
}

// Evaluation configures evaluation and review of predictions.
type Evaluation struct {
	// Endpoint of the question answering service.
	Endpoint    string  `yaml:"endpoint"`
	F1Threshold float64 `yaml:"f1_threshold"`
	TopN        int     `yaml:"top_n"`
}

// FlexFloat is a float that may also be written as a string in YAML, e.g. "2e-5".
type FlexFloat float64

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *FlexFloat) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return errors.Errorf("line %d: expected a number", node.Line)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(node.Value), 64)
	if err != nil {
		return errors.Errorf("line %d: invalid number %q", node.Line, node.Value)
	}
	*f = FlexFloat(v)
	return nil
}

// Default returns the default configuration.
func Default() *Config {
	fc := features.DefaultConfig()
	return &Config{
		ModelName: "emilyalsentzer/Bio_ClinicalBERT",
		MaxLength: fc.MaxLength,
		DocStride: fc.DocStride,
		DataPath:  "data/processed/train_features.safetensors",
		OutputDir: "models/clinicalbert-qa",
		Training: Training{
			LearningRate:            3e-5,
			PerDeviceTrainBatchSize: 16,
			PerDeviceEvalBatchSize:  16,
			NumTrainEpochs:          3,
			WeightDecay:             0.01,
			LoggingDir:              "logs",
			LoggingSteps:            10,
			SaveTotalLimit:          2,
			ReportTo:                "none",
			Seed:                    42,
		},
		Split: Split{TrainFraction: 0.9, Seed: 42},
		Evaluation: Evaluation{
			Endpoint:    "http://localhost:8080",
			F1Threshold: 0.9,
			TopN:        10,
		},
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: failed to read %s", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "while loading %s", path)
	}
	return cfg, nil
}

// Parse parses and validates a YAML configuration, after expanding environment variables.
// Unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "config: failed to parse YAML")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ModelName) == "" {
		return errors.New("config: model_name is required")
	}
	if err := c.Features().Validate(); err != nil {
		return errors.WithMessage(err, "config")
	}
	if c.Training.LearningRate < 0 {
		return errors.New("config: learning_rate must be >= 0")
	}
	if c.Training.PerDeviceTrainBatchSize < 1 || c.Training.PerDeviceEvalBatchSize < 1 {
		return errors.New("config: batch sizes must be >= 1")
	}
	if c.Training.NumTrainEpochs < 0 {
		return errors.New("config: num_train_epochs must be >= 0")
	}
	if c.Split.TrainFraction <= 0 || c.Split.TrainFraction >= 1 {
		return errors.Errorf("config: split.train_fraction must be in (0, 1), got %g", c.Split.TrainFraction)
	}
	if c.Evaluation.F1Threshold < 0 || c.Evaluation.F1Threshold > 1 {
		return errors.Errorf("config: evaluation.f1_threshold must be in [0, 1], got %g", c.Evaluation.F1Threshold)
	}
	if c.Evaluation.TopN < 0 {
		return errors.New("config: evaluation.top_n must be >= 0")
	}
	return nil
}

// Features returns the windowing settings of the feature builder.
func (c *Config) Features() features.Config {
	return features.Config{MaxLength: c.MaxLength, DocStride: c.DocStride}
}
