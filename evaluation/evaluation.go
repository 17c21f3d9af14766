// Package evaluation runs a question answering model over labeled examples, scores the answers,
// and reviews the worst predictions.
package evaluation

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/clinical-nlp/clinicalqa/dataset"
	"github.com/clinical-nlp/clinicalqa/inference"
	"github.com/clinical-nlp/clinicalqa/internal/files"
	"github.com/clinical-nlp/clinicalqa/internal/jsonl"
	"github.com/clinical-nlp/clinicalqa/scoring"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultF1Threshold below which Review reports a prediction.
const DefaultF1Threshold = 0.9

// progressEvery is the number of examples between progress logs in Run.
const progressEvery = 100

// Prediction of the model for one example.
type Prediction struct {
	Context    string `json:"context"`
	Question   string `json:"question"`
	Prediction string `json:"prediction"`
	Reference  string `json:"reference"`
}

// Result of Run.
type Result struct {
	Predictions []Prediction
	Metrics     scoring.Metrics
}

// Run asks answerer each example's question, in order, and scores the answers against the
// examples' AnswerText. The first answerer error aborts the run.
func Run(ctx context.Context, examples []dataset.Example, answerer inference.Answerer) (*Result, error) {
	result := &Result{Predictions: make([]Prediction, 0, len(examples))}
	var agg scoring.Aggregate
	for i := range examples {
		ex := &examples[i]
		answer, err := answerer.Answer(ctx, ex.Context, ex.Question)
		if err != nil {
			return nil, errors.WithMessagef(err, "while answering example #%d", i)
		}
		agg.Add(answer, ex.AnswerText)
		result.Predictions = append(result.Predictions, Prediction{
			Context:    ex.Context,
			Question:   ex.Question,
			Prediction: answer,
			Reference:  ex.AnswerText,
		})
		if (i+1)%progressEvery == 0 {
			klog.V(1).Infof("answered %d/%d examples", i+1, len(examples))
		}
	}
	result.Metrics = agg.Metrics()
	return result, nil
}

// SimplifyPredictions applies scoring.SimpleNormalize to predictions and references, the form in
// which older prediction files were stored.
func SimplifyPredictions(preds []Prediction) []Prediction {
	out := make([]Prediction, len(preds))
	for i, p := range preds {
		p.Prediction = scoring.SimpleNormalize(p.Prediction)
		p.Reference = scoring.SimpleNormalize(p.Reference)
		out[i] = p
	}
	return out
}

// ScorePredictions computes the metrics of stored predictions.
func ScorePredictions(preds []Prediction) scoring.Metrics {
	var agg scoring.Aggregate
	for _, p := range preds {
		agg.Add(p.Prediction, p.Reference)
	}
	return agg.Metrics()
}

// BracketedSubset returns the predictions whose reference contains both "[" and "]", which mark
// brand names in medication answers.
func BracketedSubset(preds []Prediction) []Prediction {
	var subset []Prediction
	for _, p := range preds {
		if strings.Contains(p.Reference, "[") && strings.Contains(p.Reference, "]") {
			subset = append(subset, p)
		}
	}
	return subset
}

// BadPrediction is a prediction flagged by Review.
type BadPrediction struct {
	Prediction
	F1         float64
	ExactMatch bool
}

// Review returns the predictions that are not an exact match or have an F1 below threshold,
// worst F1 first. Ties keep the input order.
func Review(preds []Prediction, threshold float64) []BadPrediction {
	var bad []BadPrediction
	for _, p := range preds {
		em := scoring.ExactMatch(p.Prediction, p.Reference)
		f1 := scoring.F1(p.Prediction, p.Reference)
		if !em || f1 < threshold {
			bad = append(bad, BadPrediction{Prediction: p, F1: f1, ExactMatch: em})
		}
	}
	sort.SliceStable(bad, func(i, j int) bool { return bad[i].F1 < bad[j].F1 })
	return bad
}

// WritePredictions writes one prediction per line.
func WritePredictions(path string, preds []Prediction) error {
	err := files.WriteAtomically(path, func(f *os.File) error {
		return jsonl.Write(f, preds)
	})
	if err != nil {
		return errors.WithMessagef(err, "while writing predictions to %s", path)
	}
	klog.Infof("Saved %d predictions to %s", len(preds), path)
	return nil
}

// ReadPredictions reads a file written by WritePredictions. Malformed lines are logged and
// skipped.
func ReadPredictions(path string) ([]Prediction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open predictions %q", path)
	}
	defer func() { _ = f.Close() }()
	preds, lineErrs, err := jsonl.Read[Prediction](f)
	if err != nil {
		return nil, errors.WithMessagef(err, "while reading predictions %q", path)
	}
	for _, lineErr := range lineErrs {
		klog.Warningf("%s: skipping %v", path, lineErr)
	}
	return preds, nil
}

// WriteMetrics writes the metrics as indented JSON.
func WriteMetrics(path string, metrics scoring.Metrics) error {
	err := files.WriteAtomically(path, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(metrics), "failed to encode metrics")
	})
	if err != nil {
		return errors.WithMessagef(err, "while writing metrics to %s", path)
	}
	klog.Infof("Saved evaluation metrics to %s", path)
	return nil
}

// ReadMetrics reads a file written by WriteMetrics.
func ReadMetrics(path string) (scoring.Metrics, error) {
	var metrics scoring.Metrics
	data, err := os.ReadFile(path)
	if err != nil {
		return metrics, errors.Wrapf(err, "failed to read metrics %q", path)
	}
	if err := json.Unmarshal(data, &metrics); err != nil {
		return metrics, errors.Wrapf(err, "failed to parse metrics %q", path)
	}
	return metrics, nil
}
