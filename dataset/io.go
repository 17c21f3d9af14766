package dataset

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/clinical-nlp/clinicalqa/internal/files"
	"github.com/clinical-nlp/clinicalqa/internal/jsonl"
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LineError is a JSON Lines record that could not be decoded.
type LineError = jsonl.LineError

// ReadJSONL reads one example per line. Malformed lines, or lines missing a required field, are
// skipped and returned as LineErrors.
func ReadJSONL(r io.Reader) ([]Example, []LineError, error) {
	return jsonl.Read[Example](r)
}

// ReadJSONLFile reads a JSON Lines file, logging skipped lines.
func ReadJSONLFile(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open dataset %q", path)
	}
	defer func() { _ = f.Close() }()
	examples, lineErrs, err := ReadJSONL(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "while reading dataset %q", path)
	}
	for _, lineErr := range lineErrs {
		klog.Warningf("%s: skipping %v", path, lineErr)
	}
	klog.V(1).Infof("read %d examples from %s", len(examples), path)
	return examples, nil
}

// WriteJSONL writes one example per line.
func WriteJSONL(w io.Writer, examples []Example) error {
	return jsonl.Write(w, examples)
}

// WriteJSONLFile writes a JSON Lines file atomically, creating parent directories as needed.
func WriteJSONLFile(path string, examples []Example) error {
	return files.WriteAtomically(path, func(f *os.File) error {
		return WriteJSONL(f, examples)
	})
}

// parquetRow is the Parquet layout of an Example. Ids are stored as strings, along with whether
// they were JSON numbers; Extra fields are not stored.
type parquetRow struct {
	ID               string `parquet:"id,optional"`
	IDNumeric        bool   `parquet:"id_numeric,optional"`
	SubjectID        string `parquet:"subject_id,optional"`
	SubjectIDNumeric bool   `parquet:"subject_id_numeric,optional"`
	HadmID           string `parquet:"hadm_id,optional"`
	HadmIDNumeric    bool   `parquet:"hadm_id_numeric,optional"`
	Context          string `parquet:"context,zstd"`
	Question         string `parquet:"question"`
	AnswerText       string `parquet:"answer_text"`
	AnswerStart      int64  `parquet:"answer_start"`
}

// WriteParquet writes the examples as Parquet rows.
func WriteParquet(w io.Writer, examples []Example) error {
	rows := make([]parquetRow, len(examples))
	for i, ex := range examples {
		rows[i] = parquetRow{
			ID:               ex.ID.Value,
			IDNumeric:        ex.ID.Numeric,
			SubjectID:        ex.SubjectID.Value,
			SubjectIDNumeric: ex.SubjectID.Numeric,
			HadmID:           ex.HadmID.Value,
			HadmIDNumeric:    ex.HadmID.Numeric,
			Context:          ex.Context,
			Question:         ex.Question,
			AnswerText:       ex.AnswerText,
			AnswerStart:      int64(ex.AnswerStart),
		}
	}
	if err := parquet.Write(w, rows); err != nil {
		return errors.Wrap(err, "failed to write parquet rows")
	}
	return nil
}

// WriteParquetFile writes a Parquet file atomically.
func WriteParquetFile(path string, examples []Example) error {
	return files.WriteAtomically(path, func(f *os.File) error {
		return WriteParquet(f, examples)
	})
}

// ReadParquetFile reads examples written by WriteParquet. Ids keep the form, number or string,
// they were written with.
func ReadParquetFile(path string) ([]Example, error) {
	rows, err := parquet.ReadFile[parquetRow](path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read parquet file %q", path)
	}
	examples := make([]Example, len(rows))
	for i, row := range rows {
		examples[i] = Example{
			ID:          parseID(row.ID, row.IDNumeric),
			SubjectID:   parseID(row.SubjectID, row.SubjectIDNumeric),
			HadmID:      parseID(row.HadmID, row.HadmIDNumeric),
			Context:     row.Context,
			Question:    row.Question,
			AnswerText:  row.AnswerText,
			AnswerStart: int(row.AnswerStart),
		}
	}
	return examples, nil
}

func parseID(s string, numeric bool) FlexID {
	switch {
	case s == "":
		return FlexID{}
	case numeric:
		return NumericID(s)
	default:
		return StringID(s)
	}
}

// IsParquet reports whether path names a Parquet file, by extension.
func IsParquet(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".parquet")
}

// ReadFile reads a dataset file, Parquet or JSON Lines depending on its extension.
func ReadFile(path string) ([]Example, error) {
	if IsParquet(path) {
		return ReadParquetFile(path)
	}
	return ReadJSONLFile(path)
}

// WriteFile writes a dataset file, Parquet or JSON Lines depending on its extension.
func WriteFile(path string, examples []Example) error {
	if IsParquet(path) {
		return WriteParquetFile(path, examples)
	}
	return WriteJSONLFile(path, examples)
}

// ReadGeneratedFile reads generator responses, one Generated per line. Malformed lines are logged
// and skipped.
func ReadGeneratedFile(path string) ([]Generated, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open generated responses %q", path)
	}
	defer func() { _ = f.Close() }()
	generated, lineErrs, err := jsonl.Read[Generated](f)
	if err != nil {
		return nil, errors.WithMessagef(err, "while reading generated responses %q", path)
	}
	for _, lineErr := range lineErrs {
		klog.Warningf("%s: skipping %v", path, lineErr)
	}
	return generated, nil
}
