// Package dataset holds extractive QA examples and the passes run over them before feature
// building: reading and writing (JSON Lines, Parquet), span repair and validation, splitting,
// merging, ingestion of generated examples and synthetic augmentation.
package dataset

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Example is one extractive QA example.
//
// AnswerStart is a character (rune) offset into Context, not a byte offset, which is how
// datasets produced by HuggingFace tooling count.
type Example struct {
	ID        FlexID
	SubjectID FlexID
	HadmID    FlexID

	Context     string
	Question    string
	AnswerText  string
	AnswerStart int

	// Extra holds unknown fields, written back unchanged.
	Extra map[string]json.RawMessage
}

// AnswerEnd returns the character offset right after the answer.
func (ex *Example) AnswerEnd() int {
	return ex.AnswerStart + utf8.RuneCountInString(ex.AnswerText)
}

var knownFields = []string{"id", "subject_id", "hadm_id", "context", "question", "answer_text", "answer_start"}

// requiredFields must be present when decoding.
var requiredFields = []string{"context", "question", "answer_text", "answer_start"}

// UnmarshalJSON implements json.Unmarshaler.
func (ex *Example) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for _, name := range requiredFields {
		if _, found := fields[name]; !found {
			return errors.Errorf("missing field %q", name)
		}
	}

	*ex = Example{}
	targets := map[string]any{
		"id":           &ex.ID,
		"subject_id":   &ex.SubjectID,
		"hadm_id":      &ex.HadmID,
		"context":      &ex.Context,
		"question":     &ex.Question,
		"answer_text":  &ex.AnswerText,
		"answer_start": &ex.AnswerStart,
	}
	for _, name := range knownFields {
		raw, found := fields[name]
		if !found {
			continue
		}
		delete(fields, name)
		if err := json.Unmarshal(raw, targets[name]); err != nil {
			return errors.Wrapf(err, "field %q", name)
		}
	}
	if len(fields) > 0 {
		ex.Extra = fields
	}
	return nil
}

// MarshalJSON implements json.Marshaler. Known fields come first in a fixed order, then Extra
// fields sorted by name. Empty ids are omitted.
func (ex Example) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	writeField := func(name string, value any) error {
		encoded, err := marshalNoEscape(value)
		if err != nil {
			return errors.Wrapf(err, "field %q", name)
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		key, _ := marshalNoEscape(name)
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(encoded)
		return nil
	}

	for _, f := range []struct {
		name string
		id   FlexID
	}{{"id", ex.ID}, {"subject_id", ex.SubjectID}, {"hadm_id", ex.HadmID}} {
		if f.id.IsZero() {
			continue
		}
		if err := writeField(f.name, f.id); err != nil {
			return nil, err
		}
	}
	for _, f := range []struct {
		name  string
		value any
	}{
		{"context", ex.Context},
		{"question", ex.Question},
		{"answer_text", ex.AnswerText},
		{"answer_start", ex.AnswerStart},
	} {
		if err := writeField(f.name, f.value); err != nil {
			return nil, err
		}
	}

	extraNames := make([]string, 0, len(ex.Extra))
	for name := range ex.Extra {
		extraNames = append(extraNames, name)
	}
	sort.Strings(extraNames)
	for _, name := range extraNames {
		if err := writeField(name, ex.Extra[name]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// FlexID is an identifier stored either as a JSON number (MIMIC's subject_id, hadm_id) or as a
// string. It is written back in the form it was read.
type FlexID struct {
	Value   string
	Numeric bool
}

// StringID returns a string FlexID.
func StringID(s string) FlexID { return FlexID{Value: s} }

// NumericID returns a numeric FlexID. s must be a valid JSON number.
func NumericID(s string) FlexID { return FlexID{Value: s, Numeric: true} }

// IsZero reports whether the id is unset.
func (id FlexID) IsZero() bool { return id.Value == "" }

// String returns the id text.
func (id FlexID) String() string { return id.Value }

// MarshalJSON implements json.Marshaler. A numeric id whose text is not a valid JSON number,
// e.g. "007", is written as a string.
func (id FlexID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	if id.Numeric && isJSONNumber(id.Value) {
		return []byte(id.Value), nil
	}
	return json.Marshal(id.Value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*id = FlexID{}
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.Errorf("id must be a number or a string, got %s", data)
	}
	*id = NumericID(n.String())
	return nil
}

// isJSONNumber reports whether s is a single JSON number literal.
func isJSONNumber(s string) bool {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return false
	}
	n, ok := v.(json.Number)
	return ok && n.String() == s
}
