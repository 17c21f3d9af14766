package dataset

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Note is a clinical note given to an external generator.
type Note struct {
	SubjectID FlexID `json:"subject_id,omitzero"`
	HadmID    FlexID `json:"hadm_id,omitzero"`
	Text      string `json:"text"`
}

// Generated is a note along with the raw response of the generator for it: a JSON list of
// {"question", "answer_text", "answer_start"} objects.
type Generated struct {
	Note
	Response string `json:"response"`
}

// IngestResult is the outcome of parsing one generator response. Parsing never fails as a whole:
// a response that is not a JSON list is reported in SkipReason, and items that can't be turned
// into examples are reported in ItemSkips.
type IngestResult struct {
	Examples   []Example
	SkipReason string
	ItemSkips  []string
}

// Skipped reports whether the whole response was skipped.
func (r IngestResult) Skipped() bool { return r.SkipReason != "" }

// ParseGenerated turns a generator response for note into examples. The context of every example
// is the trimmed note text; the note's subject_id and hadm_id are copied. Markdown code fences
// around the JSON are ignored. Offsets are taken as given: run Repair afterwards.
func ParseGenerated(note Note, response string) IngestResult {
	var result IngestResult
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(stripCodeFence(response)), &items); err != nil {
		result.SkipReason = fmt.Sprintf("response is not a JSON list: %v", err)
		return result
	}

	context, err := json.Marshal(strings.TrimSpace(note.Text))
	if err != nil {
		result.SkipReason = fmt.Sprintf("can't encode note text: %v", err)
		return result
	}
	for i, rawItem := range items {
		var item map[string]json.RawMessage
		if err := json.Unmarshal(rawItem, &item); err != nil || item == nil {
			result.ItemSkips = append(result.ItemSkips, fmt.Sprintf("item #%d: not a JSON object", i))
			continue
		}
		item["context"] = context
		if !note.SubjectID.IsZero() {
			item["subject_id"], _ = note.SubjectID.MarshalJSON()
		}
		if !note.HadmID.IsZero() {
			item["hadm_id"], _ = note.HadmID.MarshalJSON()
		}
		ex, err := exampleFromFields(item)
		if err != nil {
			result.ItemSkips = append(result.ItemSkips, fmt.Sprintf("item #%d: %v", i, err))
			continue
		}
		result.Examples = append(result.Examples, ex)
	}
	return result
}

func exampleFromFields(fields map[string]json.RawMessage) (Example, error) {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return Example{}, errors.Wrap(err, "can't re-encode item")
	}
	var ex Example
	if err := json.Unmarshal(encoded, &ex); err != nil {
		return Example{}, err
	}
	return ex, nil
}

// stripCodeFence removes a surrounding ``` or ```json fence, if any.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if newline := strings.IndexByte(s, '\n'); newline >= 0 {
		// Drop the language tag line.
		s = s[newline+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

// IngestReport summarizes IngestGenerated.
type IngestReport struct {
	Responses        int
	SkippedResponses int
	SkippedItems     int
	Examples         int
}

// IngestGenerated parses every generator response, logging and skipping what can't be parsed.
func IngestGenerated(generated []Generated) ([]Example, IngestReport) {
	var examples []Example
	report := IngestReport{Responses: len(generated)}
	for i, g := range generated {
		result := ParseGenerated(g.Note, g.Response)
		if result.Skipped() {
			report.SkippedResponses++
			klog.Warningf("response #%d (hadm_id=%s) skipped: %s", i, g.HadmID, result.SkipReason)
			continue
		}
		for _, reason := range result.ItemSkips {
			klog.Warningf("response #%d (hadm_id=%s): %s", i, g.HadmID, reason)
		}
		report.SkippedItems += len(result.ItemSkips)
		examples = append(examples, result.Examples...)
	}
	report.Examples = len(examples)
	klog.Infof("ingest: %d examples from %d responses (%d responses and %d items skipped)",
		report.Examples, report.Responses, report.SkippedResponses, report.SkippedItems)
	return examples, report
}
