package dataset

import (
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrAnswerNotFound is returned by Validate when the answer text occurs nowhere in the context.
var ErrAnswerNotFound = errors.New("answer text not found in context")

// RepairOutcome is the result of Repair on one example.
type RepairOutcome int

const (
	// Valid examples already point at their answer.
	Valid RepairOutcome = iota
	// Fixed examples had AnswerStart moved to the first occurrence of the answer.
	Fixed
	// Dropped examples have an answer that occurs nowhere in the context.
	Dropped
)

var repairOutcomeNames = [...]string{Valid: "valid", Fixed: "fixed", Dropped: "dropped"}

// String implements fmt.Stringer.
func (o RepairOutcome) String() string {
	if o < 0 || int(o) >= len(repairOutcomeNames) {
		return "unknown"
	}
	return repairOutcomeNames[o]
}

// spanMatches reports whether the context, at the example's AnswerStart, holds the answer text.
// A negative or out of range AnswerStart never matches.
func spanMatches(ex *Example) bool {
	if ex.AnswerStart < 0 {
		return false
	}
	// Skip AnswerStart runes.
	byteStart := 0
	for i := 0; i < ex.AnswerStart; i++ {
		if byteStart >= len(ex.Context) {
			return false
		}
		_, size := utf8.DecodeRuneInString(ex.Context[byteStart:])
		byteStart += size
	}
	return strings.HasPrefix(ex.Context[byteStart:], ex.AnswerText)
}

// findAnswer returns the character offset of the first occurrence of the answer, or -1.
func findAnswer(ex *Example) int {
	idx := strings.Index(ex.Context, ex.AnswerText)
	if idx < 0 {
		return -1
	}
	return utf8.RuneCountInString(ex.Context[:idx])
}

// Repair checks that the example's AnswerStart points at its answer text. If not, AnswerStart is
// moved to the first occurrence of the answer in the context (Fixed). If the answer occurs
// nowhere, the example is returned unchanged along with Dropped.
//
// When the answer occurs several times, the first occurrence is always chosen.
func Repair(ex Example) (Example, RepairOutcome) {
	if spanMatches(&ex) {
		return ex, Valid
	}
	idx := findAnswer(&ex)
	if idx < 0 {
		return ex, Dropped
	}
	ex.AnswerStart = idx
	return ex, Fixed
}

// Validate returns nil if the example's AnswerStart points at its answer text. The error wraps
// ErrAnswerNotFound when the answer occurs nowhere in the context.
func Validate(ex Example) error {
	if spanMatches(&ex) {
		return nil
	}
	idx := findAnswer(&ex)
	if idx < 0 {
		return errors.Wrapf(ErrAnswerNotFound, "answer %q", ex.AnswerText)
	}
	return errors.Errorf("answer_start %d doesn't point at answer %q, first found at %d",
		ex.AnswerStart, ex.AnswerText, idx)
}

// RepairReport counts the outcomes of RepairAll.
type RepairReport struct {
	Valid   int
	Fixed   int
	Dropped int

	// DroppedIndices are the indices, in the input, of the dropped examples.
	DroppedIndices []int
}

// RepairAll repairs every example, dropping the unfixable ones. The returned examples keep the
// input order, and all satisfy Validate.
func RepairAll(examples []Example) ([]Example, RepairReport) {
	var report RepairReport
	out := make([]Example, 0, len(examples))
	for i, ex := range examples {
		repaired, outcome := Repair(ex)
		switch outcome {
		case Valid:
			report.Valid++
		case Fixed:
			report.Fixed++
			klog.V(1).Infof("example #%d: answer_start %d -> %d", i, ex.AnswerStart, repaired.AnswerStart)
		case Dropped:
			report.Dropped++
			report.DroppedIndices = append(report.DroppedIndices, i)
			klog.Warningf("example #%d dropped: answer %q not found in context", i, ex.AnswerText)
			continue
		}
		out = append(out, repaired)
	}
	klog.Infof("repair: %d valid, %d fixed, %d dropped", report.Valid, report.Fixed, report.Dropped)
	return out, report
}
