package dataset

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepair(t *testing.T) {
	tests := []struct {
		name        string
		context     string
		answer      string
		start       int
		wantStart   int
		wantOutcome RepairOutcome
	}{
		{"valid", "Patient took 10 MG Metformin.", "10 MG Metformin", 13, 13, Valid},
		{"wrong offset", "Patient took 10 MG Metformin.", "10 MG Metformin", 5, 13, Fixed},
		{"negative offset", "Patient took 10 MG Metformin.", "Metformin", -1, 19, Fixed},
		{"offset past the end", "Patient took 10 MG Metformin.", "Metformin", 100, 19, Fixed},
		{"absent", "Patient took 10 MG Metformin.", "Lisinopril", 0, 0, Dropped},
		{"case differs", "Patient took 10 MG Metformin.", "metformin", 19, 19, Dropped},
		{"first occurrence wins", "Epogen, then Epogen again.", "Epogen", 13, 13, Valid},
		{"first occurrence on repair", "Epogen, then Epogen again.", "Epogen", 3, 0, Fixed},
		{"character offsets", "Fièvre; took Tylenol.", "Tylenol", 13, 13, Valid},
		{"character offsets on repair", "Fièvre; took Tylenol.", "Tylenol", 14, 13, Fixed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := Example{Context: tt.context, Question: "q", AnswerText: tt.answer, AnswerStart: tt.start}
			got, outcome := Repair(ex)
			assert.Equal(t, tt.wantOutcome, outcome)
			assert.Equal(t, tt.wantStart, got.AnswerStart)
			if outcome != Dropped {
				assert.NoError(t, Validate(got))
				runes := []rune(got.Context)
				assert.Equal(t, tt.answer, string(runes[got.AnswerStart:got.AnswerEnd()]))
			}
		})
	}
}

func TestValidate(t *testing.T) {
	ex := Example{Context: "Patient took 10 MG Metformin.", AnswerText: "10 MG Metformin", AnswerStart: 13}
	require.NoError(t, Validate(ex))

	ex.AnswerStart = 5
	err := Validate(ex)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAnswerNotFound))
	assert.Contains(t, err.Error(), "first found at 13")

	ex.AnswerText = "Lisinopril"
	err = Validate(ex)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAnswerNotFound))
}

func TestRepairAll(t *testing.T) {
	examples := []Example{
		{Context: "Patient took 10 MG Metformin.", AnswerText: "10 MG Metformin", AnswerStart: 13},
		{Context: "Patient took 10 MG Metformin.", AnswerText: "10 MG Metformin", AnswerStart: 5},
		{Context: "Patient took 10 MG Metformin.", AnswerText: "Lisinopril", AnswerStart: 0},
		{Context: "Chest X-ray shows pneumothorax.", AnswerText: "pneumothorax", AnswerStart: 18},
	}
	repaired, report := RepairAll(examples)
	assert.Equal(t, RepairReport{Valid: 2, Fixed: 1, Dropped: 1, DroppedIndices: []int{2}}, report)
	require.Len(t, repaired, 3)
	assert.Equal(t, 13, repaired[1].AnswerStart)
	assert.Equal(t, "pneumothorax", repaired[2].AnswerText)
	for _, ex := range repaired {
		assert.NoError(t, Validate(ex))
	}
	// Input is not modified.
	assert.Equal(t, 5, examples[1].AnswerStart)
}

func TestRepairOutcomeString(t *testing.T) {
	assert.Equal(t, "valid", Valid.String())
	assert.Equal(t, "fixed", Fixed.String())
	assert.Equal(t, "dropped", Dropped.String())
	assert.Equal(t, "unknown", RepairOutcome(7).String())
}
