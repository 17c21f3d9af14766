package dataset

import (
	"fmt"
	"math/rand"

	"github.com/google/uuid"
)

// Vocabularies of the synthetic medication examples.
var (
	SynthDrugs = []string{
		"Metformin", "Gabapentin", "Epoetin Alfa", "Amoxicillin",
		"Lisinopril", "Albuterol", "Acetaminophen", "Atorvastatin", "Oxycodone Hydrochloride",
	}
	SynthDosages = []string{"0.5 MG", "10 MG", "500 MG", "1 ML", "2 ML", "1000 UNT"}
	SynthForms   = []string{"Oral Tablet", "Injection", "Suspension", "Capsule", "Auto-Injector"}
	SynthBrands  = []string{
		"[Epogen]", "[Percocet]", "[Lipitor]", "[Neurontin]", "[Ventolin]",
		"[Glucophage]", "[Zestril]", "[Amoxil]", "[Norvasc]", "[Humulin]",
	}
)

// SynthQuestion is the question of every synthetic example.
const SynthQuestion = "What medication was the patient prescribed?"

// Synthesizer generates medication prescription examples, used to augment training data with
// bracketed brand names. It is deterministic for a given seed, and not safe for concurrent use.
type Synthesizer struct {
	rng *rand.Rand
}

// NewSynthesizer creates a Synthesizer seeded with seed.
func NewSynthesizer(seed int64) *Synthesizer {
	return &Synthesizer{rng: rand.New(rand.NewSource(seed))}
}

func (s *Synthesizer) pick(choices []string) string {
	return choices[s.rng.Intn(len(choices))]
}

// Example generates one example: "Patient <uuid> was prescribed <dose> <drug> <form> <brand>.",
// whose answer is the medication.
func (s *Synthesizer) Example() Example {
	drug := s.pick(SynthDrugs)
	dose := s.pick(SynthDosages)
	form := s.pick(SynthForms)
	brand := s.pick(SynthBrands)
	medication := fmt.Sprintf("%s %s %s %s", dose, drug, form, brand)

	patientID, err := uuid.NewRandomFromReader(s.rng)
	if err != nil {
		patientID = uuid.New()
	}
	ex := Example{
		Context:    fmt.Sprintf("Patient %s was prescribed %s.", patientID, medication),
		Question:   SynthQuestion,
		AnswerText: medication,
	}
	ex.AnswerStart = findAnswer(&ex)
	return ex
}

// Examples generates n examples.
func (s *Synthesizer) Examples(n int) []Example {
	examples := make([]Example, n)
	for i := range examples {
		examples[i] = s.Example()
	}
	return examples
}
