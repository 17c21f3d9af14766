package dataset

import (
	"math/rand"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Split shuffles a copy of items with the given seed and cuts it in two: the first
// int(trainFraction*len(items)) items are the training set, the rest the validation set.
// The same seed always gives the same split.
func Split[T any](items []T, trainFraction float64, seed int64) (train, val []T, err error) {
	if trainFraction < 0 || trainFraction > 1 {
		return nil, nil, errors.Errorf("train fraction must be in [0, 1], got %g", trainFraction)
	}
	shuffled := make([]T, len(items))
	copy(shuffled, items)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	cut := int(trainFraction * float64(len(shuffled)))
	return shuffled[:cut], shuffled[cut:], nil
}

// MergeUnique concatenates the collections, keeping only the first item seen for each key.
func MergeUnique[T any, K comparable](collections [][]T, key func(T) K) []T {
	seen := make(map[K]struct{})
	var merged []T
	for _, collection := range collections {
		for _, item := range collection {
			k := key(item)
			if _, found := seen[k]; found {
				continue
			}
			seen[k] = struct{}{}
			merged = append(merged, item)
		}
	}
	return merged
}

// Key identifies a question about an admission.
type Key struct {
	HadmID   string
	Question string
}

// SourceKey is the default MergeUnique key: the (hadm_id, question) pair.
func SourceKey(ex Example) Key {
	return Key{HadmID: ex.HadmID.Value, Question: ex.Question}
}

// DropMissingHadmID removes the examples without an hadm_id, which SourceKey can't tell apart,
// and returns the kept examples and how many were dropped.
func DropMissingHadmID(examples []Example) ([]Example, int) {
	kept := make([]Example, 0, len(examples))
	for _, ex := range examples {
		if ex.HadmID.IsZero() {
			continue
		}
		kept = append(kept, ex)
	}
	return kept, len(examples) - len(kept)
}

// AssignIDs gives a random (version 4) UUID to every example without an id, and returns how many
// were assigned.
func AssignIDs(examples []Example) int {
	assigned := 0
	for i := range examples {
		if !examples[i].ID.IsZero() {
			continue
		}
		examples[i].ID = StringID(uuid.NewString())
		assigned++
	}
	return assigned
}
