package api

// SequenceNone tags positions of a Window that belong to no input sequence: special tokens and
// padding.
const SequenceNone = -1

// Window is one fixed-length encoding of a (first, second) text pair, e.g. (question, context).
//
// When the second text is too long, it is split into several overlapping windows; each one keeps
// the index of the pair it came from in SampleIndex.
type Window struct {
	InputIDs      []int
	TokenTypeIDs  []int
	AttentionMask []int

	// Offsets holds, per position, the character (rune) span of the token in whichever text it
	// came from. Special and padding positions have {0, 0}.
	Offsets []TokenSpan

	// SequenceIDs tags each position with 0 (first text), 1 (second text) or SequenceNone.
	SequenceIDs []int

	// SampleIndex is the index of the source pair in the encoded batch.
	SampleIndex int
}

// Len returns the number of positions, padding included.
func (w *Window) Len() int { return len(w.InputIDs) }

// SequenceRange returns the first and last positions tagged with sequenceID, and false if no
// position has it.
func (w *Window) SequenceRange(sequenceID int) (first, last int, ok bool) {
	first, last = -1, -1
	for i, id := range w.SequenceIDs {
		if id != sequenceID {
			continue
		}
		if first < 0 {
			first = i
		}
		last = i
	}
	return first, last, first >= 0
}

// WindowOptions configures windowed pair encoding.
type WindowOptions struct {
	// MaxLength is the fixed length of every window, special tokens and padding included.
	MaxLength int

	// Stride is the number of second-text tokens shared by consecutive windows of the same pair.
	Stride int
}
