package features

import (
	"runtime"

	"github.com/clinical-nlp/clinicalqa/dataset"
	"github.com/clinical-nlp/clinicalqa/tokenizers/api"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// chunkSize is the number of examples encoded per task when building in parallel.
const chunkSize = 256

// Builder builds labeled features from examples.
type Builder struct {
	Encoder WindowEncoder
	Config  Config

	// Workers is the number of chunks of examples encoded concurrently. Values < 1 mean
	// runtime.NumCPU(). The output order doesn't depend on it.
	Workers int
}

// NewBuilder creates a Builder using all CPUs.
func NewBuilder(encoder WindowEncoder, config Config) *Builder {
	return &Builder{Encoder: encoder, Config: config}
}

// Build windows and labels the examples. Features are ordered by example, then by window, and
// each keeps the index of its example in SampleIndex.
//
// Labels are derived from the examples' AnswerStart: bad offsets must be repaired beforehand
// (see dataset.RepairAll), they are not detected here.
func (b *Builder) Build(examples []dataset.Example) ([]Feature, error) {
	if b.Encoder == nil {
		return nil, errors.New("features builder has no encoder")
	}
	if err := b.Config.Validate(); err != nil {
		return nil, err
	}
	clsID, err := b.Encoder.SpecialTokenID(api.TokClassification)
	if err != nil {
		return nil, errors.WithMessage(err, "encoder has no classification token")
	}

	numChunks := (len(examples) + chunkSize - 1) / chunkSize
	chunks := make([][]Feature, numChunks)
	var g errgroup.Group
	workers := b.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	g.SetLimit(workers)
	for chunkIdx := range numChunks {
		g.Go(func() error {
			first := chunkIdx * chunkSize
			last := min(first+chunkSize, len(examples))
			feats, err := b.buildChunk(examples[first:last], first, clsID)
			if err != nil {
				return err
			}
			chunks[chunkIdx] = feats
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var feats []Feature
	for _, chunk := range chunks {
		feats = append(feats, chunk...)
	}
	stats := Summarize(len(examples), feats)
	klog.Infof("Built %d features from %d examples: %d with the answer, %d without",
		stats.Windows, stats.Examples, stats.Positive, stats.NoAnswer)
	return feats, nil
}

// buildChunk encodes and labels examples, whose first element is at index offset of the full list.
func (b *Builder) buildChunk(examples []dataset.Example, offset, clsID int) ([]Feature, error) {
	questions := make([]string, len(examples))
	contexts := make([]string, len(examples))
	for i := range examples {
		questions[i] = examples[i].Question
		contexts[i] = examples[i].Context
	}
	windows, err := b.Encoder.EncodeWindows(questions, contexts, api.WindowOptions{
		MaxLength: b.Config.MaxLength,
		Stride:    b.Config.DocStride,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "while encoding examples %d to %d", offset, offset+len(examples)-1)
	}

	feats := make([]Feature, len(windows))
	for i := range windows {
		w := &windows[i]
		if w.SampleIndex < 0 || w.SampleIndex >= len(examples) {
			return nil, errors.Errorf("encoder returned window for sample %d, only %d were given", w.SampleIndex, len(examples))
		}
		ex := &examples[w.SampleIndex]
		clsIndex, start, end, err := Label(w, clsID, ex.AnswerStart, ex.AnswerEnd())
		if err != nil {
			return nil, errors.WithMessagef(err, "example #%d", offset+w.SampleIndex)
		}
		feats[i] = Feature{
			InputIDs:      w.InputIDs,
			TokenTypeIDs:  w.TokenTypeIDs,
			AttentionMask: w.AttentionMask,
			Offsets:       w.Offsets,
			SequenceIDs:   w.SequenceIDs,
			SampleIndex:   offset + w.SampleIndex,
			ClsIndex:      clsIndex,
			StartPosition: start,
			EndPosition:   end,
		}
		if klog.V(2).Enabled() {
			klog.Infof("example #%d window #%d: start=%d end=%d cls=%d", offset+w.SampleIndex, i, start, end, clsIndex)
		}
	}
	return feats, nil
}

// Label finds the inclusive token span of the answer [startChar, endChar) in the window's context
// tokens (sequence 1). When the answer is not fully inside them, the span is (clsIndex, clsIndex).
func Label(w *api.Window, clsID, startChar, endChar int) (clsIndex, start, end int, err error) {
	clsIndex = -1
	for i, id := range w.InputIDs {
		if id == clsID {
			clsIndex = i
			break
		}
	}
	if clsIndex < 0 {
		return 0, 0, 0, errors.Errorf("window has no classification token (id %d)", clsID)
	}

	contextStart, contextEnd, ok := w.SequenceRange(1)
	if !ok {
		return clsIndex, clsIndex, clsIndex, nil
	}
	offsets := w.Offsets
	if offsets[contextStart].Start > startChar || offsets[contextEnd].End < endChar {
		return clsIndex, clsIndex, clsIndex, nil
	}

	start = contextStart
	for start <= contextEnd && offsets[start].Start <= startChar {
		start++
	}
	start--
	end = contextEnd
	for end >= contextStart && offsets[end].End >= endChar {
		end--
	}
	end++
	return clsIndex, start, end, nil
}
