package dataset

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/orcanet/orcanet/internal/detector"
	"github.com/orcanet/orcanet/internal/errs"
)

// Batch is a slice of events ready for a model step.
type Batch struct {
	Inputs map[string]*mat.Dense // per model input, one row per event
	Labels map[string]*mat.Dense // per output head, one row per event
	Tracks []detector.Track
}

// Len is the number of events in the batch.
func (b Batch) Len() int { return len(b.Tracks) }

// Loader reads batches from a FileReader and applies the modifiers.
type Loader struct {
	files  *FileReader
	sample SampleModifier
	label  LabelModifier
}

// NewLoader returns a Loader over files.
func NewLoader(files *FileReader, sample SampleModifier, label LabelModifier) *Loader {
	return &Loader{files: files, sample: sample, label: label}
}

// Load reads the events at indices.
func (l *Loader) Load(indices []int) (Batch, error) {
	if len(indices) == 0 {
		return Batch{}, errs.Consistencyf("empty batch requested")
	}
	hists, tracks, err := l.files.Read(indices)
	if err != nil {
		return Batch{}, err
	}
	inputs, err := l.sample.Apply(hists)
	if err != nil {
		return Batch{}, err
	}
	return Batch{Inputs: inputs, Labels: l.label.Apply(tracks), Tracks: tracks}, nil
}

// Order returns the event visiting order for n events. With shuffle set the
// order is a permutation drawn from seed, so the same seed replays the same
// order.
func Order(n int, shuffle bool, seed int64) []int {
	if shuffle {
		return rand.New(rand.NewSource(seed)).Perm(n)
	}
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// ShuffleSeed derives the seed of one (epoch, file) step from the
// configured base seed.
func ShuffleSeed(base int64, epoch, file int) int64 {
	return base + int64(epoch)*1_000_003 + int64(file)
}

// Split cuts order into batches of at most size events. The last batch may
// be short.
func Split(order []int, size int) [][]int {
	if size < 1 {
		size = 1
	}
	out := make([][]int, 0, (len(order)+size-1)/size)
	for lo := 0; lo < len(order); lo += size {
		out = append(out, order[lo:min(lo+size, len(order))])
	}
	return out
}
