package audio

import (
	"fmt"
	"iter"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Fragment is a fixed-length slice of a normalized stream. Index is the only
// ordering key; Length counts the real samples before any zero padding.
type Fragment struct {
	Index   int
	Samples []int
	Length  int
	Padded  bool
}

// FragmentCount returns how many fragments a stream of length samples yields.
func FragmentCount(length, size int) int {
	if length <= 0 || size <= 0 {
		return 0
	}
	return (length + size - 1) / size
}

// Split cuts s into fragments of exactly size samples, in index order.
// Boundaries are [i*size, min((i+1)*size, len)); a short final fragment is
// padded with silence. The returned sequence is lazy and single-pass.
func Split(s Stream, size int) (iter.Seq[Fragment], error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: fragment size must be positive, got %d", config.ErrInvalid, size)
	}
	if len(s.Samples) == 0 {
		return nil, ErrEmptyInput
	}
	samples := s.Samples
	return func(yield func(Fragment) bool) {
		for i, start := 0, 0; start < len(samples); i, start = i+1, start+size {
			end := min(start+size, len(samples))
			frag := Fragment{Index: i, Length: end - start}
			if frag.Length == size {
				frag.Samples = samples[start:end:end]
			} else {
				frag.Samples = make([]int, size)
				copy(frag.Samples, samples[start:end])
				frag.Padded = true
			}
			if !yield(frag) {
				return
			}
		}
	}, nil
}
