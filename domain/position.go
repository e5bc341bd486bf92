package domain

import "math"

const (
	// DefaultSeed is the position given to the first task of an empty column.
	DefaultSeed = 1.0
	// DefaultSpacing is the distance kept from a neighbor on boundary inserts.
	DefaultSpacing = 1.0
	// DefaultMinGap is the smallest neighbor gap the allocator will split.
	DefaultMinGap = 1e-9
)

// Allocator computes ordering keys for tasks placed between two neighbors
// without touching the neighbors' own positions.
type Allocator struct {
	Seed    float64
	Spacing float64
	MinGap  float64
}

// NewAllocator returns an allocator using the default constants.
func NewAllocator() Allocator {
	return Allocator{Seed: DefaultSeed, Spacing: DefaultSpacing, MinGap: DefaultMinGap}
}

// Between returns a position strictly between before and after. A nil
// neighbor means the slot is at that end of the column. ErrRenumberRequired is
// returned when the column has run out of precision around the slot.
func (a Allocator) Between(before, after *float64) (float64, error) {
	switch {
	case before == nil && after == nil:
		return a.Seed, nil
	case after == nil:
		if !finite(*before) {
			return 0, ErrRenumberRequired
		}
		pos := *before + a.Spacing
		if !(pos > *before) || !finite(pos) {
			return 0, ErrRenumberRequired
		}
		return pos, nil
	case before == nil:
		if !finite(*after) {
			return 0, ErrRenumberRequired
		}
		pos := *after - a.Spacing
		if !(pos < *after) || !finite(pos) {
			return 0, ErrRenumberRequired
		}
		return pos, nil
	}

	lo, hi := *before, *after
	if !finite(lo) || !finite(hi) || !(lo < hi) {
		return 0, ErrRenumberRequired
	}
	if hi-lo < a.MinGap {
		return 0, ErrRenumberRequired
	}
	mid := (lo + hi) / 2
	if !(mid > lo && mid < hi) {
		return 0, ErrRenumberRequired
	}
	return mid, nil
}

// Renumber returns n evenly spaced integral positions starting at 1.
func Renumber(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i + 1)
	}
	return out
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
