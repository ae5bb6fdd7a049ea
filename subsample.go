package spanorm

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

// SelectSubset picks round(p*n) location indices uniformly without
// replacement, returned in ascending order. The selection depends only on
// (n, p, seed), never on global random state or call order, so a fitting call
// chooses the same subset no matter how the per-gene work is parallelised.
func SelectSubset(n int, p float64, seed int64) ([]int, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d locations to subsample", ErrConfig, n)
	}
	if !(p > 0 && p <= 1) {
		return nil, fmt.Errorf("%w: sample.p=%v, must be in (0,1]", ErrConfig, p)
	}
	size := int(math.Round(p * float64(n)))
	if size < 1 {
		return nil, fmt.Errorf("%w: sample.p=%v selects no locations out of %d", ErrConfig, p, n)
	}
	if size > n {
		size = n
	}
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
	idx := rng.Perm(n)[:size]
	sort.Ints(idx)
	return idx, nil
}
