package util

import "sort"

// Percentile draws n values from gen, sorts them, and returns the value at
// the pct-th percentile (pct in [0..100]). Returns 0 when n <= 0.
func Percentile(gen func() int32, n, pct int) int32 {
	if n <= 0 {
		return 0
	}
	values := make([]int32, n)
	for i := range values {
		values[i] = gen()
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	idx := (n * pct) / 100
	if idx >= n {
		idx = n - 1
	}
	return values[idx]
}
