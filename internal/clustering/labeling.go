// Package clustering drives opaque clustering back-ends: it defines the
// labeling produced by a back-end, the generic resolution search that tunes a
// back-end to a target cluster count, and a bundled k-means implementation.
package clustering

// Missing marks a cell excluded from clustering. It is never counted as a
// cluster of its own.
const Missing = -1

// Labeling assigns every cell an integer cluster id, or Missing.
type Labeling []int

// NumClusters returns the number of distinct non-missing labels.
func (l Labeling) NumClusters() int {
	seen := make(map[int]struct{})
	for _, v := range l {
		if v == Missing || v < 0 {
			continue
		}
		seen[v] = struct{}{}
	}
	return len(seen)
}

// Sizes returns the member count per non-missing label.
func (l Labeling) Sizes() map[int]int {
	sizes := make(map[int]int)
	for _, v := range l {
		if v == Missing || v < 0 {
			continue
		}
		sizes[v]++
	}
	return sizes
}
