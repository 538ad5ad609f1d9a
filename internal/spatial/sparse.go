// Package spatial builds and applies spatial neighborhood structure over
// per-cell coordinates: the row-stochastic inverse-distance weight matrix,
// representation smoothing, the CHAOS coherence score and local density.
package spatial

import "fmt"

// WeightMatrix is an N x N sparse row-stochastic matrix in CSR form.
// It is immutable after construction; rebuild it if parameters change.
type WeightMatrix struct {
	n      int
	rowPtr []int
	colIdx []int
	val    []float64
}

// NumRows returns the number of rows (= cells).
func (m *WeightMatrix) NumRows() int {
	return m.n
}

// NNZ returns the number of stored entries.
func (m *WeightMatrix) NNZ() int {
	return len(m.val)
}

// Row returns the column indices and values of row i. The returned slices
// alias internal storage and must not be modified.
func (m *WeightMatrix) Row(i int) ([]int, []float64) {
	lo, hi := m.rowPtr[i], m.rowPtr[i+1]
	return m.colIdx[lo:hi], m.val[lo:hi]
}

// RowSum returns the sum of row i.
func (m *WeightMatrix) RowSum(i int) float64 {
	var s float64
	for _, v := range m.val[m.rowPtr[i]:m.rowPtr[i+1]] {
		s += v
	}
	return s
}

// At returns the entry at (i, j), or 0 if it is not stored.
func (m *WeightMatrix) At(i, j int) float64 {
	cols, vals := m.Row(i)
	for k, c := range cols {
		if c == j {
			return vals[k]
		}
	}
	return 0
}

// Smooth applies the weight matrix to an N x K representation, producing
// the spatially smoothed representation W * rep.
func (m *WeightMatrix) Smooth(rep [][]float64) ([][]float64, error) {
	if len(rep) != m.n {
		return nil, fmt.Errorf("representation has %d rows, weight matrix has %d", len(rep), m.n)
	}
	if m.n == 0 {
		return nil, nil
	}
	k := len(rep[0])
	out := make([][]float64, m.n)
	for i := 0; i < m.n; i++ {
		row := make([]float64, k)
		cols, vals := m.Row(i)
		for e, j := range cols {
			w := vals[e]
			src := rep[j]
			for d := 0; d < k; d++ {
				row[d] += w * src[d]
			}
		}
		out[i] = row
	}
	return out, nil
}

// csrFromRows assembles a CSR matrix from per-row (col, val) entry lists.
// Entries with value 0 are dropped.
func csrFromRows(n int, cols [][]int, vals [][]float64) *WeightMatrix {
	m := &WeightMatrix{
		n:      n,
		rowPtr: make([]int, n+1),
	}
	for i := 0; i < n; i++ {
		m.rowPtr[i] = len(m.val)
		for e, c := range cols[i] {
			if vals[i][e] == 0 {
				continue
			}
			m.colIdx = append(m.colIdx, c)
			m.val = append(m.val, vals[i][e])
		}
	}
	m.rowPtr[n] = len(m.val)
	return m
}
