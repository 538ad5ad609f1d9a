// Package reconstruct produces denoised per-gene expression vectors from a
// smoothed low-rank representation and its gene loadings, restoring
// biological zeros through quantile thresholding.
package reconstruct

import (
	"fmt"
	"log"
	"math"
	"sort"
)

// ThresholdMethod selects how the zero-restoration cutoff is derived from
// the reconstruction quantile.
type ThresholdMethod string

const (
	// ThresholdZero clamps the quantile at zero and zeroes everything below.
	ThresholdZero ThresholdMethod = "zero"
	// ThresholdALRA uses the absolute quantile as cutoff, then restores the
	// reconstructed value for cells whose original expression was positive.
	ThresholdALRA ThresholdMethod = "alra"
)

// ParseThresholdMethod maps a configuration string to a ThresholdMethod.
func ParseThresholdMethod(s string) (ThresholdMethod, error) {
	switch s {
	case "zero", "Zero":
		return ThresholdZero, nil
	case "alra", "ALRA", "":
		return ThresholdALRA, nil
	default:
		return "", fmt.Errorf("unknown threshold method %q", s)
	}
}

// Params are the inputs for reconstructing a single gene.
type Params struct {
	SmoothedRep  [][]float64 // N x K smoothed latent coordinates
	Loadings     [][]float64 // K x G latent-to-gene loadings
	GeneIndex    int         // column of Loadings for this gene
	Original     []float64   // N raw expression values for this gene
	QuantileProb float64     // in (0, 1)
	RankK        int         // latent dimensions to use, <= K
	Method       ThresholdMethod
	Rescale      bool
}

// Result is a reconstructed expression vector with its threshold and the
// mask of cells whose value was restored rather than zeroed.
type Result struct {
	Values        []float64 `json:"values"`
	Threshold     float64   `json:"threshold"`
	Restored      []bool    `json:"-"`
	RestoredCount int       `json:"restored_count"`
	ZeroedCount   int       `json:"zeroed_count"`
}

// Reconstruct builds the rank-k reconstruction of one gene, applies the
// configured zero-restoration threshold and optionally rescales the output
// to match the first two moments of the original expression.
func Reconstruct(p Params) (*Result, error) {
	n := len(p.SmoothedRep)
	if n == 0 {
		return nil, fmt.Errorf("empty representation")
	}
	if len(p.Original) != n {
		return nil, fmt.Errorf("original expression has %d cells, representation has %d", len(p.Original), n)
	}
	k := len(p.SmoothedRep[0])
	if len(p.Loadings) < k {
		k = len(p.Loadings)
	}
	if p.RankK < 1 || p.RankK > k {
		return nil, fmt.Errorf("rank %d outside [1, %d]", p.RankK, k)
	}
	if p.GeneIndex < 0 || len(p.Loadings) == 0 || p.GeneIndex >= len(p.Loadings[0]) {
		return nil, fmt.Errorf("gene index %d out of range", p.GeneIndex)
	}
	if p.QuantileProb <= 0 || p.QuantileProb >= 1 {
		return nil, fmt.Errorf("quantile probability %g outside (0, 1)", p.QuantileProb)
	}

	// Rank-k linear reconstruction, offset by the original mean.
	var mean float64
	for _, v := range p.Original {
		mean += v
	}
	mean /= float64(n)

	recon := make([]float64, n)
	for i := 0; i < n; i++ {
		var dot float64
		for d := 0; d < p.RankK; d++ {
			dot += p.SmoothedRep[i][d] * p.Loadings[d][p.GeneIndex]
		}
		recon[i] = dot + mean
	}

	q := Quantile(recon, p.QuantileProb)
	res := &Result{Restored: make([]bool, n)}

	switch p.Method {
	case ThresholdZero:
		res.Threshold = math.Max(0, q)
		res.Values = recon
		for i, v := range recon {
			if v < res.Threshold {
				res.Values[i] = 0
				res.ZeroedCount++
			}
		}
	case ThresholdALRA:
		res.Threshold = math.Abs(q)
		res.Values = make([]float64, n)
		for i, v := range recon {
			switch {
			case v >= res.Threshold:
				res.Values[i] = v
			case p.Original[i] > 0 && v >= 0:
				// Technical dropout: keep the reconstructed value.
				res.Values[i] = v
				res.Restored[i] = true
				res.RestoredCount++
			default:
				res.Values[i] = 0
				res.ZeroedCount++
			}
		}
	default:
		return nil, fmt.Errorf("unknown threshold method %q", p.Method)
	}

	if p.Rescale {
		rescale(res.Values, p.Original)
	}
	return res, nil
}

// rescale applies the affine transform matching the mean and standard
// deviation of the positive entries of values to those of the positive
// entries of original, then clamps negatives back to zero.
func rescale(values, original []float64) {
	muV, sigmaV, nV := positiveMoments(values)
	muO, sigmaO, nO := positiveMoments(original)
	if nV == 0 || nO == 0 {
		log.Printf("[Reconstruct] no positive entries to rescale against, skipping")
		return
	}
	if sigmaV == 0 {
		// All positive reconstructed values identical.
		sigmaV = 1e-10
	}

	factor := sigmaO / sigmaV
	offset := muO - muV*factor
	for i, v := range values {
		v = v*factor + offset
		if v < 0 {
			v = 0
		}
		values[i] = v
	}
}

func positiveMoments(values []float64) (mean, std float64, count int) {
	var sum float64
	for _, v := range values {
		if v > 0 {
			sum += v
			count++
		}
	}
	if count == 0 {
		return 0, 0, 0
	}
	mean = sum / float64(count)
	var ss float64
	for _, v := range values {
		if v > 0 {
			diff := v - mean
			ss += diff * diff
		}
	}
	std = math.Sqrt(ss / float64(count))
	return mean, std, count
}

// Quantile returns the p-quantile of values with linear interpolation
// between order statistics.
func Quantile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
