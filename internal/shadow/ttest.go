package shadow

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// welchResult carries a two-sample test outcome.
type welchResult struct {
	T  float64
	DF float64
	P  float64
}

// welchTTest compares two sample means without assuming equal variances and
// returns the two-tailed p-value, with degrees of freedom set by the
// Welch-Satterthwaite approximation. Sides with fewer than two samples
// report p = 1 so the caller never concludes on them.
func welchTTest(meanA, varA float64, nA int64, meanB, varB float64, nB int64) welchResult {
	if nA < 2 || nB < 2 {
		return welchResult{P: 1}
	}
	sa := varA / float64(nA)
	sb := varB / float64(nB)
	se := sa + sb
	if se == 0 {
		if meanA == meanB {
			return welchResult{DF: float64(nA + nB - 2), P: 1}
		}
		// Constant samples on both sides with different means separate the
		// arms exactly.
		t := math.Inf(1)
		if meanA < meanB {
			t = math.Inf(-1)
		}
		return welchResult{T: t, DF: float64(nA + nB - 2), P: 0}
	}

	t := (meanA - meanB) / math.Sqrt(se)
	df := se * se / (sa*sa/float64(nA-1) + sb*sb/float64(nB-1))
	if df < 1 {
		df = 1
	}
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return welchResult{T: t, DF: df, P: 2 * dist.CDF(-math.Abs(t))}
}
