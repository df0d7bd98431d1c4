package cluster

import (
	"math"
	"time"
)

// epsilon is the float32 machine epsilon, used to treat near-zero
// denominators as degenerate.
const epsilon = 1.1920929e-07

// cosine computes cosine similarity between two vectors with float64
// accumulation. A zero-norm side yields 0, never NaN.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na <= epsilon || nb <= epsilon {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// normalize scales v to unit length in place. Zero-norm vectors are left
// untouched; the similarity guard handles them downstream.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	mag := math.Sqrt(sum)
	if mag <= epsilon {
		return
	}
	for i, x := range v {
		v[i] = float32(float64(x) / mag)
	}
}

// timeWeight returns exp(-λ·|Δt|) with Δt in hours. The absolute value makes
// clock skew between ingest and issue updated_at harmless. Result is in
// (0, 1], 1 for a just-updated issue.
func timeWeight(lambda float64, dt time.Duration) float64 {
	hours := math.Abs(dt.Hours())
	return math.Exp(-lambda * hours)
}

// dynamicThreshold lifts the base threshold as the candidate ages:
//
//	T = T_base + (1 - T_base) · (1 - W_time)
//
// equal to T_base for a fresh candidate and tending to 1 as W_time → 0, so
// stale issues demand an ever stronger match.
func dynamicThreshold(tBase, w float64) float64 {
	return tBase + (1-tBase)*(1-w)
}

// separability is the silhouette-style margin between the best candidate and
// its runner-up, on cosine distances a = 1-sim_best, b = 1-sim_neighbor:
//
//	(b - a) / max(a, b)
//
// Positive iff the best candidate is strictly closer. Degenerate case (both
// perfectly similar) yields 0.
func separability(simBest, simNeighbor float64) float64 {
	a := 1 - simBest
	b := 1 - simNeighbor
	denom := math.Max(a, b)
	if denom <= epsilon {
		return 0
	}
	return (b - a) / denom
}

// updateCentroid folds one new member into a running mean:
//
//	C_new = (C_old · N + v) / (N + 1)
//
// No re-normalization: the centroid stays the exact arithmetic mean of member
// embeddings.
func updateCentroid(old []float32, n int, v []float32) []float32 {
	count := float64(n)
	out := make([]float32, len(old))
	for i := range old {
		out[i] = float32((float64(old[i])*count + float64(v[i])) / (count + 1))
	}
	return out
}
