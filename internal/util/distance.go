package util

import (
	"fmt"
	"math"

	"github.com/viterin/vek/vek32"
)

// DistanceMetric identifies a supported distance function.
type DistanceMetric int

const (
	L2Squared DistanceMetric = iota
	Cosine
	InnerProduct
)

// DistanceFunc computes the distance between two same-length float32
// vectors; smaller is closer.
type DistanceFunc func(a, b []float32) float32

// GetDistanceFunc resolves a configured metric to its SIMD-accelerated
// implementation.
func GetDistanceFunc(metric DistanceMetric) (DistanceFunc, error) {
	switch metric {
	case L2Squared:
		return L2SquaredDistance, nil
	case Cosine:
		return CosineDistance, nil
	case InnerProduct:
		return InnerProductDistance, nil
	default:
		return nil, fmt.Errorf("unsupported distance metric: %v", metric)
	}
}

// L2SquaredDistance computes squared Euclidean distance. The square root is
// deliberately skipped: it preserves nearest-neighbor ordering while saving
// a sqrt per comparison, and the spec's metric is L2Squared, not L2.
func L2SquaredDistance(a, b []float32) float32 {
	diff := vek32.Sub(a, b)
	return vek32.Dot(diff, diff)
}

// CosineDistance converts cosine similarity to a distance in [0, 2].
// Callers are responsible for supplying externally normalized vectors per
// the metric's contract; this still guards against a zero-norm input.
func CosineDistance(a, b []float32) float32 {
	dot := vek32.Dot(a, b)
	normA := float32(math.Sqrt(float64(vek32.Dot(a, a))))
	normB := float32(math.Sqrt(float64(vek32.Dot(b, b))))

	if normA == 0 || normB == 0 {
		return 2.0
	}

	cosine := dot / (normA * normB)
	return 1.0 - cosine
}

// InnerProductDistance converts dot-product similarity to a distance by
// negating it, so that "more similar" still sorts as "smaller".
func InnerProductDistance(a, b []float32) float32 {
	return -vek32.Dot(a, b)
}
