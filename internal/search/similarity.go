package search

import (
	"errors"
	"fmt"
	"math"
)

// ErrDimensionMismatch indicates the two vectors came from different embedding
// models. This is the one retrieval error that must fail loudly: silently
// scoring mismatched vectors would mask a deployment misconfiguration forever.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// CosineSimilarity returns the cosine of the angle between a and b, in
// [-1, 1]. A zero-magnitude vector has no direction, so its similarity to
// anything is defined as 0 rather than NaN.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0, nil
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}
