package utils

import (
	"errors"
	"math"
)

var (
	ErrEmptyVector       = errors.New("vectors cannot be empty")
	ErrDimensionMismatch = errors.New("vectors must have the same dimension")
)

// Dot returns the dot product of two vectors of equal length.
func Dot(vec1, vec2 []float32) (float32, error) {
	if len(vec1) != len(vec2) {
		return 0, ErrDimensionMismatch
	}
	var product float64
	for i := range vec1 {
		product += float64(vec1[i]) * float64(vec2[i])
	}
	return float32(product), nil
}

// Magnitude returns the L2 norm of a vector.
func Magnitude(vec []float32) float32 {
	var sumOfSquares float64
	for _, val := range vec {
		sumOfSquares += float64(val) * float64(val)
	}
	return float32(math.Sqrt(sumOfSquares))
}

// CosineSimilarity returns the cosine of the angle between two vectors.
// A zero vector has similarity 0 with everything.
func CosineSimilarity(vec1, vec2 []float32) (float32, error) {
	if len(vec1) == 0 || len(vec2) == 0 {
		return 0, ErrEmptyVector
	}
	dot, err := Dot(vec1, vec2)
	if err != nil {
		return 0, err
	}

	mag1 := Magnitude(vec1)
	mag2 := Magnitude(vec2)
	if mag1 == 0 || mag2 == 0 {
		return 0, nil
	}
	return dot / (mag1 * mag2), nil
}

// Normalize scales vec in place to unit length. Zero vectors are left untouched.
func Normalize(vec []float32) []float32 {
	mag := Magnitude(vec)
	if mag == 0 {
		return vec
	}
	for i := range vec {
		vec[i] /= mag
	}
	return vec
}

// ToFloat32 converts a float64 embedding, as returned by most HTTP APIs, to float32.
func ToFloat32(vec []float64) []float32 {
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out
}
