// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultDimensions is the embedding vector size.
const DefaultDimensions = 384

// Embed produces a deterministic bag-of-words embedding: each lowercased
// word is hashed into a fixed-size vector which is then L2-normalized.
// This is a stand-in for a real embedding model; similarity between texts
// that share most of their words stays high, disjoint texts score near 0.
func Embed(text string, dim int) []float32 {
	if dim <= 0 {
		dim = DefaultDimensions
	}
	vec := make([]float32, dim)

	for _, word := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(word))
		vec[h.Sum32()%uint32(dim)]++
	}

	return normalize(vec)
}

// tokenize lowercases the text and splits on any non-letter/digit rune.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// Cosine returns the cosine similarity of two vectors of equal length.
// Inputs are assumed normalized, so this is a plain dot product.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
