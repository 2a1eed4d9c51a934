// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"math"
	"testing"
)

func TestEmbedDeterministic(t *testing.T) {
	a := Embed("how can i communicate better with my partner", DefaultDimensions)
	b := Embed("how can i communicate better with my partner", DefaultDimensions)

	if len(a) != DefaultDimensions {
		t.Fatalf("expected %d dimensions, got %d", DefaultDimensions, len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedding not deterministic at index %d: %v != %v", i, a[i], b[i])
		}
	}
}

func TestEmbedNormalized(t *testing.T) {
	vec := Embed("we argued about money again last night", DefaultDimensions)

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if math.Abs(sum-1.0) > 1e-5 {
		t.Errorf("expected unit norm, got %v", math.Sqrt(sum))
	}
}

func TestEmbedEmptyText(t *testing.T) {
	vec := Embed("", DefaultDimensions)
	for i, v := range vec {
		if v != 0 {
			t.Fatalf("expected zero vector for empty text, got %v at %d", v, i)
		}
	}
}

func TestCosineSimilarity(t *testing.T) {
	base := "how can i communicate better with my partner about money"

	tests := []struct {
		name    string
		other   string
		wantMin float64
		wantMax float64
	}{
		{
			name:    "identical text",
			other:   base,
			wantMin: 0.999,
			wantMax: 1.001,
		},
		{
			name:    "case and punctuation insensitive",
			other:   "How can I communicate better with my partner about money?",
			wantMin: 0.999,
			wantMax: 1.001,
		},
		{
			name:    "one word differs",
			other:   "how can i communicate better with my partner about chores",
			wantMin: 0.85,
			wantMax: 0.95,
		},
		{
			name:    "unrelated text",
			other:   "suggest a quick daily gratitude exercise",
			wantMin: -0.001,
			wantMax: 0.1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := Cosine(Embed(base, DefaultDimensions), Embed(tt.other, DefaultDimensions))
			if sim < tt.wantMin || sim > tt.wantMax {
				t.Errorf("similarity %v outside [%v, %v]", sim, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestCosineLengthMismatch(t *testing.T) {
	if got := Cosine(make([]float32, 10), make([]float32, 20)); got != 0 {
		t.Errorf("expected 0 for mismatched lengths, got %v", got)
	}
}
