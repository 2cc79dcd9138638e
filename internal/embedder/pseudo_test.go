package embedder

import (
	"context"
	"math"
	"testing"
)

func Test_PseudoEmbedder_Deterministic(t *testing.T) {
	t.Parallel()
	e := NewPseudoEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, []string{"how to reset a password"}, IntentQuery)
	if err != nil {
		t.Fatalf("embed a: %v", err)
	}
	b, err := e.Embed(ctx, []string{"how to reset a password"}, IntentDocument)
	if err != nil {
		t.Fatalf("embed b: %v", err)
	}

	if len(a[0]) != 64 || len(b[0]) != 64 {
		t.Fatalf("want 64-dim vectors, got %d and %d", len(a[0]), len(b[0]))
	}
	for i := range a[0] {
		if a[0][i] != b[0][i] {
			t.Fatalf("vectors differ at %d: %v vs %v (must be intent-independent)", i, a[0][i], b[0][i])
		}
	}
}

func Test_PseudoEmbedder_UnitNorm(t *testing.T) {
	t.Parallel()
	e := NewPseudoEmbedder(128)

	vecs, err := e.Embed(context.Background(), []string{"пароль сброс инструкция"}, IntentQuery)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}

	var norm float64
	for _, v := range vecs[0] {
		norm += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(norm)-1) > 1e-5 {
		t.Errorf("want unit-length vector, got norm %f", math.Sqrt(norm))
	}
}

func Test_PseudoEmbedder_SharedWordsScoreCloser(t *testing.T) {
	t.Parallel()
	e := NewPseudoEmbedder(128)
	ctx := context.Background()

	vecs, err := e.Embed(ctx, []string{
		"reset password account",
		"reset password email",
		"shipping rates europe",
	}, IntentDocument)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}

	related := dot(vecs[0], vecs[1])
	unrelated := dot(vecs[0], vecs[2])
	if related <= unrelated {
		t.Errorf("texts sharing words must score higher: related=%f unrelated=%f", related, unrelated)
	}
}

func Test_PseudoEmbedder_EmptyTextYieldsZeroVector(t *testing.T) {
	t.Parallel()
	e := NewPseudoEmbedder(32)

	vecs, err := e.Embed(context.Background(), []string{"   "}, IntentQuery)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	for _, v := range vecs[0] {
		if v != 0 {
			t.Fatal("whitespace-only text must produce the zero vector")
		}
	}
}

// dot computes the inner product of two equal-length vectors.
func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
