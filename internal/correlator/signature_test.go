package correlator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSign(t *testing.T, sg Signer, text string) Signature {
	t.Helper()
	s, err := sg.Sign(text)
	require.NoError(t, err)
	return s
}

func TestShingleSignerIdenticalText(t *testing.T) {
	sg := ShingleSigner{}
	a := mustSign(t, sg, "chip shortage hits automakers across europe")
	b := mustSign(t, sg, "Chip Shortage Hits Automakers Across Europe")

	// Normalization makes casing irrelevant.
	assert.InDelta(t, 1.0, a.Similarity(b), 1e-9)
}

func TestShingleSignerDisjointText(t *testing.T) {
	sg := ShingleSigner{}
	a := mustSign(t, sg, "chip shortage hits automakers across europe")
	b := mustSign(t, sg, "weekend gardening tips growing tomatoes home")

	assert.Zero(t, a.Similarity(b))
}

func TestShingleSignerPartialOverlap(t *testing.T) {
	sg := ShingleSigner{}
	a := mustSign(t, sg, "chip shortage hits automakers across europe this quarter")
	b := mustSign(t, sg, "chip shortage hits automakers across europe this year")

	got := a.Similarity(b)
	assert.Greater(t, got, 0.5)
	assert.Less(t, got, 1.0)
}

func TestShingleSignerShortText(t *testing.T) {
	sg := ShingleSigner{}

	// Fewer tokens than K falls back to unigrams rather than signing nothing.
	short := mustSign(t, sg, "chip shortage")
	same := mustSign(t, sg, "chip shortage")
	assert.InDelta(t, 1.0, short.Similarity(same), 1e-9)

	empty := mustSign(t, sg, "")
	assert.Zero(t, empty.Similarity(short))
}

func TestShingleBlendDecaysOldEvidence(t *testing.T) {
	base := ShingleSignature{1: 1, 2: 1}
	incoming := ShingleSignature{2: 1, 3: 1}

	blended, ok := base.Blend(incoming, 0.3).(ShingleSignature)
	require.True(t, ok)

	assert.InDelta(t, 0.7, blended[1], 1e-9)
	assert.InDelta(t, 1.0, blended[2], 1e-9)
	assert.InDelta(t, 0.3, blended[3], 1e-9)

	// The receiver is never mutated.
	assert.InDelta(t, 1.0, base[1], 1e-9)
}

func TestShingleBlendPrunesVanishingWeights(t *testing.T) {
	base := ShingleSignature{1: 0.06}
	blended := base.Blend(ShingleSignature{2: 1}, 0.5).(ShingleSignature)

	_, kept := blended[1]
	assert.False(t, kept)
	assert.InDelta(t, 0.5, blended[2], 1e-9)
}

func TestMixedSignatureTypesNeverMatch(t *testing.T) {
	shingle := ShingleSignature{1: 1}
	vector := VectorSignature{1, 0}

	assert.Zero(t, shingle.Similarity(vector))
	assert.Zero(t, vector.Similarity(shingle))

	// Blending across types keeps the receiver unchanged.
	assert.Equal(t, Signature(shingle), shingle.Blend(vector, 0.5))
}

func TestVectorSimilarity(t *testing.T) {
	a := VectorSignature{1, 0, 0}
	b := VectorSignature{1, 0, 0}
	c := VectorSignature{0, 1, 0}
	neg := VectorSignature{-1, 0, 0}

	assert.InDelta(t, 1.0, a.Similarity(b), 1e-9)
	assert.Zero(t, a.Similarity(c))
	// Anti-parallel clamps to zero, not negative.
	assert.Zero(t, a.Similarity(neg))
	// Dimension mismatch is dissimilar, not an error.
	assert.Zero(t, a.Similarity(VectorSignature{1, 0}))
}

func TestVectorBlendNormalizes(t *testing.T) {
	a := VectorSignature{1, 0}
	b := VectorSignature{0, 1}

	blended, ok := a.Blend(b, 0.5).(VectorSignature)
	require.True(t, ok)

	var norm float64
	for _, x := range blended {
		norm += x * x
	}
	assert.InDelta(t, 1.0, norm, 1e-9)
	assert.InDelta(t, blended[0], blended[1], 1e-9)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "chip shortage", Normalize("  Chip   Shortage  "))
	assert.Equal(t, "markets rally", Normalize("BREAKING: Markets Rally"))
	assert.Equal(t, "chip shortage", Normalize("Chip Shortage"))
}

func TestTokens(t *testing.T) {
	got := Tokens(Normalize("The chip shortage, at its worst, hits Europe!"))
	assert.Equal(t, []string{"chip", "shortage", "worst", "hits", "europe"}, got)

	assert.Empty(t, Tokens(Normalize("the of and")))
}
