package correlator

import (
	"hash/fnv"
	"math"
	"strings"
)

// Signature is a comparable fingerprint of a signal payload or cluster
// centroid. Comparing signatures of different concrete types yields zero
// similarity rather than an error — mixed signers simply never merge.
type Signature interface {
	// Similarity returns a score in [0,1].
	Similarity(other Signature) float64
	// Blend folds an incoming signature into this one with the given weight
	// (0 = keep self, 1 = take incoming), producing the recency-weighted
	// centroid for a merged cluster. The receiver is not mutated.
	Blend(incoming Signature, weight float64) Signature
}

// Signer produces signatures from raw payload text.
type Signer interface {
	Sign(text string) (Signature, error)
}

// ShingleSignature is a weighted set of hashed token shingles. A fresh
// signal's shingles all carry weight 1; blending decays weights so stale
// evidence fades from the centroid. Similarity is weighted Jaccard, which
// reduces to plain Jaccard for two fresh signatures.
type ShingleSignature map[uint64]float64

// minShingleWeight prunes vanishing shingles after a blend.
const minShingleWeight = 0.05

func (s ShingleSignature) Similarity(other Signature) float64 {
	o, ok := other.(ShingleSignature)
	if !ok {
		return 0
	}
	if len(s) == 0 || len(o) == 0 {
		return 0
	}
	var inter, union float64
	for k, w := range s {
		ow := o[k]
		inter += math.Min(w, ow)
		union += math.Max(w, ow)
	}
	for k, ow := range o {
		if _, seen := s[k]; !seen {
			union += ow
		}
	}
	if union == 0 {
		return 0
	}
	return inter / union
}

func (s ShingleSignature) Blend(incoming Signature, weight float64) Signature {
	in, ok := incoming.(ShingleSignature)
	if !ok {
		return s
	}
	out := make(ShingleSignature, len(s)+len(in))
	for k, w := range s {
		out[k] = w * (1 - weight)
	}
	for k, w := range in {
		out[k] += w * weight
	}
	for k, w := range out {
		if w < minShingleWeight {
			delete(out, k)
		}
	}
	return out
}

// ShingleSigner builds k-token shingle signatures. K defaults to 3; short
// payloads fall back to unigrams so a two-word signal still signs.
type ShingleSigner struct {
	K int
}

func (sg ShingleSigner) Sign(text string) (Signature, error) {
	k := sg.K
	if k <= 0 {
		k = 3
	}
	tokens := Tokens(Normalize(text))
	sig := make(ShingleSignature)
	if len(tokens) == 0 {
		return sig, nil
	}
	if len(tokens) < k {
		k = 1
	}
	for i := 0; i+k <= len(tokens); i++ {
		h := fnv.New64a()
		h.Write([]byte(strings.Join(tokens[i:i+k], " ")))
		sig[h.Sum64()] = 1
	}
	return sig, nil
}

// VectorSignature is a dense embedding with cosine similarity, produced by
// embedding signers such as pkg/embed.
type VectorSignature []float64

func (v VectorSignature) Similarity(other Signature) float64 {
	o, ok := other.(VectorSignature)
	if !ok || len(v) != len(o) || len(v) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range v {
		dot += v[i] * o[i]
		na += v[i] * v[i]
		nb += o[i] * o[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// Clamp to [0,1]: negative cosine means dissimilar, not anti-similar,
	// for clustering purposes.
	if cos < 0 {
		return 0
	}
	if cos > 1 {
		return 1
	}
	return cos
}

func (v VectorSignature) Blend(incoming Signature, weight float64) Signature {
	in, ok := incoming.(VectorSignature)
	if !ok || len(in) != len(v) {
		return v
	}
	out := make(VectorSignature, len(v))
	var norm float64
	for i := range v {
		out[i] = v[i]*(1-weight) + in[i]*weight
		norm += out[i] * out[i]
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range out {
			out[i] /= norm
		}
	}
	return out
}
