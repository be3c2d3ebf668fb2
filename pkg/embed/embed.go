// Package embed signs signal payloads with OpenAI embeddings, giving the
// correlator dense-vector similarity instead of token shingles.
package embed

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"

	"github.com/sells-group/signal-engine/internal/correlator"
)

const defaultModel = "text-embedding-3-small"

// EmbeddingClient is the slice of the OpenAI client the signer needs.
type EmbeddingClient interface {
	CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// Signer produces vector signatures from an embeddings API.
type Signer struct {
	client  EmbeddingClient
	model   string
	timeout time.Duration
}

// Option configures the signer.
type Option func(*Signer)

// WithModel overrides the default embedding model.
func WithModel(model string) Option {
	return func(s *Signer) { s.model = model }
}

// WithTimeout overrides the default 15s per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Signer) { s.timeout = d }
}

// WithClient injects an embeddings client, replacing the default one.
func WithClient(c EmbeddingClient) Option {
	return func(s *Signer) { s.client = c }
}

// NewSigner creates an embedding-backed signer.
func NewSigner(apiKey string, opts ...Option) *Signer {
	s := &Signer{
		client:  openai.NewClient(apiKey),
		model:   defaultModel,
		timeout: 15 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sign embeds the normalized payload text. Empty payloads sign to an empty
// vector, which never matches anything.
func (s *Signer) Sign(text string) (correlator.Signature, error) {
	normalized := correlator.Normalize(text)
	if normalized == "" {
		return correlator.VectorSignature{}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	resp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{normalized},
		Model: openai.EmbeddingModel(s.model),
	})
	if err != nil {
		return nil, eris.Wrap(err, "embed: create embeddings")
	}
	if len(resp.Data) != 1 {
		return nil, eris.Errorf("embed: got %d embeddings, expected 1", len(resp.Data))
	}

	vec := make(correlator.VectorSignature, len(resp.Data[0].Embedding))
	for i, f := range resp.Data[0].Embedding {
		vec[i] = float64(f)
	}
	return vec, nil
}
