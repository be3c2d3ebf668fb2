package embed

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-engine/internal/correlator"
)

type fakeEmbeddingClient struct {
	resp    openai.EmbeddingResponse
	err     error
	lastReq openai.EmbeddingRequest
}

func (f *fakeEmbeddingClient) CreateEmbeddings(_ context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	if r, ok := req.(openai.EmbeddingRequest); ok {
		f.lastReq = r
	}
	if f.err != nil {
		return openai.EmbeddingResponse{}, f.err
	}
	return f.resp, nil
}

func TestSign(t *testing.T) {
	client := &fakeEmbeddingClient{resp: openai.EmbeddingResponse{
		Data: []openai.Embedding{{Embedding: []float32{0.6, 0.8}}},
	}}
	s := NewSigner("test-key", WithClient(client))

	sig, err := s.Sign("Chip shortage deepens across suppliers")
	require.NoError(t, err)

	vec, ok := sig.(correlator.VectorSignature)
	require.True(t, ok)
	require.Len(t, vec, 2)
	assert.InDelta(t, 0.6, vec[0], 0.001)
	assert.InDelta(t, 0.8, vec[1], 0.001)
	assert.Equal(t, openai.EmbeddingModel(defaultModel), client.lastReq.Model)
}

func TestSignEmptyText(t *testing.T) {
	client := &fakeEmbeddingClient{}
	s := NewSigner("test-key", WithClient(client))

	sig, err := s.Sign("   ")
	require.NoError(t, err)
	vec, ok := sig.(correlator.VectorSignature)
	require.True(t, ok)
	assert.Empty(t, vec)
	// No API call for empty payloads.
	assert.Empty(t, client.lastReq.Input)
}

func TestSignAPIError(t *testing.T) {
	client := &fakeEmbeddingClient{err: eris.New("boom")}
	s := NewSigner("test-key", WithClient(client))

	_, err := s.Sign("some text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create embeddings")
}

func TestSignUnexpectedCount(t *testing.T) {
	client := &fakeEmbeddingClient{resp: openai.EmbeddingResponse{}}
	s := NewSigner("test-key", WithClient(client))

	_, err := s.Sign("some text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 1")
}

func TestWithModel(t *testing.T) {
	client := &fakeEmbeddingClient{resp: openai.EmbeddingResponse{
		Data: []openai.Embedding{{Embedding: []float32{1}}},
	}}
	s := NewSigner("test-key", WithClient(client), WithModel("text-embedding-3-large"))

	_, err := s.Sign("text")
	require.NoError(t, err)
	assert.Equal(t, openai.EmbeddingModel("text-embedding-3-large"), client.lastReq.Model)
}
