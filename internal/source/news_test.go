package source

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-engine/internal/adapter"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/pkg/newsapi"
)

type fakeNewsClient struct {
	resp    *newsapi.EverythingResponse
	err     error
	lastReq newsapi.EverythingRequest
}

func (f *fakeNewsClient) Everything(_ context.Context, req newsapi.EverythingRequest) (*newsapi.EverythingResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func TestNewsFetch(t *testing.T) {
	published := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	client := &fakeNewsClient{resp: &newsapi.EverythingResponse{
		Status: "ok",
		Articles: []newsapi.Article{
			{
				Source:      newsapi.ArticleSource{Name: "Reuters"},
				Title:       "Chip shortage deepens",
				Description: "Fabs running at capacity.",
				URL:         "https://example.com/1",
				PublishedAt: published,
			},
			{
				Title:       "Capacity update",
				Content:     "Body only, no description.",
				URL:         "https://example.com/2",
				PublishedAt: published,
			},
		},
	}}

	a := NewNews(client, WithNewsPageSize(25))
	signals, err := a.Fetch(context.Background(), model.Query{Text: "chip shortage"})
	require.NoError(t, err)
	require.Len(t, signals, 2)

	assert.Equal(t, "newsapi", signals[0].SourceID)
	assert.Equal(t, "Reuters", signals[0].DimensionTags["site"])
	assert.Equal(t, "news", signals[0].DimensionTags["medium"])
	require.NotNil(t, signals[0].PublishedAt)
	assert.Equal(t, published, *signals[0].PublishedAt)
	assert.Equal(t, "Body only, no description.", signals[1].Text)

	assert.Equal(t, "chip shortage", client.lastReq.Query)
	assert.Equal(t, 25, client.lastReq.PageSize)
	assert.False(t, client.lastReq.From.IsZero())
}

func TestNewsSignalIDIgnoresFormatting(t *testing.T) {
	client := &fakeNewsClient{resp: &newsapi.EverythingResponse{
		Status: "ok",
		Articles: []newsapi.Article{
			{Title: "Chip Shortage Deepens", Description: "Fabs running at capacity.", URL: "https://example.com/1"},
			{Title: "CHIP  SHORTAGE  DEEPENS", Description: "fabs running at capacity.", URL: "https://mirror.example.com/1"},
		},
	}}

	a := NewNews(client)
	signals, err := a.Fetch(context.Background(), model.Query{Text: "chip"})
	require.NoError(t, err)
	require.Len(t, signals, 2)
	assert.Equal(t, signals[0].ID, signals[1].ID,
		"same source and same normalized payload must yield one id")
}

func TestNewsFetchRateLimit(t *testing.T) {
	client := &fakeNewsClient{err: &newsapi.StatusError{
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: 30 * time.Second,
	}}

	a := NewNews(client)
	_, err := a.Fetch(context.Background(), model.Query{Text: "q"})
	require.Error(t, err)
	assert.True(t, adapter.Retryable(err))
	assert.Equal(t, 30*time.Second, adapter.RetryAfterHint(err))
}

func TestNewsFetchServerError(t *testing.T) {
	client := &fakeNewsClient{err: &newsapi.StatusError{StatusCode: http.StatusBadGateway}}

	a := NewNews(client)
	_, err := a.Fetch(context.Background(), model.Query{Text: "q"})
	require.Error(t, err)
	assert.True(t, adapter.Retryable(err))
}

func TestNewsFetchClientError(t *testing.T) {
	client := &fakeNewsClient{err: &newsapi.StatusError{StatusCode: http.StatusUnauthorized}}

	a := NewNews(client)
	_, err := a.Fetch(context.Background(), model.Query{Text: "q"})
	require.Error(t, err)
	assert.False(t, adapter.Retryable(err))
}

func TestNewsDefaults(t *testing.T) {
	t.Parallel()
	a := NewNews(&fakeNewsClient{})
	assert.Equal(t, "newsapi", a.ID())
	assert.Equal(t, adapter.TierEnrichment, a.Tier())
	assert.InDelta(t, 0.9, a.ReliabilityWeight(), 0.001)
}
