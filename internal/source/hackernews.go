package source

import (
	"context"
	"errors"
	"time"

	"github.com/sells-group/signal-engine/internal/adapter"
	"github.com/sells-group/signal-engine/internal/correlator"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/pkg/hackernews"
)

// HackerNewsAdapter searches Hacker News stories via Algolia.
type HackerNewsAdapter struct {
	id     string
	tier   adapter.Tier
	client hackernews.Client
	hits   int
	weight float64
}

// HNOption configures the adapter.
type HNOption func(*HackerNewsAdapter)

// WithHNTier overrides the default optional tier.
func WithHNTier(t adapter.Tier) HNOption {
	return func(a *HackerNewsAdapter) { a.tier = t }
}

// WithHNHits overrides the page size.
func WithHNHits(n int) HNOption {
	return func(a *HackerNewsAdapter) { a.hits = n }
}

// WithHNReliability overrides the default reliability weight.
func WithHNReliability(w float64) HNOption {
	return func(a *HackerNewsAdapter) { a.weight = w }
}

// NewHackerNews creates a Hacker News adapter.
func NewHackerNews(client hackernews.Client, opts ...HNOption) *HackerNewsAdapter {
	a := &HackerNewsAdapter{
		id:     "hackernews",
		tier:   adapter.TierOptional,
		client: client,
		weight: 0.7,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *HackerNewsAdapter) ID() string                 { return a.id }
func (a *HackerNewsAdapter) Tier() adapter.Tier         { return a.tier }
func (a *HackerNewsAdapter) ReliabilityWeight() float64 { return a.weight }

func (a *HackerNewsAdapter) Fetch(ctx context.Context, query model.Query) ([]model.RawSignal, error) {
	resp, err := a.client.Search(ctx, hackernews.SearchRequest{
		Query: query.Text,
		Hits:  a.hits,
	})
	if err != nil {
		var statusErr *hackernews.StatusError
		if errors.As(err, &statusErr) {
			return nil, adapter.NewError(adapter.KindFromHTTPStatus(statusErr.StatusCode), a.id, err)
		}
		return nil, adapter.Classify(a.id, err)
	}

	now := time.Now().UTC()
	signals := make([]model.RawSignal, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		if hit.Title == "" {
			continue
		}
		text := hit.StoryText
		if text == "" {
			text = hit.CommentText
		}
		var published *time.Time
		if !hit.CreatedAt.IsZero() {
			t := hit.CreatedAt.UTC()
			published = &t
		}
		signals = append(signals, model.RawSignal{
			ID:            model.SignalID(a.id, correlator.Normalize(hit.Title+" "+text)),
			SourceID:      a.id,
			FetchedAt:     now,
			Title:         hit.Title,
			Text:          text,
			URL:           hit.URL,
			PublishedAt:   published,
			DimensionTags: model.DimensionTags{"medium": "forum", "site": "news.ycombinator.com"},
		})
	}
	return signals, nil
}
