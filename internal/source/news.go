package source

import (
	"context"
	"errors"
	"time"

	"github.com/sells-group/signal-engine/internal/adapter"
	"github.com/sells-group/signal-engine/internal/correlator"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/pkg/newsapi"
)

// NewsAdapter searches recent press coverage through NewsAPI.
type NewsAdapter struct {
	id       string
	tier     adapter.Tier
	client   newsapi.Client
	pageSize int
	lookback time.Duration
	weight   float64
}

// NewsOption configures the adapter.
type NewsOption func(*NewsAdapter)

// WithNewsTier overrides the default enrichment tier.
func WithNewsTier(t adapter.Tier) NewsOption {
	return func(a *NewsAdapter) { a.tier = t }
}

// WithNewsPageSize overrides the result page size.
func WithNewsPageSize(n int) NewsOption {
	return func(a *NewsAdapter) { a.pageSize = n }
}

// WithNewsLookback overrides the default 7-day search window.
func WithNewsLookback(d time.Duration) NewsOption {
	return func(a *NewsAdapter) { a.lookback = d }
}

// WithNewsReliability overrides the default reliability weight.
func WithNewsReliability(w float64) NewsOption {
	return func(a *NewsAdapter) { a.weight = w }
}

// NewNews creates a NewsAPI-backed adapter.
func NewNews(client newsapi.Client, opts ...NewsOption) *NewsAdapter {
	a := &NewsAdapter{
		id:       "newsapi",
		tier:     adapter.TierEnrichment,
		client:   client,
		lookback: 7 * 24 * time.Hour,
		weight:   0.9,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *NewsAdapter) ID() string                 { return a.id }
func (a *NewsAdapter) Tier() adapter.Tier         { return a.tier }
func (a *NewsAdapter) ReliabilityWeight() float64 { return a.weight }

func (a *NewsAdapter) Fetch(ctx context.Context, query model.Query) ([]model.RawSignal, error) {
	resp, err := a.client.Everything(ctx, newsapi.EverythingRequest{
		Query:    query.Text,
		From:     time.Now().UTC().Add(-a.lookback),
		SortBy:   "publishedAt",
		PageSize: a.pageSize,
	})
	if err != nil {
		var statusErr *newsapi.StatusError
		if errors.As(err, &statusErr) {
			kind := adapter.KindFromHTTPStatus(statusErr.StatusCode)
			if kind == adapter.KindRateLimit {
				return nil, adapter.NewRateLimitError(a.id, err, statusErr.RetryAfter)
			}
			return nil, adapter.NewError(kind, a.id, err)
		}
		return nil, adapter.Classify(a.id, err)
	}

	now := time.Now().UTC()
	signals := make([]model.RawSignal, 0, len(resp.Articles))
	for _, art := range resp.Articles {
		text := art.Description
		if text == "" {
			text = art.Content
		}
		tags := model.DimensionTags{"medium": "news"}
		if art.Source.Name != "" {
			tags["site"] = art.Source.Name
		}
		var published *time.Time
		if !art.PublishedAt.IsZero() {
			t := art.PublishedAt.UTC()
			published = &t
		}
		signals = append(signals, model.RawSignal{
			ID:            model.SignalID(a.id, correlator.Normalize(art.Title+" "+text)),
			SourceID:      a.id,
			FetchedAt:     now,
			Title:         art.Title,
			Text:          text,
			URL:           art.URL,
			PublishedAt:   published,
			DimensionTags: tags,
		})
	}
	return signals, nil
}
