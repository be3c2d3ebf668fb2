// Package source holds the built-in adapters that turn external feeds and
// search APIs into raw signals.
package source

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/signal-engine/internal/adapter"
	"github.com/sells-group/signal-engine/internal/correlator"
	"github.com/sells-group/signal-engine/internal/model"
)

// RSSAdapter polls a fixed set of feeds and filters items against the run
// query. All feeds fetch within the adapter's single scheduler slot.
type RSSAdapter struct {
	id     string
	tier   adapter.Tier
	feeds  []string
	parser *gofeed.Parser
	weight float64
}

// RSSOption configures the adapter.
type RSSOption func(*RSSAdapter)

// WithRSSTier overrides the default critical tier.
func WithRSSTier(t adapter.Tier) RSSOption {
	return func(a *RSSAdapter) { a.tier = t }
}

// WithRSSReliability overrides the default reliability weight.
func WithRSSReliability(w float64) RSSOption {
	return func(a *RSSAdapter) { a.weight = w }
}

// NewRSS creates an RSS adapter over the given feed URLs.
func NewRSS(feeds []string, opts ...RSSOption) *RSSAdapter {
	a := &RSSAdapter{
		id:     "rss",
		tier:   adapter.TierCritical,
		feeds:  feeds,
		parser: gofeed.NewParser(),
		weight: 1.0,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *RSSAdapter) ID() string                 { return a.id }
func (a *RSSAdapter) Tier() adapter.Tier         { return a.tier }
func (a *RSSAdapter) ReliabilityWeight() float64 { return a.weight }

// Fetch parses every configured feed and keeps items matching the query.
// A single unreachable feed fails the whole fetch so the scheduler can
// retry; per-feed partial tolerance belongs in feed selection, not here.
func (a *RSSAdapter) Fetch(ctx context.Context, query model.Query) ([]model.RawSignal, error) {
	if len(a.feeds) == 0 {
		return nil, adapter.NewError(adapter.KindParse, a.id, eris.New("no feeds configured"))
	}

	matcher := newQueryMatcher(query)
	now := time.Now().UTC()

	results := make([][]model.RawSignal, len(a.feeds))
	g, gctx := errgroup.WithContext(ctx)
	for i, feedURL := range a.feeds {
		g.Go(func() error {
			feed, err := a.parser.ParseURLWithContext(feedURL, gctx)
			if err != nil {
				return adapter.Classify(a.id, err)
			}
			var signals []model.RawSignal
			for _, item := range feed.Items {
				text := itemText(item)
				if !matcher.matches(item.Title, text) {
					continue
				}
				signals = append(signals, a.toSignal(item, text, feedURL, now))
			}
			results[i] = signals
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []model.RawSignal
	for _, batch := range results {
		out = append(out, batch...)
	}
	return out, nil
}

func (a *RSSAdapter) toSignal(item *gofeed.Item, text, feedURL string, now time.Time) model.RawSignal {
	tags := model.DimensionTags{"medium": "rss"}
	if host := hostOf(feedURL); host != "" {
		tags["site"] = host
	}
	for _, cat := range item.Categories {
		tags["category"] = strings.ToLower(cat)
		break
	}

	var published *time.Time
	if item.PublishedParsed != nil {
		t := item.PublishedParsed.UTC()
		published = &t
	} else if item.UpdatedParsed != nil {
		t := item.UpdatedParsed.UTC()
		published = &t
	}

	return model.RawSignal{
		ID:            model.SignalID(a.id, correlator.Normalize(item.Title+" "+text)),
		SourceID:      a.id,
		FetchedAt:     now,
		Title:         item.Title,
		Text:          text,
		URL:           item.Link,
		PublishedAt:   published,
		DimensionTags: tags,
	}
}

func itemText(item *gofeed.Item) string {
	if item.Description != "" {
		return item.Description
	}
	return item.Content
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

// queryMatcher keeps items whose title or body contains every query token.
// An empty query matches everything.
type queryMatcher struct {
	tokens []string
}

func newQueryMatcher(query model.Query) queryMatcher {
	var tokens []string
	for _, tok := range strings.Fields(strings.ToLower(query.Text)) {
		tokens = append(tokens, tok)
	}
	return queryMatcher{tokens: tokens}
}

func (m queryMatcher) matches(title, body string) bool {
	if len(m.tokens) == 0 {
		return true
	}
	haystack := strings.ToLower(title + " " + body)
	for _, tok := range m.tokens {
		if !strings.Contains(haystack, tok) {
			return false
		}
	}
	return true
}
