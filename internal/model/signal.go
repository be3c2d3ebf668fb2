// Package model defines the core data types shared across the engine.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"
)

// DimensionTags is a set of key→value facets attached to a signal or
// cluster, e.g. {"category": "pricing", "sentiment": "negative"}.
type DimensionTags map[string]string

// Clone returns a copy of the tag set.
func (d DimensionTags) Clone() DimensionTags {
	if d == nil {
		return nil
	}
	out := make(DimensionTags, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Keys returns the dimension keys in sorted order.
func (d DimensionTags) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RawSignal is the atomic unit of data produced by one source adapter.
// Signals are immutable after creation.
type RawSignal struct {
	ID            string        `json:"id"`
	SourceID      string        `json:"source_id"`
	FetchedAt     time.Time     `json:"fetched_at"`
	Title         string        `json:"title,omitempty"`
	Text          string        `json:"text"`
	URL           string        `json:"url,omitempty"`
	PublishedAt   *time.Time    `json:"published_at,omitempty"`
	DimensionTags DimensionTags `json:"dimension_tags,omitempty"`
}

// SignalID derives the deterministic signal id from the source id and the
// normalized payload text. Identical content from the same source always
// hashes to the same id.
func SignalID(sourceID, normalizedText string) string {
	h := sha256.New()
	h.Write([]byte(sourceID))
	h.Write([]byte{0})
	h.Write([]byte(normalizedText))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Staleness describes the freshness of an adapter's contribution.
type Staleness string

const (
	StalenessFresh       Staleness = "fresh"
	StalenessStale       Staleness = "stale"
	StalenessUnavailable Staleness = "unavailable"
)

// Query is the caller-supplied search input fanned out to every adapter.
type Query struct {
	Text    string            `json:"text"`
	Filters map[string]string `json:"filters,omitempty"`
	Limit   int               `json:"limit,omitempty"`
}

// Normalized returns the canonical string form of the query used for cache
// keys. Filters are serialized in sorted key order so equivalent queries
// always produce the same key.
func (q Query) Normalized() string {
	out := q.Text
	keys := make([]string, 0, len(q.Filters))
	for k := range q.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out += "|" + k + "=" + q.Filters[k]
	}
	return out
}
