package model

import "time"

// EventType classifies bus events delivered to consumers.
type EventType string

const (
	EventSignalBatch   EventType = "signal-batch"
	EventClusterUpdate EventType = "cluster-update"
	EventRunComplete   EventType = "run-complete"
	EventRunFailed     EventType = "run-failed"
)

// Event is the consumer-facing stream payload. Consumers receive read-only
// snapshots and never mutate engine state through them.
type Event struct {
	Type      EventType        `json:"type"`
	RunID     string           `json:"run_id"`
	AdapterID string           `json:"adapter_id,omitempty"`
	Signals   []RawSignal      `json:"signals,omitempty"`
	Clusters  []InsightCluster `json:"clusters,omitempty"`
	Result    *RunResult       `json:"result,omitempty"`
	Staleness Staleness        `json:"staleness,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}
