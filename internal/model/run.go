package model

import "time"

// RunStatus tracks a run through its lifecycle. Runs move strictly
// PENDING → STREAMING → DRAINING → COMPLETE, or end FAILED when no adapter
// returned usable data.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusStreaming RunStatus = "streaming"
	RunStatusDraining  RunStatus = "draining"
	RunStatusComplete  RunStatus = "complete"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusComplete || s == RunStatusFailed
}

// RunConfig is the caller-supplied configuration for one aggregation run.
type RunConfig struct {
	Query            Query              `json:"query"`
	Adapters         []string           `json:"adapters,omitempty"` // empty = all registered
	ConcurrencyLimit int                `json:"concurrency_limit,omitempty"`
	PerCallTimeout   time.Duration      `json:"per_call_timeout,omitempty"`
	GlobalTimeout    time.Duration      `json:"global_timeout,omitempty"`
	VarietyQuotas    map[string]float64 `json:"variety_quotas,omitempty"` // dimension → max fraction
	MaxEmissions     int                `json:"max_emissions,omitempty"`
}

// AdapterOutcome records how a single adapter fared within a run.
type AdapterOutcome struct {
	AdapterID  string    `json:"adapter_id"`
	Staleness  Staleness `json:"staleness"`
	Signals    int       `json:"signals"`
	Attempts   int       `json:"attempts"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// Usable reports whether the adapter contributed data the run can use.
func (o AdapterOutcome) Usable() bool {
	return o.Staleness != StalenessUnavailable && o.Signals > 0
}

// RunResult is the finalized summary of a run.
type RunResult struct {
	Outcomes       []AdapterOutcome `json:"outcomes"`
	SignalsTotal   int              `json:"signals_total"`
	ClustersTotal  int              `json:"clusters_total"`
	Emitted        []EmissionRecord `json:"emitted"`
	DroppedEvents  int64            `json:"dropped_events,omitempty"`
	DurationMS     int64            `json:"duration_ms"`
	TimedOut       bool             `json:"timed_out,omitempty"`
}

// Run is the persisted record of one aggregation run.
type Run struct {
	ID        string     `json:"id"`
	Config    RunConfig  `json:"config"`
	Status    RunStatus  `json:"status"`
	Result    *RunResult `json:"result,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
