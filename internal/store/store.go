// Package store persists runs, finalized cluster versions, and the durable
// signal cache behind a backend-agnostic interface.
package store

import (
	"context"
	"time"

	"github.com/sells-group/signal-engine/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       model.RunStatus `json:"status,omitempty"`
	CreatedAfter time.Time       `json:"created_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the aggregation engine.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, cfg model.RunConfig) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	CompleteRun(ctx context.Context, runID string, status model.RunStatus, result *model.RunResult) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Cluster versions. Versions are append-only: superseded versions stay
	// queryable for audit.
	SaveClusterVersions(ctx context.Context, runID string, clusters []model.InsightCluster) error
	ListClusterVersions(ctx context.Context, runID string) ([]model.InsightCluster, error)

	// Signal cache persistence (cache.Persister).
	GetCachedSignals(ctx context.Context, key string) ([]model.RawSignal, time.Time, time.Duration, error)
	SetCachedSignals(ctx context.Context, key string, signals []model.RawSignal, ttl time.Duration) error
	DeleteExpiredSignals(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
