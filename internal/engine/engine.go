// Package engine drives one aggregation run end to end: fetch waves,
// correlation, variety-ranked emission, and persistence.
package engine

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/adapter"
	"github.com/sells-group/signal-engine/internal/bus"
	"github.com/sells-group/signal-engine/internal/cache"
	"github.com/sells-group/signal-engine/internal/correlator"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/scheduler"
	"github.com/sells-group/signal-engine/internal/store"
	"github.com/sells-group/signal-engine/internal/variety"
)

const defaultGlobalTimeout = 60 * time.Second

// Options wires the engine's collaborators.
type Options struct {
	Store     store.Store
	Cache     *cache.Cache
	Registry  *adapter.Registry
	Scheduler *scheduler.WaveScheduler
	Bus       *bus.Bus

	// Correlator configures clustering; its Reliability map is overlaid on
	// the weights adapters report themselves.
	Correlator correlator.Config

	// Signer overrides the default shingle signer (e.g. pkg/embed).
	Signer correlator.Signer

	// Variety configures emission quotas.
	Variety variety.Config

	// GlobalTimeout bounds a whole run when the run config requests none.
	// Default: 60s.
	GlobalTimeout time.Duration
}

// Engine executes aggregation runs.
type Engine struct {
	opts Options
}

// New creates an engine. Store, Registry, Scheduler, and Bus are required.
func New(opts Options) *Engine {
	if opts.GlobalTimeout <= 0 {
		opts.GlobalTimeout = defaultGlobalTimeout
	}
	return &Engine{opts: opts}
}

// Bus exposes the event bus so transports can subscribe to run topics.
func (e *Engine) Bus() *bus.Bus { return e.opts.Bus }

// Store exposes the run store for read endpoints.
func (e *Engine) Store() store.Store { return e.opts.Store }

// Start creates the run record and executes it in the background,
// returning immediately with the pending run.
func (e *Engine) Start(ctx context.Context, rc model.RunConfig) (*model.Run, error) {
	run, err := e.opts.Store.CreateRun(ctx, rc)
	if err != nil {
		return nil, eris.Wrap(err, "engine: create run")
	}
	go func() {
		// The run outlives the request that started it.
		if _, err := e.execute(context.WithoutCancel(ctx), run); err != nil {
			zap.L().Error("engine: run failed",
				zap.String("run_id", run.ID),
				zap.Error(err),
			)
		}
	}()
	return run, nil
}

// Execute creates a run record and drives it to a terminal state, blocking
// until the run completes, fails, or ctx is cancelled.
func (e *Engine) Execute(ctx context.Context, rc model.RunConfig) (*model.Run, error) {
	run, err := e.opts.Store.CreateRun(ctx, rc)
	if err != nil {
		return nil, eris.Wrap(err, "engine: create run")
	}
	return e.execute(ctx, run)
}

func (e *Engine) execute(ctx context.Context, run *model.Run) (*model.Run, error) {
	start := time.Now()
	log := zap.L().With(zap.String("run_id", run.ID))

	globalTimeout := run.Config.GlobalTimeout
	if globalTimeout <= 0 {
		globalTimeout = e.opts.GlobalTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, globalTimeout)
	defer cancel()

	if err := e.opts.Store.UpdateRunStatus(ctx, run.ID, model.RunStatusStreaming); err != nil {
		return nil, eris.Wrap(err, "engine: mark streaming")
	}
	run.Status = model.RunStatusStreaming

	// Correlate concurrently with the fetch waves so clusters stream out
	// while adapters are still resolving.
	sub := e.opts.Bus.Subscribe(run.ID)
	corr := correlator.New(e.correlatorConfig(), e.opts.Signer, e.opts.Bus, run.ID)
	corrDone := make(chan struct{})
	go func() {
		defer close(corrDone)
		corr.Run(runCtx, sub)
	}()

	outcomes, err := e.opts.Scheduler.Run(runCtx, run.ID, run.Config)
	if err != nil {
		// Configuration errors fail the run before any adapter launched.
		sub.Cancel()
		<-corrDone
		e.finish(ctx, run, model.RunStatusFailed, &model.RunResult{
			DurationMS: time.Since(start).Milliseconds(),
		}, log)
		return run, eris.Wrap(err, "engine: scheduler")
	}

	timedOut := runCtx.Err() != nil

	// All waves resolved: drain remaining events, run the final late-merge
	// pass, then rank emissions.
	if err := e.opts.Store.UpdateRunStatus(ctx, run.ID, model.RunStatusDraining); err != nil {
		log.Warn("engine: mark draining", zap.Error(err))
	}
	run.Status = model.RunStatusDraining
	sub.Cancel()
	<-corrDone

	clusters := corr.Clusters()
	enforcer := variety.New(e.opts.Variety.Merge(run.Config.VarietyQuotas))
	emitted := enforcer.Select(clusters, run.Config.MaxEmissions, time.Now().UTC())

	if err := e.opts.Store.SaveClusterVersions(ctx, run.ID, corr.Versions()); err != nil {
		log.Warn("engine: persist cluster versions", zap.Error(err))
	}

	result := &model.RunResult{
		Outcomes:      outcomes,
		SignalsTotal:  totalSignals(outcomes),
		ClustersTotal: len(clusters),
		Emitted:       emitted,
		DroppedEvents: sub.Gaps(),
		DurationMS:    time.Since(start).Milliseconds(),
		TimedOut:      timedOut,
	}

	status := model.RunStatusFailed
	for _, o := range outcomes {
		if o.Usable() {
			status = model.RunStatusComplete
			break
		}
	}

	e.finish(ctx, run, status, result, log)
	log.Info("engine: run finished",
		zap.String("status", string(status)),
		zap.Int("signals", result.SignalsTotal),
		zap.Int("clusters", result.ClustersTotal),
		zap.Int("emitted", len(result.Emitted)),
		zap.Bool("timed_out", timedOut),
	)
	return run, nil
}

// finish records the terminal state and publishes the terminal event.
func (e *Engine) finish(ctx context.Context, run *model.Run, status model.RunStatus, result *model.RunResult, log *zap.Logger) {
	if err := e.opts.Store.CompleteRun(ctx, run.ID, status, result); err != nil {
		log.Error("engine: persist terminal state", zap.Error(err))
	}
	run.Status = status
	run.Result = result

	evType := model.EventRunComplete
	if status == model.RunStatusFailed {
		evType = model.EventRunFailed
	}
	e.opts.Bus.Publish(run.ID, model.Event{
		Type:      evType,
		RunID:     run.ID,
		Result:    result,
		Timestamp: time.Now().UTC(),
	})
}

// correlatorConfig folds adapter-reported reliability weights under any
// explicitly configured ones.
func (e *Engine) correlatorConfig() correlator.Config {
	cfg := e.opts.Correlator
	weights := make(map[string]float64)
	if e.opts.Registry != nil {
		for _, id := range e.opts.Registry.List() {
			if w, ok := e.opts.Registry.Get(id).(adapter.ReliabilityWeighter); ok {
				weights[id] = w.ReliabilityWeight()
			}
		}
	}
	for id, w := range cfg.Confidence.Reliability {
		weights[id] = w
	}
	cfg.Confidence.Reliability = weights
	return cfg
}

func totalSignals(outcomes []model.AdapterOutcome) int {
	var n int
	for _, o := range outcomes {
		n += o.Signals
	}
	return n
}
