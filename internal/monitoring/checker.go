package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// CheckerConfig bounds the health checks.
type CheckerConfig struct {
	CheckInterval time.Duration
	LookbackHours int
	// MaxFailRate triggers a warning when the run failure rate over the
	// lookback window exceeds it. Default: 0.5.
	MaxFailRate float64
	// MaxDroppedEvents triggers a warning when the bus drop counter grows
	// past it. Default: 1000.
	MaxDroppedEvents int64
}

func (c CheckerConfig) withDefaults() CheckerConfig {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Minute
	}
	if c.LookbackHours <= 0 {
		c.LookbackHours = 24
	}
	if c.MaxFailRate <= 0 {
		c.MaxFailRate = 0.5
	}
	if c.MaxDroppedEvents <= 0 {
		c.MaxDroppedEvents = 1000
	}
	return c
}

// Checker runs periodic health checks in the background and logs findings.
type Checker struct {
	collector *Collector
	cfg       CheckerConfig
}

// NewChecker creates a background health checker.
func NewChecker(collector *Collector, cfg CheckerConfig) *Checker {
	return &Checker{collector: collector, cfg: cfg.withDefaults()}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting health checker",
		zap.Duration("interval", c.cfg.CheckInterval),
		zap.Int("lookback_hours", c.cfg.LookbackHours),
	)

	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("health checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return
	}

	if snap.RunFailRate > c.cfg.MaxFailRate {
		log.Warn("monitoring: run failure rate above threshold",
			zap.Float64("fail_rate", snap.RunFailRate),
			zap.Float64("threshold", c.cfg.MaxFailRate),
			zap.Int("runs_failed", snap.RunsFailed),
		)
	}
	if snap.EventsDropped > c.cfg.MaxDroppedEvents {
		log.Warn("monitoring: event drops above threshold",
			zap.Int64("dropped", snap.EventsDropped),
			zap.Int64("threshold", c.cfg.MaxDroppedEvents),
		)
	}
	for id, state := range snap.Breakers {
		if state == "open" {
			log.Warn("monitoring: circuit breaker open",
				zap.String("adapter", id),
			)
		}
	}

	log.Debug("monitoring: health check complete",
		zap.Int("runs_total", snap.RunsTotal),
		zap.Float64("fail_rate", snap.RunFailRate),
		zap.Int64("cache_hits", snap.Cache.Hits),
	)
}
