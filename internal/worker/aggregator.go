// Package worker runs the background quality-aggregation pass. Counter bumps
// on the hot path are best effort; this pass recomputes every touched item's
// counters and score from the signal log, so the stored aggregates converge
// on the truth even when individual bumps were lost.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hivemind-io/hivemind/pkg/database"
	"github.com/hivemind-io/hivemind/pkg/observability"
	"github.com/hivemind-io/hivemind/pkg/quality"
	"github.com/hivemind-io/hivemind/pkg/repository"
)

// AggregatorConfig tunes the aggregation loop
type AggregatorConfig struct {
	// Interval between passes. Defaults to 10 minutes.
	Interval time.Duration

	// HalfLifeDays controls freshness decay. Defaults to 90.
	HalfLifeDays float64

	Weights quality.ScoreWeights
}

// Aggregator periodically recomputes quality scores for items that received
// new signals since the previous pass.
type Aggregator struct {
	config    AggregatorConfig
	signals   repository.SignalRepository
	knowledge repository.KnowledgeRepository
	logger    observability.Logger
	metrics   observability.MetricsClient

	done chan struct{}
}

// NewAggregator creates the aggregation worker. Call Run to start it.
func NewAggregator(
	cfg AggregatorConfig,
	signals repository.SignalRepository,
	knowledge repository.KnowledgeRepository,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Aggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.HalfLifeDays <= 0 {
		cfg.HalfLifeDays = 90
	}
	if cfg.Weights == (quality.ScoreWeights{}) {
		cfg.Weights = quality.DefaultScoreWeights()
	}
	return &Aggregator{
		config:    cfg,
		signals:   signals,
		knowledge: knowledge,
		logger:    logger,
		metrics:   metrics,
		done:      make(chan struct{}),
	}
}

// Run executes passes until the context is cancelled. Each pass covers items
// with signals since the previous pass started, with a one-interval overlap
// so a pass that races a write never strands an item.
func (a *Aggregator) Run(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	lastPass := time.Now().UTC().Add(-a.config.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			started := time.Now().UTC()
			a.pass(ctx, lastPass.Add(-a.config.Interval))
			lastPass = started
		}
	}
}

// Done is closed once Run has returned
func (a *Aggregator) Done() <-chan struct{} {
	return a.done
}

func (a *Aggregator) pass(ctx context.Context, since time.Time) {
	ids, err := a.signals.ItemsWithSignalsSince(ctx, since)
	if err != nil {
		a.logger.Error("Aggregation pass failed to list items", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if len(ids) == 0 {
		return
	}

	updated := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := a.aggregateOne(ctx, id); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				// Deleted since the signal arrived; nothing to score.
				continue
			}
			a.logger.Warn("Failed to aggregate item", map[string]interface{}{
				"item_id": id.String(),
				"error":   err.Error(),
			})
			continue
		}
		updated++
	}

	a.logger.Info("Aggregation pass complete", map[string]interface{}{
		"candidates": len(ids),
		"updated":    updated,
	})
	if a.metrics != nil {
		a.metrics.RecordGauge("quality_aggregation_items", float64(updated), nil)
	}
}

func (a *Aggregator) aggregateOne(ctx context.Context, id uuid.UUID) error {
	approvedAt, err := a.knowledge.ApprovalTime(ctx, id)
	if err != nil {
		return err
	}

	agg, err := a.signals.AggregateForItem(ctx, id)
	if err != nil {
		return err
	}

	score := quality.Score(quality.ScoreInputs{
		Helpful:        agg.Solved,
		NotHelpful:     agg.NotHelpful,
		Retrievals:     agg.Retrievals,
		Contradictions: agg.Contradictions,
		ApprovedAt:     approvedAt,
	}, a.config.Weights, a.config.HalfLifeDays, time.Now().UTC())

	return a.knowledge.UpdateQuality(ctx, id, agg.Retrievals, agg.Solved, agg.NotHelpful, score)
}
