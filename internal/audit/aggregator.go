package audit

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/developer-mesh/llm-gateway/pkg/models"
	"github.com/developer-mesh/llm-gateway/pkg/observability"
)

const upsertPerformance = `
	INSERT INTO model_performance (model_id, avg_quality, avg_latency_ms, success_rate, sample_count, updated_at)
	SELECT a.model_id,
	       COALESCE(e.avg_quality, 0),
	       AVG(a.processing_time_ms),
	       AVG(CASE WHEN a.success THEN 1.0 ELSE 0.0 END),
	       COUNT(*),
	       NOW()
	FROM audit_log a
	LEFT JOIN (
		SELECT model_id, AVG(quality_score) AS avg_quality
		FROM smart_embeddings GROUP BY model_id
	) e ON e.model_id = a.model_id
	WHERE a.timestamp > NOW() - $1 * INTERVAL '1 minute'
	GROUP BY a.model_id, e.avg_quality
	ON CONFLICT (model_id) DO UPDATE SET
		avg_quality    = EXCLUDED.avg_quality,
		avg_latency_ms = EXCLUDED.avg_latency_ms,
		success_rate   = EXCLUDED.success_rate,
		sample_count   = EXCLUDED.sample_count,
		updated_at     = EXCLUDED.updated_at`

// Aggregator is the single writer of model_performance: it periodically
// folds recent audit rows into per-model rolling statistics.
type Aggregator struct {
	db       *sqlx.DB
	logger   observability.Logger
	interval time.Duration
	window   time.Duration
}

// NewAggregator creates an aggregator scanning the last window of audit
// records every interval.
func NewAggregator(db *sqlx.DB, interval, window time.Duration, logger observability.Logger) *Aggregator {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = time.Hour
	}
	return &Aggregator{
		db:       db,
		logger:   logger.WithPrefix("audit_aggregator"),
		interval: interval,
		window:   window,
	}
}

// Start runs the aggregation loop until ctx is cancelled.
func (a *Aggregator) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := a.RunOnce(ctx); err != nil {
					a.logger.Warn("performance aggregation failed", map[string]interface{}{
						"error": err.Error(),
					})
				}
			}
		}
	}()
}

// RunOnce performs a single aggregation pass.
func (a *Aggregator) RunOnce(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	_, err := a.db.ExecContext(ctx, upsertPerformance, a.window.Minutes())
	if err != nil {
		return models.WrapError(models.KindBackingStoreUnavailable, "model performance aggregation failed", err)
	}
	return nil
}

// Performance reads the current rolling stats for one model.
func (a *Aggregator) Performance(ctx context.Context, modelID string) (*models.ModelPerformance, error) {
	var perf models.ModelPerformance
	err := a.db.GetContext(ctx, &perf,
		`SELECT model_id, avg_quality, avg_latency_ms, success_rate, sample_count, updated_at
		 FROM model_performance WHERE model_id = $1`, modelID)
	if err != nil {
		return nil, models.WrapError(models.KindBackingStoreUnavailable, "model performance read failed", err)
	}
	return &perf, nil
}
