// Package audit records request/response metadata for every outward model
// call and aggregates rolling per-model performance statistics.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/developer-mesh/llm-gateway/internal/config"
	"github.com/developer-mesh/llm-gateway/pkg/models"
	"github.com/developer-mesh/llm-gateway/pkg/observability"
)

const insertAudit = `
	INSERT INTO audit_log (
		request_id, timestamp, user_id, audit_reason, model_id, operation,
		temperature, max_tokens, processing_time_ms, success, error_kind,
		error_detail, input_tokens, output_tokens
	) VALUES (
		:request_id, :timestamp, :user_id, :audit_reason, :model_id, :operation,
		:temperature, :max_tokens, :processing_time_ms, :success, :error_kind,
		:error_detail, :input_tokens, :output_tokens
	)`

// Recorder appends AuditRecords to the configured sink through a bounded
// internal queue. Enqueueing never blocks the caller: when the queue is
// full the oldest pending record is dropped and counted. Emission failures
// are logged and never fail the primary request.
type Recorder struct {
	db      *sqlx.DB
	logger  observability.Logger
	metrics observability.MetricsClient

	queue         chan models.AuditRecord
	batchSize     int
	flushInterval time.Duration

	dropped atomic.Int64

	mu      sync.Mutex
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewRecorder creates a recorder. A nil db selects the log sink: records
// are written to the structured logger instead of the relational store.
func NewRecorder(db *sqlx.DB, cfg config.AuditConfig, logger observability.Logger, metrics observability.MetricsClient) *Recorder {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 64
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	if cfg.Sink == "log" {
		db = nil
	}
	return &Recorder{
		db:            db,
		logger:        logger.WithPrefix("audit"),
		metrics:       metrics,
		queue:         make(chan models.AuditRecord, queueSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
}

// Start launches the background writer. Idempotent.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.wg.Add(1)
	go r.writeLoop()
}

// Record enqueues one audit record without blocking. When the queue is
// saturated, the oldest record is discarded to make room.
func (r *Recorder) Record(rec models.AuditRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	select {
	case r.queue <- rec:
		return
	default:
	}

	// Queue full: drop the oldest, then retry once.
	select {
	case <-r.queue:
		r.dropped.Add(1)
		r.metrics.RecordCounter("audit.dropped", 1, nil)
	default:
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
		r.metrics.RecordCounter("audit.dropped", 1, nil)
	}
}

// Dropped reports how many records were discarded under backpressure.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close flushes pending records and stops the writer.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()
}

func (r *Recorder) writeLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]models.AuditRecord, 0, r.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.writeBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-r.queue:
			batch = append(batch, rec)
			if len(batch) >= r.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.done:
			// Drain whatever is queued before exiting.
			for {
				select {
				case rec := <-r.queue:
					batch = append(batch, rec)
					if len(batch) >= r.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (r *Recorder) writeBatch(batch []models.AuditRecord) {
	if r.db == nil {
		for _, rec := range batch {
			r.logger.Info("audit", map[string]interface{}{
				"request_id": rec.RequestID,
				"model_id":   rec.ModelID,
				"operation":  rec.Operation,
				"success":    rec.Success,
				"error_kind": rec.ErrorKind,
				"elapsed_ms": rec.ProcessingTimeMs,
			})
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := r.db.NamedExecContext(ctx, insertAudit, batch); err != nil {
		// Audit must never fail the caller's request; log and move on.
		r.logger.Error("failed to write audit batch", map[string]interface{}{
			"error": err.Error(),
			"size":  len(batch),
		})
		r.metrics.RecordCounter("audit.write_failures", 1, nil)
	}
}
