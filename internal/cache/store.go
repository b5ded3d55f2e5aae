// Package cache implements the content-addressed embedding cache over
// PostgreSQL with pgvector, fronted by an in-process LRU for hot rows.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"

	"github.com/developer-mesh/llm-gateway/internal/config"
	"github.com/developer-mesh/llm-gateway/pkg/models"
	"github.com/developer-mesh/llm-gateway/pkg/observability"
)

// ErrNotFound is returned when no row exists for a text hash.
var ErrNotFound = errors.New("embedding not found")

// SearchResult is one similarity match, cosine score descending.
type SearchResult struct {
	ID    int64   `db:"id"`
	Score float64 `db:"score"`
}

// Filter restricts Search results by column equality.
type Filter map[string]any

// Store owns the smart_embeddings table. Row-level updates are atomic at
// the store; the duplicate-key race on Put resolves to the winner's row.
type Store struct {
	db            *sqlx.DB
	logger        observability.Logger
	metrics       observability.MetricsClient
	ttl           time.Duration
	compressedDim int
	hot           *lru.Cache[string, *models.CachedEmbedding]

	hits   atomic.Int64
	misses atomic.Int64
}

// NewStore creates a cache store over the given connection pool.
func NewStore(db *sqlx.DB, cfg config.CacheConfig, logger observability.Logger, metrics observability.MetricsClient) (*Store, error) {
	hotSize := cfg.HotEntries
	if hotSize <= 0 {
		hotSize = 4096
	}
	hot, err := lru.New[string, *models.CachedEmbedding](hotSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create hot cache: %w", err)
	}
	return &Store{
		db:            db,
		logger:        logger.WithPrefix("cache_store"),
		metrics:       metrics,
		ttl:           cfg.TTL,
		compressedDim: cfg.CompressedDim,
		hot:           hot,
	}, nil
}

// embeddingRow carries the vector columns as pgvector text literals.
type embeddingRow struct {
	models.CachedEmbedding
	VectorText     string         `db:"vector"`
	CompressedText sql.NullString `db:"vector_compressed"`
}

const embeddingColumns = `id, text_hash, text, vector::text AS vector,
	vector_compressed::text AS vector_compressed, model_id, model_version,
	is_ensemble, quality_score, confidence_score, usage_count,
	successful_uses, failed_uses, avg_retrieval_rank, created_at,
	last_accessed_at, expires_at, pos_feedback, neg_feedback`

// Lookup fetches the row addressed by textHash. The stored text is compared
// against the caller's text to defend against hash equality without string
// equality; a mismatch is reported as a miss. When expectedDim is non-zero a
// stored vector of a different dimension yields a ProtocolError and the row
// is left in place.
func (s *Store) Lookup(ctx context.Context, textHash, text string, expectedDim int) (*models.CachedEmbedding, error) {
	if cached, ok := s.hot.Get(textHash); ok && cached.Text == NormalizeText(text) {
		if expectedDim > 0 && len(cached.Vector) != expectedDim {
			return nil, models.NewError(models.KindProtocolError,
				fmt.Sprintf("cached vector dimension %d, model expects %d", len(cached.Vector), expectedDim))
		}
		s.hits.Add(1)
		return cached, nil
	}

	var row embeddingRow
	query := `SELECT ` + embeddingColumns + ` FROM smart_embeddings WHERE text_hash = $1`
	err := s.db.GetContext(ctx, &row, query, textHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.misses.Add(1)
			return nil, ErrNotFound
		}
		return nil, models.WrapError(models.KindBackingStoreUnavailable, "cache lookup failed", err)
	}

	if row.Text != NormalizeText(text) {
		// Hash-equal but not string-equal. Treat as a miss.
		s.logger.Warn("text hash collision detected", map[string]interface{}{
			"text_hash": textHash,
		})
		s.misses.Add(1)
		return nil, ErrNotFound
	}

	entry, err := s.materialize(&row)
	if err != nil {
		return nil, err
	}
	if expectedDim > 0 && len(entry.Vector) != expectedDim {
		return nil, models.NewError(models.KindProtocolError,
			fmt.Sprintf("cached vector dimension %d, model expects %d", len(entry.Vector), expectedDim))
	}

	s.hits.Add(1)
	s.hot.Add(textHash, entry)
	return entry, nil
}

// Put inserts the embedding or, when a row with the same text_hash already
// exists, refreshes its non-identity fields and bumps usage_count. Returns
// the row id either way, so the loser of a duplicate-key race receives the
// winner's id.
func (s *Store) Put(ctx context.Context, e *models.CachedEmbedding) (int64, error) {
	if e.TextHash == "" || len(e.Vector) == 0 {
		return 0, models.NewError(models.KindClientError, "embedding requires text_hash and vector")
	}

	now := time.Now().UTC()
	var expiresAt *time.Time
	if e.ExpiresAt != nil {
		expiresAt = e.ExpiresAt
	} else if s.ttl > 0 {
		t := now.Add(s.ttl)
		expiresAt = &t
	}

	compressed := e.VectorCompressed
	if compressed == nil {
		compressed = CompressVector(e.Vector, s.compressedDim)
	}
	var compressedText any
	if compressed != nil {
		compressedText = EncodeVector(compressed)
	}

	query := `
		INSERT INTO smart_embeddings (
			text_hash, text, vector, vector_compressed, model_id, model_version,
			is_ensemble, quality_score, confidence_score, usage_count,
			successful_uses, failed_uses, created_at, last_accessed_at, expires_at,
			pos_feedback, neg_feedback
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, 0, 0, $10, $10, $11, 0, 0)
		ON CONFLICT (text_hash) DO UPDATE SET
			quality_score    = EXCLUDED.quality_score,
			confidence_score = EXCLUDED.confidence_score,
			usage_count      = smart_embeddings.usage_count + 1,
			last_accessed_at = EXCLUDED.last_accessed_at,
			expires_at       = EXCLUDED.expires_at
		RETURNING id`

	var id int64
	err := s.db.QueryRowxContext(ctx, query,
		e.TextHash, NormalizeText(e.Text), EncodeVector(e.Vector), compressedText,
		e.ModelID, e.ModelVersion, e.IsEnsemble, e.QualityScore, e.ConfidenceScore,
		now, expiresAt,
	).Scan(&id)
	if err != nil {
		return 0, models.WrapError(models.KindBackingStoreUnavailable, "cache put failed", err)
	}

	stored := *e
	stored.ID = id
	stored.Text = NormalizeText(e.Text)
	stored.VectorCompressed = compressed
	stored.CreatedAt = now
	stored.LastAccessedAt = now
	stored.ExpiresAt = expiresAt
	s.hot.Add(e.TextHash, &stored)
	return id, nil
}

// RecordUsage atomically updates usage counters, the EWMA quality score, and
// the rolling retrieval rank for one row. retrievalRank < 0 means unranked.
func (s *Store) RecordUsage(ctx context.Context, id int64, wasSuccessful bool, retrievalRank float64) error {
	query := `
		UPDATE smart_embeddings SET
			usage_count      = usage_count + 1,
			successful_uses  = successful_uses + CASE WHEN $2 THEN 1 ELSE 0 END,
			failed_uses      = failed_uses + CASE WHEN $2 THEN 0 ELSE 1 END,
			quality_score    = CASE WHEN $2 THEN LEAST(0.95 * quality_score + 0.05, 1.0)
			                        ELSE 0.95 * quality_score END,
			avg_retrieval_rank = CASE
				WHEN $3 < 0 THEN avg_retrieval_rank
				WHEN avg_retrieval_rank IS NULL THEN $3
				ELSE 0.9 * avg_retrieval_rank + 0.1 * $3 END,
			last_accessed_at = NOW()
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, id, wasSuccessful, retrievalRank)
	if err != nil {
		return models.WrapError(models.KindBackingStoreUnavailable, "record usage failed", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	// The hot copy is stale now; drop it rather than recompute.
	s.invalidateHotByID(id)
	return nil
}

// RecordFeedback bumps explicit positive/negative feedback counters.
func (s *Store) RecordFeedback(ctx context.Context, id int64, positive bool) error {
	query := `
		UPDATE smart_embeddings SET
			pos_feedback = pos_feedback + CASE WHEN $2 THEN 1 ELSE 0 END,
			neg_feedback = neg_feedback + CASE WHEN $2 THEN 0 ELSE 1 END
		WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id, positive); err != nil {
		return models.WrapError(models.KindBackingStoreUnavailable, "record feedback failed", err)
	}
	return nil
}

// Search returns up to k rows by cosine similarity against the full vector,
// score descending.
func (s *Store) Search(ctx context.Context, queryVec []float32, k int, filter Filter) ([]SearchResult, error) {
	if k <= 0 {
		k = 10
	}

	where, args := buildFilter(filter, 2)
	query := fmt.Sprintf(`
		SELECT id, 1 - (vector <=> $1) AS score
		FROM smart_embeddings%s
		ORDER BY vector <=> $1
		LIMIT %d`, where, k)

	allArgs := append([]any{EncodeVector(queryVec)}, args...)
	var results []SearchResult
	if err := s.db.SelectContext(ctx, &results, query, allArgs...); err != nil {
		return nil, models.WrapError(models.KindBackingStoreUnavailable, "vector search failed", err)
	}
	return results, nil
}

// SearchHierarchical runs the staged search: a coarse pass over the
// compressed vectors narrows to 100 candidates, then the full vectors
// rerank to the final k. Falls back to a flat search when no compressed
// column is populated.
func (s *Store) SearchHierarchical(ctx context.Context, queryVec []float32, k int) ([]SearchResult, error) {
	coarse := CompressVector(queryVec, s.compressedDim)
	if coarse == nil {
		return s.Search(ctx, queryVec, k, nil)
	}

	var candidateIDs []int64
	coarseQuery := `
		SELECT id FROM smart_embeddings
		WHERE vector_compressed IS NOT NULL
		ORDER BY vector_compressed <=> $1
		LIMIT 100`
	if err := s.db.SelectContext(ctx, &candidateIDs, coarseQuery, EncodeVector(coarse)); err != nil {
		return nil, models.WrapError(models.KindBackingStoreUnavailable, "coarse search failed", err)
	}
	if len(candidateIDs) == 0 {
		return s.Search(ctx, queryVec, k, nil)
	}

	rerank := `
		SELECT id, 1 - (vector <=> $1) AS score
		FROM smart_embeddings
		WHERE id = ANY($2::bigint[])
		ORDER BY vector <=> $1
		LIMIT $3`
	var results []SearchResult
	if err := s.db.SelectContext(ctx, &results, rerank, EncodeVector(queryVec), int64Array(candidateIDs), k); err != nil {
		return nil, models.WrapError(models.KindBackingStoreUnavailable, "rerank search failed", err)
	}
	return results, nil
}

// Expire removes rows whose expiry has passed. Returns the number removed.
func (s *Store) Expire(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM smart_embeddings WHERE expires_at IS NOT NULL AND expires_at < $1`, now.UTC())
	if err != nil {
		return 0, models.WrapError(models.KindBackingStoreUnavailable, "cache expire failed", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.hot.Purge()
		s.logger.Info("expired cached embeddings", map[string]interface{}{"rows": n})
	}
	return n, nil
}

// StartSweeper runs Expire on a fixed interval until ctx is cancelled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if _, err := s.Expire(ctx, now); err != nil {
					s.logger.Warn("cache sweep failed", map[string]interface{}{"error": err.Error()})
				}
			}
		}
	}()
}

// Stats reports the row count and the in-process hit rate since start.
func (s *Store) Stats(ctx context.Context) (models.CacheStats, error) {
	stats := models.CacheStats{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	if err := s.db.GetContext(ctx, &stats.Rows, `SELECT COUNT(*) FROM smart_embeddings`); err != nil {
		return stats, models.WrapError(models.KindBackingStoreUnavailable, "cache stats failed", err)
	}
	return stats, nil
}

// Ping verifies the backing store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return models.WrapError(models.KindBackingStoreUnavailable, "relational store unreachable", err)
	}
	return nil
}

func (s *Store) materialize(row *embeddingRow) (*models.CachedEmbedding, error) {
	entry := row.CachedEmbedding
	vec, err := DecodeVector(row.VectorText)
	if err != nil {
		return nil, models.WrapError(models.KindProtocolError, "stored vector is unreadable", err)
	}
	entry.Vector = vec
	if row.CompressedText.Valid {
		cvec, err := DecodeVector(row.CompressedText.String)
		if err != nil {
			return nil, models.WrapError(models.KindProtocolError, "stored compressed vector is unreadable", err)
		}
		entry.VectorCompressed = cvec
	}
	return &entry, nil
}

func (s *Store) invalidateHotByID(id int64) {
	for _, key := range s.hot.Keys() {
		if e, ok := s.hot.Peek(key); ok && e.ID == id {
			s.hot.Remove(key)
			return
		}
	}
}

func buildFilter(filter Filter, startIdx int) (string, []any) {
	if len(filter) == 0 {
		return "", nil
	}
	clauses := make([]string, 0, len(filter))
	args := make([]any, 0, len(filter))
	idx := startIdx
	for col, val := range filter {
		clauses = append(clauses, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// int64Array renders a Postgres bigint array literal for ANY() without
// pulling in pq.Array's reflection on the hot path.
func int64Array(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return "{" + strings.Join(parts, ",") + "}"
}
