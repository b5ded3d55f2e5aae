// Package models defines the request, response, and persistence types shared
// across the gateway components.
package models

import (
	"time"
)

// GenerationRequest is a request for text generation against a foundation model.
type GenerationRequest struct {
	Prompt             string            `json:"prompt"`
	ModelID            string            `json:"model_id"`
	Temperature        float64           `json:"temperature"`
	MaxTokens          int               `json:"max_tokens"`
	UserID             string            `json:"user_id,omitempty"`
	AuditReason        string            `json:"audit_reason,omitempty"`
	Deadline           time.Duration     `json:"deadline,omitempty"`
	RequireHighQuality bool              `json:"require_high_quality,omitempty"`
	Tags               map[string]string `json:"tags,omitempty"`
}

// TokenUsage holds token accounting for a single model invocation.
// Total is always Input + Output for successful responses.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// GenerationResponse is the result of a generation request.
type GenerationResponse struct {
	Content          string       `json:"content"`
	Success          bool         `json:"success"`
	ModelUsed        string       `json:"model_used"`
	ProcessingTimeMs float64      `json:"processing_time_ms"`
	TokenUsage       TokenUsage   `json:"token_usage"`
	Error            ErrorKind    `json:"error,omitempty"`
	ErrorDetail      string       `json:"error_detail,omitempty"`
	AuditTrail       *AuditRecord `json:"audit_trail,omitempty"`
}

// EmbeddingSource identifies which path produced an embedding.
type EmbeddingSource string

const (
	SourceCache  EmbeddingSource = "cache"
	SourceLocal  EmbeddingSource = "local"
	SourceRemote EmbeddingSource = "remote"
)

// EmbeddingRequest is a request for a single embedding.
type EmbeddingRequest struct {
	Text               string            `json:"text"`
	ModelID            string            `json:"model_id,omitempty"`
	RequireHighQuality bool              `json:"require_high_quality,omitempty"`
	UseCache           bool              `json:"use_cache"`
	LatencySensitive   bool              `json:"latency_sensitive,omitempty"`
	Deadline           time.Duration     `json:"deadline,omitempty"`
	UserID             string            `json:"user_id,omitempty"`
	AuditReason        string            `json:"audit_reason,omitempty"`
	Tags               map[string]string `json:"tags,omitempty"`
}

// EmbeddingResult is the outcome of an embedding request. TokenUsage passes
// through provider accounting when available and is estimated otherwise.
type EmbeddingResult struct {
	Vector       []float32       `json:"vector"`
	Source       EmbeddingSource `json:"source"`
	ModelUsed    string          `json:"model_used"`
	QualityScore float64         `json:"quality_score"`
	CacheID      int64           `json:"cache_id,omitempty"`
	TokenUsage   TokenUsage      `json:"token_usage"`
	Success      bool            `json:"success"`
	Error        ErrorKind       `json:"error,omitempty"`
	ErrorDetail  string          `json:"error_detail,omitempty"`
}

// CachedEmbedding is a content-addressed row in the smart_embeddings table.
// TextHash uniquely identifies the (normalized text, model id, model version)
// triple; readers must still compare Text to defend against hash equality
// without string equality.
type CachedEmbedding struct {
	ID               int64      `db:"id" json:"id"`
	TextHash         string     `db:"text_hash" json:"text_hash"`
	Text             string     `db:"text" json:"text"`
	Vector           []float32  `db:"-" json:"vector"`
	VectorCompressed []float32  `db:"-" json:"vector_compressed,omitempty"`
	ModelID          string     `db:"model_id" json:"model_id"`
	ModelVersion     string     `db:"model_version" json:"model_version"`
	IsEnsemble       bool       `db:"is_ensemble" json:"is_ensemble"`
	QualityScore     float64    `db:"quality_score" json:"quality_score"`
	ConfidenceScore  float64    `db:"confidence_score" json:"confidence_score"`
	UsageCount       int64      `db:"usage_count" json:"usage_count"`
	SuccessfulUses   int64      `db:"successful_uses" json:"successful_uses"`
	FailedUses       int64      `db:"failed_uses" json:"failed_uses"`
	AvgRetrievalRank *float64   `db:"avg_retrieval_rank" json:"avg_retrieval_rank,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	LastAccessedAt   time.Time  `db:"last_accessed_at" json:"last_accessed_at"`
	ExpiresAt        *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	PosFeedback      int64      `db:"pos_feedback" json:"pos_feedback"`
	NegFeedback      int64      `db:"neg_feedback" json:"neg_feedback"`
}

// ModelPerformance tracks rolling quality, latency, and success statistics
// per model. Updated only by the audit aggregation job.
type ModelPerformance struct {
	ModelID      string    `db:"model_id" json:"model_id"`
	AvgQuality   float64   `db:"avg_quality" json:"avg_quality"`
	AvgLatencyMs float64   `db:"avg_latency_ms" json:"avg_latency_ms"`
	SuccessRate  float64   `db:"success_rate" json:"success_rate"`
	SampleCount  int64     `db:"sample_count" json:"sample_count"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// AuditRecord is one append-only row describing an outward model call.
// Records are never mutated after write.
type AuditRecord struct {
	RequestID        string    `db:"request_id" json:"request_id"`
	Timestamp        time.Time `db:"timestamp" json:"timestamp"`
	UserID           string    `db:"user_id" json:"user_id,omitempty"`
	AuditReason      string    `db:"audit_reason" json:"audit_reason,omitempty"`
	ModelID          string    `db:"model_id" json:"model_id"`
	Operation        string    `db:"operation" json:"operation"`
	Temperature      float64   `db:"temperature" json:"temperature"`
	MaxTokens        int       `db:"max_tokens" json:"max_tokens"`
	ProcessingTimeMs float64   `db:"processing_time_ms" json:"processing_time_ms"`
	Success          bool      `db:"success" json:"success"`
	ErrorKind        string    `db:"error_kind" json:"error_kind,omitempty"`
	ErrorDetail      string    `db:"error_detail" json:"error_detail,omitempty"`
	InputTokens      int       `db:"input_tokens" json:"input_tokens"`
	OutputTokens     int       `db:"output_tokens" json:"output_tokens"`
}

// DependencyStatus is the result of a health probe against one dependency.
type DependencyStatus struct {
	Name      string  `json:"name"`
	OK        bool    `json:"ok"`
	LatencyMs float64 `json:"latency_ms"`
	Detail    string  `json:"detail,omitempty"`
}

// BreakerStatus is a snapshot of one circuit breaker.
type BreakerStatus struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
}

// HealthReport aggregates dependency and breaker status for operators.
type HealthReport struct {
	Healthy      bool               `json:"healthy"`
	Dependencies []DependencyStatus `json:"dependencies"`
	Breakers     []BreakerStatus    `json:"breakers"`
}

// CacheStats summarizes cache effectiveness over the recent window.
type CacheStats struct {
	Rows        int64   `json:"rows"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	WindowStart string  `json:"window_start,omitempty"`
}
