package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/developer-mesh/llm-gateway/internal/bedrock"
	"github.com/developer-mesh/llm-gateway/internal/cache"
	"github.com/developer-mesh/llm-gateway/internal/routing"
	"github.com/developer-mesh/llm-gateway/pkg/models"
	"github.com/developer-mesh/llm-gateway/pkg/retry"
)

// remoteQuality is the assumed quality of a provider-served embedding. The
// aggregation job refines per-model quality over time; this is the prior.
const remoteQuality = 0.9

// Embed produces one embedding: cache first, then routed production under
// single-flight so concurrent identical requests share one upstream call.
func (g *Gateway) Embed(ctx context.Context, req models.EmbeddingRequest) (*models.EmbeddingResult, error) {
	requestID := uuid.New().String()
	start := time.Now()

	ctx, cancel := withDeadline(ctx, req.Deadline)
	defer cancel()

	fail := func(err error) (*models.EmbeddingResult, error) {
		kind := models.KindOf(err)
		res := &models.EmbeddingResult{
			Success:     false,
			ModelUsed:   req.ModelID,
			Error:       kind,
			ErrorDetail: err.Error(),
		}
		g.auditEmbedding(ctx, requestID, req, res, elapsedMs(start))
		return res, err
	}

	normalized := cache.NormalizeText(req.Text)
	if normalized == "" {
		return fail(models.NewError(models.KindClientError, "text cannot be empty"))
	}

	analysis := routing.Analyze(normalized)
	decision, expectedDim, version, err := g.resolveEmbedding(req, analysis)
	if err != nil {
		return fail(err)
	}

	textHash := cache.TextHash(req.Text, decision.ModelID, version)

	if req.UseCache {
		if res, err := g.cacheLookup(ctx, textHash, req.Text, expectedDim); err != nil {
			return fail(err)
		} else if res != nil {
			g.metrics.RecordOperation("gateway", "embed", true, time.Since(start).Seconds(), map[string]string{
				"source": string(models.SourceCache),
			})
			g.auditEmbedding(ctx, requestID, req, res, elapsedMs(start))
			return res, nil
		}
	}

	v, shared, err := g.flights.Do(ctx, textHash, func(ctx context.Context) (any, error) {
		return g.produceEmbedding(ctx, req, decision, textHash, version)
	})
	if err != nil {
		return fail(err)
	}

	// Copy the winner's result so each caller owns its status fields. The
	// vector slice is shared and treated as immutable.
	res := *(v.(*models.EmbeddingResult))
	if shared && res.CacheID != 0 {
		g.recordUsageAsync(res.CacheID)
	}

	g.metrics.RecordOperation("gateway", "embed", true, time.Since(start).Seconds(), map[string]string{
		"source": string(res.Source),
	})
	g.auditEmbedding(ctx, requestID, req, &res, elapsedMs(start))
	return &res, nil
}

// EmbedBatch embeds each text independently: one element failing never fails
// its siblings, and per-element single-flight still applies.
func (g *Gateway) EmbedBatch(ctx context.Context, reqs []models.EmbeddingRequest) []*models.EmbeddingResult {
	results := make([]*models.EmbeddingResult, len(reqs))
	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := g.Embed(ctx, reqs[i])
			if res == nil && err != nil {
				res = &models.EmbeddingResult{
					Success:     false,
					Error:       models.KindOf(err),
					ErrorDetail: err.Error(),
				}
			}
			results[i] = res
		}(i)
	}
	wg.Wait()
	return results
}

// resolveEmbedding fixes the cache identity for this request: the model that
// would produce the vector, its version, and the expected dimension. A
// caller-specified model is honored as-is; otherwise the router decides.
func (g *Gateway) resolveEmbedding(req models.EmbeddingRequest, analysis routing.TextAnalysis) (routing.Decision, int, string, error) {
	if req.ModelID != "" {
		entry, ok := g.cfg.ModelCatalog.Lookup(req.ModelID)
		if !ok {
			return routing.Decision{}, 0, "", models.NewError(models.KindClientError,
				fmt.Sprintf("model %q is not in the catalog", req.ModelID))
		}
		if entry.Dimensions <= 0 {
			return routing.Decision{}, 0, "", models.NewError(models.KindClientError,
				fmt.Sprintf("model %q is not an embedding model", req.ModelID))
		}
		strategy := routing.StrategyRemote
		if entry.Local {
			strategy = routing.StrategyLocal
		}
		return routing.Decision{
			Strategy:   strategy,
			ModelID:    req.ModelID,
			CacheAfter: req.UseCache,
			Reason:     "caller-specified model",
		}, entry.Dimensions, entry.Version, nil
	}

	decision := g.router.DecideEmbedding(req, analysis)
	if decision.Strategy == routing.StrategyEnsemble {
		if g.ensemble == nil {
			return routing.Decision{}, 0, "", models.NewError(models.KindConfig,
				"no local embedding models are registered")
		}
		return decision, g.ensemble.Dimensions(), "ensemble", nil
	}

	entry, ok := g.cfg.ModelCatalog.Lookup(decision.ModelID)
	if !ok {
		return routing.Decision{}, 0, "", models.NewError(models.KindConfig,
			fmt.Sprintf("routed model %q is not in the catalog", decision.ModelID))
	}
	return decision, entry.Dimensions, entry.Version, nil
}

// cacheLookup consults the cache store. A hit returns a populated result; a
// miss returns nil. A down backing store degrades to a miss; only a
// poisoned row (dimension mismatch) propagates as an error.
func (g *Gateway) cacheLookup(ctx context.Context, textHash, text string, expectedDim int) (*models.EmbeddingResult, error) {
	store := g.ensureStore(ctx)
	if store == nil {
		return nil, nil
	}

	entry, err := store.Lookup(ctx, textHash, text, expectedDim)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, nil
		}
		if models.KindOf(err) == models.KindBackingStoreUnavailable {
			g.logger.Warn("cache lookup degraded to miss", map[string]interface{}{
				"error": err.Error(),
			})
			return nil, nil
		}
		return nil, err
	}

	g.recordUsageAsync(entry.ID)
	return &models.EmbeddingResult{
		Vector:       entry.Vector,
		Source:       models.SourceCache,
		ModelUsed:    entry.ModelID,
		QualityScore: entry.QualityScore,
		CacheID:      entry.ID,
		TokenUsage:   estimateUsage(text),
		Success:      true,
	}, nil
}

// estimateUsage is the token accounting for paths with no provider usage to
// pass through (cache hits and local models fall back to the same estimate
// the invoker uses).
func estimateUsage(text string) models.TokenUsage {
	n := bedrock.EstimateTokens(text)
	return models.TokenUsage{Input: n, Total: n}
}

// produceEmbedding runs exactly once per in-flight hash: it executes the
// routed strategy and persists the vector when asked to.
func (g *Gateway) produceEmbedding(ctx context.Context, req models.EmbeddingRequest, decision routing.Decision, textHash, version string) (*models.EmbeddingResult, error) {
	var (
		vector  []float32
		usage   models.TokenUsage
		quality float64
		model   = decision.ModelID
		source  = models.SourceLocal
		isEns   bool
	)

	switch decision.Strategy {
	case routing.StrategyLocal, routing.StrategyDomain:
		emb := g.locals[decision.ModelID]
		if emb == nil {
			return nil, models.NewError(models.KindConfig,
				fmt.Sprintf("local model %q is not registered", decision.ModelID))
		}
		vec, u, err := emb.Embed(ctx, req.Text)
		if err != nil {
			return nil, err
		}
		vector, usage, quality = vec, u, emb.QualityScore()

	case routing.StrategyEnsemble:
		vec, u, q, err := g.ensembleEmbed(ctx, req.Text)
		if err != nil {
			return nil, err
		}
		vector, usage, quality, isEns = vec, u, q, true
		model = g.ensemble.ModelID()

	case routing.StrategyRemote:
		vec, u, err := g.remoteEmbed(ctx, decision.ModelID, req.Text)
		if err != nil {
			return nil, err
		}
		vector, usage, quality, source = vec, u, remoteQuality, models.SourceRemote

	default:
		return nil, models.NewError(models.KindConfig,
			fmt.Sprintf("unknown embedding strategy %q", decision.Strategy))
	}

	if usage == (models.TokenUsage{}) {
		usage = estimateUsage(req.Text)
	}

	res := &models.EmbeddingResult{
		Vector:       vector,
		Source:       source,
		ModelUsed:    model,
		QualityScore: quality,
		TokenUsage:   usage,
		Success:      true,
	}

	if decision.CacheAfter {
		if store := g.ensureStore(ctx); store != nil {
			id, err := store.Put(ctx, &models.CachedEmbedding{
				TextHash:        textHash,
				Text:            req.Text,
				Vector:          vector,
				ModelID:         model,
				ModelVersion:    version,
				IsEnsemble:      isEns,
				QualityScore:    quality,
				ConfidenceScore: quality,
			})
			if err != nil {
				// The embedding is still good; only persistence failed.
				g.logger.Warn("failed to cache embedding", map[string]interface{}{
					"error": err.Error(),
				})
			} else {
				res.CacheID = id
			}
		}
	}
	return res, nil
}

func (g *Gateway) ensembleEmbed(ctx context.Context, text string) ([]float32, models.TokenUsage, float64, error) {
	if g.ensemble == nil {
		return nil, models.TokenUsage{}, 0, models.NewError(models.KindConfig, "no local embedding models are registered")
	}
	vec, usage, err := g.ensemble.Embed(ctx, text)
	if err != nil {
		return nil, models.TokenUsage{}, 0, err
	}
	return vec, usage, g.ensemble.QualityScore(), nil
}

func (g *Gateway) remoteEmbed(ctx context.Context, modelID, text string) ([]float32, models.TokenUsage, error) {
	invoker, err := g.ensureInvoker(ctx)
	if err != nil {
		return nil, models.TokenUsage{}, err
	}
	// Admission is re-checked per attempt so a failed half-open probe stops
	// the remaining attempts instead of retrying past the reopened breaker.
	breaker := g.breakers.Get(routing.DependencyProvider)

	var vector []float32
	var usage models.TokenUsage
	err = retry.Do(ctx, g.retryCfg, func(ctx context.Context) error {
		if !breaker.CanRequest() {
			return models.NewError(models.KindDependencyOpen, "model provider circuit is open")
		}
		vec, u, invErr := invoker.Embed(ctx, modelID, text)
		g.observeProvider(breaker, invErr)
		if invErr != nil {
			return invErr
		}
		vector, usage = vec, u
		return nil
	})
	if err != nil {
		return nil, models.TokenUsage{}, err
	}
	return vector, usage, nil
}

// recordUsageAsync bumps usage counters off the request path. The update is
// best effort; a failure only delays quality convergence.
func (g *Gateway) recordUsageAsync(id int64) {
	g.mu.Lock()
	store := g.store
	g.mu.Unlock()
	if store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.RecordUsage(ctx, id, true, -1); err != nil && !errors.Is(err, cache.ErrNotFound) {
			g.logger.Debug("usage update failed", map[string]interface{}{
				"cache_id": id, "error": err.Error(),
			})
		}
	}()
}

func (g *Gateway) auditEmbedding(ctx context.Context, requestID string, req models.EmbeddingRequest, res *models.EmbeddingResult, elapsedMs float64) {
	g.ensureRecorder(ctx).Record(models.AuditRecord{
		RequestID:        requestID,
		Timestamp:        time.Now().UTC(),
		UserID:           req.UserID,
		AuditReason:      req.AuditReason,
		ModelID:          res.ModelUsed,
		Operation:        "embed",
		ProcessingTimeMs: elapsedMs,
		Success:          res.Success,
		ErrorKind:        string(res.Error),
		ErrorDetail:      res.ErrorDetail,
		InputTokens:      res.TokenUsage.Input,
		OutputTokens:     res.TokenUsage.Output,
	})
}
