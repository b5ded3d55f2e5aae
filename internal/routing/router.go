package routing

import (
	"fmt"

	"github.com/developer-mesh/llm-gateway/internal/config"
	"github.com/developer-mesh/llm-gateway/pkg/models"
	"github.com/developer-mesh/llm-gateway/pkg/observability"
	"github.com/developer-mesh/llm-gateway/pkg/resilience"
)

// Strategy names an embedding path.
type Strategy string

const (
	StrategyCache    Strategy = "cache"
	StrategyLocal    Strategy = "local"
	StrategyDomain   Strategy = "domain"
	StrategyRemote   Strategy = "remote"
	StrategyEnsemble Strategy = "ensemble"
)

// Decision is the router's verdict for one embedding request.
type Decision struct {
	Strategy Strategy
	ModelID  string
	// CacheAfter asks the caller to persist the produced vector.
	CacheAfter bool
	Reason     string
}

// DependencyProvider is the breaker name for the model provider.
const DependencyProvider = "bedrock"

// Router picks a path per request from request hints, text analysis, and
// dependency health. Thresholds within 0.05 of a boundary resolve to the
// cheaper path.
type Router struct {
	catalog  config.ModelCatalog
	breakers *resilience.Manager
	logger   observability.Logger
}

// NewRouter creates a router over the catalog and breaker registry.
func NewRouter(catalog config.ModelCatalog, breakers *resilience.Manager, logger observability.Logger) *Router {
	return &Router{
		catalog:  catalog,
		breakers: breakers,
		logger:   logger.WithPrefix("router"),
	}
}

const (
	simpleComplexity  = 0.3
	simpleLength      = 200
	premiumComplexity = 0.7
	// tieBreakMargin widens a threshold toward the cheaper side.
	tieBreakMargin = 0.05
)

// DecideEmbedding selects the path for a cache miss. The cache hit case is
// resolved by the gateway before routing.
func (r *Router) DecideEmbedding(req models.EmbeddingRequest, a TextAnalysis) Decision {
	if !req.RequireHighQuality && a.Complexity < simpleComplexity && a.Length < simpleLength {
		return Decision{
			Strategy:   StrategyLocal,
			ModelID:    r.catalog.FastLocal,
			CacheAfter: req.UseCache,
			Reason:     "short low-complexity text",
		}
	}

	if entry, ok := r.catalog.ForDomain(a.Domain); ok {
		return Decision{
			Strategy:   StrategyDomain,
			ModelID:    entry.ID,
			CacheAfter: req.UseCache,
			Reason:     fmt.Sprintf("domain-expert model for %q", a.Domain),
		}
	}

	wantsPremium := req.RequireHighQuality || a.Complexity > premiumComplexity+tieBreakMargin
	if wantsPremium {
		modelID := r.catalog.PremiumEmbedding
		if req.ModelID != "" {
			modelID = req.ModelID
		}
		d := Decision{
			Strategy:   StrategyRemote,
			ModelID:    modelID,
			CacheAfter: req.UseCache,
			Reason:     "high quality required",
		}
		// Degrade around an unhealthy provider unless the caller insists
		// on remote quality; in that case the breaker surfaces the error.
		if !req.RequireHighQuality && r.providerState() == resilience.StateOpen {
			return r.ensembleDecision(req, "provider breaker open, degrading to local ensemble")
		}
		return d
	}

	if req.LatencySensitive {
		return Decision{
			Strategy:   StrategyLocal,
			ModelID:    r.catalog.FastLocal,
			CacheAfter: req.UseCache,
			Reason:     "latency-sensitive caller",
		}
	}

	return r.ensembleDecision(req, "default local ensemble")
}

// ValidateGeneration checks the model id against the catalog and enforces
// the per-model token cap. The router's generation path is thin: no local
// generation exists, so a provider outage surfaces as ProviderUnavailable
// downstream.
func (r *Router) ValidateGeneration(req *models.GenerationRequest) error {
	if req.Prompt == "" {
		return models.NewError(models.KindClientError, "prompt cannot be empty")
	}
	if req.ModelID == "" {
		req.ModelID = r.catalog.DefaultGeneration
	}
	entry, ok := r.catalog.Lookup(req.ModelID)
	if !ok {
		return models.NewError(models.KindClientError,
			fmt.Sprintf("model %q is not in the catalog", req.ModelID))
	}
	if req.MaxTokens < 1 {
		return models.NewError(models.KindClientError, "max_tokens must be at least 1")
	}
	if entry.MaxTokens > 0 && req.MaxTokens > entry.MaxTokens {
		return models.NewError(models.KindClientError,
			fmt.Sprintf("max_tokens %d exceeds model cap %d", req.MaxTokens, entry.MaxTokens))
	}
	if req.Temperature < 0 || req.Temperature > 1 {
		return models.NewError(models.KindClientError, "temperature must be within [0,1]")
	}
	return nil
}

func (r *Router) ensembleDecision(req models.EmbeddingRequest, reason string) Decision {
	return Decision{
		Strategy:   StrategyEnsemble,
		ModelID:    r.catalog.FastLocal,
		CacheAfter: req.UseCache,
		Reason:     reason,
	}
}

func (r *Router) providerState() resilience.CircuitBreakerState {
	return r.breakers.Get(DependencyProvider).State()
}
