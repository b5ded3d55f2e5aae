// Package gateway is the stable outward API of the llm-gateway: Generate,
// Embed, EmbedBatch, Invoke, and Health. It wires configuration, session
// management, routing, caching, single-flight coalescing, resilience, and
// audit into one constructed value. Dependencies flow one way: the gateway
// owns its collaborators and nothing calls back into it.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jmoiron/sqlx"

	"github.com/developer-mesh/llm-gateway/internal/audit"
	"github.com/developer-mesh/llm-gateway/internal/bedrock"
	"github.com/developer-mesh/llm-gateway/internal/cache"
	"github.com/developer-mesh/llm-gateway/internal/config"
	"github.com/developer-mesh/llm-gateway/internal/embedder"
	"github.com/developer-mesh/llm-gateway/internal/flight"
	"github.com/developer-mesh/llm-gateway/internal/routing"
	"github.com/developer-mesh/llm-gateway/internal/session"
	"github.com/developer-mesh/llm-gateway/pkg/models"
	"github.com/developer-mesh/llm-gateway/pkg/observability"
	"github.com/developer-mesh/llm-gateway/pkg/resilience"
	"github.com/developer-mesh/llm-gateway/pkg/retry"
)

// remoteInvoker is the provider surface the gateway calls. Tests inject a
// fake through WithInvoker.
type remoteInvoker interface {
	Generate(ctx context.Context, req models.GenerationRequest) (string, models.TokenUsage, error)
	Embed(ctx context.Context, modelID, text string) ([]float32, models.TokenUsage, error)
}

// Gateway mediates every LLM and embedding request between application code
// and the remote model provider.
type Gateway struct {
	cfg     *config.Config
	logger  observability.Logger
	metrics observability.MetricsClient

	sessions *session.Manager
	breakers *resilience.Manager
	router   *routing.Router
	flights  *flight.Coordinator
	retryCfg retry.Config

	locals   map[string]embedder.Embedder
	ensemble embedder.Embedder

	mu       sync.Mutex
	invoker  remoteInvoker
	store    *cache.Store
	recorder *audit.Recorder
	storeErr time.Time // last failed store init, for backoff
}

// Option customizes gateway construction, mainly for tests.
type Option func(*Gateway)

// WithInvoker injects a provider invoker, bypassing session construction.
func WithInvoker(inv remoteInvoker) Option {
	return func(g *Gateway) { g.invoker = inv }
}

// WithStore injects a cache store.
func WithStore(s *cache.Store) Option {
	return func(g *Gateway) { g.store = s }
}

// WithRecorder injects an audit recorder.
func WithRecorder(r *audit.Recorder) Option {
	return func(g *Gateway) { g.recorder = r }
}

// WithLogger overrides the logger.
func WithLogger(l observability.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithMetrics overrides the metrics client.
func WithMetrics(m observability.MetricsClient) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New constructs a gateway. No network connections are opened until first
// use; construction cannot fail beyond configuration validation, which
// Load already performed.
func New(cfg *config.Config, opts ...Option) *Gateway {
	logger := observability.NewStandardLoggerWithLevel("gateway", observability.ParseLogLevel(cfg.LogLevel))
	metrics := observability.NewMetricsClient()

	breakers := resilience.NewManager(resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		FailureWindow:    cfg.Breaker.FailureWindow,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
	})

	g := &Gateway{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		sessions: session.NewManager(cfg, logger),
		breakers: breakers,
		retryCfg: retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = observability.NewNoopMetricsClient()
	}

	g.router = routing.NewRouter(cfg.ModelCatalog, breakers, g.logger)
	g.flights = flight.NewCoordinator(g.logger, g.metrics)
	g.locals = buildLocalEmbedders(cfg.ModelCatalog)
	g.ensemble = buildEnsemble(g.locals)
	return g
}

func buildLocalEmbedders(catalog config.ModelCatalog) map[string]embedder.Embedder {
	locals := make(map[string]embedder.Embedder)
	seed := uint64(1)
	for id, entry := range catalog.Entries {
		if !entry.Local || entry.Dimensions <= 0 {
			continue
		}
		quality := 0.6
		if entry.Domain != "" {
			quality = 0.75
		}
		locals[id] = embedder.NewLocal(id, entry.Dimensions, quality, seed)
		seed++
	}
	return locals
}

func buildEnsemble(locals map[string]embedder.Embedder) embedder.Embedder {
	members := make([]embedder.Embedder, 0, len(locals))
	var dims int
	for _, e := range locals {
		if dims == 0 {
			dims = e.Dimensions()
		}
		if e.Dimensions() == dims {
			members = append(members, e)
		}
	}
	if len(members) == 0 {
		return nil
	}
	return embedder.NewEnsemble("local.ensemble-v1", members...)
}

// ensureInvoker lazily constructs the provider invoker over the session
// manager's Bedrock client. A construction failure is not cached.
func (g *Gateway) ensureInvoker(ctx context.Context) (remoteInvoker, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.invoker != nil {
		return g.invoker, nil
	}
	client, err := g.sessions.GetModelClient(ctx)
	if err != nil {
		return nil, err
	}
	g.invoker = bedrock.NewInvoker(client, g.cfg.ModelCatalog, g.cfg.Timeouts, g.logger, g.metrics)
	return g.invoker, nil
}

// ensureStore lazily constructs the cache store. When the relational store
// is unreachable the gateway degrades to non-cached operation; the next
// attempt is rate limited to avoid hammering a down database.
func (g *Gateway) ensureStore(ctx context.Context) *cache.Store {
	if !g.cfg.Cache.Enabled {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.store != nil {
		return g.store
	}
	if time.Since(g.storeErr) < 30*time.Second {
		return nil
	}

	db, err := g.sessions.GetRelationalPool(ctx)
	if err != nil {
		g.storeErr = time.Now()
		g.logger.Warn("cache store unavailable, continuing uncached", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}
	store, err := cache.NewStore(db, g.cfg.Cache, g.logger, g.metrics)
	if err != nil {
		g.storeErr = time.Now()
		return nil
	}
	g.store = store
	return store
}

// ensureRecorder lazily starts the audit recorder. Falls back to the log
// sink when the relational store is unavailable so records are never
// silently lost.
func (g *Gateway) ensureRecorder(ctx context.Context) *audit.Recorder {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.recorder != nil {
		return g.recorder
	}

	var db *sqlx.DB
	if g.cfg.Audit.Sink == "relational" {
		var err error
		db, err = g.sessions.GetRelationalPool(ctx)
		if err != nil {
			g.logger.Warn("audit sink degraded to log", map[string]interface{}{
				"error": err.Error(),
			})
			db = nil
		}
	}
	g.recorder = audit.NewRecorder(db, g.cfg.Audit, g.logger, g.metrics)
	g.recorder.Start()
	return g.recorder
}

// StartBackground launches the periodic jobs for long-lived processes: the
// cache expiry sweeper, the performance aggregator, and the audit recorder.
// Jobs that need the relational store are skipped while it is unavailable.
func (g *Gateway) StartBackground(ctx context.Context) {
	g.ensureRecorder(ctx)
	if store := g.ensureStore(ctx); store != nil {
		store.StartSweeper(ctx, time.Hour)
	}
	if db, err := g.sessions.GetRelationalPool(ctx); err == nil {
		audit.NewAggregator(db, 5*time.Minute, time.Hour, g.logger).Start(ctx)
	}
}

// ArchiveClients hands out the object store client and relational pool for
// the audit archive job, which runs out of band from the request path.
func (g *Gateway) ArchiveClients(ctx context.Context) (*s3.Client, *sqlx.DB, error) {
	client, err := g.sessions.GetObjectStoreClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	db, err := g.sessions.GetRelationalPool(ctx)
	if err != nil {
		return nil, nil, err
	}
	return client, db, nil
}

// Health probes every dependency and snapshots the breakers. Pure
// observation: no state is mutated beyond lazy client construction.
func (g *Gateway) Health(ctx context.Context) models.HealthReport {
	report := models.HealthReport{Healthy: true}
	for _, dep := range []string{session.DepBedrock, session.DepObjectStore, session.DepRelational} {
		status := g.sessions.TestDependency(ctx, dep)
		if !status.OK {
			report.Healthy = false
		}
		report.Dependencies = append(report.Dependencies, status)
	}
	for _, st := range g.breakers.Statuses() {
		report.Breakers = append(report.Breakers, models.BreakerStatus{
			Name:         st.Name,
			State:        string(st.State),
			FailureCount: st.FailureCount,
			OpenedAt:     st.OpenedAt,
		})
		if st.State != resilience.StateClosed {
			report.Healthy = false
		}
	}
	return report
}

// CacheStats reports cache effectiveness; zero stats when uncached.
func (g *Gateway) CacheStats(ctx context.Context) (models.CacheStats, error) {
	store := g.ensureStore(ctx)
	if store == nil {
		return models.CacheStats{}, models.NewError(models.KindBackingStoreUnavailable, "cache store is not available")
	}
	return store.Stats(ctx)
}

// Close flushes the audit recorder and tears down pooled connections.
func (g *Gateway) Close() error {
	g.mu.Lock()
	recorder := g.recorder
	g.mu.Unlock()
	if recorder != nil {
		recorder.Close()
	}
	return g.sessions.Close()
}

// withDeadline applies the request deadline to the context. A zero
// deadline leaves the caller's context untouched.
func withDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return ctx, func() {}
}
