package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/llm-gateway/internal/cache"
	"github.com/developer-mesh/llm-gateway/internal/config"
	"github.com/developer-mesh/llm-gateway/internal/routing"
	"github.com/developer-mesh/llm-gateway/pkg/models"
	"github.com/developer-mesh/llm-gateway/pkg/observability"
	"github.com/developer-mesh/llm-gateway/pkg/resilience"
	"github.com/developer-mesh/llm-gateway/pkg/retry"
)

// fakeInvoker stands in for the Bedrock invoker. Errors are consumed one per
// call, then the configured success values are returned.
type fakeInvoker struct {
	mu            sync.Mutex
	generateCalls int
	embedCalls    int
	lastGenerate  models.GenerationRequest
	content       string
	usage         models.TokenUsage
	vector        []float32
	errs          []error
	delay         time.Duration
}

func (f *fakeInvoker) nextErr() error {
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeInvoker) Generate(ctx context.Context, req models.GenerationRequest) (string, models.TokenUsage, error) {
	f.mu.Lock()
	f.generateCalls++
	f.lastGenerate = req
	err := f.nextErr()
	f.mu.Unlock()
	if err != nil {
		return "", models.TokenUsage{}, err
	}
	return f.content, f.usage, nil
}

func (f *fakeInvoker) Embed(ctx context.Context, modelID, text string) ([]float32, models.TokenUsage, error) {
	f.mu.Lock()
	f.embedCalls++
	err := f.nextErr()
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, models.TokenUsage{}, ctx.Err()
		}
	}
	if err != nil {
		return nil, models.TokenUsage{}, err
	}
	return f.vector, models.TokenUsage{Input: 4, Total: 4}, nil
}

func (f *fakeInvoker) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generateCalls, f.embedCalls
}

func testGatewayConfig() *config.Config {
	return &config.Config{
		ModelCatalog: config.ModelCatalog{
			Entries: map[string]config.ModelEntry{
				"anthropic.claude-3-sonnet-20240229-v1:0": {
					ID: "anthropic.claude-3-sonnet-20240229-v1:0", Family: config.FamilyClaudeChat,
					Version: "bedrock-2023-05-31", MaxTokens: 1000,
				},
				"amazon.titan-embed-text-v2:0": {
					ID: "amazon.titan-embed-text-v2:0", Family: config.FamilyTitanEmbed,
					Version: "v2", Dimensions: 4,
				},
				"local.minilm-fast-v1": {
					ID: "local.minilm-fast-v1", Family: config.FamilyLocalEmbed,
					Version: "v1", Dimensions: 384, Local: true,
				},
				"local.code-expert-v1": {
					ID: "local.code-expert-v1", Family: config.FamilyLocalEmbed,
					Version: "v1", Dimensions: 384, Local: true, Domain: "code",
				},
			},
			DefaultGeneration: "anthropic.claude-3-sonnet-20240229-v1:0",
			DefaultEmbedding:  "amazon.titan-embed-text-v2:0",
			PremiumEmbedding:  "amazon.titan-embed-text-v2:0",
			FastLocal:         "local.minilm-fast-v1",
		},
		Breaker: config.BreakerConfig{
			FailureThreshold: 3,
			FailureWindow:    time.Minute,
			ResetTimeout:     time.Minute,
		},
		// Dependency probes against this empty config must fail fast.
		Timeouts: config.TimeoutProfile{Connect: 50 * time.Millisecond},
		Cache:    config.CacheConfig{Enabled: false},
		Audit:    config.AuditConfig{Sink: "log", QueueSize: 256, BatchSize: 16, FlushInterval: time.Minute},
		LogLevel: "error",
	}
}

func newTestGateway(t *testing.T, inv *fakeInvoker) *Gateway {
	t.Helper()
	g := New(testGatewayConfig(),
		WithInvoker(inv),
		WithLogger(observability.NewNoopLogger()),
		WithMetrics(observability.NewNoopMetricsClient()))
	g.retryCfg = retry.Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxAttempts:     3,
	}
	return g
}

func TestEmbedEmptyTextRejected(t *testing.T) {
	inv := &fakeInvoker{}
	g := newTestGateway(t, inv)

	res, err := g.Embed(context.Background(), models.EmbeddingRequest{Text: "   \n\t "})
	require.Error(t, err)
	assert.Equal(t, models.KindClientError, models.KindOf(err))
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, models.KindClientError, res.Error)

	_, embeds := inv.counts()
	assert.Zero(t, embeds, "no provider call for an invalid request")
}

func TestEmbedExplicitLocalModel(t *testing.T) {
	inv := &fakeInvoker{}
	g := newTestGateway(t, inv)

	res, err := g.Embed(context.Background(), models.EmbeddingRequest{
		Text:    "a short document",
		ModelID: "local.minilm-fast-v1",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, models.SourceLocal, res.Source)
	assert.Equal(t, "local.minilm-fast-v1", res.ModelUsed)
	assert.Len(t, res.Vector, 384)
	assert.Equal(t, 4, res.TokenUsage.Input, "estimated at len/4")

	_, embeds := inv.counts()
	assert.Zero(t, embeds, "a local model never reaches the provider")
}

func TestEmbedExplicitRemoteModel(t *testing.T) {
	inv := &fakeInvoker{vector: []float32{0.1, 0.2, 0.3, 0.4}}
	g := newTestGateway(t, inv)

	res, err := g.Embed(context.Background(), models.EmbeddingRequest{
		Text:    "needs the provider",
		ModelID: "amazon.titan-embed-text-v2:0",
	})
	require.NoError(t, err)
	assert.Equal(t, models.SourceRemote, res.Source)
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, res.Vector)
	assert.InDelta(t, remoteQuality, res.QualityScore, 1e-9)
	assert.Equal(t, 4, res.TokenUsage.Input, "provider usage passes through")

	_, embeds := inv.counts()
	assert.Equal(t, 1, embeds)
}

func TestEmbedUnknownModelRejected(t *testing.T) {
	g := newTestGateway(t, &fakeInvoker{})
	_, err := g.Embed(context.Background(), models.EmbeddingRequest{
		Text: "text", ModelID: "bogus",
	})
	require.Error(t, err)
	assert.Equal(t, models.KindClientError, models.KindOf(err))
}

func TestEmbedGenerationModelRejected(t *testing.T) {
	g := newTestGateway(t, &fakeInvoker{})
	_, err := g.Embed(context.Background(), models.EmbeddingRequest{
		Text: "text", ModelID: "anthropic.claude-3-sonnet-20240229-v1:0",
	})
	require.Error(t, err)
	assert.Equal(t, models.KindClientError, models.KindOf(err))
}

func TestEmbedConcurrentIdenticalRequestsCoalesce(t *testing.T) {
	inv := &fakeInvoker{
		vector: []float32{1, 0, 0, 0},
		delay:  30 * time.Millisecond, // holds the flight open while callers pile up
	}
	g := newTestGateway(t, inv)

	const callers = 50
	var wg sync.WaitGroup
	var failures int32
	results := make([]*models.EmbeddingResult, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := g.Embed(context.Background(), models.EmbeddingRequest{
				Text:    "identical text under load",
				ModelID: "amazon.titan-embed-text-v2:0",
			})
			if err != nil {
				atomic.AddInt32(&failures, 1)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Zero(t, failures)
	_, embeds := inv.counts()
	assert.Equal(t, 1, embeds, "one upstream call serves every concurrent caller")
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, []float32{1, 0, 0, 0}, res.Vector)
	}
}

func TestEmbedDefaultRouteUsesEnsemble(t *testing.T) {
	inv := &fakeInvoker{}
	g := newTestGateway(t, inv)

	// Mid-length prose with no flags lands on the ensemble path.
	text := "The quarterly review covered staffing, vendor onboarding, timelines, " +
		"migration milestones, and the revised rollout plan for the internal platform " +
		"across all three regional offices with their respective leads present."
	res, err := g.Embed(context.Background(), models.EmbeddingRequest{Text: text})
	require.NoError(t, err)
	assert.Equal(t, "local.ensemble-v1", res.ModelUsed)
	assert.Equal(t, models.SourceLocal, res.Source)
	assert.Len(t, res.Vector, 384)

	_, embeds := inv.counts()
	assert.Zero(t, embeds)
}

func TestEmbedRetriesTransientProviderFailure(t *testing.T) {
	inv := &fakeInvoker{
		vector: []float32{1, 2, 3, 4},
		errs: []error{
			models.NewError(models.KindTransient, "connection reset"),
			models.NewError(models.KindTransient, "connection reset"),
		},
	}
	g := newTestGateway(t, inv)

	res, err := g.Embed(context.Background(), models.EmbeddingRequest{
		Text: "flaky upstream", ModelID: "amazon.titan-embed-text-v2:0",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, embeds := inv.counts()
	assert.Equal(t, 3, embeds)
}

func TestEmbedBreakerOpenShortCircuits(t *testing.T) {
	inv := &fakeInvoker{}
	g := newTestGateway(t, inv)
	for i := 0; i < 3; i++ {
		g.breakers.Get(routing.DependencyProvider).RecordFailure()
	}

	res, err := g.Embed(context.Background(), models.EmbeddingRequest{
		Text: "blocked", ModelID: "amazon.titan-embed-text-v2:0",
	})
	require.Error(t, err)
	assert.Equal(t, models.KindDependencyOpen, models.KindOf(err))
	assert.False(t, res.Success)

	_, embeds := inv.counts()
	assert.Zero(t, embeds, "an open circuit never reaches the provider")
}

func TestEmbedBatchIndependentElements(t *testing.T) {
	inv := &fakeInvoker{vector: []float32{1, 1, 1, 1}}
	g := newTestGateway(t, inv)

	results := g.EmbedBatch(context.Background(), []models.EmbeddingRequest{
		{Text: "good local", ModelID: "local.minilm-fast-v1"},
		{Text: ""},
		{Text: "good remote", ModelID: "amazon.titan-embed-text-v2:0"},
	})
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Equal(t, models.KindClientError, results[1].Error)
	assert.True(t, results[2].Success)
}

func TestGenerateSuccess(t *testing.T) {
	inv := &fakeInvoker{
		content: "generated answer",
		usage:   models.TokenUsage{Input: 12, Output: 30, Total: 42},
	}
	g := newTestGateway(t, inv)

	resp, err := g.Generate(context.Background(), models.GenerationRequest{
		Prompt:      "summarize the incident report",
		Temperature: 0.5,
		MaxTokens:   200,
		UserID:      "u-1",
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "generated answer", resp.Content)
	assert.Equal(t, "anthropic.claude-3-sonnet-20240229-v1:0", resp.ModelUsed, "default model filled in")
	assert.Equal(t, resp.TokenUsage.Input+resp.TokenUsage.Output, resp.TokenUsage.Total)

	require.NotNil(t, resp.AuditTrail)
	assert.Equal(t, "generate", resp.AuditTrail.Operation)
	assert.True(t, resp.AuditTrail.Success)
	assert.Equal(t, 12, resp.AuditTrail.InputTokens)
	assert.NotEmpty(t, resp.AuditTrail.RequestID)
}

func TestGenerateValidationFailure(t *testing.T) {
	inv := &fakeInvoker{}
	g := newTestGateway(t, inv)

	resp, err := g.Generate(context.Background(), models.GenerationRequest{MaxTokens: 10})
	require.Error(t, err)
	assert.Equal(t, models.KindClientError, models.KindOf(err))
	assert.False(t, resp.Success)

	gens, _ := inv.counts()
	assert.Zero(t, gens)
}

func TestGenerateExpiredContextNeverInvokes(t *testing.T) {
	inv := &fakeInvoker{content: "late"}
	g := newTestGateway(t, inv)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	resp, err := g.Generate(ctx, models.GenerationRequest{
		Prompt: "p", MaxTokens: 10, Temperature: 0.5,
	})
	require.Error(t, err)
	assert.Equal(t, models.KindTimeout, models.KindOf(err))
	assert.False(t, resp.Success)

	gens, _ := inv.counts()
	assert.Zero(t, gens, "an already-expired deadline stops before the provider")
}

func TestGenerateBreakerOpensAfterRepeatedFailures(t *testing.T) {
	transient := models.NewError(models.KindTransient, "provider down")
	inv := &fakeInvoker{errs: []error{transient, transient, transient}}
	g := newTestGateway(t, inv)

	_, err := g.Generate(context.Background(), models.GenerationRequest{
		Prompt: "p", MaxTokens: 10, Temperature: 0.5,
	})
	require.Error(t, err)

	// Three failed attempts reached the threshold; the next request is
	// rejected without touching the provider.
	_, err = g.Generate(context.Background(), models.GenerationRequest{
		Prompt: "p", MaxTokens: 10, Temperature: 0.5,
	})
	require.Error(t, err)
	assert.Equal(t, models.KindDependencyOpen, models.KindOf(err))

	gens, _ := inv.counts()
	assert.Equal(t, 3, gens)
}

func TestGenerateClientErrorNotRetriedNotCounted(t *testing.T) {
	inv := &fakeInvoker{errs: []error{models.NewError(models.KindClientError, "bad prompt shape")}}
	g := newTestGateway(t, inv)

	_, err := g.Generate(context.Background(), models.GenerationRequest{
		Prompt: "p", MaxTokens: 10, Temperature: 0.5,
	})
	require.Error(t, err)
	assert.Equal(t, models.KindClientError, models.KindOf(err))

	gens, _ := inv.counts()
	assert.Equal(t, 1, gens, "client errors are terminal")
	assert.True(t, g.breakers.Get(routing.DependencyProvider).CanRequest(),
		"caller mistakes do not open the provider circuit")
}

func TestInvokeCapsTokensToCatalog(t *testing.T) {
	inv := &fakeInvoker{content: "ok"}
	g := newTestGateway(t, inv)

	out, err := g.Invoke(context.Background(), "anthropic.claude-3-sonnet-20240229-v1:0", "hello")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	inv.mu.Lock()
	defer inv.mu.Unlock()
	assert.Equal(t, 1000, inv.lastGenerate.MaxTokens, "capped to the catalog entry limit")
}

func TestHalfOpenProbeClientErrorDoesNotWedge(t *testing.T) {
	inv := &fakeInvoker{
		content: "recovered",
		errs: []error{
			models.NewError(models.KindTransient, "provider down"),
			models.NewError(models.KindClientError, "malformed prompt"),
		},
	}
	g := newTestGateway(t, inv)
	g.breakers = resilience.NewManager(resilience.CircuitBreakerConfig{
		FailureThreshold: 1,
		FailureWindow:    time.Minute,
		ResetTimeout:     20 * time.Millisecond,
	})

	req := models.GenerationRequest{Prompt: "p", MaxTokens: 10, Temperature: 0.5}

	_, err := g.Generate(context.Background(), req)
	require.Error(t, err, "first failure opens the breaker")
	require.Equal(t, resilience.StateOpen, g.breakers.Get(routing.DependencyProvider).State())

	time.Sleep(30 * time.Millisecond)

	// The probe ends in a caller mistake, which is no health signal. The
	// admission must be released so the breaker can still recover.
	_, err = g.Generate(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, models.KindClientError, models.KindOf(err))

	resp, err := g.Generate(context.Background(), req)
	require.NoError(t, err, "the next probe is admitted and closes the breaker")
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, resilience.StateClosed, g.breakers.Get(routing.DependencyProvider).State())

	gens, _ := inv.counts()
	assert.Equal(t, 3, gens)
}

func TestHalfOpenProbeFailureStopsRetries(t *testing.T) {
	transient := models.NewError(models.KindTransient, "provider down")
	inv := &fakeInvoker{errs: []error{transient, transient, transient}}
	g := newTestGateway(t, inv)
	g.breakers = resilience.NewManager(resilience.CircuitBreakerConfig{
		FailureThreshold: 1,
		FailureWindow:    time.Minute,
		ResetTimeout:     20 * time.Millisecond,
	})

	req := models.GenerationRequest{Prompt: "p", MaxTokens: 10, Temperature: 0.5}

	_, err := g.Generate(context.Background(), req)
	require.Error(t, err)
	gens, _ := inv.counts()
	require.Equal(t, 1, gens, "the breaker opens after the first attempt")

	time.Sleep(30 * time.Millisecond)

	// The half-open probe fails and reopens the breaker; the remaining
	// retry attempts must short-circuit instead of reaching the provider.
	_, err = g.Generate(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, models.KindDependencyOpen, models.KindOf(err))

	gens, _ = inv.counts()
	assert.Equal(t, 2, gens, "exactly one probe per half-open admission")
}

func TestEmbedCacheHitCarriesEstimatedTokens(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cfg := testGatewayConfig()
	cfg.Cache.Enabled = true
	store, err := cache.NewStore(sqlx.NewDb(db, "sqlmock"), cfg.Cache,
		observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	require.NoError(t, err)

	hash := cache.TextHash("hello world", "amazon.titan-embed-text-v2:0", "v2")
	now := time.Now().UTC()
	mock.ExpectQuery("SELECT").WithArgs(hash).WillReturnRows(sqlmock.NewRows([]string{
		"id", "text_hash", "text", "vector", "vector_compressed", "model_id",
		"model_version", "is_ensemble", "quality_score", "confidence_score",
		"usage_count", "successful_uses", "failed_uses", "avg_retrieval_rank",
		"created_at", "last_accessed_at", "expires_at", "pos_feedback", "neg_feedback",
	}).AddRow(
		int64(7), hash, "hello world", "[0.1,0.2,0.3,0.4]", nil,
		"amazon.titan-embed-text-v2:0", "v2", false, 0.9, 0.9,
		int64(3), int64(3), int64(0), nil, now, now, nil, int64(0), int64(0),
	))

	inv := &fakeInvoker{}
	g := New(cfg,
		WithInvoker(inv),
		WithStore(store),
		WithLogger(observability.NewNoopLogger()),
		WithMetrics(observability.NewNoopMetricsClient()))

	res, err := g.Embed(context.Background(), models.EmbeddingRequest{
		Text:     "hello world",
		ModelID:  "amazon.titan-embed-text-v2:0",
		UseCache: true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.SourceCache, res.Source)
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, res.Vector)
	assert.Equal(t, 2, res.TokenUsage.Input, "audit accounting estimates len/4 on hits")
	assert.Equal(t, 2, res.TokenUsage.Total)

	_, embeds := inv.counts()
	assert.Zero(t, embeds, "a cache hit never reaches the provider")
}

func TestCacheStatsUncached(t *testing.T) {
	g := newTestGateway(t, &fakeInvoker{})
	_, err := g.CacheStats(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.KindBackingStoreUnavailable, models.KindOf(err))
}

func TestHealthReflectsOpenBreaker(t *testing.T) {
	g := newTestGateway(t, &fakeInvoker{})
	for i := 0; i < 3; i++ {
		g.breakers.Get(routing.DependencyProvider).RecordFailure()
	}

	report := g.Health(context.Background())
	assert.False(t, report.Healthy)

	var found bool
	for _, b := range report.Breakers {
		if b.Name == routing.DependencyProvider {
			found = true
			assert.Equal(t, "open", b.State)
		}
	}
	assert.True(t, found)
}
