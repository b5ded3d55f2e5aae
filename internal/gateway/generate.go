package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/developer-mesh/llm-gateway/internal/routing"
	"github.com/developer-mesh/llm-gateway/pkg/models"
	"github.com/developer-mesh/llm-gateway/pkg/retry"
)

// Generate runs one text generation request end to end: validation, breaker
// admission, retried provider invocation, and audit. Every request produces
// exactly one audit record, including rejected and short-circuited ones.
func (g *Gateway) Generate(ctx context.Context, req models.GenerationRequest) (*models.GenerationResponse, error) {
	requestID := uuid.New().String()
	start := time.Now()

	ctx, cancel := withDeadline(ctx, req.Deadline)
	defer cancel()

	fail := func(err error) (*models.GenerationResponse, error) {
		kind := models.KindOf(err)
		resp := &models.GenerationResponse{
			Success:     false,
			ModelUsed:   req.ModelID,
			Error:       kind,
			ErrorDetail: err.Error(),
		}
		resp.ProcessingTimeMs = elapsedMs(start)
		g.auditGeneration(ctx, requestID, req, resp)
		return resp, err
	}

	if err := g.router.ValidateGeneration(&req); err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		// Expired before any remote call was attempted.
		return fail(models.WrapError(models.KindTimeout, "deadline expired before invocation", err))
	}

	invoker, err := g.ensureInvoker(ctx)
	if err != nil {
		return fail(err)
	}

	// Admission is re-checked per attempt: a failed half-open probe reopens
	// the breaker and the next attempt must short-circuit, not retry past it.
	breaker := g.breakers.Get(routing.DependencyProvider)

	var content string
	var usage models.TokenUsage
	err = retry.Do(ctx, g.retryCfg, func(ctx context.Context) error {
		if !breaker.CanRequest() {
			return models.NewError(models.KindDependencyOpen,
				"model provider circuit is open")
		}
		c, u, invErr := invoker.Generate(ctx, req)
		g.observeProvider(breaker, invErr)
		if invErr != nil {
			return invErr
		}
		content, usage = c, u
		return nil
	})
	if err != nil {
		g.metrics.RecordOperation("gateway", "generate", false, time.Since(start).Seconds(), map[string]string{
			"model_id": req.ModelID,
		})
		return fail(err)
	}

	resp := &models.GenerationResponse{
		Content:          content,
		Success:          true,
		ModelUsed:        req.ModelID,
		ProcessingTimeMs: elapsedMs(start),
		TokenUsage:       usage,
	}
	g.metrics.RecordOperation("gateway", "generate", true, time.Since(start).Seconds(), map[string]string{
		"model_id": req.ModelID,
	})
	g.auditGeneration(ctx, requestID, req, resp)
	return resp, nil
}

// Invoke is the convenience form of Generate: prompt and model only, with
// gateway defaults for temperature and token budget.
func (g *Gateway) Invoke(ctx context.Context, modelID, prompt string) (string, error) {
	req := models.GenerationRequest{
		Prompt:      prompt,
		ModelID:     modelID,
		Temperature: 0.7,
		MaxTokens:   1024,
	}
	if entry, ok := g.cfg.ModelCatalog.Lookup(modelID); ok && entry.MaxTokens > 0 && entry.MaxTokens < req.MaxTokens {
		req.MaxTokens = entry.MaxTokens
	}
	resp, err := g.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// observeProvider feeds one invocation outcome to the provider breaker.
// Caller mistakes and cancellations say nothing about provider health and
// are not counted; throttling is backpressure, not failure. A held half-open
// probe admission must still be released on those outcomes or the breaker
// would reject every later request.
func (g *Gateway) observeProvider(breaker interface {
	RecordSuccess()
	RecordFailure()
	ProbeAborted()
}, err error) {
	if err == nil {
		breaker.RecordSuccess()
		return
	}
	switch models.KindOf(err) {
	case models.KindTransient, models.KindTimeout, models.KindProtocolError:
		breaker.RecordFailure()
	case models.KindClientError, models.KindCancelled, models.KindRateLimited, models.KindAuth:
		breaker.ProbeAborted()
	default:
		breaker.RecordFailure()
	}
}

func (g *Gateway) auditGeneration(ctx context.Context, requestID string, req models.GenerationRequest, resp *models.GenerationResponse) {
	rec := models.AuditRecord{
		RequestID:        requestID,
		Timestamp:        time.Now().UTC(),
		UserID:           req.UserID,
		AuditReason:      req.AuditReason,
		ModelID:          req.ModelID,
		Operation:        "generate",
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		ProcessingTimeMs: resp.ProcessingTimeMs,
		Success:          resp.Success,
		ErrorKind:        string(resp.Error),
		ErrorDetail:      resp.ErrorDetail,
		InputTokens:      resp.TokenUsage.Input,
		OutputTokens:     resp.TokenUsage.Output,
	}
	resp.AuditTrail = &rec
	g.ensureRecorder(ctx).Record(rec)
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
