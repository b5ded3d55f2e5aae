package bedrock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"github.com/developer-mesh/llm-gateway/internal/config"
	"github.com/developer-mesh/llm-gateway/pkg/models"
	"github.com/developer-mesh/llm-gateway/pkg/observability"
)

// RuntimeClient defines the Bedrock surface the invoker needs, so tests can
// inject a fake.
type RuntimeClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Invoker encodes requests for each model family, invokes the provider with
// a bounded timeout, and classifies failures into error kinds.
type Invoker struct {
	client   RuntimeClient
	catalog  config.ModelCatalog
	timeouts config.TimeoutProfile
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewInvoker creates an invoker over the given runtime client.
func NewInvoker(client RuntimeClient, catalog config.ModelCatalog, timeouts config.TimeoutProfile, logger observability.Logger, metrics observability.MetricsClient) *Invoker {
	return &Invoker{
		client:   client,
		catalog:  catalog,
		timeouts: timeouts,
		logger:   logger.WithPrefix("bedrock_invoker"),
		metrics:  metrics,
	}
}

// Generate invokes a generation-family model and returns the completion
// text with token usage. When the provider does not report usage, tokens
// are estimated at four characters per token.
func (i *Invoker) Generate(ctx context.Context, req models.GenerationRequest) (string, models.TokenUsage, error) {
	entry, ok := i.catalog.Lookup(req.ModelID)
	if !ok {
		return "", models.TokenUsage{}, models.NewError(models.KindClientError,
			fmt.Sprintf("model %q is not in the catalog", req.ModelID))
	}
	codec, err := generationCodecFor(entry.Family)
	if err != nil {
		return "", models.TokenUsage{}, err
	}

	body, err := codec.encode(req.Prompt, req.Temperature, req.MaxTokens, entry.Version)
	if err != nil {
		return "", models.TokenUsage{}, models.WrapError(models.KindClientError, "failed to encode request body", err)
	}

	out, err := i.invoke(ctx, req.ModelID, body)
	if err != nil {
		return "", models.TokenUsage{}, err
	}

	content, usage, err := codec.decode(out.Body)
	if err != nil {
		return "", models.TokenUsage{}, models.WrapError(models.KindProtocolError, "failed to decode response body", err)
	}
	usage = fillEstimates(usage, req.Prompt, content)
	return content, usage, nil
}

// Embed invokes an embedding-family model for a single text.
func (i *Invoker) Embed(ctx context.Context, modelID, text string) ([]float32, models.TokenUsage, error) {
	entry, ok := i.catalog.Lookup(modelID)
	if !ok {
		return nil, models.TokenUsage{}, models.NewError(models.KindClientError,
			fmt.Sprintf("model %q is not in the catalog", modelID))
	}
	codec, err := embeddingCodecFor(entry.Family)
	if err != nil {
		return nil, models.TokenUsage{}, err
	}

	body, err := codec.encode(text)
	if err != nil {
		return nil, models.TokenUsage{}, models.WrapError(models.KindClientError, "failed to encode request body", err)
	}

	out, err := i.invoke(ctx, modelID, body)
	if err != nil {
		return nil, models.TokenUsage{}, err
	}

	vector, usage, err := codec.decode(out.Body)
	if err != nil {
		return nil, models.TokenUsage{}, models.WrapError(models.KindProtocolError, "failed to decode response body", err)
	}
	if entry.Dimensions > 0 && len(vector) != entry.Dimensions {
		return nil, models.TokenUsage{}, models.NewError(models.KindProtocolError,
			fmt.Sprintf("model %q returned %d dimensions, expected %d", modelID, len(vector), entry.Dimensions))
	}
	if usage.Total == 0 {
		usage = fillEstimates(usage, text, "")
	}
	return vector, usage, nil
}

func (i *Invoker) invoke(ctx context.Context, modelID string, body []byte) (*bedrockruntime.InvokeModelOutput, error) {
	timeout := i.timeouts.Request
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	// The caller's deadline, when sooner, bounds the provider call.
	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := i.client.InvokeModel(invokeCtx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	i.metrics.RecordLatency("bedrock.invoke_model", time.Since(start))

	if err != nil {
		kind := ClassifyError(err)
		i.logger.Warn("model invocation failed", map[string]interface{}{
			"model_id": modelID,
			"kind":     string(kind),
		})
		return nil, models.WrapError(kind, "provider invocation failed", err)
	}
	return out, nil
}

func fillEstimates(usage models.TokenUsage, prompt, content string) models.TokenUsage {
	if usage.Input == 0 {
		usage.Input = EstimateTokens(prompt)
	}
	if usage.Output == 0 {
		usage.Output = EstimateTokens(content)
	}
	usage.Total = usage.Input + usage.Output
	return usage
}

// ClassifyError maps a provider failure to an ErrorKind: throttling to
// RateLimited, credential rejection to Auth, provider-side faults and
// network errors to Transient, malformed requests to ClientError, and
// deadline expiry to Timeout.
func ClassifyError(err error) models.ErrorKind {
	if err == nil {
		return models.KindNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return models.KindCancelled
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return models.KindRateLimited
		case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException":
			return models.KindAuth
		case "ValidationException", "ResourceNotFoundException":
			return models.KindClientError
		case "ModelTimeoutException":
			return models.KindTimeout
		case "ModelErrorException", "ModelNotReadyException", "ServiceUnavailableException", "InternalServerException", "ServiceQuotaExceededException":
			return models.KindTransient
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		switch {
		case status == 429:
			return models.KindRateLimited
		case status == 401 || status == 403:
			return models.KindAuth
		case status >= 500:
			return models.KindTransient
		case status >= 400:
			return models.KindClientError
		}
	}

	// Network and DNS failures land here.
	return models.KindTransient
}
