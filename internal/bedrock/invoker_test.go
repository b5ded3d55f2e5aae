package bedrock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/llm-gateway/internal/config"
	"github.com/developer-mesh/llm-gateway/pkg/models"
	"github.com/developer-mesh/llm-gateway/pkg/observability"
)

type fakeRuntime struct {
	response []byte
	err      error
	calls    int
	lastIn   *bedrockruntime.InvokeModelInput
}

func (f *fakeRuntime) InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.calls++
	f.lastIn = in
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: f.response}, nil
}

func testCatalog() config.ModelCatalog {
	return config.ModelCatalog{
		Entries: map[string]config.ModelEntry{
			"anthropic.claude-3-sonnet-20240229-v1:0": {
				ID: "anthropic.claude-3-sonnet-20240229-v1:0", Family: config.FamilyClaudeChat,
				Version: "bedrock-2023-05-31", MaxTokens: 4096,
			},
			"amazon.titan-embed-text-v1": {
				ID: "amazon.titan-embed-text-v1", Family: config.FamilyTitanEmbed,
				Version: "v1", Dimensions: 3,
			},
		},
		DefaultGeneration: "anthropic.claude-3-sonnet-20240229-v1:0",
		DefaultEmbedding:  "amazon.titan-embed-text-v1",
	}
}

func newTestInvoker(rt RuntimeClient) *Invoker {
	return NewInvoker(rt, testCatalog(), config.TimeoutProfile{Request: time.Second},
		observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestInvokerGenerate(t *testing.T) {
	rt := &fakeRuntime{
		response: []byte(`{"content":[{"text":"answer"}],"usage":{"input_tokens":10,"output_tokens":20}}`),
	}
	inv := newTestInvoker(rt)

	content, usage, err := inv.Generate(context.Background(), models.GenerationRequest{
		Prompt:      "question",
		ModelID:     "anthropic.claude-3-sonnet-20240229-v1:0",
		Temperature: 0.3,
		MaxTokens:   256,
	})
	require.NoError(t, err)
	assert.Equal(t, "answer", content)
	assert.Equal(t, 30, usage.Total)
	assert.Equal(t, 1, rt.calls)
	assert.Equal(t, "application/json", *rt.lastIn.ContentType)
}

func TestInvokerGenerateUnknownModel(t *testing.T) {
	inv := newTestInvoker(&fakeRuntime{})

	_, _, err := inv.Generate(context.Background(), models.GenerationRequest{
		Prompt: "q", ModelID: "not-a-model", MaxTokens: 10,
	})
	require.Error(t, err)
	assert.Equal(t, models.KindClientError, models.KindOf(err))
}

func TestInvokerGenerateEstimatesMissingUsage(t *testing.T) {
	rt := &fakeRuntime{response: []byte(`{"content":[{"text":"four char chunks here"}]}`)}
	inv := newTestInvoker(rt)

	_, usage, err := inv.Generate(context.Background(), models.GenerationRequest{
		Prompt: "a prompt of some length", ModelID: "anthropic.claude-3-sonnet-20240229-v1:0", MaxTokens: 10,
	})
	require.NoError(t, err)
	assert.Positive(t, usage.Input)
	assert.Positive(t, usage.Output)
	assert.Equal(t, usage.Input+usage.Output, usage.Total)
}

func TestInvokerEmbed(t *testing.T) {
	rt := &fakeRuntime{response: []byte(`{"embedding":[0.1,0.2,0.3],"inputTextTokenCount":2}`)}
	inv := newTestInvoker(rt)

	vec, usage, err := inv.Embed(context.Background(), "amazon.titan-embed-text-v1", "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, 2, usage.Total)
}

func TestInvokerEmbedDimensionMismatch(t *testing.T) {
	rt := &fakeRuntime{response: []byte(`{"embedding":[0.1,0.2],"inputTextTokenCount":2}`)}
	inv := newTestInvoker(rt)

	_, _, err := inv.Embed(context.Background(), "amazon.titan-embed-text-v1", "text")
	require.Error(t, err)
	assert.Equal(t, models.KindProtocolError, models.KindOf(err))
}

func TestInvokerMalformedResponse(t *testing.T) {
	rt := &fakeRuntime{response: []byte(`not json at all`)}
	inv := newTestInvoker(rt)

	_, _, err := inv.Embed(context.Background(), "amazon.titan-embed-text-v1", "text")
	require.Error(t, err)
	assert.Equal(t, models.KindProtocolError, models.KindOf(err))
}

type fakeAPIError struct{ code string }

func (e *fakeAPIError) Error() string                 { return e.code }
func (e *fakeAPIError) ErrorCode() string             { return e.code }
func (e *fakeAPIError) ErrorMessage() string          { return e.code }
func (e *fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want models.ErrorKind
	}{
		{"nil", nil, models.KindNone},
		{"deadline", context.DeadlineExceeded, models.KindTimeout},
		{"cancelled", context.Canceled, models.KindCancelled},
		{"throttling", &fakeAPIError{"ThrottlingException"}, models.KindRateLimited},
		{"access denied", &fakeAPIError{"AccessDeniedException"}, models.KindAuth},
		{"validation", &fakeAPIError{"ValidationException"}, models.KindClientError},
		{"model timeout", &fakeAPIError{"ModelTimeoutException"}, models.KindTimeout},
		{"service unavailable", &fakeAPIError{"ServiceUnavailableException"}, models.KindTransient},
		{"network", errors.New("dial tcp: connection refused"), models.KindTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyError(tc.err))
		})
	}
}

func TestInvokerPropagatesClassifiedError(t *testing.T) {
	rt := &fakeRuntime{err: &fakeAPIError{"ThrottlingException"}}
	inv := newTestInvoker(rt)

	_, _, err := inv.Embed(context.Background(), "amazon.titan-embed-text-v1", "text")
	require.Error(t, err)
	assert.Equal(t, models.KindRateLimited, models.KindOf(err))
}
