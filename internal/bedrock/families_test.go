package bedrock

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/llm-gateway/internal/config"
)

func TestGenerationCodecRegistry(t *testing.T) {
	for _, family := range []config.ModelFamily{
		config.FamilyClaudeChat, config.FamilyTitanText,
		config.FamilyLlama, config.FamilyMistral,
	} {
		_, err := generationCodecFor(family)
		assert.NoError(t, err, string(family))
	}

	_, err := generationCodecFor(config.FamilyTitanEmbed)
	assert.Error(t, err, "embedding families cannot generate")
}

func TestClaudeChatCodec(t *testing.T) {
	codec, err := generationCodecFor(config.FamilyClaudeChat)
	require.NoError(t, err)

	body, err := codec.encode("hello", 0.5, 100, "bedrock-2023-05-31")
	require.NoError(t, err)

	var req map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "bedrock-2023-05-31", req["anthropic_version"])
	assert.Equal(t, float64(100), req["max_tokens"])
	messages := req["messages"].([]interface{})
	require.Len(t, messages, 1)
	msg := messages[0].(map[string]interface{})
	assert.Equal(t, "user", msg["role"])
	assert.Equal(t, "hello", msg["content"])

	resp := []byte(`{"content":[{"type":"text","text":"hi there"}],"usage":{"input_tokens":4,"output_tokens":7}}`)
	content, usage, err := codec.decode(resp)
	require.NoError(t, err)
	assert.Equal(t, "hi there", content)
	assert.Equal(t, 4, usage.Input)
	assert.Equal(t, 7, usage.Output)
	assert.Equal(t, 11, usage.Total)

	_, _, err = codec.decode([]byte(`{"content":[]}`))
	assert.Error(t, err, "empty content is a protocol violation")
}

func TestTitanTextCodec(t *testing.T) {
	codec, err := generationCodecFor(config.FamilyTitanText)
	require.NoError(t, err)

	body, err := codec.encode("prompt", 0.2, 64, "")
	require.NoError(t, err)

	var req map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "prompt", req["inputText"])
	cfg := req["textGenerationConfig"].(map[string]interface{})
	assert.Equal(t, float64(64), cfg["maxTokenCount"])

	resp := []byte(`{"inputTextTokenCount":3,"results":[{"outputText":"done","tokenCount":5}]}`)
	content, usage, err := codec.decode(resp)
	require.NoError(t, err)
	assert.Equal(t, "done", content)
	assert.Equal(t, 8, usage.Total)
}

func TestLlamaCodec(t *testing.T) {
	codec, err := generationCodecFor(config.FamilyLlama)
	require.NoError(t, err)

	body, err := codec.encode("p", 0.9, 32, "")
	require.NoError(t, err)
	var req map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, float64(32), req["max_gen_len"])

	resp := []byte(`{"generation":"text","prompt_token_count":2,"generation_token_count":3}`)
	content, usage, err := codec.decode(resp)
	require.NoError(t, err)
	assert.Equal(t, "text", content)
	assert.Equal(t, 5, usage.Total)
}

func TestMistralCodec(t *testing.T) {
	codec, err := generationCodecFor(config.FamilyMistral)
	require.NoError(t, err)

	body, err := codec.encode("p", 0.9, 32, "")
	require.NoError(t, err)
	var req map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, float64(32), req["max_tokens"])

	content, usage, err := codec.decode([]byte(`{"outputs":[{"text":"ok","stop_reason":"stop"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "ok", content)
	assert.Zero(t, usage.Total, "mistral reports no usage; the invoker estimates")
}

func TestTitanEmbedCodec(t *testing.T) {
	codec, err := embeddingCodecFor(config.FamilyTitanEmbed)
	require.NoError(t, err)

	body, err := codec.encode("embed me")
	require.NoError(t, err)
	assert.JSONEq(t, `{"inputText":"embed me"}`, string(body))

	vec, usage, err := codec.decode([]byte(`{"embedding":[0.1,0.2],"inputTextTokenCount":2}`))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, vec)
	assert.Equal(t, 2, usage.Total)

	_, _, err = codec.decode([]byte(`{"embedding":[]}`))
	assert.Error(t, err)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 3, EstimateTokens("twelve chars"))
}
