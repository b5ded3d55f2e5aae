// Package bedrock encodes and decodes provider-specific request bodies for
// each supported model family and invokes them through the Bedrock runtime.
package bedrock

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/developer-mesh/llm-gateway/internal/config"
	"github.com/developer-mesh/llm-gateway/pkg/models"
)

// generationCodec encodes a generation request body and decodes the
// provider response for one model family. Field names are bit-exact to the
// provider contract.
type generationCodec struct {
	encode func(prompt string, temperature float64, maxTokens int, version string) ([]byte, error)
	decode func(body []byte) (string, models.TokenUsage, error)
}

// embeddingCodec is the embedding-family counterpart.
type embeddingCodec struct {
	encode func(text string) ([]byte, error)
	decode func(body []byte) ([]float32, models.TokenUsage, error)
}

var generationCodecs = map[config.ModelFamily]generationCodec{
	config.FamilyClaudeChat: {encode: encodeClaudeChat, decode: decodeClaudeChat},
	config.FamilyTitanText:  {encode: encodeTitanText, decode: decodeTitanText},
	config.FamilyLlama:      {encode: encodeLlama, decode: decodeLlama},
	config.FamilyMistral:    {encode: encodeMistral, decode: decodeMistral},
}

var embeddingCodecs = map[config.ModelFamily]embeddingCodec{
	config.FamilyTitanEmbed: {encode: encodeTitanEmbed, decode: decodeTitanEmbed},
}

func generationCodecFor(family config.ModelFamily) (generationCodec, error) {
	c, ok := generationCodecs[family]
	if !ok {
		return generationCodec{}, models.NewError(models.KindClientError,
			fmt.Sprintf("model family %q does not support generation", family))
	}
	return c, nil
}

func embeddingCodecFor(family config.ModelFamily) (embeddingCodec, error) {
	c, ok := embeddingCodecs[family]
	if !ok {
		return embeddingCodec{}, models.NewError(models.KindClientError,
			fmt.Sprintf("model family %q does not support embeddings", family))
	}
	return c, nil
}

// EstimateTokens approximates token counts at four characters per token when
// the provider does not report usage.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	n := len(s) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// Claude-style chat

func encodeClaudeChat(prompt string, temperature float64, maxTokens int, version string) ([]byte, error) {
	if version == "" {
		version = "bedrock-2023-05-31"
	}
	body := map[string]interface{}{
		"anthropic_version": version,
		"max_tokens":        maxTokens,
		"temperature":       temperature,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	return json.Marshal(body)
}

func decodeClaudeChat(body []byte) (string, models.TokenUsage, error) {
	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", models.TokenUsage{}, err
	}
	if len(resp.Content) == 0 {
		return "", models.TokenUsage{}, errors.New("empty content in response")
	}
	usage := models.TokenUsage{
		Input:  resp.Usage.InputTokens,
		Output: resp.Usage.OutputTokens,
	}
	usage.Total = usage.Input + usage.Output
	return resp.Content[0].Text, usage, nil
}

// Titan-style text

func encodeTitanText(prompt string, temperature float64, maxTokens int, _ string) ([]byte, error) {
	body := map[string]interface{}{
		"inputText": prompt,
		"textGenerationConfig": map[string]interface{}{
			"maxTokenCount": maxTokens,
			"temperature":   temperature,
		},
	}
	return json.Marshal(body)
}

func decodeTitanText(body []byte) (string, models.TokenUsage, error) {
	var resp struct {
		InputTextTokenCount int `json:"inputTextTokenCount"`
		Results             []struct {
			OutputText string `json:"outputText"`
			TokenCount int    `json:"tokenCount"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", models.TokenUsage{}, err
	}
	if len(resp.Results) == 0 {
		return "", models.TokenUsage{}, errors.New("empty results in response")
	}
	usage := models.TokenUsage{
		Input:  resp.InputTextTokenCount,
		Output: resp.Results[0].TokenCount,
	}
	usage.Total = usage.Input + usage.Output
	return resp.Results[0].OutputText, usage, nil
}

// Llama

func encodeLlama(prompt string, temperature float64, maxTokens int, _ string) ([]byte, error) {
	body := map[string]interface{}{
		"prompt":      prompt,
		"max_gen_len": maxTokens,
		"temperature": temperature,
	}
	return json.Marshal(body)
}

func decodeLlama(body []byte) (string, models.TokenUsage, error) {
	var resp struct {
		Generation           string `json:"generation"`
		PromptTokenCount     int    `json:"prompt_token_count"`
		GenerationTokenCount int    `json:"generation_token_count"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", models.TokenUsage{}, err
	}
	usage := models.TokenUsage{
		Input:  resp.PromptTokenCount,
		Output: resp.GenerationTokenCount,
	}
	usage.Total = usage.Input + usage.Output
	return resp.Generation, usage, nil
}

// Mistral / Mixtral

func encodeMistral(prompt string, temperature float64, maxTokens int, _ string) ([]byte, error) {
	body := map[string]interface{}{
		"prompt":      prompt,
		"max_tokens":  maxTokens,
		"temperature": temperature,
	}
	return json.Marshal(body)
}

func decodeMistral(body []byte) (string, models.TokenUsage, error) {
	var resp struct {
		Outputs []struct {
			Text string `json:"text"`
		} `json:"outputs"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", models.TokenUsage{}, err
	}
	if len(resp.Outputs) == 0 {
		return "", models.TokenUsage{}, errors.New("empty outputs in response")
	}
	return resp.Outputs[0].Text, models.TokenUsage{}, nil
}

// Titan-style embedding

func encodeTitanEmbed(text string) ([]byte, error) {
	return json.Marshal(map[string]interface{}{"inputText": text})
}

func decodeTitanEmbed(body []byte) ([]float32, models.TokenUsage, error) {
	var resp struct {
		Embedding           []float32 `json:"embedding"`
		InputTextTokenCount int       `json:"inputTextTokenCount"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, models.TokenUsage{}, err
	}
	if len(resp.Embedding) == 0 {
		return nil, models.TokenUsage{}, errors.New("no embedding in response")
	}
	usage := models.TokenUsage{Input: resp.InputTextTokenCount, Total: resp.InputTextTokenCount}
	return resp.Embedding, usage, nil
}
