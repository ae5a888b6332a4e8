package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dotsetgreg/turnpike/pkg/config"
)

const (
	defaultOpenRouterAPIBase = "https://openrouter.ai/api/v1"
)

// OpenRouterProvider talks to the OpenRouter chat completions and
// embeddings endpoints.
type OpenRouterProvider struct {
	apiKey         string
	apiBase        string
	smallModel     string
	largeModel     string
	embeddingModel string
	maxTokens      int
	temperature    float64
	httpClient     *http.Client
}

func NewOpenRouterProvider(cfg config.ProviderConfig) (*OpenRouterProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("OpenRouter API key is required (set providers.openrouter.api_key or TURNPIKE_PROVIDERS_OPENROUTER_API_KEY)")
	}

	apiBase := strings.TrimSpace(cfg.APIBase)
	if apiBase == "" {
		apiBase = defaultOpenRouterAPIBase
	}

	client := &http.Client{Timeout: 120 * time.Second}
	if proxy := strings.TrimSpace(cfg.Proxy); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err == nil {
			client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}

	return &OpenRouterProvider{
		apiKey:         apiKey,
		apiBase:        strings.TrimRight(apiBase, "/"),
		smallModel:     cfg.SmallModel,
		largeModel:     cfg.LargeModel,
		embeddingModel: cfg.EmbeddingModel,
		maxTokens:      cfg.MaxTokens,
		temperature:    cfg.Temperature,
		httpClient:     client,
	}, nil
}

func (p *OpenRouterProvider) Classify(ctx context.Context, messages []Message) (*Response, error) {
	return p.chat(ctx, p.smallModel, messages)
}

func (p *OpenRouterProvider) Complete(ctx context.Context, messages []Message) (*Response, error) {
	return p.chat(ctx, p.largeModel, messages)
}

func (p *OpenRouterProvider) chat(ctx context.Context, model string, messages []Message) (*Response, error) {
	if p.apiBase == "" {
		return nil, fmt.Errorf("OpenRouter API base not configured")
	}

	requestBody := map[string]interface{}{
		"model":    model,
		"messages": messages,
	}
	if p.maxTokens > 0 {
		requestBody["max_tokens"] = p.maxTokens
	}
	if p.temperature > 0 {
		requestBody["temperature"] = p.temperature
	}

	body, err := p.post(ctx, "/chat/completions", requestBody)
	if err != nil {
		return nil, err
	}

	return parseChatResponse(body)
}

func (p *OpenRouterProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	requestBody := map[string]interface{}{
		"model": p.embeddingModel,
		"input": text,
	}

	body, err := p.post(ctx, "/embeddings", requestBody)
	if err != nil {
		return nil, err
	}

	var apiResponse struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedding response: %w", err)
	}
	if len(apiResponse.Data) == 0 {
		return nil, fmt.Errorf("embedding response contained no vectors")
	}

	return apiResponse.Data[0].Embedding, nil
}

func (p *OpenRouterProvider) post(ctx context.Context, path string, requestBody map[string]interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OpenRouter API request failed:\n  Status: %d\n  Body:   %s", resp.StatusCode, string(body))
	}

	return body, nil
}

func parseChatResponse(body []byte) (*Response, error) {
	var apiResponse struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *UsageInfo `json:"usage"`
	}

	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if len(apiResponse.Choices) == 0 {
		return &Response{Content: "", FinishReason: "stop"}, nil
	}

	choice := apiResponse.Choices[0]
	return &Response{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        apiResponse.Usage,
	}, nil
}
