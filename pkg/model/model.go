package model

import "context"

// Message is a single chat turn sent to the language model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UsageInfo reports token accounting returned by the API.
type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a model completion.
type Response struct {
	Content      string
	FinishReason string
	Usage        *UsageInfo
}

// Provider generates completions and embeddings. Classify runs on the
// small model, Complete on the large one.
type Provider interface {
	Classify(ctx context.Context, messages []Message) (*Response, error)
	Complete(ctx context.Context, messages []Message) (*Response, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}
