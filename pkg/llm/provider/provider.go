// Package provider defines the streaming contract between the generation
// pipeline and a language model, with OpenAI and Gemini implementations and
// a scripted one for tests and offline development.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Provider streams completions from a model.
type Provider interface {
	// CreateStreaming starts a streaming completion. The stream ends with io.EOF.
	CreateStreaming(ctx context.Context, request CompletionRequest) (Stream, error)

	// Name returns the provider name (e.g., "openai")
	Name() string
}

// Message represents a chat message
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant", "tool"
	Content string `json:"content"`

	// ToolCalls are set on assistant messages that requested tools
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID is set on tool messages answering a call
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Tool represents a function the model may call
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// CompletionRequest represents a completion request
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`
}

// ToolCall is a complete function call requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Stream represents a streaming response
type Stream interface {
	// Recv returns the next chunk, or io.EOF once the model is done
	Recv() (*StreamChunk, error)

	// Close releases the underlying connection
	Close() error
}

// StreamChunk is one fragment of a streaming response. Content may be nil
// for chunks that only carry tool calls, usage or a finish reason.
type StreamChunk struct {
	Content      Content    `json:"-"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
}

// Text returns the chunk's normalized text.
func (c *StreamChunk) Text() string {
	if c == nil {
		return ""
	}
	return Normalize(c.Content)
}

// ProviderError represents a provider-specific error
type ProviderError struct {
	Provider      string `json:"provider"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	StatusCode    int    `json:"status_code,omitempty"`
	IsRetryable   bool   `json:"is_retryable"`
	OriginalError error  `json:"-"`
}

func (e *ProviderError) Error() string {
	return e.Provider + " error: " + e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.OriginalError
}

// Common error codes
const (
	ErrorCodeInvalidRequest  = "invalid_request"
	ErrorCodeAuthentication  = "authentication_error"
	ErrorCodeRateLimit       = "rate_limit_exceeded"
	ErrorCodeServerError     = "server_error"
	ErrorCodeTimeout         = "timeout"
	ErrorCodeModelNotFound   = "model_not_found"
	ErrorCodeContentFiltered = "content_filtered"
	ErrorCodeStreamError     = "stream_error"
	ErrorCodeUnknown         = "unknown_error"
)

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, original error) *ProviderError {
	return &ProviderError{
		Provider:      provider,
		Code:          code,
		Message:       message,
		OriginalError: original,
		IsRetryable:   isRetryableError(code),
	}
}

func isRetryableError(code string) bool {
	switch code {
	case ErrorCodeRateLimit, ErrorCodeServerError, ErrorCodeTimeout:
		return true
	default:
		return false
	}
}

// codeForStatus maps an HTTP status to an error code.
func codeForStatus(status int) string {
	switch {
	case status == 400:
		return ErrorCodeInvalidRequest
	case status == 401 || status == 403:
		return ErrorCodeAuthentication
	case status == 404:
		return ErrorCodeModelNotFound
	case status == 429:
		return ErrorCodeRateLimit
	case status >= 500:
		return ErrorCodeServerError
	default:
		return ErrorCodeUnknown
	}
}

// IsProviderError reports whether err wraps a ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// Config selects and configures a provider.
type Config struct {
	// Provider is "openai", "gemini" or "scripted"
	Provider     string `yaml:"provider"`
	APIKey       string `yaml:"api_key" env:"OPENAI_API_KEY"`
	BaseURL      string `yaml:"base_url,omitempty"`
	DefaultModel string `yaml:"default_model"`

	// Project and Location select Vertex AI for the gemini provider when no
	// API key is set.
	Project  string `yaml:"project,omitempty" env:"GOOGLE_CLOUD_PROJECT"`
	Location string `yaml:"location,omitempty" env:"GOOGLE_CLOUD_LOCATION"`
}

// New builds the provider named by cfg.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai api_key is required")
		}
		return NewOpenAIProvider(cfg.APIKey, cfg.BaseURL, cfg.DefaultModel), nil
	case "gemini":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return NewGeminiProvider(ctx, cfg)
	case "scripted", "echo":
		return NewScriptedProvider(cfg.Provider), nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %q", cfg.Provider)
	}
}
