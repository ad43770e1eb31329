package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, events []string, capture *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		if capture != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(capture))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", e)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func collect(t *testing.T, s Stream) []*StreamChunk {
	t.Helper()
	var out []*StreamChunk
	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, c)
	}
}

func TestOpenAIStreamingText(t *testing.T) {
	var body map[string]any
	srv := sseServer(t, []string{
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
	}, &body)

	p := NewOpenAIProvider("test-key", srv.URL, "gpt-test")
	stream, err := p.CreateStreaming(context.Background(), CompletionRequest{
		Messages:    []Message{{Role: "system", Content: "be brief"}, {Role: "user", Content: "hi"}},
		Temperature: 0.2,
		MaxTokens:   64,
	})
	require.NoError(t, err)
	defer stream.Close()

	chunks := collect(t, stream)
	var text strings.Builder
	var usage *Usage
	for _, c := range chunks {
		text.WriteString(c.Text())
		if c.Usage != nil {
			usage = c.Usage
		}
	}
	assert.Equal(t, "Hello", text.String())
	require.NotNil(t, usage)
	assert.Equal(t, 5, usage.TotalTokens)

	assert.Equal(t, "gpt-test", body["model"])
	assert.Equal(t, true, body["stream"])
	assert.Len(t, body["messages"], 2)
}

func TestOpenAIStreamingToolCalls(t *testing.T) {
	srv := sseServer(t, []string{
		`{"id":"1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}`,
		`{"id":"1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`,
		`{"id":"1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	}, nil)

	p := NewOpenAIProvider("test-key", srv.URL, "")
	stream, err := p.CreateStreaming(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "search"}},
		Tools:    []Tool{{Name: "lookup", Description: "search docs"}},
	})
	require.NoError(t, err)

	chunks := collect(t, stream)
	var calls []ToolCall
	for _, c := range chunks {
		calls = append(calls, c.ToolCalls...)
	}
	require.Len(t, calls, 1)
	assert.Equal(t, ToolCall{ID: "call_1", Name: "lookup", Arguments: `{"q":"go"}`}, calls[0])
}

func TestOpenAIErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	}))
	defer srv.Close()

	_, err := NewOpenAIProvider("k", srv.URL, "").CreateStreaming(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrorCodeRateLimit, pe.Code)
	assert.True(t, pe.IsRetryable)
	assert.Equal(t, http.StatusTooManyRequests, pe.StatusCode)
}

func TestNew(t *testing.T) {
	p, err := New(Config{Provider: "openai", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())

	_, err = New(Config{Provider: "openai"})
	assert.Error(t, err)

	p, err = New(Config{Provider: "echo"})
	require.NoError(t, err)
	assert.Equal(t, "echo", p.Name())

	_, err = New(Config{Provider: "bedrock"})
	assert.Error(t, err)
}
