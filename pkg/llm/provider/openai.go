package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"

	"github.com/sashabaranov/go-openai"
)

// OpenAIProvider streams chat completions from the OpenAI API or any
// compatible endpoint.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIProvider creates an OpenAI provider. An empty baseURL uses the
// public API.
func NewOpenAIProvider(apiKey, baseURL, defaultModel string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if defaultModel == "" {
		defaultModel = openai.GPT4oMini
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(cfg),
		defaultModel: defaultModel,
	}
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

// CreateStreaming opens a chat completion stream with usage reporting.
func (p *OpenAIProvider) CreateStreaming(ctx context.Context, req CompletionRequest) (Stream, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	creq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      toOpenAIMessages(req.Messages),
		Temperature:   float32(req.Temperature),
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	for _, t := range req.Tools {
		var params any = t.Parameters
		if len(t.Parameters) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		creq.Tools = append(creq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	return &openaiStream{stream: stream, calls: make(map[int]*ToolCall)}, nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, c := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   c.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      c.Name,
					Arguments: c.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func mapOpenAIError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe := NewProviderError("openai", codeForStatus(apiErr.HTTPStatusCode), apiErr.Message, err)
		pe.StatusCode = apiErr.HTTPStatusCode
		return pe
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		pe := NewProviderError("openai", codeForStatus(reqErr.HTTPStatusCode), reqErr.Error(), err)
		pe.StatusCode = reqErr.HTTPStatusCode
		return pe
	}
	return NewProviderError("openai", ErrorCodeStreamError, err.Error(), err)
}

// openaiStream adapts go-openai's stream. Tool call deltas are accumulated by
// index and surfaced as complete calls once the model finishes them.
type openaiStream struct {
	stream *openai.ChatCompletionStream
	calls  map[int]*ToolCall
	done   bool
}

func (s *openaiStream) Recv() (*StreamChunk, error) {
	if s.done {
		return nil, io.EOF
	}

	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			if calls := s.flushCalls(); len(calls) > 0 {
				return &StreamChunk{ToolCalls: calls, FinishReason: string(openai.FinishReasonToolCalls)}, nil
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, mapOpenAIError(err)
		}

		chunk := &StreamChunk{}
		if resp.Usage != nil {
			chunk.Usage = &Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}

		if len(resp.Choices) > 0 {
			choice := resp.Choices[0]
			for i, d := range choice.Delta.ToolCalls {
				idx := i
				if d.Index != nil {
					idx = *d.Index
				}
				call, ok := s.calls[idx]
				if !ok {
					call = &ToolCall{}
					s.calls[idx] = call
				}
				if d.ID != "" {
					call.ID = d.ID
				}
				if d.Function.Name != "" {
					call.Name = d.Function.Name
				}
				call.Arguments += d.Function.Arguments
			}
			if choice.Delta.Content != "" {
				chunk.Content = Text(choice.Delta.Content)
			}
			if choice.FinishReason != "" {
				chunk.FinishReason = string(choice.FinishReason)
			}
			if choice.FinishReason == openai.FinishReasonToolCalls {
				chunk.ToolCalls = s.flushCalls()
			}
			if choice.FinishReason == openai.FinishReasonContentFilter {
				return nil, NewProviderError("openai", ErrorCodeContentFiltered, "response blocked by content filter", nil)
			}
		}

		if chunk.Content != nil || chunk.Usage != nil || chunk.FinishReason != "" || len(chunk.ToolCalls) > 0 {
			return chunk, nil
		}
	}
}

func (s *openaiStream) flushCalls() []ToolCall {
	if len(s.calls) == 0 {
		return nil
	}
	idx := make([]int, 0, len(s.calls))
	for i := range s.calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	calls := make([]ToolCall, 0, len(idx))
	for _, i := range idx {
		calls = append(calls, *s.calls[i])
	}
	s.calls = make(map[int]*ToolCall)
	return calls
}

func (s *openaiStream) Close() error {
	return s.stream.Close()
}
