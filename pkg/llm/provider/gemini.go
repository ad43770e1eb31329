package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiProvider streams completions from Gemini through the Gen AI SDK.
// It talks to the Gemini API when an API key is set and to Vertex AI when a
// project is configured instead.
type GeminiProvider struct {
	client       *genai.Client
	defaultModel string
}

// NewGeminiProvider creates a Gemini provider from cfg. BaseURL overrides the
// service endpoint.
func NewGeminiProvider(ctx context.Context, cfg Config) (*GeminiProvider, error) {
	cc := &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	}
	switch {
	case cfg.APIKey != "":
		cc.APIKey = cfg.APIKey
		cc.Backend = genai.BackendGeminiAPI
	case cfg.Project != "":
		cc.Project = cfg.Project
		cc.Location = cfg.Location
		if cc.Location == "" {
			cc.Location = "us-central1"
		}
		cc.Backend = genai.BackendVertexAI
	default:
		return nil, fmt.Errorf("gemini requires api_key or project")
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	model := cfg.DefaultModel
	if model == "" || strings.HasPrefix(model, "gpt-") {
		model = defaultGeminiModel
	}
	return &GeminiProvider{client: client, defaultModel: model}, nil
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

// CreateStreaming starts a streamed generation. The first response is read
// before returning so that request errors surface here rather than on the
// first Recv.
func (p *GeminiProvider) CreateStreaming(ctx context.Context, req CompletionRequest) (Stream, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 && req.MaxTokens <= math.MaxInt32 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	contents, system := buildGeminiContents(req.Messages)
	if system != nil {
		config.SystemInstruction = system
	}
	if len(req.Tools) > 0 {
		config.Tools = buildGeminiTools(req.Tools)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	next, stop := iter.Pull2(p.client.Models.GenerateContentStream(streamCtx, model, contents, config))

	first, err, ok := next()
	if err != nil {
		stop()
		cancel()
		return nil, wrapGeminiError(err)
	}
	s := &geminiStream{next: next, stop: stop, cancel: cancel}
	if ok {
		s.pending = first
	} else {
		s.done = true
	}
	return s, nil
}

// buildGeminiContents converts the conversation. System messages become the
// system instruction, assistant turns take the "model" role and tool results
// are sent as function responses named after the call they answer.
func buildGeminiContents(messages []Message) ([]*genai.Content, *genai.Content) {
	var system *genai.Content
	callNames := make(map[string]string)
	contents := make([]*genai.Content, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case "system":
			if system == nil {
				system = &genai.Content{}
			}
			system.Parts = append(system.Parts, &genai.Part{Text: m.Content})

		case "assistant":
			c := &genai.Content{Role: "model"}
			if m.Content != "" {
				c.Parts = append(c.Parts, &genai.Part{Text: m.Content})
			}
			for _, call := range m.ToolCalls {
				callNames[call.ID] = call.Name
				var args map[string]any
				if call.Arguments != "" {
					_ = json.Unmarshal([]byte(call.Arguments), &args)
				}
				c.Parts = append(c.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   call.ID,
					Name: call.Name,
					Args: args,
				}})
			}
			contents = append(contents, c)

		case "tool":
			name := callNames[m.ToolCallID]
			if name == "" {
				name = m.ToolCallID
			}
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
					ID:       m.ToolCallID,
					Name:     name,
					Response: map[string]any{"output": m.Content},
				}}},
			})

		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		}
	}
	return contents, system
}

func buildGeminiTools(tools []Tool) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		var params *genai.Schema
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &params)
		}
		decls[i] = &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func wrapGeminiError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return geminiAPIError(apiErr, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return geminiAPIError(*apiErrPtr, err)
	}
	return NewProviderError("gemini", ErrorCodeStreamError, err.Error(), err)
}

func geminiAPIError(apiErr genai.APIError, err error) *ProviderError {
	msg := apiErr.Message
	if msg == "" {
		msg = err.Error()
	}
	pe := NewProviderError("gemini", codeForStatus(apiErr.Code), msg, err)
	pe.StatusCode = apiErr.Code
	return pe
}

// geminiStream pulls responses from the SDK's iterator. Gemini sends function
// calls whole, so they are surfaced as soon as they arrive. Usage metadata is
// cumulative and only reported with the finishing chunk.
type geminiStream struct {
	next    func() (*genai.GenerateContentResponse, error, bool)
	stop    func()
	cancel  context.CancelFunc
	pending *genai.GenerateContentResponse
	done    bool
	calls   int
	usage   *Usage
}

func (s *geminiStream) Recv() (*StreamChunk, error) {
	for {
		if s.done {
			return nil, io.EOF
		}

		resp := s.pending
		s.pending = nil
		if resp == nil {
			var err error
			var ok bool
			resp, err, ok = s.next()
			if err != nil {
				s.done = true
				return nil, wrapGeminiError(err)
			}
			if !ok {
				s.done = true
				return nil, io.EOF
			}
		}

		chunk, err := s.convert(resp)
		if err != nil {
			s.done = true
			return nil, err
		}
		if chunk != nil {
			return chunk, nil
		}
	}
}

func (s *geminiStream) convert(resp *genai.GenerateContentResponse) (*StreamChunk, error) {
	if resp == nil {
		return nil, nil
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, NewProviderError("gemini", ErrorCodeContentFiltered,
			"prompt blocked: "+string(resp.PromptFeedback.BlockReason), nil)
	}

	chunk := &StreamChunk{}
	if u := resp.UsageMetadata; u != nil && u.TotalTokenCount > 0 {
		s.usage = &Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}

	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		var text strings.Builder
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if part.Text != "" && !part.Thought {
					text.WriteString(part.Text)
				}
				if fc := part.FunctionCall; fc != nil {
					s.calls++
					id := fc.ID
					if id == "" {
						id = fmt.Sprintf("call_%s_%d", fc.Name, s.calls)
					}
					args, err := json.Marshal(fc.Args)
					if err != nil || fc.Args == nil {
						args = []byte("{}")
					}
					chunk.ToolCalls = append(chunk.ToolCalls, ToolCall{ID: id, Name: fc.Name, Arguments: string(args)})
				}
			}
		}
		if text.Len() > 0 {
			chunk.Content = Text(text.String())
		}

		switch cand.FinishReason {
		case "":
		case genai.FinishReasonStop, genai.FinishReasonMaxTokens:
			chunk.FinishReason = strings.ToLower(string(cand.FinishReason))
		case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonBlocklist,
			genai.FinishReasonProhibitedContent, genai.FinishReasonSPII:
			return nil, NewProviderError("gemini", ErrorCodeContentFiltered,
				"response blocked: "+string(cand.FinishReason), nil)
		default:
			chunk.FinishReason = strings.ToLower(string(cand.FinishReason))
		}
		if len(chunk.ToolCalls) > 0 {
			chunk.FinishReason = "tool_calls"
		}
	}
	if chunk.FinishReason != "" {
		chunk.Usage = s.usage
	}

	if chunk.Content == nil && chunk.Usage == nil && chunk.FinishReason == "" && len(chunk.ToolCalls) == 0 {
		return nil, nil
	}
	return chunk, nil
}

func (s *geminiStream) Close() error {
	s.done = true
	s.cancel()
	s.stop()
	return nil
}
