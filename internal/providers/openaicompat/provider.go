// Package openaicompat adapts any OpenAI-compatible chat completion API
// to the agent provider interface.
package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/pkg/models"
)

// Defaults applied when the caller does not configure limits.
const (
	DefaultRequestTimeout   = 120 * time.Second
	DefaultMaxContextTokens = 128_000
	DefaultMaxOutputTokens  = 4096
)

// Config configures the adapter.
type Config struct {
	// APIKey authenticates against the endpoint.
	APIKey string

	// BaseURL points at an OpenAI-compatible endpoint. Empty uses the
	// OpenAI default.
	BaseURL string

	// Model is the default model for requests that don't specify one.
	Model string

	RequestTimeout   time.Duration
	MaxContextTokens int
	MaxOutputTokens  int
}

// Provider implements agent.Provider over an OpenAI-compatible API.
// Safe for concurrent use; each Generate call owns its own stream.
type Provider struct {
	client *openai.Client
	config Config
}

// New creates a provider from the given configuration.
func New(config Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openaicompat: API key is required")
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.MaxContextTokens <= 0 {
		config.MaxContextTokens = DefaultMaxContextTokens
	}
	if config.MaxOutputTokens <= 0 {
		config.MaxOutputTokens = DefaultMaxOutputTokens
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	return &Provider{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
	}, nil
}

// Name returns the provider identifier for logging and status messages.
func (p *Provider) Name() string { return "openaicompat" }

// RequestTimeout returns the per-call wall-clock cap.
func (p *Provider) RequestTimeout() time.Duration { return p.config.RequestTimeout }

// MaxContextTokens returns the model's context window size.
func (p *Provider) MaxContextTokens() int { return p.config.MaxContextTokens }

// MaxOutputTokens returns the model's output token cap.
func (p *Provider) MaxOutputTokens() int { return p.config.MaxOutputTokens }

// Generate sends the conversation and returns either a full response or
// a chunk stream, depending on req.Stream.
func (p *Provider) Generate(ctx context.Context, req *agent.Request) (*agent.Generation, error) {
	chatReq := p.buildRequest(req)

	if !req.Stream {
		resp, err := p.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return nil, classifyAPIError(err)
		}
		return &agent.Generation{Response: convertResponse(&resp)}, nil
	}

	chatReq.Stream = true
	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, classifyAPIError(err)
	}

	chunks := make(chan agent.Chunk, 16)
	go p.pumpStream(ctx, stream, chunks)
	return &agent.Generation{Stream: chunks}, nil
}

func (p *Provider) buildRequest(req *agent.Request) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m))
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
		if req.ToolChoice != "" {
			chatReq.ToolChoice = req.ToolChoice
		}
	}
	return chatReq
}

func convertMessage(m *models.Message) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{
		Role:    string(m.Role),
		Content: m.TextContent(),
	}
	if m.Role == models.RoleTool {
		msg.Role = openai.ChatMessageRoleTool
		msg.ToolCallID = m.ToolCallID
	}
	if len(m.ToolCalls) > 0 {
		msg.ToolCalls = make([]openai.ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			msg.ToolCalls[i] = openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			}
		}
	}
	return msg
}

func convertTools(tools []agent.ToolSchema) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.Parameters),
			},
		}
	}
	return out
}

func convertResponse(resp *openai.ChatCompletionResponse) *agent.Response {
	out := &agent.Response{
		ID:    resp.ID,
		Model: resp.Model,
	}
	out.Usage = &models.Usage{
		Prompt:     resp.Usage.PromptTokens,
		Completion: resp.Usage.CompletionTokens,
		Total:      resp.Usage.TotalTokens,
	}
	for _, c := range resp.Choices {
		choice := agent.Choice{
			Index: c.Index,
			Message: agent.ResponseMessage{
				Role:             c.Message.Role,
				Content:          c.Message.Content,
				ReasoningContent: c.Message.ReasoningContent,
			},
			FinishReason: models.FinishReason(c.FinishReason),
		}
		for _, tc := range c.Message.ToolCalls {
			choice.Message.ToolCalls = append(choice.Message.ToolCalls, models.ToolCall{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: json.RawMessage(tc.Function.Arguments),
			})
		}
		out.Choices = append(out.Choices, choice)
	}
	return out
}

// pumpStream translates the SDK stream into agent chunks. The channel is
// closed when the stream ends; errors surface as in-band error chunks.
func (p *Provider) pumpStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- agent.Chunk) {
	defer close(chunks)
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			chunks <- agent.Chunk{Error: toChunkError(err)}
			return
		}

		chunk := agent.Chunk{ID: resp.ID}
		if resp.Usage != nil {
			chunk.Usage = &models.Usage{
				Prompt:     resp.Usage.PromptTokens,
				Completion: resp.Usage.CompletionTokens,
				Total:      resp.Usage.TotalTokens,
			}
		}
		for _, c := range resp.Choices {
			cc := agent.ChunkChoice{
				Index: c.Index,
				Delta: agent.ChunkDelta{
					Role:             c.Delta.Role,
					Content:          c.Delta.Content,
					ReasoningContent: c.Delta.ReasoningContent,
				},
				FinishReason: models.FinishReason(c.FinishReason),
			}
			for _, tc := range c.Delta.ToolCalls {
				index := 0
				if tc.Index != nil {
					index = *tc.Index
				}
				cc.Delta.ToolCalls = append(cc.Delta.ToolCalls, agent.ToolCallDelta{
					Index: index,
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Args:  tc.Function.Arguments,
				})
			}
			chunk.Choices = append(chunk.Choices, cc)
		}

		select {
		case chunks <- chunk:
		case <-ctx.Done():
			return
		}
	}
}

// classifyAPIError maps SDK errors onto the runtime's retry taxonomy.
func classifyAPIError(err error) error {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	code := fmt.Sprintf("%v", apiErr.Code)
	if code == "" || code == "<nil>" {
		code = apiErr.Type
	}
	switch apiErr.HTTPStatusCode {
	case http.StatusTooManyRequests:
		return agent.NewRetryableError("RATE_LIMITED", apiErr.Message)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return agent.NewRetryableError("SERVER_ERROR", apiErr.Message)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return agent.NewRetryableError("TIMEOUT", apiErr.Message)
	default:
		return agent.NewFatalError(code, apiErr.Message)
	}
}

func toChunkError(err error) *agent.ChunkError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &agent.ChunkError{
			Code:    fmt.Sprintf("%v", apiErr.Code),
			Type:    apiErr.Type,
			Message: apiErr.Message,
		}
	}
	return &agent.ChunkError{Code: "STREAM_ERROR", Message: err.Error()}
}
