package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/strand/pkg/models"
)

// Stream collection failure modes. Buffer overflow is fatal; the others
// feed the retry classifier.
var (
	errMissingChoices = errors.New("provider response missing choices")
	errBufferOverflow = errors.New("stream exceeded max buffer size")
)

// collectedResponse is one provider response normalized from either a
// full response or a collected chunk stream.
type collectedResponse struct {
	msgID        string
	content      string
	reasoning    string
	toolCalls    []models.ToolCall
	finishReason models.FinishReason

	// streamed marks responses whose text was already emitted as deltas.
	streamed bool
}

// empty reports whether the response carries nothing actionable. In
// thinking mode, reasoning-only responses count as content.
func (r *collectedResponse) empty(thinking bool) bool {
	if len(r.toolCalls) > 0 {
		return false
	}
	if r.content != "" {
		return false
	}
	if thinking && r.reasoning != "" {
		return false
	}
	return true
}

// callProvider performs one provider call against the filtered session
// history and normalizes the result.
func (e *Engine) callProvider(ctx context.Context, session *models.Session, emitter *Emitter) (*collectedResponse, error) {
	messages, err := e.contextMessages(ctx, session, emitter)
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}

	req := &Request{
		Model:    e.config.Model,
		System:   session.SystemPrompt,
		Messages: messages,
		Stream:   e.config.Stream,
	}
	if e.registry != nil {
		req.Tools = e.registry.ToLLMTools()
	}

	callCtx := ctx
	if timeout := e.effectiveTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	gen, err := e.provider.Generate(callCtx, req)
	if err != nil {
		return nil, err
	}
	if gen == nil || (gen.Response == nil && gen.Stream == nil) {
		return nil, errMissingChoices
	}

	if gen.Stream != nil {
		return e.collectStream(callCtx, gen.Stream, emitter)
	}
	return e.collectResponse(callCtx, gen.Response, emitter)
}

// effectiveTimeout combines the configured and provider timeouts; the
// stricter wins.
func (e *Engine) effectiveTimeout() time.Duration {
	timeout := e.config.RequestTimeout
	if pt := e.provider.RequestTimeout(); pt > 0 && (timeout == 0 || pt < timeout) {
		timeout = pt
	}
	return timeout
}

// contextMessages returns the session history with excluded messages
// filtered out, compacting first when the token budget is exceeded.
func (e *Engine) contextMessages(ctx context.Context, session *models.Session, emitter *Emitter) ([]*models.Message, error) {
	if e.config.EnableCompaction {
		if err := e.maybeCompact(ctx, session, emitter); err != nil {
			e.logger.Warn("compaction failed, continuing with full history", "error", err)
		}
	}

	all, err := e.memory.GetCurrentContext(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	filtered := make([]*models.Message, 0, len(all))
	for _, m := range all {
		if m.ExcludedFromContext {
			continue
		}
		filtered = append(filtered, m)
	}
	return filtered, nil
}

// collectResponse normalizes a full, non-streamed response.
func (e *Engine) collectResponse(ctx context.Context, resp *Response, emitter *Emitter) (*collectedResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, errMissingChoices
	}
	choice := resp.Choices[0]

	if resp.Usage != nil {
		emitter.EmitUsageUpdate(ctx, *resp.Usage, "")
	}

	return &collectedResponse{
		msgID:        uuid.NewString(),
		content:      choice.Message.Content,
		reasoning:    choice.Message.ReasoningContent,
		toolCalls:    choice.Message.ToolCalls,
		finishReason: choice.FinishReason,
	}, nil
}

// toolCallBuilder accumulates streamed tool-call fragments sharing an
// index. The first fragment carries id and name, later ones append args.
type toolCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

// collectStream drains a chunk stream into one response, emitting text
// and reasoning deltas as they arrive. Enforces the idle timeout and the
// accumulated byte cap.
func (e *Engine) collectStream(ctx context.Context, stream <-chan Chunk, emitter *Emitter) (*collectedResponse, error) {
	resp := &collectedResponse{
		msgID:    uuid.NewString(),
		streamed: true,
	}

	var (
		content          strings.Builder
		reasoning        strings.Builder
		textStarted      bool
		reasoningStarted bool
		totalBytes       int
		builders         = make(map[int]*toolCallBuilder)
	)

	var idle *time.Timer
	var idleC <-chan time.Time
	if e.config.IdleTimeout > 0 {
		idle = time.NewTimer(e.config.IdleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-idleC:
			return nil, NewRetryableError("TIMEOUT",
				fmt.Sprintf("no stream activity within %v", e.config.IdleTimeout))

		case chunk, ok := <-stream:
			if !ok {
				if reasoningStarted {
					emitter.EmitReasoningComplete(ctx, reasoning.String(), resp.msgID)
				}
				resp.content = content.String()
				resp.reasoning = reasoning.String()
				resp.toolCalls = finishToolCalls(builders)
				return resp, nil
			}
			if idle != nil {
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(e.config.IdleTimeout)
			}

			if chunk.Error != nil {
				return nil, chunkErrorToProviderError(chunk.Error)
			}
			if chunk.Usage != nil {
				emitter.EmitUsageUpdate(ctx, *chunk.Usage, resp.msgID)
			}

			for _, choice := range chunk.Choices {
				if choice.Index != 0 {
					continue
				}
				delta := choice.Delta

				if delta.ReasoningContent != "" {
					if !reasoningStarted {
						reasoningStarted = true
						emitter.EmitReasoningStart(ctx, resp.msgID)
					}
					reasoning.WriteString(delta.ReasoningContent)
					emitter.EmitReasoningDelta(ctx, delta.ReasoningContent, resp.msgID)
					totalBytes += len(delta.ReasoningContent)
				}

				if delta.Content != "" {
					if !textStarted {
						textStarted = true
						emitter.EmitTextStart(ctx, resp.msgID)
					}
					content.WriteString(delta.Content)
					emitter.EmitTextDelta(ctx, delta.Content, resp.msgID)
					totalBytes += len(delta.Content)
				}

				for _, tc := range delta.ToolCalls {
					b := builders[tc.Index]
					if b == nil {
						b = &toolCallBuilder{}
						builders[tc.Index] = b
					}
					if tc.ID != "" {
						b.id = tc.ID
					}
					if tc.Name != "" {
						b.name = tc.Name
					}
					b.args.WriteString(tc.Args)
					totalBytes += len(tc.Args)
				}

				if choice.FinishReason != "" {
					resp.finishReason = choice.FinishReason
				}
			}

			if e.config.MaxBufferSize > 0 && totalBytes > e.config.MaxBufferSize {
				return nil, fmt.Errorf("%w (%d bytes)", errBufferOverflow, totalBytes)
			}
		}
	}
}

// finishToolCalls assembles accumulated fragments into ordered calls.
func finishToolCalls(builders map[int]*toolCallBuilder) []models.ToolCall {
	if len(builders) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(builders))
	for i := range builders {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	calls := make([]models.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		b := builders[i]
		args := b.args.String()
		if args == "" {
			args = "{}"
		}
		calls = append(calls, models.ToolCall{
			ID:   b.id,
			Name: b.name,
			Args: json.RawMessage(args),
		})
	}
	return calls
}
