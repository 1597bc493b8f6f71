package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/strand/pkg/models"
)

const compactionPrompt = "Summarize the conversation so far into a compact brief. " +
	"Preserve decisions, open tasks, file paths, and any constraints the " +
	"assistant must keep honoring. Do not add commentary."

// maybeCompact replaces older history with a provider-generated summary
// once cumulative tokens exceed the configured ratio of the context
// window. The most recent keepLast messages survive verbatim.
func (e *Engine) maybeCompact(ctx context.Context, session *models.Session, emitter *Emitter) error {
	maxContext := e.provider.MaxContextTokens()
	if maxContext <= 0 {
		return nil
	}
	threshold := int(e.config.Compaction.TriggerRatio * float64(maxContext))
	if emitter.Usage().Total < threshold {
		return nil
	}

	all, err := e.memory.GetCurrentContext(ctx, session.ID)
	if err != nil {
		return err
	}
	live := make([]*models.Message, 0, len(all))
	for _, m := range all {
		if !m.ExcludedFromContext {
			live = append(live, m)
		}
	}
	keepLast := e.config.Compaction.KeepLast
	if len(live) <= keepLast {
		return nil
	}
	old := live[:len(live)-keepLast]

	summary, err := e.summarize(ctx, session, old)
	if err != nil {
		return err
	}

	for _, m := range old {
		if err := e.memory.MarkMessageExcluded(ctx, session.ID, m.ID, models.ExcludedCompacted); err != nil {
			return fmt.Errorf("exclude message %s: %w", m.ID, err)
		}
	}

	summaryMsg := &models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   "Summary of the earlier conversation:\n" + summary,
		CreatedAt: time.Now(),
	}
	if err := e.memory.AddMessageToContext(ctx, session.ID, summaryMsg); err != nil {
		return fmt.Errorf("persist summary: %w", err)
	}

	e.logger.Info("compacted session history",
		"session_id", session.ID, "compacted", len(old), "kept", keepLast)
	return nil
}

// summarize asks the provider for a summary of the given messages with a
// dedicated non-streaming call.
func (e *Engine) summarize(ctx context.Context, session *models.Session, messages []*models.Message) (string, error) {
	var transcript strings.Builder
	for _, m := range messages {
		transcript.WriteString(string(m.Role))
		transcript.WriteString(": ")
		transcript.WriteString(m.TextContent())
		transcript.WriteString("\n")
	}

	req := &Request{
		System: compactionPrompt,
		Messages: []*models.Message{{
			ID:      uuid.NewString(),
			Role:    models.RoleUser,
			Content: transcript.String(),
		}},
		MaxTokens: e.config.Compaction.MaxTokens,
	}

	gen, err := e.provider.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	if gen == nil || gen.Response == nil || len(gen.Response.Choices) == 0 {
		return "", errMissingChoices
	}
	return gen.Response.Choices[0].Message.Content, nil
}
