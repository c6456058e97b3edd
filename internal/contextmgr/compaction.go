package contextmgr

import (
	"context"
	"fmt"

	"github.com/nexus3/nexus3/internal/coretypes"
)

// CompactionConfig controls when and how a ContextManager compacts its log
// (spec §4.3).
type CompactionConfig struct {
	Enabled             bool
	TriggerThreshold    float64 // default 0.9
	RecentPreserveRatio float64 // default 0.25
	AvailableBudget     int     // token budget for the model in use
	RedactSecrets       bool
}

func (c CompactionConfig) withDefaults() CompactionConfig {
	if c.TriggerThreshold == 0 {
		c.TriggerThreshold = 0.9
	}
	if c.RecentPreserveRatio == 0 {
		c.RecentPreserveRatio = 0.25
	}
	return c
}

// Completer is the subset of ProviderAdapter the compaction algorithm needs:
// a single non-streaming call used to produce the summary. It is satisfied
// by internal/provider's AsyncProvider, and by a dedicated compaction-model
// provider if config.compaction.model is set (spec §4.3 step 3).
type Completer interface {
	Complete(ctx context.Context, messages []coretypes.Message, tools []map[string]any) (coretypes.Message, error)
}

// CompactionResult is returned by Compact; see spec §3.
type CompactionResult struct {
	SummaryMessage      coretypes.Message
	PreservedMessages   []coretypes.Message
	OriginalTokenCount  int
	NewTokenCount       int
}

const summarizationPromptTemplate = `Summarize the conversation below so that a continuing assistant can pick up ` +
	`the task without re-reading it in full. Preserve concrete facts, file paths, decisions, and open TODOs. ` +
	`Be concise.

%s`

// ShouldCompact reports whether the trigger condition from spec §4.3 holds:
// total_tokens > available_budget * trigger_threshold.
func (c *ContextManager) ShouldCompact() bool {
	c.mu.Lock()
	budget := c.config.AvailableBudget
	enabled := c.config.Enabled
	threshold := c.config.TriggerThreshold
	c.mu.Unlock()
	if !enabled || budget <= 0 {
		return false
	}
	return float64(c.TotalTokens()) > float64(budget)*threshold
}

// Compact runs the summarize-and-replace algorithm (spec §4.3 steps 1–6).
// It must be invoked by the caller (Session) BEFORE BuildMessages in a given
// iteration, so the summarizer never runs against already-truncated input.
func (c *ContextManager) Compact(ctx context.Context, provider Completer, redact func(string) string) (CompactionResult, error) {
	c.mu.Lock()
	messages := make([]coretypes.Message, len(c.messages))
	copy(messages, c.messages)
	budget := c.config.AvailableBudget
	preserveRatio := c.config.RecentPreserveRatio
	shouldRedact := c.config.RedactSecrets
	c.mu.Unlock()

	originalTokens := 0
	for _, m := range messages {
		originalTokens += c.estimate(m)
	}

	// Walk backward from the most recent message, accumulating tokens until
	// the preserve budget is spent; everything before that point summarizes.
	// At least the single most recent message is always preserved.
	preserveBudget := float64(budget) * preserveRatio
	splitIdx := len(messages)
	runningRecent := 0.0
	for i := len(messages) - 1; i >= 0; i-- {
		cost := float64(c.estimate(messages[i]))
		if i < len(messages)-1 && runningRecent+cost > preserveBudget {
			break
		}
		runningRecent += cost
		splitIdx = i
	}
	if splitIdx >= len(messages) && len(messages) > 0 {
		splitIdx = len(messages) - 1
	}

	toSummarize := messages[:splitIdx]
	preserved := messages[splitIdx:]

	if len(toSummarize) == 0 {
		return CompactionResult{PreservedMessages: preserved, OriginalTokenCount: originalTokens, NewTokenCount: originalTokens}, nil
	}

	var body string
	for _, m := range toSummarize {
		line := fmt.Sprintf("[%s] %s\n", m.Role, m.Content)
		if shouldRedact && redact != nil {
			line = redact(line)
		}
		body += line
	}
	prompt := fmt.Sprintf(summarizationPromptTemplate, body)

	summaryReply, err := provider.Complete(ctx, []coretypes.Message{coretypes.NewUserMessage(prompt)}, nil)
	if err != nil {
		return CompactionResult{}, fmt.Errorf("compaction summarize call: %w", err)
	}

	summaryMsg := coretypes.NewUserMessage(summaryReply.Content)

	newLog := make([]coretypes.Message, 0, 1+len(preserved))
	newLog = append(newLog, summaryMsg)
	newLog = append(newLog, preserved...)

	newTokens := 0
	for _, m := range newLog {
		newTokens += c.estimate(m)
	}

	c.mu.Lock()
	c.messages = newLog
	c.mu.Unlock()

	return CompactionResult{
		SummaryMessage:     summaryMsg,
		PreservedMessages:  preserved,
		OriginalTokenCount: originalTokens,
		NewTokenCount:      newTokens,
	}, nil
}
