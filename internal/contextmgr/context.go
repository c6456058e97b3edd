// Package contextmgr implements the ContextManager described in spec §4.3:
// the ordered message log, tool-definition snapshot, token accounting, and
// compaction trigger.
package contextmgr

import (
	"sync"

	"github.com/nexus3/nexus3/internal/coretypes"
)

// ToolDefinition is the OpenAI-function-format tool spec snapshot the
// context hands to the provider adapter each turn.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// LoadedContext is returned by a SystemPromptLoader: the system prompt plus
// whatever merged config / MCP server list it resolved along the way.
type LoadedContext struct {
	SystemPrompt string
	MergedConfig map[string]any
	MCPServers   []string
}

// SystemPromptLoader is the injected "context loader" collaborator (spec
// §6): re-invoked on every BuildMessages call because dynamic inserts
// (current date/time, git context, clipboard index) may change between
// calls, and again after compaction to refresh stale content.
type SystemPromptLoader interface {
	Load(isREPL bool) (LoadedContext, error)
}

// StaticSystemPrompt is a trivial SystemPromptLoader for callers that don't
// need dynamic prompt assembly (e.g. tests, or hosts with a fixed prompt).
type StaticSystemPrompt string

func (s StaticSystemPrompt) Load(bool) (LoadedContext, error) {
	return LoadedContext{SystemPrompt: string(s)}, nil
}

// TokenEstimator estimates the token cost of a message. The default,
// CharEstimator, follows the teacher's ~4-chars-per-token heuristic; a host
// may plug in a real tokenizer via the same signature.
type TokenEstimator func(m coretypes.Message) int

// CharEstimator approximates token count at four characters per token,
// ceiling-divided, matching internal/compaction's CharsPerToken constant in
// spirit.
func CharEstimator(m coretypes.Message) int {
	chars := len(m.Content)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.ID)
		for k, v := range tc.Arguments {
			chars += len(k) + estimateValueChars(v)
		}
	}
	const charsPerToken = 4
	return (chars + charsPerToken - 1) / charsPerToken
}

func estimateValueChars(v any) int {
	switch t := v.(type) {
	case string:
		return len(t)
	default:
		return 8 // rough constant for numbers/bools/nested structures
	}
}

// ContextManager owns one agent's append-only message log.
type ContextManager struct {
	mu       sync.Mutex
	messages []coretypes.Message
	toolDefs []ToolDefinition

	loader   SystemPromptLoader
	isREPL   bool
	estimate TokenEstimator

	config CompactionConfig
}

// New constructs a ContextManager. loader may be nil (empty system prompt).
func New(loader SystemPromptLoader, isREPL bool, cfg CompactionConfig) *ContextManager {
	if loader == nil {
		loader = StaticSystemPrompt("")
	}
	return &ContextManager{
		loader:   loader,
		isREPL:   isREPL,
		estimate: CharEstimator,
		config:   cfg.withDefaults(),
	}
}

// SetTokenEstimator overrides the default heuristic estimator.
func (c *ContextManager) SetTokenEstimator(e TokenEstimator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.estimate = e
}

// Append adds msg to the end of the log. Messages are never edited once
// appended; compaction replaces a prefix wholesale (see compaction.go).
func (c *ContextManager) Append(msg coretypes.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

// Messages returns a snapshot copy of the current log (system prompt not
// included — see BuildMessages).
func (c *ContextManager) Messages() []coretypes.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]coretypes.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// SetToolDefinitions replaces the tool-definition snapshot visible to the
// model.
func (c *ContextManager) SetToolDefinitions(defs []ToolDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolDefs = defs
}

// GetToolDefinitions returns the current tool-definition snapshot.
func (c *ContextManager) GetToolDefinitions() []ToolDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ToolDefinition, len(c.toolDefs))
	copy(out, c.toolDefs)
	return out
}

// BuildMessages returns the full message list with the current system
// prompt prepended. The prompt is reconstructed on every call because
// dynamic inserts may have changed (spec §4.3).
func (c *ContextManager) BuildMessages() ([]coretypes.Message, error) {
	loaded, err := c.loader.Load(c.isREPL)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]coretypes.Message, 0, len(c.messages)+1)
	if loaded.SystemPrompt != "" {
		out = append(out, coretypes.Message{Role: coretypes.RoleSystem, Content: loaded.SystemPrompt})
	}
	out = append(out, c.messages...)
	return out, nil
}

// TotalTokens estimates the current token usage of the log (system prompt
// excluded — callers compare against available_budget, which already
// reserves room for it).
func (c *ContextManager) TotalTokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, m := range c.messages {
		total += c.estimate(m)
	}
	return total
}
