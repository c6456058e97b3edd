package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nexus3/nexus3/internal/coretypes"
)

// openAIDialect implements Dialect for the OpenAI-compatible chat
// completions API (OpenRouter, OpenAI, Ollama, vLLM, Azure) — spec §4.5.
type openAIDialect struct {
	cfg       Config
	model     string
	azure     bool
	reasoning bool
}

// NewOpenAICompatProvider returns an AsyncProvider speaking the
// /chat/completions dialect.
func NewOpenAICompatProvider(cfg Config, modelID string, rawLog RawLogCallback, reasoning bool, logger *slog.Logger) (AsyncProvider, error) {
	d := &openAIDialect{cfg: cfg, model: modelID, azure: cfg.Type == "azure", reasoning: reasoning}
	return NewBaseProvider("openai-compat", cfg, modelID, rawLog, reasoning, d, logger)
}

// AugmentHeaders is a no-op for this dialect; it exists only so
// openAIDialect satisfies HeaderAugmenter uniformly with anthropicDialect.
func (d *openAIDialect) AugmentHeaders(h http.Header) {}

func (d *openAIDialect) BuildEndpoint(stream bool) string {
	if d.azure {
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			strings.TrimRight(d.cfg.BaseURL, "/"), d.cfg.Deployment, d.cfg.APIVersion)
	}
	return strings.TrimRight(d.cfg.BaseURL, "/") + "/chat/completions"
}

func (d *openAIDialect) isOpenRouterAnthropic() bool {
	return d.cfg.Type == "openrouter" && strings.Contains(strings.ToLower(d.model), "anthropic")
}

func (d *openAIDialect) BuildRequestBody(messages []coretypes.Message, tools []map[string]any, stream bool) map[string]any {
	msgs := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, messageToDict(m))
	}

	body := map[string]any{
		"model":    d.model,
		"messages": msgs,
		"stream":   stream,
	}
	if len(tools) > 0 {
		body["tools"] = tools
	}
	if d.reasoning {
		body["reasoning"] = map[string]any{"effort": "high"}
	}

	if d.isOpenRouterAnthropic() && d.cfg.PromptCaching {
		for _, raw := range msgs {
			if raw["role"] == "system" {
				if content, ok := raw["content"].(string); ok {
					raw["content"] = []map[string]any{
						{"type": "text", "text": content, "cache_control": map[string]any{"type": "ephemeral"}},
					}
				}
				break
			}
		}
	}

	return body
}

func messageToDict(m coretypes.Message) map[string]any {
	out := map[string]any{
		"role":    string(m.Role),
		"content": m.Content,
	}
	if m.ToolCallID != "" {
		out["tool_call_id"] = m.ToolCallID
	}
	if len(m.ToolCalls) > 0 {
		calls := make([]map[string]any, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			argsJSON, _ := json.Marshal(tc.Arguments)
			calls = append(calls, map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": string(argsJSON),
				},
			})
		}
		out["tool_calls"] = calls
	}
	return out
}

func (d *openAIDialect) ParseResponse(data map[string]any) (coretypes.Message, error) {
	choices, _ := data["choices"].([]any)
	if len(choices) == 0 {
		return coretypes.Message{}, fmt.Errorf("openai-compat: response has no choices")
	}
	choice, _ := choices[0].(map[string]any)
	msg, _ := choice["message"].(map[string]any)
	content, _ := msg["content"].(string)

	var toolCalls []coretypes.ToolCall
	if raw, ok := msg["tool_calls"].([]any); ok {
		toolCalls = parseToolCalls(raw)
	}

	return coretypes.Message{Role: coretypes.RoleAssistant, Content: content, ToolCalls: toolCalls}, nil
}

func parseToolCalls(raw []any) []coretypes.ToolCall {
	out := make([]coretypes.ToolCall, 0, len(raw))
	for _, item := range raw {
		tc, _ := item.(map[string]any)
		fn, _ := tc["function"].(map[string]any)
		argStr, _ := fn["arguments"].(string)
		var args map[string]any
		if err := json.Unmarshal([]byte(argStr), &args); err != nil {
			args = map[string]any{"_raw_arguments": argStr}
		}
		id, _ := tc["id"].(string)
		name, _ := fn["name"].(string)
		out = append(out, coretypes.ToolCall{ID: id, Name: name, Arguments: args})
	}
	return out
}

type toolCallAccumulator struct {
	id        string
	name      string
	arguments strings.Builder
}

func (d *openAIDialect) ParseStream(ctx context.Context, body io.ReadCloser, rawLog RawLogCallback) (<-chan coretypes.StreamEvent, error) {
	events := make(chan coretypes.StreamEvent, 16)

	go func() {
		defer close(events)
		defer body.Close()

		acc := map[int]*toolCallAccumulator{}
		seen := map[int]bool{}
		var content strings.Builder
		order := []int{}

		emit := func(ev coretypes.StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if data == "[DONE]" {
				emit(buildStreamComplete(content.String(), acc, order))
				return
			}
			var event map[string]any
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}
			if rawLog != nil {
				rawLog.OnChunk(event)
			}
			if !processOpenAIStreamEvent(event, acc, seen, &order, &content, emit) {
				return
			}
		}
		emit(buildStreamComplete(content.String(), acc, order))
	}()

	return events, nil
}

func processOpenAIStreamEvent(event map[string]any, acc map[int]*toolCallAccumulator, seen map[int]bool, order *[]int, content *strings.Builder, emit func(coretypes.StreamEvent) bool) bool {
	choices, _ := event["choices"].([]any)
	if len(choices) == 0 {
		return true
	}
	choice, _ := choices[0].(map[string]any)
	delta, _ := choice["delta"].(map[string]any)
	if delta == nil {
		return true
	}

	if reasoning, ok := firstNonEmptyString(delta["reasoning_content"], delta["reasoning"]); ok {
		if !emit(coretypes.ReasoningDelta{Text: reasoning}) {
			return false
		}
	}
	if text, ok := delta["content"].(string); ok && text != "" {
		content.WriteString(text)
		if !emit(coretypes.ContentDelta{Text: text}) {
			return false
		}
	}

	rawDeltas, _ := delta["tool_calls"].([]any)
	for _, rd := range rawDeltas {
		tcd, _ := rd.(map[string]any)
		index := 0
		if v, ok := tcd["index"].(float64); ok {
			index = int(v)
		}
		a, ok := acc[index]
		if !ok {
			a = &toolCallAccumulator{}
			acc[index] = a
			*order = append(*order, index)
		}
		if id, ok := tcd["id"].(string); ok && id != "" && a.id == "" {
			a.id = id
		}
		if fn, ok := tcd["function"].(map[string]any); ok {
			if name, ok := fn["name"].(string); ok && name != "" && a.name == "" {
				a.name = name
			}
			if args, ok := fn["arguments"].(string); ok && args != "" {
				a.arguments.WriteString(args)
			}
		}
		if !seen[index] && a.id != "" && a.name != "" {
			seen[index] = true
			if !emit(coretypes.ToolCallStarted{Index: index, ID: a.id, Name: a.name}) {
				return false
			}
		}
	}
	return true
}

func firstNonEmptyString(values ...any) (string, bool) {
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func buildStreamComplete(content string, acc map[int]*toolCallAccumulator, order []int) coretypes.StreamComplete {
	toolCalls := make([]coretypes.ToolCall, 0, len(order))
	for _, idx := range order {
		a := acc[idx]
		var args map[string]any
		raw := a.arguments.String()
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				args = map[string]any{"_raw_arguments": raw}
			}
		} else {
			args = map[string]any{}
		}
		toolCalls = append(toolCalls, coretypes.ToolCall{ID: a.id, Name: a.name, Arguments: args})
	}
	return coretypes.StreamComplete{Message: coretypes.Message{
		Role:      coretypes.RoleAssistant,
		Content:   content,
		ToolCalls: toolCalls,
	}}
}
