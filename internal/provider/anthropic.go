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

const (
	anthropicVersion       = "2023-06-01"
	anthropicDefaultMaxTok = 4096
)

// anthropicDialect implements Dialect for the native Anthropic Messages API
// (spec §4.5, §4.6): content blocks instead of plain strings, tool_use /
// tool_result blocks, and a distinct SSE event-type state machine.
type anthropicDialect struct {
	cfg     Config
	modelID string
}

// NewAnthropicProvider returns an AsyncProvider speaking the Messages API.
func NewAnthropicProvider(cfg Config, modelID string, rawLog RawLogCallback, reasoning bool, logger *slog.Logger) (AsyncProvider, error) {
	d := &anthropicDialect{cfg: cfg, modelID: modelID}
	return NewBaseProvider("anthropic", cfg, modelID, rawLog, reasoning, d, logger)
}

func (d *anthropicDialect) AugmentHeaders(h http.Header) {
	h.Set("anthropic-version", anthropicVersion)
}

func (d *anthropicDialect) BuildEndpoint(stream bool) string {
	return strings.TrimRight(d.cfg.BaseURL, "/") + "/v1/messages"
}

func (d *anthropicDialect) BuildRequestBody(messages []coretypes.Message, tools []map[string]any, stream bool) map[string]any {
	var system string
	conversation := messages
	if len(messages) > 0 && messages[0].Role == coretypes.RoleSystem {
		system = messages[0].Content
		conversation = messages[1:]
	}

	body := map[string]any{
		"model":      d.modelID,
		"messages":   convertMessagesToAnthropic(conversation),
		"max_tokens": anthropicDefaultMaxTok,
		"stream":     stream,
	}
	if system != "" {
		body["system"] = system
	}
	if len(tools) > 0 {
		body["tools"] = convertToolsToAnthropic(tools)
	}
	return body
}

func convertToolsToAnthropic(openaiTools []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(openaiTools))
	for _, tool := range openaiTools {
		fn, _ := tool["function"].(map[string]any)
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		params, ok := fn["parameters"].(map[string]any)
		if !ok {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, map[string]any{
			"name":         name,
			"description":  desc,
			"input_schema": params,
		})
	}
	return out
}

// convertMessagesToAnthropic converts the internal message log to Anthropic's
// content-block format, synthesizing tool_result blocks for any tool_use
// block that never received a matching result (cancellation/crash recovery).
// Phases mirror the three-pass structure of the original implementation:
// (1) collect tool_call/tool_result ids, (2) detect orphans, (3) emit.
func convertMessagesToAnthropic(messages []coretypes.Message) []map[string]any {
	toolCallIDs := map[string]bool{}
	toolResultIDs := map[string]bool{}
	for _, msg := range messages {
		switch msg.Role {
		case coretypes.RoleAssistant:
			for _, tc := range msg.ToolCalls {
				toolCallIDs[tc.ID] = true
			}
		case coretypes.RoleTool:
			if msg.ToolCallID != "" {
				toolResultIDs[msg.ToolCallID] = true
			}
		}
	}

	var orphaned []string
	for id := range toolCallIDs {
		if !toolResultIDs[id] {
			orphaned = append(orphaned, id)
		}
	}
	synthetic := make([]map[string]any, 0, len(orphaned))
	for _, id := range orphaned {
		synthetic = append(synthetic, map[string]any{
			"type":        "tool_result",
			"tool_use_id": id,
			"content":     "[Tool execution was interrupted]",
		})
	}

	result := make([]map[string]any, 0, len(messages))
	var pending []map[string]any

	for _, msg := range messages {
		switch msg.Role {
		case coretypes.RoleTool:
			pending = append(pending, map[string]any{
				"type":        "tool_result",
				"tool_use_id": msg.ToolCallID,
				"content":     msg.Content,
			})
		case coretypes.RoleUser:
			content := append([]map[string]any{}, pending...)
			pending = nil
			if msg.Content != "" {
				content = append(content, map[string]any{"type": "text", "text": msg.Content})
			}
			result = append(result, map[string]any{"role": "user", "content": content})
		case coretypes.RoleAssistant:
			content := []map[string]any{}
			if msg.Content != "" {
				content = append(content, map[string]any{"type": "text", "text": msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				content = append(content, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": tc.Arguments,
				})
			}
			result = append(result, map[string]any{"role": "assistant", "content": content})
		}
	}

	allPending := append(pending, synthetic...)
	if len(allPending) > 0 {
		result = append(result, map[string]any{"role": "user", "content": allPending})
	}

	return result
}

func (d *anthropicDialect) ParseResponse(data map[string]any) (coretypes.Message, error) {
	blocks, _ := data["content"].([]any)
	var text strings.Builder
	var toolCalls []coretypes.ToolCall

	for _, b := range blocks {
		block, _ := b.(map[string]any)
		switch block["type"] {
		case "text":
			if t, ok := block["text"].(string); ok {
				text.WriteString(t)
			}
		case "tool_use":
			id, _ := block["id"].(string)
			name, _ := block["name"].(string)
			input, _ := block["input"].(map[string]any)
			if input == nil {
				input = map[string]any{}
			}
			toolCalls = append(toolCalls, coretypes.ToolCall{ID: id, Name: name, Arguments: input})
		}
	}

	if len(blocks) == 0 {
		if _, hasContent := data["content"]; !hasContent {
			return coretypes.Message{}, fmt.Errorf("anthropic: response missing content field")
		}
	}

	return coretypes.Message{Role: coretypes.RoleAssistant, Content: text.String(), ToolCalls: toolCalls}, nil
}

func (d *anthropicDialect) ParseStream(ctx context.Context, body io.ReadCloser, rawLog RawLogCallback) (<-chan coretypes.StreamEvent, error) {
	events := make(chan coretypes.StreamEvent, 16)

	go func() {
		defer close(events)
		defer body.Close()

		var content strings.Builder
		var toolCalls []coretypes.ToolCall
		seenToolIDs := map[string]bool{}

		var currentID, currentName string
		var currentInput strings.Builder
		inTool := false

		emit := func(ev coretypes.StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		finish := func() {
			emit(coretypes.StreamComplete{Message: coretypes.Message{
				Role:      coretypes.RoleAssistant,
				Content:   content.String(),
				ToolCalls: toolCalls,
			}})
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "event:") {
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			dataStr := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")

			var data map[string]any
			if err := json.Unmarshal([]byte(dataStr), &data); err != nil {
				continue
			}
			if rawLog != nil {
				rawLog.OnChunk(data)
			}

			eventType, _ := data["type"].(string)
			switch eventType {
			case "content_block_start":
				block, _ := data["content_block"].(map[string]any)
				if block["type"] == "tool_use" {
					currentID, _ = block["id"].(string)
					currentName, _ = block["name"].(string)
					currentInput.Reset()
					inTool = true
					if !seenToolIDs[currentID] {
						seenToolIDs[currentID] = true
						if !emit(coretypes.ToolCallStarted{Index: len(toolCalls), ID: currentID, Name: currentName}) {
							return
						}
					}
				}
			case "content_block_delta":
				delta, _ := data["delta"].(map[string]any)
				switch delta["type"] {
				case "text_delta":
					if t, ok := delta["text"].(string); ok && t != "" {
						content.WriteString(t)
						if !emit(coretypes.ContentDelta{Text: t}) {
							return
						}
					}
				case "input_json_delta":
					if inTool {
						if pj, ok := delta["partial_json"].(string); ok {
							currentInput.WriteString(pj)
						}
					}
				}
			case "content_block_stop":
				if inTool {
					var input map[string]any
					raw := currentInput.String()
					if raw != "" {
						if err := json.Unmarshal([]byte(raw), &input); err != nil {
							input = map[string]any{}
						}
					} else {
						input = map[string]any{}
					}
					toolCalls = append(toolCalls, coretypes.ToolCall{ID: currentID, Name: currentName, Arguments: input})
					inTool = false
				}
			case "message_stop":
				finish()
				return
			}
		}
		finish()
	}()

	return events, nil
}
