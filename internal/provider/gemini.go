package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/nexus3/nexus3/internal/coretypes"
	"github.com/nexus3/nexus3/internal/observability"
)

// geminiProvider is a fourth ProviderAdapter dialect (supplemented beyond
// spec §4.5's two named dialects): it drives google.golang.org/genai's
// GenerateContentStream, translating Gemini's Content/Part/FunctionCall
// shapes into the same StreamEvent union the OpenAI and Anthropic dialects
// produce, so ProviderRegistry treats it as an interchangeable fourth
// provider type.
type geminiProvider struct {
	cfg     Config
	modelID string

	mu     sync.Mutex
	client *genai.Client

	rawLog  RawLogCallback
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
}

// NewGeminiProvider returns an AsyncProvider backed by the Gemini Developer
// API (or Vertex AI, if cfg.BaseURL points at a Vertex endpoint). The API key
// is resolved from cfg.APIKeyEnv the same way the other dialects do.
func NewGeminiProvider(cfg Config, modelID string, rawLog RawLogCallback, logger *slog.Logger) (AsyncProvider, error) {
	return &geminiProvider{cfg: cfg, modelID: modelID, rawLog: rawLog, logger: logger}, nil
}

func (p *geminiProvider) ensureClient(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	var apiKey string
	if p.cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(p.cfg.APIKeyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("gemini: environment variable %s is not set", p.cfg.APIKeyEnv)
		}
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("gemini: creating client: %w", err)
	}
	p.client = client
	return p.client, nil
}

func convertMessagesToGemini(messages []coretypes.Message) (*genai.Content, []*genai.Content) {
	var system *genai.Content
	conversation := messages
	if len(messages) > 0 && messages[0].Role == coretypes.RoleSystem {
		system = &genai.Content{Parts: []*genai.Part{{Text: messages[0].Content}}}
		conversation = messages[1:]
	}

	contents := make([]*genai.Content, 0, len(conversation))
	for _, msg := range conversation {
		var parts []*genai.Part
		switch msg.Role {
		case coretypes.RoleTool:
			parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       msg.ToolCallID,
				Name:     msg.ToolCallID,
				Response: map[string]any{"result": msg.Content},
			}})
			contents = append(contents, &genai.Content{Role: "user", Parts: parts})
			continue
		case coretypes.RoleAssistant:
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID: tc.ID, Name: tc.Name, Args: tc.Arguments,
				}})
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		case coretypes.RoleUser:
			parts = append(parts, &genai.Part{Text: msg.Content})
			contents = append(contents, &genai.Content{Role: "user", Parts: parts})
		}
	}
	return system, contents
}

func convertToolsToGemini(openaiTools []map[string]any) []*genai.Tool {
	if len(openaiTools) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(openaiTools))
	for _, tool := range openaiTools {
		fn, _ := tool["function"].(map[string]any)
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		params, _ := fn["parameters"].(map[string]any)
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        name,
			Description: desc,
			Parameters:  jsonSchemaToGeminiSchema(params),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// jsonSchemaToGeminiSchema converts the JSON-schema map shape shared by every
// skill definition (spec §6 "Skill registry") into Gemini's typed Schema,
// recursing into properties/items the way the Gemini tool converter does.
func jsonSchemaToGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = jsonSchemaToGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = jsonSchemaToGeminiSchema(items)
	}
	return schema
}

func (p *geminiProvider) Complete(ctx context.Context, messages []coretypes.Message, tools []map[string]any) (coretypes.Message, error) {
	events, err := p.Stream(ctx, messages, tools)
	if err != nil {
		return coretypes.Message{}, err
	}
	var final coretypes.Message
	for ev := range events {
		if sc, ok := ev.(coretypes.StreamComplete); ok {
			final = sc.Message
		}
	}
	return final, nil
}

func (p *geminiProvider) Stream(ctx context.Context, messages []coretypes.Message, tools []map[string]any) (<-chan coretypes.StreamEvent, error) {
	client, err := p.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	system, contents := convertMessagesToGemini(messages)
	cfg := &genai.GenerateContentConfig{}
	if system != nil {
		cfg.SystemInstruction = system
	}
	if gtools := convertToolsToGemini(tools); gtools != nil {
		cfg.Tools = gtools
	}

	events := make(chan coretypes.StreamEvent, 16)
	go p.pump(ctx, client, contents, cfg, events)
	return events, nil
}

func (p *geminiProvider) pump(ctx context.Context, client *genai.Client, contents []*genai.Content, cfg *genai.GenerateContentConfig, events chan<- coretypes.StreamEvent) {
	defer close(events)

	var textBuf string
	var toolCalls []coretypes.ToolCall
	seen := map[string]bool{}

	emit := func(ev coretypes.StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for resp, err := range client.Models.GenerateContentStream(ctx, p.modelID, contents, cfg) {
		if err != nil {
			if p.logger != nil {
				p.logger.Warn("gemini stream error", "err", err)
			}
			break
		}
		if p.rawLog != nil {
			p.rawLog.OnChunk(map[string]any{"gemini_candidates": len(resp.Candidates)})
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part.Text != "" {
					textBuf += part.Text
					if !emit(coretypes.ContentDelta{Text: part.Text}) {
						return
					}
				}
				if part.FunctionCall != nil {
					id := part.FunctionCall.ID
					if id == "" {
						id = fmt.Sprintf("call_%d", len(toolCalls))
					}
					if !seen[id] {
						seen[id] = true
						if !emit(coretypes.ToolCallStarted{Index: len(toolCalls), ID: id, Name: part.FunctionCall.Name}) {
							return
						}
						toolCalls = append(toolCalls, coretypes.ToolCall{
							ID: id, Name: part.FunctionCall.Name, Arguments: part.FunctionCall.Args,
						})
					}
				}
			}
		}
	}

	emit(coretypes.StreamComplete{Message: coretypes.Message{
		Role: coretypes.RoleAssistant, Content: textBuf, ToolCalls: toolCalls,
	}})
}

func (p *geminiProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client = nil
	return nil
}

func (p *geminiProvider) SetRawLogCallback(cb RawLogCallback) { p.rawLog = cb }
func (p *geminiProvider) SetMetrics(m *observability.Metrics) { p.metrics = m }
func (p *geminiProvider) SetTracer(t *observability.Tracer)   { p.tracer = t }
