package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/nexus3/nexus3/internal/coretypes"
	"github.com/nexus3/nexus3/internal/observability"
)

// bedrockProvider is a third ProviderAdapter dialect (supplemented beyond
// spec §4.5's two named dialects): it speaks the Converse/ConverseStream API
// so the same Anthropic, Titan, and Llama models Bedrock hosts are reachable
// through the same AsyncProvider surface, with AWS SigV4 signing handled by
// the SDK instead of the hand-rolled auth in base.go.
type bedrockProvider struct {
	cfg     Config
	modelID string
	region  string

	mu     sync.Mutex
	client *bedrockruntime.Client

	rawLog  RawLogCallback
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
}

// NewBedrockProvider returns an AsyncProvider backed by AWS Bedrock's
// ConverseStream API. cfg.BaseURL, if set, is interpreted as the AWS region
// (Bedrock has no base-url concept of its own); credentials come from the
// default AWS credential chain (env vars, shared config, IAM role).
func NewBedrockProvider(cfg Config, modelID string, rawLog RawLogCallback, logger *slog.Logger) (AsyncProvider, error) {
	region := strings.TrimSpace(cfg.BaseURL)
	if region == "" {
		region = "us-east-1"
	}
	return &bedrockProvider{cfg: cfg, modelID: modelID, region: region, rawLog: rawLog, logger: logger}, nil
}

func (p *bedrockProvider) ensureClient(ctx context.Context) (*bedrockruntime.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: loading AWS config: %w", err)
	}
	p.client = bedrockruntime.NewFromConfig(awsCfg)
	return p.client, nil
}

func (p *bedrockProvider) buildRequest(messages []coretypes.Message, tools []map[string]any) (*bedrockruntime.ConverseStreamInput, error) {
	var system string
	conversation := messages
	if len(messages) > 0 && messages[0].Role == coretypes.RoleSystem {
		system = messages[0].Content
		conversation = messages[1:]
	}

	converted, err := convertMessagesToBedrock(conversation)
	if err != nil {
		return nil, err
	}

	req := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(p.modelID),
		Messages: converted,
	}
	if system != "" {
		req.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}
	if len(tools) > 0 {
		req.ToolConfig = convertToolsToBedrock(tools)
	}
	return req, nil
}

func convertToolsToBedrock(openaiTools []map[string]any) *types.ToolConfiguration {
	out := make([]types.Tool, 0, len(openaiTools))
	for _, tool := range openaiTools {
		fn, _ := tool["function"].(map[string]any)
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		params, ok := fn["parameters"].(map[string]any)
		if !ok {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(name),
				Description: aws.String(desc),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(params)},
			},
		})
	}
	return &types.ToolConfiguration{Tools: out}
}

// convertMessagesToBedrock reuses the same orphan-tool_use synthesis rule as
// the Anthropic dialect (spec testable property #2): Bedrock's Converse API
// enforces the identical tool_use/toolResult pairing invariant.
func convertMessagesToBedrock(messages []coretypes.Message) ([]types.Message, error) {
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

	result := make([]types.Message, 0, len(messages))
	var pendingResults []types.ContentBlock

	flushPending := func() {
		if len(pendingResults) == 0 {
			return
		}
		result = append(result, types.Message{Role: types.ConversationRoleUser, Content: pendingResults})
		pendingResults = nil
	}

	for _, msg := range messages {
		switch msg.Role {
		case coretypes.RoleTool:
			pendingResults = append(pendingResults, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(msg.ToolCallID),
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: msg.Content}},
				},
			})
		case coretypes.RoleUser:
			content := pendingResults
			pendingResults = nil
			if msg.Content != "" {
				content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
			}
			if len(content) > 0 {
				result = append(result, types.Message{Role: types.ConversationRoleUser, Content: content})
			}
		case coretypes.RoleAssistant:
			flushPending()
			var content []types.ContentBlock
			if msg.Content != "" {
				content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				content = append(content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.Name),
						Input:     document.NewLazyDocument(tc.Arguments),
					},
				})
			}
			if len(content) > 0 {
				result = append(result, types.Message{Role: types.ConversationRoleAssistant, Content: content})
			}
		}
	}
	for _, id := range orphaned {
		pendingResults = append(pendingResults, &types.ContentBlockMemberToolResult{
			Value: types.ToolResultBlock{
				ToolUseId: aws.String(id),
				Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: "[Tool execution was interrupted]"}},
			},
		})
	}
	flushPending()
	return result, nil
}

func (p *bedrockProvider) Complete(ctx context.Context, messages []coretypes.Message, tools []map[string]any) (coretypes.Message, error) {
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

func (p *bedrockProvider) Stream(ctx context.Context, messages []coretypes.Message, tools []map[string]any) (<-chan coretypes.StreamEvent, error) {
	client, err := p.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	req, err := p.buildRequest(messages, tools)
	if err != nil {
		return nil, err
	}

	out, err := client.ConverseStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bedrock: ConverseStream: %w", err)
	}

	events := make(chan coretypes.StreamEvent, 16)
	go p.pump(ctx, out, events)
	return events, nil
}

func (p *bedrockProvider) pump(ctx context.Context, out *bedrockruntime.ConverseStreamOutput, events chan<- coretypes.StreamEvent) {
	defer close(events)
	stream := out.GetStream()
	defer stream.Close()

	var content strings.Builder
	var toolCalls []coretypes.ToolCall
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
			Role: coretypes.RoleAssistant, Content: content.String(), ToolCalls: toolCalls,
		}})
	}

	for ev := range stream.Events() {
		if p.rawLog != nil {
			p.rawLog.OnChunk(map[string]any{"bedrock_event": fmt.Sprintf("%T", ev)})
		}
		switch e := ev.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if tu, ok := e.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				currentID = aws.ToString(tu.Value.ToolUseId)
				currentName = aws.ToString(tu.Value.Name)
				currentInput.Reset()
				inTool = true
				if !emit(coretypes.ToolCallStarted{Index: len(toolCalls), ID: currentID, Name: currentName}) {
					return
				}
			}
		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch d := e.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if d.Value != "" {
					content.WriteString(d.Value)
					if !emit(coretypes.ContentDelta{Text: d.Value}) {
						return
					}
				}
			case *types.ContentBlockDeltaMemberToolUse:
				if inTool && d.Value.Input != nil {
					currentInput.WriteString(*d.Value.Input)
				}
			}
		case *types.ConverseStreamOutputMemberContentBlockStop:
			if inTool {
				var input map[string]any
				if raw := currentInput.String(); raw != "" {
					if err := json.Unmarshal([]byte(raw), &input); err != nil {
						input = map[string]any{}
					}
				} else {
					input = map[string]any{}
				}
				toolCalls = append(toolCalls, coretypes.ToolCall{ID: currentID, Name: currentName, Arguments: input})
				inTool = false
			}
		case *types.ConverseStreamOutputMemberMessageStop:
			finish()
			return
		}
	}
	if err := stream.Err(); err != nil && p.logger != nil {
		p.logger.Warn("bedrock stream ended with error", "err", err)
	}
	finish()
}

func (p *bedrockProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client = nil
	return nil
}

func (p *bedrockProvider) SetRawLogCallback(cb RawLogCallback) { p.rawLog = cb }
func (p *bedrockProvider) SetMetrics(m *observability.Metrics) { p.metrics = m }
func (p *bedrockProvider) SetTracer(t *observability.Tracer)   { p.tracer = t }
