package session

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nexus3/nexus3/internal/contextmgr"
	"github.com/nexus3/nexus3/internal/coretypes"
	"github.com/nexus3/nexus3/internal/dispatcher"
	"github.com/nexus3/nexus3/internal/erroring"
	"github.com/nexus3/nexus3/internal/observability"
	"github.com/nexus3/nexus3/internal/policy"
)

// RunTurn streams one turn of the agent's loop: provider events in,
// SessionEvents out, interleaved with tool dispatch. The returned error
// channel carries at most one turn-level failure (spec §7's "provider
// error... a top-level provider error propagates to the caller") and is
// always closed; per-tool failures never appear there, only as
// ToolCompleted{Success:false} events. Grounded on
// original_source/nexus3/session/session.py's run_turn/
// _execute_tool_loop_events.
func (s *Session) RunTurn(ctx context.Context, userInput string, cancelToken *CancellationToken, userMeta map[string]any) (<-chan coretypes.SessionEvent, <-chan error) {
	events := make(chan coretypes.SessionEvent, 16)
	errs := make(chan error, 1)

	if s.context == nil {
		close(events)
		errs <- fmt.Errorf("session: RunTurn requires a context manager")
		close(errs)
		return events, errs
	}

	go func() {
		defer close(events)
		defer close(errs)
		if err := s.runTurn(ctx, userInput, cancelToken, userMeta, events); err != nil {
			errs <- err
		}
	}()
	return events, errs
}

func (s *Session) runTurn(ctx context.Context, userInput string, cancelToken *CancellationToken, userMeta map[string]any, events chan<- coretypes.SessionEvent) (err error) {
	ctx, span := s.tracer.Start(ctx, "run_turn", observability.SpanOptions{
		Attributes: []attribute.KeyValue{attribute.String("agent_id", s.agentID)},
	})
	defer func() {
		s.tracer.RecordError(span, err)
		span.End()
	}()

	s.flushPendingCancelled()
	s.haltedAtIterationLimit = false
	s.lastIterationCount = 0

	s.context.Append(coretypes.Message{Role: coretypes.RoleUser, Content: userInput, Meta: userMeta})

	model := currentModel(s.services)

	for iteration := 0; iteration < s.cfg.MaxToolIterations; iteration++ {
		s.lastIterationCount = iteration + 1

		// Compaction runs BEFORE BuildMessages so the summarizer never sees
		// already-truncated input (spec §4.6 ordering requirement).
		if s.context.ShouldCompact() {
			if result, err := s.compact(ctx); err == nil && result != nil {
				saved := result.OriginalTokenCount - result.NewTokenCount
				events <- coretypes.ContentChunk{Text: fmt.Sprintf("\n[Context compacted: %d tokens reclaimed]\n\n", saved)}
			}
		}

		messages, err := s.context.BuildMessages()
		if err != nil {
			return &erroring.ProviderErr{Message: "building messages", Cause: err}
		}
		tools := toolSpecs(s.dispatcher)

		final, cancelledDuringStream, err := s.streamOnce(ctx, events, messages, tools, cancelToken, model.Reasoning)
		if err != nil {
			return err
		}
		if cancelledDuringStream {
			events <- coretypes.SessionCancelled{}
			return nil
		}
		if final == nil {
			events <- coretypes.SessionCompleted{HaltedAtLimit: false}
			return nil
		}
		if cancelToken.IsCancelled() {
			events <- coretypes.SessionCancelled{}
			return nil
		}

		if len(final.ToolCalls) == 0 {
			s.context.Append(coretypes.Message{Role: coretypes.RoleAssistant, Content: final.Content})
			s.lastActionAt = time.Now()

			if s.context.ShouldCompact() {
				if result, err := s.compact(ctx); err == nil && result != nil {
					saved := result.OriginalTokenCount - result.NewTokenCount
					events <- coretypes.ContentChunk{Text: fmt.Sprintf("\n\n[Context compacted: %d tokens reclaimed]", saved)}
				}
			}
			events <- coretypes.SessionCompleted{HaltedAtLimit: false}
			return nil
		}

		s.context.Append(coretypes.Message{Role: coretypes.RoleAssistant, Content: final.Content, ToolCalls: final.ToolCalls})

		parallel := anyParallelRequested(final.ToolCalls)
		events <- coretypes.ToolBatchStarted{ToolCalls: final.ToolCalls, Parallel: parallel}

		var batchCancelled bool
		if parallel {
			batchCancelled = s.runParallelBatch(ctx, events, final.ToolCalls, cancelToken)
		} else {
			batchCancelled = s.runSequentialBatch(ctx, events, final.ToolCalls, cancelToken)
		}
		if batchCancelled {
			events <- coretypes.SessionCancelled{}
			return nil
		}

		events <- coretypes.ToolBatchCompleted{}
		events <- coretypes.IterationCompleted{Iteration: iteration + 1, WillContinue: true}
		s.lastActionAt = time.Now()
	}

	s.haltedAtIterationLimit = true
	events <- coretypes.ContentChunk{Text: "[Max tool iterations reached]"}
	events <- coretypes.SessionCompleted{HaltedAtLimit: true}
	return nil
}

// anyParallelRequested mirrors the original's per-call "_parallel": true
// argument opt-in (spec §4.7): any tool call in the batch requesting
// parallel execution makes the whole batch parallel.
func anyParallelRequested(calls []coretypes.ToolCall) bool {
	for _, tc := range calls {
		if v, ok := tc.Arguments["_parallel"].(bool); ok && v {
			return true
		}
	}
	return false
}

// streamOnce drains one provider.Stream call, translating StreamEvents into
// SessionEvents. cancelledDuringStream is true if cancelToken flips while
// content is still arriving, in which case the caller must NOT append the
// partially-accumulated assistant message (spec §5, to avoid an orphan
// tool_use).
func (s *Session) streamOnce(ctx context.Context, events chan<- coretypes.SessionEvent, messages []coretypes.Message, tools []map[string]any, cancelToken *CancellationToken, showReasoning bool) (final *coretypes.Message, cancelledDuringStream bool, err error) {
	stream, err := s.provider.Stream(ctx, messages, tools)
	if err != nil {
		return nil, false, &erroring.ProviderErr{Message: err.Error(), Cause: err}
	}

	isReasoning := false
	endReasoning := func() {
		if showReasoning && isReasoning {
			events <- coretypes.ReasoningEnded{}
		}
		isReasoning = false
	}

	for ev := range stream {
		switch e := ev.(type) {
		case coretypes.ReasoningDelta:
			if showReasoning && !isReasoning {
				events <- coretypes.ReasoningStarted{}
			}
			isReasoning = true
		case coretypes.ContentDelta:
			endReasoning()
			events <- coretypes.ContentChunk{Text: e.Text}
			if cancelToken.IsCancelled() {
				return nil, true, nil
			}
		case coretypes.ToolCallStarted:
			endReasoning()
			events <- coretypes.ToolDetected{Index: e.Index, ID: e.ID, Name: e.Name}
		case coretypes.StreamComplete:
			endReasoning()
			msg := e.Message
			final = &msg
		}
	}
	return final, false, nil
}

func (s *Session) compact(ctx context.Context) (*contextmgr.CompactionResult, error) {
	redact := contextmgr.RedactSecrets
	result, err := s.context.Compact(ctx, s.provider, redact)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// flushPendingCancelled appends synthetic cancelled tool_result messages
// deferred from an interrupted previous turn, so this turn starts with a
// clean tool_use/tool_result bijection (spec testable property #1).
func (s *Session) flushPendingCancelled() {
	for _, tc := range s.pendingCancelled {
		s.context.Append(cancelledResultMessage(tc))
	}
	s.pendingCancelled = nil
}

// === Tool batch execution ===

// runSequentialBatch executes calls one at a time, halting the remainder on
// the first error or cancellation (spec §4.7 step 4, §5). Returns true if
// cancellation interrupted the batch (caller must emit SessionCancelled).
func (s *Session) runSequentialBatch(ctx context.Context, events chan<- coretypes.SessionEvent, calls []coretypes.ToolCall, cancelToken *CancellationToken) bool {
	errorIndex := -1
	cancelIndex := -1

	for i, tc := range calls {
		if cancelToken.IsCancelled() {
			cancelIndex = i
			break
		}
		events <- coretypes.ToolStarted{ToolCall: tc, Index: i}

		result := s.executeSingleTool(ctx, tc)

		s.context.Append(toolResultMessage(tc, result))
		events <- coretypes.ToolCompleted{
			ToolCall: tc,
			Index:    i,
			Success:  result.Error == "",
			Error:    result.Error,
			Output:   successOutput(result),
		}

		if cancelToken.IsCancelled() {
			cancelIndex = i + 1
			break
		}
		if result.Error != "" {
			errorIndex = i
			events <- coretypes.ToolBatchHalted{ErrorIndex: i}
			break
		}
	}

	if cancelIndex >= 0 {
		for _, tc := range calls[cancelIndex:] {
			s.context.Append(cancelledResultMessage(tc))
		}
		return true
	}

	if errorIndex >= 0 {
		for _, tc := range calls[errorIndex+1:] {
			s.context.Append(haltedResultMessage(tc))
		}
	}
	return false
}

func successOutput(result dispatcher.ToolResult) string {
	if result.Error != "" {
		return ""
	}
	return result.Output
}

// runParallelBatch executes every call concurrently, bounded by the
// session's max_concurrent_tools semaphore. Results are applied to the
// context in call order regardless of completion order (spec §5's "stable
// zip by call index"). Parallel batches are not interrupted mid-batch
// (spec §5 observation 4); cancellation is only checked before starting.
func (s *Session) runParallelBatch(ctx context.Context, events chan<- coretypes.SessionEvent, calls []coretypes.ToolCall, cancelToken *CancellationToken) bool {
	if cancelToken.IsCancelled() {
		return true
	}
	for i, tc := range calls {
		events <- coretypes.ToolStarted{ToolCall: tc, Index: i}
	}

	results := make([]dispatcher.ToolResult, len(calls))
	done := make(chan int, len(calls))
	for i, tc := range calls {
		i, tc := i, tc
		go func() {
			s.sem <- struct{}{}
			defer func() { <-s.sem }()
			results[i] = s.executeSingleTool(ctx, tc)
			done <- i
		}()
	}
	for range calls {
		<-done
	}

	for i, tc := range calls {
		result := results[i]
		s.context.Append(toolResultMessage(tc, result))
		events <- coretypes.ToolCompleted{
			ToolCall: tc,
			Index:    i,
			Success:  result.Error == "",
			Error:    result.Error,
			Output:   successOutput(result),
		}
	}
	return false
}

// executeSingleTool runs the full permission-check -> confirm ->
// dispatch -> execute pipeline for one tool call (spec §4.7 "Tool
// execution"). Grounded on
// original_source/nexus3/session/session.py's _execute_single_tool.
func (s *Session) executeSingleTool(ctx context.Context, tc coretypes.ToolCall) dispatcher.ToolResult {
	perms := currentPermissions(s.services)
	if perms == nil {
		return dispatcher.ToolResult{Error: "Tool execution denied: permissions not configured"}
	}

	if msg := s.enforcer.CheckAll(tc, perms); msg != "" {
		return dispatcher.ToolResult{Error: msg}
	}

	if s.enforcer.RequiresConfirmation(s.agentID, tc, perms) {
		displayPath, writePaths := s.enforcer.GetConfirmationContext(tc)
		execCWD := s.enforcer.ExtractExecCWD(tc)
		agentCWD := currentCWD(s.services)

		result, err := s.confirmer.Request(ctx, tc, displayPath, agentCWD, s.onConfirm)
		if err != nil {
			return dispatcher.ToolResult{Error: erroring.SanitizeForAgent(err.Error(), tc.Name)}
		}
		if result == policy.Deny {
			return dispatcher.ToolResult{Error: "Action cancelled by user"}
		}

		if len(writePaths) > 0 {
			for _, wp := range writePaths {
				s.confirmer.ApplyResult(perms, result, tc, wp, execCWD)
			}
		} else {
			s.confirmer.ApplyResult(perms, result, tc, displayPath, execCWD)
		}
	}

	skill, mcpServer := s.dispatcher.FindSkill(tc)

	if mcpServer != "" {
		if errResult := s.checkMCPPermissions(ctx, tc, skill, mcpServer, perms); errResult != nil {
			return *errResult
		}
	}

	if skill == nil {
		return dispatcher.ToolResult{Error: "Unknown skill: " + tc.Name}
	}

	if err := s.dispatcher.ValidateArguments(skill, tc.Arguments); err != nil {
		return dispatcher.ToolResult{Error: err.Error()}
	}

	timeout := time.Duration(s.enforcer.EffectiveTimeout(tc.Name, perms, s.cfg.SkillTimeout.Seconds()) * float64(time.Second))
	start := time.Now()
	result := s.dispatcher.Execute(ctx, skill, tc.Arguments, timeout)
	status := "success"
	if result.Error != "" {
		status = "error"
		s.metrics.RecordError("session", "tool_execution")
	}
	s.metrics.RecordToolExecution(tc.Name, status, time.Since(start).Seconds())
	return result
}

// checkMCPPermissions implements spec §4.7's MCP-specific branch: MCP
// tools require TRUSTED+ permission, and (below YOLO) a per-server or
// per-tool session allowance, requesting confirmation if neither is held.
func (s *Session) checkMCPPermissions(ctx context.Context, tc coretypes.ToolCall, skill dispatcher.Skill, mcpServer string, perms *policy.AgentPermissions) *dispatcher.ToolResult {
	if perms.EffectivePolicy.Level < policy.Trusted {
		return &dispatcher.ToolResult{Error: "MCP tools require TRUSTED or YOLO permission level"}
	}
	if skill == nil {
		return nil
	}
	if perms.EffectivePolicy.Level == policy.Yolo {
		return nil
	}

	allowances := perms.SessionAllowances
	if allowances.IsMCPServerAllowed(mcpServer) || allowances.IsMCPToolAllowed(tc.Name) {
		return nil
	}

	agentCWD := currentCWD(s.services)
	result, err := s.confirmer.Request(ctx, tc, "", agentCWD, s.onConfirm)
	if err != nil {
		return &dispatcher.ToolResult{Error: erroring.SanitizeForAgent(err.Error(), tc.Name)}
	}
	if result == policy.Deny {
		return &dispatcher.ToolResult{Error: "MCP tool action denied by user"}
	}
	s.confirmer.ApplyMCPResult(perms, result, tc.Name, mcpServer)
	return nil
}
