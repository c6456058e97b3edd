// Package session implements the per-agent turn loop (spec §4.7): it
// streams a provider completion, detects and dispatches tool calls through
// the enforcer/confirmation/dispatcher trio, re-feeds results to the model,
// and emits the SessionEvent stream described in spec §3 and §6.
package session

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nexus3/nexus3/internal/contextmgr"
	"github.com/nexus3/nexus3/internal/coretypes"
	"github.com/nexus3/nexus3/internal/dispatcher"
	"github.com/nexus3/nexus3/internal/enforcer"
	"github.com/nexus3/nexus3/internal/erroring"
	"github.com/nexus3/nexus3/internal/observability"
	"github.com/nexus3/nexus3/internal/policy"
	"github.com/nexus3/nexus3/internal/provider"
)

// CancellationToken is a single-shot cooperative flag checked at every
// suspension point named in spec §5: streaming, each sequential tool,
// compaction, and between parallel-batch iterations.
type CancellationToken struct {
	cancelled atomic.Bool
}

// NewCancellationToken returns a token in the not-cancelled state.
func NewCancellationToken() *CancellationToken { return &CancellationToken{} }

// Cancel flips the token. Idempotent.
func (t *CancellationToken) Cancel() { t.cancelled.Store(true) }

// IsCancelled reports the token's current state.
func (t *CancellationToken) IsCancelled() bool {
	return t != nil && t.cancelled.Load()
}

// Services is the services container (spec §6): the opaque bag of
// per-agent facts the session loop needs but doesn't own the source of
// truth for (permissions come from the policy/agentpool layer, cwd from
// wherever the host tracks it, and so on).
type Services interface {
	Permissions() *policy.AgentPermissions
	CWD() string
	Model() provider.ResolvedModel
}

// ConfirmationCallback is re-exported from internal/enforcer so callers
// constructing a Session don't need to import that package directly.
type ConfirmationCallback = enforcer.ConfirmationCallback

// Config bundles the turn loop's tunables (spec §4.7, §5).
type Config struct {
	MaxToolIterations  int           // default 10
	SkillTimeout       time.Duration // default 30s; per-tool override wins
	MaxConcurrentTools int           // default 10; bounds parallel batches
}

func (c Config) withDefaults() Config {
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = 10
	}
	if c.SkillTimeout <= 0 {
		c.SkillTimeout = 30 * time.Second
	}
	if c.MaxConcurrentTools <= 0 {
		c.MaxConcurrentTools = 10
	}
	return c
}

// Session coordinates one agent's provider, context, and tool execution.
// Grounded on original_source/nexus3/session/session.py's Session class.
type Session struct {
	provider   provider.AsyncProvider
	context    *contextmgr.ContextManager
	dispatcher *dispatcher.ToolDispatcher
	enforcer   *enforcer.Enforcer
	confirmer  *enforcer.ConfirmationController
	services   Services
	agentID    string
	onConfirm  ConfirmationCallback
	cfg        Config

	// metrics and tracer are optional instrumentation (spec §4.7); nil means
	// no-op, since every observability.Metrics/Tracer method is a nil-safe
	// no-op on a nil receiver.
	metrics *observability.Metrics
	tracer  *observability.Tracer

	sem chan struct{} // max_concurrent_tools semaphore

	// pendingCancelled holds tool calls left un-resolved by a turn that was
	// interrupted mid-batch; the next RunTurn flushes synthetic cancelled
	// results for them before appending the new user message, preserving
	// the tool_use/tool_result bijection across turns.
	pendingCancelled []coretypes.ToolCall

	haltedAtIterationLimit bool
	lastIterationCount     int
	lastActionAt           time.Time
}

// New constructs a Session. context and dispatcher may be nil for a
// single-turn, tool-less session (RunTurn requires both to be non-nil,
// matching the original's "run_turn() requires a context manager").
func New(
	agentID string,
	prov provider.AsyncProvider,
	ctx *contextmgr.ContextManager,
	disp *dispatcher.ToolDispatcher,
	services Services,
	onConfirm ConfirmationCallback,
	children enforcer.ChildAgentLookup,
	cfg Config,
) *Session {
	cfg = cfg.withDefaults()
	var cwd func() string
	if services != nil {
		cwd = services.CWD
	}
	return &Session{
		provider:   prov,
		context:    ctx,
		dispatcher: disp,
		enforcer:   enforcer.New(children, cwd),
		confirmer:  enforcer.NewConfirmationController(),
		services:   services,
		agentID:    agentID,
		onConfirm:  onConfirm,
		cfg:        cfg,
		sem:        make(chan struct{}, cfg.MaxConcurrentTools),
	}
}

// SetMetrics attaches Prometheus instrumentation. Passing nil disables it.
func (s *Session) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

// SetTracer attaches OpenTelemetry span instrumentation. Passing nil disables it.
func (s *Session) SetTracer(t *observability.Tracer) {
	s.tracer = t
}

// HaltedAtIterationLimit reports whether the last RunTurn stopped because
// it exhausted MaxToolIterations.
func (s *Session) HaltedAtIterationLimit() bool { return s.haltedAtIterationLimit }

// LastIterationCount reports how many tool iterations the last RunTurn ran.
func (s *Session) LastIterationCount() int { return s.lastIterationCount }

// LastActionAt returns the timestamp of the last tool call or response,
// zero if none has happened yet.
func (s *Session) LastActionAt() time.Time { return s.lastActionAt }

func currentPermissions(services Services) *policy.AgentPermissions {
	if services == nil {
		return nil
	}
	return services.Permissions()
}

func currentCWD(services Services) string {
	if services == nil {
		return ""
	}
	return services.CWD()
}

func currentModel(services Services) provider.ResolvedModel {
	if services == nil {
		return provider.ResolvedModel{}
	}
	return services.Model()
}

// hasTools reports whether the dispatcher's registry has any definitions,
// mirroring the original's "has_tools = self.registry and
// self.registry.get_definitions()" auto-enable check.
func (s *Session) hasTools() bool {
	return s.dispatcher != nil && len(s.dispatcher.GetDefinitions()) > 0
}

func toolSpecs(d *dispatcher.ToolDispatcher) []map[string]any {
	if d == nil {
		return nil
	}
	return d.GetDefinitions()
}

// cancelledResult builds the synthetic "[Cancelled]"-style ToolResult used
// to preserve the tool_use/tool_result bijection (spec §5 "Cancellation").
func cancelledResultMessage(tc coretypes.ToolCall) coretypes.Message {
	return coretypes.NewToolResultMessage(tc.ID, "Cancelled by user: tool execution was interrupted")
}

func haltedResultMessage(tc coretypes.ToolCall) coretypes.Message {
	return coretypes.NewToolResultMessage(tc.ID, "Did not execute: halted due to previous error")
}

func toolResultMessage(tc coretypes.ToolCall, result dispatcher.ToolResult) coretypes.Message {
	content := result.Output
	if result.Error != "" {
		content = result.Error
	}
	return coretypes.NewToolResultMessage(tc.ID, content)
}

func sanitizedExecutionError(err error) string {
	return erroring.SanitizeForAgent(fmt.Sprintf("Execution error: %v", err), "")
}
