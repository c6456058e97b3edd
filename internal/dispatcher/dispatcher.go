// Package dispatcher implements the ToolDispatcher (spec §4.7, §6): it
// resolves a tool call to a Skill via an injected SkillRegistry, validates
// arguments against the skill's parameter schema, and invokes it under a
// timeout, sanitizing any error before it is allowed to reach the model.
//
// The registry itself is an external collaborator (spec §1, §6) — this
// core never implements one, only consumes the small interface below.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nexus3/nexus3/internal/coretypes"
	"github.com/nexus3/nexus3/internal/erroring"
)

// ToolResult is a skill invocation's outcome: Output on success, Error on
// failure. A result may legitimately carry both (a skill that partially
// succeeded and reports a warning as Error while still returning Output),
// mirroring the original's ToolResult.
type ToolResult struct {
	Output string
	Error  string
}

// Skill is one invocable tool implementation, injected by the host.
// Grounded on spec §6's Skill contract.
type Skill interface {
	Name() string
	Description() string
	// Parameters returns the tool's argument schema as a JSON Schema object
	// (OpenAI function-parameters shape).
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (ToolResult, error)
}

// SkillRegistry resolves tool names to Skills and reports MCP server
// ownership. Grounded on spec §6's Skill registry contract plus
// original_source/nexus3/session/session.py's dispatcher.find_skill, which
// returns both the skill and the MCP server name (empty for built-ins).
type SkillRegistry interface {
	// GetDefinitions returns every registered tool as a JSON-schema tool
	// spec in OpenAI function format, for inclusion in a provider request.
	GetDefinitions() []map[string]any
	// Get returns the named skill, or nil if unregistered.
	Get(name string) Skill
	// MCPServerName returns the owning MCP server name for an MCP-backed
	// skill, or "" if name is a built-in (non-MCP) tool or unregistered.
	MCPServerName(name string) string
}

// ToolDispatcher resolves tool calls against a SkillRegistry and executes
// them under a timeout. Grounded on
// original_source/nexus3/session/session.py's ToolDispatcher usage
// (session.py references nexus3.session.dispatcher.ToolDispatcher, whose
// source was not retained in the pack; behavior reconstructed from its call
// sites in _execute_single_tool).
type ToolDispatcher struct {
	registry SkillRegistry

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// New constructs a ToolDispatcher over registry. registry may be nil, in
// which case every FindSkill/GetDefinitions call reports "no tools".
func New(registry SkillRegistry) *ToolDispatcher {
	return &ToolDispatcher{registry: registry, schemas: make(map[string]*jsonschema.Schema)}
}

// GetDefinitions returns the registry's tool specs, or nil if no registry
// is attached (spec: "has_tools = self.registry and self.registry.get_definitions()").
func (d *ToolDispatcher) GetDefinitions() []map[string]any {
	if d.registry == nil {
		return nil
	}
	return d.registry.GetDefinitions()
}

// FindSkill resolves tc to its Skill and, if MCP-backed, the owning MCP
// server name. Returns (nil, "") if no registry is attached or the tool
// name is unregistered.
func (d *ToolDispatcher) FindSkill(tc coretypes.ToolCall) (Skill, string) {
	if d.registry == nil {
		return nil, ""
	}
	skill := d.registry.Get(tc.Name)
	if skill == nil {
		return nil, ""
	}
	return skill, d.registry.MCPServerName(tc.Name)
}

// ValidateArguments checks args against skill's declared parameter schema,
// compiling and caching the schema on first use per skill name.
func (d *ToolDispatcher) ValidateArguments(skill Skill, args map[string]any) error {
	schema, err := d.compiledSchema(skill)
	if err != nil {
		// A skill with a malformed schema can't validate anything; treat as
		// accepting all arguments rather than failing every call.
		return nil
	}
	if schema == nil {
		return nil
	}
	if err := schema.Validate(args); err != nil {
		return &erroring.ValidationError{ToolName: skill.Name(), Message: err.Error()}
	}
	return nil
}

func (d *ToolDispatcher) compiledSchema(skill Skill) (*jsonschema.Schema, error) {
	name := skill.Name()

	d.mu.Lock()
	if s, ok := d.schemas[name]; ok {
		d.mu.Unlock()
		return s, nil
	}
	d.mu.Unlock()

	params := skill.Parameters()
	if len(params) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	compiled, err := jsonschema.CompileString(name, string(raw))
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.schemas[name] = compiled
	d.mu.Unlock()
	return compiled, nil
}

// Execute invokes skill with args under timeout (0 = no timeout), sanitizing
// any returned error for the model. Grounded on
// original_source/nexus3/session/session.py's _execute_skill: timeout ->
// "Skill timed out after Ns"; panic/exception -> sanitized "Skill execution
// error: ...".
func (d *ToolDispatcher) Execute(ctx context.Context, skill Skill, args map[string]any, timeout time.Duration) ToolResult {
	result, err := d.invoke(ctx, skill, args, timeout)
	if err != nil {
		if _, ok := err.(timeoutErr); ok {
			return ToolResult{Error: fmt.Sprintf("%s timed out after %gs", skill.Name(), timeout.Seconds())}
		}
		raw := fmt.Sprintf("Skill execution error: %v", err)
		return ToolResult{Error: erroring.SanitizeForAgent(raw, skill.Name())}
	}
	if result.Error != "" {
		result.Error = erroring.SanitizeForAgent(result.Error, skill.Name())
	}
	return result
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "timeout" }

// invoke runs skill.Execute, recovering a panic into an error (the teacher's
// tool_exec.go recovers panics from user-supplied tool code the same way)
// and enforcing timeout via context cancellation when timeout > 0.
func (d *ToolDispatcher) invoke(ctx context.Context, skill Skill, args map[string]any, timeout time.Duration) (result ToolResult, err error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		result ToolResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, execErr := skill.Execute(runCtx, args)
		done <- outcome{result: res, err: execErr}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-runCtx.Done():
		if timeout > 0 {
			return ToolResult{}, timeoutErr{}
		}
		return ToolResult{}, runCtx.Err()
	}
}
