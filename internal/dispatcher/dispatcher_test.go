package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nexus3/nexus3/internal/coretypes"
)

type fakeSkill struct {
	name       string
	params     map[string]any
	execute    func(ctx context.Context, args map[string]any) (ToolResult, error)
}

func (f *fakeSkill) Name() string                  { return f.name }
func (f *fakeSkill) Description() string           { return "fake skill for tests" }
func (f *fakeSkill) Parameters() map[string]any    { return f.params }
func (f *fakeSkill) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	return f.execute(ctx, args)
}

type fakeRegistry struct {
	skills     map[string]Skill
	mcpServers map[string]string
}

func (r *fakeRegistry) GetDefinitions() []map[string]any {
	defs := make([]map[string]any, 0, len(r.skills))
	for _, s := range r.skills {
		defs = append(defs, map[string]any{"name": s.Name()})
	}
	return defs
}

func (r *fakeRegistry) Get(name string) Skill {
	if s, ok := r.skills[name]; ok {
		return s
	}
	return nil
}

func (r *fakeRegistry) MCPServerName(name string) string { return r.mcpServers[name] }

func TestFindSkill_UnknownReturnsNil(t *testing.T) {
	d := New(&fakeRegistry{skills: map[string]Skill{}})
	skill, server := d.FindSkill(coretypes.ToolCall{Name: "nope"})
	if skill != nil || server != "" {
		t.Errorf("expected nil skill and empty server, got %v %q", skill, server)
	}
}

func TestFindSkill_NilRegistry(t *testing.T) {
	d := New(nil)
	skill, _ := d.FindSkill(coretypes.ToolCall{Name: "write_file"})
	if skill != nil {
		t.Error("expected nil skill with no registry attached")
	}
	if defs := d.GetDefinitions(); defs != nil {
		t.Error("expected nil definitions with no registry attached")
	}
}

func TestFindSkill_ResolvesMCPServer(t *testing.T) {
	skill := &fakeSkill{name: "gitlab_create_issue"}
	reg := &fakeRegistry{
		skills:     map[string]Skill{"gitlab_create_issue": skill},
		mcpServers: map[string]string{"gitlab_create_issue": "gitlab"},
	}
	d := New(reg)
	got, server := d.FindSkill(coretypes.ToolCall{Name: "gitlab_create_issue"})
	if got != skill || server != "gitlab" {
		t.Errorf("expected (skill, gitlab), got (%v, %q)", got, server)
	}
}

func TestValidateArguments_RejectsMissingRequiredField(t *testing.T) {
	skill := &fakeSkill{
		name: "write_file",
		params: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []any{"path"},
		},
	}
	d := New(nil)
	err := d.ValidateArguments(skill, map[string]any{})
	if err == nil {
		t.Error("expected validation error for missing required field")
	}
}

func TestValidateArguments_AcceptsValidArguments(t *testing.T) {
	skill := &fakeSkill{
		name: "write_file",
		params: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []any{"path"},
		},
	}
	d := New(nil)
	err := d.ValidateArguments(skill, map[string]any{"path": "/tmp/x"})
	if err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestValidateArguments_NoSchemaAlwaysPasses(t *testing.T) {
	skill := &fakeSkill{name: "noop"}
	d := New(nil)
	if err := d.ValidateArguments(skill, map[string]any{"anything": true}); err != nil {
		t.Errorf("unexpected error with no declared schema: %v", err)
	}
}

func TestExecute_ReturnsOutputOnSuccess(t *testing.T) {
	skill := &fakeSkill{
		name: "echo",
		execute: func(ctx context.Context, args map[string]any) (ToolResult, error) {
			return ToolResult{Output: "hello"}, nil
		},
	}
	d := New(nil)
	result := d.Execute(context.Background(), skill, nil, 0)
	if result.Output != "hello" || result.Error != "" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestExecute_TimesOut(t *testing.T) {
	skill := &fakeSkill{
		name: "slow",
		execute: func(ctx context.Context, args map[string]any) (ToolResult, error) {
			<-ctx.Done()
			return ToolResult{}, ctx.Err()
		},
	}
	d := New(nil)
	result := d.Execute(context.Background(), skill, nil, 10*time.Millisecond)
	if result.Error == "" {
		t.Error("expected a timeout error")
	}
}

func TestExecute_RecoversPanic(t *testing.T) {
	skill := &fakeSkill{
		name: "panics",
		execute: func(ctx context.Context, args map[string]any) (ToolResult, error) {
			panic("boom")
		},
	}
	d := New(nil)
	result := d.Execute(context.Background(), skill, nil, 0)
	if result.Error == "" {
		t.Error("expected panic to be converted into an error result")
	}
}

func TestExecute_SanitizesReturnedError(t *testing.T) {
	skill := &fakeSkill{
		name: "read_file",
		execute: func(ctx context.Context, args map[string]any) (ToolResult, error) {
			return ToolResult{}, errors.New("permission denied: /etc/shadow")
		},
	}
	d := New(nil)
	result := d.Execute(context.Background(), skill, nil, 0)
	if result.Error != "Permission denied for read_file" {
		t.Errorf("expected sanitized permission error, got %q", result.Error)
	}
}
