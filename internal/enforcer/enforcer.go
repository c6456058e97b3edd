// Package enforcer implements the PermissionEnforcer (spec §4.4): the single
// place that decides whether a tool call is allowed, whether it requires a
// confirmation round-trip, and what its effective timeout is.
package enforcer

import (
	"path/filepath"

	"github.com/nexus3/nexus3/internal/coretypes"
	"github.com/nexus3/nexus3/internal/pathsem"
	"github.com/nexus3/nexus3/internal/policy"
)

// execTools have a "cwd" argument whose value gates exec-scoped allowances.
var execTools = map[string]bool{
	"bash": true, "bash_safe": true, "shell_unsafe": true, "run_python": true, "git": true,
}

// ChildAgentLookup lets the enforcer skip confirmation for nexus_destroy
// calls that target one of the caller's own children (spec §4.8) without
// depending on the agent pool package directly.
type ChildAgentLookup interface {
	ChildAgentIDs(agentID string) []string
}

// Enforcer centralizes tool-enabled, action-allowed, path-restriction, and
// confirmation-requirement checks. Grounded on
// original_source/nexus3/session/enforcer.py's PermissionEnforcer.
type Enforcer struct {
	children ChildAgentLookup
	cwd      func() string
}

// New constructs an Enforcer. children and cwd may be nil; cwd defaults to
// resolving exec cwds relative to the process working directory.
func New(children ChildAgentLookup, cwd func() string) *Enforcer {
	return &Enforcer{children: children, cwd: cwd}
}

// CheckAll runs every pre-execution check and returns a human-readable error
// if any fails, or "" if the call may proceed. A nil permissions means no
// restrictions (spec §4.1's unrestricted-by-default top level).
func (e *Enforcer) CheckAll(tc coretypes.ToolCall, perms *policy.AgentPermissions) string {
	if perms == nil {
		return ""
	}
	if err := e.checkEnabled(tc.Name, perms); err != "" {
		return err
	}
	if err := e.checkActionAllowed(tc.Name, perms); err != "" {
		return err
	}
	if target := e.ExtractTargetPath(tc); target != "" {
		if err := e.checkPathAllowed(tc.Name, target, perms); err != "" {
			return err
		}
	}
	return ""
}

func (e *Enforcer) checkEnabled(toolName string, perms *policy.AgentPermissions) string {
	if tp, ok := perms.ToolPermissions[toolName]; ok && !tp.Enabled {
		return "tool '" + toolName + "' is disabled by permission policy"
	}
	return ""
}

func (e *Enforcer) checkActionAllowed(toolName string, perms *policy.AgentPermissions) string {
	if !perms.EffectivePolicy.AllowsAction(toolName) {
		return "tool '" + toolName + "' is not allowed at current permission level"
	}
	return ""
}

func (e *Enforcer) checkPathAllowed(toolName, targetPath string, perms *policy.AgentPermissions) string {
	tp, hasToolPerm := perms.ToolPermissions[toolName]

	if hasToolPerm && tp.AllowedPaths != nil {
		for _, allowed := range tp.AllowedPaths {
			if isUnder(targetPath, allowed) {
				return ""
			}
		}
		return "tool '" + toolName + "' cannot access path '" + targetPath + "'"
	}

	if !perms.EffectivePolicy.CanWritePath(targetPath) {
		return "path '" + targetPath + "' is outside the allowed sandbox"
	}
	return ""
}

// ExtractTargetPath pulls the tool call's path-shaped argument using the
// tool's registered path semantics (pathsem), resolved to an absolute path.
func (e *Enforcer) ExtractTargetPath(tc coretypes.ToolCall) string {
	raw := pathsem.ExtractDisplayPath(tc.Name, tc.Arguments)
	if raw == "" {
		return ""
	}
	abs, err := filepath.Abs(raw)
	if err != nil {
		return raw
	}
	return abs
}

// GetConfirmationContext returns the path to show the user (display path)
// and every write-target path the eventual ALLOW decision must be applied
// to (spec testable property #5: for copy_file/rename the allowance binds
// to the destination, not the source). Paths are resolved to absolute form;
// write paths preserve pathsem's WriteKeys order.
func (e *Enforcer) GetConfirmationContext(tc coretypes.ToolCall) (displayPath string, writePaths []string) {
	displayPath = e.ExtractTargetPath(tc)
	for _, raw := range pathsem.ExtractWritePaths(tc.Name, tc.Arguments) {
		abs, err := filepath.Abs(raw)
		if err != nil {
			abs = raw
		}
		writePaths = append(writePaths, abs)
	}
	return displayPath, writePaths
}

// ExtractExecCWD returns the resolved cwd argument of an exec-family tool
// call, or "" if the tool isn't exec-family or carries no cwd.
func (e *Enforcer) ExtractExecCWD(tc coretypes.ToolCall) string {
	if !execTools[tc.Name] {
		return ""
	}
	raw, _ := tc.Arguments["cwd"].(string)
	if raw == "" {
		return ""
	}
	if filepath.IsAbs(raw) {
		return filepath.Clean(raw)
	}
	base := "."
	if e.cwd != nil {
		base = e.cwd()
	}
	abs, err := filepath.Abs(filepath.Join(base, raw))
	if err != nil {
		return raw
	}
	return abs
}

// RequiresConfirmation reports whether tc needs a user confirmation
// round-trip before execution, consulting per-tool overrides, session
// allowances already granted, and the nexus_destroy-on-own-child exemption.
func (e *Enforcer) RequiresConfirmation(agentID string, tc coretypes.ToolCall, perms *policy.AgentPermissions) bool {
	if perms == nil {
		return false
	}
	if e.shouldSkipConfirmation(agentID, tc) {
		return false
	}

	if tp, ok := perms.ToolPermissions[tc.Name]; ok && tp.RequiresConfirmation != nil {
		return *tp.RequiresConfirmation
	}

	target := e.ExtractTargetPath(tc)
	execCWD := e.ExtractExecCWD(tc)

	if execCWD != "" {
		if perms.SessionAllowances.IsExecAllowed(tc.Name, execCWD) {
			return false
		}
	}
	if target != "" {
		if perms.EffectivePolicy.Level == policy.Trusted && perms.SessionAllowances.IsPathAllowed(target) {
			return false
		}
	}

	return perms.EffectivePolicy.RequiresConfirmation(tc.Name)
}

func (e *Enforcer) shouldSkipConfirmation(agentID string, tc coretypes.ToolCall) bool {
	if tc.Name != "nexus_destroy" {
		return false
	}
	targetID, _ := tc.Arguments["agent_id"].(string)
	if targetID == "" || e.children == nil {
		return false
	}
	for _, id := range e.children.ChildAgentIDs(agentID) {
		if id == targetID {
			return true
		}
	}
	return false
}

// EffectiveTimeout returns the per-tool timeout override if one is set,
// otherwise defaultTimeout.
func (e *Enforcer) EffectiveTimeout(toolName string, perms *policy.AgentPermissions, defaultTimeout float64) float64 {
	if perms == nil {
		return defaultTimeout
	}
	if tp, ok := perms.ToolPermissions[toolName]; ok && tp.Timeout != nil {
		return *tp.Timeout
	}
	return defaultTimeout
}

func isUnder(path, root string) bool {
	rp, err1 := filepath.Abs(path)
	rr, err2 := filepath.Abs(root)
	if err1 != nil || err2 != nil {
		return false
	}
	if rp == rr {
		return true
	}
	rel, err := filepath.Rel(rr, rp)
	if err != nil {
		return false
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	prefix := ".." + string(filepath.Separator)
	return len(rel) >= len(prefix) && rel[:len(prefix)] == prefix
}
