package enforcer

import (
	"context"
	"path/filepath"

	"github.com/nexus3/nexus3/internal/coretypes"
	"github.com/nexus3/nexus3/internal/policy"
)

// ConfirmationCallback is the host-supplied UI hook that prompts the user
// and returns their decision. targetPath and agentCWD are "" when not
// applicable to the tool call in question.
type ConfirmationCallback func(ctx context.Context, tc coretypes.ToolCall, targetPath, agentCWD string) (policy.ConfirmationResult, error)

// ConfirmationController drives one confirmation round-trip and applies its
// result to session allowances. Grounded on
// original_source/nexus3/session/confirmation.py's ConfirmationController.
type ConfirmationController struct{}

// NewConfirmationController constructs a stateless controller.
func NewConfirmationController() *ConfirmationController { return &ConfirmationController{} }

// Request invokes callback, or returns Deny if callback is nil (no UI
// attached means confirmation can never be granted).
func (c *ConfirmationController) Request(ctx context.Context, tc coretypes.ToolCall, targetPath, agentCWD string, callback ConfirmationCallback) (policy.ConfirmationResult, error) {
	if callback == nil {
		return policy.Deny, nil
	}
	return callback(ctx, tc, targetPath, agentCWD)
}

// ApplyResult updates perms.SessionAllowances according to the user's
// confirmation choice. Deny and AllowOnce leave no persistent allowance.
func (c *ConfirmationController) ApplyResult(perms *policy.AgentPermissions, result policy.ConfirmationResult, tc coretypes.ToolCall, targetPath, execCWD string) {
	switch result {
	case policy.Deny, policy.AllowOnce:
		return
	case policy.AllowFile:
		if targetPath != "" {
			perms.AddFileAllowance(targetPath)
		}
	case policy.AllowWriteDirectory:
		if targetPath != "" {
			perms.AddDirectoryAllowance(filepath.Dir(targetPath))
		}
	case policy.AllowExecCWD:
		if execCWD != "" {
			perms.AddExecCWDAllowance(tc.Name, execCWD)
		}
	case policy.AllowExecGlobal:
		perms.AddExecGlobalAllowance(tc.Name)
	}
}

// ApplyMCPResult updates perms.SessionAllowances for an MCP tool/server
// confirmation. AllowFile grants the single tool; AllowExecGlobal grants the
// whole server (naming kept consistent with the generic ConfirmationResult
// vocabulary rather than introducing MCP-specific result values).
func (c *ConfirmationController) ApplyMCPResult(perms *policy.AgentPermissions, result policy.ConfirmationResult, toolName, serverName string) {
	switch result {
	case policy.Deny, policy.AllowOnce:
		return
	case policy.AllowFile:
		perms.SessionAllowances.AddMCPTool(toolName)
	case policy.AllowExecGlobal:
		perms.SessionAllowances.AddMCPServer(serverName)
	}
}
