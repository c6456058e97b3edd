package policy

import "fmt"

// levelOrder gives can_grant a strict total order to compare against.
var levelOrder = map[PermissionLevel]int{Sandboxed: 0, Trusted: 1, Yolo: 2}

// AgentPermissions is the runtime permission state for one agent (spec §3).
type AgentPermissions struct {
	BasePreset       string
	EffectivePolicy  PermissionPolicy
	ToolPermissions  map[string]ToolPermission
	SessionAllowances *SessionAllowances
	Ceiling          *AgentPermissions
	ParentAgentID    string
	Depth            int
}

// IsPathAllowedForWrite combines the policy with session allowances, per
// spec §4.1's per-level logic (YOLO always, SANDBOXED via policy only,
// TRUSTED via cwd-or-allowance).
func (ap *AgentPermissions) IsPathAllowedForWrite(path string) bool {
	switch ap.EffectivePolicy.Level {
	case Yolo:
		return true
	case Sandboxed:
		return ap.EffectivePolicy.CanWritePath(path)
	default: // Trusted
		if ap.EffectivePolicy.IsWithinCWD(path) {
			return true
		}
		return ap.SessionAllowances.IsPathAllowed(path)
	}
}

func (ap *AgentPermissions) AddFileAllowance(path string)      { ap.SessionAllowances.AddWriteFile(path) }
func (ap *AgentPermissions) AddDirectoryAllowance(path string) { ap.SessionAllowances.AddWriteDirectory(path) }
func (ap *AgentPermissions) AddExecCWDAllowance(tool, cwd string) {
	ap.SessionAllowances.AddExecDirectory(tool, cwd)
}
func (ap *AgentPermissions) AddExecGlobalAllowance(tool string) { ap.SessionAllowances.AddExecGlobal(tool) }

// CanGrant is the sole admission predicate for spawning a subagent with the
// requested permissions (spec §4.1, §4.8). requested must be strictly more
// restrictive than ap along every axis checked below.
func (ap *AgentPermissions) CanGrant(requested *AgentPermissions) bool {
	ourLevel := levelOrder[ap.EffectivePolicy.Level]
	theirLevel := levelOrder[requested.EffectivePolicy.Level]
	if theirLevel >= ourLevel {
		return false
	}

	for toolName, ourPerm := range ap.ToolPermissions {
		if ourPerm.Enabled {
			continue
		}
		theirPerm, ok := requested.ToolPermissions[toolName]
		if !ok || theirPerm.Enabled {
			return false
		}
	}

	if requested.EffectivePolicy.AllowedPaths != nil {
		for _, theirPath := range requested.EffectivePolicy.AllowedPaths {
			if !ap.canAccessPath(theirPath) {
				return false
			}
		}
	} else if ap.EffectivePolicy.Level != Yolo {
		if requested.EffectivePolicy.Level == Sandboxed {
			return false
		}
	}

	return true
}

func (ap *AgentPermissions) canAccessPath(path string) bool {
	if ap.EffectivePolicy.Level == Yolo {
		return true
	}
	if ap.EffectivePolicy.IsPathBlocked(path) {
		return false
	}
	if ap.EffectivePolicy.Level == Sandboxed {
		return ap.EffectivePolicy.IsPathAllowed(path)
	}
	if ap.EffectivePolicy.IsWithinCWD(path) {
		return true
	}
	return ap.SessionAllowances.IsPathAllowed(path)
}

// ApplyDelta returns a new AgentPermissions with delta applied. It does not
// check the ceiling — callers must verify with CanGrant before granting the
// result to a subagent.
func (ap *AgentPermissions) ApplyDelta(delta PermissionDelta) (*AgentPermissions, error) {
	if ap.EffectivePolicy.Frozen && delta.AllowedPaths != nil {
		return nil, fmt.Errorf("cannot modify paths on frozen (sandboxed) permissions")
	}

	newToolPerms := map[string]ToolPermission{}
	for k, v := range ap.ToolPermissions {
		newToolPerms[k] = v.Clone()
	}

	var newAllowed []string
	switch {
	case delta.AllowedPaths != nil:
		newAllowed = clonePaths(delta.AllowedPaths)
	case ap.EffectivePolicy.AllowedPaths != nil:
		newAllowed = clonePaths(ap.EffectivePolicy.AllowedPaths)
	default:
		newAllowed = nil
	}

	newBlocked := append(append([]string(nil), ap.EffectivePolicy.BlockedPaths...), delta.AddBlockedPaths...)

	for _, tool := range delta.DisableTools {
		if p, ok := newToolPerms[tool]; ok {
			p.Enabled = false
			newToolPerms[tool] = p
		} else {
			newToolPerms[tool] = ToolPermission{Enabled: false}
		}
	}
	for _, tool := range delta.EnableTools {
		if p, ok := newToolPerms[tool]; ok {
			p.Enabled = true
			newToolPerms[tool] = p
		} else {
			newToolPerms[tool] = ToolPermission{Enabled: true}
		}
	}
	for tool, override := range delta.ToolOverrides {
		newToolPerms[tool] = override.Clone()
	}

	newPolicy := PermissionPolicy{
		Level:        ap.EffectivePolicy.Level,
		AllowedPaths: newAllowed,
		BlockedPaths: newBlocked,
		CWD:          ap.EffectivePolicy.CWD,
		Frozen:       ap.EffectivePolicy.Frozen,
	}

	return &AgentPermissions{
		BasePreset:        ap.BasePreset,
		EffectivePolicy:   newPolicy,
		ToolPermissions:   newToolPerms,
		SessionAllowances: ap.SessionAllowances.Clone(),
		Ceiling:           ap.Ceiling,
		ParentAgentID:     ap.ParentAgentID,
		Depth:             ap.Depth,
	}, nil
}

func (ap *AgentPermissions) ToDict() map[string]any {
	toolPerms := map[string]any{}
	for name, perm := range ap.ToolPermissions {
		toolPerms[name] = perm.ToDict()
	}
	out := map[string]any{
		"base_preset":       ap.BasePreset,
		"effective_policy":  ap.EffectivePolicy.ToDict(),
		"tool_permissions":  toolPerms,
		"write_allowances":  ap.SessionAllowances.ToDict(),
		"depth":             ap.Depth,
	}
	if ap.ParentAgentID != "" {
		out["parent_agent_id"] = ap.ParentAgentID
	}
	return out
}

func AgentPermissionsFromDict(d map[string]any) *AgentPermissions {
	toolPerms := map[string]ToolPermission{}
	if m, ok := d["tool_permissions"].(map[string]any); ok {
		for name, v := range m {
			if pd, ok := v.(map[string]any); ok {
				toolPerms[name] = ToolPermissionFromDict(pd)
			}
		}
	}
	var policyDict map[string]any
	if pd, ok := d["effective_policy"].(map[string]any); ok {
		policyDict = pd
	}
	var allowances *SessionAllowances
	if wa, ok := d["write_allowances"].(map[string]any); ok {
		allowances = SessionAllowancesFromDict(wa)
	} else {
		allowances = NewSessionAllowances()
	}
	parentID, _ := d["parent_agent_id"].(string)
	depth := 0
	if v, ok := d["depth"].(float64); ok {
		depth = int(v)
	}
	return &AgentPermissions{
		BasePreset:        stringOr(d["base_preset"], ""),
		EffectivePolicy:   FromDict(policyDict),
		ToolPermissions:   toolPerms,
		SessionAllowances: allowances,
		ParentAgentID:     parentID,
		Depth:             depth,
	}
}

// ResolvePreset resolves a preset name to AgentPermissions, given optional
// custom presets and a cwd (the sandbox root for SANDBOXED presets).
func ResolvePreset(presetName string, customPresets map[string]PermissionPreset, cwd string) (*AgentPermissions, error) {
	preset, ok := customPresets[presetName]
	if !ok {
		builtin := GetBuiltinPresets()
		preset, ok = builtin[presetName]
		if !ok {
			valid := make([]string, 0, len(builtin)+len(customPresets))
			for k := range builtin {
				valid = append(valid, k)
			}
			for k := range customPresets {
				valid = append(valid, k)
			}
			return nil, fmt.Errorf("unknown preset %q; valid: %v", presetName, valid)
		}
	}

	var allowedPaths []string
	var frozen bool
	if preset.Level == Sandboxed {
		switch {
		case cwd != "":
			allowedPaths = []string{cwd}
		case preset.AllowedPaths != nil && len(preset.AllowedPaths) > 0:
			allowedPaths = clonePaths(preset.AllowedPaths)
		default:
			allowedPaths = []string{cwd}
		}
		frozen = true
	} else {
		allowedPaths = clonePaths(preset.AllowedPaths)
		frozen = false
	}

	policyOut := PermissionPolicy{
		Level:        preset.Level,
		AllowedPaths: allowedPaths,
		BlockedPaths: append([]string(nil), preset.BlockedPaths...),
		CWD:          cwd,
		Frozen:       frozen,
	}

	toolPerms := map[string]ToolPermission{}
	for k, v := range preset.ToolPermissions {
		toolPerms[k] = v.Clone()
	}

	return &AgentPermissions{
		BasePreset:        presetName,
		EffectivePolicy:   policyOut,
		ToolPermissions:   toolPerms,
		SessionAllowances: NewSessionAllowances(),
	}, nil
}
