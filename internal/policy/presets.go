package policy

import "fmt"

// ToolPermission is per-tool configuration nested inside a preset or an
// AgentPermissions instance.
type ToolPermission struct {
	Enabled              bool
	AllowedPaths         []string // three-valued, see PermissionPolicy doc
	Timeout              *float64 // seconds; nil = use session default
	RequiresConfirmation *bool
	AllowedTargets       any // nil | "parent" | "children" | "family" | []string
}

func (t ToolPermission) Clone() ToolPermission {
	out := t
	out.AllowedPaths = clonePaths(t.AllowedPaths)
	if t.Timeout != nil {
		v := *t.Timeout
		out.Timeout = &v
	}
	if t.RequiresConfirmation != nil {
		v := *t.RequiresConfirmation
		out.RequiresConfirmation = &v
	}
	if s, ok := t.AllowedTargets.([]string); ok {
		out.AllowedTargets = append([]string(nil), s...)
	}
	return out
}

func (t ToolPermission) ToDict() map[string]any {
	d := map[string]any{
		"enabled":       t.Enabled,
		"allowed_paths": clonePaths(t.AllowedPaths),
	}
	if t.Timeout != nil {
		d["timeout"] = *t.Timeout
	}
	if t.RequiresConfirmation != nil {
		d["requires_confirmation"] = *t.RequiresConfirmation
	}
	if t.AllowedTargets != nil {
		d["allowed_targets"] = t.AllowedTargets
	}
	return d
}

func ToolPermissionFromDict(d map[string]any) ToolPermission {
	t := ToolPermission{
		Enabled:      boolOr(d["enabled"], true),
		AllowedPaths: decodeThreeValuedPaths(d["allowed_paths"]),
	}
	if v, ok := d["timeout"].(float64); ok {
		t.Timeout = &v
	}
	if v, ok := d["requires_confirmation"].(bool); ok {
		t.RequiresConfirmation = &v
	}
	if v, ok := d["allowed_targets"]; ok {
		t.AllowedTargets = v
	}
	return t
}

// PermissionPreset is a named template that resolve_preset turns into a
// concrete AgentPermissions.
type PermissionPreset struct {
	Name              string
	Level             PermissionLevel
	Description       string
	AllowedPaths      []string // three-valued
	BlockedPaths      []string
	NetworkAccess     bool
	ToolPermissions   map[string]ToolPermission
	DefaultToolTimeout float64
}

// PermissionDelta edits applied on top of a resolved preset.
type PermissionDelta struct {
	DisableTools    []string
	EnableTools     []string
	AllowedPaths    []string // three-valued; nil means "leave unchanged"
	AddBlockedPaths []string
	ToolOverrides   map[string]ToolPermission
}

// GetBuiltinPresets returns the three built-in presets, always present:
// yolo, trusted, sandboxed.
func GetBuiltinPresets() map[string]PermissionPreset {
	return map[string]PermissionPreset{
		"yolo": {
			Name: "yolo", Level: Yolo,
			Description:        "Full access, no confirmations required.",
			AllowedPaths:       nil,
			BlockedPaths:       nil,
			NetworkAccess:      true,
			ToolPermissions:    map[string]ToolPermission{},
			DefaultToolTimeout: 30,
		},
		"trusted": {
			Name: "trusted", Level: Trusted,
			Description:        "CWD auto-allowed; dynamic allow-once/allow-always elsewhere.",
			AllowedPaths:       nil,
			BlockedPaths:       nil,
			NetworkAccess:      true,
			ToolPermissions:    map[string]ToolPermission{},
			DefaultToolTimeout: 30,
		},
		"sandboxed": {
			Name: "sandboxed", Level: Sandboxed,
			Description:  "Immutable sandbox: can write within it, no execution or agent management.",
			AllowedPaths: []string{}, // replaced by cwd in resolve_preset
			BlockedPaths: nil,
			NetworkAccess: false,
			ToolPermissions: func() map[string]ToolPermission {
				m := map[string]ToolPermission{}
				for name := range SandboxedDisabledTools {
					m[name] = ToolPermission{Enabled: false}
				}
				return m
			}(),
			DefaultToolTimeout: 30,
		},
	}
}

// LoadCustomPresetsFromConfig resolves a config-declared preset map,
// following each preset's optional "extends" chain (by name, against both
// builtins and previously resolved custom presets) and remapping the legacy
// "worker" preset name to "sandboxed" for backwards compatibility.
func LoadCustomPresetsFromConfig(raw map[string]RawPresetConfig) (map[string]PermissionPreset, error) {
	builtin := GetBuiltinPresets()
	resolved := map[string]PermissionPreset{}

	var resolve func(name string, seen map[string]bool) (PermissionPreset, error)
	resolve = func(name string, seen map[string]bool) (PermissionPreset, error) {
		if name == "worker" {
			name = "sandboxed"
		}
		if p, ok := resolved[name]; ok {
			return p, nil
		}
		if p, ok := builtin[name]; ok {
			if _, inRaw := raw[name]; !inRaw {
				return p, nil
			}
		}
		cfg, ok := raw[name]
		if !ok {
			if p, ok := builtin[name]; ok {
				return p, nil
			}
			return PermissionPreset{}, fmt.Errorf("unknown preset %q in extends chain", name)
		}
		if seen[name] {
			return PermissionPreset{}, fmt.Errorf("circular preset extends chain at %q", name)
		}
		seen[name] = true

		base := PermissionPreset{Name: name, ToolPermissions: map[string]ToolPermission{}}
		if cfg.Extends != "" {
			parent, err := resolve(cfg.Extends, seen)
			if err != nil {
				return PermissionPreset{}, err
			}
			base = parent
			base.Name = name
		}
		if cfg.Level != "" {
			lvl, ok := ParseLevel(cfg.Level)
			if !ok {
				return PermissionPreset{}, fmt.Errorf("preset %q: unknown level %q", name, cfg.Level)
			}
			base.Level = lvl
		}
		if cfg.Description != "" {
			base.Description = cfg.Description
		}
		if cfg.AllowedPaths != nil {
			base.AllowedPaths = cfg.AllowedPaths
		}
		if len(cfg.BlockedPaths) > 0 {
			base.BlockedPaths = append(append([]string(nil), base.BlockedPaths...), cfg.BlockedPaths...)
		}
		if cfg.DefaultToolTimeout > 0 {
			base.DefaultToolTimeout = cfg.DefaultToolTimeout
		}
		if base.ToolPermissions == nil {
			base.ToolPermissions = map[string]ToolPermission{}
		} else {
			clone := map[string]ToolPermission{}
			for k, v := range base.ToolPermissions {
				clone[k] = v.Clone()
			}
			base.ToolPermissions = clone
		}
		for toolName, override := range cfg.ToolOverrides {
			base.ToolPermissions[toolName] = override
		}

		resolved[name] = base
		return base, nil
	}

	for name := range raw {
		if _, err := resolve(name, map[string]bool{}); err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

// RawPresetConfig is the decoded shape of one preset entry from the on-disk
// config (YAML), before extends-chain resolution.
type RawPresetConfig struct {
	Extends            string
	Level              string
	Description        string
	AllowedPaths        []string
	BlockedPaths        []string
	DefaultToolTimeout  float64
	ToolOverrides       map[string]ToolPermission
}
