// Package policy implements the permission policy, preset/delta algebra, and
// confirmation vocabulary described in spec §4.1.
package policy

import (
	"path/filepath"
	"strings"
)

// PermissionLevel is totally ordered: SANDBOXED < TRUSTED < YOLO.
type PermissionLevel int

const (
	Sandboxed PermissionLevel = iota
	Trusted
	Yolo
)

func (l PermissionLevel) String() string {
	switch l {
	case Sandboxed:
		return "sandboxed"
	case Trusted:
		return "trusted"
	case Yolo:
		return "yolo"
	default:
		return "unknown"
	}
}

// ParseLevel maps a config/wire string to a PermissionLevel.
func ParseLevel(s string) (PermissionLevel, bool) {
	switch strings.ToLower(s) {
	case "sandboxed":
		return Sandboxed, true
	case "trusted":
		return Trusted, true
	case "yolo":
		return Yolo, true
	default:
		return 0, false
	}
}

// ConfirmationResult is the user's response to a confirmation prompt.
type ConfirmationResult string

const (
	Deny                 ConfirmationResult = "deny"
	AllowOnce            ConfirmationResult = "allow_once"
	AllowFile            ConfirmationResult = "allow_file"
	AllowWriteDirectory  ConfirmationResult = "allow_write_directory"
	AllowExecCWD         ConfirmationResult = "allow_exec_cwd"
	AllowExecGlobal      ConfirmationResult = "allow_exec_global"
)

// DestructiveActions, SafeActions and NetworkActions classify tool names for
// PermissionPolicy.RequiresConfirmation / AllowsAction.
var (
	DestructiveActions = map[string]bool{
		"write_file": true, "edit_file": true, "append_file": true,
		"regex_replace": true, "delete_file": true, "mkdir": true,
		"copy_file": true, "rename": true, "shell": true, "exec": true,
	}

	SafeActions = map[string]bool{
		"read_file": true, "tail": true, "list_directory": true,
		"glob": true, "grep": true, "file_info": true,
	}

	NetworkActions = map[string]bool{
		"http_get": true, "http_post": true, "fetch_url": true,
	}

	// SandboxedDisabledTools can never run under the SANDBOXED level,
	// regardless of per-tool overrides.
	SandboxedDisabledTools = map[string]bool{
		"shell": true, "exec": true,
		"nexus_send": true, "nexus_status": true, "nexus_cancel": true,
		"nexus_destroy": true, "nexus_spawn": true,
	}
)

// PermissionPolicy answers path and action questions for one agent.
//
// AllowedPaths has load-bearing three-valued semantics, carried by a plain
// Go slice: nil means unrestricted, a non-nil empty slice means deny-all,
// and a non-empty slice means "only within these paths". encoding/json
// preserves this distinction (nil -> null, []string{} -> []), which is what
// makes Policy round-trip exactly through (de)serialization.
type PermissionPolicy struct {
	Level        PermissionLevel
	AllowedPaths []string // three-valued: see type doc
	BlockedPaths []string
	CWD          string
	Frozen       bool
}

// FromLevel builds a minimal policy at the given level rooted at cwd, with
// no path restriction (AllowedPaths == nil) and no blocked paths.
func FromLevel(level PermissionLevel, cwd string) PermissionPolicy {
	return PermissionPolicy{Level: level, CWD: cwd}
}

func resolvePath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return abs
	}
	return resolved
}

func isUnder(path, root string) bool {
	rp := resolvePath(path)
	rr := resolvePath(root)
	if rp == rr {
		return true
	}
	rel, err := filepath.Rel(rr, rp)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// IsPathBlocked reports whether p is under any of policy.BlockedPaths.
func (p PermissionPolicy) IsPathBlocked(path string) bool {
	for _, b := range p.BlockedPaths {
		if isUnder(path, b) {
			return true
		}
	}
	return false
}

// IsPathAllowed implements the three-valued AllowedPaths semantics:
// nil = unrestricted (true), empty = deny-all (false), otherwise membership.
func (p PermissionPolicy) IsPathAllowed(path string) bool {
	if p.AllowedPaths == nil {
		return true
	}
	for _, a := range p.AllowedPaths {
		if isUnder(path, a) {
			return true
		}
	}
	return false
}

// IsWithinCWD reports whether path is within the policy's working directory.
func (p PermissionPolicy) IsWithinCWD(path string) bool {
	if p.CWD == "" {
		return false
	}
	return isUnder(path, p.CWD)
}

// CanReadPath reports whether the policy permits reading path.
func (p PermissionPolicy) CanReadPath(path string) bool {
	if p.Level == Yolo {
		return true
	}
	if p.IsPathBlocked(path) {
		return false
	}
	if p.Level == Sandboxed {
		return p.IsPathAllowed(path)
	}
	return true // TRUSTED reads like YOLO per spec §4.1
}

// CanWritePath reports whether the policy permits writing path WITHOUT
// confirmation (confirmation/session-allowance escalation happens above
// this layer, in AgentPermissions / the enforcer).
func (p PermissionPolicy) CanWritePath(path string) bool {
	if p.Level == Yolo {
		return true
	}
	if p.IsPathBlocked(path) {
		return false
	}
	if p.Level == Sandboxed {
		return p.IsPathAllowed(path)
	}
	return p.IsWithinCWD(path)
}

// CanNetwork reports whether the policy allows network actions outright
// (SANDBOXED never does; TRUSTED/YOLO do, subject to per-tool overrides
// applied by the caller).
func (p PermissionPolicy) CanNetwork() bool {
	return p.Level != Sandboxed
}

// RequiresConfirmation reports whether invoking the named action requires a
// confirmation round-trip under this policy.
func (p PermissionPolicy) RequiresConfirmation(action string) bool {
	if p.Level == Yolo {
		return false
	}
	if p.Level == Sandboxed {
		return false // sandboxed never confirms; disallowed actions just fail
	}
	if SafeActions[action] {
		return false
	}
	return DestructiveActions[action]
}

// AllowsAction reports whether the action is permitted at all under this
// policy's level (independent of path checks and confirmation).
func (p PermissionPolicy) AllowsAction(action string) bool {
	if p.Level == Sandboxed && SandboxedDisabledTools[action] {
		return false
	}
	if p.Level == Sandboxed && NetworkActions[action] {
		return false
	}
	return true
}

// policyDTO is the wire shape for PermissionPolicy; a dedicated DTO (instead
// of json tags directly on PermissionPolicy) keeps the three-valued
// AllowedPaths semantics explicit at the serialization boundary and isolates
// the exported struct from encoding concerns.
type policyDTO struct {
	Level        string   `json:"level"`
	AllowedPaths []string `json:"allowed_paths"`
	BlockedPaths []string `json:"blocked_paths"`
	CWD          string   `json:"cwd"`
	Frozen       bool     `json:"frozen"`
}

// ToDict serializes the policy to a JSON-shaped map, used for RPC transport
// and the AgentPermissions.ToDict envelope.
func (p PermissionPolicy) ToDict() map[string]any {
	return map[string]any{
		"level":         p.Level.String(),
		"allowed_paths": clonePaths(p.AllowedPaths),
		"blocked_paths": clonePaths(p.BlockedPaths),
		"cwd":           p.CWD,
		"frozen":        p.Frozen,
	}
}

// FromDict deserializes a policy previously produced by ToDict. It must
// preserve the distinction between a nil and an empty (but present)
// allowed_paths list (spec testable property #3).
func FromDict(d map[string]any) PermissionPolicy {
	level, _ := ParseLevel(stringOr(d["level"], "trusted"))
	p := PermissionPolicy{
		Level:        level,
		BlockedPaths: toStringSlice(d["blocked_paths"]),
		CWD:          stringOr(d["cwd"], ""),
		Frozen:       boolOr(d["frozen"], false),
	}
	p.AllowedPaths = decodeThreeValuedPaths(d["allowed_paths"])
	return p
}

func clonePaths(p []string) []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p))
	copy(out, p)
	return out
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

func boolOr(v any, def bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

// decodeThreeValuedPaths recovers the nil/deny-all/allowlist distinction from
// a value that may have arrived either straight out of a Go map literal
// (where a nil []string is still non-nil when boxed in interface{}) or out
// of an actual JSON round-trip (where null decodes to an untyped nil and []
// decodes to a non-nil, empty []interface{}). Both are handled explicitly so
// FromDict(ToDict(p)) == p regardless of whether JSON sits in between.
func decodeThreeValuedPaths(v any) []string {
	if v == nil {
		return nil
	}
	switch t := v.(type) {
	case []string:
		if t == nil {
			return nil
		}
		return clonePaths(t)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
