package policy

import "path/filepath"

// SessionAllowances is a mutable, purely additive bag of per-session
// "allow always" decisions (spec §3, §4.2). It is mutated only through the
// Add* methods below; there is no removal except the supersession rule in
// AddExecGlobal.
type SessionAllowances struct {
	WriteFiles       map[string]bool
	WriteDirectories map[string]bool
	ExecGlobal       map[string]bool
	ExecDirectories  map[string]map[string]bool // tool -> set of dirs
	MCPServers       map[string]bool
	MCPTools         map[string]bool
}

// NewSessionAllowances returns an empty allowance set.
func NewSessionAllowances() *SessionAllowances {
	return &SessionAllowances{
		WriteFiles:       map[string]bool{},
		WriteDirectories: map[string]bool{},
		ExecGlobal:       map[string]bool{},
		ExecDirectories:  map[string]map[string]bool{},
		MCPServers:       map[string]bool{},
		MCPTools:         map[string]bool{},
	}
}

func (a *SessionAllowances) ensure() {
	if a.WriteFiles == nil {
		a.WriteFiles = map[string]bool{}
	}
	if a.WriteDirectories == nil {
		a.WriteDirectories = map[string]bool{}
	}
	if a.ExecGlobal == nil {
		a.ExecGlobal = map[string]bool{}
	}
	if a.ExecDirectories == nil {
		a.ExecDirectories = map[string]map[string]bool{}
	}
	if a.MCPServers == nil {
		a.MCPServers = map[string]bool{}
	}
	if a.MCPTools == nil {
		a.MCPTools = map[string]bool{}
	}
}

// IsPathAllowed reports whether path is in WriteFiles or under any entry of
// WriteDirectories. Paths are compared resolved.
func (a *SessionAllowances) IsPathAllowed(path string) bool {
	a.ensure()
	rp := resolvePath(path)
	if a.WriteFiles[rp] {
		return true
	}
	for dir := range a.WriteDirectories {
		if isUnder(path, dir) {
			return true
		}
	}
	return false
}

// IsWriteAllowed is an alias kept for readability at call sites; see spec's
// Open Question about the legacy WriteAllowances name — SPEC_FULL.md
// resolves it by keeping exactly one type name (SessionAllowances) and
// exposing IsWriteAllowed/IsPathAllowed as synonyms on it.
func (a *SessionAllowances) IsWriteAllowed(path string) bool { return a.IsPathAllowed(path) }

// IsExecAllowed reports whether tool may execute in cwd: true if tool is in
// ExecGlobal, else if cwd is under any directory registered for tool.
func (a *SessionAllowances) IsExecAllowed(tool, cwd string) bool {
	a.ensure()
	if a.ExecGlobal[tool] {
		return true
	}
	return a.IsExecDirectoryAllowed(tool, cwd)
}

// IsExecDirectoryAllowed checks only the directory-scoped allowances for tool.
func (a *SessionAllowances) IsExecDirectoryAllowed(tool, cwd string) bool {
	a.ensure()
	dirs, ok := a.ExecDirectories[tool]
	if !ok {
		return false
	}
	for dir := range dirs {
		if isUnder(cwd, dir) {
			return true
		}
	}
	return false
}

func (a *SessionAllowances) AddWriteFile(path string) {
	a.ensure()
	a.WriteFiles[resolvePath(path)] = true
}

func (a *SessionAllowances) AddWriteDirectory(path string) {
	a.ensure()
	a.WriteDirectories[resolvePath(path)] = true
}

// AddExecGlobal grants tool execution in any directory. Per spec §4.2 this
// supersedes and removes any directory-scoped entries for the same tool.
func (a *SessionAllowances) AddExecGlobal(tool string) {
	a.ensure()
	a.ExecGlobal[tool] = true
	delete(a.ExecDirectories, tool)
}

func (a *SessionAllowances) AddExecDirectory(tool, dir string) {
	a.ensure()
	if a.ExecGlobal[tool] {
		return // global already covers it
	}
	if a.ExecDirectories[tool] == nil {
		a.ExecDirectories[tool] = map[string]bool{}
	}
	a.ExecDirectories[tool][resolvePath(dir)] = true
}

func (a *SessionAllowances) AddMCPServer(server string) {
	a.ensure()
	a.MCPServers[server] = true
}

func (a *SessionAllowances) AddMCPTool(tool string) {
	a.ensure()
	a.MCPTools[tool] = true
}

func (a *SessionAllowances) IsMCPServerAllowed(server string) bool {
	a.ensure()
	return a.MCPServers[server]
}

func (a *SessionAllowances) IsMCPToolAllowed(tool string) bool {
	a.ensure()
	return a.MCPTools[tool]
}

func (a *SessionAllowances) Clone() *SessionAllowances {
	a.ensure()
	out := NewSessionAllowances()
	for k := range a.WriteFiles {
		out.WriteFiles[k] = true
	}
	for k := range a.WriteDirectories {
		out.WriteDirectories[k] = true
	}
	for k := range a.ExecGlobal {
		out.ExecGlobal[k] = true
	}
	for tool, dirs := range a.ExecDirectories {
		clone := map[string]bool{}
		for d := range dirs {
			clone[d] = true
		}
		out.ExecDirectories[tool] = clone
	}
	for k := range a.MCPServers {
		out.MCPServers[k] = true
	}
	for k := range a.MCPTools {
		out.MCPTools[k] = true
	}
	return out
}

func (a *SessionAllowances) ToDict() map[string]any {
	a.ensure()
	execDirs := map[string]any{}
	for tool, dirs := range a.ExecDirectories {
		execDirs[tool] = keysOf(dirs)
	}
	return map[string]any{
		"write_files":       keysOf(a.WriteFiles),
		"write_directories": keysOf(a.WriteDirectories),
		"exec_global":       keysOf(a.ExecGlobal),
		"exec_directories":  execDirs,
		"mcp_servers":       keysOf(a.MCPServers),
		"mcp_tools":         keysOf(a.MCPTools),
	}
}

func SessionAllowancesFromDict(d map[string]any) *SessionAllowances {
	out := NewSessionAllowances()
	for _, k := range toStringSlice(d["write_files"]) {
		out.WriteFiles[k] = true
	}
	for _, k := range toStringSlice(d["write_directories"]) {
		out.WriteDirectories[k] = true
	}
	for _, k := range toStringSlice(d["exec_global"]) {
		out.ExecGlobal[k] = true
	}
	if m, ok := d["exec_directories"].(map[string]any); ok {
		for tool, v := range m {
			dirs := map[string]bool{}
			for _, dir := range toStringSlice(v) {
				dirs[dir] = true
			}
			out.ExecDirectories[tool] = dirs
		}
	}
	for _, k := range toStringSlice(d["mcp_servers"]) {
		out.MCPServers[k] = true
	}
	for _, k := range toStringSlice(d["mcp_tools"]) {
		out.MCPTools[k] = true
	}
	return out
}

func keysOf(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// parentDir returns the resolved parent directory of path, used by
// ApplyResult for AllowWriteDirectory.
func parentDir(path string) string {
	return filepath.Dir(resolvePath(path))
}
