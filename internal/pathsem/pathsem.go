// Package pathsem is the registered map of per-tool path semantics used to
// decide which argument gates a confirmation and which path(s) a granted
// allowance applies to (spec §4.4). It is data, not per-tool code, so new
// tools register their semantics instead of hard-coding behavior elsewhere.
package pathsem

// Semantics describes which argument keys of a tool call carry a read
// target, a write target, and which one should be shown to the user/used
// for confirmation gating.
type Semantics struct {
	ReadKeys   []string
	WriteKeys  []string
	DisplayKey string
}

// registry is the table from spec §4.4, abbreviated there but complete here.
var registry = map[string]Semantics{
	"write_file": {WriteKeys: []string{"path"}, DisplayKey: "path"},
	"mkdir":      {WriteKeys: []string{"path"}, DisplayKey: "path"},
	"edit_file":       {ReadKeys: []string{"path"}, WriteKeys: []string{"path"}, DisplayKey: "path"},
	"append_file":     {ReadKeys: []string{"path"}, WriteKeys: []string{"path"}, DisplayKey: "path"},
	"regex_replace":   {ReadKeys: []string{"path"}, WriteKeys: []string{"path"}, DisplayKey: "path"},
	"copy_file":  {ReadKeys: []string{"source"}, WriteKeys: []string{"destination"}, DisplayKey: "destination"},
	"rename":     {ReadKeys: []string{"source"}, WriteKeys: []string{"destination"}, DisplayKey: "destination"},
	"read_file":       {ReadKeys: []string{"path"}},
	"tail":            {ReadKeys: []string{"path"}},
	"list_directory":  {ReadKeys: []string{"path"}},
	"glob":            {ReadKeys: []string{"path"}},
	"grep":            {ReadKeys: []string{"path"}},
	"file_info":       {ReadKeys: []string{"path"}},
}

// defaultSemantics is applied to any tool name not present in the registry:
// "unknown tools default to path is both read and write target" (spec §9).
var defaultSemantics = Semantics{ReadKeys: []string{"path"}, WriteKeys: []string{"path"}, DisplayKey: "path"}

// Get returns the registered semantics for name, or defaultSemantics if
// unregistered.
func Get(name string) Semantics {
	if s, ok := registry[name]; ok {
		return s
	}
	return defaultSemantics
}

// Register adds or overrides the semantics for a tool name. Built-in tool
// implementations are out of this core's scope (spec §1); this function lets
// a host register semantics for tools it defines.
func Register(name string, s Semantics) {
	registry[name] = s
}

// ExtractWritePaths pulls the string-valued write targets named by a tool's
// WriteKeys out of its decoded arguments, in WriteKeys order.
func ExtractWritePaths(name string, args map[string]any) []string {
	sem := Get(name)
	return extractKeys(sem.WriteKeys, args)
}

// ExtractReadPaths pulls the string-valued read targets out of args.
func ExtractReadPaths(name string, args map[string]any) []string {
	sem := Get(name)
	return extractKeys(sem.ReadKeys, args)
}

// ExtractDisplayPath returns the path that should gate confirmation and be
// shown to the user: the value at DisplayKey, or the first write path if no
// DisplayKey is registered, or "" if neither is present.
func ExtractDisplayPath(name string, args map[string]any) string {
	sem := Get(name)
	if sem.DisplayKey != "" {
		if v, ok := args[sem.DisplayKey].(string); ok {
			return v
		}
	}
	if paths := ExtractWritePaths(name, args); len(paths) > 0 {
		return paths[0]
	}
	return ""
}

func extractKeys(keys []string, args map[string]any) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if v, ok := args[k].(string); ok && v != "" {
			out = append(out, v)
		}
	}
	return out
}
