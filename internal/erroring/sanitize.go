package erroring

import (
	"regexp"
	"strings"
)

// canonicalRule maps a case-insensitive substring match against a raw error
// string to a canned, path-free replacement. Checked in order; first match
// wins. Grounded on original_source/nexus3/core/errors.py's
// sanitize_error_for_agent (body not retained in the pack, behavior
// reconstructed from tests/unit/test_error_sanitization.py).
type canonicalRule struct {
	pattern     *regexp.Regexp
	replacement string
}

var canonicalRules = []canonicalRule{
	{regexp.MustCompile(`(?i)permission denied`), "Permission denied for this operation"},
	{regexp.MustCompile(`(?i)no such file or directory|file not found`), "File or directory not found"},
	{regexp.MustCompile(`(?i)^is a directory|is a directory:`), "Expected a file but got a directory"},
	{regexp.MustCompile(`(?i)not a directory`), "Expected a directory but got a file"},
	{regexp.MustCompile(`(?i)file exists`), "File already exists"},
	{regexp.MustCompile(`(?i)disk quota exceeded|no space left on device`), "Insufficient disk space"},
}

var homeDirPattern = regexp.MustCompile(`/(?:home|Users)/([^/\s]+)`)
var absolutePathPattern = regexp.MustCompile(`(?:/[A-Za-z0-9._\-]+)+`)
var timedOutPattern = regexp.MustCompile(`(?i)timed out|timeout`)

// SanitizeForAgent rewrites a raw internal error message before it reaches
// the model: canonicalizes common OS errors, redacts home-directory
// usernames to "[user]", and redacts remaining absolute paths to "[path]".
// The empty string is returned unchanged; the raw error is still logged
// internally (the caller is responsible for that, this function never logs).
func SanitizeForAgent(raw, toolName string) string {
	if raw == "" {
		return raw
	}

	for _, rule := range canonicalRules {
		if rule.pattern.MatchString(raw) {
			if toolName != "" && rule.replacement == "Permission denied for this operation" {
				return "Permission denied for " + toolName
			}
			return rule.replacement
		}
	}

	if timedOutPattern.MatchString(raw) {
		if toolName != "" {
			return toolName + " timed out"
		}
		return "Operation timed out"
	}

	return redactPaths(raw)
}

// redactPaths replaces /home/<user>/... and /Users/<user>/... occurrences
// with "[user]", then any remaining absolute path with "[path]".
func redactPaths(msg string) string {
	msg = homeDirPattern.ReplaceAllString(msg, "[user]")
	msg = absolutePathPattern.ReplaceAllStringFunc(msg, func(m string) string {
		if strings.Contains(m, "[user]") {
			return m
		}
		return "[path]"
	})
	return msg
}
