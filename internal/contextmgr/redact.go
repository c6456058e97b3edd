package contextmgr

import "regexp"

// secretPatterns is a conservative, non-exhaustive set of secret-shaped
// substrings redacted from compaction's summarization input when
// CompactionConfig.RedactSecrets is set (spec §4.3, SUPPLEMENTED FEATURES
// #4 — the original does not specify an exact pattern set).
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{10,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]{10,}`),
	regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret)\s*[:=]\s*\S+`),
}

// RedactSecrets rewrites likely secret material in s with "[redacted]". It
// is intentionally conservative (prefers false negatives over corrupting
// summarization input with false positives).
func RedactSecrets(s string) string {
	for _, p := range secretPatterns {
		s = p.ReplaceAllString(s, "[redacted]")
	}
	return s
}
