// Package provider implements the ProviderAdapter layer (spec §4.5, §4.6):
// a common retry/auth/HTTP-lifecycle base, two wire dialects
// (OpenAI-compatible chat completions and Anthropic Messages), and a lazy
// registry keyed by provider_name:model_id.
package provider

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/nexus3/nexus3/internal/coretypes"
)

// AsyncProvider is the external surface Session and the ContextManager's
// compaction step consume. Every concrete provider (OpenAI-compatible,
// Anthropic) and ProviderRegistry's lazily-constructed instances satisfy it.
type AsyncProvider interface {
	Complete(ctx context.Context, messages []coretypes.Message, tools []map[string]any) (coretypes.Message, error)
	Stream(ctx context.Context, messages []coretypes.Message, tools []map[string]any) (<-chan coretypes.StreamEvent, error)
	// Close is idempotent: calling it any number of times is equivalent to
	// calling it once (spec testable property #6).
	Close() error
}

// RawLogCallback is the injected hook a host may use to observe raw
// request/response traffic; the core depends only on this interface (spec
// §1 excludes the concrete HTTP logging sink from scope).
type RawLogCallback interface {
	OnChunk(data map[string]any)
	OnStreamComplete(summary map[string]any)
}

// AuthMethod selects how the API key is attached to outbound requests.
type AuthMethod string

const (
	AuthBearer  AuthMethod = "bearer"
	AuthAPIKey  AuthMethod = "api-key"
	AuthXAPIKey AuthMethod = "x-api-key"
	AuthNone    AuthMethod = "none"
)

// ModelConfig describes one alias under Config.Models.
type ModelConfig struct {
	ID            string
	ContextWindow int
	Reasoning     bool
	Guidance      string
}

// Config is the per-provider configuration consumed at construction (spec
// §6, "Provider config").
type Config struct {
	Type              string
	APIKeyEnv         string
	BaseURL           string
	AuthMethod        AuthMethod
	ExtraHeaders      map[string]string
	APIVersion        string
	Deployment        string
	RequestTimeout    time.Duration
	// MaxRetries is the number of retries after the first attempt; nil means
	// "unconfigured, use DefaultMaxRetries". A pointer is required so that an
	// explicit 0 (exactly one attempt, no retries) is distinguishable from an
	// absent value (spec testable property #7).
	MaxRetries        *int
	RetryBackoff      float64
	PromptCaching     bool
	AllowInsecureHTTP bool
	VerifySSL         bool
	SSLCACert         string
	Models            map[string]ModelConfig
}

// ValidateBaseURL enforces the SSRF boundary rule from spec §6: https is
// always allowed; http is only allowed for loopback hosts unless
// AllowInsecureHTTP is set; any other scheme, or an empty/missing scheme, is
// rejected.
func ValidateBaseURL(raw string, allowInsecureHTTP bool) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("provider base_url: empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("provider base_url: %w", err)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if isLoopbackHost(host) || allowInsecureHTTP {
			return nil
		}
		return fmt.Errorf("provider base_url: http scheme only allowed for loopback hosts (got %q)", host)
	case "":
		return fmt.Errorf("provider base_url: missing scheme in %q", raw)
	default:
		return fmt.Errorf("provider base_url: unsupported scheme %q", u.Scheme)
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}
