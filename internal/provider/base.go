package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexus3/nexus3/internal/coretypes"
	"github.com/nexus3/nexus3/internal/logging"
	"github.com/nexus3/nexus3/internal/observability"
)

// Defaults grounded on the original implementation's BaseProvider constants.
const (
	DefaultTimeout      = 120 * time.Second
	DefaultMaxRetries   = 3
	MaxRetryDelay       = 10 * time.Second
	DefaultRetryBackoff = 1.5
	// ErrorBodyCap bounds how much of an error response body is read and
	// surfaced (spec testable property #8).
	ErrorBodyCap = 10 * 1024
)

// RetryableStatusCodes are retried with exponential backoff; everything
// else (including other 4xx) fails fast.
var RetryableStatusCodes = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}

// Dialect is the strategy interface a concrete wire format implements;
// BaseProvider supplies everything else (spec Design Notes §9).
type Dialect interface {
	BuildEndpoint(stream bool) string
	BuildRequestBody(messages []coretypes.Message, tools []map[string]any, stream bool) map[string]any
	ParseResponse(data map[string]any) (coretypes.Message, error)
	ParseStream(ctx context.Context, body io.ReadCloser, rawLog RawLogCallback) (<-chan coretypes.StreamEvent, error)
}

// HeaderAugmenter lets a dialect add headers beyond the auth header (e.g.
// Anthropic's anthropic-version).
type HeaderAugmenter interface {
	AugmentHeaders(h http.Header)
}

// BaseProvider implements retry, authentication, HTTP client lifecycle, SSL
// context handling, and error-body capping; a Dialect supplies the
// wire-format specifics. This mirrors the original's BaseProvider ABC and
// the teacher's "one base, many concrete providers" package shape
// (internal/agent/providers/base.go), reworked to match spec §4.5's exact
// retry/backoff/auth semantics instead of the teacher's linear backoff.
type BaseProvider struct {
	name      string
	config    Config
	modelID   string
	rawLog    RawLogCallback
	reasoning bool
	logger    *slog.Logger

	dialect Dialect

	// metrics and tracer are optional instrumentation (spec §4.5); nil means
	// no-op, since every observability.Metrics/Tracer method is a nil-safe
	// no-op on a nil receiver.
	metrics *observability.Metrics
	tracer  *observability.Tracer

	mu     sync.Mutex
	client *http.Client
	closed bool
}

// SetMetrics attaches Prometheus instrumentation. Passing nil disables it.
func (b *BaseProvider) SetMetrics(m *observability.Metrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = m
}

// SetTracer attaches OpenTelemetry span instrumentation. Passing nil disables it.
func (b *BaseProvider) SetTracer(t *observability.Tracer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tracer = t
}

// NewBaseProvider constructs the shared base. name identifies the dialect
// for logging ("openai-compat", "anthropic").
func NewBaseProvider(name string, cfg Config, modelID string, rawLog RawLogCallback, reasoning bool, dialect Dialect, logger *slog.Logger) (*BaseProvider, error) {
	if err := ValidateBaseURL(cfg.BaseURL, cfg.AllowInsecureHTTP); err != nil {
		return nil, err
	}
	return &BaseProvider{
		name:      name,
		config:    cfg,
		modelID:   modelID,
		rawLog:    rawLog,
		reasoning: reasoning,
		dialect:   dialect,
		logger:    logging.EnsureLoggerWithComponent(logger, "provider."+name),
	}, nil
}

// SetRawLogCallback replaces the raw-log hook (used by ProviderRegistry's
// SetRawLogCallback broadcast).
func (b *BaseProvider) SetRawLogCallback(cb RawLogCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rawLog = cb
}

func (b *BaseProvider) apiKey() (string, error) {
	if b.config.AuthMethod == AuthNone || b.config.APIKeyEnv == "" {
		return "", nil
	}
	key := os.Getenv(b.config.APIKeyEnv)
	if key == "" {
		return "", fmt.Errorf("%s: environment variable %s is not set", b.name, b.config.APIKeyEnv)
	}
	return key, nil
}

func (b *BaseProvider) buildHeaders() (http.Header, error) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	key, err := b.apiKey()
	if err != nil {
		return nil, err
	}
	if key != "" {
		switch b.config.AuthMethod {
		case AuthBearer:
			h.Set("Authorization", "Bearer "+key)
		case AuthAPIKey:
			h.Set("api-key", key)
		case AuthXAPIKey:
			h.Set("x-api-key", key)
		case AuthNone:
		default:
			h.Set("Authorization", "Bearer "+key)
		}
	}
	for k, v := range b.config.ExtraHeaders {
		h.Set(k, v)
	}
	if aug, ok := b.dialect.(HeaderAugmenter); ok {
		aug.AugmentHeaders(h)
	}
	return h, nil
}

// httpClient lazily constructs and caches the client, including SSL-context
// handling: if SSLCACert is set, load it into the client's transport; if
// loading the bundle fails with a not-found error (the certifi-on-Windows
// case the original guards against), retry once using the system cert pool.
func (b *BaseProvider) httpClient() (*http.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("%s: provider is closed", b.name)
	}
	if b.client != nil {
		return b.client, nil
	}

	timeout := b.config.RequestTimeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	transport := &http.Transport{}
	if b.config.SSLCACert != "" {
		pool, err := loadCertPool(b.config.SSLCACert)
		if err != nil {
			// Retry once against the system pool, matching the original's
			// fallback for the "file-not-found" certifi path quirk.
			sysPool, sysErr := x509.SystemCertPool()
			if sysErr != nil || sysPool == nil {
				return nil, fmt.Errorf("%s: failed to load CA bundle %q and no system pool available: %w", b.name, b.config.SSLCACert, err)
			}
			pool = sysPool
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}
	if !b.config.VerifySSL {
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{}
		}
		transport.TLSClientConfig.InsecureSkipVerify = true
	}

	b.client = &http.Client{Timeout: timeout, Transport: transport}
	return b.client, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// Close shuts down the cached HTTP client's idle connections. Idempotent:
// calling it any number of times has the same effect as calling it once
// (spec testable property #6).
func (b *BaseProvider) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		b.client.CloseIdleConnections()
	}
	b.client = nil
	b.closed = true
	return nil
}

func (b *BaseProvider) maxRetries() int {
	if b.config.MaxRetries != nil {
		return *b.config.MaxRetries
	}
	return DefaultMaxRetries
}

func (b *BaseProvider) retryBackoff() float64 {
	if b.config.RetryBackoff > 0 {
		return b.config.RetryBackoff
	}
	return DefaultRetryBackoff
}

// calculateRetryDelay implements base^attempt + uniform[0,1) jitter, capped
// at MaxRetryDelay (spec §4.5; exact formula from the original's
// _calculate_retry_delay).
func (b *BaseProvider) calculateRetryDelay(attempt int) time.Duration {
	base := b.retryBackoff()
	delay := powf(base, attempt) + rand.Float64()
	d := time.Duration(delay * float64(time.Second))
	if d > MaxRetryDelay {
		return MaxRetryDelay
	}
	return d
}

func powf(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// readCappedBody reads up to ErrorBodyCap bytes of body.
func readCappedBody(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, ErrorBodyCap))
	if err != nil && err != io.EOF {
		return data, err
	}
	return data, nil
}

// ProviderError is raised for network failure after retries, auth failure,
// non-retryable HTTP status, or malformed response body (spec §7).
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: http %d: %s", e.Provider, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// doRequest executes one HTTP round trip with the base's retry policy. When
// stream is true, a successful response's body is returned unread (and NOT
// closed) for the caller to stream; on any non-2xx or network failure path
// the body is drained/closed internally.
func (b *BaseProvider) doRequest(ctx context.Context, messages []coretypes.Message, tools []map[string]any, stream bool) (*http.Response, error) {
	ctx, span := b.tracer.TraceLLMRequest(ctx, b.name, b.modelID)
	defer span.End()

	resp, err := b.doRequestRetrying(ctx, messages, tools, stream)
	if err != nil {
		b.tracer.RecordError(span, err)
	}
	return resp, err
}

func (b *BaseProvider) doRequestRetrying(ctx context.Context, messages []coretypes.Message, tools []map[string]any, stream bool) (*http.Response, error) {
	client, err := b.httpClient()
	if err != nil {
		return nil, err
	}
	headers, err := b.buildHeaders()
	if err != nil {
		return nil, err
	}
	endpoint := b.dialect.BuildEndpoint(stream)
	bodyObj := b.dialect.BuildRequestBody(messages, tools, stream)
	payload, err := json.Marshal(bodyObj)
	if err != nil {
		return nil, fmt.Errorf("%s: encoding request body: %w", b.name, err)
	}

	maxRetries := b.maxRetries()
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("%s: building request: %w", b.name, err)
		}
		req.Header = headers.Clone()
		req.Header.Set("X-Request-Id", uuid.NewString())

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxRetries {
				b.logger.Warn("request failed, retrying", "attempt", attempt, "err", err)
				if !sleepOrDone(ctx, b.calculateRetryDelay(attempt)) {
					return nil, ctx.Err()
				}
				continue
			}
			return nil, fmt.Errorf("%s: request failed after %d attempts: %w", b.name, attempt+1, err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		bodyBytes, _ := readCappedBody(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == 401 || resp.StatusCode == 403 || resp.StatusCode == 404 {
			return nil, &ProviderError{Provider: b.name, StatusCode: resp.StatusCode, Body: string(bodyBytes)}
		}
		if RetryableStatusCodes[resp.StatusCode] && attempt < maxRetries {
			b.logger.Warn("retryable status, retrying", "status", resp.StatusCode, "attempt", attempt)
			if !sleepOrDone(ctx, b.calculateRetryDelay(attempt)) {
				return nil, ctx.Err()
			}
			lastErr = &ProviderError{Provider: b.name, StatusCode: resp.StatusCode, Body: string(bodyBytes)}
			continue
		}
		return nil, &ProviderError{Provider: b.name, StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}
	return nil, lastErr
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Complete performs a non-streaming completion.
func (b *BaseProvider) Complete(ctx context.Context, messages []coretypes.Message, tools []map[string]any) (coretypes.Message, error) {
	start := time.Now()
	msg, err := b.complete(ctx, messages, tools)
	status := "success"
	if err != nil {
		status = "error"
	}
	b.metrics.RecordLLMRequest(b.name, b.modelID, status, time.Since(start).Seconds(), 0, 0)
	return msg, err
}

func (b *BaseProvider) complete(ctx context.Context, messages []coretypes.Message, tools []map[string]any) (coretypes.Message, error) {
	resp, err := b.doRequest(ctx, messages, tools, false)
	if err != nil {
		return coretypes.Message{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return coretypes.Message{}, fmt.Errorf("%s: reading response body: %w", b.name, err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return coretypes.Message{}, fmt.Errorf("%s: decoding response json: %w", b.name, err)
	}
	if b.rawLog != nil {
		b.rawLog.OnChunk(parsed)
	}
	return b.dialect.ParseResponse(parsed)
}

// Stream performs a streaming completion, returning a channel of
// StreamEvents. The channel is closed when the dialect's stream parser
// finishes (always terminating with a StreamComplete, per spec §4.5).
func (b *BaseProvider) Stream(ctx context.Context, messages []coretypes.Message, tools []map[string]any) (<-chan coretypes.StreamEvent, error) {
	start := time.Now()
	resp, err := b.doRequest(ctx, messages, tools, true)
	if err != nil {
		b.metrics.RecordLLMRequest(b.name, b.modelID, "error", time.Since(start).Seconds(), 0, 0)
		return nil, err
	}
	b.metrics.RecordLLMRequest(b.name, b.modelID, "success", time.Since(start).Seconds(), 0, 0)
	return b.dialect.ParseStream(ctx, resp.Body, b.rawLog)
}
