// Package llm abstracts the chat completion providers behind a single
// non-streaming interface. The conversation agent, decomposer,
// executor, and auto-titler each hold their own profile, so a cheap
// deterministic model can drive decomposition while a stronger one
// handles conversation.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/planweave/planweave/internal/config"
	"github.com/planweave/planweave/internal/observability"
	"github.com/planweave/planweave/internal/retry"
)

// Roles for chat transcript messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-agnostic completion request. Zero values fall
// back to the provider's profile defaults.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64

	// JSONOnly asks the provider for a JSON-object response where the
	// API supports enforcing it. Callers still validate the payload.
	JSONOnly bool
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is the completed text plus accounting.
type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Provider is a non-streaming chat completion client. Implementations
// are safe for concurrent use.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// New builds a provider from a profile. Recognised providers:
// "openai" (and any OpenAI-compatible endpoint via api_url),
// "anthropic", "google"/"gemini", and "mock" for tests.
func New(profile config.LLMProfile) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(profile.Provider)) {
	case "openai", "openai-compatible", "":
		return newOpenAIProvider(profile)
	case "anthropic":
		return newAnthropicProvider(profile)
	case "google", "gemini":
		return newGoogleProvider(profile)
	case "mock":
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", profile.Provider)
	}
}

// retryConfig is the shared call-retry policy: jittered exponential
// backoff, three attempts, first delay one second.
func retryConfig() retry.Config {
	return retry.Exponential(3, time.Second, 15*time.Second)
}

// callWithRetry runs one provider call under the profile timeout per
// attempt, retrying transient failures.
func callWithRetry(ctx context.Context, timeout time.Duration, call func(ctx context.Context) (*Response, error)) (*Response, error) {
	resp, result := retry.DoWithValue(ctx, retryConfig(), func(int) (*Response, error) {
		attemptCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		resp, err := call(attemptCtx)
		if err != nil {
			if !IsRetryable(err) {
				return nil, retry.Permanent(err)
			}
			return nil, err
		}
		return resp, nil
	})
	if result.Err != nil {
		return nil, result.Err
	}
	return resp, nil
}

// Instrumented decorates a provider with per-subsystem metrics and
// debug logging.
type Instrumented struct {
	inner     Provider
	subsystem string
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// Instrument wraps a provider for one subsystem (conversation,
// decompose, execute, autotitle).
func Instrument(p Provider, subsystem string, logger *observability.Logger, metrics *observability.Metrics) *Instrumented {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Instrumented{
		inner:     p,
		subsystem: subsystem,
		logger:    logger.WithComponent("llm"),
		metrics:   metrics,
	}
}

func (i *Instrumented) Name() string { return i.inner.Name() }

func (i *Instrumented) Complete(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	resp, err := i.inner.Complete(ctx, req)
	elapsed := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}
	var usage Usage
	if resp != nil {
		usage = resp.Usage
	}
	if i.metrics != nil {
		i.metrics.RecordLLMRequest(i.subsystem, i.inner.Name(), status, elapsed.Seconds(), usage.PromptTokens, usage.CompletionTokens)
	}
	if err != nil {
		i.logger.Warn(ctx, "llm call failed",
			"subsystem", i.subsystem,
			"provider", i.inner.Name(),
			"duration_ms", elapsed.Milliseconds(),
			"error", err)
		return nil, err
	}
	i.logger.Debug(ctx, "llm call complete",
		"subsystem", i.subsystem,
		"provider", i.inner.Name(),
		"duration_ms", elapsed.Milliseconds(),
		"prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens)
	return resp, nil
}
