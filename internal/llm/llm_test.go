package llm

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/planweave/planweave/internal/config"
	"github.com/planweave/planweave/internal/retry"
)

func TestNewSelectsProvider(t *testing.T) {
	cases := []struct {
		name     string
		provider string
		apiKey   string
		wantName string
		wantErr  bool
	}{
		{name: "mock", provider: "mock", wantName: "mock"},
		{name: "openai", provider: "openai", apiKey: "test", wantName: "openai"},
		{name: "default is openai", provider: "", apiKey: "test", wantName: "openai"},
		{name: "openai compatible", provider: "openai-compatible", apiKey: "test", wantName: "openai"},
		{name: "anthropic", provider: "anthropic", apiKey: "test", wantName: "anthropic"},
		{name: "gemini alias", provider: "gemini", apiKey: "test", wantName: "google"},
		{name: "unknown", provider: "llamafarm", wantErr: true},
		{name: "openai missing key", provider: "openai", wantErr: true},
		{name: "anthropic missing key", provider: "anthropic", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := New(config.LLMProfile{Provider: tc.provider, APIKey: tc.apiKey, Model: "m"})
			if tc.wantErr {
				if err == nil {
					t.Fatalf("New(%q) succeeded, want error", tc.provider)
				}
				return
			}
			if err != nil {
				t.Fatalf("New(%q) failed: %v", tc.provider, err)
			}
			if p.Name() != tc.wantName {
				t.Errorf("Name() = %q, want %q", p.Name(), tc.wantName)
			}
		})
	}
}

func TestMockScriptedReplies(t *testing.T) {
	mock := NewMock(
		MockReply{Text: "first"},
		MockReply{Err: errors.New("scripted failure")},
	)

	resp, err := mock.Complete(context.Background(), &Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("first Complete failed: %v", err)
	}
	if resp.Text != "first" {
		t.Errorf("Text = %q, want %q", resp.Text, "first")
	}

	if _, err := mock.Complete(context.Background(), &Request{}); err == nil || err.Error() != "scripted failure" {
		t.Errorf("second Complete error = %v, want scripted failure", err)
	}

	if _, err := mock.Complete(context.Background(), &Request{}); err == nil {
		t.Error("exhausted mock should error without DefaultText")
	}

	mock.DefaultText = "fallback"
	resp, err = mock.Complete(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("fallback Complete failed: %v", err)
	}
	if resp.Text != "fallback" {
		t.Errorf("Text = %q, want %q", resp.Text, "fallback")
	}

	if got := mock.Calls(); got != 4 {
		t.Errorf("Calls() = %d, want 4", got)
	}
	reqs := mock.Requests()
	if len(reqs) != 4 {
		t.Fatalf("len(Requests()) = %d, want 4", len(reqs))
	}
	if len(reqs[0].Messages) != 1 || reqs[0].Messages[0].Content != "hi" {
		t.Errorf("recorded request messages = %+v", reqs[0].Messages)
	}
}

func TestMockHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mock := NewMock(MockReply{Text: "never"})
	if _, err := mock.Complete(ctx, &Request{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Complete error = %v, want context.Canceled", err)
	}
	if mock.Calls() != 0 {
		t.Errorf("cancelled call was recorded, Calls() = %d", mock.Calls())
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want Reason
	}{
		{"context deadline exceeded", ReasonTimeout},
		{"request timeout after 30s", ReasonTimeout},
		{"429 Too Many Requests", ReasonRateLimit},
		{"rate limit exceeded, retry later", ReasonRateLimit},
		{"401 Unauthorized", ReasonAuth},
		{"invalid api key provided", ReasonAuth},
		{"response blocked by safety settings", ReasonContentFilter},
		{"upstream 503 service unavailable", ReasonServerError},
		{"model overloaded", ReasonServerError},
		{"no such parameter", ReasonUnknown},
	}

	for _, tc := range cases {
		if got := Classify(errors.New(tc.msg)); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.msg, got, tc.want)
		}
	}
	if got := Classify(nil); got != ReasonUnknown {
		t.Errorf("Classify(nil) = %s, want unknown", got)
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Reason
	}{
		{http.StatusUnauthorized, ReasonAuth},
		{http.StatusForbidden, ReasonAuth},
		{http.StatusTooManyRequests, ReasonRateLimit},
		{http.StatusBadRequest, ReasonInvalidRequest},
		{http.StatusNotFound, ReasonInvalidRequest},
		{http.StatusUnprocessableEntity, ReasonInvalidRequest},
		{http.StatusRequestTimeout, ReasonTimeout},
		{http.StatusGatewayTimeout, ReasonTimeout},
		{http.StatusInternalServerError, ReasonServerError},
		{http.StatusBadGateway, ReasonServerError},
		{200, ReasonUnknown},
		{0, ReasonUnknown},
	}

	for _, tc := range cases {
		if got := classifyStatus(tc.status); got != tc.want {
			t.Errorf("classifyStatus(%d) = %s, want %s", tc.status, got, tc.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := &ProviderError{Reason: ReasonRateLimit, Provider: "openai"}
	if !IsRetryable(retryable) {
		t.Error("rate_limit should be retryable")
	}
	permanent := &ProviderError{Reason: ReasonInvalidRequest, Provider: "openai"}
	if IsRetryable(permanent) {
		t.Error("invalid_request should not be retryable")
	}
	if !IsRetryable(errors.New("connection timeout")) {
		t.Error("timeout message should be retryable")
	}
	if IsRetryable(errors.New("boom")) {
		t.Error("unclassified error should not be retryable")
	}
}

func TestProviderErrorMessage(t *testing.T) {
	err := &ProviderError{
		Reason:   ReasonServerError,
		Provider: "anthropic",
		Model:    "claude-x",
		Status:   503,
		Cause:    errors.New("overloaded"),
	}
	got := err.Error()
	want := "[server_error] anthropic model=claude-x status=503 overloaded"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, err.Cause) {
		t.Error("Unwrap should expose the cause")
	}
}

func TestWrapErrorPrefersStatus(t *testing.T) {
	// The message alone would classify as timeout; the status wins.
	err := wrapError("openai", "gpt-x", http.StatusTooManyRequests, errors.New("timeout while waiting"))
	if err.Reason != ReasonRateLimit {
		t.Errorf("Reason = %s, want rate_limit", err.Reason)
	}

	// Unknown status falls back to message sniffing.
	err = wrapError("openai", "gpt-x", 0, errors.New("rate limit exceeded"))
	if err.Reason != ReasonRateLimit {
		t.Errorf("Reason = %s, want rate_limit", err.Reason)
	}
}

func TestCallWithRetryTransientThenSuccess(t *testing.T) {
	calls := 0
	resp, err := callWithRetry(context.Background(), 0, func(ctx context.Context) (*Response, error) {
		calls++
		if calls == 1 {
			return nil, wrapError("test", "m", http.StatusTooManyRequests, errors.New("try again"))
		}
		return &Response{Text: "ok"}, nil
	})
	if err != nil {
		t.Fatalf("callWithRetry failed: %v", err)
	}
	if resp.Text != "ok" {
		t.Errorf("Text = %q, want %q", resp.Text, "ok")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestCallWithRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	_, err := callWithRetry(context.Background(), 0, func(ctx context.Context) (*Response, error) {
		calls++
		return nil, wrapError("test", "m", http.StatusUnauthorized, errors.New("bad key"))
	})
	if err == nil {
		t.Fatal("callWithRetry succeeded, want error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !retry.IsPermanent(err) {
		t.Errorf("error not marked permanent: %v", err)
	}
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Reason != ReasonAuth {
		t.Errorf("unwrapped error = %v, want auth ProviderError", err)
	}
}

func TestCallWithRetryAppliesPerAttemptTimeout(t *testing.T) {
	var sawDeadline bool
	_, err := callWithRetry(context.Background(), 50*time.Millisecond, func(ctx context.Context) (*Response, error) {
		_, sawDeadline = ctx.Deadline()
		return &Response{Text: "ok"}, nil
	})
	if err != nil {
		t.Fatalf("callWithRetry failed: %v", err)
	}
	if !sawDeadline {
		t.Error("attempt context has no deadline")
	}
}

func TestInstrumentedPassThrough(t *testing.T) {
	mock := NewMock(MockReply{Text: "hello"})
	wrapped := Instrument(mock, "conversation", nil, nil)

	if wrapped.Name() != "mock" {
		t.Errorf("Name() = %q, want mock", wrapped.Name())
	}
	resp, err := wrapped.Complete(context.Background(), &Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Text != "hello" {
		t.Errorf("Text = %q, want %q", resp.Text, "hello")
	}

	failing := Instrument(NewMock(MockReply{Err: errors.New("down")}), "decompose", nil, nil)
	if _, err := failing.Complete(context.Background(), &Request{}); err == nil {
		t.Error("Complete should propagate provider error")
	}
}

func TestAnthropicConvertMessages(t *testing.T) {
	p := &anthropicProvider{}
	got := p.convertMessages([]Message{
		{Role: RoleUser, Content: "question"},
		{Role: RoleAssistant, Content: "answer"},
		{Role: RoleUser, Content: ""},
		{Role: RoleUser, Content: "followup"},
	})
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if string(got[0].Role) != "user" || string(got[1].Role) != "assistant" || string(got[2].Role) != "user" {
		t.Errorf("roles = %s, %s, %s", got[0].Role, got[1].Role, got[2].Role)
	}
}

func TestGoogleConvertMessages(t *testing.T) {
	p := &googleProvider{}
	got := p.convertMessages([]Message{
		{Role: RoleSystem, Content: "instructions"},
		{Role: RoleUser, Content: "question"},
		{Role: RoleAssistant, Content: "answer"},
	})
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Role != "user" {
		t.Errorf("first role = %q, want user", got[0].Role)
	}
	if got[1].Role != "model" {
		t.Errorf("second role = %q, want model", got[1].Role)
	}
	if got[0].Parts[0].Text != "question" {
		t.Errorf("first part = %q", got[0].Parts[0].Text)
	}
}
