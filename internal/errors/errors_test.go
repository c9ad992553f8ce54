package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorMessage(t *testing.T) {
	err := ErrConnection(fmt.Errorf("dial tcp: refused")).WithBackend("ollama", "generate")
	want := "ollama: generate: connection failed: dial tcp: refused"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"connection", ErrConnection(nil), true},
		{"timeout", ErrTimeout(nil), true},
		{"rate limit", ErrRateLimit(time.Second, nil), true},
		{"generic 5xx", ErrGeneric("server error", nil), true},
		{"auth", ErrAuth(nil), false},
		{"model", ErrModel("llama3", nil), false},
		{"validation", ErrValidation("empty input"), false},
		{"parse", ErrParseFailure("no JSON found"), false},
		{"plain error", fmt.Errorf("boom"), false},
		{"nil", nil, false},
		{"wrapped transient", fmt.Errorf("call: %w", ErrTimeout(nil)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryAfter(t *testing.T) {
	err := ErrRateLimit(30*time.Second, nil)
	if got := RetryAfter(err); got != 30*time.Second {
		t.Errorf("RetryAfter() = %v, want 30s", got)
	}
	if got := RetryAfter(fmt.Errorf("plain")); got != 0 {
		t.Errorf("RetryAfter(plain) = %v, want 0", got)
	}
}

func TestIsMatchesOnCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", ErrTaskNotFound("TASK-1"))
	if !stderrors.Is(err, &Error{Code: CodeTaskNotFound}) {
		t.Error("expected Is to match on code")
	}
	if stderrors.Is(err, &Error{Code: CodeTimeout}) {
		t.Error("expected Is not to match different code")
	}
}

func TestCategory(t *testing.T) {
	tests := []struct {
		err  *Error
		want Category
	}{
		{ErrTimeout(nil), CategoryTransient},
		{ErrParseFailure("bad"), CategoryContent},
		{ErrConfigMissing("OLLAMA_URL"), CategoryConfiguration},
		{ErrPathCollision("a/b/c", "x"), CategoryInvariant},
		{ErrCanceled("stop"), CategoryCancellation},
		{&Error{Code: Code("NOPE")}, CategoryUnknown},
	}
	for _, tt := range tests {
		if got := tt.err.Category(); got != tt.want {
			t.Errorf("Category(%s) = %v, want %v", tt.err.Code, got, tt.want)
		}
	}
}

func TestAsErrorUnwraps(t *testing.T) {
	inner := ErrValidation("empty prompt")
	err := fmt.Errorf("render: %w", fmt.Errorf("prompt: %w", inner))
	got := AsError(err)
	if got == nil || got.Code != CodeValidation {
		t.Fatalf("AsError() = %v, want validation error", got)
	}
	if AsError(fmt.Errorf("plain")) != nil {
		t.Error("AsError(plain) should be nil")
	}
}
