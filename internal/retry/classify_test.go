package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
	"testing"
	"time"
)

type fakeStatusError struct {
	code       int
	retryAfter time.Duration
}

func (e *fakeStatusError) Error() string                 { return fmt.Sprintf("status %d", e.code) }
func (e *fakeStatusError) StatusCode() int               { return e.code }
func (e *fakeStatusError) RetryAfterHint() time.Duration { return e.retryAfter }

func TestClassify(t *testing.T) {
	var syntaxErr error
	if err := json.Unmarshal([]byte("{"), &struct{}{}); err != nil {
		syntaxErr = fmt.Errorf("decoding state: %w", err)
	}

	tests := []struct {
		name        string
		err         error
		class       Class
		canRetry    bool
		shouldRetry bool
		retryAfter  time.Duration
	}{
		{"user cancel", fmt.Errorf("executing request: %w", context.Canceled), Cancelled, false, false, 0},
		{"deadline", &url.Error{Op: "Post", URL: "http://x", Err: context.DeadlineExceeded}, Timeout, true, true, 0},
		{"server 500", &fakeStatusError{code: 500}, ServerError, true, true, 0},
		{"server 503 wrapped", fmt.Errorf("attempt 2: %w", &fakeStatusError{code: 503}), ServerError, true, true, 0},
		{"429 with header", &fakeStatusError{code: 429, retryAfter: 2 * time.Second}, RateLimited, true, true, 2 * time.Second},
		{"429 default", &fakeStatusError{code: 429}, RateLimited, true, true, 5 * time.Second},
		{"400", &fakeStatusError{code: 400}, ClientError, true, false, 0},
		{"404", &fakeStatusError{code: 404}, ClientError, true, false, 0},
		{"connection refused", &url.Error{Op: "Post", URL: "http://x", Err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}}, NetworkFailure, true, true, 0},
		{"dns", &net.DNSError{Err: "no such host", Name: "chat.invalid"}, NetworkFailure, true, true, 0},
		{"unexpected eof", fmt.Errorf("reading stream: %w", io.ErrUnexpectedEOF), NetworkFailure, true, true, 0},
		{"dropped", ErrConnectionDropped, NetworkFailure, true, true, 0},
		{"dropped after content", fmt.Errorf("%w: stream ended without completion", ErrConnectionDropped), NetworkFailure, true, true, 0},
		{"service reported failure", fmt.Errorf("%w: model overloaded", ErrGenerationFailed), GenerationFailed, true, false, 0},
		{"bad json", syntaxErr, ProtocolError, false, false, 0},
		{"other", errors.New("boom"), Unknown, false, false, 0},
		{"nil", nil, Unknown, false, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Classify(tt.err)
			if d.Class != tt.class {
				t.Errorf("Class = %q, want %q", d.Class, tt.class)
			}
			if d.CanRetry != tt.canRetry {
				t.Errorf("CanRetry = %v, want %v", d.CanRetry, tt.canRetry)
			}
			if d.ShouldRetry != tt.shouldRetry {
				t.Errorf("ShouldRetry = %v, want %v", d.ShouldRetry, tt.shouldRetry)
			}
			if d.RetryAfter != tt.retryAfter {
				t.Errorf("RetryAfter = %v, want %v", d.RetryAfter, tt.retryAfter)
			}
		})
	}
}

// TestClassify_CancelBeatsTimeout pins rule priority: an error that is both a
// cancellation and a deadline reads as a silent cancel.
func TestClassify_CancelBeatsTimeout(t *testing.T) {
	err := errors.Join(context.Canceled, context.DeadlineExceeded)
	if got := Classify(err).Class; got != Cancelled {
		t.Errorf("Class = %q, want %q", got, Cancelled)
	}
}

func TestPolicyRateLimitDelay(t *testing.T) {
	p := DefaultPolicy()
	p.RateLimitDelay = 50 * time.Millisecond
	if got := p.Classify(&fakeStatusError{code: 429}).RetryAfter; got != 50*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 50ms", got)
	}
}

func TestSummary(t *testing.T) {
	for _, c := range []Class{Timeout, RateLimited, ServerError, ClientError, NetworkFailure, ProtocolError, GenerationFailed, Unknown} {
		if Summary(c) == "" {
			t.Errorf("Summary(%q) is empty", c)
		}
	}
	if Summary(Timeout) == Summary(ServerError) {
		t.Error("timeout and server error summaries should differ")
	}
	if Summary(GenerationFailed) == Summary(Unknown) {
		t.Error("generation failure falls back to the generic summary")
	}
}
