// Package retry decides what to do with a failed chat request: retry it
// automatically, leave it for the user to retry, or give up.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/url"
	"syscall"
	"time"
)

// Class is the failure category of an error.
type Class string

const (
	Cancelled      Class = "cancelled"
	Timeout        Class = "timeout"
	RateLimited    Class = "rate_limited"
	ServerError    Class = "server_error"
	ClientError    Class = "client_error"
	NetworkFailure Class = "network_failure"
	ProtocolError  Class = "protocol_error"
	// GenerationFailed means the service accepted the request but reported
	// that it could not produce an answer.
	GenerationFailed Class = "generation_failed"
	Unknown          Class = "unknown"
)

// ErrConnectionDropped marks a stream that ended before any content arrived.
var ErrConnectionDropped = errors.New("connection dropped during streaming")

// ErrGenerationFailed marks an answer the service itself gave up on.
var ErrGenerationFailed = errors.New("chat service failed to generate an answer")

// Decision is the classifier's verdict for one error.
type Decision struct {
	Class Class
	// CanRetry means the user may retry the message by hand.
	CanRetry bool
	// ShouldRetry means the engine retries automatically.
	ShouldRetry bool
	// RetryAfter overrides the backoff schedule when non-zero.
	RetryAfter time.Duration
}

// statusCoder is implemented by HTTP status errors (chatapi.StatusError).
type statusCoder interface {
	StatusCode() int
}

type retryAfterHinter interface {
	RetryAfterHint() time.Duration
}

// Classify applies the default policy's rules to err.
func Classify(err error) Decision {
	return DefaultPolicy().Classify(err)
}

// Classify maps err to a Decision. Rules are checked in priority order.
func (p Policy) Classify(err error) Decision {
	if err == nil {
		return Decision{Class: Unknown}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: Cancelled}
	}

	if isTimeout(err) {
		return Decision{Class: Timeout, CanRetry: true, ShouldRetry: true}
	}

	if errors.Is(err, ErrGenerationFailed) {
		return Decision{Class: GenerationFailed, CanRetry: true}
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		switch {
		case code >= 500:
			return Decision{Class: ServerError, CanRetry: true, ShouldRetry: true}
		case code == 429:
			wait := p.RateLimitDelay
			var ra retryAfterHinter
			if errors.As(err, &ra) && ra.RetryAfterHint() > 0 {
				wait = ra.RetryAfterHint()
			}
			return Decision{Class: RateLimited, CanRetry: true, ShouldRetry: true, RetryAfter: wait}
		case code >= 400:
			return Decision{Class: ClientError, CanRetry: true}
		}
	}

	if isNetwork(err) {
		return Decision{Class: NetworkFailure, CanRetry: true, ShouldRetry: true}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return Decision{Class: ProtocolError}
	}

	return Decision{Class: Unknown}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isNetwork(err error) bool {
	if errors.Is(err, ErrConnectionDropped) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// Summary is the user-facing text stored on a failed message.
func Summary(c Class) string {
	switch c {
	case Timeout:
		return "Request timed out. Please try again."
	case RateLimited:
		return "Too many requests. Please wait a moment and try again."
	case ServerError:
		return "Server error occurred. Please try again."
	case ClientError:
		return "Request failed. Please check your input and try again."
	case NetworkFailure:
		return "Connection failed. Please check your internet connection."
	case ProtocolError:
		return "Received an unreadable response. Please try again."
	case GenerationFailed:
		return "The assistant could not finish this answer. Please try again."
	case Cancelled:
		return "Cancelled."
	default:
		return "An unexpected error occurred. Please try again."
	}
}
