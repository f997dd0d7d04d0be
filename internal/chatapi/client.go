// Package chatapi is the HTTP client for the remote chat service.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultProbeTimeout = 5 * time.Second
	defaultStateTimeout = 15 * time.Second
	maxErrorBody        = 4 << 10
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// StatusCode returns the HTTP status.
func (e *StatusError) StatusCode() int { return e.Code }

// RetryAfterHint returns the server-provided delay, or zero.
func (e *StatusError) RetryAfterHint() time.Duration { return e.RetryAfter }

// Client talks to one chat service endpoint.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends the token as a bearer Authorization header.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client. Streaming requests rely
// on context deadlines, so the client should not set its own Timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client for the service rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the service root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health probes GET /health. A nil error means the service is live.
func (c *Client) Health(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultProbeTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probing health: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// OpenStream posts a message and returns the event stream body. The caller
// must close it. Cancelling ctx aborts the request and any pending read.
func (c *Client) OpenStream(ctx context.Context, conversationID string, sr SendRequest) (io.ReadCloser, error) {
	if sr.History == nil {
		sr.History = []HistoryEntry{}
	}
	body, err := json.Marshal(sr)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.conversationURL(conversationID, "messages"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp.Body, nil
}

// State fetches the service's view of the conversation.
func (c *Client) State(ctx context.Context, conversationID string) (ConversationState, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultStateTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.conversationURL(conversationID, "state"), nil)
	if err != nil {
		return ConversationState{}, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ConversationState{}, fmt.Errorf("requesting state: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ConversationState{}, statusError(resp)
	}

	var st ConversationState
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return ConversationState{}, fmt.Errorf("decoding state: %w", err)
	}
	return st, nil
}

func (c *Client) conversationURL(conversationID, leaf string) string {
	return c.baseURL + "/chat/conversations/" + url.PathEscape(conversationID) + "/" + leaf
}

func (c *Client) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func statusError(resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Code:       resp.StatusCode,
		RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		Body:       strings.TrimSpace(string(body)),
	}
}

// ParseRetryAfter reads a Retry-After header given as delta-seconds or an
// HTTP-date. It returns zero when the header is absent or unusable.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
