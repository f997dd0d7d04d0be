// Package chat drives conversation turns against the chat service: it sends
// messages, retries failed attempts, recovers interrupted answers by polling
// and replays messages queued while offline.
package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/chatline/internal/chatapi"
	"github.com/kalambet/chatline/internal/conversation"
	"github.com/kalambet/chatline/internal/health"
	"github.com/kalambet/chatline/internal/outbox"
	"github.com/kalambet/chatline/internal/retry"
	"golang.org/x/sync/semaphore"
)

var (
	ErrTurnActive   = errors.New("another message is still in progress")
	ErrNotConnected = errors.New("not connected to the chat service")
	ErrEmptyMessage = errors.New("message is empty")
	ErrNotRetryable = conversation.ErrNotRetryable
)

// API is the chat service as seen by the client.
type API interface {
	OpenStream(ctx context.Context, conversationID string, req chatapi.SendRequest) (io.ReadCloser, error)
	State(ctx context.Context, conversationID string) (chatapi.ConversationState, error)
}

// Monitor reports connectivity and announces reconnects.
type Monitor interface {
	Status() health.Status
	Connected() bool
	Probe(ctx context.Context) bool
	MarkReconnecting()
	OnReconnect(fn func())
}

// Deps holds everything a Client needs. Zero durations fall back to 120s for
// requests, 2s between polls and 2m of polling.
type Deps struct {
	API            API
	Store          *conversation.Store
	Queue          *outbox.Queue
	Monitor        Monitor
	Policy         retry.Policy
	RequestTimeout time.Duration
	PollInterval   time.Duration
	PollTimeout    time.Duration
	Logger         *slog.Logger
}

type inflight struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Client is the single owner of a conversation session.
type Client struct {
	api            API
	store          *conversation.Store
	queue          *outbox.Queue
	monitor        Monitor
	policy         retry.Policy
	requestTimeout time.Duration
	pollInterval   time.Duration
	pollTimeout    time.Duration
	logger         *slog.Logger

	// slot admits one turn at a time. It is held from dispatch until the
	// answer is final or polling gives up.
	slot *semaphore.Weighted
	// flushMu serializes queue drains.
	flushMu    sync.Mutex
	recovering atomic.Bool

	base       context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	active map[string]*inflight
}

// New creates a Client and subscribes it to the monitor's reconnect events.
func New(d Deps) *Client {
	if d.Policy.MaxAttempts < 1 {
		d.Policy = retry.DefaultPolicy()
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 120 * time.Second
	}
	if d.PollInterval <= 0 {
		d.PollInterval = 2 * time.Second
	}
	if d.PollTimeout <= 0 {
		d.PollTimeout = 2 * time.Minute
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	c := &Client{
		api:            d.API,
		store:          d.Store,
		queue:          d.Queue,
		monitor:        d.Monitor,
		policy:         d.Policy,
		requestTimeout: d.RequestTimeout,
		pollInterval:   d.PollInterval,
		pollTimeout:    d.PollTimeout,
		logger:         d.Logger,
		slot:           semaphore.NewWeighted(1),
		base:           base,
		cancelBase:     cancel,
		active:         make(map[string]*inflight),
	}
	d.Monitor.OnReconnect(c.onReconnect)
	return c
}

// SendMessage dispatches content as a new turn and blocks until the answer
// is final, polling has given up, or the message is cancelled.
//
// While another turn is in progress the call is rejected with ErrTurnActive
// and nothing changes. While disconnected the content is queued; the call
// then probes once and either replays the queue or returns ErrNotConnected
// with the content still queued.
func (c *Client) SendMessage(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}

	if !c.monitor.Connected() {
		c.queue.Push(content)
		c.monitor.MarkReconnecting()
		c.logger.Info("queued message while offline", "queued", c.queue.Len())
		if !c.monitor.Probe(ctx) {
			return ErrNotConnected
		}
		return c.drain(ctx)
	}

	if !c.slot.TryAcquire(1) {
		c.logger.Warn("rejecting send while a turn is active")
		return ErrTurnActive
	}
	defer c.slot.Release(1)

	_, assistant, lease := c.store.BeginTurn(content)
	c.runTurn(ctx, lease, content, assistant.ReplyTo)
	return nil
}

// RetryMessage re-sends the original content of a failed message under the
// same id. Messages that are not failed with canRetry set are left alone and
// ErrNotRetryable is returned.
func (c *Client) RetryMessage(ctx context.Context, id string) error {
	m, ok := c.store.Get(id)
	if !ok {
		return conversation.ErrNotFound
	}
	if m.Status != conversation.StatusFailed || !m.CanRetry || m.OriginalContent == "" {
		return ErrNotRetryable
	}
	if !c.monitor.Connected() && !c.monitor.Probe(ctx) {
		return ErrNotConnected
	}
	if !c.slot.TryAcquire(1) {
		return ErrTurnActive
	}
	defer c.slot.Release(1)

	m, lease, err := c.store.Reopen(id)
	if err != nil {
		return err
	}
	c.logger.Info("retrying message", "message_id", id)
	c.runTurn(ctx, lease, m.OriginalContent, m.ReplyTo)
	return nil
}

// CancelMessage stops any request or poll for id and marks the message
// cancelled. It waits for the turn to unwind so a following send is not
// rejected. It reports false when nothing was in progress for id.
// It must not be called from a conversation.Store observer.
func (c *Client) CancelMessage(id string) bool {
	marked := c.store.Cancel(id)

	c.mu.Lock()
	f, ok := c.active[id]
	c.mu.Unlock()
	if ok {
		f.cancel()
		<-f.done
	}
	if ok || marked {
		c.logger.Info("message cancelled", "message_id", id)
	}
	return ok || marked
}

// StartNewConversation abandons in-flight work, drops the queue and starts
// a fresh conversation. It returns the new conversation id.
func (c *Client) StartNewConversation() string {
	id := c.store.Reset()
	c.queue.Clear()
	c.cancelAll()
	return id
}

// ClearMessages abandons in-flight work and empties the message log.
func (c *Client) ClearMessages() {
	c.store.Clear()
	c.cancelAll()
}

// Messages returns the message log.
func (c *Client) Messages() []conversation.Message { return c.store.Messages() }

// QueuedMessages returns content waiting for connectivity, oldest first.
func (c *Client) QueuedMessages() []string { return c.queue.Items() }

// ConnectionStatus returns the current connectivity label.
func (c *Client) ConnectionStatus() health.Status { return c.monitor.Status() }

// ConversationID returns the active conversation id.
func (c *Client) ConversationID() string { return c.store.ConversationID() }

// Unread reports whether an answer arrived since MarkAsRead.
func (c *Client) Unread() bool { return c.store.Unread() }

// MarkAsRead clears the unread flag.
func (c *Client) MarkAsRead() { c.store.MarkRead() }

// Close stops background recovery and aborts in-flight requests. Messages
// still in progress keep their status so a later session can recover them.
func (c *Client) Close() {
	c.cancelBase()
	c.wg.Wait()
}

func (c *Client) cancelAll() {
	c.mu.Lock()
	pending := make([]*inflight, 0, len(c.active))
	for _, f := range c.active {
		pending = append(pending, f)
	}
	c.mu.Unlock()

	for _, f := range pending {
		f.cancel()
		<-f.done
	}
}

// track registers an abortable context for the message held by lease.
func (c *Client) track(ctx context.Context, id string) (context.Context, func()) {
	msgCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.base, cancel)
	f := &inflight{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.active[id] = f
	c.mu.Unlock()

	return msgCtx, func() {
		stop()
		cancel()
		c.mu.Lock()
		if c.active[id] == f {
			delete(c.active, id)
		}
		c.mu.Unlock()
		close(f.done)
	}
}

// abandon settles a message whose context was cancelled. A shutdown leaves
// it in progress for recovery; anything else is a user cancellation.
func (c *Client) abandon(lease conversation.Lease) {
	if c.base.Err() != nil {
		c.store.Release(lease)
		return
	}
	c.store.Cancel(lease.MessageID())
}
