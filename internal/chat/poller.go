package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kalambet/chatline/internal/chatapi"
	"github.com/kalambet/chatline/internal/conversation"
	"github.com/kalambet/chatline/internal/retry"
)

// poll asks the service for the final state of an interrupted answer every
// pollInterval until it settles or pollTimeout passes. Giving up leaves the
// last known content and status in place and marks the message so that
// reconnects do not poll it again.
func (c *Client) poll(msgCtx context.Context, lease conversation.Lease, convID string) {
	id := lease.MessageID()
	ok := c.store.Apply(lease, func(m *conversation.Message) {
		m.Streaming = true
		m.Polling = true
		m.PollExpired = false
	})
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(msgCtx, c.pollTimeout)
	defer cancel()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if msgCtx.Err() != nil {
				c.abandon(lease)
				return
			}
			c.logger.Warn("gave up polling for completion", "message_id", id, "after", c.pollTimeout)
			c.giveUp(lease)
			return
		case <-ticker.C:
			if !c.store.Holds(lease) {
				return
			}
			done, err := c.pollOnce(ctx, lease, convID)
			if isNotFound(err) {
				c.logger.Warn("service does not know the conversation, stopped polling", "message_id", id)
				c.giveUp(lease)
				return
			}
			if err != nil {
				c.logger.Debug("completion poll failed", "message_id", id, "error", err)
				continue
			}
			if done {
				return
			}
		}
	}
}

// giveUp parks the message in its last known state until a manual refresh.
func (c *Client) giveUp(lease conversation.Lease) {
	c.store.Apply(lease, func(m *conversation.Message) {
		m.Streaming = false
		m.Polling = false
		m.PollExpired = true
	})
	c.store.Release(lease)
}

// pollOnce fetches the conversation state once and settles the message when
// the service reports it completed or failed.
func (c *Client) pollOnce(ctx context.Context, lease conversation.Lease, convID string) (bool, error) {
	state, err := c.api.State(ctx, convID)
	if err != nil {
		return false, fmt.Errorf("fetching conversation state: %w", err)
	}
	if reason, failed := state.Failed(lease.MessageID()); failed {
		err := fmt.Errorf("%w: %s", retry.ErrGenerationFailed, reason)
		d := c.policy.Classify(err)
		c.logger.Error("message failed", "message_id", lease.MessageID(), "class", d.Class, "error", err)
		c.fail(lease, d, c.originalContent(lease.MessageID()))
		return true, nil
	}
	content, chunks, ok := state.Completed(lease.MessageID())
	if !ok {
		return false, nil
	}
	c.complete(lease, &finalAnswer{content: content, chunks: chunks})
	return true, nil
}

// originalContent is the user text an assistant message answers.
func (c *Client) originalContent(id string) string {
	m, ok := c.store.Get(id)
	if !ok {
		return ""
	}
	if m.OriginalContent != "" {
		return m.OriginalContent
	}
	if user, ok := c.store.Get(m.ReplyTo); ok {
		return user.Content
	}
	return ""
}

func isNotFound(err error) bool {
	var se *chatapi.StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Refresh checks once whether the service finished a message that was left
// in progress. It reports whether the message is now completed.
func (c *Client) Refresh(ctx context.Context, id string) (bool, error) {
	_, lease, ok := c.store.Adopt(id)
	if !ok {
		m, found := c.store.Get(id)
		switch {
		case !found:
			return false, conversation.ErrNotFound
		case m.Status.Final() || m.Role != conversation.RoleAssistant:
			return m.Status == conversation.StatusCompleted, nil
		}
		return false, ErrTurnActive
	}
	defer c.store.Release(lease)

	if _, err := c.pollOnce(ctx, lease, c.store.ConversationID()); err != nil {
		return false, err
	}
	m, _ := c.store.Get(id)
	return m.Status == conversation.StatusCompleted, nil
}
