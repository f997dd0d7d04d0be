package chat

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/kalambet/chatline/internal/chatapi"
	"github.com/kalambet/chatline/internal/conversation"
	"github.com/kalambet/chatline/internal/retry"
	"github.com/kalambet/chatline/internal/sse"
)

type outcome int

const (
	// outcomeFailed means the attempt failed; the classifier decides whether
	// it is retried.
	outcomeFailed outcome = iota
	// outcomeSettled means the message reached a final status or lost its lease.
	outcomeSettled
	// outcomeInterrupted means the stream broke after partial content.
	outcomeInterrupted
)

// runTurn streams the answer for the leased assistant message, retrying
// per policy. replyTo is the user message the content came from; it is
// left out of the history because it travels as the message itself.
func (c *Client) runTurn(ctx context.Context, lease conversation.Lease, content, replyTo string) {
	id := lease.MessageID()
	msgCtx, finish := c.track(ctx, id)
	defer finish()

	convID := c.store.ConversationID()
	for attempt := 0; ; attempt++ {
		res, err := c.attempt(msgCtx, lease, convID, content, replyTo)
		switch res {
		case outcomeSettled:
			return
		case outcomeInterrupted:
			c.logger.Info("stream interrupted after partial content, polling for completion",
				"message_id", id, "error", err)
			c.poll(msgCtx, lease, convID)
			return
		}

		if msgCtx.Err() != nil {
			c.abandon(lease)
			return
		}

		d := c.policy.Classify(err)
		if d.Class == retry.Cancelled {
			c.abandon(lease)
			return
		}
		if d.ShouldRetry && !c.policy.Exhausted(attempt) {
			delay := c.policy.Delay(attempt, d)
			c.logger.Info("retrying message",
				"message_id", id, "attempt", attempt+1, "class", d.Class, "delay", delay, "error", err)
			applied := c.store.Apply(lease, func(m *conversation.Message) {
				m.Status = conversation.StatusRetrying
				m.Streaming = true
				m.RetryAttempt = attempt + 1
			})
			if !applied {
				return
			}
			if err := retry.Wait(msgCtx, delay); err != nil {
				c.abandon(lease)
				return
			}
			continue
		}

		c.logger.Error("message failed", "message_id", id, "attempt", attempt+1, "class", d.Class, "error", err)
		c.fail(lease, d, content)
		return
	}
}

// fail records a terminal failure with the user-facing summary for d.
func (c *Client) fail(lease conversation.Lease, d retry.Decision, content string) bool {
	return c.store.Apply(lease, func(m *conversation.Message) {
		m.Status = conversation.StatusFailed
		m.Content = retry.Summary(d.Class)
		m.Chunks = nil
		m.CanRetry = d.CanRetry
		m.OriginalContent = content
		m.ErrorClass = string(d.Class)
	})
}

// attempt performs one request and consumes its stream.
func (c *Client) attempt(msgCtx context.Context, lease conversation.Lease, convID, content, replyTo string) (outcome, error) {
	ctx, cancel := context.WithTimeout(msgCtx, c.requestTimeout)
	defer cancel()

	req := chatapi.SendRequest{
		Message:   content,
		History:   c.store.History(replyTo),
		MessageID: lease.MessageID(),
	}
	body, err := c.api.OpenStream(ctx, convID, req)
	if err != nil {
		return outcomeFailed, c.attemptErr(msgCtx, ctx, err)
	}
	defer body.Close()
	// Closing the body unblocks a pending read as soon as the attempt is
	// cancelled or times out.
	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer stop()

	dec := sse.NewDecoder(body).WithLogger(c.logger)
	received := false
	reported := ""
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			switch {
			case reported != "":
				return outcomeFailed, fmt.Errorf("%w: %s", retry.ErrGenerationFailed, reported)
			case !received:
				return outcomeFailed, retry.ErrConnectionDropped
			}
			// Only a done event finalizes an answer.
			return outcomeInterrupted, fmt.Errorf("%w: stream ended without completion", retry.ErrConnectionDropped)
		}
		if err != nil {
			err = c.attemptErr(msgCtx, ctx, err)
			if received && msgCtx.Err() == nil {
				return outcomeInterrupted, err
			}
			return outcomeFailed, err
		}
		if ctx.Err() != nil {
			// The body was closed underneath a read that already returned.
			if received && msgCtx.Err() == nil {
				return outcomeInterrupted, c.attemptErr(msgCtx, ctx, ctx.Err())
			}
			return outcomeFailed, c.attemptErr(msgCtx, ctx, ctx.Err())
		}

		if ev.Error != "" {
			c.logger.Warn("chat service reported an error event", "message_id", lease.MessageID(), "error", ev.Error)
			if !ev.Success {
				reported = ev.Error
			}
		}
		if ev.Done {
			if reported != "" {
				return outcomeFailed, fmt.Errorf("%w: %s", retry.ErrGenerationFailed, reported)
			}
			var final *finalAnswer
			if ev.Success && ev.Message != "" {
				final = &finalAnswer{content: ev.Message}
			}
			c.complete(lease, final)
			return outcomeSettled, nil
		}
		if !ev.Success || !ev.HasText() {
			continue
		}

		received = true
		applied := c.store.Apply(lease, func(m *conversation.Message) {
			if ev.Message != "" {
				m.Content = ev.Message
			}
			m.Chunks = &chatapi.Chunks{Message: ev.Message, Plan: ev.Plan, Code: ev.Code}
			m.Status = conversation.StatusStreaming
			m.Streaming = true
		})
		if !applied {
			return outcomeSettled, nil
		}
	}
}

// attemptErr normalizes errors raised after the attempt context ended so
// the classifier sees the cause rather than whatever the transport wrapped.
func (c *Client) attemptErr(msgCtx, attemptCtx context.Context, err error) error {
	switch {
	case msgCtx.Err() != nil:
		return fmt.Errorf("%w: %v", context.Canceled, err)
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

// complete finalizes the message. A nil final keeps the streamed content.
func (c *Client) complete(lease conversation.Lease, final *finalAnswer) bool {
	ok := c.store.Apply(lease, func(m *conversation.Message) {
		if final != nil {
			m.Content = final.content
			if final.chunks != nil {
				m.Chunks = final.chunks
			}
		}
		m.Status = conversation.StatusCompleted
		m.CanRetry = false
		m.OriginalContent = ""
		m.ErrorClass = ""
	})
	if ok {
		c.logger.Debug("message completed", "message_id", lease.MessageID())
	}
	return ok
}

type finalAnswer struct {
	content string
	chunks  *chatapi.Chunks
}
