package chat

import (
	"context"
)

// onReconnect runs on the monitor's goroutine, so the work is handed off.
func (c *Client) onReconnect() {
	if c.base.Err() != nil || !c.recovering.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.recovering.Store(false)
		c.recover(c.base)
	}()
}

// recover resumes polling for answers nobody is waiting on, then replays
// the offline queue. Each step waits for the turn slot. Answers whose poll
// already expired are left for Refresh.
func (c *Client) recover(ctx context.Context) {
	for _, m := range c.store.Orphans() {
		if !c.monitor.Connected() {
			return
		}
		if m.PollExpired {
			continue
		}
		if err := c.slot.Acquire(ctx, 1); err != nil {
			return
		}
		if _, lease, ok := c.store.Adopt(m.ID); ok {
			c.logger.Info("resuming interrupted message", "message_id", m.ID, "status", m.Status)
			msgCtx, finish := c.track(ctx, m.ID)
			c.poll(msgCtx, lease, c.store.ConversationID())
			finish()
		}
		c.slot.Release(1)
	}

	if err := c.drain(ctx); err != nil {
		c.logger.Info("queue replay stopped", "remaining", c.queue.Len(), "error", err)
	}
}

// drain sends queued content in order, one turn at a time.
func (c *Client) drain(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	for {
		if c.queue.Len() == 0 {
			return nil
		}
		if !c.monitor.Connected() {
			return ErrNotConnected
		}
		content, ok := c.queue.Pop()
		if !ok {
			return nil
		}
		// The head goes back if its turn never starts.
		if err := c.slot.Acquire(ctx, 1); err != nil {
			c.queue.PushFront(content)
			return err
		}
		if !c.monitor.Connected() {
			c.slot.Release(1)
			c.queue.PushFront(content)
			return ErrNotConnected
		}
		c.logger.Info("sending queued message", "remaining", c.queue.Len())
		_, assistant, lease := c.store.BeginTurn(content)
		c.runTurn(ctx, lease, content, assistant.ReplyTo)
		c.slot.Release(1)
	}
}
