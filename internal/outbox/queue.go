// Package outbox buffers user messages typed while the chat service is
// unreachable.
package outbox

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/kalambet/chatline/internal/conversation"
	"github.com/kalambet/chatline/internal/storage"
)

// KeyQueue is the snapshot key of the pending queue.
const KeyQueue = "chat-widget-queue"

// Queue is a persisted FIFO of raw message content.
type Queue struct {
	kv     conversation.KV
	logger *slog.Logger

	mu    sync.Mutex
	items []string
}

// Open restores the queue from kv. kv may be nil for a memory-only queue.
func Open(kv conversation.KV, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{kv: kv, logger: logger}
	if kv == nil {
		return q, nil
	}
	raw, err := kv.Get(KeyQueue)
	if errors.Is(err, storage.ErrNotFound) {
		return q, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &q.items); err != nil {
		logger.Warn("discarding unreadable queue snapshot", "error", err)
		q.items = nil
	}
	return q, nil
}

// Push appends content to the back of the queue.
func (q *Queue) Push(content string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, content)
	q.persistLocked()
}

// PushFront returns content to the head of the queue, used when a dispatch
// could not start.
func (q *Queue) PushFront(content string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]string{content}, q.items...)
	q.persistLocked()
}

// Pop removes and returns the oldest item.
func (q *Queue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	head := q.items[0]
	q.items = q.items[1:]
	q.persistLocked()
	return head, true
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the queue, oldest first.
func (q *Queue) Items() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.items...)
}

// Clear drops every queued item.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	if q.kv == nil {
		return
	}
	if err := q.kv.Delete(KeyQueue); err != nil {
		q.logger.Warn("clearing queue snapshot", "error", err)
	}
}

func (q *Queue) persistLocked() {
	if q.kv == nil {
		return
	}
	if len(q.items) == 0 {
		if err := q.kv.Delete(KeyQueue); err != nil {
			q.logger.Warn("clearing queue snapshot", "error", err)
		}
		return
	}
	data, err := json.Marshal(q.items)
	if err != nil {
		q.logger.Warn("encoding queue snapshot", "error", err)
		return
	}
	if err := q.kv.Put(KeyQueue, string(data)); err != nil {
		q.logger.Warn("saving queue snapshot", "error", err)
	}
}
