// Package conversation holds the ordered message log of the active
// conversation and mirrors it to a local snapshot.
package conversation

import (
	"errors"
	"time"

	"github.com/kalambet/chatline/internal/chatapi"
)

var (
	ErrNotFound     = errors.New("message not found")
	ErrNotRetryable = errors.New("message cannot be retried")
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status is the lifecycle stage of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRetrying  Status = "retrying"
)

// Final reports whether no further updates are expected for s.
func (s Status) Final() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// InProgress reports whether an assistant answer is still being produced.
func (s Status) InProgress() bool {
	return s == StatusSending || s == StatusStreaming || s == StatusRetrying
}

// Message is a single turn in the conversation.
type Message struct {
	ID              string          `json:"id"`
	Role            Role            `json:"role"`
	Content         string          `json:"content"`
	Timestamp       time.Time       `json:"timestamp"`
	Status          Status          `json:"status"`
	Streaming       bool            `json:"isStreaming,omitempty"`
	RetryAttempt    int             `json:"retryAttempt,omitempty"`
	CanRetry        bool            `json:"canRetry,omitempty"`
	OriginalContent string          `json:"originalContent,omitempty"`
	Chunks          *chatapi.Chunks `json:"chunks,omitempty"`
	ReplyTo         string          `json:"replyTo,omitempty"`
	Polling         bool            `json:"isPolling,omitempty"`
	ErrorClass      string          `json:"errorClass,omitempty"`
	// PollExpired marks an answer whose background poll timed out. Only an
	// explicit refresh checks it again.
	PollExpired bool `json:"pollExpired,omitempty"`
}

// Lease grants the right to mutate one message. A lease stops working once
// the message is finalized, cancelled or handed to another writer.
type Lease struct {
	id    string
	token uint64
}

// MessageID returns the id of the leased message.
func (l Lease) MessageID() string { return l.id }

// Valid reports whether l was issued by a store.
func (l Lease) Valid() bool { return l.token != 0 }
