package chatapi

import "time"

// HistoryEntry is one prior turn sent upstream.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SendRequest is the body of POST /chat/conversations/{id}/messages.
type SendRequest struct {
	Message   string         `json:"message"`
	History   []HistoryEntry `json:"history"`
	MessageID string         `json:"messageId,omitempty"`
}

// Chunks carries the structured sub-fields of an assistant answer.
type Chunks struct {
	Message string `json:"message,omitempty"`
	Plan    string `json:"plan,omitempty"`
	Code    string `json:"code,omitempty"`
}

// StateMessage is one message as the service sees it.
type StateMessage struct {
	ID      string  `json:"id"`
	Role    string  `json:"role"`
	Content string  `json:"content"`
	Status  string  `json:"status"`
	Chunks  *Chunks `json:"chunks,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// ConversationState is the response of GET /chat/conversations/{id}/state.
type ConversationState struct {
	ConversationID string         `json:"conversationId"`
	IsComplete     bool           `json:"isComplete"`
	MessageContent string         `json:"messageContent,omitempty"`
	Chunks         *Chunks        `json:"chunks,omitempty"`
	Messages       []StateMessage `json:"messages,omitempty"`
	UpdatedAt      time.Time      `json:"updatedAt,omitempty"`
}

// Completed reports the final content for messageID when the service has
// finished it. Per-message entries win; the conversation-level fields are
// used only when the service does not list messages.
func (s ConversationState) Completed(messageID string) (string, *Chunks, bool) {
	if len(s.Messages) > 0 {
		for _, m := range s.Messages {
			if m.ID == messageID && m.Status == "completed" {
				return m.Content, m.Chunks, true
			}
		}
		return "", nil, false
	}
	if s.IsComplete && s.MessageContent != "" {
		return s.MessageContent, s.Chunks, true
	}
	return "", nil, false
}

// Failed reports whether the service lists messageID as failed, along with
// the error it recorded.
func (s ConversationState) Failed(messageID string) (string, bool) {
	for _, m := range s.Messages {
		if m.ID == messageID && m.Status == "failed" {
			return m.Error, true
		}
	}
	return "", false
}
