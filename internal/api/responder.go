package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/chatline/internal/chatapi"
	"github.com/kalambet/chatline/internal/ollama"
)

// Responder produces an assistant answer. emit receives the full answer so
// far each time it grows.
type Responder interface {
	Respond(ctx context.Context, message string, history []chatapi.HistoryEntry, emit func(cumulative string)) error
}

// EchoResponder answers by repeating the message one word at a time.
type EchoResponder struct {
	Delay time.Duration
}

func (e EchoResponder) Respond(ctx context.Context, message string, history []chatapi.HistoryEntry, emit func(string)) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You said (turn %d):", len(history)/2+1)
	emit(sb.String())
	for _, word := range strings.Fields(message) {
		if e.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.Delay):
			}
		}
		sb.WriteByte(' ')
		sb.WriteString(word)
		emit(sb.String())
	}
	return nil
}

// OllamaResponder streams answers from a local Ollama model.
type OllamaResponder struct {
	Client *ollama.Client
	Model  string
}

func (o OllamaResponder) Respond(ctx context.Context, message string, history []chatapi.HistoryEntry, emit func(string)) error {
	msgs := make([]ollama.Message, 0, len(history)+1)
	for _, h := range history {
		msgs = append(msgs, ollama.Message{Role: h.Role, Content: h.Content})
	}
	msgs = append(msgs, ollama.Message{Role: "user", Content: message})

	var sb strings.Builder
	return o.Client.ChatStream(ctx, o.Model, msgs, func(delta string) error {
		sb.WriteString(delta)
		emit(sb.String())
		return nil
	})
}
