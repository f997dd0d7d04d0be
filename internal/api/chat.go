package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kalambet/chatline/internal/chatapi"
)

const maxRequestBodySize = 1 << 20 // 1MB

// ServiceOptions configures the development chat service.
type ServiceOptions struct {
	Responder Responder
	// Token enables bearer auth on the chat routes when set.
	Token string
	// DropAfter aborts every stream after that many content events,
	// leaving generation running so clients can recover by polling.
	DropAfter int
	// FailFirst answers the first N sends with 503.
	FailFirst int
	Logger    *slog.Logger
}

// ChatService is a small implementation of the chat service HTTP surface:
// health, streamed sends and conversation state.
type ChatService struct {
	opts   ServiceOptions
	logger *slog.Logger
	wg     sync.WaitGroup

	mu            sync.Mutex
	conversations map[string]*serviceConversation
	failed        int
}

type serviceConversation struct {
	id        string
	messages  []*serviceMessage
	updatedAt time.Time
}

type serviceMessage struct {
	id      string
	role    string
	content string
	status  string
	errMsg  string
	// notify is signalled after every change; done is closed when the
	// answer is final.
	notify chan struct{}
	done   chan struct{}
}

// NewChatService creates a ChatService. A nil Responder echoes messages.
func NewChatService(opts ServiceOptions) *ChatService {
	if opts.Responder == nil {
		opts.Responder = EchoResponder{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ChatService{
		opts:          opts,
		logger:        opts.Logger,
		conversations: make(map[string]*serviceConversation),
	}
}

// Handler returns the service's routes.
func (s *ChatService) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(s.opts.Token))
		r.Post("/chat/conversations/{id}/messages", s.handleSend)
		r.Get("/chat/conversations/{id}/state", s.handleState)
	})
	return r
}

// Wait blocks until every answer being generated is final.
func (s *ChatService) Wait() {
	s.wg.Wait()
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *ChatService) handleSend(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req chatapi.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		httpError(w, http.StatusBadRequest, "message is required")
		return
	}
	if s.injectFailure() {
		w.Header().Set("Retry-After", "1")
		httpError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	answer := s.startTurn(convID, req)
	s.logger.Debug("turn started", "conversation_id", convID, "message_id", answer.id)

	// Generation outlives the request so a client whose stream breaks can
	// still collect the answer from the state endpoint.
	genCtx := context.WithoutCancel(r.Context())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.generate(genCtx, convID, answer, req)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var last string
	sent := 0
	for {
		select {
		case <-answer.notify:
		case <-answer.done:
		case <-r.Context().Done():
			return
		}

		content, status, errMsg := s.read(answer)
		if content != last {
			writeEvent(w, map[string]any{"success": true, "conversationId": convID, "message": content})
			flusher.Flush()
			last = content
			sent++
			if s.opts.DropAfter > 0 && sent >= s.opts.DropAfter && status == "streaming" {
				s.logger.Info("dropping stream", "message_id", answer.id, "after_events", sent)
				panic(http.ErrAbortHandler)
			}
		}
		if status == "streaming" {
			continue
		}
		if errMsg != "" {
			writeEvent(w, map[string]any{"success": false, "error": errMsg})
		}
		writeEvent(w, map[string]any{"success": true, "done": true, "timestamp": time.Now().UTC().Format(time.RFC3339)})
		flusher.Flush()
		return
	}
}

func writeEvent(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
}

func (s *ChatService) injectFailure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed < s.opts.FailFirst {
		s.failed++
		return true
	}
	return false
}

// startTurn records the user message and a streaming answer. A send that
// repeats an assistant id replaces that answer.
func (s *ChatService) startTurn(convID string, req chatapi.SendRequest) *serviceMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[convID]
	if !ok {
		conv = &serviceConversation{id: convID}
		s.conversations[convID] = conv
	}
	conv.updatedAt = time.Now()

	answer := &serviceMessage{
		id:     req.MessageID,
		role:   "assistant",
		status: "streaming",
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if answer.id == "" {
		answer.id = uuid.NewString()
	}

	for i, m := range conv.messages {
		if m.id != answer.id {
			continue
		}
		from := i
		if i > 0 && conv.messages[i-1].role == "user" {
			from = i - 1
		}
		conv.messages = append(conv.messages[:from], conv.messages[i+1:]...)
		break
	}
	conv.messages = append(conv.messages,
		&serviceMessage{id: uuid.NewString(), role: "user", content: req.Message, status: "completed"},
		answer,
	)
	return answer
}

func (s *ChatService) generate(ctx context.Context, convID string, answer *serviceMessage, req chatapi.SendRequest) {
	err := s.opts.Responder.Respond(ctx, req.Message, req.History, func(cumulative string) {
		s.update(convID, answer, func(m *serviceMessage) { m.content = cumulative })
	})
	s.update(convID, answer, func(m *serviceMessage) {
		if err != nil {
			m.status = "failed"
			m.errMsg = err.Error()
			return
		}
		m.status = "completed"
	})
	if err != nil {
		s.logger.Warn("generation failed", "message_id", answer.id, "error", err)
	}
	close(answer.done)
}

func (s *ChatService) update(convID string, m *serviceMessage, fn func(*serviceMessage)) {
	s.mu.Lock()
	fn(m)
	if conv, ok := s.conversations[convID]; ok {
		conv.updatedAt = time.Now()
	}
	s.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (s *ChatService) read(m *serviceMessage) (string, string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.content, m.status, m.errMsg
}

func (s *ChatService) handleState(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")

	s.mu.Lock()
	conv, ok := s.conversations[convID]
	var state chatapi.ConversationState
	if ok {
		state = conversationState(conv)
	}
	s.mu.Unlock()

	if !ok {
		httpError(w, http.StatusNotFound, "conversation %s not found", convID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(state)
}

func conversationState(conv *serviceConversation) chatapi.ConversationState {
	state := chatapi.ConversationState{
		ConversationID: conv.id,
		UpdatedAt:      conv.updatedAt.UTC(),
		Messages:       make([]chatapi.StateMessage, 0, len(conv.messages)),
	}
	for _, m := range conv.messages {
		sm := chatapi.StateMessage{ID: m.id, Role: m.role, Content: m.content, Status: m.status, Error: m.errMsg}
		if m.role == "assistant" && m.content != "" {
			sm.Chunks = &chatapi.Chunks{Message: m.content}
		}
		state.Messages = append(state.Messages, sm)
	}
	for i := len(conv.messages) - 1; i >= 0; i-- {
		if m := conv.messages[i]; m.role == "assistant" {
			state.IsComplete = m.status == "completed"
			state.MessageContent = m.content
			break
		}
	}
	return state
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   fmt.Sprintf(format, args...),
	})
}
