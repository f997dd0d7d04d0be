package conversation

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/chatline/internal/chatapi"
	"github.com/kalambet/chatline/internal/storage"
)

// Snapshot keys.
const (
	KeyConversationID = "chat-widget-conversation-id"
	KeyMessages       = "chat-widget-messages"
)

// KV is the durable key/value store snapshots are written to.
type KV interface {
	Get(key string) (string, error)
	Put(key, value string) error
	Delete(key string) error
}

// Store is the message log of the active conversation. All mutation of an
// assistant message in flight goes through a Lease so that two writers
// racing on the same id cannot both win.
type Store struct {
	kv     KV
	logger *slog.Logger

	mu             sync.Mutex
	conversationID string
	messages       []Message
	leases         map[string]uint64
	nextToken      uint64
	unread         bool
	observers      []func(Message)
}

// Open loads the snapshot from kv, or starts a fresh conversation when none
// exists. kv may be nil for a memory-only store.
func Open(kv KV, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		kv:     kv,
		logger: logger,
		leases: make(map[string]uint64),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kv == nil {
		s.conversationID = uuid.NewString()
		return nil
	}

	id, err := s.kv.Get(KeyConversationID)
	switch {
	case errors.Is(err, storage.ErrNotFound) || (err == nil && id == ""):
		s.conversationID = uuid.NewString()
		s.persistLocked()
		return nil
	case err != nil:
		return err
	}
	s.conversationID = id

	raw, err := s.kv.Get(KeyMessages)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var msgs []Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		s.logger.Warn("discarding unreadable message snapshot", "error", err)
		return nil
	}
	s.messages = msgs
	return nil
}

// OnChange registers fn to receive every message after it changes. fn runs
// on the mutating goroutine and must not call back into the store.
func (s *Store) OnChange(fn func(Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// ConversationID returns the id of the active conversation.
func (s *Store) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Messages returns a copy of the log in insertion order.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Get returns the message with the given id.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.messages[i], true
	}
	return Message{}, false
}

// BeginTurn appends a completed user message and its pending assistant reply
// in one step and leases the reply to the caller.
func (s *Store) BeginTurn(content string) (Message, Message, Lease) {
	now := time.Now()
	user := Message{
		ID:        newMessageID(),
		Role:      RoleUser,
		Content:   content,
		Timestamp: now,
		Status:    StatusCompleted,
	}
	assistant := Message{
		ID:        newMessageID(),
		Role:      RoleAssistant,
		Timestamp: now,
		Status:    StatusSending,
		Streaming: true,
		ReplyTo:   user.ID,
	}

	s.mu.Lock()
	s.messages = append(s.messages, user, assistant)
	lease := s.leaseLocked(assistant.ID)
	s.persistLocked()
	observers := s.observersLocked()
	s.mu.Unlock()

	notify(observers, user)
	notify(observers, assistant)
	return user, assistant, lease
}

// Apply runs fn on the leased message if the lease is still current. It
// reports whether the update was applied. A message left in a final status
// by fn releases its lease.
func (s *Store) Apply(l Lease, fn func(*Message)) bool {
	s.mu.Lock()
	if !l.Valid() || s.leases[l.id] != l.token {
		s.mu.Unlock()
		return false
	}
	i := s.indexLocked(l.id)
	if i < 0 {
		delete(s.leases, l.id)
		s.mu.Unlock()
		return false
	}
	m := s.messages[i]
	fn(&m)
	m.ID = l.id
	if m.Status.Final() {
		m.Streaming = false
		m.Polling = false
		m.PollExpired = false
		delete(s.leases, l.id)
		if m.Role == RoleAssistant && m.Status != StatusCancelled {
			s.unread = true
		}
	}
	s.messages[i] = m
	s.persistLocked()
	observers := s.observersLocked()
	s.mu.Unlock()

	notify(observers, m)
	return true
}

// Holds reports whether l is still the current lease for its message.
func (s *Store) Holds(l Lease) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return l.Valid() && s.leases[l.id] == l.token
}

// Cancel marks an in-progress message cancelled and revokes its lease.
// It reports false when the message is missing or already final.
func (s *Store) Cancel(id string) bool {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 || s.messages[i].Status.Final() {
		s.mu.Unlock()
		return false
	}
	m := s.messages[i]
	m.Status = StatusCancelled
	m.Streaming = false
	m.Polling = false
	s.messages[i] = m
	delete(s.leases, id)
	s.persistLocked()
	observers := s.observersLocked()
	s.mu.Unlock()

	notify(observers, m)
	return true
}

// Reopen resets a failed message for another attempt under the same id and
// leases it to the caller.
func (s *Store) Reopen(id string) (Message, Lease, error) {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return Message{}, Lease{}, ErrNotFound
	}
	m := s.messages[i]
	if m.Status != StatusFailed || !m.CanRetry || m.OriginalContent == "" {
		s.mu.Unlock()
		return Message{}, Lease{}, ErrNotRetryable
	}
	m.Status = StatusSending
	m.Content = ""
	m.Chunks = nil
	m.Streaming = true
	m.CanRetry = false
	m.ErrorClass = ""
	m.RetryAttempt = 0
	s.messages[i] = m
	lease := s.leaseLocked(id)
	s.persistLocked()
	observers := s.observersLocked()
	s.mu.Unlock()

	notify(observers, m)
	return m, lease, nil
}

// Adopt leases an in-progress assistant message that no writer holds, such
// as one restored from a snapshot or left behind by an abandoned poll.
func (s *Store) Adopt(id string) (Message, Lease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return Message{}, Lease{}, false
	}
	m := s.messages[i]
	if m.Role != RoleAssistant || !m.Status.InProgress() {
		return Message{}, Lease{}, false
	}
	if _, held := s.leases[id]; held {
		return Message{}, Lease{}, false
	}
	return m, s.leaseLocked(id), true
}

// Release drops l without changing the message.
func (s *Store) Release(l Lease) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.Valid() && s.leases[l.id] == l.token {
		delete(s.leases, l.id)
	}
}

// Orphans returns in-progress assistant messages that nobody is working on.
func (s *Store) Orphans() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.Role != RoleAssistant || !m.Status.InProgress() {
			continue
		}
		if _, held := s.leases[m.ID]; held {
			continue
		}
		out = append(out, m)
	}
	return out
}

// History returns the turns to send upstream: everything that is settled and
// successful, in order, minus the ids in exclude.
func (s *Store) History(exclude ...string) []chatapi.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	history := make([]chatapi.HistoryEntry, 0, len(s.messages))
	for _, m := range s.messages {
		if skip[m.ID] || m.Streaming {
			continue
		}
		if m.Status == StatusFailed || m.Status == StatusCancelled {
			continue
		}
		if m.Role == RoleAssistant && m.Status != StatusCompleted {
			continue
		}
		history = append(history, chatapi.HistoryEntry{Role: string(m.Role), Content: m.Content})
	}
	return history
}

// Reset starts a new conversation with a fresh id and an empty log.
func (s *Store) Reset() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = uuid.NewString()
	s.messages = nil
	s.leases = make(map[string]uint64)
	s.unread = false
	s.persistLocked()
	return s.conversationID
}

// Clear empties the log but keeps the conversation id.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.leases = make(map[string]uint64)
	s.unread = false
	s.persistLocked()
}

// Unread reports whether an assistant answer arrived since the last MarkRead.
func (s *Store) Unread() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// MarkRead clears the unread flag.
func (s *Store) MarkRead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread = false
}

func (s *Store) indexLocked(id string) int {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) leaseLocked(id string) Lease {
	s.nextToken++
	s.leases[id] = s.nextToken
	return Lease{id: id, token: s.nextToken}
}

func (s *Store) observersLocked() []func(Message) {
	if len(s.observers) == 0 {
		return nil
	}
	return append([]func(Message){}, s.observers...)
}

// persistLocked mirrors the conversation to kv. Failures are logged; the
// in-memory log stays authoritative.
func (s *Store) persistLocked() {
	if s.kv == nil {
		return
	}
	if err := s.kv.Put(KeyConversationID, s.conversationID); err != nil {
		s.logger.Warn("saving conversation id", "error", err)
		return
	}
	msgs := s.messages
	if msgs == nil {
		msgs = []Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		s.logger.Warn("encoding message snapshot", "error", err)
		return
	}
	if err := s.kv.Put(KeyMessages, string(data)); err != nil {
		s.logger.Warn("saving message snapshot", "error", err)
	}
}

func notify(observers []func(Message), m Message) {
	for _, fn := range observers {
		fn(m)
	}
}

func newMessageID() string {
	return uuid.Must(uuid.NewV7()).String()
}
