package conversation

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/chatline/internal/chatapi"
	"github.com/kalambet/chatline/internal/storage"
)

func openTestKV(t *testing.T) *storage.Store {
	t.Helper()
	kv, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv
}

func openTestStore(t *testing.T, kv KV) *Store {
	t.Helper()
	s, err := Open(kv, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

type failingKV struct{}

func (failingKV) Get(string) (string, error) { return "", storage.ErrNotFound }
func (failingKV) Put(string, string) error   { return errors.New("disk full") }
func (failingKV) Delete(string) error        { return nil }

func TestOpenCreatesConversationID(t *testing.T) {
	kv := openTestKV(t)
	s := openTestStore(t, kv)

	if s.ConversationID() == "" {
		t.Fatal("ConversationID() is empty")
	}
	got, err := kv.Get(KeyConversationID)
	if err != nil {
		t.Fatalf("kv.Get: %v", err)
	}
	if got != s.ConversationID() {
		t.Errorf("persisted id = %q, want %q", got, s.ConversationID())
	}
}

func TestBeginTurn(t *testing.T) {
	s := openTestStore(t, nil)

	user, assistant, lease := s.BeginTurn("hello")
	if user.Role != RoleUser || user.Status != StatusCompleted || user.Content != "hello" {
		t.Errorf("user = %+v", user)
	}
	if assistant.Role != RoleAssistant || assistant.Status != StatusSending || !assistant.Streaming {
		t.Errorf("assistant = %+v", assistant)
	}
	if assistant.ReplyTo != user.ID {
		t.Errorf("assistant.ReplyTo = %q, want %q", assistant.ReplyTo, user.ID)
	}
	if lease.MessageID() != assistant.ID {
		t.Errorf("lease id = %q, want %q", lease.MessageID(), assistant.ID)
	}
	if user.ID == assistant.ID {
		t.Error("user and assistant share an id")
	}

	msgs := s.Messages()
	if len(msgs) != 2 || msgs[0].ID != user.ID || msgs[1].ID != assistant.ID {
		t.Errorf("Messages() = %+v, want user then assistant", msgs)
	}
}

func TestApplyReplacesContent(t *testing.T) {
	s := openTestStore(t, nil)
	_, a, lease := s.BeginTurn("hi")

	for _, snapshot := range []string{"He", "Hello", "Hello there"} {
		ok := s.Apply(lease, func(m *Message) {
			m.Content = snapshot
			m.Status = StatusStreaming
		})
		if !ok {
			t.Fatalf("Apply(%q) = false", snapshot)
		}
	}
	got, _ := s.Get(a.ID)
	if got.Content != "Hello there" {
		t.Errorf("Content = %q, want %q", got.Content, "Hello there")
	}
}

func TestFinalStatusRevokesLease(t *testing.T) {
	s := openTestStore(t, nil)
	_, a, lease := s.BeginTurn("hi")

	s.Apply(lease, func(m *Message) {
		m.Content = "done"
		m.Status = StatusCompleted
	})
	if s.Holds(lease) {
		t.Error("lease still held after completion")
	}
	if s.Apply(lease, func(m *Message) { m.Content = "late" }) {
		t.Error("Apply after completion = true, want false")
	}
	got, _ := s.Get(a.ID)
	if got.Content != "done" || got.Streaming {
		t.Errorf("message = %+v, want completed with content %q", got, "done")
	}
	if !s.Unread() {
		t.Error("Unread() = false after assistant completion")
	}
	s.MarkRead()
	if s.Unread() {
		t.Error("Unread() = true after MarkRead")
	}
}

func TestCancelBlocksLateWriters(t *testing.T) {
	s := openTestStore(t, nil)
	_, a, lease := s.BeginTurn("hi")
	s.Apply(lease, func(m *Message) { m.Content = "partial"; m.Status = StatusStreaming })

	if !s.Cancel(a.ID) {
		t.Fatal("Cancel() = false")
	}
	if s.Apply(lease, func(m *Message) { m.Content = "resurrected"; m.Status = StatusCompleted }) {
		t.Error("Apply after Cancel = true, want false")
	}

	got, _ := s.Get(a.ID)
	if got.Status != StatusCancelled || got.Content != "partial" || got.Streaming {
		t.Errorf("message = %+v, want cancelled with partial content", got)
	}
	if s.Cancel(a.ID) {
		t.Error("second Cancel() = true, want false")
	}
}

func TestConcurrentWritersFirstWins(t *testing.T) {
	s := openTestStore(t, nil)
	_, a, lease := s.BeginTurn("hi")

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i, content := range []string{"from poller", "from retry"} {
		wg.Add(1)
		go func(i int, content string) {
			defer wg.Done()
			results[i] = s.Apply(lease, func(m *Message) {
				m.Content = content
				m.Status = StatusCompleted
			})
		}(i, content)
	}
	wg.Wait()

	if results[0] == results[1] {
		t.Fatalf("results = %v, want exactly one winner", results)
	}
	got, _ := s.Get(a.ID)
	want := "from poller"
	if results[1] {
		want = "from retry"
	}
	if got.Content != want {
		t.Errorf("Content = %q, want %q", got.Content, want)
	}
}

func TestReopen(t *testing.T) {
	s := openTestStore(t, nil)
	_, a, lease := s.BeginTurn("question")

	if _, _, err := s.Reopen(a.ID); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("Reopen on sending message: err = %v, want ErrNotRetryable", err)
	}
	if _, _, err := s.Reopen("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Reopen on missing id: err = %v, want ErrNotFound", err)
	}

	s.Apply(lease, func(m *Message) {
		m.Status = StatusFailed
		m.Content = "Server error."
		m.CanRetry = true
		m.OriginalContent = "question"
		m.RetryAttempt = 2
	})

	m, l2, err := s.Reopen(a.ID)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	if m.ID != a.ID || l2.MessageID() != a.ID {
		t.Errorf("Reopen changed the id: %q / %q, want %q", m.ID, l2.MessageID(), a.ID)
	}
	if m.Status != StatusSending || m.Content != "" || m.CanRetry || !m.Streaming || m.RetryAttempt != 0 {
		t.Errorf("reopened message = %+v", m)
	}
	if m.OriginalContent != "question" {
		t.Errorf("OriginalContent = %q, want %q", m.OriginalContent, "question")
	}
	if len(s.Messages()) != 2 {
		t.Errorf("len(Messages()) = %d, want 2", len(s.Messages()))
	}
}

func TestAdoptAndOrphans(t *testing.T) {
	s := openTestStore(t, nil)
	_, a, lease := s.BeginTurn("hi")

	if _, _, ok := s.Adopt(a.ID); ok {
		t.Error("Adopt succeeded while the message is leased")
	}
	if len(s.Orphans()) != 0 {
		t.Errorf("Orphans() = %v, want none", s.Orphans())
	}

	s.Release(lease)
	orphans := s.Orphans()
	if len(orphans) != 1 || orphans[0].ID != a.ID {
		t.Fatalf("Orphans() = %+v, want [%s]", orphans, a.ID)
	}

	_, adopted, ok := s.Adopt(a.ID)
	if !ok {
		t.Fatal("Adopt() = false for orphan")
	}
	if s.Apply(lease, func(m *Message) { m.Content = "stale" }) {
		t.Error("released lease still applies")
	}
	if !s.Apply(adopted, func(m *Message) { m.Content = "fresh" }) {
		t.Error("adopted lease does not apply")
	}
}

func TestHistoryExcludesUnsettledMessages(t *testing.T) {
	s := openTestStore(t, nil)

	_, _, l1 := s.BeginTurn("first")
	s.Apply(l1, func(m *Message) { m.Content = "answer one"; m.Status = StatusCompleted })

	_, _, l2 := s.BeginTurn("second")
	s.Apply(l2, func(m *Message) { m.Content = "Server error."; m.Status = StatusFailed })

	_, a3, _ := s.BeginTurn("third")
	s.Cancel(a3.ID)

	u4, _, _ := s.BeginTurn("fourth")

	got := s.History(u4.ID)
	want := []chatapi.HistoryEntry{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "answer one"},
		{Role: "user", Content: "second"},
		{Role: "user", Content: "third"},
	}
	if len(got) != len(want) {
		t.Fatalf("History() = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("History()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	kv := openTestKV(t)
	s := openTestStore(t, kv)

	_, _, l1 := s.BeginTurn("hello")
	s.Apply(l1, func(m *Message) {
		m.Content = "hi there"
		m.Chunks = &chatapi.Chunks{Message: "hi there", Plan: "greet"}
		m.Status = StatusCompleted
	})
	_, _, l2 := s.BeginTurn("again")
	s.Apply(l2, func(m *Message) {
		m.Status = StatusFailed
		m.CanRetry = true
		m.OriginalContent = "again"
	})

	before := s.Messages()
	reloaded := openTestStore(t, kv)
	after := reloaded.Messages()

	if reloaded.ConversationID() != s.ConversationID() {
		t.Errorf("ConversationID = %q, want %q", reloaded.ConversationID(), s.ConversationID())
	}
	if len(after) != len(before) {
		t.Fatalf("len = %d, want %d", len(after), len(before))
	}
	for i := range before {
		b, a := before[i], after[i]
		if a.ID != b.ID || a.Role != b.Role || a.Content != b.Content || a.Status != b.Status {
			t.Errorf("message %d = %+v, want %+v", i, a, b)
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			t.Errorf("message %d timestamp = %v, want %v", i, a.Timestamp, b.Timestamp)
		}
		if a.CanRetry != b.CanRetry || a.OriginalContent != b.OriginalContent {
			t.Errorf("message %d retry fields = %v/%q, want %v/%q", i, a.CanRetry, a.OriginalContent, b.CanRetry, b.OriginalContent)
		}
	}
	if after[1].Chunks == nil || after[1].Chunks.Plan != "greet" {
		t.Errorf("Chunks = %+v, want plan %q", after[1].Chunks, "greet")
	}
}

func TestResetAndClear(t *testing.T) {
	kv := openTestKV(t)
	s := openTestStore(t, kv)
	oldID := s.ConversationID()
	s.BeginTurn("hello")

	s.Clear()
	if len(s.Messages()) != 0 || s.ConversationID() != oldID {
		t.Errorf("Clear: messages=%d id=%q", len(s.Messages()), s.ConversationID())
	}

	s.BeginTurn("hello again")
	newID := s.Reset()
	if newID == oldID {
		t.Error("Reset kept the old conversation id")
	}
	if len(s.Messages()) != 0 {
		t.Errorf("len(Messages()) after Reset = %d, want 0", len(s.Messages()))
	}
	raw, err := kv.Get(KeyMessages)
	if err != nil || raw != "[]" {
		t.Errorf("persisted messages = %q, %v; want []", raw, err)
	}
}

func TestCorruptSnapshotStartsEmpty(t *testing.T) {
	kv := openTestKV(t)
	kv.Put(KeyConversationID, "conv-1")
	kv.Put(KeyMessages, "{not json")

	s := openTestStore(t, kv)
	if s.ConversationID() != "conv-1" {
		t.Errorf("ConversationID = %q, want conv-1", s.ConversationID())
	}
	if len(s.Messages()) != 0 {
		t.Errorf("len(Messages()) = %d, want 0", len(s.Messages()))
	}
}

func TestPersistFailureKeepsMemoryState(t *testing.T) {
	s := openTestStore(t, failingKV{})
	_, a, _ := s.BeginTurn("hello")
	if _, ok := s.Get(a.ID); !ok {
		t.Error("message missing after failed snapshot write")
	}
}

func TestOnChange(t *testing.T) {
	s := openTestStore(t, nil)
	var seen []Status
	s.OnChange(func(m Message) {
		if m.Role == RoleAssistant {
			seen = append(seen, m.Status)
		}
	})

	_, _, lease := s.BeginTurn("hi")
	s.Apply(lease, func(m *Message) { m.Status = StatusStreaming })
	s.Apply(lease, func(m *Message) { m.Status = StatusCompleted })

	want := []Status{StatusSending, StatusStreaming, StatusCompleted}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("seen[%d] = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestTimestampsAreSet(t *testing.T) {
	s := openTestStore(t, nil)
	before := time.Now().Add(-time.Second)
	u, a, _ := s.BeginTurn("hi")
	if u.Timestamp.Before(before) || a.Timestamp.Before(before) {
		t.Errorf("timestamps %v / %v not set", u.Timestamp, a.Timestamp)
	}
}
