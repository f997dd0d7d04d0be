package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/chatline/internal/chatapi"
	"github.com/kalambet/chatline/internal/sse"
)

type funcResponder func(ctx context.Context, message string, history []chatapi.HistoryEntry, emit func(string)) error

func (f funcResponder) Respond(ctx context.Context, message string, history []chatapi.HistoryEntry, emit func(string)) error {
	return f(ctx, message, history, emit)
}

func newTestService(t *testing.T, opts ServiceOptions) (*ChatService, *httptest.Server) {
	t.Helper()
	svc := NewChatService(opts)
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		srv.Close()
		svc.Wait()
	})
	return svc, srv
}

func readEvents(t *testing.T, r io.Reader) ([]sse.Event, error) {
	t.Helper()
	dec := sse.NewDecoder(r)
	var events []sse.Event
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func TestHealth(t *testing.T) {
	svc := NewChatService(ServiceOptions{Token: "secret"})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	svc.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestSendStreamsCumulativeEvents(t *testing.T) {
	_, srv := newTestService(t, ServiceOptions{})

	body, err := chatapi.New(srv.URL).OpenStream(context.Background(), "conv-1", chatapi.SendRequest{
		Message:   "hello there world",
		MessageID: "a-1",
	})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer body.Close()

	events, err := readEvents(t, body)
	if err != nil {
		t.Fatalf("reading events: %v", err)
	}
	if len(events) < 2 {
		t.Fatalf("got %d events, want content and done", len(events))
	}

	last := events[len(events)-1]
	if !last.Done {
		t.Errorf("last event = %+v, want done", last)
	}
	final := events[len(events)-2].Message
	if final != "You said (turn 1): hello there world" {
		t.Errorf("final message = %q", final)
	}
	prev := ""
	for _, ev := range events[:len(events)-1] {
		if !strings.HasPrefix(ev.Message, prev) {
			t.Errorf("event %q does not extend %q", ev.Message, prev)
		}
		prev = ev.Message
		if ev.ConversationID != "conv-1" {
			t.Errorf("conversationId = %q, want conv-1", ev.ConversationID)
		}
	}
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	svc := NewChatService(ServiceOptions{})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat/conversations/c/messages", strings.NewReader(`{"message":"  ","history":[]}`))
	svc.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	_, srv := newTestService(t, ServiceOptions{Token: "secret"})

	_, err := chatapi.New(srv.URL).State(context.Background(), "c")
	var se *chatapi.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated State: err = %v, want 401", err)
	}

	_, err = chatapi.New(srv.URL, chatapi.WithToken("secret")).State(context.Background(), "c")
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Errorf("authenticated State on unknown conversation: err = %v, want 404", err)
	}

	if err := chatapi.New(srv.URL).Health(context.Background()); err != nil {
		t.Errorf("Health without token: %v", err)
	}
}

func TestFailFirst(t *testing.T) {
	_, srv := newTestService(t, ServiceOptions{FailFirst: 2})
	c := chatapi.New(srv.URL)

	for i := 0; i < 2; i++ {
		_, err := c.OpenStream(context.Background(), "c", chatapi.SendRequest{Message: "hi"})
		var se *chatapi.StatusError
		if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable {
			t.Fatalf("send %d: err = %v, want 503", i, err)
		}
		if se.RetryAfter != time.Second {
			t.Errorf("RetryAfter = %v, want 1s", se.RetryAfter)
		}
	}

	body, err := c.OpenStream(context.Background(), "c", chatapi.SendRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("third send: %v", err)
	}
	body.Close()
}

func TestDropAfterKeepsGenerating(t *testing.T) {
	release := make(chan struct{})
	responder := funcResponder(func(ctx context.Context, message string, _ []chatapi.HistoryEntry, emit func(string)) error {
		emit("partial")
		<-release
		emit("partial and complete")
		return nil
	})
	svc, srv := newTestService(t, ServiceOptions{Responder: responder, DropAfter: 1})
	c := chatapi.New(srv.URL)

	body, err := c.OpenStream(context.Background(), "c", chatapi.SendRequest{Message: "hi", MessageID: "m-1"})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	events, err := readEvents(t, body)
	body.Close()
	if err == nil {
		t.Fatal("stream ended cleanly, want transport error")
	}
	if len(events) != 1 || events[0].Message != "partial" {
		t.Errorf("events = %+v, want one partial event", events)
	}

	state, err := c.State(context.Background(), "c")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if _, _, ok := state.Completed("m-1"); ok {
		t.Error("answer reported complete before generation finished")
	}

	close(release)
	svc.Wait()

	state, err = c.State(context.Background(), "c")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	content, _, ok := state.Completed("m-1")
	if !ok || content != "partial and complete" {
		t.Errorf("Completed = %q, %v; want final answer", content, ok)
	}
	if !state.IsComplete || state.MessageContent != "partial and complete" {
		t.Errorf("state = %+v", state)
	}
}

func TestResendSameIDReplacesAnswer(t *testing.T) {
	svc, srv := newTestService(t, ServiceOptions{})
	c := chatapi.New(srv.URL)

	for i := 0; i < 2; i++ {
		body, err := c.OpenStream(context.Background(), "c", chatapi.SendRequest{Message: "again", MessageID: "m-1"})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		io.Copy(io.Discard, body)
		body.Close()
	}
	svc.Wait()

	state, err := c.State(context.Background(), "c")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if len(state.Messages) != 2 {
		t.Errorf("messages = %+v, want one user and one assistant", state.Messages)
	}
}

func TestResponderErrorIsReported(t *testing.T) {
	responder := funcResponder(func(ctx context.Context, message string, _ []chatapi.HistoryEntry, emit func(string)) error {
		return errors.New("model unavailable")
	})
	svc, srv := newTestService(t, ServiceOptions{Responder: responder})
	c := chatapi.New(srv.URL)

	body, err := c.OpenStream(context.Background(), "c", chatapi.SendRequest{Message: "hi", MessageID: "m-1"})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer body.Close()
	events, err := readEvents(t, body)
	if err != nil {
		t.Fatalf("reading events: %v", err)
	}
	if len(events) != 2 || events[0].Error != "model unavailable" || !events[1].Done {
		t.Errorf("events = %+v, want error then done", events)
	}

	svc.Wait()
	state, err := c.State(context.Background(), "c")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if msg, ok := state.Failed("m-1"); !ok || msg != "model unavailable" {
		t.Errorf("Failed(m-1) = %q, %v; want %q, true", msg, ok, "model unavailable")
	}
}

func TestEchoResponderUsesHistory(t *testing.T) {
	var got []string
	err := EchoResponder{}.Respond(context.Background(), "two words", []chatapi.HistoryEntry{
		{Role: "user", Content: "a"}, {Role: "assistant", Content: "b"},
	}, func(s string) { got = append(got, s) })
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	want := []string{"You said (turn 2):", "You said (turn 2): two", "You said (turn 2): two words"}
	if len(got) != len(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
