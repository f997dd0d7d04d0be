package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/kalambet/chatline/internal/chat"
	"github.com/kalambet/chatline/internal/conversation"
)

// renderer prints assistant answers incrementally as the store reports
// changes.
type renderer struct {
	mu      sync.Mutex
	w       io.Writer
	printed map[string]string
	status  map[string]conversation.Status
	polling map[string]bool
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{
		w:       w,
		printed: make(map[string]string),
		status:  make(map[string]conversation.Status),
		polling: make(map[string]bool),
	}
}

func (r *renderer) observe(m conversation.Message) {
	if m.Role != conversation.RoleAssistant {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	prevStatus := r.status[m.ID]
	r.status[m.ID] = m.Status
	if prevStatus.Final() {
		if m.Status.Final() {
			return
		}
		// Reopened by a retry.
		delete(r.printed, m.ID)
	}

	if m.Status == conversation.StatusRetrying && prevStatus != conversation.StatusRetrying {
		if _, ok := r.printed[m.ID]; ok {
			fmt.Fprintln(r.w)
		}
		fmt.Fprintln(r.w, colorize(colorYellow, fmt.Sprintf("↻ retrying (attempt %d)...", m.RetryAttempt+1)))
		delete(r.printed, m.ID)
		return
	}
	if m.Polling && !r.polling[m.ID] {
		fmt.Fprintln(r.w)
		fmt.Fprintln(r.w, colorize(colorYellow, "⚠ connection lost, checking whether the answer finished..."))
		delete(r.printed, m.ID)
	}
	r.polling[m.ID] = m.Polling

	prev, seen := r.printed[m.ID]
	switch {
	case m.Status == conversation.StatusFailed:
		if seen {
			fmt.Fprintln(r.w)
		}
		fmt.Fprintln(r.w, colorize(colorRed, "✗ "+m.Content))
		if m.CanRetry {
			fmt.Fprintln(r.w, colorize(colorDim, "  /retry "+shortID(m.ID)+" to try again"))
		}
		return
	case m.Status == conversation.StatusCancelled:
		if seen {
			fmt.Fprintln(r.w)
		}
		fmt.Fprintln(r.w, colorize(colorDim, "[cancelled]"))
		return
	case !seen:
		if m.Content == "" && !m.Status.Final() {
			return
		}
		fmt.Fprint(r.w, speaker(m.Role)+m.Content)
	case strings.HasPrefix(m.Content, prev):
		fmt.Fprint(r.w, m.Content[len(prev):])
	default:
		fmt.Fprint(r.w, "\n"+speaker(m.Role)+m.Content)
	}
	r.printed[m.ID] = m.Content

	if m.Status == conversation.StatusCompleted {
		fmt.Fprintln(r.w)
	} else if m.PollExpired {
		fmt.Fprintln(r.w)
		fmt.Fprintln(r.w, colorize(colorYellow, "⚠ answer not finished yet; /refresh "+shortID(m.ID)+" to check again"))
	}
}

// syncWriter serializes writes from the renderer and the command loop.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

const replHelp = `commands:
  /cancel [id]   stop the answer in progress
  /retry [id]    retry a failed answer (default: the latest)
  /refresh <id>  check whether an interrupted answer finished
  /new           start a new conversation
  /clear         clear the message log
  /history       show the message log
  /queue         show messages waiting for the connection
  /status        show the connection status
  /quit          leave`

// repl runs the interactive chat loop. Sends and retries run in the
// background so commands such as /cancel stay responsive.
type repl struct {
	client *chat.Client
	out    io.Writer
	ctx    context.Context
	wg     sync.WaitGroup
}

func newRepl(ctx context.Context, client *chat.Client, out io.Writer) *repl {
	return &repl{client: client, out: out, ctx: ctx}
}

// Run reads lines from in until EOF, /quit or ctx is done.
func (r *repl) Run(in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-r.ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-r.ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if r.handle(line) {
				return nil
			}
		}
	}
}

// Wait blocks until background sends and retries return.
func (r *repl) Wait() {
	r.wg.Wait()
}

// handle processes one input line and reports whether the loop should end.
func (r *repl) handle(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		r.background(func(ctx context.Context) error {
			return r.client.SendMessage(ctx, line)
		})
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(r.out, replHelp)
	case "/cancel":
		r.cancel(arg)
	case "/retry":
		r.retry(arg)
	case "/refresh":
		r.refresh(arg)
	case "/new":
		id := r.client.StartNewConversation()
		r.notice(colorGreen, "✓ new conversation %s", id)
	case "/clear":
		r.client.ClearMessages()
		r.notice(colorGreen, "✓ messages cleared")
	case "/history":
		for _, m := range r.client.Messages() {
			printMessage(r.out, m)
		}
		r.client.MarkAsRead()
	case "/queue":
		items := r.client.QueuedMessages()
		if len(items) == 0 {
			fmt.Fprintln(r.out, "queue is empty")
		}
		for i, it := range items {
			fmt.Fprintf(r.out, "%d. %s\n", i+1, it)
		}
	case "/status":
		fmt.Fprintf(r.out, "connection: %s\nconversation: %s\nqueued: %d\n",
			r.client.ConnectionStatus(), r.client.ConversationID(), len(r.client.QueuedMessages()))
	default:
		r.notice(colorYellow, "⚠ unknown command %s (try /help)", cmd)
	}
	return false
}

func (r *repl) background(fn func(ctx context.Context) error) {
	// Shutdown leaves unfinished answers for the next session to recover,
	// so background work does not inherit the loop's cancellation.
	ctx := context.WithoutCancel(r.ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := fn(ctx)
		if r.ctx.Err() != nil {
			return
		}
		r.report(err)
		r.client.MarkAsRead()
	}()
}

func (r *repl) report(err error) {
	switch {
	case err == nil:
	case errors.Is(err, chat.ErrNotConnected):
		r.notice(colorYellow, "⚠ offline: message queued and will be sent when the connection returns")
	case errors.Is(err, chat.ErrTurnActive):
		r.notice(colorYellow, "⚠ wait for the current answer to finish, or /cancel it")
	case errors.Is(err, chat.ErrNotRetryable):
		r.notice(colorYellow, "⚠ that message cannot be retried")
	case errors.Is(err, conversation.ErrNotFound):
		r.notice(colorYellow, "⚠ no such message")
	default:
		r.notice(colorRed, "✗ %v", err)
	}
}

func (r *repl) cancel(ref string) {
	id, err := r.pick(ref, func(m conversation.Message) bool {
		return m.Role == conversation.RoleAssistant && m.Status.InProgress()
	})
	if err != nil {
		r.notice(colorYellow, "⚠ %v", err)
		return
	}
	if !r.client.CancelMessage(id) {
		r.notice(colorYellow, "⚠ nothing to cancel")
	}
}

func (r *repl) retry(ref string) {
	id, err := r.pick(ref, func(m conversation.Message) bool {
		return m.Status == conversation.StatusFailed && m.CanRetry
	})
	if err != nil {
		r.notice(colorYellow, "⚠ %v", err)
		return
	}
	r.background(func(ctx context.Context) error {
		return r.client.RetryMessage(ctx, id)
	})
}

func (r *repl) refresh(ref string) {
	if ref == "" {
		r.notice(colorYellow, "⚠ usage: /refresh <id>")
		return
	}
	id, err := resolveID(r.client.Messages(), ref)
	if err != nil {
		r.notice(colorYellow, "⚠ %v", err)
		return
	}
	done, err := r.client.Refresh(r.ctx, id)
	switch {
	case err != nil:
		r.report(err)
	case done:
		r.notice(colorGreen, "✓ answer completed")
	default:
		for _, m := range r.client.Messages() {
			if m.ID == id && m.Status == conversation.StatusFailed {
				return
			}
		}
		r.notice(colorYellow, "⚠ answer still in progress")
	}
}

// pick resolves ref, or the latest message matching want when ref is empty.
func (r *repl) pick(ref string, want func(conversation.Message) bool) (string, error) {
	msgs := r.client.Messages()
	if ref != "" {
		return resolveID(msgs, ref)
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if want(msgs[i]) {
			return msgs[i].ID, nil
		}
	}
	return "", errors.New("no matching message")
}

func (r *repl) notice(color, format string, args ...any) {
	fmt.Fprintln(r.out, colorize(color, fmt.Sprintf(format, args...)))
}
