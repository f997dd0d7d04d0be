package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ledongthuc/pdf"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/chatline/internal/api"
	"github.com/kalambet/chatline/internal/chat"
	"github.com/kalambet/chatline/internal/config"
	"github.com/kalambet/chatline/internal/conversation"
)

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()

		return withSession(func(s *session) error {
			out := &syncWriter{w: os.Stdout}
			s.conv.OnChange(newRenderer(out).observe)

			return s.run(ctx, func(ctx context.Context) error {
				fmt.Fprintf(out, "%s conversation %s (%s). /help for commands.\n",
					colorize(colorBold, "chatline"), s.client.ConversationID(), s.client.ConnectionStatus())
				return newRepl(ctx, s.client, out).Run(os.Stdin)
			})
		})
	},
}

// --- send ---

var sendCmd = &cobra.Command{
	Use:   "send [text...]",
	Short: "Send one message and print the answer",
	Long: `Send one message and print the answer as it streams.

Examples:
  chatline send "What changed in the last release?"
  chatline send --file ./report.pdf "Summarize this"
  echo "hello" | chatline send`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")

		content, err := composeMessage(strings.Join(args, " "), file)
		if err != nil {
			return err
		}
		if content == "" && file == "" && len(args) == 0 {
			data, err := readStdin()
			if err != nil {
				return err
			}
			content = strings.TrimSpace(data)
		}
		if content == "" {
			return fmt.Errorf("message text, --file or stdin input is required")
		}

		ctx, stop := signalContext(cmd)
		defer stop()

		return withSession(func(s *session) error {
			s.conv.OnChange(newRenderer(&syncWriter{w: os.Stdout}).observe)
			return s.run(ctx, func(ctx context.Context) error {
				return sendAndReport(ctx, s.client, content)
			})
		})
	},
}

func init() {
	sendCmd.Flags().String("file", "", "attach a text or PDF file to the message")
}

// idleWait is how often sendAndReport retries while a replayed queued
// message holds the turn.
const idleWait = 200 * time.Millisecond

// sendAndReport sends content once the client is idle and turns the final
// assistant state into the command's result.
func sendAndReport(ctx context.Context, client *chat.Client, content string) error {
	for {
		err := client.SendMessage(ctx, content)
		if !errors.Is(err, chat.ErrTurnActive) {
			if errors.Is(err, chat.ErrNotConnected) {
				printWarning("chat service unreachable; message queued for the next connection")
				return nil
			}
			if err != nil {
				return err
			}
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(idleWait):
		}
	}
	client.MarkAsRead()

	m, ok := lastAssistant(client.Messages())
	if !ok {
		return nil
	}
	switch m.Status {
	case conversation.StatusFailed:
		return errors.New(m.Content)
	case conversation.StatusCancelled:
		return errors.New("answer cancelled")
	}
	return nil
}

func lastAssistant(msgs []conversation.Message) (conversation.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == conversation.RoleAssistant {
			return msgs[i], true
		}
	}
	return conversation.Message{}, false
}

// composeMessage appends the contents of file, when given, to text.
func composeMessage(text, file string) (string, error) {
	text = strings.TrimSpace(text)
	if file == "" {
		return text, nil
	}
	body, err := readAttachment(file)
	if err != nil {
		return "", err
	}
	attachment := fmt.Sprintf("[%s]\n%s", filepath.Base(file), strings.TrimSpace(body))
	if text == "" {
		return attachment, nil
	}
	return text + "\n\n" + attachment, nil
}

func readAttachment(path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return readPDF(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading file: %w", err)
	}
	return string(data), nil
}

func readPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	text, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting PDF text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(text); err != nil {
		return "", fmt.Errorf("extracting PDF text: %w", err)
	}
	return buf.String(), nil
}

func readStdin() (string, error) {
	info, err := os.Stdin.Stat()
	if err != nil || info.Mode()&os.ModeCharDevice != 0 {
		return "", nil
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(os.Stdin); err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return buf.String(), nil
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the message log of the active conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		return withSession(func(s *session) error {
			msgs := s.client.Messages()
			if len(msgs) == 0 {
				fmt.Println("No messages yet.")
				return nil
			}
			if limit > 0 && len(msgs) > limit {
				msgs = msgs[len(msgs)-limit:]
			}
			for _, m := range msgs {
				printMessage(os.Stdout, m)
			}
			s.client.MarkAsRead()
			return nil
		})
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of messages to show (0 for all)")
}

// --- new ---

var newCmd = &cobra.Command{
	Use:   "new",
	Short: "Start a new conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(s *session) error {
			id := s.client.StartNewConversation()
			printSuccess("Started conversation %s", id)
			return nil
		})
	},
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List messages waiting for the connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(s *session) error {
			items := s.client.QueuedMessages()
			if len(items) == 0 {
				fmt.Println("Queue is empty.")
				return nil
			}
			for i, it := range items {
				fmt.Printf("%s %s\n", colorize(colorCyan, fmt.Sprintf("%d.", i+1)), it)
			}
			return nil
		})
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection and session status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()

		return withSession(func(s *session) error {
			mon, err := s.checkHealth(ctx)
			if err != nil {
				printStatus("Service", "unreachable (%v)", err)
			} else {
				printStatus("Service", "%s", mon.Status())
			}
			printStatus("Failed probes", "%d", mon.ConsecutiveFailures())
			printStatus("Last probe", "%s", mon.LastProbe().Local().Format(time.DateTime))
			printStatus("Endpoint", "%s", s.cfg.Chat.APIEndpoint)
			printStatus("Conversation", "%s", s.client.ConversationID())
			printStatus("Messages", "%d", len(s.client.Messages()))
			printStatus("Queued", "%d", len(s.client.QueuedMessages()))
			printStatus("Unread", "%t", s.client.Unread())
			if snap, err := s.db.GetSnapshot(conversation.KeyMessages); err == nil {
				printStatus("Last saved", "%s", snap.UpdatedAt.Local().Format(time.DateTime))
			}
			printStatus("Data dir", "%s", s.cfg.Storage.DataDir)
			return nil
		})
	},
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the chat session to MCP clients over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()

		return withSession(func(s *session) error {
			return s.run(ctx, func(ctx context.Context) error {
				stdio := server.NewStdioServer(api.NewMCPServer(api.MCPDeps{Chat: s.client}))
				if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("MCP stdio server: %w", err)
				}
				return nil
			})
		})
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
