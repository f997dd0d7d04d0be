package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kalambet/chatline/internal/chat"
	"github.com/kalambet/chatline/internal/conversation"
	"github.com/kalambet/chatline/internal/health"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ChatSession is the part of chat.Client the MCP layer drives.
type ChatSession interface {
	SendMessage(ctx context.Context, content string) error
	CancelMessage(id string) bool
	RetryMessage(ctx context.Context, id string) error
	StartNewConversation() string
	Messages() []conversation.Message
	QueuedMessages() []string
	ConnectionStatus() health.Status
	ConversationID() string
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Chat ChatSession
}

// NewMCPServer creates an MCP server exposing the chat session as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"chatline",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("chatline: a resilient chat session. Send messages, inspect the log, retry or cancel answers."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a message in the active conversation and wait for the assistant's answer."),
			mcp.WithString("content", mcp.Description("Message text"), mcp.Required()),
		),
		mcpSendMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_message",
			mcp.WithDescription("Cancel an assistant answer that is still in progress."),
			mcp.WithString("id", mcp.Description("Assistant message id"), mcp.Required()),
		),
		mcpCancelMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("retry_message",
			mcp.WithDescription("Retry a failed assistant answer under the same id."),
			mcp.WithString("id", mcp.Description("Assistant message id"), mcp.Required()),
		),
		mcpRetryMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("list_messages",
			mcp.WithDescription("List the most recent messages of the active conversation."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of messages (default 20)")),
		),
		mcpListMessages(deps),
	)

	s.AddTool(
		mcp.NewTool("new_conversation",
			mcp.WithDescription("Start a new conversation, dropping the current log and queued messages."),
		),
		mcpNewConversation(deps),
	)

	s.AddTool(
		mcp.NewTool("connection_status",
			mcp.WithDescription("Report connectivity, the conversation id and queued messages."),
		),
		mcpConnectionStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"chat://messages",
			"Conversation Log",
			mcp.WithResourceDescription("All messages of the active conversation as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceMessages(deps),
	)

	return s
}

func mcpSendMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		err = deps.Chat.SendMessage(ctx, content)
		switch {
		case errors.Is(err, chat.ErrNotConnected):
			return mcpError("not connected to the chat service; the message is queued and will be sent on reconnect"), nil
		case errors.Is(err, chat.ErrTurnActive):
			return mcpError("another answer is still in progress; wait for it or cancel it first"), nil
		case err != nil:
			return mcpError(fmt.Sprintf("send failed: %v", err)), nil
		}

		m, ok := latestAnswer(deps.Chat.Messages(), content)
		if !ok {
			return mcpError("no answer recorded"), nil
		}
		return answerResult(m), nil
	}
}

func mcpCancelMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		if !deps.Chat.CancelMessage(id) {
			return mcpError(fmt.Sprintf("message %s is not in progress", id)), nil
		}
		return mcpText(fmt.Sprintf("Cancelled %s", id)), nil
	}
}

func mcpRetryMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		if err := deps.Chat.RetryMessage(ctx, id); err != nil {
			return mcpError(fmt.Sprintf("retry failed: %v", err)), nil
		}
		for _, m := range deps.Chat.Messages() {
			if m.ID == id {
				return answerResult(m), nil
			}
		}
		return mcpError(fmt.Sprintf("message %s not found", id)), nil
	}
}

func mcpListMessages(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 200 {
			limit = 200
		}

		msgs := deps.Chat.Messages()
		if len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}
		b, err := json.Marshal(msgs)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal messages: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpNewConversation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := deps.Chat.StartNewConversation()
		return mcpText(fmt.Sprintf("Started conversation %s", id)), nil
	}
}

type statusReport struct {
	Status         health.Status `json:"status"`
	ConversationID string        `json:"conversationId"`
	Messages       int           `json:"messages"`
	Queued         []string      `json:"queued"`
}

func mcpConnectionStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		report := statusReport{
			Status:         deps.Chat.ConnectionStatus(),
			ConversationID: deps.Chat.ConversationID(),
			Messages:       len(deps.Chat.Messages()),
			Queued:         deps.Chat.QueuedMessages(),
		}
		if report.Queued == nil {
			report.Queued = []string{}
		}
		b, err := json.Marshal(report)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceMessages(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Chat.Messages())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal messages: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// latestAnswer finds the newest assistant reply to a user message with content.
func latestAnswer(msgs []conversation.Message, content string) (conversation.Message, bool) {
	users := make(map[string]string)
	for _, m := range msgs {
		if m.Role == conversation.RoleUser {
			users[m.ID] = m.Content
		}
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role == conversation.RoleAssistant && users[m.ReplyTo] == content {
			return m, true
		}
	}
	return conversation.Message{}, false
}

func answerResult(m conversation.Message) *mcp.CallToolResult {
	switch m.Status {
	case conversation.StatusCompleted:
		return mcpText(m.Content)
	case conversation.StatusFailed:
		return mcpError(fmt.Sprintf("%s (message %s, retryable: %v)", m.Content, m.ID, m.CanRetry))
	case conversation.StatusCancelled:
		return mcpError(fmt.Sprintf("message %s was cancelled", m.ID))
	}
	return mcpText(fmt.Sprintf("Answer %s is still being produced; partial content: %s", m.ID, m.Content))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
