package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kalambet/chatline/internal/conversation"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// speaker returns the colored prefix for a message author.
func speaker(role conversation.Role) string {
	if role == conversation.RoleUser {
		return colorize(colorBold, "you: ")
	}
	return colorize(colorCyan, "assistant: ")
}

// printMessage writes one log entry for history listings.
func printMessage(w io.Writer, m conversation.Message) {
	meta := m.Timestamp.Local().Format(time.Kitchen)
	if m.Role == conversation.RoleAssistant && m.Status != conversation.StatusCompleted {
		meta += " " + string(m.Status)
	}
	content := m.Content
	if content == "" && m.Status.InProgress() {
		content = "…"
	}
	fmt.Fprintf(w, "%s %s%s\n", colorize(colorDim, "["+meta+" "+shortID(m.ID)+"]"), speaker(m.Role), content)
}

// shortID is the tail of a message id shown in listings. Message ids are
// time-ordered, so their random tail is what tells them apart.
func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}

// resolveID expands a full id or a unique id suffix against msgs.
func resolveID(msgs []conversation.Message, ref string) (string, error) {
	var found string
	for _, m := range msgs {
		if m.ID == ref {
			return m.ID, nil
		}
		if strings.HasSuffix(m.ID, ref) {
			if found != "" {
				return "", fmt.Errorf("id %q is ambiguous", ref)
			}
			found = m.ID
		}
	}
	if ref == "" || found == "" {
		return "", fmt.Errorf("no message with id %q", ref)
	}
	return found, nil
}
