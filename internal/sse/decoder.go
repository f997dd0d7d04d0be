// Package sse decodes the chat service's line-oriented event stream.
//
// The stream is a sequence of newline-terminated lines. Only lines that begin
// with "data: " carry a payload; every payload is one JSON object. Everything
// else (blank separators, comments, other fields) is ignored.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// MaxLineSize bounds a single buffered line. Longer lines are dropped.
const MaxLineSize = 1 << 20

var dataPrefix = []byte("data: ")

// ErrLineTooLong is reported to the logger when a line exceeds MaxLineSize.
var ErrLineTooLong = errors.New("sse: line too long")

// Event is one decoded payload.
type Event struct {
	Success        bool   `json:"success"`
	ConversationID string `json:"conversationId,omitempty"`
	Step           string `json:"step,omitempty"`
	Message        string `json:"message,omitempty"`
	Plan           string `json:"plan,omitempty"`
	Code           string `json:"code,omitempty"`
	Done           bool   `json:"done,omitempty"`
	Error          string `json:"error,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
}

// HasText reports whether the event carries a content snapshot.
func (e Event) HasText() bool {
	return e.Success && e.Message != ""
}

// Decoder reads Events from a byte stream. It is not safe for concurrent use.
type Decoder struct {
	r       *bufio.Reader
	logger  *slog.Logger
	skipped int
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:      bufio.NewReader(r),
		logger: slog.Default(),
	}
}

// WithLogger sets the logger used for dropped payloads.
func (d *Decoder) WithLogger(l *slog.Logger) *Decoder {
	if l != nil {
		d.logger = l
	}
	return d
}

// Skipped returns how many payload lines were dropped as malformed.
func (d *Decoder) Skipped() int {
	return d.skipped
}

// Next returns the next well-formed event. It returns io.EOF when the
// transport ends cleanly; any other error means the transport broke.
// A trailing line with no terminating newline at EOF is discarded, since the
// writer never finished it.
func (d *Decoder) Next() (Event, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			return Event{}, err
		}

		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := line[len(dataPrefix):]
		if !utf8.Valid(payload) {
			payload = []byte(strings.ToValidUTF8(string(payload), "�"))
		}

		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			d.skipped++
			d.logger.Warn("dropping malformed stream event", "error", err, "payload", truncate(payload, 120))
			continue
		}
		return ev, nil
	}
}

// readLine returns the next complete line without its trailing newline.
func (d *Decoder) readLine() ([]byte, error) {
	var buf []byte
	tooLong := false
	for {
		chunk, err := d.r.ReadSlice('\n')
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			// EOF or a transport failure. Whatever partial line is
			// buffered never got its newline and is discarded.
			return nil, err
		}
		if !tooLong {
			if len(buf)+len(chunk) > MaxLineSize {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if err != nil {
			continue
		}
		if tooLong {
			d.skipped++
			d.logger.Warn("dropping stream line", "error", ErrLineTooLong)
			tooLong = false
			continue
		}
		return bytes.TrimSuffix(buf, []byte("\n")), nil
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
