// Package wire implements the text frame protocol carried over the
// persistent websocket: a command line, colon-separated headers, a
// blank line, and an optional body. A bare newline is the heartbeat.
package wire

import (
	"fmt"
	"strings"
)

// Frame commands.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSend        = "SEND"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdMessage     = "MESSAGE"
	CmdError       = "ERROR"
)

// Well-known headers.
const (
	HdrAuthorization = "authorization"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrMessage       = "message"
)

// Destinations. Private per-user queues are distinct from broadcast
// topics: point-to-point delivery must use the queue form.
const (
	DestJoin    = "/app/join"
	DestLeave   = "/app/leave"
	DestSignal  = "/app/signal"
	DestEvents  = "/user/queue/events"
	DestSignals = "/user/queue/signals"
)

// Heartbeat is the minimal keepalive frame.
const Heartbeat = "\n"

// Frame is one protocol unit.
type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

// NewFrame builds a frame with a destination header and body.
func NewFrame(command, destination string, body []byte) Frame {
	return Frame{
		Command: command,
		Headers: map[string]string{HdrDestination: destination},
		Body:    body,
	}
}

// Header returns a header value or "".
func (f Frame) Header(key string) string {
	return f.Headers[key]
}

// Marshal serializes the frame.
func Marshal(f Frame) []byte {
	var b strings.Builder
	b.WriteString(f.Command)
	b.WriteByte('\n')
	for k, v := range f.Headers {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.Write(f.Body)
	return []byte(b.String())
}

// IsHeartbeat reports whether raw is a bare-newline keepalive.
func IsHeartbeat(raw []byte) bool {
	return len(raw) == 0 || strings.TrimRight(string(raw), "\r\n") == ""
}

// Unmarshal parses a frame. Heartbeats must be filtered out by the
// caller first; an empty payload here is an error.
func Unmarshal(raw []byte) (Frame, error) {
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	head, body, _ := strings.Cut(text, "\n\n")

	lines := strings.Split(head, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return Frame{}, fmt.Errorf("empty frame")
	}

	f := Frame{
		Command: strings.TrimSpace(lines[0]),
		Headers: make(map[string]string),
	}
	switch f.Command {
	case CmdConnect, CmdConnected, CmdSend, CmdSubscribe, CmdUnsubscribe, CmdMessage, CmdError:
	default:
		return Frame{}, fmt.Errorf("unknown command %q", f.Command)
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return Frame{}, fmt.Errorf("malformed header %q", line)
		}
		f.Headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	if body != "" {
		f.Body = []byte(body)
	}
	return f, nil
}
