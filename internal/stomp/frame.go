// Package stomp implements the subset of STOMP 1.2 the chat backend speaks
// over its WebSocket bridge: connect handshake, topic subscribe/unsubscribe,
// send, and server-pushed message/error frames.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Frame commands used by the bridge.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdSend        = "SEND"
	CmdMessage     = "MESSAGE"
	CmdError       = "ERROR"
	CmdDisconnect  = "DISCONNECT"
	CmdReceipt     = "RECEIPT"
)

// Well-known header names.
const (
	HdrAcceptVersion = "accept-version"
	HdrVersion       = "version"
	HdrHost          = "host"
	HdrAuthorization = "authorization"
	HdrID            = "id"
	HdrDestination   = "destination"
	HdrSubscription  = "subscription"
	HdrMessageID     = "message-id"
	HdrContentType   = "content-type"
	HdrContentLength = "content-length"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrMessage       = "message"
)

var (
	ErrMalformedFrame = errors.New("stomp: malformed frame")
	ErrUnknownCommand = errors.New("stomp: unknown command")
)

var knownCommands = map[string]bool{
	CmdConnect:     true,
	CmdConnected:   true,
	CmdSubscribe:   true,
	CmdUnsubscribe: true,
	CmdSend:        true,
	CmdMessage:     true,
	CmdError:       true,
	CmdDisconnect:  true,
	CmdReceipt:     true,
}

// Frame is one STOMP frame. Headers hold the first occurrence of each key;
// STOMP 1.2 treats later repetitions as ignored.
type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

func NewFrame(command string, headers ...string) *Frame {
	f := &Frame{Command: command, Headers: make(map[string]string, len(headers)/2)}
	for i := 0; i+1 < len(headers); i += 2 {
		f.Headers[headers[i]] = headers[i+1]
	}
	return f
}

func (f *Frame) Header(key string) string {
	return f.Headers[key]
}

// Marshal encodes the frame as command line, header lines, blank line, body,
// NUL. A content-length header is added whenever a body is present so binary
// bodies survive embedded NULs.
func (f *Frame) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')

	escape := headerEscaping(f.Command)
	for key, value := range f.Headers {
		if escape {
			key = escapeHeader(key)
			value = escapeHeader(value)
		}
		buf.WriteString(key)
		buf.WriteByte(':')
		buf.WriteString(value)
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		if _, ok := f.Headers[HdrContentLength]; !ok {
			buf.WriteString(HdrContentLength)
			buf.WriteByte(':')
			buf.WriteString(strconv.Itoa(len(f.Body)))
			buf.WriteByte('\n')
		}
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// Unmarshal parses one frame from data. Trailing EOLs after the NUL are
// tolerated (heart-beats from permissive peers).
func Unmarshal(data []byte) (*Frame, error) {
	data = bytes.TrimRight(data, "\r\n")
	if len(data) == 0 {
		return nil, ErrMalformedFrame
	}

	head, body, found := bytes.Cut(data, []byte("\n\n"))
	if !found {
		return nil, fmt.Errorf("%w: missing header terminator", ErrMalformedFrame)
	}

	lines := strings.Split(string(head), "\n")
	command := strings.TrimSuffix(lines[0], "\r")
	if !knownCommands[command] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}

	f := &Frame{Command: command, Headers: make(map[string]string, len(lines)-1)}
	escape := headerEscaping(command)
	for _, line := range lines[1:] {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: header %q", ErrMalformedFrame, line)
		}
		if escape {
			var err error
			if key, err = unescapeHeader(key); err != nil {
				return nil, err
			}
			if value, err = unescapeHeader(value); err != nil {
				return nil, err
			}
		}
		// First occurrence wins for repeated headers.
		if _, exists := f.Headers[key]; !exists {
			f.Headers[key] = value
		}
	}

	if n := f.Headers[HdrContentLength]; n != "" {
		length, err := strconv.Atoi(n)
		if err != nil || length < 0 || length > len(body) {
			return nil, fmt.Errorf("%w: bad content-length", ErrMalformedFrame)
		}
		f.Body = body[:length]
		return f, nil
	}

	// No content-length: body runs to the NUL terminator.
	if i := bytes.IndexByte(body, 0); i >= 0 {
		body = body[:i]
	}
	if len(body) > 0 {
		f.Body = body
	}
	return f, nil
}

// headerEscaping reports whether the command uses STOMP 1.2 header value
// escaping. CONNECT and CONNECTED are exempt for 1.0 compatibility.
func headerEscaping(command string) bool {
	return command != CmdConnect && command != CmdConnected
}

var headerEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\r", `\r`,
	"\n", `\n`,
	":", `\c`,
)

func escapeHeader(s string) string {
	return headerEscaper.Replace(s)
}

func unescapeHeader(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("%w: dangling escape", ErrMalformedFrame)
		}
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 'c':
			b.WriteByte(':')
		default:
			return "", fmt.Errorf("%w: bad escape \\%c", ErrMalformedFrame, s[i])
		}
	}
	return b.String(), nil
}
