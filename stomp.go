package vynqtalk

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ============================================================================
// STOMP 1.2 framing
// ============================================================================

// STOMP commands used by the realtime session.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdSend        = "SEND"
	CmdMessage     = "MESSAGE"
	CmdError       = "ERROR"
	CmdReceipt     = "RECEIPT"
	CmdDisconnect  = "DISCONNECT"
)

var errIncompleteFrame = errors.New("stomp: incomplete frame")

// Frame is a single STOMP frame. Header order is not preserved on the wire
// except that repeated keys keep their first value, as STOMP requires.
type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

// NewFrame builds a frame from alternating key/value header pairs.
func NewFrame(command string, kv ...string) *Frame {
	f := &Frame{Command: command, Headers: make(map[string]string, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Headers[kv[i]] = kv[i+1]
	}
	return f
}

// Header returns the value of key, or "".
func (f *Frame) Header(key string) string {
	if f.Headers == nil {
		return ""
	}
	return f.Headers[key]
}

// Marshal encodes the frame, NUL terminated. CONNECT and CONNECTED headers are not escaped.
func (f *Frame) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')

	escape := f.Command != CmdConnect && f.Command != CmdConnected

	keys := make([]string, 0, len(f.Headers))
	for k := range f.Headers {
		if k == "content-length" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := f.Headers[k]
		if escape {
			k, v = escapeHeader(k), escapeHeader(v)
		}
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		buf.WriteString("content-length:")
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// ParseFrames decodes every frame in data. A WebSocket message may carry several
// frames and bare EOL heart-beats between them; heart-beats are skipped.
func ParseFrames(data []byte) ([]*Frame, error) {
	var frames []*Frame
	for {
		data = skipHeartbeats(data)
		if len(data) == 0 {
			return frames, nil
		}
		f, n, err := parseFrame(data)
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
		data = data[n:]
	}
}

func skipHeartbeats(data []byte) []byte {
	for len(data) > 0 && (data[0] == '\n' || data[0] == '\r') {
		data = data[1:]
	}
	return data
}

func parseFrame(data []byte) (*Frame, int, error) {
	idx := bytes.Index(data, []byte("\n\n"))
	sepLen := 2
	if crlf := bytes.Index(data, []byte("\r\n\r\n")); crlf >= 0 && (idx < 0 || crlf < idx) {
		idx, sepLen = crlf, 4
	}
	if idx < 0 {
		return nil, 0, errIncompleteFrame
	}

	lines := strings.Split(strings.ReplaceAll(string(data[:idx]), "\r\n", "\n"), "\n")
	f := &Frame{Command: lines[0], Headers: make(map[string]string, len(lines)-1)}
	if f.Command == "" {
		return nil, 0, fmt.Errorf("stomp: empty command")
	}
	escaped := f.Command != CmdConnect && f.Command != CmdConnected
	for _, line := range lines[1:] {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return nil, 0, fmt.Errorf("stomp: malformed header %q", line)
		}
		if escaped {
			var err error
			if k, err = unescapeHeader(k); err != nil {
				return nil, 0, err
			}
			if v, err = unescapeHeader(v); err != nil {
				return nil, 0, err
			}
		}
		if _, dup := f.Headers[k]; !dup {
			f.Headers[k] = v
		}
	}

	rest := data[idx+sepLen:]
	if cl, ok := f.Headers["content-length"]; ok {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, 0, fmt.Errorf("stomp: bad content-length %q", cl)
		}
		if len(rest) < n+1 || rest[n] != 0 {
			return nil, 0, errIncompleteFrame
		}
		f.Body = append([]byte(nil), rest[:n]...)
		return f, idx + sepLen + n + 1, nil
	}

	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return nil, 0, errIncompleteFrame
	}
	if end > 0 {
		f.Body = append([]byte(nil), rest[:end]...)
	}
	return f, idx + sepLen + end + 1, nil
}

var headerEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"\r", "\\r",
	"\n", "\\n",
	":", "\\c",
)

func escapeHeader(s string) string { return headerEscaper.Replace(s) }

func unescapeHeader(s string) (string, error) {
	if !strings.Contains(s, "\\") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("stomp: dangling escape in %q", s)
		}
		i++
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
			return "", fmt.Errorf("stomp: invalid escape \\%c", s[i])
		}
	}
	return b.String(), nil
}
