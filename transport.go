package vynqtalk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// Transport is one open duplex connection carrying STOMP frames.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Dialer opens a Transport to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Transport, error) { return f(ctx, url) }

// DialError is a failed handshake. Status is the HTTP status of the upgrade response, if any.
type DialError struct {
	Status int
	Err    error
}

func (e *DialError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("websocket dial: status %d: %v", e.Status, e.Err)
	}
	return "websocket dial: " + e.Err.Error()
}

func (e *DialError) Unwrap() error { return e.Err }

// ============================================================================
// WebSocket transport
// ============================================================================

// stompSubprotocols are offered during the upgrade, newest first.
var stompSubprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

const wsReadLimit = 1 << 20

// WebSocketDialer dials nhooyr WebSocket connections.
type WebSocketDialer struct {
	HTTPClient *http.Client
	Header     http.Header
}

func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string) (Transport, error) {
	conn, resp, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		HTTPHeader:   d.Header,
		Subprotocols: stompSubprotocols,
	})
	if err != nil {
		de := &DialError{Err: err}
		if resp != nil {
			de.Status = resp.StatusCode
		}
		return nil, de
	}
	conn.SetReadLimit(wsReadLimit)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

// ============================================================================
// URLs and auth signatures
// ============================================================================

// websocketURL derives the realtime endpoint from the REST base URL.
func websocketURL(baseURL string) string {
	u := strings.Replace(baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimRight(u, "/") + "/ws"
}

// withToken attaches the access token as a query parameter.
func withToken(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

var authSignatures = []string{
	"unauthorized",
	"401",
	"403",
	"forbidden",
	"jwt",
	"token expired",
	"invalid token",
	"authentication",
}

// isAuthSignature reports whether a server message describes a rejected credential.
func isAuthSignature(s string) bool {
	s = strings.ToLower(s)
	for _, sig := range authSignatures {
		if strings.Contains(s, sig) {
			return true
		}
	}
	return false
}

// isAuthFailure classifies a dial or transport error as a credential rejection.
func isAuthFailure(err error) bool {
	var de *DialError
	if errors.As(err, &de) && (de.Status == http.StatusUnauthorized || de.Status == http.StatusForbidden) {
		return true
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) && isAuthSignature(ce.Reason) {
		return true
	}
	var se *stompError
	if errors.As(err, &se) {
		return se.auth
	}
	return false
}

// stompError is an ERROR frame received from the broker.
type stompError struct {
	message string
	body    string
	auth    bool
}

func (e *stompError) Error() string {
	if e.body != "" {
		return "stomp error: " + e.message + ": " + e.body
	}
	return "stomp error: " + e.message
}

func newStompError(f *Frame) *stompError {
	msg := f.Header("message")
	body := strings.TrimSpace(string(f.Body))
	return &stompError{message: msg, body: body, auth: isAuthSignature(msg + " " + body)}
}
