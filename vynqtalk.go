// Package vynqtalk is a Go client for the VynqTalk chat backend.
//
// It covers the authenticated REST API with transparent token refresh, the
// STOMP-over-WebSocket realtime session, optimistic conversation state and presence.
//
// Example:
//
//	client := vynqtalk.NewClient("https://chat.example.com",
//		vynqtalk.WithStorage(vynqtalk.NewFileStorage(path)),
//	)
//	defer client.Shutdown(context.Background())
//
//	res, _ := client.Auth.Login(ctx, "ada@example.com", "secret")
//	conv, _ := client.NewConversation(vynqtalk.DirectConversation, res.User.Ref())
//	conv.SelectPeer(peer)
//	_ = client.Connect(ctx)
//	conv.SendMessage(ctx, "hi", vynqtalk.MessageText, "", nil)
package vynqtalk

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultAPIVersion            = "v1"
	DefaultTimeout               = 10 * time.Second
	DefaultMaxRefreshAttempts    = 3
	DefaultMaxConnectionAttempts = 3
	DefaultReconnectDelay        = 2 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client owns one authenticated session: the REST gateway, the realtime session
// and the presence tracker. Create it with NewClient and release it with Shutdown.
type Client struct {
	baseURL            string
	apiVersion         string
	httpClient         *http.Client
	storage            Storage
	logger             *slog.Logger
	registerer         prometheus.Registerer
	metrics            *Metrics
	dialer             Dialer
	notifier           Notifier
	maxRefreshAttempts int
	realtime           RealtimeConfig

	gateway  *Gateway
	session  *Session
	presence *Presence
	closed   atomic.Bool

	Auth          *AuthAPI
	Users         *UsersAPI
	Messages      *MessagesAPI
	Groups        *GroupsAPI
	Files         *FilesAPI
	Notifications *NotificationsAPI
	Admin         *AdminAPI
	System        *SystemAPI
}

type ClientOption func(*Client)

func WithAPIVersion(v string) ClientOption {
	return func(c *Client) { c.apiVersion = strings.Trim(v, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithStorage(s Storage) ClientOption {
	return func(c *Client) { c.storage = s }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithMetrics registers the client's collectors with reg.
func WithMetrics(reg prometheus.Registerer) ClientOption {
	return func(c *Client) { c.registerer = reg }
}

func WithDialer(d Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

func WithNotifier(n Notifier) ClientOption {
	return func(c *Client) { c.notifier = n }
}

// WithWebSocketURL overrides the realtime endpoint derived from the base URL.
func WithWebSocketURL(u string) ClientOption {
	return func(c *Client) { c.realtime.URL = u }
}

func WithMaxRefreshAttempts(n int) ClientOption {
	return func(c *Client) { c.maxRefreshAttempts = n }
}

func WithMaxConnectionAttempts(n int) ClientOption {
	return func(c *Client) { c.realtime.MaxConnectionAttempts = n }
}

func WithReconnectDelay(d time.Duration) ClientOption {
	return func(c *Client) { c.realtime.ReconnectDelay = d }
}

func WithHeartbeat(d time.Duration) ClientOption {
	return func(c *Client) { c.realtime.Heartbeat = d }
}

// NewClient creates a client for the backend at baseURL, e.g. "https://chat.example.com".
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:            strings.TrimRight(baseURL, "/"),
		apiVersion:         DefaultAPIVersion,
		httpClient:         &http.Client{Timeout: DefaultTimeout},
		storage:            NewMemoryStorage(),
		logger:             slog.Default(),
		maxRefreshAttempts: DefaultMaxRefreshAttempts,
		realtime: RealtimeConfig{
			MaxConnectionAttempts: DefaultMaxConnectionAttempts,
			ReconnectDelay:        DefaultReconnectDelay,
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.realtime.URL == "" {
		c.realtime.URL = websocketURL(c.baseURL)
	}
	if c.realtime.ConnectTimeout == 0 {
		c.realtime.ConnectTimeout = c.httpClient.Timeout
	}
	if c.dialer == nil {
		c.dialer = &WebSocketDialer{}
	}
	if c.notifier == nil {
		c.notifier = noopNotifier{}
	}
	if c.registerer != nil {
		c.metrics = NewMetrics(c.registerer)
	}

	c.gateway = newGateway(c)
	c.session = newSession(c.gateway, c.dialer, c.realtime, c.logger, c.metrics)
	c.presence = NewPresence(c.session.OnlineUsers, c.logger)

	c.Auth = &AuthAPI{c: c}
	c.Users = &UsersAPI{c: c}
	c.Messages = &MessagesAPI{c: c}
	c.Groups = &GroupsAPI{c: c}
	c.Files = &FilesAPI{c: c}
	c.Notifications = &NotificationsAPI{c: c}
	c.Admin = &AdminAPI{c: c}
	c.System = &SystemAPI{c: c}
	return c
}

func (c *Client) apiBase() string {
	return c.baseURL + "/api/" + c.apiVersion
}

// BaseURL returns the backend root URL.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Gateway() *Gateway { return c.gateway }
func (c *Client) Session() *Session { return c.session }
func (c *Client) Presence() *Presence { return c.presence }
func (c *Client) Storage() Storage { return c.storage }
func (c *Client) Notifier() Notifier { return c.notifier }
func (c *Client) Logger() *slog.Logger { return c.logger }

// Connect opens the realtime session.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return c.session.Connect(ctx)
}

// OnLogout registers fn for forced and explicit logouts.
func (c *Client) OnLogout(fn func(LogoutEvent)) *Subscription {
	return c.gateway.OnLogout(fn)
}

// CurrentUser returns the user cached at login.
func (c *Client) CurrentUser() (User, bool, error) {
	var u User
	ok, err := GetJSON(c.storage, KeyUser, &u)
	return u, ok, err
}

// NewConversation creates a conversation for self bound to the realtime session.
func (c *Client) NewConversation(kind ConversationKind, self UserRef, opts ...func(*ConversationConfig)) (*Conversation, error) {
	cfg := ConversationConfig{
		Kind:      kind,
		Self:      self,
		Publisher: c.session,
		Notifier:  c.notifier,
		Logger:    c.logger,
	}
	for _, o := range opts {
		o(&cfg)
	}
	conv, err := NewConversation(cfg)
	if err != nil {
		return nil, err
	}
	conv.Bind(c.session)
	return conv, nil
}

// DirectHistory implements HistorySource.
func (c *Client) DirectHistory(ctx context.Context, peerID int64) ([]Message, error) {
	return c.Messages.Conversation(ctx, peerID)
}

// GroupHistory implements HistorySource.
func (c *Client) GroupHistory(ctx context.Context, groupID int64) ([]Message, error) {
	return c.Groups.Messages(ctx, groupID)
}

// Shutdown closes the realtime session and stops presence tracking. Persisted
// credentials are kept. Later calls return ErrClientClosed.
func (c *Client) Shutdown(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClientClosed
	}
	err := c.session.Close(ctx)
	c.presence.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
