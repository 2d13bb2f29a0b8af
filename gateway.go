package vynqtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Logout reasons reported on LogoutEvent.
const (
	LogoutUser              = "user"
	LogoutMissingToken      = "missing_token"
	LogoutRefreshExhausted  = "refresh_exhausted"
	LogoutRefreshRejected   = "refresh_rejected"
	LogoutConnectionExhaust = "connection_exhausted"
)

// LogoutEvent is published once per session when the gateway clears credentials.
type LogoutEvent struct {
	Reason string
	Err    error
}

// maxAuthRetries is how many times one request is re-issued after a refresh.
const maxAuthRetries = 1

// Gateway issues authenticated REST calls. It injects the bearer token, refreshes it on
// 401/403 through a single shared exchange, and forces logout once refreshes are exhausted.
type Gateway struct {
	apiBase     string
	httpClient  *http.Client
	storage     Storage
	logger      *slog.Logger
	metrics     *Metrics
	maxRefresh  int
	refreshPath string

	flight singleflight.Group

	mu              sync.Mutex
	refreshAttempts int
	loggedOut       bool

	// Logouts is published once per session, after credentials are cleared.
	Logouts *Topic[LogoutEvent]
}

type request struct {
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
	bearer      string
}

func newGateway(c *Client) *Gateway {
	return &Gateway{
		apiBase:     c.apiBase(),
		httpClient:  c.httpClient,
		storage:     c.storage,
		logger:      c.logger,
		metrics:     c.metrics,
		maxRefresh:  c.maxRefreshAttempts,
		refreshPath: "/auth/refresh",
		Logouts:     NewTopic[LogoutEvent]("logout", c.logger),
	}
}

// OnLogout registers fn for forced and explicit logouts.
func (g *Gateway) OnLogout(fn func(LogoutEvent)) *Subscription {
	return g.Logouts.Subscribe(fn)
}

// AccessToken returns the stored access token, or "" when there is none.
func (g *Gateway) AccessToken() (string, error) {
	tok, _, err := g.storage.Get(KeyAccessToken)
	return tok, err
}

// SetSession persists a freshly issued token pair and re-arms the gateway after a logout.
func (g *Gateway) SetSession(tp TokenPair) error {
	if tp.AccessToken == "" {
		return &ValidationError{Field: "accessToken", Message: "required"}
	}
	if err := SaveTokens(g.storage, tp); err != nil {
		return err
	}
	g.mu.Lock()
	g.loggedOut = false
	g.refreshAttempts = 0
	g.mu.Unlock()
	return nil
}

// RefreshAttempts returns the number of exchanges since the last authenticated success.
func (g *Gateway) RefreshAttempts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refreshAttempts
}

func (g *Gateway) resetRefreshAttempts() {
	g.mu.Lock()
	g.refreshAttempts = 0
	g.mu.Unlock()
}

// ============================================================================
// Requests
// ============================================================================

// Do performs an authenticated JSON request and returns the raw response body.
// endpoint is relative to the API base, e.g. "/users/me". Auth endpoints are rejected.
func (g *Gateway) Do(ctx context.Context, method, endpoint string, body interface{}) ([]byte, error) {
	r, err := jsonRequest(method, endpoint, body)
	if err != nil {
		return nil, err
	}
	return g.do(ctx, r)
}

func jsonRequest(method, endpoint string, body interface{}) (request, error) {
	r := request{method: method, path: endpoint}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return r, fmt.Errorf("failed to marshal request: %w", err)
		}
		r.body = b
		r.contentType = "application/json"
	}
	return r, nil
}

func isAuthEndpoint(endpoint string) bool {
	p := endpoint
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return strings.HasPrefix(p, "/auth/")
}

func (g *Gateway) do(ctx context.Context, r request) ([]byte, error) {
	if isAuthEndpoint(r.path) {
		return nil, &ValidationError{Field: "endpoint", Message: r.path + " bypasses token injection"}
	}

	for attempt := 0; ; attempt++ {
		token, err := g.AccessToken()
		if err != nil {
			return nil, fmt.Errorf("failed to read access token: %w", err)
		}
		if token == "" {
			err := &AuthError{Reason: AuthMissingToken}
			g.logout(LogoutMissingToken, err)
			return nil, err
		}

		r.bearer = token
		status, data, err := g.send(ctx, r)
		if err != nil {
			return nil, err
		}

		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			if attempt >= maxAuthRetries {
				return nil, parseAPIError(status, data)
			}
			g.logger.Debug("request unauthorized, refreshing token",
				"method", r.method, "path", r.path, "status", status)
			if err := g.handleUnauthorized(ctx, token); err != nil {
				return nil, err
			}
			continue
		}
		if status >= 300 {
			return nil, parseAPIError(status, data)
		}

		g.resetRefreshAttempts()
		return data, nil
	}
}

// doPublic sends a request without token injection or refresh handling.
func (g *Gateway) doPublic(ctx context.Context, r request) ([]byte, error) {
	status, data, err := g.send(ctx, r)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, parseAPIError(status, data)
	}
	return data, nil
}

func (g *Gateway) send(ctx context.Context, r request) (int, []byte, error) {
	u := g.apiBase + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var bodyReader io.Reader
	if r.body != nil {
		bodyReader = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	req.Header.Set("Accept", "application/json")
	if r.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+r.bearer)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return 0, nil, normalizeTransportErr(r.method+" "+r.path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, normalizeTransportErr("read "+r.path, err)
	}
	return resp.StatusCode, data, nil
}

func parseAPIError(status int, data []byte) error {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(data, &body)
	msg := body.Message
	if msg == "" {
		msg = body.Error
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{Status: status, Code: body.Code, Message: msg}
}

// ============================================================================
// Refresh
// ============================================================================

// HandleUnauthorized runs the refresh protocol. Concurrent callers share one exchange.
// After maxRefreshAttempts exchanges without an authenticated success in between,
// it forces logout and returns an AuthError with reason RefreshExhausted.
func (g *Gateway) HandleUnauthorized(ctx context.Context) error {
	return g.handleUnauthorized(ctx, "")
}

// handleUnauthorized skips the exchange if the token that failed has already been replaced.
func (g *Gateway) handleUnauthorized(ctx context.Context, stale string) error {
	_, err, _ := g.flight.Do("refresh", func() (interface{}, error) {
		if stale != "" {
			if cur, _ := g.AccessToken(); cur != "" && cur != stale {
				return nil, nil
			}
		}

		g.mu.Lock()
		if g.refreshAttempts >= g.maxRefresh {
			g.mu.Unlock()
			err := &AuthError{Reason: AuthRefreshExhausted}
			g.metrics.refresh("exhausted")
			g.logout(LogoutRefreshExhausted, err)
			return nil, err
		}
		g.refreshAttempts++
		attempt := g.refreshAttempts
		g.mu.Unlock()

		g.logger.Info("refreshing access token", "attempt", attempt, "max", g.maxRefresh)
		return nil, g.exchange(ctx)
	})
	return err
}

func (g *Gateway) exchange(ctx context.Context) error {
	refresh, _, err := g.storage.Get(KeyRefreshToken)
	if err != nil {
		return fmt.Errorf("failed to read refresh token: %w", err)
	}
	if refresh == "" {
		err := &AuthError{Reason: AuthRefreshRejected, Err: fmt.Errorf("no refresh token stored")}
		g.metrics.refresh("rejected")
		g.logout(LogoutRefreshRejected, err)
		return err
	}

	r, _ := jsonRequest(http.MethodPost, g.refreshPath, map[string]string{"refreshToken": refresh})
	status, data, err := g.send(ctx, r)
	if err != nil {
		g.metrics.refresh("error")
		return err
	}
	if status >= 300 {
		err := &AuthError{Reason: AuthRefreshRejected, Status: status, Err: parseAPIError(status, data)}
		g.metrics.refresh("rejected")
		g.logout(LogoutRefreshRejected, err)
		return err
	}

	tp, err := decodeTokenPair(data)
	if err != nil || tp.AccessToken == "" {
		if err == nil {
			err = fmt.Errorf("refresh response carried no access token")
		}
		aerr := &AuthError{Reason: AuthRefreshRejected, Status: status, Err: err}
		g.metrics.refresh("rejected")
		g.logout(LogoutRefreshRejected, aerr)
		return aerr
	}
	if err := SaveTokens(g.storage, tp); err != nil {
		return err
	}
	g.metrics.refresh("ok")
	return nil
}

// decodeTokenPair accepts the token pair either inside the envelope's data or at top level.
func decodeTokenPair(data []byte) (TokenPair, error) {
	var env struct {
		Data *TokenPair `json:"data"`
		TokenPair
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return TokenPair{}, &ParseError{Source: "refresh response", Err: err}
	}
	if env.Data != nil && env.Data.AccessToken != "" {
		return *env.Data, nil
	}
	return env.TokenPair, nil
}

// ============================================================================
// Logout
// ============================================================================

// Logout clears persisted credentials and notifies logout listeners.
// Only the first call per session has an effect.
func (g *Gateway) Logout() {
	g.logout(LogoutUser, nil)
}

func (g *Gateway) logout(reason string, cause error) {
	g.mu.Lock()
	if g.loggedOut {
		g.mu.Unlock()
		return
	}
	g.loggedOut = true
	g.refreshAttempts = 0
	g.mu.Unlock()

	if err := ClearSession(g.storage); err != nil {
		g.logger.Error("failed to clear session", "error", err)
	}
	g.metrics.logout(reason)
	if cause != nil {
		g.logger.Warn("forced logout", "reason", reason, "error", cause)
	} else {
		g.logger.Info("logged out", "reason", reason)
	}
	g.Logouts.Publish(LogoutEvent{Reason: reason, Err: cause})
}

// LoggedOut reports whether the current session has ended.
func (g *Gateway) LoggedOut() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.loggedOut
}
