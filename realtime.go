package vynqtalk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"
)

// ============================================================================
// Topics and destinations
// ============================================================================

// Subscribed broker topics.
const (
	TopicOnlineUsers     = "/topic/onlineUsers"
	TopicMessages        = "/topic/messages"
	TopicReactions       = "/topic/reactions"
	TopicGroupMessages   = "/topic/groupMessages"
	TopicSystemMetrics   = "/topic/systemMetrics"
	TopicMessageDeletion = "/topic/messageDeletion"
	TopicMessageEdition  = "/topic/messageEdition"
)

// subscribedTopics is sent as one batch after every successful CONNECT.
var subscribedTopics = []string{
	TopicMessages,
	TopicReactions,
	TopicGroupMessages,
	TopicOnlineUsers,
	TopicMessageEdition,
	TopicMessageDeletion,
	TopicSystemMetrics,
}

// Publish destinations.
const (
	DestSendMessage      = "/app/chat.sendMessage"
	DestReplyMessage     = "/app/chat.reply"
	DestReactMessage     = "/app/chat.react"
	DestEditMessage      = "/app/chat.edit"
	DestDeleteMessage    = "/app/chat.delete"
	DestGroupSendMessage = "/app/group.sendMessage"
	DestGroupReply       = "/app/group.reply"
	DestGroupReact       = "/app/group.react"
	DestGroupEdit        = "/app/group.edit"
	DestGroupDelete      = "/app/group.delete"
)

// ============================================================================
// Configuration and state
// ============================================================================

// RealtimeConfig configures the realtime session.
type RealtimeConfig struct {
	URL                   string
	MaxConnectionAttempts int
	ReconnectDelay        time.Duration
	Heartbeat             time.Duration
	ConnectTimeout        time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.MaxConnectionAttempts == 0 {
		c.MaxConnectionAttempts = 3
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = 10 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

// ConnectionState is the realtime session state.
type ConnectionState string

const (
	StateDisconnected     ConnectionState = "disconnected"
	StateConnecting       ConnectionState = "connecting"
	StateConnected        ConnectionState = "connected"
	StateReauthenticating ConnectionState = "reauthenticating"
	StateBackoff          ConnectionState = "backoff"
	StateLoggedOut        ConnectionState = "logged_out"
)

var allStates = []ConnectionState{
	StateDisconnected, StateConnecting, StateConnected,
	StateReauthenticating, StateBackoff, StateLoggedOut,
}

// StateChange is published on every state transition. Attempt and Delay are set for Backoff.
type StateChange struct {
	From    ConnectionState
	To      ConnectionState
	Attempt int
	Delay   time.Duration
	Err     error
}

// ============================================================================
// Session
// ============================================================================

// Session owns the single STOMP-over-WebSocket connection. It reconnects with linear
// backoff, reauthenticates through the Gateway, and logs out once attempts run out.
type Session struct {
	cfg     RealtimeConfig
	gateway *Gateway
	dialer  Dialer
	logger  *slog.Logger
	metrics *Metrics
	wait    func(ctx context.Context, d time.Duration) error

	Messages         *Topic[Message]
	GroupMessages    *Topic[Message]
	Reactions        *Topic[ReactionEvent]
	OnlineUsers      *Topic[[]int64]
	MessageEdits     *Topic[MessageEdit]
	MessageDeletions *Topic[MessageDeletion]
	SystemMetrics    *Topic[SystemMetrics]
	StateChanges     *Topic[StateChange]

	mu        sync.Mutex
	state     ConnectionState
	gen       uint64
	cancel    context.CancelFunc
	transport Transport
	attempts  int
	done      chan struct{}

	writeMu   sync.Mutex
	logoutSub *Subscription
}

func newSession(g *Gateway, dialer Dialer, cfg RealtimeConfig, logger *slog.Logger, metrics *Metrics) *Session {
	cfg.defaults()
	s := &Session{
		cfg:     cfg,
		gateway: g,
		dialer:  dialer,
		logger:  logger.With("component", "realtime"),
		metrics: metrics,
		wait:    sleepCtx,
		state:   StateDisconnected,

		Messages:         NewTopic[Message](TopicMessages, logger),
		GroupMessages:    NewTopic[Message](TopicGroupMessages, logger),
		Reactions:        NewTopic[ReactionEvent](TopicReactions, logger),
		OnlineUsers:      NewTopic[[]int64](TopicOnlineUsers, logger),
		MessageEdits:     NewTopic[MessageEdit](TopicMessageEdition, logger),
		MessageDeletions: NewTopic[MessageDeletion](TopicMessageDeletion, logger),
		SystemMetrics:    NewTopic[SystemMetrics](TopicSystemMetrics, logger),
		StateChanges:     NewTopic[StateChange]("state", logger),
	}
	s.logoutSub = g.OnLogout(func(LogoutEvent) { s.detach(StateLoggedOut, nil) })
	metrics.setState(StateDisconnected)
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect starts the connection supervisor and returns immediately. It fails with an
// AuthError when no access token is stored and is a no-op while a session is active.
func (s *Session) Connect(ctx context.Context) error {
	token, err := s.gateway.AccessToken()
	if err != nil {
		return fmt.Errorf("failed to read access token: %w", err)
	}
	if token == "" {
		s.logger.Warn("connect skipped, no access token")
		return &AuthError{Reason: AuthMissingToken}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	switch s.state {
	case StateConnecting, StateConnected, StateReauthenticating, StateBackoff:
		s.mu.Unlock()
		return nil
	}
	s.gen++
	gen := s.gen
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.attempts = 0
	done := make(chan struct{})
	s.done = done
	from := s.state
	s.state = StateConnecting
	s.mu.Unlock()

	s.changed(StateChange{From: from, To: StateConnecting})
	go s.run(runCtx, gen, done)
	return nil
}

// Disconnect tears down the transport and empties the presence set. Idempotent.
func (s *Session) Disconnect() {
	if !s.detach(StateDisconnected, nil) {
		s.OnlineUsers.Publish([]int64{})
	}
}

// Close disconnects, detaches from the gateway, and waits for the supervisor to exit.
// It must not be called from a listener.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	s.Disconnect()
	s.logoutSub.Unsubscribe()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// detach invalidates the running supervisor and moves to state to.
// It reports whether the state changed.
func (s *Session) detach(to ConnectionState, cause error) bool {
	s.mu.Lock()
	s.gen++
	cancel, t := s.cancel, s.transport
	s.cancel, s.transport = nil, nil
	s.attempts = 0
	from := s.state
	s.state = to
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if t != nil {
		if err := t.Close("client disconnect"); err != nil {
			s.logger.Debug("transport close", "error", err)
		}
	}
	if from == to {
		return false
	}
	s.changed(StateChange{From: from, To: to, Err: cause})
	if from != StateConnected {
		s.OnlineUsers.Publish([]int64{})
	}
	return true
}

// setState applies a transition made by the supervisor of generation gen.
func (s *Session) setState(gen uint64, ch StateChange) bool {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false
	}
	ch.From = s.state
	s.state = ch.To
	s.mu.Unlock()

	if ch.From != ch.To {
		s.changed(ch)
	}
	return true
}

// changed records a transition. Leaving Connected empties the presence set.
func (s *Session) changed(ch StateChange) {
	s.metrics.setState(ch.To)
	s.logger.Debug("state change", "from", ch.From, "to", ch.To, "attempt", ch.Attempt)
	s.StateChanges.Publish(ch)
	if ch.From == StateConnected {
		s.OnlineUsers.Publish([]int64{})
	}
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

// ============================================================================
// Supervisor
// ============================================================================

func (s *Session) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	for {
		token, err := s.connectOnce(ctx, gen)
		if ctx.Err() != nil || !s.current(gen) {
			return
		}

		var ae *AuthError
		switch {
		case errors.As(err, &ae):
			s.forceLogout(gen, err)
			return
		case isAuthFailure(err):
			s.logger.Info("realtime credentials rejected, reauthenticating", "error", err)
			if !s.setState(gen, StateChange{To: StateReauthenticating, Err: err}) {
				return
			}
			rerr := s.gateway.handleUnauthorized(ctx, token)
			if ctx.Err() != nil || !s.current(gen) {
				return
			}
			if rerr == nil {
				if !s.setState(gen, StateChange{To: StateConnecting}) {
					return
				}
				continue
			}
			if errors.As(rerr, &ae) {
				s.forceLogout(gen, rerr)
				return
			}
			err = rerr
		}

		s.mu.Lock()
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()

		if attempt > s.cfg.MaxConnectionAttempts {
			s.forceLogout(gen, fmt.Errorf("%w: %v", ErrConnectionExhausted, err))
			return
		}

		delay := time.Duration(attempt) * s.cfg.ReconnectDelay
		s.logger.Warn("realtime connection lost, backing off",
			"attempt", attempt, "max", s.cfg.MaxConnectionAttempts, "delay", delay, "error", err)
		if !s.setState(gen, StateChange{To: StateBackoff, Attempt: attempt, Delay: delay, Err: err}) {
			return
		}
		s.metrics.reconnect()
		if s.wait(ctx, delay) != nil {
			return
		}
		if !s.setState(gen, StateChange{To: StateConnecting, Attempt: attempt}) {
			return
		}
	}
}

func (s *Session) forceLogout(gen uint64, cause error) {
	if !s.current(gen) {
		return
	}
	s.logger.Error("realtime session giving up", "error", cause)
	s.detach(StateLoggedOut, cause)
	reason := LogoutConnectionExhaust
	var ae *AuthError
	if errors.As(cause, &ae) {
		reason = string(ae.Reason)
	}
	s.gateway.logout(reason, cause)
}

// connectOnce dials, performs the STOMP handshake, subscribes and reads until the
// connection ends. It returns the token it dialed with.
func (s *Session) connectOnce(ctx context.Context, gen uint64) (string, error) {
	token, err := s.gateway.AccessToken()
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", &AuthError{Reason: AuthMissingToken}
	}
	target, err := withToken(s.cfg.URL, token)
	if err != nil {
		return token, err
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	t, err := s.dialer.Dial(dctx, target)
	cancel()
	if err != nil {
		return token, err
	}
	if !s.attach(gen, t) {
		t.Close("superseded")
		return token, context.Canceled
	}
	defer s.release(t)

	pending, err := s.handshake(ctx, t, token)
	if err != nil {
		return token, err
	}

	s.mu.Lock()
	if s.gen == gen {
		s.attempts = 0
	}
	s.mu.Unlock()
	if !s.setState(gen, StateChange{To: StateConnected}) {
		return token, context.Canceled
	}
	s.gateway.resetRefreshAttempts()
	s.logger.Info("realtime connected", "topics", len(subscribedTopics))

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeat(hbCtx, t)

	if err := s.handleFrames(gen, pending); err != nil {
		return token, err
	}
	return token, s.readLoop(ctx, gen, t)
}

func (s *Session) attach(gen uint64, t Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	s.transport = t
	return true
}

func (s *Session) release(t Transport) {
	s.mu.Lock()
	owned := s.transport == t
	if owned {
		s.transport = nil
	}
	s.mu.Unlock()
	if owned {
		t.Close("connection ended")
	}
}

// handshake sends CONNECT, waits for CONNECTED and subscribes to every topic.
// Frames that arrived alongside CONNECTED are returned for dispatch.
func (s *Session) handshake(ctx context.Context, t Transport, token string) ([]*Frame, error) {
	host := ""
	if u, err := url.Parse(s.cfg.URL); err == nil {
		host = u.Hostname()
	}
	hb := fmt.Sprintf("%d,%d", s.cfg.Heartbeat.Milliseconds(), s.cfg.Heartbeat.Milliseconds())
	connect := NewFrame(CmdConnect,
		"accept-version", "1.2,1.1",
		"host", host,
		"heart-beat", hb,
		"Authorization", "Bearer "+token,
	)

	hctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	if err := s.write(hctx, t, connect.Marshal()); err != nil {
		return nil, err
	}

	var frames []*Frame
	for len(frames) == 0 {
		data, err := t.Read(hctx)
		if err != nil {
			return nil, err
		}
		if frames, err = ParseFrames(data); err != nil {
			return nil, &ParseError{Source: "handshake", Err: err}
		}
	}
	switch frames[0].Command {
	case CmdConnected:
	case CmdError:
		return nil, newStompError(frames[0])
	default:
		return nil, fmt.Errorf("stomp: expected CONNECTED, got %s", frames[0].Command)
	}

	for i, topic := range subscribedTopics {
		sub := NewFrame(CmdSubscribe,
			"id", fmt.Sprintf("sub-%d", i),
			"destination", topic,
			"ack", "auto",
		)
		if err := s.write(hctx, t, sub.Marshal()); err != nil {
			return nil, err
		}
	}
	return frames[1:], nil
}

func (s *Session) readLoop(ctx context.Context, gen uint64, t Transport) error {
	for {
		data, err := t.Read(ctx)
		if err != nil {
			return err
		}
		frames, perr := ParseFrames(data)
		if perr != nil {
			s.logger.Warn("dropping malformed frame", "error", perr)
			s.metrics.dropped("stomp")
		}
		if err := s.handleFrames(gen, frames); err != nil {
			return err
		}
	}
}

// handleFrames dispatches frames in order until the supervisor of generation gen is
// detached. A listener may disconnect the session while a batch is being handled; the
// rest of the batch is dropped.
func (s *Session) handleFrames(gen uint64, frames []*Frame) error {
	for _, f := range frames {
		if !s.current(gen) {
			return context.Canceled
		}
		if err := s.handleFrame(f); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) handleFrame(f *Frame) error {
	switch f.Command {
	case CmdMessage:
		s.dispatch(f)
	case CmdError:
		return newStompError(f)
	case CmdReceipt:
	default:
		s.logger.Debug("ignoring frame", "command", f.Command)
	}
	return nil
}

func (s *Session) heartbeat(ctx context.Context, t Transport) {
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.write(ctx, t, []byte("\n")); err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("heartbeat failed", "error", err)
					t.Close("heartbeat failed")
				}
				return
			}
		}
	}
}

func (s *Session) write(ctx context.Context, t Transport, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return t.Write(ctx, data)
}

// ============================================================================
// Dispatch
// ============================================================================

func (s *Session) dispatch(f *Frame) {
	switch dest := f.Header("destination"); dest {
	case TopicMessages:
		deliver(s, s.Messages, f.Body)
	case TopicGroupMessages:
		deliver(s, s.GroupMessages, f.Body)
	case TopicReactions:
		deliver(s, s.Reactions, f.Body)
	case TopicMessageEdition:
		deliver(s, s.MessageEdits, f.Body)
	case TopicMessageDeletion:
		deliver(s, s.MessageDeletions, f.Body)
	case TopicSystemMetrics:
		deliver(s, s.SystemMetrics, f.Body)
	case TopicOnlineUsers:
		ids, err := decodeOnlineUsers(f.Body)
		if err != nil {
			s.drop(TopicOnlineUsers, err)
			return
		}
		s.OnlineUsers.Publish(ids)
	default:
		s.logger.Debug("message for unknown destination", "destination", dest)
	}
}

func deliver[T any](s *Session, topic *Topic[T], body []byte) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		s.drop(topic.Name(), err)
		return
	}
	topic.Publish(v)
}

func (s *Session) drop(topic string, err error) {
	s.logger.Warn("dropping realtime frame", "topic", topic, "error", &ParseError{Source: topic, Err: err})
	s.metrics.dropped(topic)
}

// decodeOnlineUsers accepts either an id array or an array of user objects.
func decodeOnlineUsers(body []byte) ([]int64, error) {
	var ids []int64
	if err := json.Unmarshal(body, &ids); err == nil {
		return ids, nil
	}
	var users []UserRef
	if err := json.Unmarshal(body, &users); err != nil {
		return nil, err
	}
	ids = make([]int64, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	return ids, nil
}

// ============================================================================
// Publish
// ============================================================================

// Publish sends payload as JSON to destination. Outside the Connected state it logs and
// returns ErrNotConnected; nothing is queued.
func (s *Session) Publish(ctx context.Context, destination string, payload interface{}) error {
	s.mu.Lock()
	t, state := s.transport, s.state
	s.mu.Unlock()

	if state != StateConnected || t == nil {
		s.logger.Warn("publish dropped, not connected", "destination", destination, "state", state)
		s.metrics.published(destination, ErrNotConnected)
		return ErrNotConnected
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	f := NewFrame(CmdSend, "destination", destination, "content-type", "application/json")
	f.Body = body

	err = s.write(ctx, t, f.Marshal())
	s.metrics.published(destination, err)
	if err != nil {
		return &NetworkError{Op: "publish " + destination, Err: err}
	}
	return nil
}

func (s *Session) SendMessage(ctx context.Context, m Message) error {
	return s.Publish(ctx, DestSendMessage, m)
}

func (s *Session) ReplyMessage(ctx context.Context, m Message) error {
	return s.Publish(ctx, DestReplyMessage, m)
}

func (s *Session) ReactMessage(ctx context.Context, ev ReactionEvent) error {
	return s.Publish(ctx, DestReactMessage, ev)
}

func (s *Session) EditMessage(ctx context.Context, ev MessageEdit) error {
	return s.Publish(ctx, DestEditMessage, ev)
}

func (s *Session) DeleteMessage(ctx context.Context, ev MessageDeletion) error {
	return s.Publish(ctx, DestDeleteMessage, ev)
}

func (s *Session) SendGroupMessage(ctx context.Context, m Message) error {
	return s.Publish(ctx, DestGroupSendMessage, m)
}

func (s *Session) ReplyGroupMessage(ctx context.Context, m Message) error {
	return s.Publish(ctx, DestGroupReply, m)
}

func (s *Session) ReactGroupMessage(ctx context.Context, ev ReactionEvent) error {
	return s.Publish(ctx, DestGroupReact, ev)
}

func (s *Session) EditGroupMessage(ctx context.Context, ev MessageEdit) error {
	return s.Publish(ctx, DestGroupEdit, ev)
}

func (s *Session) DeleteGroupMessage(ctx context.Context, ev MessageDeletion) error {
	return s.Publish(ctx, DestGroupDelete, ev)
}
