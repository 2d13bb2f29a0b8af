package vynqtalk

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Publisher is the realtime surface a Conversation sends through. *Session implements it.
type Publisher interface {
	Publish(ctx context.Context, destination string, payload interface{}) error
}

// HistorySource loads persisted messages for a conversation. *Client implements it.
type HistorySource interface {
	DirectHistory(ctx context.Context, peerID int64) ([]Message, error)
	GroupHistory(ctx context.Context, groupID int64) ([]Message, error)
}

// ConversationKind selects direct or group semantics.
type ConversationKind int

const (
	DirectConversation ConversationKind = iota
	GroupConversation
)

// ConversationConfig wires a Conversation to its collaborators.
type ConversationConfig struct {
	Kind      ConversationKind
	Self      UserRef
	Publisher Publisher
	Notifier  Notifier
	Toaster   Toaster
	Logger    *slog.Logger

	// ReactionBufferTTL bounds how long reactions for unknown messages are held. Default 30s.
	ReactionBufferTTL time.Duration
	Now               func() time.Time
	NewClientID       func() string
}

type bufferedReactions struct {
	reactions []Reaction
	at        time.Time
}

// Conversation reconciles optimistic local messages with server echoes and pushes,
// and produces the display list for the selected peer or group.
type Conversation struct {
	cfg ConversationConfig

	mu          sync.Mutex
	messages    []Message
	peer        *UserRef
	group       *GroupRef
	placeholder int64
	buffered    map[int64]bufferedReactions

	changes *Topic[[]Message]
	subs    []*Subscription
}

// NewConversation validates cfg and returns an empty conversation with no target selected.
func NewConversation(cfg ConversationConfig) (*Conversation, error) {
	if cfg.Self.ID == 0 {
		return nil, &ValidationError{Field: "self", Message: "local user id is required"}
	}
	if cfg.Publisher == nil {
		return nil, &ValidationError{Field: "publisher", Message: "required"}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = noopNotifier{}
	}
	if cfg.ReactionBufferTTL == 0 {
		cfg.ReactionBufferTTL = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewClientID == nil {
		cfg.NewClientID = func() string { return uuid.New().String() }
	}
	return &Conversation{
		cfg:      cfg,
		buffered: make(map[int64]bufferedReactions),
		changes:  NewTopic[[]Message]("conversation", cfg.Logger),
	}, nil
}

// Bind follows the session topics relevant to this conversation kind until Close.
func (c *Conversation) Bind(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.Kind == GroupConversation {
		c.subs = append(c.subs, s.GroupMessages.Subscribe(c.HandleIncoming))
	} else {
		c.subs = append(c.subs, s.Messages.Subscribe(c.HandleIncoming))
	}
	c.subs = append(c.subs,
		s.Reactions.Subscribe(c.HandleReactions),
		s.MessageEdits.Subscribe(c.HandleEdit),
		s.MessageDeletions.Subscribe(c.HandleDeletion),
	)
}

// Close detaches from the session.
func (c *Conversation) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

// Subscribe registers fn to receive the filtered display list after every change.
func (c *Conversation) Subscribe(fn func([]Message)) *Subscription {
	return c.changes.Subscribe(fn)
}

func (c *Conversation) notifyChanged() {
	c.changes.Publish(c.Messages())
}

// ============================================================================
// Target selection and display
// ============================================================================

// SelectPeer makes peer the active direct conversation.
func (c *Conversation) SelectPeer(peer UserRef) {
	c.mu.Lock()
	c.peer = &peer
	c.mu.Unlock()
	c.notifyChanged()
}

// SelectGroup makes g the active group conversation.
func (c *Conversation) SelectGroup(g GroupRef) {
	c.mu.Lock()
	c.group = &g
	c.mu.Unlock()
	c.notifyChanged()
}

// ClearSelection deselects the active target.
func (c *Conversation) ClearSelection() {
	c.mu.Lock()
	c.peer, c.group = nil, nil
	c.mu.Unlock()
	c.notifyChanged()
}

// Messages returns the active conversation's messages in local order.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.cfg.Kind == GroupConversation && c.group != nil:
		return FilterGroup(c.messages, c.group.ID)
	case c.cfg.Kind == DirectConversation && c.peer != nil:
		return FilterDirect(c.messages, c.cfg.Self.ID, c.peer.ID)
	}
	return nil
}

// All returns every locally known message regardless of selection.
func (c *Conversation) All() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneMessages(c.messages)
}

// FilterDirect returns the messages exchanged between me and peer, in input order.
func FilterDirect(all []Message, me, peer int64) []Message {
	out := make([]Message, 0)
	for _, m := range all {
		if m.Receiver == nil {
			continue
		}
		s, r := m.Sender.ID, m.Receiver.ID
		if (s == me && r == peer) || (s == peer && r == me) {
			out = append(out, cloneMessage(m))
		}
	}
	return out
}

// FilterGroup returns the messages posted to groupID, in input order.
func FilterGroup(all []Message, groupID int64) []Message {
	out := make([]Message, 0)
	for _, m := range all {
		if m.Group != nil && m.Group.ID == groupID {
			out = append(out, cloneMessage(m))
		}
	}
	return out
}

func cloneMessage(m Message) Message {
	m.Reactions = append([]Reaction(nil), m.Reactions...)
	return m
}

func cloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = cloneMessage(m)
	}
	return out
}

// ============================================================================
// Outbound
// ============================================================================

// SendMessage appends an optimistic message with a negative placeholder id and publishes it.
// The message stays in local state even when publishing fails; that error is returned
// alongside it.
func (c *Conversation) SendMessage(ctx context.Context, content string, typ MessageType, fileName string, replyTo *Message) (Message, error) {
	if typ == "" {
		typ = MessageText
	}
	if !typ.Valid() {
		return Message{}, &ValidationError{Field: "type", Message: fmt.Sprintf("unknown message type %q", typ)}
	}
	if typ == MessageText && strings.TrimSpace(content) == "" {
		return Message{}, &ValidationError{Field: "content", Message: "must not be empty"}
	}
	if typ != MessageText && content == "" {
		return Message{}, &ValidationError{Field: "content", Message: "attachment url is required"}
	}

	c.mu.Lock()
	m := Message{
		ClientID:  c.cfg.NewClientID(),
		Sender:    c.cfg.Self,
		Content:   content,
		Timestamp: Timestamp{c.cfg.Now()},
		Type:      typ,
		FileName:  fileName,
		Reactions: []Reaction{},
	}
	switch {
	case c.cfg.Kind == GroupConversation && c.group != nil:
		g := *c.group
		m.Group = &g
	case c.cfg.Kind == DirectConversation && c.peer != nil:
		p := *c.peer
		m.Receiver = &p
	default:
		c.mu.Unlock()
		return Message{}, &ValidationError{Field: "conversation", Message: "no active conversation"}
	}
	if replyTo != nil {
		parent := cloneMessage(*replyTo)
		parent.ReplyTo = nil
		m.ReplyTo = &parent
	}
	c.placeholder--
	m.ID = c.placeholder
	c.messages = append(c.messages, m)
	c.mu.Unlock()

	c.notifyChanged()

	out := m
	out.ID = 0
	dest := c.destination(DestSendMessage, DestGroupSendMessage)
	if replyTo != nil {
		dest = c.destination(DestReplyMessage, DestGroupReply)
	}
	return cloneMessage(m), c.cfg.Publisher.Publish(ctx, dest, out)
}

func (c *Conversation) destination(direct, group string) string {
	if c.cfg.Kind == GroupConversation {
		return group
	}
	return direct
}

// ReactToMessage toggles the local user's emoji on a confirmed message and publishes
// the resulting reaction list.
func (c *Conversation) ReactToMessage(ctx context.Context, messageID int64, emoji string) error {
	if emoji == "" {
		return &ValidationError{Field: "emoji", Message: "must not be empty"}
	}
	c.mu.Lock()
	idx := c.indexOf(messageID)
	if idx < 0 {
		c.mu.Unlock()
		return &ValidationError{Field: "messageId", Message: fmt.Sprintf("unknown message %d", messageID)}
	}
	if messageID < 0 {
		c.mu.Unlock()
		return &ValidationError{Field: "messageId", Message: "message not yet confirmed by server"}
	}
	m := &c.messages[idx]
	m.Reactions = ToggleReaction(DedupReactions(m.Reactions), Reaction{UserID: c.cfg.Self.ID, Emoji: emoji})
	ev := ReactionEvent{MessageID: messageID, Reactions: append([]Reaction(nil), m.Reactions...)}
	if m.Group != nil {
		ev.GroupID = m.Group.ID
	}
	c.mu.Unlock()

	c.notifyChanged()
	return c.cfg.Publisher.Publish(ctx, c.destination(DestReactMessage, DestGroupReact), ev)
}

// EditMessage replaces the content of one of the local user's confirmed messages.
func (c *Conversation) EditMessage(ctx context.Context, messageID int64, content string) error {
	if strings.TrimSpace(content) == "" {
		return &ValidationError{Field: "content", Message: "must not be empty"}
	}
	c.mu.Lock()
	idx, err := c.ownConfirmed(messageID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	m := &c.messages[idx]
	m.Content = content
	m.Edited = true
	ev := MessageEdit{MessageID: messageID, Content: content}
	if m.Group != nil {
		ev.GroupID = m.Group.ID
	}
	c.mu.Unlock()

	c.notifyChanged()
	return c.cfg.Publisher.Publish(ctx, c.destination(DestEditMessage, DestGroupEdit), ev)
}

// DeleteMessage removes one of the local user's confirmed messages.
func (c *Conversation) DeleteMessage(ctx context.Context, messageID int64) error {
	c.mu.Lock()
	idx, err := c.ownConfirmed(messageID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	ev := MessageDeletion{MessageID: messageID}
	if g := c.messages[idx].Group; g != nil {
		ev.GroupID = g.ID
	}
	c.messages = append(c.messages[:idx], c.messages[idx+1:]...)
	c.mu.Unlock()

	c.notifyChanged()
	return c.cfg.Publisher.Publish(ctx, c.destination(DestDeleteMessage, DestGroupDelete), ev)
}

func (c *Conversation) ownConfirmed(messageID int64) (int, error) {
	if messageID < 0 {
		return -1, &ValidationError{Field: "messageId", Message: "message not yet confirmed by server"}
	}
	idx := c.indexOf(messageID)
	if idx < 0 {
		return -1, &ValidationError{Field: "messageId", Message: fmt.Sprintf("unknown message %d", messageID)}
	}
	if c.messages[idx].Sender.ID != c.cfg.Self.ID {
		return -1, &ValidationError{Field: "messageId", Message: "only the sender may change a message"}
	}
	return idx, nil
}

// ============================================================================
// Inbound
// ============================================================================

// HandleIncoming merges a pushed message. Known ids are ignored. The local user's own
// echoes replace the matching placeholder in place. Anything else is appended and may
// raise a toast or a desktop notification.
func (c *Conversation) HandleIncoming(m Message) {
	c.mu.Lock()
	if !c.relevant(m) || c.indexOf(m.ID) >= 0 {
		c.mu.Unlock()
		return
	}
	m.Reactions = DedupReactions(m.Reactions)
	c.applyBuffered(&m)

	self := m.Sender.ID == c.cfg.Self.ID
	if self {
		if idx := c.matchPending(m); idx >= 0 {
			if len(m.Reactions) == 0 {
				m.Reactions = c.messages[idx].Reactions
			}
			if m.ClientID == "" {
				m.ClientID = c.messages[idx].ClientID
			}
			c.messages[idx] = m
			c.mu.Unlock()
			c.notifyChanged()
			return
		}
	}

	c.messages = append(c.messages, m)
	active := c.isActive(m)
	c.mu.Unlock()

	c.notifyChanged()
	if !self {
		c.alert(m, active)
	}
}

func (c *Conversation) relevant(m Message) bool {
	if c.cfg.Kind == GroupConversation {
		return m.Group != nil
	}
	if m.Receiver == nil {
		return false
	}
	return m.Sender.ID == c.cfg.Self.ID || m.Receiver.ID == c.cfg.Self.ID
}

// matchPending finds the placeholder an echo confirms. An echo carrying a client id
// only matches by that id; otherwise the oldest placeholder with equal content,
// sender and recipient wins.
func (c *Conversation) matchPending(echo Message) int {
	for i, m := range c.messages {
		if !m.Pending() {
			continue
		}
		if echo.ClientID != "" {
			if m.ClientID == echo.ClientID {
				return i
			}
			continue
		}
		if m.Content == echo.Content && m.Sender.ID == echo.Sender.ID && sameTarget(m, echo) {
			return i
		}
	}
	return -1
}

func sameTarget(a, b Message) bool {
	switch {
	case a.Receiver != nil && b.Receiver != nil:
		return a.Receiver.ID == b.Receiver.ID
	case a.Group != nil && b.Group != nil:
		return a.Group.ID == b.Group.ID
	}
	return false
}

func (c *Conversation) isActive(m Message) bool {
	if c.cfg.Kind == GroupConversation {
		return c.group != nil && m.Group != nil && m.Group.ID == c.group.ID
	}
	return c.peer != nil && m.Sender.ID == c.peer.ID
}

func (c *Conversation) alert(m Message, active bool) {
	title := m.Sender.Name
	if m.Group != nil && m.Group.Name != "" {
		title = m.Group.Name + ": " + m.Sender.Name
	}
	body := previewOf(m)

	if active {
		if c.cfg.Toaster != nil {
			c.cfg.Toaster.Toast(title, body)
		}
		return
	}
	if c.cfg.Notifier.Permission() != PermissionGranted {
		return
	}
	if err := c.cfg.Notifier.Notify(title, body); err != nil {
		c.cfg.Logger.Warn("desktop notification failed", "error", err)
	}
}

func previewOf(m Message) string {
	switch m.Type {
	case MessageImage:
		return "sent an image"
	case MessageAudio:
		return "sent a voice message"
	case MessageFile:
		if m.FileName != "" {
			return "sent " + m.FileName
		}
		return "sent a file"
	}
	return m.Content
}

// HandleReactions replaces a message's reaction list with the deduplicated pushed list.
// Reactions for messages not yet known are held for ReactionBufferTTL.
func (c *Conversation) HandleReactions(ev ReactionEvent) {
	if ev.GroupID != 0 && c.cfg.Kind != GroupConversation {
		return
	}
	reactions := DedupReactions(ev.Reactions)

	c.mu.Lock()
	c.pruneBuffered()
	idx := c.indexOf(ev.MessageID)
	if idx < 0 {
		c.buffered[ev.MessageID] = bufferedReactions{reactions: reactions, at: c.cfg.Now()}
		c.mu.Unlock()
		c.cfg.Logger.Debug("buffering reactions for unknown message", "messageId", ev.MessageID)
		return
	}
	c.messages[idx].Reactions = reactions
	c.mu.Unlock()
	c.notifyChanged()
}

func (c *Conversation) applyBuffered(m *Message) {
	b, ok := c.buffered[m.ID]
	if !ok {
		return
	}
	delete(c.buffered, m.ID)
	if c.cfg.Now().Sub(b.at) <= c.cfg.ReactionBufferTTL {
		m.Reactions = b.reactions
	}
}

func (c *Conversation) pruneBuffered() {
	now := c.cfg.Now()
	for id, b := range c.buffered {
		if now.Sub(b.at) > c.cfg.ReactionBufferTTL {
			delete(c.buffered, id)
		}
	}
}

// BufferedReactions returns how many messages have reactions waiting.
func (c *Conversation) BufferedReactions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneBuffered()
	return len(c.buffered)
}

// HandleEdit applies a pushed edit.
func (c *Conversation) HandleEdit(ev MessageEdit) {
	if ev.GroupID != 0 && c.cfg.Kind != GroupConversation {
		return
	}
	c.mu.Lock()
	idx := c.indexOf(ev.MessageID)
	if idx < 0 {
		c.mu.Unlock()
		return
	}
	c.messages[idx].Content = ev.Content
	c.messages[idx].Edited = true
	c.mu.Unlock()
	c.notifyChanged()
}

// HandleDeletion applies a pushed deletion.
func (c *Conversation) HandleDeletion(ev MessageDeletion) {
	if ev.GroupID != 0 && c.cfg.Kind != GroupConversation {
		return
	}
	c.mu.Lock()
	idx := c.indexOf(ev.MessageID)
	if idx < 0 {
		c.mu.Unlock()
		return
	}
	c.messages = append(c.messages[:idx], c.messages[idx+1:]...)
	delete(c.buffered, ev.MessageID)
	c.mu.Unlock()
	c.notifyChanged()
}

func (c *Conversation) indexOf(id int64) int {
	for i := range c.messages {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// ============================================================================
// History
// ============================================================================

// LoadHistory fetches the active conversation's persisted messages and merges them.
// Fetched messages replace local copies with the same id.
func (c *Conversation) LoadHistory(ctx context.Context, src HistorySource) error {
	c.mu.Lock()
	kind, peer, group := c.cfg.Kind, c.peer, c.group
	c.mu.Unlock()

	var (
		fetched []Message
		err     error
	)
	switch {
	case kind == GroupConversation && group != nil:
		fetched, err = src.GroupHistory(ctx, group.ID)
	case kind == DirectConversation && peer != nil:
		fetched, err = src.DirectHistory(ctx, peer.ID)
	default:
		return &ValidationError{Field: "conversation", Message: "no active conversation"}
	}
	if err != nil {
		return err
	}
	c.Merge(fetched)
	return nil
}

// Merge folds server-provided messages into local state, ordered by timestamp.
// A fetched own message that matches a pending placeholder confirms it, the same
// way its realtime echo would.
func (c *Conversation) Merge(fetched []Message) {
	c.mu.Lock()
	byID := make(map[int64]struct{}, len(fetched))
	merged := make([]Message, 0, len(c.messages)+len(fetched))
	for _, m := range fetched {
		if _, dup := byID[m.ID]; dup {
			continue
		}
		byID[m.ID] = struct{}{}
		m.Reactions = DedupReactions(m.Reactions)
		c.applyBuffered(&m)
		if m.Sender.ID == c.cfg.Self.ID && c.indexOf(m.ID) < 0 {
			if idx := c.matchPending(m); idx >= 0 {
				if len(m.Reactions) == 0 {
					m.Reactions = c.messages[idx].Reactions
				}
				if m.ClientID == "" {
					m.ClientID = c.messages[idx].ClientID
				}
				// The placeholder now carries the confirmed id and is skipped below.
				c.messages[idx].ID = m.ID
			}
		}
		merged = append(merged, m)
	}
	for _, m := range c.messages {
		if _, ok := byID[m.ID]; !ok {
			merged = append(merged, m)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp.Time)
	})
	c.messages = merged
	c.mu.Unlock()
	c.notifyChanged()
}
