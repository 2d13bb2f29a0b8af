package vynqtalk

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

type published struct {
	destination string
	payload     interface{}
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, destination string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{destination, payload})
	return p.err
}

func (p *recordingPublisher) last(t *testing.T) published {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		t.Fatal("nothing published")
	}
	return p.sent[len(p.sent)-1]
}

type fakeNotifier struct {
	permission Permission
	notified   []string
}

func (n *fakeNotifier) Permission() Permission        { return n.permission }
func (n *fakeNotifier) RequestPermission() Permission { return n.permission }
func (n *fakeNotifier) Notify(title, body string) error {
	n.notified = append(n.notified, title+"|"+body)
	return nil
}

var (
	alice = UserRef{ID: 1, Name: "alice"}
	bob   = UserRef{ID: 2, Name: "bob"}
	carol = UserRef{ID: 3, Name: "carol"}
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestConversation(t *testing.T, kind ConversationKind, mutate ...func(*ConversationConfig)) (*Conversation, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	n := 0
	cfg := ConversationConfig{
		Kind:      kind,
		Self:      alice,
		Publisher: pub,
		Logger:    discardLogger(),
		NewClientID: func() string {
			n++
			return fmt.Sprintf("client-%d", n)
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	conv, err := NewConversation(cfg)
	if err != nil {
		t.Fatalf("NewConversation: %v", err)
	}
	return conv, pub
}

func direct(id int64, from, to UserRef, content string) Message {
	r := to
	return Message{ID: id, Sender: from, Receiver: &r, Content: content, Type: MessageText}
}

func ids(msgs []Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// ============================================================================
// Tests
// ============================================================================

func TestNewConversationValidation(t *testing.T) {
	if _, err := NewConversation(ConversationConfig{Publisher: &recordingPublisher{}}); err == nil {
		t.Error("expected error without self id")
	}
	if _, err := NewConversation(ConversationConfig{Self: alice}); err == nil {
		t.Error("expected error without publisher")
	}
}

func TestReactionHelpers(t *testing.T) {
	t.Run("dedup drops repeats and orders by emoji then user", func(t *testing.T) {
		in := []Reaction{{2, "👍"}, {1, "👍"}, {2, "👍"}, {1, "❤️"}}
		got := DedupReactions(in)
		want := []Reaction{{1, "❤️"}, {1, "👍"}, {2, "👍"}}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("DedupReactions = %v, want %v", got, want)
		}
	})

	t.Run("toggle is its own inverse", func(t *testing.T) {
		orig := DedupReactions([]Reaction{{4, "👍"}, {2, "🎉"}, {2, "👍"}, {9, "❤️"}})
		snapshot := append([]Reaction(nil), orig...)
		for _, r := range []Reaction{{2, "🎉"}, {2, "👍"}, {1, "👍"}, {9, "❤️"}, {5, "🔥"}} {
			once := ToggleReaction(orig, r)
			twice := ToggleReaction(once, r)
			if reflect.DeepEqual(once, orig) {
				t.Errorf("toggle %v did nothing", r)
			}
			if !reflect.DeepEqual(twice, orig) {
				t.Errorf("toggle %v twice = %v, want %v", r, twice, orig)
			}
		}
		if !reflect.DeepEqual(orig, snapshot) {
			t.Errorf("input mutated: %v", orig)
		}
	})
}

func TestConversationEndToEndEcho(t *testing.T) {
	conv, pub := newTestConversation(t, DirectConversation)
	conv.SelectPeer(bob)

	sent, err := conv.SendMessage(context.Background(), "hi", MessageText, "", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	msgs := conv.Messages()
	if len(msgs) != 1 || msgs[0].ID >= 0 || msgs[0].Content != "hi" || msgs[0].Sender.ID != alice.ID {
		t.Fatalf("after send: %+v", msgs)
	}
	if sent.ID != msgs[0].ID {
		t.Errorf("returned id %d, stored %d", sent.ID, msgs[0].ID)
	}

	p := pub.last(t)
	if p.destination != DestSendMessage {
		t.Errorf("destination = %s", p.destination)
	}
	out := p.payload.(Message)
	if out.ID != 0 || out.ClientID != "client-1" || out.Receiver.ID != bob.ID {
		t.Errorf("published %+v", out)
	}

	echo := direct(501, alice, bob, "hi")
	conv.HandleIncoming(echo)
	conv.HandleIncoming(echo)

	msgs = conv.Messages()
	if len(msgs) != 1 || msgs[0].ID != 501 || msgs[0].Content != "hi" {
		t.Fatalf("after echo: %+v", msgs)
	}
	if msgs[0].ClientID != "client-1" {
		t.Errorf("client id lost: %q", msgs[0].ClientID)
	}
}

func TestConversationEchoMatching(t *testing.T) {
	t.Run("client id disambiguates identical content", func(t *testing.T) {
		conv, _ := newTestConversation(t, DirectConversation)
		conv.SelectPeer(bob)
		first, _ := conv.SendMessage(context.Background(), "ok", MessageText, "", nil)
		second, _ := conv.SendMessage(context.Background(), "ok", MessageText, "", nil)

		echo := direct(11, alice, bob, "ok")
		echo.ClientID = second.ClientID
		conv.HandleIncoming(echo)

		msgs := conv.Messages()
		if got := ids(msgs); !reflect.DeepEqual(got, []int64{first.ID, 11}) {
			t.Errorf("ids = %v", got)
		}
	})

	t.Run("without client id the oldest placeholder wins", func(t *testing.T) {
		conv, _ := newTestConversation(t, DirectConversation)
		conv.SelectPeer(bob)
		conv.SendMessage(context.Background(), "ok", MessageText, "", nil)
		second, _ := conv.SendMessage(context.Background(), "ok", MessageText, "", nil)

		conv.HandleIncoming(direct(11, alice, bob, "ok"))
		if got := ids(conv.Messages()); !reflect.DeepEqual(got, []int64{11, second.ID}) {
			t.Errorf("ids = %v", got)
		}
	})

	t.Run("echo for another recipient is appended", func(t *testing.T) {
		conv, _ := newTestConversation(t, DirectConversation)
		conv.SelectPeer(bob)
		conv.SendMessage(context.Background(), "ok", MessageText, "", nil)

		conv.HandleIncoming(direct(12, alice, carol, "ok"))
		if n := len(conv.All()); n != 2 {
			t.Errorf("all = %d messages, want 2", n)
		}
	})
}

func TestConversationFilterDirect(t *testing.T) {
	all := []Message{
		direct(1, alice, bob, "a"),
		direct(2, alice, carol, "b"),
		direct(3, bob, alice, "c"),
		direct(4, carol, bob, "d"),
		{ID: 5, Sender: alice, Group: &GroupRef{ID: 9}, Content: "e"},
		direct(6, bob, alice, "f"),
		direct(7, bob, bob, "g"),
	}
	got := FilterDirect(all, alice.ID, bob.ID)
	if !reflect.DeepEqual(ids(got), []int64{1, 3, 6}) {
		t.Errorf("FilterDirect = %v", ids(got))
	}
	if got := FilterGroup(all, 9); !reflect.DeepEqual(ids(got), []int64{5}) {
		t.Errorf("FilterGroup = %v", ids(got))
	}
	if got := FilterDirect(nil, 1, 2); got == nil || len(got) != 0 {
		t.Errorf("FilterDirect(nil) = %v", got)
	}
}

func TestConversationSendValidation(t *testing.T) {
	conv, pub := newTestConversation(t, DirectConversation)

	var ve *ValidationError
	if _, err := conv.SendMessage(context.Background(), "hi", MessageText, "", nil); !errors.As(err, &ve) {
		t.Errorf("send without target: %v", err)
	}
	conv.SelectPeer(bob)
	if _, err := conv.SendMessage(context.Background(), "   ", MessageText, "", nil); !errors.As(err, &ve) {
		t.Errorf("blank text: %v", err)
	}
	if _, err := conv.SendMessage(context.Background(), "x", MessageType("VIDEO"), "", nil); !errors.As(err, &ve) {
		t.Errorf("unknown type: %v", err)
	}
	if _, err := conv.SendMessage(context.Background(), "", MessageFile, "a.pdf", nil); !errors.As(err, &ve) {
		t.Errorf("file without url: %v", err)
	}
	if len(pub.sent) != 0 || len(conv.All()) != 0 {
		t.Errorf("invalid sends changed state: %d published, %d stored", len(pub.sent), len(conv.All()))
	}
}

func TestConversationPublishFailureKeepsMessage(t *testing.T) {
	conv, pub := newTestConversation(t, DirectConversation)
	pub.err = ErrNotConnected
	conv.SelectPeer(bob)

	m, err := conv.SendMessage(context.Background(), "offline", MessageText, "", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v", err)
	}
	if !m.Pending() || len(conv.Messages()) != 1 {
		t.Errorf("message not kept: %+v", conv.Messages())
	}
}

func TestConversationReply(t *testing.T) {
	conv, pub := newTestConversation(t, GroupConversation)
	g := GroupRef{ID: 7, Name: "team"}
	conv.SelectGroup(g)

	parent := Message{ID: 40, Sender: bob, Group: &g, Content: "question", ReplyTo: &Message{ID: 39}}
	conv.HandleIncoming(parent)

	if _, err := conv.SendMessage(context.Background(), "answer", MessageText, "", &parent); err != nil {
		t.Fatal(err)
	}
	p := pub.last(t)
	if p.destination != DestGroupReply {
		t.Errorf("destination = %s", p.destination)
	}
	out := p.payload.(Message)
	if out.ReplyTo == nil || out.ReplyTo.ID != 40 || out.ReplyTo.ReplyTo != nil {
		t.Errorf("reply payload = %+v", out.ReplyTo)
	}
	if out.Group == nil || out.Group.ID != 7 || out.Receiver != nil {
		t.Errorf("target = %+v / %+v", out.Group, out.Receiver)
	}
}

func TestConversationReactions(t *testing.T) {
	conv, pub := newTestConversation(t, DirectConversation)
	conv.SelectPeer(bob)
	orig := direct(10, bob, alice, "hello")
	orig.Reactions = []Reaction{{alice.ID, "👍"}, {bob.ID, "🎉"}, {carol.ID, "👍"}}
	conv.HandleIncoming(orig)
	before := conv.Messages()[0].Reactions

	t.Run("toggle twice restores the list", func(t *testing.T) {
		if err := conv.ReactToMessage(context.Background(), 10, "👍"); err != nil {
			t.Fatal(err)
		}
		ev := pub.last(t).payload.(ReactionEvent)
		if ev.MessageID != 10 || len(ev.Reactions) != 2 {
			t.Errorf("published %+v", ev)
		}
		if err := conv.ReactToMessage(context.Background(), 10, "👍"); err != nil {
			t.Fatal(err)
		}
		if got := conv.Messages()[0].Reactions; !reflect.DeepEqual(got, before) {
			t.Errorf("reactions = %v, want %v", got, before)
		}
		ev = pub.last(t).payload.(ReactionEvent)
		if !reflect.DeepEqual(ev.Reactions, before) {
			t.Errorf("published %v, want %v", ev.Reactions, before)
		}
		if d := pub.last(t).destination; d != DestReactMessage {
			t.Errorf("destination = %s", d)
		}
	})

	t.Run("push replaces list deduplicated", func(t *testing.T) {
		conv.HandleReactions(ReactionEvent{MessageID: 10, Reactions: []Reaction{{3, "👍"}, {3, "👍"}}})
		if got := conv.Messages()[0].Reactions; !reflect.DeepEqual(got, []Reaction{{3, "👍"}}) {
			t.Errorf("reactions = %v", got)
		}
	})

	t.Run("group event ignored by direct conversation", func(t *testing.T) {
		conv.HandleReactions(ReactionEvent{MessageID: 10, GroupID: 4, Reactions: nil})
		if got := conv.Messages()[0].Reactions; len(got) != 1 {
			t.Errorf("reactions = %v", got)
		}
	})

	t.Run("pending and unknown messages rejected", func(t *testing.T) {
		m, _ := conv.SendMessage(context.Background(), "mine", MessageText, "", nil)
		var ve *ValidationError
		if err := conv.ReactToMessage(context.Background(), m.ID, "👍"); !errors.As(err, &ve) {
			t.Errorf("pending: %v", err)
		}
		if err := conv.ReactToMessage(context.Background(), 999, "👍"); !errors.As(err, &ve) {
			t.Errorf("unknown: %v", err)
		}
		if err := conv.ReactToMessage(context.Background(), 10, ""); !errors.As(err, &ve) {
			t.Errorf("empty emoji: %v", err)
		}
	})
}

func TestConversationReactionBuffer(t *testing.T) {
	clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	conv, _ := newTestConversation(t, DirectConversation, func(c *ConversationConfig) {
		c.Now = clk.Now
		c.ReactionBufferTTL = 10 * time.Second
	})
	conv.SelectPeer(bob)

	conv.HandleReactions(ReactionEvent{MessageID: 20, Reactions: []Reaction{{2, "🔥"}}})
	conv.HandleReactions(ReactionEvent{MessageID: 21, Reactions: []Reaction{{2, "🔥"}}})
	if n := conv.BufferedReactions(); n != 2 {
		t.Fatalf("buffered = %d", n)
	}

	clk.advance(5 * time.Second)
	conv.HandleIncoming(direct(20, bob, alice, "late"))
	if got := conv.Messages()[0].Reactions; !reflect.DeepEqual(got, []Reaction{{2, "🔥"}}) {
		t.Errorf("buffered reactions not applied: %v", got)
	}

	clk.advance(10 * time.Second)
	if n := conv.BufferedReactions(); n != 0 {
		t.Errorf("expired entries kept: %d", n)
	}
	conv.HandleIncoming(direct(21, bob, alice, "too late"))
	if got := conv.Messages()[1].Reactions; len(got) != 0 {
		t.Errorf("expired reactions applied: %v", got)
	}
}

func TestConversationEditDelete(t *testing.T) {
	conv, pub := newTestConversation(t, DirectConversation)
	conv.SelectPeer(bob)
	conv.HandleIncoming(direct(30, alice, bob, "typo"))
	conv.HandleIncoming(direct(31, bob, alice, "theirs"))

	if err := conv.EditMessage(context.Background(), 30, "fixed"); err != nil {
		t.Fatal(err)
	}
	if m := conv.Messages()[0]; m.Content != "fixed" || !m.Edited {
		t.Errorf("after edit: %+v", m)
	}
	if p := pub.last(t); p.destination != DestEditMessage || p.payload.(MessageEdit).Content != "fixed" {
		t.Errorf("published %+v", p)
	}

	var ve *ValidationError
	if err := conv.EditMessage(context.Background(), 31, "mine now"); !errors.As(err, &ve) {
		t.Errorf("edit foreign: %v", err)
	}
	if err := conv.DeleteMessage(context.Background(), 31); !errors.As(err, &ve) {
		t.Errorf("delete foreign: %v", err)
	}
	if err := conv.EditMessage(context.Background(), 30, " "); !errors.As(err, &ve) {
		t.Errorf("blank edit: %v", err)
	}

	if err := conv.DeleteMessage(context.Background(), 30); err != nil {
		t.Fatal(err)
	}
	if got := ids(conv.Messages()); !reflect.DeepEqual(got, []int64{31}) {
		t.Errorf("after delete: %v", got)
	}
	if p := pub.last(t); p.destination != DestDeleteMessage || p.payload.(MessageDeletion).MessageID != 30 {
		t.Errorf("published %+v", p)
	}

	conv.HandleEdit(MessageEdit{MessageID: 31, Content: "edited remotely"})
	if m := conv.Messages()[0]; m.Content != "edited remotely" || !m.Edited {
		t.Errorf("pushed edit: %+v", m)
	}
	conv.HandleDeletion(MessageDeletion{MessageID: 31, GroupID: 5})
	if len(conv.Messages()) != 1 {
		t.Error("group deletion applied to direct conversation")
	}
	conv.HandleDeletion(MessageDeletion{MessageID: 31})
	if len(conv.Messages()) != 0 {
		t.Error("pushed deletion not applied")
	}
}

func TestConversationNotifications(t *testing.T) {
	var toasts []string
	notifier := &fakeNotifier{permission: PermissionGranted}
	conv, _ := newTestConversation(t, DirectConversation, func(c *ConversationConfig) {
		c.Notifier = notifier
		c.Toaster = ToastFunc(func(title, body string) { toasts = append(toasts, title+"|"+body) })
	})
	conv.SelectPeer(bob)

	conv.HandleIncoming(direct(1, bob, alice, "in view"))
	conv.HandleIncoming(direct(2, carol, alice, "elsewhere"))
	conv.HandleIncoming(direct(3, alice, carol, "from me"))
	file := direct(4, carol, alice, "https://cdn/x.pdf")
	file.Type, file.FileName = MessageFile, "x.pdf"
	conv.HandleIncoming(file)

	if !reflect.DeepEqual(toasts, []string{"bob|in view"}) {
		t.Errorf("toasts = %v", toasts)
	}
	if !reflect.DeepEqual(notifier.notified, []string{"carol|elsewhere", "carol|sent x.pdf"}) {
		t.Errorf("notified = %v", notifier.notified)
	}

	notifier.permission = PermissionDenied
	conv.HandleIncoming(direct(5, carol, alice, "muted"))
	if len(notifier.notified) != 2 {
		t.Errorf("notified without permission: %v", notifier.notified)
	}
}

func TestConversationIgnoresUnrelated(t *testing.T) {
	conv, _ := newTestConversation(t, DirectConversation)
	conv.HandleIncoming(direct(1, bob, carol, "not for me"))
	conv.HandleIncoming(Message{ID: 2, Sender: bob, Group: &GroupRef{ID: 1}, Content: "group"})
	if n := len(conv.All()); n != 0 {
		t.Errorf("stored %d unrelated messages", n)
	}

	group, _ := newTestConversation(t, GroupConversation)
	group.HandleIncoming(direct(3, bob, alice, "direct"))
	if n := len(group.All()); n != 0 {
		t.Errorf("group conversation stored a direct message")
	}
}

type stubHistory struct {
	direct map[int64][]Message
	err    error
}

func (h stubHistory) DirectHistory(_ context.Context, peer int64) ([]Message, error) {
	return h.direct[peer], h.err
}

func (h stubHistory) GroupHistory(context.Context, int64) ([]Message, error) {
	return nil, h.err
}

func TestConversationLoadHistory(t *testing.T) {
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	at := func(m Message, min int) Message {
		m.Timestamp = Timestamp{base.Add(time.Duration(min) * time.Minute)}
		return m
	}

	conv, _ := newTestConversation(t, DirectConversation, func(c *ConversationConfig) {
		c.Now = func() time.Time { return base.Add(time.Hour) }
	})
	if err := conv.LoadHistory(context.Background(), stubHistory{}); err == nil {
		t.Error("expected error without selection")
	}
	conv.SelectPeer(bob)
	conv.HandleIncoming(at(direct(2, bob, alice, "local copy"), 2))
	pending, _ := conv.SendMessage(context.Background(), "draft", MessageText, "", nil)

	src := stubHistory{direct: map[int64][]Message{bob.ID: {
		at(direct(3, alice, bob, "three"), 3),
		at(direct(1, bob, alice, "one"), 1),
		at(direct(2, bob, alice, "server copy"), 2),
		at(direct(1, bob, alice, "dup"), 1),
	}}}
	if err := conv.LoadHistory(context.Background(), src); err != nil {
		t.Fatal(err)
	}

	msgs := conv.Messages()
	if got := ids(msgs); !reflect.DeepEqual(got, []int64{1, 2, 3, pending.ID}) {
		t.Fatalf("ids = %v", got)
	}
	if msgs[1].Content != "server copy" {
		t.Errorf("local copy not replaced: %q", msgs[1].Content)
	}

	failing := stubHistory{err: &NetworkError{Op: "history", Err: errors.New("down")}}
	if err := conv.LoadHistory(context.Background(), failing); !IsRetryable(err) {
		t.Errorf("err = %v", err)
	}
}

func TestConversationHistoryConfirmsPending(t *testing.T) {
	for _, tc := range []struct {
		name     string
		clientID func(pending Message) string
	}{
		{"matched by client id", func(p Message) string { return p.ClientID }},
		{"matched by content", func(Message) string { return "" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			conv, _ := newTestConversation(t, DirectConversation)
			conv.SelectPeer(bob)
			pending, err := conv.SendMessage(context.Background(), "hi", MessageText, "", nil)
			if err != nil {
				t.Fatal(err)
			}
			other, _ := conv.SendMessage(context.Background(), "still sending", MessageText, "", nil)

			stored := direct(501, alice, bob, "hi")
			stored.ClientID = tc.clientID(pending)
			src := stubHistory{direct: map[int64][]Message{bob.ID: {stored}}}
			if err := conv.LoadHistory(context.Background(), src); err != nil {
				t.Fatal(err)
			}
			if got := ids(conv.Messages()); !reflect.DeepEqual(got, []int64{501, other.ID}) {
				t.Fatalf("after history ids = %v, want [501 %d]", got, other.ID)
			}
			if got := conv.Messages()[0].ClientID; got != pending.ClientID {
				t.Errorf("ClientID = %q, want %q", got, pending.ClientID)
			}

			// The realtime echo arriving after the history fetch is a no-op.
			conv.HandleIncoming(stored)
			if got := ids(conv.Messages()); !reflect.DeepEqual(got, []int64{501, other.ID}) {
				t.Errorf("after echo ids = %v, want [501 %d]", got, other.ID)
			}
		})
	}
}

func TestConversationBindSession(t *testing.T) {
	c := newTestClient(t, "https://chat.example.com", NewMemoryStorage())
	conv, err := c.NewConversation(DirectConversation, alice)
	if err != nil {
		t.Fatal(err)
	}
	conv.SelectPeer(bob)

	var updates int
	conv.Subscribe(func([]Message) { updates++ })

	s := c.Session()
	s.Messages.Publish(direct(1, bob, alice, "pushed"))
	s.Reactions.Publish(ReactionEvent{MessageID: 1, Reactions: []Reaction{{1, "👍"}}})
	s.MessageEdits.Publish(MessageEdit{MessageID: 1, Content: "pushed!"})

	msgs := conv.Messages()
	if len(msgs) != 1 || msgs[0].Content != "pushed!" || len(msgs[0].Reactions) != 1 {
		t.Errorf("messages = %+v", msgs)
	}

	conv.Close()
	s.Messages.Publish(direct(2, bob, alice, "after close"))
	if len(conv.Messages()) != 1 {
		t.Error("closed conversation still receiving")
	}
	if updates != 3 {
		t.Errorf("updates = %d, want 3", updates)
	}

	if _, err := conv.SendMessage(context.Background(), "offline", MessageText, "", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("send while disconnected = %v", err)
	}
}
