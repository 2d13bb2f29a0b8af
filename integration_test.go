//go:build integration

package vynqtalk_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	vynqtalk "github.com/vynqtalk/vynqtalk-go"
)

// Run against a live backend:
//
//	VYNQTALK_BASE_URL_TEST=http://localhost:8080 \
//	VYNQTALK_EMAIL_TEST=alice@example.com VYNQTALK_PASSWORD_TEST=secret \
//	VYNQTALK_PEER_ID_TEST=2 go test -tags integration -run Integration ./...

// helpers ---------------------------------------------------------------

func env(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("%s not set", key)
	}
	return v
}

func loggedIn(t *testing.T) (*vynqtalk.Client, vynqtalk.User) {
	t.Helper()
	client := vynqtalk.NewClient(env(t, "VYNQTALK_BASE_URL_TEST"))
	t.Cleanup(func() { _ = client.Shutdown(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := client.Auth.Login(ctx, env(t, "VYNQTALK_EMAIL_TEST"), env(t, "VYNQTALK_PASSWORD_TEST"))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return client, res.User
}

func peerID(t *testing.T) int64 {
	t.Helper()
	var id int64
	if _, err := fmt.Sscan(env(t, "VYNQTALK_PEER_ID_TEST"), &id); err != nil {
		t.Fatalf("VYNQTALK_PEER_ID_TEST: %v", err)
	}
	return id
}

func waitConnected(t *testing.T, client *vynqtalk.Client) {
	t.Helper()
	connected := make(chan struct{}, 1)
	sub := client.Session().StateChanges.Subscribe(func(ch vynqtalk.StateChange) {
		if ch.To == vynqtalk.StateConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})
	defer sub.Unsubscribe()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if client.Session().State() == vynqtalk.StateConnected {
		return
	}
	select {
	case <-connected:
	case <-time.After(15 * time.Second):
		t.Fatalf("not connected, state %s", client.Session().State())
	}
}

// =======================================================================
// REST
// =======================================================================

func TestIntegration_LoginAndMe(t *testing.T) {
	client, user := loggedIn(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	me, err := client.Users.Me(ctx)
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if me.ID != user.ID {
		t.Errorf("Me().ID = %d, login user %d", me.ID, user.ID)
	}
	cached, ok, err := client.CurrentUser()
	if err != nil || !ok || cached.ID != user.ID {
		t.Errorf("CurrentUser = %+v, %v, %v", cached, ok, err)
	}
	t.Logf("logged in as %s (%d)", me.Name, me.ID)
}

func TestIntegration_SystemStatus(t *testing.T) {
	client := vynqtalk.NewClient(env(t, "VYNQTALK_BASE_URL_TEST"))
	defer client.Shutdown(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := client.System.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	t.Logf("maintenance=%v", st.MaintenanceMode)
}

func TestIntegration_BadLogin(t *testing.T) {
	client := vynqtalk.NewClient(env(t, "VYNQTALK_BASE_URL_TEST"))
	defer client.Shutdown(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := client.Auth.Login(ctx, "nobody@example.invalid", "wrong-password")
	if err == nil {
		t.Fatal("expected login with bad credentials to fail")
	}
	if tp, _ := vynqtalk.LoadTokens(client.Storage()); tp.AccessToken != "" {
		t.Error("failed login stored a token")
	}
}

// =======================================================================
// Realtime
// =======================================================================

func TestIntegration_PresenceIncludesSelf(t *testing.T) {
	client, user := loggedIn(t)

	seen := make(chan struct{}, 1)
	sub := client.Presence().Subscribe(func(ids []int64) {
		for _, id := range ids {
			if id == user.ID {
				select {
				case seen <- struct{}{}:
				default:
				}
			}
		}
	})
	defer sub.Unsubscribe()

	waitConnected(t, client)
	select {
	case <-seen:
	case <-time.After(15 * time.Second):
		t.Fatalf("self not in presence list, online=%v", client.Presence().Online())
	}
}

func TestIntegration_SendEchoReactEditDelete(t *testing.T) {
	client, user := loggedIn(t)
	peer := peerID(t)

	conv, err := client.NewConversation(vynqtalk.DirectConversation, user.Ref())
	if err != nil {
		t.Fatalf("NewConversation: %v", err)
	}
	defer conv.Close()
	conv.SelectPeer(vynqtalk.UserRef{ID: peer})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := conv.LoadHistory(ctx, client); err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	waitConnected(t, client)

	updates := make(chan []vynqtalk.Message, 16)
	sub := conv.Subscribe(func(msgs []vynqtalk.Message) {
		select {
		case updates <- msgs:
		default:
		}
	})
	defer sub.Unsubscribe()

	text := fmt.Sprintf("integration %d", time.Now().UnixNano())
	sent, err := conv.SendMessage(ctx, text, vynqtalk.MessageText, "", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !sent.Pending() {
		t.Fatalf("optimistic message has id %d", sent.ID)
	}

	find := func(match func(vynqtalk.Message) bool) vynqtalk.Message {
		t.Helper()
		for {
			for _, m := range conv.Messages() {
				if match(m) {
					return m
				}
			}
			select {
			case <-updates:
			case <-ctx.Done():
				t.Fatalf("timed out, messages=%d", len(conv.Messages()))
			}
		}
	}

	echoed := find(func(m vynqtalk.Message) bool { return m.ClientID == sent.ClientID && !m.Pending() })
	t.Logf("echo confirmed as message %d", echoed.ID)

	if err := conv.ReactToMessage(ctx, echoed.ID, "👍"); err != nil {
		t.Fatalf("ReactToMessage: %v", err)
	}
	find(func(m vynqtalk.Message) bool { return m.ID == echoed.ID && len(m.Reactions) > 0 })

	if err := conv.EditMessage(ctx, echoed.ID, text+" (edited)"); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	find(func(m vynqtalk.Message) bool { return m.ID == echoed.ID && m.Edited })

	if err := conv.DeleteMessage(ctx, echoed.ID); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	for {
		gone := true
		for _, m := range conv.Messages() {
			if m.ID == echoed.ID {
				gone = false
			}
		}
		if gone {
			return
		}
		select {
		case <-updates:
		case <-ctx.Done():
			t.Fatal("deleted message still listed")
		}
	}
}
