package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/vynqtalk/vynqtalk-go"
	"github.com/vynqtalk/vynqtalk-go/pebblestore"
	"golang.org/x/term"
)

const requestTimeout = 15 * time.Second

// newClient builds a client from the config file and environment. The returned
// cleanup shuts the client down and closes the session store.
func newClient(extra ...vynqtalk.ClientOption) (*vynqtalk.Client, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyEnv(cfg)
	if cfg.Default.BaseURL == "" {
		return nil, nil, fmt.Errorf("no base URL configured; run 'vynqtalk config set default.base_url <url>'")
	}

	logger := newLogger(cfg.Default.LogLevel)
	store, closeStore, err := openStore(cfg.Default.Store)
	if err != nil {
		return nil, nil, err
	}

	opts := []vynqtalk.ClientOption{
		vynqtalk.WithStorage(store),
		vynqtalk.WithLogger(logger),
	}
	if cfg.Default.APIVersion != "" {
		opts = append(opts, vynqtalk.WithAPIVersion(cfg.Default.APIVersion))
	}
	if cfg.Default.WSURL != "" {
		opts = append(opts, vynqtalk.WithWebSocketURL(cfg.Default.WSURL))
	}
	opts = append(opts, extra...)

	client := vynqtalk.NewClient(cfg.Default.BaseURL, opts...)
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Shutdown(ctx); err != nil {
			logger.Debug("shutdown", "error", err)
		}
		closeStore()
	}
	return client, cleanup, nil
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelWarn
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			lvl = slog.LevelWarn
		}
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// openStore opens the session store selected by kind ("file" or "pebble").
func openStore(kind string) (vynqtalk.Storage, func(), error) {
	dir, err := configDir()
	if err != nil {
		return nil, nil, err
	}
	switch kind {
	case "", "file":
		return vynqtalk.NewFileStorage(filepath.Join(dir, "session.json")), func() {}, nil
	case "pebble":
		st, err := pebblestore.Open(filepath.Join(dir, "session.db"))
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q (valid: file, pebble)", kind)
	}
}

func timeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

// currentUser returns the cached login user, falling back to the server.
func currentUser(ctx context.Context, client *vynqtalk.Client) (vynqtalk.User, error) {
	u, ok, err := client.CurrentUser()
	if err == nil && ok && u.ID != 0 {
		return u, nil
	}
	return client.Users.Me(ctx)
}

// connect starts the realtime session and waits until it is usable.
func connect(ctx context.Context, client *vynqtalk.Client) error {
	ready := make(chan error, 1)
	signal := func(err error) {
		select {
		case ready <- err:
		default:
		}
	}
	sub := client.Session().StateChanges.Subscribe(func(ch vynqtalk.StateChange) {
		switch ch.To {
		case vynqtalk.StateConnected:
			signal(nil)
		case vynqtalk.StateLoggedOut:
			if ch.Err != nil {
				signal(fmt.Errorf("session ended: %w", ch.Err))
			} else {
				signal(errors.New("session ended"))
			}
		}
	})
	defer sub.Unsubscribe()

	if err := client.Connect(ctx); err != nil {
		if vynqtalk.IsAuthError(err) {
			return fmt.Errorf("not logged in; run 'vynqtalk login <email>' first")
		}
		return err
	}
	if client.Session().State() == vynqtalk.StateConnected {
		return nil
	}
	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		return fmt.Errorf("realtime connection not established: %w", ctx.Err())
	}
}

// openConversation prepares a conversation for a peer, or for a group when group is set.
func openConversation(ctx context.Context, client *vynqtalk.Client, group bool, id int64) (*vynqtalk.Conversation, error) {
	me, err := currentUser(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve current user: %w", err)
	}
	kind := vynqtalk.DirectConversation
	if group {
		kind = vynqtalk.GroupConversation
	}
	conv, err := client.NewConversation(kind, me.Ref())
	if err != nil {
		return nil, err
	}
	if group {
		conv.SelectGroup(vynqtalk.GroupRef{ID: id})
	} else {
		conv.SelectPeer(vynqtalk.UserRef{ID: id})
	}
	return conv, nil
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, s)
	}
	return id, nil
}

func parseIDList(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		id, err := parseID(part, "member")
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// readPassword reads a password from the terminal without echo, or a line from stdin.
func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// maskToken shows the first 6 and last 4 characters of a token.
func maskToken(tok string) string {
	if len(tok) <= 12 {
		return strings.Repeat("*", len(tok))
	}
	return tok[:6] + "..." + tok[len(tok)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func senderName(u vynqtalk.UserRef) string {
	if u.Name != "" {
		return u.Name
	}
	return "#" + strconv.FormatInt(u.ID, 10)
}

// formatMessage renders one message line for listings.
func formatMessage(m vynqtalk.Message) string {
	when := "pending"
	if !m.Timestamp.IsZero() {
		when = humanize.Time(m.Timestamp.Time)
	}
	body := m.Content
	if m.Type != vynqtalk.MessageText && m.Type != "" {
		body = fmt.Sprintf("[%s] %s", strings.ToLower(string(m.Type)), valueOrDefault(m.FileName, m.Content))
	}
	line := fmt.Sprintf("%s %s %s: %s",
		idStyle.Render(fmt.Sprintf("%6d", m.ID)),
		timeStyle.Render(when),
		nameStyle.Render(senderName(m.Sender)),
		body)
	if m.Edited {
		line += timeStyle.Render(" (edited)")
	}
	if len(m.Reactions) > 0 {
		line += " " + formatReactions(m.Reactions)
	}
	return line
}

func formatReactions(rs []vynqtalk.Reaction) string {
	counts := make(map[string]int)
	var order []string
	for _, r := range rs {
		if counts[r.Emoji] == 0 {
			order = append(order, r.Emoji)
		}
		counts[r.Emoji]++
	}
	parts := make([]string, len(order))
	for i, e := range order {
		parts[i] = fmt.Sprintf("%s%d", e, counts[e])
	}
	return reactionStyle.Render(strings.Join(parts, " "))
}
