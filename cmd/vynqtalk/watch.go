package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/vynqtalk/vynqtalk-go"
)

var (
	idStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	timeStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
	nameStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("111")).Bold(true)
	selfStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("157")).Bold(true)
	reactionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("216"))
	stateStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("183"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

var (
	watchMetricsAddr string
	watchNotify      bool
	watchSystem      bool
	presenceWait     time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream realtime messages, reactions and presence until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		var extra []vynqtalk.ClientOption
		reg := prometheus.NewRegistry()
		if watchMetricsAddr != "" {
			extra = append(extra, vynqtalk.WithMetrics(reg))
		}
		if watchNotify {
			n := vynqtalk.NewDesktopNotifier(0, nil)
			if n.RequestPermission() != vynqtalk.PermissionGranted {
				fmt.Fprintln(os.Stderr, "Desktop notifications not permitted.")
			}
			extra = append(extra, vynqtalk.WithNotifier(n))
		}

		client, cleanup, err := newClient(extra...)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if watchMetricsAddr != "" {
			srv := &http.Server{Addr: watchMetricsAddr, Handler: metricsMux(reg)}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					client.Logger().Error("metrics server failed", "error", err)
				}
			}()
			defer srv.Close()
			fmt.Printf("Serving metrics on http://%s/metrics\n", watchMetricsAddr)
		}

		lookup, lcancel := timeout()
		me, err := currentUser(lookup, client)
		lcancel()
		if err != nil {
			return fmt.Errorf("failed to resolve current user: %w", err)
		}

		// Conversations with nothing selected route every message to desktop notifications.
		direct, err := client.NewConversation(vynqtalk.DirectConversation, me.Ref())
		if err != nil {
			return err
		}
		defer direct.Close()
		group, err := client.NewConversation(vynqtalk.GroupConversation, me.Ref())
		if err != nil {
			return err
		}
		defer group.Close()

		s := client.Session()
		subs := []*vynqtalk.Subscription{
			s.Messages.Subscribe(func(m vynqtalk.Message) { printLive("dm", m, me.ID) }),
			s.GroupMessages.Subscribe(func(m vynqtalk.Message) { printLive(groupLabel(m), m, me.ID) }),
			s.Reactions.Subscribe(func(ev vynqtalk.ReactionEvent) {
				fmt.Printf("%s message %d %s\n", stateStyle.Render("reactions"), ev.MessageID, formatReactions(ev.Reactions))
			}),
			s.MessageEdits.Subscribe(func(ev vynqtalk.MessageEdit) {
				fmt.Printf("%s message %d: %s\n", stateStyle.Render("edited"), ev.MessageID, ev.Content)
			}),
			s.MessageDeletions.Subscribe(func(ev vynqtalk.MessageDeletion) {
				fmt.Printf("%s message %d\n", stateStyle.Render("deleted"), ev.MessageID)
			}),
			client.Presence().Subscribe(func(ids []int64) {
				fmt.Printf("%s %d online\n", stateStyle.Render("presence"), len(ids))
			}),
			s.StateChanges.Subscribe(func(ch vynqtalk.StateChange) {
				line := fmt.Sprintf("%s %s", stateStyle.Render("state"), ch.To)
				if ch.To == vynqtalk.StateBackoff {
					line += fmt.Sprintf(" (attempt %d, retry in %s)", ch.Attempt, ch.Delay)
				}
				if ch.Err != nil {
					line += " " + errorStyle.Render(ch.Err.Error())
				}
				fmt.Println(line)
			}),
		}
		if watchSystem {
			subs = append(subs, s.SystemMetrics.Subscribe(func(m vynqtalk.SystemMetrics) {
				fmt.Printf("%s cpu %.1f%% mem %.1f%% users %s conns %s\n", stateStyle.Render("system"),
					m.CPUUsage, m.MemoryUsage, humanize.Comma(int64(m.ActiveUsers)), humanize.Comma(int64(m.ActiveConnections)))
			}))
		}
		defer func() {
			for _, sub := range subs {
				sub.Unsubscribe()
			}
		}()

		ended := make(chan vynqtalk.LogoutEvent, 1)
		logoutSub := client.OnLogout(func(ev vynqtalk.LogoutEvent) {
			select {
			case ended <- ev:
			default:
			}
		})
		defer logoutSub.Unsubscribe()

		if err := client.Connect(ctx); err != nil {
			if vynqtalk.IsAuthError(err) {
				return fmt.Errorf("not logged in; run 'vynqtalk login <email>' first")
			}
			return err
		}

		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case ev := <-ended:
			return fmt.Errorf("session ended (%s); run 'vynqtalk login <email>' to sign in again", ev.Reason)
		}
	},
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func groupLabel(m vynqtalk.Message) string {
	if m.Group == nil {
		return "group"
	}
	if m.Group.Name != "" {
		return m.Group.Name
	}
	return fmt.Sprintf("group %d", m.Group.ID)
}

func printLive(where string, m vynqtalk.Message, self int64) {
	name := nameStyle.Render(senderName(m.Sender))
	if m.Sender.ID == self {
		name = selfStyle.Render("you")
	}
	body := m.Content
	if m.Type != vynqtalk.MessageText && m.Type != "" {
		body = fmt.Sprintf("[%s] %s", strings.ToLower(string(m.Type)), valueOrDefault(m.FileName, m.Content))
	}
	fmt.Printf("%s %s %s: %s\n", timeStyle.Render(where), idStyle.Render(fmt.Sprintf("#%d", m.ID)), name, body)
}

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "Connect and print who is online",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cleanup, err := newClient()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout+presenceWait)
		defer cancel()

		first := make(chan []int64, 1)
		sub := client.Presence().Subscribe(func(ids []int64) {
			if len(ids) == 0 {
				return
			}
			select {
			case first <- ids:
			default:
			}
		})
		defer sub.Unsubscribe()

		if err := connect(ctx, client); err != nil {
			return err
		}

		var ids []int64
		select {
		case ids = <-first:
		case <-time.After(presenceWait):
			ids = client.Presence().Online()
		case <-ctx.Done():
			return ctx.Err()
		}
		if len(ids) == 0 {
			fmt.Println("Nobody online.")
			return nil
		}
		fmt.Printf("%d online:\n", len(ids))
		for _, id := range ids {
			fmt.Printf("  %d\n", id)
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().BoolVar(&watchNotify, "notify", false, "Show desktop notifications for incoming messages")
	watchCmd.Flags().BoolVar(&watchSystem, "system", false, "Print system metrics pushes")
	presenceCmd.Flags().DurationVar(&presenceWait, "wait", 3*time.Second, "How long to wait for the first presence push")
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(presenceCmd)
}
