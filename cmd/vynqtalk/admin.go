package main

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	notificationsJSON   bool
	notificationsUnread bool
	adminJSON           bool
	maintenanceMessage  string
)

// ============================================================================
// notifications
// ============================================================================

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Server-side notification commands",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cleanup, err := newClient()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := timeout()
		defer cancel()
		list, err := client.Notifications.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if notificationsJSON {
			out, err := json.MarshalIndent(list, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}
		shown := 0
		for _, n := range list {
			if notificationsUnread && n.IsRead {
				continue
			}
			mark := " "
			if !n.IsRead {
				mark = "*"
			}
			fmt.Printf("%s %6d %-14s %s: %s\n", mark, n.ID, humanize.Time(n.CreatedAt.Time), n.Title, n.Content)
			shown++
		}
		if shown == 0 {
			fmt.Println("No notifications.")
		}
		return nil
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read [notification-id]",
	Short: "Mark one notification, or all of them, as read",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cleanup, err := newClient()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := timeout()
		defer cancel()
		if len(args) == 0 {
			if err := client.Notifications.MarkAllRead(ctx); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			fmt.Println("All notifications marked as read.")
			return nil
		}
		id, err := parseID(args[0], "notification")
		if err != nil {
			return err
		}
		if err := client.Notifications.MarkRead(ctx, id); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Notification %d marked as read.\n", id)
		return nil
	},
}

// ============================================================================
// admin
// ============================================================================

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Administration commands (admin role required)",
}

var adminMetricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show the admin dashboard overview",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cleanup, err := newClient()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := timeout()
		defer cancel()
		m, err := client.Admin.Metrics(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if adminJSON {
			out, err := json.MarshalIndent(m, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}
		fmt.Printf("Users:         %s (%s online)\n", humanize.Comma(int64(m.TotalUsers)), humanize.Comma(int64(m.OnlineUsers)))
		fmt.Printf("Groups:        %s\n", humanize.Comma(int64(m.TotalGroups)))
		fmt.Printf("Messages:      %s\n", humanize.Comma(int64(m.TotalMessages)))
		fmt.Printf("CPU:           %.1f%%\n", m.System.CPUUsage)
		fmt.Printf("Memory:        %.1f%%\n", m.System.MemoryUsage)
		fmt.Printf("Connections:   %s\n", humanize.Comma(int64(m.System.ActiveConnections)))
		fmt.Printf("Msgs / minute: %.1f\n", m.System.MessagesPerMinute)
		return nil
	},
}

var adminUsersCmd = &cobra.Command{
	Use:   "users",
	Short: "List all users",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cleanup, err := newClient()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := timeout()
		defer cancel()
		users, err := client.Admin.Users(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		for _, u := range users {
			state := ""
			if u.IsBlocked {
				state = "blocked"
			} else if u.IsOnline {
				state = "online"
			}
			seen := "never"
			if !u.LastSeen.IsZero() {
				seen = humanize.Time(u.LastSeen.Time)
			}
			fmt.Printf("%6d  %-20s %-28s %-6s %-8s last seen %s\n", u.ID, u.Name, u.Email, valueOrDefault(u.UserRole, "USER"), state, seen)
		}
		return nil
	},
}

func blockCmd(use string, block bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <user-id>",
		Short: use + " a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "user")
			if err != nil {
				return err
			}
			client, cleanup, err := newClient()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := timeout()
			defer cancel()
			if block {
				err = client.Admin.BlockUser(ctx, id)
			} else {
				err = client.Admin.UnblockUser(ctx, id)
			}
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			fmt.Printf("User %d: %sed\n", id, use)
			return nil
		},
	}
}

var adminMaintenanceCmd = &cobra.Command{
	Use:       "maintenance <on|off>",
	Short:     "Toggle maintenance mode",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] != "on" && args[0] != "off" {
			return fmt.Errorf("expected on or off, got %q", args[0])
		}
		client, cleanup, err := newClient()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := timeout()
		defer cancel()
		if err := client.Admin.SetMaintenance(ctx, args[0] == "on", maintenanceMessage); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Maintenance mode %s.\n", args[0])
		return nil
	},
}

func init() {
	notificationsListCmd.Flags().BoolVar(&notificationsJSON, "json", false, "Output raw JSON")
	notificationsListCmd.Flags().BoolVar(&notificationsUnread, "unread", false, "Show only unread notifications")
	notificationsCmd.AddCommand(notificationsListCmd, notificationsReadCmd)

	adminMetricsCmd.Flags().BoolVar(&adminJSON, "json", false, "Output raw JSON")
	adminMaintenanceCmd.Flags().StringVar(&maintenanceMessage, "message", "", "Message shown to users")
	adminCmd.AddCommand(adminMetricsCmd, adminUsersCmd, blockCmd("block", true), blockCmd("unblock", false), adminMaintenanceCmd)

	rootCmd.AddCommand(notificationsCmd)
	rootCmd.AddCommand(adminCmd)
}
