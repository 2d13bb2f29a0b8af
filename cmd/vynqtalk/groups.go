package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vynqtalk/vynqtalk-go"
)

var (
	groupsListJSON      bool
	groupsCreateMembers string
	groupsCreateDesc    string
	groupsCreatePrivate bool
)

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Group commands",
}

var groupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cleanup, err := newClient()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := timeout()
		defer cancel()
		groups, err := client.Groups.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if groupsListJSON {
			out, err := json.MarshalIndent(groups, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}
		if len(groups) == 0 {
			fmt.Println("No groups.")
			return nil
		}
		for _, g := range groups {
			vis := "public"
			if g.IsPrivate {
				vis = "private"
			}
			fmt.Printf("%6d  %-24s %-8s %d members\n", g.ID, g.Name, vis, len(g.Members))
		}
		return nil
	},
}

var groupsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		members, err := parseIDList(groupsCreateMembers)
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
		g, err := client.Groups.Create(ctx, vynqtalk.GroupInput{
			Name:        args[0],
			Description: groupsCreateDesc,
			IsPrivate:   groupsCreatePrivate,
			MemberIDs:   members,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Group created: %d\n", g.ID)
		fmt.Printf("  Name:    %s\n", g.Name)
		fmt.Printf("  Members: %d\n", len(g.Members))
		return nil
	},
}

var groupsSendCmd = &cobra.Command{
	Use:   "send <group-id> <text>",
	Short: "Send a message to a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		targetGroup = true
		return sendCmd.RunE(cmd, args)
	},
}

var groupsMessagesCmd = &cobra.Command{
	Use:   "messages <group-id>",
	Short: "Show group history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		targetGroup = true
		return messagesCmd.RunE(cmd, args)
	},
}

func membershipCmd(use, short string, op func(*vynqtalk.Client) func(int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <group-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "group")
			if err != nil {
				return err
			}
			client, cleanup, err := newClient()
			if err != nil {
				return err
			}
			defer cleanup()
			if err := op(client)(id); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			fmt.Printf("Done: %s %d\n", use, id)
			return nil
		},
	}
}

func init() {
	groupsListCmd.Flags().BoolVar(&groupsListJSON, "json", false, "Output raw JSON")
	groupsCreateCmd.Flags().StringVar(&groupsCreateMembers, "members", "", "Comma-separated list of member user IDs")
	groupsCreateCmd.Flags().StringVar(&groupsCreateDesc, "description", "", "Group description")
	groupsCreateCmd.Flags().BoolVar(&groupsCreatePrivate, "private", false, "Create a private group")
	groupsMessagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Show only the last n messages")

	join := membershipCmd("join", "Join a group", func(c *vynqtalk.Client) func(int64) error {
		return func(id int64) error {
			ctx, cancel := timeout()
			defer cancel()
			return c.Groups.Join(ctx, id)
		}
	})
	leave := membershipCmd("leave", "Leave a group", func(c *vynqtalk.Client) func(int64) error {
		return func(id int64) error {
			ctx, cancel := timeout()
			defer cancel()
			return c.Groups.Leave(ctx, id)
		}
	})

	groupsCmd.AddCommand(groupsListCmd, groupsCreateCmd, groupsSendCmd, groupsMessagesCmd, join, leave)
	rootCmd.AddCommand(groupsCmd)
}
