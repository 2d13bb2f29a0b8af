package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/vynqtalk/vynqtalk-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// --group on every conversation command
	targetGroup bool

	// send
	sendFile    string
	sendReplyTo int64
	sendWait    time.Duration

	// messages
	messagesLimit int
	messagesJSON  bool
)

func targetKind() string {
	if targetGroup {
		return "group"
	}
	return "user"
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <user-id> [text]",
	Short: "Send a message to a user or, with --group, to a group",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], targetKind())
		if err != nil {
			return err
		}
		text := ""
		if len(args) == 2 {
			text = args[1]
		}
		if text == "" && sendFile == "" {
			return fmt.Errorf("nothing to send; pass text or --file")
		}

		client, cleanup, err := newClient()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout+sendWait)
		defer cancel()

		conv, err := openConversation(ctx, client, targetGroup, id)
		if err != nil {
			return err
		}
		defer conv.Close()

		content, typ, fileName := text, vynqtalk.MessageText, ""
		if sendFile != "" {
			data, err := os.ReadFile(sendFile)
			if err != nil {
				return fmt.Errorf("cannot read file: %w", err)
			}
			up, err := client.Files.Upload(ctx, filepath.Base(sendFile), data)
			if err != nil {
				return fmt.Errorf("upload failed: %w", err)
			}
			fmt.Printf("Uploaded %s (%s)\n", up.FileName, humanize.Bytes(uint64(up.Size)))
			content, typ, fileName = up.URL, up.MessageType(), up.FileName
		}

		var replyTo *vynqtalk.Message
		if sendReplyTo != 0 {
			if err := conv.LoadHistory(ctx, client); err != nil {
				return fmt.Errorf("failed to load history: %w", err)
			}
			for _, m := range conv.Messages() {
				if m.ID == sendReplyTo {
					replyTo = &m
					break
				}
			}
			if replyTo == nil {
				return fmt.Errorf("message %d not found in this conversation", sendReplyTo)
			}
		}

		if err := connect(ctx, client); err != nil {
			return err
		}

		sent, err := conv.SendMessage(ctx, content, typ, fileName, replyTo)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		confirmed := make(chan vynqtalk.Message, 1)
		check := func(msgs []vynqtalk.Message) {
			for _, m := range msgs {
				if m.ClientID == sent.ClientID && !m.Pending() {
					select {
					case confirmed <- m:
					default:
					}
				}
			}
		}
		sub := conv.Subscribe(check)
		defer sub.Unsubscribe()
		check(conv.Messages())

		select {
		case m := <-confirmed:
			fmt.Printf("Sent message %d\n", m.ID)
		case <-time.After(sendWait):
			fmt.Println("Sent (not yet confirmed by the server)")
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <user-id>",
	Short: "Show conversation history with a user or, with --group, a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], targetKind())
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

		var msgs []vynqtalk.Message
		if targetGroup {
			msgs, err = client.GroupHistory(ctx, id)
		} else {
			msgs, err = client.DirectHistory(ctx, id)
		}
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if messagesLimit > 0 && len(msgs) > messagesLimit {
			msgs = msgs[len(msgs)-messagesLimit:]
		}

		if messagesJSON {
			out, err := json.MarshalIndent(msgs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m))
		}
		return nil
	},
}

// ============================================================================
// react / edit / delete
// ============================================================================

// withConversation loads the target conversation, connects, and runs fn.
func withConversation(target string, fn func(ctx context.Context, conv *vynqtalk.Conversation) error) error {
	id, err := parseID(target, targetKind())
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

	conv, err := openConversation(ctx, client, targetGroup, id)
	if err != nil {
		return err
	}
	defer conv.Close()
	if err := conv.LoadHistory(ctx, client); err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	if err := connect(ctx, client); err != nil {
		return err
	}
	return fn(ctx, conv)
}

var reactCmd = &cobra.Command{
	Use:   "react <user-id> <message-id> <emoji>",
	Short: "Toggle a reaction on a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		msgID, err := parseID(args[1], "message")
		if err != nil {
			return err
		}
		return withConversation(args[0], func(ctx context.Context, conv *vynqtalk.Conversation) error {
			if err := conv.ReactToMessage(ctx, msgID, args[2]); err != nil {
				return fmt.Errorf("react failed: %w", err)
			}
			fmt.Printf("Toggled %s on message %d\n", args[2], msgID)
			return nil
		})
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <user-id> <message-id> <text>",
	Short: "Edit one of your messages",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		msgID, err := parseID(args[1], "message")
		if err != nil {
			return err
		}
		return withConversation(args[0], func(ctx context.Context, conv *vynqtalk.Conversation) error {
			if err := conv.EditMessage(ctx, msgID, args[2]); err != nil {
				return fmt.Errorf("edit failed: %w", err)
			}
			fmt.Printf("Edited message %d\n", msgID)
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <user-id> <message-id>",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		msgID, err := parseID(args[1], "message")
		if err != nil {
			return err
		}
		return withConversation(args[0], func(ctx context.Context, conv *vynqtalk.Conversation) error {
			if err := conv.DeleteMessage(ctx, msgID); err != nil {
				return fmt.Errorf("delete failed: %w", err)
			}
			fmt.Printf("Deleted message %d\n", msgID)
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{sendCmd, messagesCmd, reactCmd, editCmd, deleteCmd} {
		c.Flags().BoolVarP(&targetGroup, "group", "g", false, "Treat the first argument as a group id")
		c.Use = strings.Replace(c.Use, "<user-id>", "<user-id|group-id>", 1)
		rootCmd.AddCommand(c)
	}

	sendCmd.Flags().StringVarP(&sendFile, "file", "f", "", "Upload a file and send it as an attachment")
	sendCmd.Flags().Int64Var(&sendReplyTo, "reply-to", 0, "Reply to the message with this id")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 5*time.Second, "How long to wait for the server echo")

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Show only the last n messages")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")
}
