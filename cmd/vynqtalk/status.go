package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vynqtalk/vynqtalk-go"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, the stored session, and live account and maintenance status.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		applyEnv(cfg)

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		if cfg.Default.WSURL != "" {
			fmt.Printf("  Realtime:    %s\n", cfg.Default.WSURL)
		}
		fmt.Printf("  API version: %s\n", valueOrDefault(cfg.Default.APIVersion, vynqtalk.DefaultAPIVersion))
		fmt.Printf("  Store:       %s\n", valueOrDefault(cfg.Default.Store, "file"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Email != "" {
			fmt.Printf("  Email:       %s\n", cfg.Auth.Email)
			fmt.Printf("  User ID:     %s\n", cfg.Auth.UserID)
		} else {
			fmt.Println("  Email:       (not logged in)")
		}
		if cfg.Default.BaseURL == "" {
			return nil
		}

		client, cleanup, err := newClient()
		if err != nil {
			return err
		}
		defer cleanup()

		tp, err := vynqtalk.LoadTokens(client.Storage())
		if err != nil {
			return fmt.Errorf("failed to read session: %w", err)
		}
		access := "none"
		if tp.AccessToken != "" {
			access = maskToken(tp.AccessToken)
		}
		fmt.Printf("  Token:       %s\n", access)
		if tp.RefreshToken == "" && tp.AccessToken != "" {
			fmt.Println("  Refresh:     (none, session ends when the token expires)")
		}

		ctx, cancel := timeout()
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		sys, err := client.System.Status(ctx)
		if err != nil {
			fmt.Printf("  Error fetching system status: %v\n", err)
			return nil
		}
		if sys.MaintenanceMode {
			fmt.Printf("  Maintenance: on (%s)\n", valueOrDefault(sys.Message, "no message"))
		} else {
			fmt.Println("  Maintenance: off")
		}

		if tp.AccessToken == "" {
			return nil
		}
		me, err := client.Users.Me(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", err)
			return nil
		}
		fmt.Printf("  Name:        %s\n", me.Name)
		fmt.Printf("  Email:       %s\n", me.Email)
		fmt.Printf("  Role:        %s\n", valueOrDefault(me.UserRole, "USER"))
		if sys.Blocks(me) {
			fmt.Println("  Chat is unavailable to this account during maintenance.")
		}
		return nil
	},
}
