package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/vynqtalk/vynqtalk-go"
)

var (
	loginPassword  string
	signupName     string
	signupPassword string
)

func init() {
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Password (prompted when omitted)")
	signupCmd.Flags().StringVar(&signupName, "name", "", "Display name")
	signupCmd.Flags().StringVarP(&signupPassword, "password", "p", "", "Password (prompted when omitted)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(signupCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in and store the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password := loginPassword
		if password == "" {
			p, err := readPassword("Password: ")
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			password = p
		}

		client, cleanup, err := newClient()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := timeout()
		defer cancel()
		res, err := client.Auth.Login(ctx, args[0], password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		return rememberUser(args[0], res)
	},
}

var signupCmd = &cobra.Command{
	Use:   "signup <email>",
	Short: "Create an account and sign in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password := signupPassword
		if password == "" {
			p, err := readPassword("Choose a password: ")
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			password = p
		}

		client, cleanup, err := newClient()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := timeout()
		defer cancel()
		res, err := client.Auth.Signup(ctx, vynqtalk.SignupRequest{
			Name:     valueOrDefault(signupName, args[0]),
			Email:    args[0],
			Password: password,
		})
		if err != nil {
			return fmt.Errorf("signup failed: %w", err)
		}
		return rememberUser(args[0], res)
	},
}

func rememberUser(email string, res *vynqtalk.AuthResult) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Auth.Email = email
	cfg.Auth.UserID = strconv.FormatInt(res.User.ID, 10)
	cfg.Auth.Username = res.User.Name
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Println("Signed in.")
	fmt.Printf("  User ID: %d\n", res.User.ID)
	fmt.Printf("  Name:    %s\n", res.User.Name)
	if res.User.IsAdmin() {
		fmt.Println("  Role:    admin")
	}
	return nil
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cleanup, err := newClient()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := timeout()
		defer cancel()
		if err := client.Auth.Logout(ctx); err != nil {
			fmt.Printf("Server logout failed (%v); local session cleared anyway.\n", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Signed out.")
		return nil
	},
}
