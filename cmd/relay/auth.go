package main

import (
	"context"
	"fmt"
	"time"

	relay "github.com/relay-chat/relay-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email> <password>",
	Short: "Sign in and persist the session credential",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer func() { _ = logger.Sync() }()

		session := newSession(logger)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := session.SignIn(ctx, args[0], args[1]); err != nil {
			if relay.IsUnauthorized(err) {
				return fmt.Errorf("invalid email or password")
			}
			return fmt.Errorf("sign-in failed: %w", err)
		}
		defer func() { _ = session.Channel().Close() }()

		fmt.Printf("Signed in as %s\n", session.Identity().DisplayName)
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <name> <email> <password>",
	Short: "Create a new account",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := newClient().Register(ctx, args[0], args[1], args[2]); err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
		fmt.Println("Registered successfully. You can login now.")
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear the persisted session credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer func() { _ = logger.Sync() }()

		if err := newSession(logger).SignOut(); err != nil {
			return fmt.Errorf("logout failed: %w", err)
		}
		fmt.Println("Signed out.")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the identity behind the stored credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer func() { _ = logger.Sync() }()

		session := newSession(logger)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := session.Restore(ctx); err != nil {
			if relay.IsUnauthorized(err) {
				return fmt.Errorf("not signed in")
			}
			return err
		}
		defer func() { _ = session.Channel().Close() }()

		id := session.Identity()
		fmt.Printf("ID:   %s\nName: %s\n", id.ID, id.DisplayName)
		return nil
	},
}
