package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	email    string
	password string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and remember the session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if email == "" {
			return errors.New("--email is required")
		}
		if password == "" {
			fmt.Fprint(os.Stderr, "Password: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			password = strings.TrimSpace(line)
		}

		a, err := newApp(nil)
		if err != nil {
			return err
		}
		defer a.Close()

		sess, err := a.client.SignIn(context.Background(), email, password)
		if err != nil {
			return err
		}
		if !sess.Signed {
			return errors.New("sign-in was interrupted")
		}
		fmt.Printf("Signed in as %s\n", displayName(sess.User.Name, sess.User.Email, sess.User.ID))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(nil)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.client.RestoreSession(); err != nil {
			return err
		}
		a.client.SignOut()
		fmt.Println("Signed out")
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVarP(&email, "email", "e", "", "Account email")
	loginCmd.Flags().StringVarP(&password, "password", "p", "", "Account password (prompted when empty)")
	rootCmd.AddCommand(loginCmd, logoutCmd)
}

func displayName(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return "unknown"
}
