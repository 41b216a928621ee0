package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/gaborage/prodtrack/httpclient"
)

// passwordEnv supplies the login password when --password is omitted
const passwordEnv = "PRODTRACK_PASSWORD"

func newLoginCmd(c *cli) *cobra.Command {
	var username, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = os.Getenv(passwordEnv)
			}
			return c.run(cmd.Context(), func(ctx context.Context, client httpclient.Client) error {
				session, err := client.Login(ctx, username, password)
				if err != nil {
					return err
				}
				return printBody(c.out, session.User)
			})
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "user name")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (defaults to $"+passwordEnv+")")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newLogoutCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd.Context(), func(ctx context.Context, client httpclient.Client) error {
				return client.Logout(ctx)
			})
		},
	}
}

func newWhoamiCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd.Context(), func(_ context.Context, client httpclient.Client) error {
				var user json.RawMessage
				ok, err := client.CurrentUser(&user)
				if err != nil {
					return err
				}
				if !ok {
					return errNotLoggedIn
				}
				return printBody(c.out, user)
			})
		},
	}
}
