package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chaz8081/longing-touch/internal/app"
	"github.com/chaz8081/longing-touch/internal/apperr"
)

// envPassword supplies the password non-interactively.
const envPassword = "LONGING_PASSWORD"

// readPassword returns flagValue, then $LONGING_PASSWORD, then a line read
// from stdin.
func readPassword(flagValue, prompt string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if v := os.Getenv(envPassword); v != "" {
		return v, nil
	}
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", errors.New("no password given")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func signUpCmd() *cobra.Command {
	var email, name, password string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readPassword(password, "Password: ")
			if err != nil {
				return err
			}
			return run(func(ctx context.Context, a *app.App) error {
				sess, err := a.Session.SignUp(ctx, email, pw, name)
				if err != nil {
					return err
				}
				if sess == nil {
					fmt.Printf("Check %s for a confirmation link, then run: longing signin --email %s\n", email, email)
					return nil
				}
				fmt.Printf("Signed up and signed in as %s\n", sess.User.Email)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&password, "password", "", "password (default: $"+envPassword+" or prompt)")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func signInCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Sign in with email and password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readPassword(password, "Password: ")
			if err != nil {
				return err
			}
			return run(func(ctx context.Context, a *app.App) error {
				sess, err := a.Session.SignIn(ctx, email, pw)
				if err != nil {
					return err
				}
				fmt.Printf("Signed in as %s\n", sess.User.Email)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "password (default: $"+envPassword+" or prompt)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func signOutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Sign out and forget the cached session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app.App) error {
				if err := a.SignOut(ctx); err != nil {
					return err
				}
				fmt.Println("Signed out")
				return nil
			})
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in account and partner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app.App) error {
				id, err := a.Session.Identity()
				if err != nil {
					return err
				}
				fmt.Printf("Account:  %s (%s)\n", id.Email, displayName(id.Name))
				fmt.Printf("User ID:  %s\n", id.ID)
				p, err := a.Partner(ctx)
				if err != nil {
					return err
				}
				if p == nil {
					fmt.Println("Partner:  none")
					return nil
				}
				fmt.Printf("Partner:  %s\n", partnerLabel(p.Partner))
				return nil
			})
		},
	}
}

func resetPasswordCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Email a password reset link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app.App) error {
				if err := a.Session.RequestPasswordReset(ctx, email); err != nil {
					return err
				}
				fmt.Printf("If %s has an account, a reset link is on its way\n", email)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func updatePasswordCmd() *cobra.Command {
	var password, link, accessToken, refreshToken string
	cmd := &cobra.Command{
		Use:   "update-password",
		Short: "Change the password of the signed-in account, or finish a reset from the emailed link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if link != "" {
				var err error
				accessToken, refreshToken, err = recoveryTokens(link)
				if err != nil {
					return err
				}
			}
			pw, err := readPassword(password, "New password: ")
			if err != nil {
				return err
			}
			return run(func(ctx context.Context, a *app.App) error {
				if accessToken != "" {
					sess, err := a.Session.AdoptRecovery(ctx, accessToken, refreshToken)
					if err != nil {
						return err
					}
					fmt.Printf("Signed in as %s\n", sess.User.Email)
				}
				if err := a.Session.UpdatePassword(ctx, pw); err != nil {
					return err
				}
				fmt.Println("Password updated")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "new password (default: $"+envPassword+" or prompt)")
	cmd.Flags().StringVar(&link, "link", "", "password reset link from the email")
	cmd.Flags().StringVar(&accessToken, "access-token", "", "access token from the reset link")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "refresh token from the reset link")
	cmd.MarkFlagsMutuallyExclusive("link", "access-token")
	return cmd
}

// recoveryTokens pulls the tokens out of a password reset link. They
// arrive in the fragment, or in the query on some mail clients.
func recoveryTokens(link string) (access, refresh string, err error) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return "", "", apperr.E(apperr.InvalidInput, "account.update_password", fmt.Errorf("invalid reset link: %w", err))
	}
	for _, raw := range []string{u.Fragment, u.RawQuery} {
		v, err := url.ParseQuery(raw)
		if err != nil {
			continue
		}
		if v.Get("access_token") != "" {
			return v.Get("access_token"), v.Get("refresh_token"), nil
		}
	}
	return "", "", apperr.E(apperr.InvalidInput, "account.update_password", errors.New("reset link carries no access token"))
}

func resendConfirmationCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "resend-confirmation",
		Short: "Email the sign-up confirmation link again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app.App) error {
				if err := a.Session.ResendConfirmation(ctx, email); err != nil {
					return err
				}
				fmt.Printf("Confirmation email sent to %s\n", email)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func displayName(name string) string {
	if name == "" {
		return "no name"
	}
	return name
}
