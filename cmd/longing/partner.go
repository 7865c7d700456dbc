package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/longing-touch/internal/app"
	"github.com/chaz8081/longing-touch/internal/model"
)

func partnerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "partner",
		Short: "Link, show and remove your partner",
	}
	cmd.AddCommand(partnerLinkCmd())
	cmd.AddCommand(partnerShowCmd())
	cmd.AddCommand(partnerPendingCmd())
	cmd.AddCommand(partnerAcceptCmd())
	cmd.AddCommand(partnerUnlinkCmd())
	cmd.AddCommand(partnerWatchCmd())
	return cmd
}

func partnerLinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link [email]",
		Short: "Link with the account registered under email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app.App) error {
				p, err := a.LinkPartner(ctx, args[0])
				if err != nil {
					return err
				}
				if p.Status == model.StatusPending {
					fmt.Printf("Request sent to %s; it is pending until they accept\n", partnerLabel(p.Partner))
					return nil
				}
				fmt.Printf("Linked with %s\n", partnerLabel(p.Partner))
				return nil
			})
		},
	}
}

func partnerShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current partner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app.App) error {
				p, err := a.Partner(ctx)
				if err != nil {
					return err
				}
				if p == nil {
					fmt.Println("No partner linked. Run: longing partner link <email>")
					return nil
				}
				fmt.Printf("Partner:      %s\n", partnerLabel(p.Partner))
				fmt.Printf("Partnership:  %s\n", p.ID)
				if p.AcceptedAt != nil {
					fmt.Printf("Since:        %s\n", p.AcceptedAt.Local().Format(time.DateTime))
				}
				return nil
			})
		},
	}
}

func partnerPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List partnership requests waiting for you",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app.App) error {
				pending, err := a.PendingPartners(ctx)
				if err != nil {
					return err
				}
				if len(pending) == 0 {
					fmt.Println("No pending requests")
					return nil
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tFROM\tREQUESTED")
				for _, p := range pending {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, partnerLabel(p.User1Profile), p.CreatedAt.Local().Format(time.DateTime))
				}
				return tw.Flush()
			})
		},
	}
}

func partnerAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept [partnership-id]",
		Short: "Accept a pending partnership request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app.App) error {
				p, err := a.AcceptPartner(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Accepted partnership %s\n", p.ID)
				return nil
			})
		},
	}
}

func partnerUnlinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlink",
		Short: "Remove the current partnership",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app.App) error {
				if err := a.UnlinkPartner(ctx); err != nil {
					return err
				}
				fmt.Println("Partnership removed")
				return nil
			})
		},
	}
}

func partnerWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print partnership changes as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app.App) error {
				return a.WatchPartner(ctx, func() {
					fmt.Println("Watching your partnership... (Ctrl+C to stop)")
				}, func(p *model.Partnership) {
					stamp := time.Now().Format(time.TimeOnly)
					if p == nil {
						fmt.Printf("%s  no partner linked\n", stamp)
						return
					}
					fmt.Printf("%s  linked with %s\n", stamp, partnerLabel(p.Partner))
				})
			})
		},
	}
}

func partnerLabel(p *model.Profile) string {
	switch {
	case p == nil:
		return "your partner"
	case p.Name != "" && p.Email != "":
		return fmt.Sprintf("%s <%s>", p.Name, p.Email)
	case p.Email != "":
		return p.Email
	default:
		return p.ID
	}
}
