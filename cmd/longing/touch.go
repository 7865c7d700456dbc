package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/longing-touch/internal/app"
	"github.com/chaz8081/longing-touch/internal/apperr"
	"github.com/chaz8081/longing-touch/internal/model"
)

func touchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "touch",
		Short: "Send, list and watch touches",
	}
	cmd.AddCommand(touchSendCmd())
	cmd.AddCommand(touchHistoryCmd())
	cmd.AddCommand(touchReadCmd())
	cmd.AddCommand(touchWatchCmd())
	return cmd
}

func touchSendCmd() *cobra.Command {
	var message string
	var bracelet bool
	cmd := &cobra.Command{
		Use:   "send [intensity]",
		Short: "Send a touch (intensity 1-5, default from config)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			intensity := 0
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return apperr.E(apperr.InvalidInput, "touch.send", fmt.Errorf("intensity %q is not a number", args[0]))
				}
				if n < model.MinIntensity || n > model.MaxIntensity {
					return fmt.Errorf("intensity must be between %d and %d", model.MinIntensity, model.MaxIntensity)
				}
				intensity = n
			}
			return run(func(ctx context.Context, a *app.App) error {
				if bracelet {
					d, err := a.ConnectLast(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("Connected %s\n", d.Name)
				}
				delivery, err := a.SendTouch(ctx, intensity, message)
				if err != nil {
					return err
				}
				fmt.Printf("Touch sent (intensity %d)\n", delivery.Touch.Intensity)
				switch {
				case delivery.Signalled:
					fmt.Println("Bracelet signalled")
				case delivery.SignalErr != nil:
					fmt.Printf("Bracelet not signalled: %s\n", apperr.Message(delivery.SignalErr))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "optional message")
	cmd.Flags().BoolVar(&bracelet, "bracelet", false, "also signal the remembered bracelet")
	return cmd
}

func touchHistoryCmd() *cobra.Command {
	var unread, jsonOutput bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent touches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app.App) error {
				touches, err := a.History(ctx)
				if err != nil {
					return err
				}
				id, err := a.Session.Identity()
				if err != nil {
					return err
				}
				if unread {
					touches = a.Touches.Feed().Unread(id.ID)
				}
				if jsonOutput {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(touches)
				}
				printTouches(touches, id.ID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unread, "unread", false, "only unread touches sent to you")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func touchReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read [touch-id]",
		Short: "Mark a received touch as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app.App) error {
				if err := a.MarkRead(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("Marked as read")
				return nil
			})
		},
	}
}

func touchWatchCmd() *cobra.Command {
	var autoRead bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print touches from your partner as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app.App) error {
				id, err := a.Session.Identity()
				if err != nil {
					return err
				}
				return a.Watch(ctx, func() {
					fmt.Println("Watching for touches... (Ctrl+C to stop)")
				}, func(t model.Touch) {
					if t.SenderID == id.ID {
						return
					}
					fmt.Printf("%s  touch  %s  %s\n", t.SentAt.Local().Format(time.TimeOnly), intensityBar(t.Intensity), t.Message)
					if autoRead {
						if err := a.MarkRead(ctx, t.ID); err != nil {
							fmt.Fprintf(os.Stderr, "Error: %s\n", describe(err))
						}
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&autoRead, "mark-read", false, "mark each touch read as it arrives")
	return cmd
}

func printTouches(touches []model.Touch, self string) {
	if len(touches) == 0 {
		fmt.Println("No touches yet")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWHEN\tDIR\tINTENSITY\tREAD\tMESSAGE")
	for _, t := range touches {
		dir := "in"
		if t.SenderID == self {
			dir = "out"
		}
		read := ""
		if t.IsRead {
			read = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", t.ID, t.SentAt.Local().Format(time.DateTime), dir, intensityBar(t.Intensity), read, t.Message)
	}
	_ = tw.Flush()
}

func intensityBar(n int) string {
	if n < 0 {
		n = 0
	}
	if n > model.MaxIntensity {
		n = model.MaxIntensity
	}
	return strings.Repeat("●", n) + strings.Repeat("○", model.MaxIntensity-n)
}
