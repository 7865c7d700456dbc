package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chaz8081/longing-touch/internal/app"
	"github.com/chaz8081/longing-touch/internal/ble"
)

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Find and remember bracelets",
	}
	cmd.AddCommand(devicesScanCmd())
	cmd.AddCommand(devicesConnectCmd())
	return cmd
}

func devicesScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "List nearby bracelets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app.App) error {
				fmt.Println("Scanning... (Ctrl+C to stop)")
				devices, err := a.ScanDevices(ctx, func(d ble.Device) {
					fmt.Printf("  found %s  %s\n", d.ID, d.Name)
				})
				if err != nil {
					return err
				}
				if !a.Radio.IsRunningNative() {
					fmt.Println("No Bluetooth radio available; showing simulated bracelets.")
				}
				printDevices(devices)
				return nil
			})
		},
	}
}

func devicesConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect [device-id]",
		Short: "Connect a bracelet once and remember it for touch send --bracelet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app.App) error {
				if _, err := a.ScanDevices(ctx, nil); err != nil {
					return err
				}
				if err := a.ConnectDevice(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Connected %s; it will be used by touch send --bracelet\n", args[0])
				return nil
			})
		},
	}
}

func printDevices(devices []ble.Device) {
	if len(devices) == 0 {
		fmt.Println("No bracelets found")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tRSSI")
	for _, d := range devices {
		rssi := "-"
		if d.RSSI != 0 {
			rssi = fmt.Sprintf("%d dBm", d.RSSI)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.ID, d.Name, rssi)
	}
	_ = tw.Flush()
}
