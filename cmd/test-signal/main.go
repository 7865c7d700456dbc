// Command test-signal is a manual test for the bracelet radio.
// It scans, connects to the first bracelet found (or the one named with
// --device) and writes one touch signal.
//
// Usage:
//
//	go run ./cmd/test-signal [--device ID] [--mode auto|native|simulated] [--count N]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/longing-touch/internal/apperr"
	"github.com/chaz8081/longing-touch/internal/ble"
	"github.com/chaz8081/longing-touch/internal/model"
	"github.com/chaz8081/longing-touch/internal/pairing"
)

func main() {
	deviceID := flag.String("device", "", "device ID to connect (default: first found)")
	mode := flag.String("mode", "native", "radio mode: auto, native or simulated")
	count := flag.Int("count", 1, "number of touch signals to send")
	scanFor := flag.Duration("scan", 10*time.Second, "scan window")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var native ble.Adapter
	if *mode != string(ble.ModeSimulated) {
		native = ble.NewNativeAdapter()
	}
	radio := ble.NewService(native, ble.Options{Mode: ble.Mode(*mode), ScanTimeout: *scanFor})
	wf := pairing.New(radio)
	wf.OnStateChange(func(st pairing.Status) {
		fmt.Printf("state: %s\n", st.State)
	})

	fmt.Printf("Scanning for %s...\n", *scanFor)
	err := wf.Scan(ctx, func(d ble.Device) {
		fmt.Printf("  %s  %s  %d dBm\n", d.ID, d.Name, d.RSSI)
		if *deviceID == "" || d.ID == *deviceID {
			wf.StopScan()
		}
	})
	if err != nil {
		fail(err)
	}

	devices := wf.Devices()
	target := *deviceID
	if target == "" {
		if len(devices) == 0 {
			fail(apperr.E(apperr.DeviceNotFound, "test-signal", nil))
		}
		target = devices[0].ID
	}

	fmt.Printf("Connecting to %s...\n", target)
	if err := wf.Connect(ctx, target); err != nil {
		fail(err)
	}
	defer func() {
		if err := wf.Disconnect(context.Background()); err != nil {
			fmt.Printf("Disconnect: %v\n", err)
		}
	}()

	// Any non-nil partnership passes the partner check.
	p := &model.Partnership{ID: "test-signal", Status: model.StatusAccepted}
	for i := 1; i <= *count; i++ {
		if err := wf.SendTouch(ctx, p); err != nil {
			fmt.Printf("Signal %d failed: %s\n", i, apperr.Message(err))
			return
		}
		fmt.Printf("Signal %d sent\n", i)
		if i < *count {
			time.Sleep(time.Second)
		}
	}

	fmt.Println("\nDone!")
}

func fail(err error) {
	fmt.Printf("Error: %s (%v)\n", apperr.Message(err), err)
	os.Exit(1)
}
