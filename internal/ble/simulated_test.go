package ble

import (
	"context"
	"testing"
	"time"
)

func TestSimulatedScanReportsDemoDevices(t *testing.T) {
	a := NewSimulatedAdapter(10 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var found []Device
	if err := a.Scan(ctx, func(d Device) { found = append(found, d) }); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("got %d devices, want 2", len(found))
	}
	if found[0].ID != "demo-1" || found[0].RSSI != -45 {
		t.Errorf("found[0] = %+v", found[0])
	}
	if found[1].ID != "demo-2" || found[1].RSSI != -67 {
		t.Errorf("found[1] = %+v", found[1])
	}
}

func TestSimulatedScanCancelledBeforeDelay(t *testing.T) {
	a := NewSimulatedAdapter(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	if err := a.Scan(ctx, func(Device) { called = true }); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if called {
		t.Error("onFound called after cancellation")
	}
}

func TestSimulatedServiceEndToEnd(t *testing.T) {
	svc := NewService(nil, testOptions(ModeSimulated))
	ctx := context.Background()

	found := collectScan(t, svc)
	if len(found) != 2 {
		t.Fatalf("got %d devices, want 2", len(found))
	}
	if err := svc.Connect(ctx, found[0]); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := svc.SendSignal(ctx); err != nil {
		t.Fatalf("SendSignal() error = %v", err)
	}
	if err := svc.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if svc.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}
}

func TestSimulatedWritesCounted(t *testing.T) {
	a := NewSimulatedAdapter(0)
	conn, err := a.Connect(context.Background(), "demo-1")
	if err != nil {
		t.Fatal(err)
	}
	char, err := conn.DiscoverCharacteristic(ServiceUUID, TouchCharUUID)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := char.Write([]byte{TouchSignal}); err != nil {
			t.Fatal(err)
		}
	}
	if got := a.Writes(); got != 3 {
		t.Errorf("Writes() = %d, want 3", got)
	}
}
