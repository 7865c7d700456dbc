package ble

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DemoDevices are the canned peripherals reported by SimulatedAdapter.
var DemoDevices = []Device{
	{ID: "demo-1", Name: "Longing Demo Bracelet 1", RSSI: -45},
	{ID: "demo-2", Name: "Longing Demo Bracelet 2", RSSI: -67},
}

// SimulatedAdapter stands in for the radio when no native Bluetooth stack
// is present. Every scan reports DemoDevices after Delay; connections and
// writes succeed without I/O.
type SimulatedAdapter struct {
	Delay time.Duration

	mu     sync.Mutex
	writes int
}

// NewSimulatedAdapter creates a simulated adapter that reports its demo
// devices after delay.
func NewSimulatedAdapter(delay time.Duration) *SimulatedAdapter {
	return &SimulatedAdapter{Delay: delay}
}

func (a *SimulatedAdapter) Enable() error { return nil }

func (a *SimulatedAdapter) Scan(ctx context.Context, onFound func(Device)) error {
	timer := time.NewTimer(a.Delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
	}

	slog.Debug("[BLE] simulated scan reporting demo devices", "count", len(DemoDevices))
	for _, d := range DemoDevices {
		onFound(d)
	}

	<-ctx.Done()
	return nil
}

func (a *SimulatedAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &simulatedConnection{adapter: a}, nil
}

// Writes returns how many touch signals were "sent".
func (a *SimulatedAdapter) Writes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writes
}

var _ Adapter = (*SimulatedAdapter)(nil)

type simulatedConnection struct {
	adapter *SimulatedAdapter
}

func (c *simulatedConnection) DiscoverCharacteristic(_, _ string) (Characteristic, error) {
	return simulatedCharacteristic{adapter: c.adapter}, nil
}

func (c *simulatedConnection) Disconnect() error { return nil }

func (c *simulatedConnection) OnDisconnect(func()) {}

type simulatedCharacteristic struct {
	adapter *SimulatedAdapter
}

func (c simulatedCharacteristic) Write([]byte) error {
	c.adapter.mu.Lock()
	c.adapter.writes++
	c.adapter.mu.Unlock()
	return nil
}
