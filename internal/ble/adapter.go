// Package ble is the device abstraction for the Longing bracelet. It scans
// for nearby peripherals, holds at most one connection and writes the
// one-byte touch signal. A simulated adapter stands in when no native
// Bluetooth stack is available.
package ble

import "context"

// Longing bracelet BLE UUIDs
const (
	ServiceUUID   = "12345678-1234-5678-9abc-123456789abc"
	TouchCharUUID = "87654321-4321-8765-cba9-987654321abc"
)

// TouchSignal is the marker byte written to the touch characteristic.
const TouchSignal byte = 0x01

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	ID        string
	Name      string
	RSSI      int // dBm, 0 when unknown
	Connected bool
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports advertisements through onFound until ctx is done.
	// The same device may be reported more than once.
	Scan(ctx context.Context, onFound func(Device)) error
	// Connect establishes a connection to the device with the given ID.
	Connect(ctx context.Context, id string) (Connection, error)
}

// PermissionRequester is implemented by adapters whose platform gates radio
// access behind a user grant.
type PermissionRequester interface {
	RequestPermissions(ctx context.Context) (bool, error)
}
