// Package pairing drives bracelet discovery, connection and touch signalling
// for the front end. It keeps the discovery list for the current scan cycle
// and a small connection state machine on top of a ble.Service.
package pairing

import (
	"context"
	"log/slog"
	"sync"

	"github.com/chaz8081/longing-touch/internal/apperr"
	"github.com/chaz8081/longing-touch/internal/ble"
	"github.com/chaz8081/longing-touch/internal/model"
)

// State is the connection state shown to the user.
type State int

const (
	Idle State = iota
	Initializing
	Scanning
	Connected
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initializing:
		return "initializing"
	case Scanning:
		return "scanning"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Status is a State plus what it carries: the device when Connected, the
// reason when Error.
type Status struct {
	State  State
	Device *ble.Device
	Err    error
}

// Radio is the subset of *ble.Service the workflow uses.
type Radio interface {
	EnsureReady(ctx context.Context) error
	Scan(ctx context.Context, onFound func(ble.Device)) error
	StopScan()
	Connect(ctx context.Context, device ble.Device) error
	Disconnect(ctx context.Context) error
	SendSignal(ctx context.Context) error
	IsConnected() bool
	ConnectedDevice() *ble.Device
	OnDisconnect(cb func(ble.Device))
}

var _ Radio = (*ble.Service)(nil)

// Workflow mediates between the front end and the radio.
type Workflow struct {
	radio Radio

	mu       sync.Mutex
	devices  []ble.Device
	index    map[string]int
	status   Status
	listener func(Status)
}

// New creates a workflow over radio.
func New(radio Radio) *Workflow {
	w := &Workflow{
		radio: radio,
		index: make(map[string]int),
	}
	radio.OnDisconnect(w.handleDrop)
	return w
}

// OnStateChange registers fn to receive every state transition.
func (w *Workflow) OnStateChange(fn func(Status)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listener = fn
}

// State returns the current status.
func (w *Workflow) State() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Devices returns the discovery list of the current cycle in the order the
// devices were first seen.
func (w *Workflow) Devices() []ble.Device {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]ble.Device(nil), w.devices...)
}

func (w *Workflow) setStatus(st Status) {
	w.mu.Lock()
	w.status = st
	fn := w.listener
	w.mu.Unlock()

	if st.Err != nil {
		slog.Debug("[Pairing] state", "state", st.State, "error", st.Err)
	} else {
		slog.Debug("[Pairing] state", "state", st.State)
	}
	if fn != nil {
		fn(st)
	}
}

// settled is the state to return to when no operation is running.
func (w *Workflow) settled() Status {
	if d := w.radio.ConnectedDevice(); d != nil {
		return Status{State: Connected, Device: d}
	}
	return Status{State: Idle}
}

// Scan starts a new discovery cycle. The previous list is discarded; each
// newly seen device is appended and passed to onFound (which may be nil).
// Scan blocks until the scan window ends or StopScan is called.
func (w *Workflow) Scan(ctx context.Context, onFound func(ble.Device)) error {
	w.mu.Lock()
	w.devices = nil
	w.index = make(map[string]int)
	w.mu.Unlock()

	w.setStatus(Status{State: Initializing})
	if err := w.radio.EnsureReady(ctx); err != nil {
		w.setStatus(Status{State: Error, Err: err})
		return err
	}

	w.setStatus(Status{State: Scanning})
	err := w.radio.Scan(ctx, func(d ble.Device) {
		w.mu.Lock()
		if _, ok := w.index[d.ID]; ok {
			w.mu.Unlock()
			return
		}
		if cur := w.radio.ConnectedDevice(); cur != nil && cur.ID == d.ID {
			d.Connected = true
		}
		w.index[d.ID] = len(w.devices)
		w.devices = append(w.devices, d)
		w.mu.Unlock()

		if onFound != nil {
			onFound(d)
		}
	})
	if err != nil {
		w.setStatus(Status{State: Error, Err: err})
		return err
	}

	w.setStatus(w.settled())
	return nil
}

// StopScan ends the running scan, if any.
func (w *Workflow) StopScan() {
	w.radio.StopScan()
}

// Connect connects to a device from the current discovery list. A
// different device that is already connected is disconnected first.
func (w *Workflow) Connect(ctx context.Context, deviceID string) error {
	w.mu.Lock()
	i, ok := w.index[deviceID]
	var device ble.Device
	if ok {
		device = w.devices[i]
	}
	w.mu.Unlock()

	if !ok {
		return apperr.E(apperr.DeviceNotFound, "pairing.connect", nil)
	}

	if cur := w.radio.ConnectedDevice(); cur != nil {
		if cur.ID == deviceID {
			return nil
		}
		if err := w.radio.Disconnect(ctx); err != nil {
			slog.Warn("[Pairing] disconnecting previous device failed", "id", cur.ID, "error", err)
		}
		w.markConnected(cur.ID, false)
	}

	w.radio.StopScan()
	if err := w.radio.Connect(ctx, device); err != nil {
		w.setStatus(Status{State: Error, Err: err})
		return err
	}

	w.markConnected(deviceID, true)
	w.setStatus(w.settled())
	return nil
}

// Disconnect severs the current connection.
func (w *Workflow) Disconnect(ctx context.Context) error {
	cur := w.radio.ConnectedDevice()
	err := w.radio.Disconnect(ctx)
	if apperr.Is(err, apperr.Busy) {
		return err
	}
	if cur != nil {
		w.markConnected(cur.ID, false)
	}
	w.setStatus(Status{State: Idle})
	return err
}

// SendTouch signals the connected bracelet on behalf of partnership. The
// partnership is checked before the device.
func (w *Workflow) SendTouch(ctx context.Context, partnership *model.Partnership) error {
	if partnership == nil {
		return apperr.E(apperr.NoPartner, "pairing.send_touch", nil)
	}
	if !w.radio.IsConnected() {
		return apperr.E(apperr.NoDevice, "pairing.send_touch", nil)
	}
	return w.radio.SendSignal(ctx)
}

// IsConnected reports whether a bracelet is connected.
func (w *Workflow) IsConnected() bool {
	return w.radio.IsConnected()
}

func (w *Workflow) markConnected(id string, connected bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if i, ok := w.index[id]; ok {
		w.devices[i].Connected = connected
	}
}

func (w *Workflow) handleDrop(d ble.Device) {
	w.markConnected(d.ID, false)
	w.setStatus(Status{State: Idle})
}
