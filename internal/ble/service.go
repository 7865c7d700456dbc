package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/longing-touch/internal/apperr"
)

// Mode selects the adapter variant.
type Mode string

const (
	ModeAuto      Mode = "auto"      // native when a radio is present, else simulated
	ModeNative    Mode = "native"    // native only; fails without a radio
	ModeSimulated Mode = "simulated" // never touch the radio
)

// ErrAlreadyConnected is wrapped by Connect when a different device holds
// the connection slot. Callers must Disconnect first.
var ErrAlreadyConnected = errors.New("ble: another device is already connected")

// Options configures the Service behavior.
type Options struct {
	Mode           Mode
	ScanTimeout    time.Duration // scan window (default 10s)
	ConnectTimeout time.Duration // per connect attempt (default 15s)
	SimulatedDelay time.Duration // delay before demo devices appear (default 1s)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Mode:           ModeAuto,
		ScanTimeout:    10 * time.Second,
		ConnectTimeout: 15 * time.Second,
		SimulatedDelay: time.Second,
	}
}

// Service owns the single connection slot to a bracelet. Connect,
// Disconnect and SendSignal are serialized with a busy flag: a call made
// while another is in flight fails with apperr.Busy instead of queueing.
type Service struct {
	native Adapter // may be nil when the platform has no stack
	opts   Options

	mu          sync.Mutex
	adapter     Adapter
	isNative    bool
	initialized bool
	permitted   bool
	conn        Connection
	touchChar   Characteristic
	device      *Device
	onDrop      func(Device)

	busy atomic.Bool

	scanMu   sync.Mutex
	scanGen  uint64
	stopScan func()
}

// NewService creates the device abstraction. native is the platform
// adapter and may be nil; it is only enabled by Initialize.
func NewService(native Adapter, opts Options) *Service {
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = 10 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.SimulatedDelay < 0 {
		opts.SimulatedDelay = time.Second
	}
	return &Service{native: native, opts: opts}
}

// Initialize selects the adapter variant once. In ModeAuto a missing or
// failing native radio is not an error: the Service runs simulated.
func (s *Service) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return apperr.E(apperr.Internal, "ble.initialize", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}

	switch s.opts.Mode {
	case ModeSimulated:
		s.useSimulated()
	case ModeNative:
		if s.native == nil {
			return apperr.E(apperr.RadioUnavailable, "ble.initialize", errors.New("no native adapter"))
		}
		if err := s.native.Enable(); err != nil {
			return apperr.E(apperr.RadioUnavailable, "ble.initialize", err)
		}
		s.adapter, s.isNative = s.native, true
	default:
		if s.native == nil {
			slog.Info("[BLE] no native stack, running with simulated devices")
			s.useSimulated()
			break
		}
		if err := s.native.Enable(); err != nil {
			slog.Info("[BLE] native radio unavailable, running with simulated devices", "error", err)
			s.useSimulated()
			break
		}
		s.adapter, s.isNative = s.native, true
	}

	s.initialized = true
	slog.Info("[BLE] initialized", "native", s.isNative)
	return nil
}

// useSimulated installs the simulated adapter (caller must hold mu).
func (s *Service) useSimulated() {
	s.adapter = NewSimulatedAdapter(s.opts.SimulatedDelay)
	s.isNative = false
}

// RequestPermissions reports whether radio access is granted. Simulated
// mode has no permission system and always reports true.
func (s *Service) RequestPermissions(ctx context.Context) (bool, error) {
	if err := s.Initialize(ctx); err != nil {
		return false, err
	}

	s.mu.Lock()
	adapter, native, permitted := s.adapter, s.isNative, s.permitted
	s.mu.Unlock()

	if permitted {
		return true, nil
	}
	granted := true
	if pr, ok := adapter.(PermissionRequester); ok && native {
		var err error
		granted, err = pr.RequestPermissions(ctx)
		if err != nil {
			return false, apperr.E(apperr.PermissionDenied, "ble.request_permissions", err)
		}
	}

	s.mu.Lock()
	s.permitted = granted
	s.mu.Unlock()
	return granted, nil
}

// EnsureReady initializes the radio and checks permissions. It is
// idempotent and runs before every radio operation.
func (s *Service) EnsureReady(ctx context.Context) error {
	granted, err := s.RequestPermissions(ctx)
	if err != nil {
		return err
	}
	if !granted {
		return apperr.E(apperr.PermissionDenied, "ble.ensure_ready", nil)
	}
	return nil
}

// Scan discovers nearby devices for the scan window, invoking onFound once
// per device ID. It blocks until the window ends, ctx is cancelled or
// StopScan is called; run it in a goroutine for incremental results.
// Starting a scan stops any scan already running.
func (s *Service) Scan(ctx context.Context, onFound func(Device)) error {
	if err := s.EnsureReady(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	adapter := s.adapter
	s.mu.Unlock()

	scanCtx, cancel := context.WithTimeout(ctx, s.opts.ScanTimeout)
	defer cancel()

	var stopped atomic.Bool
	stop := func() {
		stopped.Store(true)
		cancel()
	}
	s.scanMu.Lock()
	if s.stopScan != nil {
		s.stopScan()
	}
	s.scanGen++
	gen := s.scanGen
	s.stopScan = stop
	s.scanMu.Unlock()

	defer func() {
		stopped.Store(true)
		s.scanMu.Lock()
		// A newer scan may have replaced us.
		if s.scanGen == gen {
			s.stopScan = nil
		}
		s.scanMu.Unlock()
	}()

	var mu sync.Mutex
	seen := make(map[string]bool)

	slog.Info("[BLE] scanning", "timeout", s.opts.ScanTimeout)
	err := adapter.Scan(scanCtx, func(d Device) {
		// Results that arrive after a stop are dropped; the radio may still
		// be winding down.
		if stopped.Load() || d.ID == "" {
			return
		}
		mu.Lock()
		if seen[d.ID] {
			mu.Unlock()
			return
		}
		seen[d.ID] = true
		mu.Unlock()

		if d.Name == "" {
			d.Name = fallbackName(d.ID)
		}
		d.Connected = false
		slog.Debug("[BLE] device found", "id", d.ID, "name", d.Name, "rssi", d.RSSI)
		onFound(d)
	})
	if err != nil && scanCtx.Err() == nil {
		return apperr.E(apperr.RadioUnavailable, "ble.scan", err)
	}
	if err := ctx.Err(); err != nil {
		return apperr.E(apperr.Internal, "ble.scan", err)
	}
	slog.Info("[BLE] scan finished", "found", len(seen))
	return nil
}

// StopScan ends a running scan early. It is safe to call at any time and
// more than once.
func (s *Service) StopScan() {
	s.scanMu.Lock()
	stop := s.stopScan
	s.stopScan = nil
	s.scanMu.Unlock()
	if stop != nil {
		stop()
		slog.Info("[BLE] scan stopped")
	}
}

// fallbackName synthesizes a display name from the trailing characters of
// a device ID.
func fallbackName(id string) string {
	if len(id) > 4 {
		id = id[len(id)-4:]
	}
	return "Device " + id
}

// acquire takes the busy flag or reports apperr.Busy.
func (s *Service) acquire(op string) error {
	if !s.busy.CompareAndSwap(false, true) {
		return apperr.E(apperr.Busy, op, nil)
	}
	return nil
}

func (s *Service) release() { s.busy.Store(false) }

// Connect establishes the connection to device. Connecting to the device
// that is already connected is a no-op. Connecting while a different
// device is connected fails with ErrAlreadyConnected and leaves that
// connection untouched. A failed attempt is not retried.
func (s *Service) Connect(ctx context.Context, device Device) error {
	if err := s.EnsureReady(ctx); err != nil {
		return err
	}
	if err := s.acquire("ble.connect"); err != nil {
		return err
	}
	defer s.release()

	s.mu.Lock()
	adapter, current := s.adapter, s.device
	s.mu.Unlock()

	if current != nil {
		if current.ID == device.ID {
			return nil
		}
		return apperr.E(apperr.ConnectFailed, "ble.connect", ErrAlreadyConnected)
	}

	cctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	conn, err := adapter.Connect(cctx, device.ID)
	if err != nil {
		return apperr.E(apperr.ConnectFailed, "ble.connect", err)
	}

	touchChar, err := conn.DiscoverCharacteristic(ServiceUUID, TouchCharUUID)
	if err != nil {
		_ = conn.Disconnect()
		return apperr.E(apperr.ConnectFailed, "ble.connect", fmt.Errorf("discover touch characteristic: %w", err))
	}

	connected := device
	connected.Connected = true

	s.mu.Lock()
	s.conn = conn
	s.touchChar = touchChar
	s.device = &connected
	s.mu.Unlock()

	conn.OnDisconnect(func() { s.handleDrop(conn) })

	slog.Info("[BLE] connected", "id", device.ID, "name", device.Name)
	return nil
}

// handleDrop clears the slot after a peripheral-initiated disconnect.
func (s *Service) handleDrop(conn Connection) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	dropped := *s.device
	dropped.Connected = false
	s.conn, s.touchChar, s.device = nil, nil, nil
	cb := s.onDrop
	s.mu.Unlock()

	slog.Warn("[BLE] device disconnected", "id", dropped.ID)
	if cb != nil {
		cb(dropped)
	}
}

// OnDisconnect registers a callback for peripheral-initiated disconnects.
func (s *Service) OnDisconnect(cb func(Device)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDrop = cb
}

// Disconnect severs the current connection. It is a no-op when nothing is
// connected. The slot is cleared even if the radio reports an error.
func (s *Service) Disconnect(ctx context.Context) error {
	if err := s.acquire("ble.disconnect"); err != nil {
		return err
	}
	defer s.release()

	s.mu.Lock()
	conn, device := s.conn, s.device
	s.conn, s.touchChar, s.device = nil, nil, nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Disconnect(); err != nil {
		slog.Warn("[BLE] disconnect reported an error", "id", device.ID, "error", err)
		return apperr.E(apperr.ConnectFailed, "ble.disconnect", err)
	}
	slog.Info("[BLE] disconnected", "id", device.ID)
	return nil
}

// SendSignal writes the touch marker to the connected device. In simulated
// mode no I/O is performed.
func (s *Service) SendSignal(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return apperr.E(apperr.WriteFailed, "ble.send_signal", err)
	}
	if err := s.acquire("ble.send_signal"); err != nil {
		return err
	}
	defer s.release()

	s.mu.Lock()
	touchChar, device := s.touchChar, s.device
	s.mu.Unlock()

	if touchChar == nil {
		return apperr.E(apperr.NoDevice, "ble.send_signal", nil)
	}
	if err := touchChar.Write([]byte{TouchSignal}); err != nil {
		return apperr.E(apperr.WriteFailed, "ble.send_signal", err)
	}
	slog.Info("[BLE] touch signal sent", "id", device.ID)
	return nil
}

// IsConnected reports whether a device holds the connection slot.
func (s *Service) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device != nil
}

// ConnectedDevice returns a copy of the connected device, or nil.
func (s *Service) ConnectedDevice() *Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return nil
	}
	d := *s.device
	return &d
}

// IsRunningNative reports whether the native radio was selected.
func (s *Service) IsRunningNative() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isNative
}
