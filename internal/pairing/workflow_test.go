package pairing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/longing-touch/internal/apperr"
	"github.com/chaz8081/longing-touch/internal/ble"
	"github.com/chaz8081/longing-touch/internal/model"
)

// fakeRadio is a scripted Radio.
type fakeRadio struct {
	mu          sync.Mutex
	scanResults []ble.Device
	readyErr    error
	scanErr     error
	connectErr  error
	connected   *ble.Device
	signals     int
	disconnects int
	stops       int
	onDrop      func(ble.Device)
}

func (r *fakeRadio) EnsureReady(context.Context) error { return r.readyErr }

func (r *fakeRadio) Scan(_ context.Context, onFound func(ble.Device)) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	for _, d := range r.scanResults {
		onFound(d)
	}
	return nil
}

func (r *fakeRadio) StopScan() {
	r.mu.Lock()
	r.stops++
	r.mu.Unlock()
}

func (r *fakeRadio) Connect(_ context.Context, d ble.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connectErr != nil {
		return apperr.E(apperr.ConnectFailed, "fake.connect", r.connectErr)
	}
	d.Connected = true
	r.connected = &d
	return nil
}

func (r *fakeRadio) Disconnect(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connected != nil {
		r.disconnects++
	}
	r.connected = nil
	return nil
}

func (r *fakeRadio) SendSignal(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connected == nil {
		return apperr.E(apperr.NoDevice, "fake.send_signal", nil)
	}
	r.signals++
	return nil
}

func (r *fakeRadio) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected != nil
}

func (r *fakeRadio) ConnectedDevice() *ble.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connected == nil {
		return nil
	}
	d := *r.connected
	return &d
}

func (r *fakeRadio) OnDisconnect(cb func(ble.Device)) { r.onDrop = cb }

func (r *fakeRadio) drop() {
	r.mu.Lock()
	d := *r.connected
	r.connected = nil
	r.mu.Unlock()
	r.onDrop(d)
}

var testPartnership = &model.Partnership{ID: "p1", User1ID: "a", User2ID: "b", Status: model.StatusAccepted}

func TestScanDeduplicatesPerCycle(t *testing.T) {
	radio := &fakeRadio{scanResults: []ble.Device{
		{ID: "x", Name: "One"},
		{ID: "y", Name: "Two"},
		{ID: "x", Name: "One again"},
	}}
	w := New(radio)

	var reported []string
	if err := w.Scan(context.Background(), func(d ble.Device) { reported = append(reported, d.ID) }); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(reported) != 2 || reported[0] != "x" || reported[1] != "y" {
		t.Fatalf("reported = %v, want [x y]", reported)
	}
	devices := w.Devices()
	if len(devices) != 2 || devices[0].Name != "One" {
		t.Fatalf("Devices() = %+v", devices)
	}

	// A new cycle starts from an empty list.
	radio.scanResults = []ble.Device{{ID: "z"}}
	if err := w.Scan(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if devices := w.Devices(); len(devices) != 1 || devices[0].ID != "z" {
		t.Fatalf("Devices() after rescan = %+v", devices)
	}
}

func TestScanStateTransitions(t *testing.T) {
	radio := &fakeRadio{scanResults: []ble.Device{{ID: "x"}}}
	w := New(radio)

	var states []State
	w.OnStateChange(func(s Status) { states = append(states, s.State) })

	if err := w.Scan(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	want := []State{Initializing, Scanning, Idle}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %v, want %v", i, states[i], want[i])
		}
	}
}

func TestScanErrors(t *testing.T) {
	tests := []struct {
		name     string
		readyErr error
		scanErr  error
		wantKind apperr.Kind
	}{
		{
			name:     "permission denied",
			readyErr: apperr.E(apperr.PermissionDenied, "ble.ensure_ready", nil),
			wantKind: apperr.PermissionDenied,
		},
		{
			name:     "radio failure",
			scanErr:  apperr.E(apperr.RadioUnavailable, "ble.scan", errors.New("powered off")),
			wantKind: apperr.RadioUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := New(&fakeRadio{readyErr: tt.readyErr, scanErr: tt.scanErr})
			err := w.Scan(context.Background(), nil)
			if !apperr.Is(err, tt.wantKind) {
				t.Fatalf("Scan() error = %v, want %v", err, tt.wantKind)
			}
			st := w.State()
			if st.State != Error || st.Err == nil {
				t.Errorf("State() = %+v, want Error with reason", st)
			}
		})
	}
}

func TestConnectUnknownDevice(t *testing.T) {
	w := New(&fakeRadio{})
	err := w.Connect(context.Background(), "nope")
	if !apperr.Is(err, apperr.DeviceNotFound) {
		t.Fatalf("Connect() error = %v, want DeviceNotFound", err)
	}
}

func TestConnectThenDisconnect(t *testing.T) {
	radio := &fakeRadio{scanResults: []ble.Device{{ID: "x", Name: "One"}}}
	w := New(radio)
	ctx := context.Background()

	if err := w.Scan(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Connect(ctx, "x"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	st := w.State()
	if st.State != Connected || st.Device == nil || st.Device.ID != "x" {
		t.Fatalf("State() = %+v, want Connected(x)", st)
	}
	if !w.Devices()[0].Connected {
		t.Error("device not marked connected in list")
	}

	if err := w.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if w.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}
	if w.State().State != Idle {
		t.Errorf("State() = %v, want Idle", w.State().State)
	}
	if w.Devices()[0].Connected {
		t.Error("device still marked connected")
	}
}

func TestConnectSwitchesDevice(t *testing.T) {
	radio := &fakeRadio{scanResults: []ble.Device{{ID: "x"}, {ID: "y"}}}
	w := New(radio)
	ctx := context.Background()

	if err := w.Scan(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Connect(ctx, "x"); err != nil {
		t.Fatal(err)
	}
	if err := w.Connect(ctx, "y"); err != nil {
		t.Fatalf("Connect(y) error = %v", err)
	}
	if radio.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", radio.disconnects)
	}
	if d := radio.ConnectedDevice(); d == nil || d.ID != "y" {
		t.Errorf("connected = %+v, want y", d)
	}
	devices := w.Devices()
	if devices[0].Connected || !devices[1].Connected {
		t.Errorf("Devices() = %+v", devices)
	}
}

func TestConnectFailureSetsError(t *testing.T) {
	radio := &fakeRadio{scanResults: []ble.Device{{ID: "x"}}, connectErr: errors.New("timeout")}
	w := New(radio)
	ctx := context.Background()

	if err := w.Scan(ctx, nil); err != nil {
		t.Fatal(err)
	}
	err := w.Connect(ctx, "x")
	if !apperr.Is(err, apperr.ConnectFailed) {
		t.Fatalf("Connect() error = %v, want ConnectFailed", err)
	}
	if st := w.State(); st.State != Error {
		t.Errorf("State() = %v, want Error", st.State)
	}
}

func TestSendTouchGating(t *testing.T) {
	tests := []struct {
		name        string
		partnership *model.Partnership
		connect     bool
		wantKind    apperr.Kind
		wantSignals int
	}{
		{name: "no partner and no device", partnership: nil, connect: false, wantKind: apperr.NoPartner},
		{name: "no partner with device", partnership: nil, connect: true, wantKind: apperr.NoPartner},
		{name: "partner without device", partnership: testPartnership, connect: false, wantKind: apperr.NoDevice},
		{name: "partner and device", partnership: testPartnership, connect: true, wantSignals: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			radio := &fakeRadio{scanResults: []ble.Device{{ID: "x"}}}
			w := New(radio)
			ctx := context.Background()
			if tt.connect {
				if err := w.Scan(ctx, nil); err != nil {
					t.Fatal(err)
				}
				if err := w.Connect(ctx, "x"); err != nil {
					t.Fatal(err)
				}
			}

			err := w.SendTouch(ctx, tt.partnership)
			if tt.wantSignals == 0 {
				if !apperr.Is(err, tt.wantKind) {
					t.Fatalf("SendTouch() error = %v, want %v", err, tt.wantKind)
				}
			} else if err != nil {
				t.Fatalf("SendTouch() error = %v", err)
			}
			if radio.signals != tt.wantSignals {
				t.Errorf("signals = %d, want %d", radio.signals, tt.wantSignals)
			}
		})
	}
}

func TestPeripheralDropReturnsToIdle(t *testing.T) {
	radio := &fakeRadio{scanResults: []ble.Device{{ID: "x"}}}
	w := New(radio)
	ctx := context.Background()
	if err := w.Scan(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Connect(ctx, "x"); err != nil {
		t.Fatal(err)
	}

	radio.drop()
	if st := w.State(); st.State != Idle {
		t.Errorf("State() = %v, want Idle", st.State)
	}
	if w.Devices()[0].Connected {
		t.Error("device still marked connected after drop")
	}
}

func TestWorkflowWithSimulatedRadio(t *testing.T) {
	svc := ble.NewService(nil, ble.Options{
		Mode:        ble.ModeSimulated,
		ScanTimeout: 50 * time.Millisecond,
	})
	w := New(svc)
	ctx := context.Background()

	if err := w.Scan(ctx, nil); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	devices := w.Devices()
	if len(devices) != 2 || devices[0].ID != "demo-1" || devices[1].ID != "demo-2" {
		t.Fatalf("Devices() = %+v, want demo-1, demo-2", devices)
	}
	if err := w.Connect(ctx, "demo-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := w.SendTouch(ctx, testPartnership); err != nil {
		t.Fatalf("SendTouch() error = %v", err)
	}
	if err := w.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	if w.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}
}

func TestStateString(t *testing.T) {
	if Scanning.String() != "scanning" || State(42).String() != "unknown" {
		t.Error("unexpected State.String output")
	}
}
