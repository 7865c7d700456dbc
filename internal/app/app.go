// Package app wires the session, partnership, touch and bracelet services
// into the operations the front end calls.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/longing-touch/internal/apperr"
	"github.com/chaz8081/longing-touch/internal/backend"
	"github.com/chaz8081/longing-touch/internal/ble"
	"github.com/chaz8081/longing-touch/internal/config"
	"github.com/chaz8081/longing-touch/internal/model"
	"github.com/chaz8081/longing-touch/internal/pairing"
	"github.com/chaz8081/longing-touch/internal/partner"
	"github.com/chaz8081/longing-touch/internal/realtime"
	"github.com/chaz8081/longing-touch/internal/session"
	"github.com/chaz8081/longing-touch/internal/store"
	"github.com/chaz8081/longing-touch/internal/touch"
)

// TokenSink receives the access token of the signed-in account, or "" on
// sign-out.
type TokenSink interface {
	SetAccessToken(token string)
}

// DeviceStore remembers the last bracelet used.
type DeviceStore interface {
	SaveDevice(ctx context.Context, d store.Device) error
	LastDevice(ctx context.Context) (store.Device, error)
}

// Components are the services an App is assembled from.
type Components struct {
	Session  *session.Manager
	Partners *partner.Service
	Touches  *touch.Service
	Pairing  *pairing.Workflow
	Radio    *ble.Service
	Tokens   TokenSink
	Devices  DeviceStore

	// DefaultIntensity is used by SendTouch when intensity is 0.
	DefaultIntensity int

	// Close releases whatever the components hold open.
	Close func() error
}

// App is the application facade.
type App struct {
	Session  *session.Manager
	Partners *partner.Service
	Touches  *touch.Service
	Pairing  *pairing.Workflow
	Radio    *ble.Service

	tokens           TokenSink
	devices          DeviceStore
	defaultIntensity int
	closeFn          func() error
	unsubscribe      func()
}

// Delivery is the outcome of SendTouch. The touch is always recorded
// remotely; Signalled reports whether the bracelet was also signalled.
type Delivery struct {
	Touch     *model.Touch
	Signalled bool
	SignalErr error
}

// New builds an App from configuration.
func New(cfg *config.Config) (*App, error) {
	if err := cfg.RequireBackend(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, err
	}
	client, err := backend.New(cfg.Backend.URL, cfg.Backend.AnonKey, backend.WithRedirectURL(cfg.Backend.RedirectURL))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	rt, err := realtime.New(cfg.Backend.URL, cfg.Backend.AnonKey)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	mode := ble.Mode(cfg.BLE.Mode)
	var native ble.Adapter
	if mode != ble.ModeSimulated {
		native = ble.NewNativeAdapter()
	}
	radio := ble.NewService(native, ble.Options{
		Mode:           mode,
		ScanTimeout:    cfg.BLE.ScanTimeout,
		ConnectTimeout: cfg.BLE.ConnectTimeout,
		SimulatedDelay: cfg.BLE.SimulatedDelay,
	})

	return Assemble(Components{
		Session:          session.NewManager(client.Auth(), st),
		Partners:         partner.NewService(client, rt, cfg.Partnership.RequireAcceptance),
		Touches:          touch.NewService(client, rt, cfg.Touch.HistoryLimit),
		Pairing:          pairing.New(radio),
		Radio:            radio,
		Tokens:           client,
		Devices:          st,
		DefaultIntensity: cfg.Touch.DefaultIntensity,
		Close:            st.Close,
	}), nil
}

// Assemble builds an App from ready-made components and starts
// forwarding session changes to them.
func Assemble(c Components) *App {
	a := &App{
		Session:          c.Session,
		Partners:         c.Partners,
		Touches:          c.Touches,
		Pairing:          c.Pairing,
		Radio:            c.Radio,
		tokens:           c.Tokens,
		devices:          c.Devices,
		defaultIntensity: c.DefaultIntensity,
		closeFn:          c.Close,
	}
	a.unsubscribe = a.Session.Subscribe(a.onSessionEvent)
	return a
}

func (a *App) onSessionEvent(ev session.Event, sess *model.Session) {
	switch ev {
	case session.SignedIn, session.TokenRefreshed:
		if a.tokens != nil {
			a.tokens.SetAccessToken(sess.AccessToken)
		}
	case session.SignedOut:
		if a.tokens != nil {
			a.tokens.SetAccessToken("")
		}
		a.Partners.Reset()
		a.Touches.Feed().Reset()
	}
}

// Start restores the cached session. It returns nil when nobody is
// signed in.
func (a *App) Start(ctx context.Context) (*model.Session, error) {
	return a.Session.Restore(ctx)
}

// Close disconnects the bracelet and releases local resources.
func (a *App) Close(ctx context.Context) error {
	a.Pairing.StopScan()
	if a.Pairing.IsConnected() {
		if err := a.Pairing.Disconnect(ctx); err != nil {
			slog.Warn("[App] disconnect on close failed", "error", err)
		}
	}
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if a.closeFn != nil {
		return a.closeFn()
	}
	return nil
}

// SignOut disconnects the bracelet, ends the session and clears every
// cache.
func (a *App) SignOut(ctx context.Context) error {
	a.Pairing.StopScan()
	if a.Pairing.IsConnected() {
		if err := a.Pairing.Disconnect(ctx); err != nil {
			slog.Warn("[App] disconnect on sign-out failed", "error", err)
		}
	}
	return a.Session.SignOut(ctx)
}

// Partner returns the accepted partnership of the signed-in account, or
// nil.
func (a *App) Partner(ctx context.Context) (*model.Partnership, error) {
	id, err := a.Session.Identity()
	if err != nil {
		return nil, err
	}
	return a.Partners.Current(ctx, id.ID)
}

// LinkPartner links the signed-in account with the account registered
// with email.
func (a *App) LinkPartner(ctx context.Context, email string) (*model.Partnership, error) {
	id, err := a.Session.Identity()
	if err != nil {
		return nil, err
	}
	return a.Partners.Link(ctx, id, email)
}

// PendingPartners lists partnership requests waiting for the signed-in
// account.
func (a *App) PendingPartners(ctx context.Context) ([]model.Partnership, error) {
	id, err := a.Session.Identity()
	if err != nil {
		return nil, err
	}
	return a.Partners.Pending(ctx, id.ID)
}

// AcceptPartner accepts a pending request.
func (a *App) AcceptPartner(ctx context.Context, partnershipID string) (*model.Partnership, error) {
	id, err := a.Session.Identity()
	if err != nil {
		return nil, err
	}
	return a.Partners.Accept(ctx, id.ID, partnershipID)
}

// UnlinkPartner removes the current partnership.
func (a *App) UnlinkPartner(ctx context.Context) error {
	id, err := a.Session.Identity()
	if err != nil {
		return err
	}
	if err := a.Partners.Unlink(ctx, id.ID); err != nil {
		return err
	}
	a.Touches.Feed().Reset()
	return nil
}

// SendTouch records a touch for the partner and, when a bracelet is
// connected, signals it as well. intensity 0 means the configured default.
// A failed bracelet write does not fail the send; it is reported in the
// Delivery.
func (a *App) SendTouch(ctx context.Context, intensity int, message string) (*Delivery, error) {
	const op = "app.send_touch"

	id, err := a.Session.Identity()
	if err != nil {
		return nil, err
	}
	p, err := a.Partners.Current(ctx, id.ID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperr.E(apperr.NoPartner, op, nil)
	}
	if intensity == 0 {
		intensity = a.defaultIntensity
	}

	t, err := a.Touches.Send(ctx, id.ID, p, intensity, message)
	if err != nil {
		return nil, err
	}

	d := &Delivery{Touch: t}
	if !a.Pairing.IsConnected() {
		slog.Debug("[App] no bracelet connected, touch recorded only", "touch", t.ID)
		return d, nil
	}
	if err := a.Pairing.SendTouch(ctx, p); err != nil {
		slog.Warn("[App] bracelet signal failed", "touch", t.ID, "error", err)
		d.SignalErr = err
		return d, nil
	}
	d.Signalled = true
	return d, nil
}

// History refreshes and returns the touch history of the partnership.
func (a *App) History(ctx context.Context) ([]model.Touch, error) {
	p, err := a.requirePartner(ctx, "app.history")
	if err != nil {
		return nil, err
	}
	return a.Touches.Refresh(ctx, p.ID)
}

// MarkRead marks a received touch read.
func (a *App) MarkRead(ctx context.Context, touchID string) error {
	id, err := a.Session.Identity()
	if err != nil {
		return err
	}
	return a.Touches.MarkRead(ctx, touchID, id.ID)
}

// Watch streams touches inserted into the current partnership until ctx
// ends. The partnership is followed as well: when it is replaced the touch
// subscription moves to the new one, and when the partner unlinks Watch
// returns NoPartner. onJoined runs each time the streams are live.
func (a *App) Watch(ctx context.Context, onJoined func(), onTouch func(model.Touch)) error {
	id, err := a.Session.Identity()
	if err != nil {
		return err
	}
	for {
		p, err := a.requirePartner(ctx, "app.watch")
		if err != nil {
			return err
		}
		token, err := a.Session.AccessToken(ctx)
		if err != nil {
			return err
		}

		wctx, cancel := context.WithCancel(ctx)
		var moved atomic.Bool
		live := joinAll(2, onJoined)

		g, gctx := errgroup.WithContext(wctx)
		g.Go(func() error {
			return a.Partners.Watch(gctx, token, id.ID, live, func(np *model.Partnership) {
				if np == nil || np.ID != p.ID {
					moved.Store(true)
					cancel()
				}
			})
		})
		g.Go(func() error {
			return a.Touches.Watch(gctx, token, p.ID, live, onTouch)
		})
		err = g.Wait()
		cancel()

		switch {
		case ctx.Err() != nil:
			return nil
		case !moved.Load():
			return err
		}
		slog.Info("[App] partnership changed, following", "was", p.ID)
	}
}

// WatchPartner follows the partnerships of the signed-in account until
// ctx ends. onChange receives the accepted partnership after every change,
// nil when there is none.
func (a *App) WatchPartner(ctx context.Context, onJoined func(), onChange func(*model.Partnership)) error {
	id, err := a.Session.Identity()
	if err != nil {
		return err
	}
	token, err := a.Session.AccessToken(ctx)
	if err != nil {
		return err
	}
	return a.Partners.Watch(ctx, token, id.ID, onJoined, onChange)
}

// joinAll returns a function that calls fn on its n-th call.
func joinAll(n int32, fn func()) func() {
	var left atomic.Int32
	left.Store(n)
	return func() {
		if left.Add(-1) == 0 && fn != nil {
			fn()
		}
	}
}

func (a *App) requirePartner(ctx context.Context, op string) (*model.Partnership, error) {
	p, err := a.Partner(ctx)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperr.E(apperr.NoPartner, op, nil)
	}
	return p, nil
}

// ScanDevices runs one discovery cycle.
func (a *App) ScanDevices(ctx context.Context, onFound func(ble.Device)) ([]ble.Device, error) {
	if err := a.Pairing.Scan(ctx, onFound); err != nil {
		return nil, err
	}
	return a.Pairing.Devices(), nil
}

// ConnectDevice connects a device found by the last scan and remembers
// it.
func (a *App) ConnectDevice(ctx context.Context, deviceID string) error {
	if err := a.Pairing.Connect(ctx, deviceID); err != nil {
		return err
	}
	a.remember(ctx)
	return nil
}

// ConnectLast scans for the remembered bracelet and connects it as soon
// as it shows up.
func (a *App) ConnectLast(ctx context.Context) (*ble.Device, error) {
	const op = "app.connect_last"

	if a.devices == nil {
		return nil, apperr.E(apperr.NoDevice, op, nil)
	}
	last, err := a.devices.LastDevice(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.E(apperr.NoDevice, op, errors.New("no bracelet has been connected yet"))
	}
	if err != nil {
		return nil, apperr.E(apperr.Internal, op, err)
	}

	var found atomic.Bool
	err = a.Pairing.Scan(ctx, func(d ble.Device) {
		if d.ID == last.ID {
			found.Store(true)
			a.Pairing.StopScan()
		}
	})
	if err != nil {
		return nil, err
	}
	if !found.Load() {
		return nil, apperr.E(apperr.DeviceNotFound, op, fmt.Errorf("%s (%s) is not in range", last.Name, last.ID))
	}
	if err := a.ConnectDevice(ctx, last.ID); err != nil {
		return nil, err
	}
	return a.Pairing.State().Device, nil
}

func (a *App) remember(ctx context.Context) {
	if a.devices == nil {
		return
	}
	d := a.Pairing.State().Device
	if d == nil {
		return
	}
	if err := a.devices.SaveDevice(ctx, store.Device{ID: d.ID, Name: d.Name}); err != nil {
		slog.Warn("[App] remembering device failed", "error", err)
	}
}
