// Package session owns the signed-in identity: sign-up, sign-in, sign-out,
// password flows and restoring a cached session at launch. Changes are
// broadcast to subscribers as SignedIn, TokenRefreshed and SignedOut
// events.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"

	"github.com/chaz8081/longing-touch/internal/apperr"
	"github.com/chaz8081/longing-touch/internal/model"
	"github.com/chaz8081/longing-touch/internal/store"
)

// refreshMargin is how close to expiry a token may get before it is
// refreshed.
const refreshMargin = time.Minute

// MinPasswordLength is the shortest password accepted locally.
const MinPasswordLength = 6

// Event is a change of the signed-in state.
type Event int

const (
	SignedIn Event = iota
	TokenRefreshed
	SignedOut
)

func (e Event) String() string {
	switch e {
	case SignedIn:
		return "signed_in"
	case TokenRefreshed:
		return "token_refreshed"
	case SignedOut:
		return "signed_out"
	default:
		return "unknown"
	}
}

// Listener receives events. sess is nil for SignedOut.
type Listener func(ev Event, sess *model.Session)

// Authenticator is the remote account service.
type Authenticator interface {
	SignUp(ctx context.Context, email, password, name string) (*model.Session, error)
	SignIn(ctx context.Context, email, password string) (*model.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*model.Session, error)
	SignOut(ctx context.Context, accessToken string) error
	RecoverPassword(ctx context.Context, email string) error
	UpdatePassword(ctx context.Context, accessToken, password string) error
	ResendConfirmation(ctx context.Context, email string) error
	CurrentUser(ctx context.Context, accessToken string) (model.Identity, error)
}

// SessionStore persists the session blob between launches. LoadSession
// reports store.ErrNotFound when nothing is cached.
type SessionStore interface {
	SaveSession(ctx context.Context, sess model.Session) error
	LoadSession(ctx context.Context) (model.Session, error)
	ClearSession(ctx context.Context) error
}

// Manager tracks the signed-in session.
type Manager struct {
	auth     Authenticator
	store    SessionStore
	validate *validator.Validate
	now      func() time.Time

	mu        sync.Mutex
	current   *model.Session
	listeners map[int]Listener
	nextID    int
}

// NewManager creates a manager. Call Restore to pick up a cached session.
func NewManager(auth Authenticator, st SessionStore) *Manager {
	return &Manager{
		auth:      auth,
		store:     st,
		validate:  validator.New(),
		now:       time.Now,
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers fn for every event and returns a function that
// removes it.
func (m *Manager) Subscribe(fn Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Current returns a copy of the signed-in session, or nil.
func (m *Manager) Current() *model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	s := *m.current
	return &s
}

// Identity returns the signed-in account or apperr.NotSignedIn.
func (m *Manager) Identity() (model.Identity, error) {
	s := m.Current()
	if s == nil {
		return model.Identity{}, apperr.E(apperr.NotSignedIn, "session.identity", nil)
	}
	return s.User, nil
}

func (m *Manager) emit(ev Event, sess *model.Session) {
	m.mu.Lock()
	fns := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		var cp *model.Session
		if sess != nil {
			s := *sess
			cp = &s
		}
		fn(ev, cp)
	}
}

// adopt makes sess current, caches it and emits ev.
func (m *Manager) adopt(ctx context.Context, sess *model.Session, ev Event) error {
	if err := m.store.SaveSession(ctx, *sess); err != nil {
		// The session is still usable for this run.
		slog.Warn("[Session] caching session failed", "error", err)
	}
	m.mu.Lock()
	s := *sess
	m.current = &s
	m.mu.Unlock()

	slog.Info("[Session] "+ev.String(), "user", sess.User.ID)
	m.emit(ev, sess)
	return nil
}

func (m *Manager) checkEmail(op, email string) (string, error) {
	email = strings.TrimSpace(email)
	if err := m.validate.Var(email, "required,email"); err != nil {
		return "", apperr.E(apperr.InvalidInput, op, fmt.Errorf("invalid email address %q", email))
	}
	return email, nil
}

func checkPassword(op, password string) error {
	if len(password) < MinPasswordLength {
		return apperr.E(apperr.InvalidInput, op, fmt.Errorf("password must be at least %d characters", MinPasswordLength))
	}
	return nil
}

// SignUp registers an account. When the project confirms addresses by
// email no session is returned and the caller must sign in after
// confirming; otherwise the new session becomes current.
func (m *Manager) SignUp(ctx context.Context, email, password, name string) (*model.Session, error) {
	const op = "session.sign_up"

	email, err := m.checkEmail(op, email)
	if err != nil {
		return nil, err
	}
	if err := checkPassword(op, password); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.E(apperr.InvalidInput, op, errors.New("name is required"))
	}

	sess, err := m.auth.SignUp(ctx, email, password, name)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		slog.Info("[Session] sign-up pending email confirmation", "email", email)
		return nil, nil
	}
	if err := m.adopt(ctx, sess, SignedIn); err != nil {
		return nil, err
	}
	return m.Current(), nil
}

// SignIn authenticates with email and password.
func (m *Manager) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	const op = "session.sign_in"

	email, err := m.checkEmail(op, email)
	if err != nil {
		return nil, err
	}
	if password == "" {
		return nil, apperr.E(apperr.InvalidCredentials, op, errors.New("password is required"))
	}

	sess, err := m.auth.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if err := m.adopt(ctx, sess, SignedIn); err != nil {
		return nil, err
	}
	return m.Current(), nil
}

// SignOut ends the session. The local cache is cleared even when the
// backend cannot be reached. Signing out while signed out is a no-op.
func (m *Manager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	cur := m.current
	m.current = nil
	m.mu.Unlock()

	if cur != nil {
		if err := m.auth.SignOut(ctx, cur.AccessToken); err != nil {
			slog.Warn("[Session] remote sign-out failed", "error", err)
		}
	}
	if err := m.store.ClearSession(ctx); err != nil {
		return apperr.E(apperr.Internal, "session.sign_out", err)
	}
	if cur != nil {
		slog.Info("[Session] signed_out", "user", cur.User.ID)
		m.emit(SignedOut, nil)
	}
	return nil
}

// RequestPasswordReset mails a reset link to email.
func (m *Manager) RequestPasswordReset(ctx context.Context, email string) error {
	email, err := m.checkEmail("session.request_password_reset", email)
	if err != nil {
		return err
	}
	return m.auth.RecoverPassword(ctx, email)
}

// ResendConfirmation mails the sign-up confirmation link again.
func (m *Manager) ResendConfirmation(ctx context.Context, email string) error {
	email, err := m.checkEmail("session.resend_confirmation", email)
	if err != nil {
		return err
	}
	return m.auth.ResendConfirmation(ctx, email)
}

// UpdatePassword changes the password of the signed-in account.
func (m *Manager) UpdatePassword(ctx context.Context, password string) error {
	const op = "session.update_password"

	if err := checkPassword(op, password); err != nil {
		return err
	}
	token, err := m.AccessToken(ctx)
	if err != nil {
		return err
	}
	return m.auth.UpdatePassword(ctx, token, password)
}

// AdoptRecovery signs in with the tokens carried by a password reset
// link so that UpdatePassword can finish the reset. The account is
// resolved from the access token; an expired or forged link fails with
// NotSignedIn.
func (m *Manager) AdoptRecovery(ctx context.Context, accessToken, refreshToken string) (*model.Session, error) {
	const op = "session.adopt_recovery"

	accessToken = strings.TrimSpace(accessToken)
	refreshToken = strings.TrimSpace(refreshToken)
	if accessToken == "" {
		return nil, apperr.E(apperr.InvalidInput, op, errors.New("access token is required"))
	}

	user, err := m.auth.CurrentUser(ctx, accessToken)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.InvalidCredentials, apperr.NotSignedIn:
			return nil, apperr.E(apperr.NotSignedIn, op, err)
		}
		return nil, err
	}
	if user.ID == "" {
		return nil, apperr.E(apperr.NotSignedIn, op, errors.New("token names no account"))
	}

	sess := &model.Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         user,
	}
	if exp, ok := tokenExpiry(accessToken); ok {
		sess.ExpiresAt = exp.UTC()
	}
	if err := m.adopt(ctx, sess, SignedIn); err != nil {
		return nil, err
	}
	return m.Current(), nil
}

// Restore re-hydrates the cached session at launch. It returns nil when
// nothing is cached. A token about to expire is refreshed first and
// TokenRefreshed is emitted; otherwise SignedIn is emitted. A refresh
// rejected by the backend clears the cache.
func (m *Manager) Restore(ctx context.Context) (*model.Session, error) {
	const op = "session.restore"

	cached, err := m.store.LoadSession(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.E(apperr.Internal, op, err)
	}

	if !m.needsRefresh(&cached) {
		if err := m.adopt(ctx, &cached, SignedIn); err != nil {
			return nil, err
		}
		return m.Current(), nil
	}

	if err := m.refresh(ctx, cached.RefreshToken); err != nil {
		return nil, err
	}
	return m.Current(), nil
}

// AccessToken returns a token valid for at least refreshMargin,
// refreshing it when needed.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	cur := m.Current()
	if cur == nil {
		return "", apperr.E(apperr.NotSignedIn, "session.access_token", nil)
	}
	if !m.needsRefresh(cur) {
		return cur.AccessToken, nil
	}
	if err := m.refresh(ctx, cur.RefreshToken); err != nil {
		return "", err
	}
	return m.Current().AccessToken, nil
}

func (m *Manager) refresh(ctx context.Context, refreshToken string) error {
	const op = "session.refresh"

	if refreshToken == "" {
		m.drop(ctx)
		return apperr.E(apperr.NotSignedIn, op, errors.New("no refresh token"))
	}
	sess, err := m.auth.Refresh(ctx, refreshToken)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.InvalidCredentials, apperr.NotSignedIn:
			m.drop(ctx)
			return apperr.E(apperr.NotSignedIn, op, err)
		}
		return err
	}
	return m.adopt(ctx, sess, TokenRefreshed)
}

// drop forgets a session the backend no longer accepts.
func (m *Manager) drop(ctx context.Context) {
	m.mu.Lock()
	had := m.current != nil
	m.current = nil
	m.mu.Unlock()

	if err := m.store.ClearSession(ctx); err != nil {
		slog.Warn("[Session] clearing cached session failed", "error", err)
	}
	if had {
		m.emit(SignedOut, nil)
	}
}

// needsRefresh reports whether sess expires within refreshMargin. The
// token's exp claim wins over the stored expiry.
func (m *Manager) needsRefresh(sess *model.Session) bool {
	expires := sess.ExpiresAt
	if exp, ok := tokenExpiry(sess.AccessToken); ok {
		expires = exp
	}
	if expires.IsZero() {
		return false
	}
	return expires.Sub(m.now()) < refreshMargin
}

// tokenExpiry reads the exp claim without verifying the signature; the
// backend verifies tokens, the client only schedules refreshes.
func tokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
