package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/gotrue-go"
	"github.com/supabase-community/gotrue-go/types"

	"github.com/chaz8081/longing-touch/internal/model"
)

// Auth performs account operations against GoTrue.
type Auth struct {
	gt gotrue.Client
}

// SignUp registers an account. The returned session is nil when the
// project requires email confirmation before the first sign-in.
func (a *Auth) SignUp(ctx context.Context, email, password, name string) (*model.Session, error) {
	res, err := callAuth(ctx, func() (*types.SignupResponse, error) {
		return a.gt.Signup(types.SignupRequest{
			Email:    email,
			Password: password,
			Data:     map[string]interface{}{"name": name},
		})
	})
	if err != nil {
		return nil, authErr("auth.sign_up", err)
	}
	if res.Session.AccessToken == "" {
		return nil, nil
	}
	s := toSession(res.Session)
	return &s, nil
}

// SignIn exchanges email and password for a session.
func (a *Auth) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	res, err := callAuth(ctx, func() (*types.TokenResponse, error) {
		return a.gt.SignInWithEmailPassword(email, password)
	})
	if err != nil {
		return nil, authErr("auth.sign_in", err)
	}
	s := toSession(res.Session)
	return &s, nil
}

// Refresh exchanges a refresh token for a new session.
func (a *Auth) Refresh(ctx context.Context, refreshToken string) (*model.Session, error) {
	res, err := callAuth(ctx, func() (*types.TokenResponse, error) {
		return a.gt.RefreshToken(refreshToken)
	})
	if err != nil {
		return nil, authErr("auth.refresh", err)
	}
	s := toSession(res.Session)
	return &s, nil
}

// SignOut revokes the refresh tokens of the account behind accessToken.
func (a *Auth) SignOut(ctx context.Context, accessToken string) error {
	_, err := callAuth(ctx, func() (struct{}, error) {
		return struct{}{}, a.gt.WithToken(accessToken).Logout()
	})
	return authErr("auth.sign_out", err)
}

// RecoverPassword sends a password reset email.
func (a *Auth) RecoverPassword(ctx context.Context, email string) error {
	_, err := callAuth(ctx, func() (struct{}, error) {
		return struct{}{}, a.gt.Recover(types.RecoverRequest{Email: email})
	})
	return authErr("auth.recover", err)
}

// UpdatePassword sets a new password for the account behind accessToken.
func (a *Auth) UpdatePassword(ctx context.Context, accessToken, password string) error {
	_, err := callAuth(ctx, func() (*types.UpdateUserResponse, error) {
		return a.gt.WithToken(accessToken).UpdateUser(types.UpdateUserRequest{Password: &password})
	})
	return authErr("auth.update_password", err)
}

// ResendConfirmation asks GoTrue to mail the sign-up link again. For an
// unconfirmed account the one-time-password endpoint delivers the
// confirmation mail; CreateUser is off so unknown addresses are not
// registered.
func (a *Auth) ResendConfirmation(ctx context.Context, email string) error {
	_, err := callAuth(ctx, func() (struct{}, error) {
		return struct{}{}, a.gt.OTP(types.OTPRequest{Email: email, CreateUser: false})
	})
	return authErr("auth.resend_confirmation", err)
}

// CurrentUser returns the account behind accessToken.
func (a *Auth) CurrentUser(ctx context.Context, accessToken string) (model.Identity, error) {
	res, err := callAuth(ctx, func() (*types.UserResponse, error) {
		return a.gt.WithToken(accessToken).GetUser()
	})
	if err != nil {
		return model.Identity{}, authErr("auth.current_user", err)
	}
	return toIdentity(res.User), nil
}

func toSession(s types.Session) model.Session {
	expires := time.Unix(s.ExpiresAt, 0)
	if s.ExpiresAt == 0 {
		expires = time.Now().Add(time.Duration(s.ExpiresIn) * time.Second)
	}
	return model.Session{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    expires.UTC(),
		User:         toIdentity(s.User),
	}
}

func toIdentity(u types.User) model.Identity {
	id := model.Identity{Email: u.Email}
	if u.ID != uuid.Nil {
		id.ID = u.ID.String()
	}
	if name, ok := u.UserMetadata["name"].(string); ok {
		id.Name = name
	}
	return id
}

// authMessage pulls the human-readable part out of a GoTrue error body.
func authMessage(body string, status int) string {
	var parsed struct {
		Description string `json:"error_description"`
		Msg         string `json:"msg"`
		Message     string `json:"message"`
		Error       string `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err == nil {
		for _, s := range []string{parsed.Description, parsed.Msg, parsed.Message, parsed.Error} {
			if s != "" {
				return s
			}
		}
	}
	if body = strings.TrimSpace(body); body != "" {
		return body
	}
	return fmt.Sprintf("%d %s", status, http.StatusText(status))
}
