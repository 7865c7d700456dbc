// Package backend is the remote data access layer. It wraps the hosted
// Supabase project: PostgREST for the profiles, partnerships and touches
// tables, and GoTrue for accounts.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/supabase-community/gotrue-go"
	"github.com/supabase-community/gotrue-go/types"
	"github.com/supabase-community/supabase-go"

	"github.com/chaz8081/longing-touch/internal/apperr"
)

// Table names.
const (
	tableProfiles     = "profiles"
	tablePartnerships = "partnerships"
	tableTouches      = "touches"
)

// PostgREST and Postgres error codes the client maps to kinds.
const (
	codeUniqueViolation = "23505"
	codeNoRows          = "PGRST116"
)

// Client talks to the hosted backend. It is safe for concurrent use.
type Client struct {
	anonKey string

	// mu guards sb: SetAccessToken rewrites the shared request headers.
	mu sync.RWMutex
	sb *supabase.Client

	// auth is captured before any token is set so account calls always
	// start from the anon key.
	auth     gotrue.Client
	validate *validator.Validate
}

// Option configures a Client.
type Option func(*options)

type options struct {
	redirectURL string
}

// WithRedirectURL sets the page that links in sign-up, confirmation and
// password reset emails lead to.
func WithRedirectURL(u string) Option {
	return func(o *options) { o.redirectURL = u }
}

// New creates a client for the project at url using its anon key.
func New(url, anonKey string, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	sb, err := supabase.NewClient(strings.TrimRight(url, "/"), anonKey, nil)
	if err != nil {
		return nil, fmt.Errorf("backend: creating client: %w", err)
	}
	auth := sb.Auth
	if o.redirectURL != "" {
		auth = auth.WithClient(http.Client{
			Timeout:   authTimeout,
			Transport: &redirectTransport{to: o.redirectURL},
		})
	}
	return &Client{
		anonKey:  anonKey,
		sb:       sb,
		auth:     auth,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

const authTimeout = 10 * time.Second

// emailPaths are the GoTrue endpoints that send a link by email.
var emailPaths = []string{"/signup", "/recover", "/otp"}

// redirectTransport adds redirect_to to GoTrue requests that send an
// email. The GoTrue client has no field for it.
type redirectTransport struct {
	to   string
	base http.RoundTripper
}

func (t *redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	for _, p := range emailPaths {
		if strings.HasSuffix(req.URL.Path, p) {
			req = req.Clone(req.Context())
			q := req.URL.Query()
			q.Set("redirect_to", t.to)
			req.URL.RawQuery = q.Encode()
			break
		}
	}
	return base.RoundTrip(req)
}

// SetAccessToken makes subsequent table calls run as the signed-in
// account so row-level security applies. An empty token reverts to the
// anon key.
func (c *Client) SetAccessToken(token string) {
	if token == "" {
		token = c.anonKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sb.UpdateAuthSession(types.Session{AccessToken: token})
}

// Auth returns the account operations of this project.
func (c *Client) Auth() *Auth {
	return &Auth{gt: c.auth}
}

// call runs fn, which blocks on HTTP without a context, so that the
// caller can abandon it when ctx ends. fn runs under the read lock.
func call[T any](ctx context.Context, c *Client, fn func(sb *supabase.Client) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c.mu.RLock()
		defer c.mu.RUnlock()
		v, err := fn(c.sb)
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

// callAuth is call for GoTrue requests, which need no lock.
func callAuth[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

var restErrPattern = regexp.MustCompile(`(?s)^\(([^)]*)\) (.*)$`)

// restCode extracts the error code from a PostgREST error string of the
// form "(code) message".
func restCode(err error) (code, msg string) {
	m := restErrPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return "", err.Error()
	}
	return m[1], m[2]
}

// tableErr tags a PostgREST failure with a kind.
func tableErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if k, ok := transportKind(err); ok {
		return apperr.E(k, op, err)
	}
	code, msg := restCode(err)
	switch code {
	case codeUniqueViolation:
		return apperr.E(apperr.DuplicatePartnership, op, errors.New(msg))
	case codeNoRows:
		return apperr.E(apperr.NotFound, op, errors.New(msg))
	}
	slog.Debug("[Backend] request failed", "op", op, "code", code, "error", msg)
	return apperr.E(apperr.Internal, op, err)
}

// transportKind classifies failures that never produced a response.
func transportKind(err error) (apperr.Kind, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.NetworkUnavailable, true
	}
	if errors.Is(err, context.Canceled) {
		return apperr.Internal, true
	}
	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return apperr.NetworkUnavailable, true
	}
	return 0, false
}

var authErrPattern = regexp.MustCompile(`(?s)^response status code (\d+)(?::\s*(.*))?$`)

// authErr tags a GoTrue failure with a kind. GoTrue reports errors as
// "response status code N: <json body>".
func authErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if k, ok := transportKind(err); ok {
		return apperr.E(k, op, err)
	}
	if errors.Is(err, types.ErrInvalidTokenRequest) {
		return apperr.E(apperr.InvalidCredentials, op, err)
	}

	m := authErrPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return apperr.E(apperr.Internal, op, err)
	}
	status, _ := strconv.Atoi(m[1])
	cause := errors.New(authMessage(m[2], status))

	switch {
	case status == 400 && op == "auth.sign_in", status == 400 && op == "auth.refresh":
		return apperr.E(apperr.InvalidCredentials, op, cause)
	case status == 401 || status == 403:
		return apperr.E(apperr.NotSignedIn, op, cause)
	case status == 400 || status == 422:
		return apperr.E(apperr.InvalidInput, op, cause)
	case status >= 500:
		return apperr.E(apperr.NetworkUnavailable, op, cause)
	default:
		return apperr.E(apperr.Internal, op, cause)
	}
}
