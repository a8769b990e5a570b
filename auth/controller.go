// Package auth runs the OAuth2 authorization-code handshake with PKCE.
//
// The verifier never leaves the server unencrypted: it is sealed into an
// HTTP-only slot cookie before the browser is sent to the provider, and taken
// back out (exactly once) when the provider redirects with a code. The code is
// redeemed by the flags backend, whose session credential ends up in the
// session cookie.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mnehpets/flagdeck/backend"
	"github.com/mnehpets/flagdeck/middleware"
	"github.com/mnehpets/flagdeck/pkce"
	"github.com/mnehpets/flagdeck/session"
	"github.com/rs/zerolog"
)

// ErrVerifierMissing is returned when a callback arrives without a usable
// verifier slot.
var ErrVerifierMissing = errors.New("code verifier missing")

// Stage names the handshake step that failed.
type Stage string

const (
	StageInitiate Stage = "initiate"
	StageCallback Stage = "callback"
	StageExchange Stage = "exchange"
	StageProbe    Stage = "probe"
)

// HandshakeError is a failed login handshake.
type HandshakeError struct {
	Stage Stage
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("auth: %s: %v", e.Stage, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Status is the HTTP status to answer with.
func (e *HandshakeError) Status() int {
	switch e.Stage {
	case StageExchange, StageProbe:
		return http.StatusBadGateway
	case StageInitiate:
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// Message is the text shown on the login page.
func (e *HandshakeError) Message() string {
	var pe *ProviderError
	switch {
	case errors.Is(e.Err, ErrVerifierMissing):
		return "Login failed: code verifier missing. Please sign in again."
	case errors.As(e.Err, &pe):
		return "Login failed: " + pe.Error()
	case e.Stage == StageInitiate:
		return "Login could not be started. Please try again."
	}
	return "Login failed: " + backend.Message(e.Err)
}

// ProviderError is an error reported by the identity provider on the
// callback.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider error: %s (%s)", e.Code, e.Description)
	}
	return "provider error: " + e.Code
}

// Backend is the part of the flags backend the handshake needs.
type Backend interface {
	Exchange(ctx context.Context, req backend.ExchangeRequest) (backend.Credential, error)
	UserInfo(ctx context.Context, cred backend.Credential) (backend.UserInfo, error)
	Logout(ctx context.Context, cred backend.Credential) error
}

// CallbackParams are the query parameters of a provider callback.
type CallbackParams struct {
	Code      string `query:"code" maxLength:"2048"`
	Error     string `query:"error" maxLength:"256"`
	ErrorDesc string `query:"error_description" maxLength:"1024"`
}

// Present reports whether the request is a provider callback at all.
func (p CallbackParams) Present() bool {
	return p.Code != "" || p.Error != ""
}

// Controller drives the handshake.
type Controller struct {
	provider *Provider
	backend  Backend
	slot     *middleware.SecureCookie[slot]
	ttl      time.Duration
	now      func() time.Time
}

// Option configures a Controller.
type Option func(*controllerConfig)

type controllerConfig struct {
	cookieName    string
	cookieOptions []middleware.CookieOption
	ttl           time.Duration
}

// WithCookieName sets the verifier slot cookie name.
func WithCookieName(name string) Option {
	return func(c *controllerConfig) { c.cookieName = name }
}

// WithCookieOptions configures the verifier slot cookie attributes.
func WithCookieOptions(opts ...middleware.CookieOption) Option {
	return func(c *controllerConfig) { c.cookieOptions = append(c.cookieOptions, opts...) }
}

// WithVerifierTTL sets how long a started login stays redeemable.
func WithVerifierTTL(d time.Duration) Option {
	return func(c *controllerConfig) { c.ttl = d }
}

// NewController returns a Controller sealing the verifier slot with
// keys[keyID].
func NewController(provider *Provider, be Backend, keyID string, keys middleware.Keys, opts ...Option) (*Controller, error) {
	if provider == nil || be == nil {
		return nil, errors.New("auth: provider and backend are required")
	}
	cfg := controllerConfig{cookieName: DefaultCookieName, ttl: DefaultVerifierTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ttl < time.Second {
		cfg.ttl = DefaultVerifierTTL
	}
	c, err := middleware.NewSecureCookie[slot](cfg.cookieName, keyID, keys, cfg.cookieOptions...)
	if err != nil {
		return nil, err
	}
	return &Controller{provider: provider, backend: be, slot: c, ttl: cfg.ttl, now: time.Now}, nil
}

// State reports where r's browser is in the handshake.
func (c *Controller) State(r *http.Request, sess *session.Session) State {
	if sess.Authenticated() {
		return Authenticated
	}
	if s, err := c.slot.Read(r); err == nil && c.now().Before(s.ExpiresAt) {
		return AwaitingCallback
	}
	return Anonymous
}

// Initiate starts a login: it stores a fresh verifier in the slot and returns
// the provider URL to send the browser to. A previous, unfinished login is
// abandoned.
func (c *Controller) Initiate(w http.ResponseWriter, r *http.Request) (string, error) {
	pair, err := pkce.New()
	if err != nil {
		return "", &HandshakeError{Stage: StageInitiate, Err: err}
	}
	cookie, err := c.slot.Encode(slot{
		Verifier:  pair.Verifier.String(),
		ExpiresAt: c.now().Add(c.ttl),
	}, int(c.ttl.Seconds()))
	if err != nil {
		return "", &HandshakeError{Stage: StageInitiate, Err: err}
	}
	http.SetCookie(w, cookie)
	zerolog.Ctx(r.Context()).Debug().Stringer("state", AwaitingCallback).Msg("login initiated")
	return c.provider.AuthCodeURL(pair.Challenge), nil
}

// take reads and clears the verifier slot.
func (c *Controller) take(w http.ResponseWriter, r *http.Request) (pkce.Verifier, error) {
	s, err := c.slot.Read(r)
	if errors.Is(err, http.ErrNoCookie) {
		return "", ErrVerifierMissing
	}
	http.SetCookie(w, c.slot.Clear())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrVerifierMissing, err)
	}
	if !c.now().Before(s.ExpiresAt) {
		return "", fmt.Errorf("%w: slot expired", ErrVerifierMissing)
	}
	v := pkce.Verifier(s.Verifier)
	if !v.Valid() {
		return "", fmt.Errorf("%w: malformed verifier", ErrVerifierMissing)
	}
	return v, nil
}

// Resume completes a login when r is a provider callback. It returns the URL
// to redirect to (r's URL without the code) on success, and "" with a nil
// error when r is not a callback. Any failure leaves sess anonymous.
func (c *Controller) Resume(w http.ResponseWriter, r *http.Request, sess *session.Session, params CallbackParams) (string, error) {
	if !params.Present() {
		return "", nil
	}
	log := zerolog.Ctx(r.Context())

	verifier, slotErr := c.take(w, r)
	if params.Error != "" {
		sess.Logout()
		return "", &HandshakeError{Stage: StageCallback, Err: &ProviderError{Code: params.Error, Description: params.ErrorDesc}}
	}
	if slotErr != nil {
		sess.Logout()
		return "", &HandshakeError{Stage: StageCallback, Err: slotErr}
	}

	log.Debug().Stringer("state", Exchanging).Msg("redeeming authorization code")
	cred, err := c.backend.Exchange(r.Context(), backend.ExchangeRequest{
		Code:         params.Code,
		CodeVerifier: verifier.String(),
		RedirectURI:  c.provider.RedirectURL(),
	})
	if err != nil {
		sess.Logout()
		return "", &HandshakeError{Stage: StageExchange, Err: err}
	}
	if err := sess.Establish(cred); err != nil {
		sess.Logout()
		return "", &HandshakeError{Stage: StageExchange, Err: err}
	}
	username, err := c.Probe(r.Context(), cred)
	if err == nil {
		err = sess.Login(username)
	}
	if err != nil {
		sess.Expire()
		return "", &HandshakeError{Stage: StageProbe, Err: err}
	}
	log.Info().Str("username", username).Msg("login complete")
	return withoutCode(r.URL), nil
}

// Probe resolves cred to its username through the backend.
func (c *Controller) Probe(ctx context.Context, cred backend.Credential) (string, error) {
	if cred.Empty() {
		return "", backend.ErrNoCredential
	}
	ui, err := c.backend.UserInfo(ctx, cred)
	if err != nil {
		return "", err
	}
	return ui.Username, nil
}

// Logout ends the backend session and clears the local one regardless of
// the backend's answer.
func (c *Controller) Logout(ctx context.Context, sess *session.Session) {
	if cred := sess.Credential(); !cred.Empty() {
		if err := c.backend.Logout(ctx, cred); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("backend logout failed")
		}
	}
	sess.Logout()
}

var _ session.Prober = (*Controller)(nil)
