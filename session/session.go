// Package session holds the operator's login state for one browser.
//
// The state lives in an encrypted HTTP-only cookie and is resolved once per
// request by Processor. Handlers read it through FromContext.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mnehpets/flagdeck/backend"
)

var ErrNilSession = errors.New("nil session")

// DefaultPeriod is the default session lifetime.
const DefaultPeriod = 24 * time.Hour

// MaxExtendedPeriod bounds how long a session may live in total,
// even if continually extended.
const MaxExtendedPeriod = 90 * 24 * time.Hour

// DefaultExtendThreshold is the remaining lifetime below which a session is
// extended.
const DefaultExtendThreshold = DefaultPeriod / 4

// DefaultProbeInterval is how long a successful probe is trusted.
const DefaultProbeInterval = time.Minute

// DefaultCookieName is the default name for the session cookie.
const DefaultCookieName = "ffs"

// State is the resolved login state.
type State int

const (
	// Unknown is the state before the processor has resolved the session.
	Unknown State = iota
	Anonymous
	Authenticated
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// data is the sealed cookie payload.
type data struct {
	ID         string             `cbor:"1,keyasint"`
	Username   string             `cbor:"2,keyasint,omitempty"`
	Credential backend.Credential `cbor:"3,keyasint"`
	// Expires is the absolute expiry time for session validity.
	Expires time.Time `cbor:"4,keyasint"`
	// Period is the difference between the creation time and expiry time in
	// seconds. Unlike http.Cookie.MaxAge it is not relative to when the cookie
	// was set.
	Period   int       `cbor:"5,keyasint"`
	ProbedAt time.Time `cbor:"6,keyasint"`
}

// Session is request-scoped login state.
type Session struct {
	state  State
	data   *data
	dirty  bool
	period time.Duration
}

// State returns the resolved state.
func (s *Session) State() State {
	if s == nil {
		return Unknown
	}
	return s.state
}

// Authenticated reports whether the operator is logged in.
func (s *Session) Authenticated() bool {
	return s.State() == Authenticated
}

// Username returns the operator's name, or "" unless Authenticated.
func (s *Session) Username() string {
	if !s.Authenticated() {
		return ""
	}
	return s.data.Username
}

// ID returns the session identifier, or "" when there is no session.
func (s *Session) ID() string {
	if s == nil || s.data == nil {
		return ""
	}
	return s.data.ID
}

// Credential returns the backend credential for outgoing calls. It must never
// be rendered.
func (s *Session) Credential() backend.Credential {
	if s == nil || s.data == nil {
		return backend.Credential{}
	}
	return s.data.Credential
}

// Expires returns the expiry time, or the zero time when there is no session.
func (s *Session) Expires() time.Time {
	if s == nil || s.data == nil {
		return time.Time{}
	}
	return s.data.Expires
}

// Establish replaces the session with a new one holding cred. A fresh ID is
// issued so a pre-login identifier never carries over. The session stays
// unresolved until Login.
func (s *Session) Establish(cred backend.Credential) error {
	if s == nil {
		return ErrNilSession
	}
	if cred.Empty() {
		return errors.New("session: empty credential")
	}
	period := s.period
	if period <= 0 {
		period = DefaultPeriod
	}
	s.data = newData(time.Now(), period)
	s.data.Credential = cred
	s.state = Unknown
	s.dirty = true
	return nil
}

// Login marks the session authenticated as username. It requires a
// credential set by Establish or read from the cookie.
func (s *Session) Login(username string) error {
	if s == nil {
		return ErrNilSession
	}
	if s.data == nil || s.data.Credential.Empty() {
		return errors.New("session: login without credential")
	}
	if username == "" {
		return errors.New("session: empty username")
	}
	s.data.Username = username
	s.data.ProbedAt = time.Now()
	s.state = Authenticated
	s.dirty = true
	return nil
}

// Logout drops the session.
func (s *Session) Logout() {
	s.clear()
}

// Expire drops the session after the backend rejected its credential.
func (s *Session) Expire() {
	s.clear()
}

func (s *Session) clear() {
	if s == nil {
		return
	}
	if s.data != nil || s.state != Anonymous {
		s.dirty = true
	}
	s.data = nil
	s.state = Anonymous
}

func newData(now time.Time, period time.Duration) *data {
	// Truncating moves the creation time backwards, so the start of the valid
	// period is in the past.
	now = now.Truncate(time.Second)
	return &data{
		ID:      uuid.NewString(),
		Expires: now.Add(period),
		Period:  int(period.Seconds()),
	}
}

// validate checks whether the session is valid at now.
//
// If the session is expired, it returns (false, false). If it is valid and
// the remaining lifetime is below extendThreshold, it is extended to
// extendPeriod from now and (true, true) is returned.
func (d *data) validate(now time.Time, extendThreshold, extendPeriod time.Duration) (ok bool, extended bool) {
	if d == nil || d.ID == "" {
		return false, false
	}
	if d.Period <= 0 || d.Period > int(MaxExtendedPeriod.Seconds()) {
		return false, false
	}
	if d.Expires.IsZero() || !now.Before(d.Expires) {
		return false, false
	}
	if extendThreshold <= 0 || extendPeriod <= 0 || extendPeriod < extendThreshold {
		return true, false
	}
	if d.Expires.Sub(now) < extendThreshold {
		before := d.Expires
		d.extendTo(now.Add(extendPeriod))
		return true, d.Expires.After(before)
	}
	return true, false
}

// extendTo moves Expires forward to newExpires, capped at MaxExtendedPeriod
// after issue. Period grows by the same amount.
func (d *data) extendTo(newExpires time.Time) {
	if d == nil || d.Expires.IsZero() {
		return
	}
	newExpires = newExpires.Truncate(time.Second)
	issuedAt := d.Expires.Add(-time.Duration(d.Period) * time.Second)
	if maxExpires := issuedAt.Add(MaxExtendedPeriod); newExpires.After(maxExpires) {
		newExpires = maxExpires
	}
	if !newExpires.After(d.Expires) {
		return
	}
	d.Period += int(newExpires.Sub(d.Expires).Seconds())
	d.Expires = newExpires
}

type contextKey struct{}

// WithSession stores sess in ctx.
func WithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, sess)
}

// FromContext returns the Session stored in ctx, if any.
func FromContext(ctx context.Context) (*Session, bool) {
	sess, ok := ctx.Value(contextKey{}).(*Session)
	if !ok || sess == nil {
		return nil, false
	}
	return sess, true
}
