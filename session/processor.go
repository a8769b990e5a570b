package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mnehpets/flagdeck/backend"
	"github.com/mnehpets/flagdeck/endpoint"
	"github.com/mnehpets/flagdeck/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Prober resolves a backend credential to the owning username.
type Prober interface {
	Probe(ctx context.Context, cred backend.Credential) (string, error)
}

// ProberFunc adapts a function to a Prober.
type ProberFunc func(ctx context.Context, cred backend.Credential) (string, error)

func (f ProberFunc) Probe(ctx context.Context, cred backend.Credential) (string, error) {
	return f(ctx, cred)
}

// Processor is an endpoint processor that loads the session cookie, resolves
// the session state and persists changes before the response is written.
type Processor struct {
	cookie          *middleware.SecureCookie[data]
	prober          Prober
	period          time.Duration
	extendThreshold time.Duration
	probeInterval   time.Duration
	group           singleflight.Group
	now             func() time.Time
}

// Option configures a Processor.
type Option func(*processorConfig)

type processorConfig struct {
	cookieName      string
	cookieOptions   []middleware.CookieOption
	period          time.Duration
	extendThreshold time.Duration
	probeInterval   time.Duration
}

// WithCookieName sets the session cookie name.
func WithCookieName(name string) Option {
	return func(c *processorConfig) { c.cookieName = name }
}

// WithCookieOptions adds options to the session cookie.
func WithCookieOptions(opts ...middleware.CookieOption) Option {
	return func(c *processorConfig) { c.cookieOptions = append(c.cookieOptions, opts...) }
}

// WithPeriod sets the session lifetime.
func WithPeriod(d time.Duration) Option {
	return func(c *processorConfig) { c.period = d }
}

// WithExtendThreshold sets the session extension threshold.
func WithExtendThreshold(d time.Duration) Option {
	return func(c *processorConfig) { c.extendThreshold = d }
}

// WithProbeInterval sets how long a successful probe is trusted. Zero probes
// on every request.
func WithProbeInterval(d time.Duration) Option {
	return func(c *processorConfig) { c.probeInterval = d }
}

// NewProcessor returns a Processor sealing the cookie with keys[keyID].
func NewProcessor(keyID string, keys middleware.Keys, prober Prober, opts ...Option) (*Processor, error) {
	if prober == nil {
		return nil, errors.New("session: nil prober")
	}
	cfg := processorConfig{
		cookieName:      DefaultCookieName,
		period:          DefaultPeriod,
		extendThreshold: DefaultExtendThreshold,
		probeInterval:   DefaultProbeInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.period <= 0 {
		cfg.period = DefaultPeriod
	}
	cookie, err := middleware.NewSecureCookie[data](cfg.cookieName, keyID, keys, cfg.cookieOptions...)
	if err != nil {
		return nil, err
	}
	return &Processor{
		cookie:          cookie,
		prober:          prober,
		period:          cfg.period,
		extendThreshold: cfg.extendThreshold,
		probeInterval:   cfg.probeInterval,
		now:             time.Now,
	}, nil
}

// Process implements endpoint.Processor.
func (p *Processor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	sess := p.load(r)

	endpoint.Defer(r.Context(), func(w http.ResponseWriter) {
		p.persist(r.Context(), w, sess)
	})

	*r = *r.WithContext(WithSession(r.Context(), sess))
	return next(w, r)
}

// load resolves the session for r. It never returns Unknown.
func (p *Processor) load(r *http.Request) *Session {
	log := zerolog.Ctx(r.Context())
	sess := &Session{state: Anonymous, period: p.period}

	d, err := p.cookie.Read(r)
	if errors.Is(err, http.ErrNoCookie) {
		return sess
	}
	if err != nil {
		log.Debug().Err(err).Msg("dropping undecodable session cookie")
		sess.dirty = true
		return sess
	}

	now := p.now()
	ok, extended := d.validate(now, p.extendThreshold, p.period)
	if !ok || d.Credential.Empty() {
		sess.dirty = true
		return sess
	}
	sess.data = &d
	sess.dirty = extended

	if d.Username != "" && p.probeInterval > 0 && now.Sub(d.ProbedAt) < p.probeInterval && !d.ProbedAt.After(now) {
		sess.state = Authenticated
		return sess
	}

	username, err := p.probe(r.Context(), d.ID, d.Credential)
	if err != nil && r.Context().Err() != nil {
		// The request is gone; leave the cookie alone.
		log.Debug().Err(err).Msg("session probe abandoned")
		return &Session{state: Anonymous, period: p.period}
	}
	if err != nil {
		log.Info().Err(err).Msg("session probe failed")
		sess.Expire()
		return sess
	}
	d.Username = username
	d.ProbedAt = now
	sess.data = &d
	sess.state = Authenticated
	sess.dirty = true
	return sess
}

// probe resolves cred, coalescing concurrent probes of the same session.
// The shared call outlives any one caller's request; each caller stops
// waiting when its own ctx is done.
func (p *Processor) probe(ctx context.Context, id string, cred backend.Credential) (string, error) {
	shared := context.WithoutCancel(ctx)
	ch := p.group.DoChan(id, func() (any, error) {
		return p.prober.Probe(shared, cred)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if res.Err != nil {
		return "", res.Err
	}
	username, _ := res.Val.(string)
	if username == "" {
		return "", errors.New("session: probe returned empty username")
	}
	return username, nil
}

func (p *Processor) persist(ctx context.Context, w http.ResponseWriter, sess *Session) {
	if !sess.dirty {
		return
	}
	if sess.data == nil {
		http.SetCookie(w, p.cookie.Clear())
		return
	}
	maxAge := int(time.Until(sess.data.Expires).Seconds())
	if maxAge <= 0 {
		http.SetCookie(w, p.cookie.Clear())
		return
	}
	c, err := p.cookie.Encode(*sess.data, maxAge)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("encode session cookie")
		http.SetCookie(w, p.cookie.Clear())
		return
	}
	http.SetCookie(w, c)
}

var _ endpoint.Processor = (*Processor)(nil)
