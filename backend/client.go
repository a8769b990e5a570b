// Package backend is the HTTP client for the flags backend: the code
// exchange and session endpoints plus the project, environment and flag
// resources.
//
// The backend authenticates callers with a session cookie it sets during the
// code exchange, optionally alongside a bearer access token. Both are held in
// a Credential which callers treat as opaque and pass back on every call.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mnehpets/flagdeck/flags"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

const (
	opExchange = "exchange"
	opUserInfo = "userinfo"
	opLogout   = "logout"
	opProjects = "projects"
	opEnvs     = "envs"
	opFlags    = "flags"
	opUpdate   = "update flags"
	opAdd      = "add flags"
)

// maxBodyBytes caps how much of any backend reply is read.
const maxBodyBytes = 4 << 20

// DefaultTimeout bounds a single backend call.
const DefaultTimeout = 15 * time.Second

// Cookie is one backend session cookie.
type Cookie struct {
	Name  string `cbor:"1,keyasint"`
	Value string `cbor:"2,keyasint"`
}

// Credential is the backend session of one operator.
type Credential struct {
	Cookies     []Cookie `cbor:"1,keyasint,omitempty"`
	AccessToken string   `cbor:"2,keyasint,omitempty"`
}

// Empty reports whether c carries nothing the backend could recognise.
func (c Credential) Empty() bool {
	return len(c.Cookies) == 0 && c.AccessToken == ""
}

// ExchangeRequest is the body of POST /oauth/callback.
type ExchangeRequest struct {
	Code         string `json:"code"`
	CodeVerifier string `json:"codeVerifier"`
	RedirectURI  string `json:"redirect_uri"`
}

// UserInfo is the reply of GET /userinfo.
type UserInfo struct {
	Username string `json:"username"`
}

// Client talks to one flags backend.
type Client struct {
	base *url.URL
	hc   *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithTimeout sets the per-call timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = d }
}

// New returns a Client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend: base url %q must be http or https", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	c := &Client{base: u, hc: &http.Client{Timeout: DefaultTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(segments ...string) string {
	esc := make([]string, len(segments))
	for i, seg := range segments {
		esc[i] = url.PathEscape(seg)
	}
	return c.base.JoinPath(esc...).String()
}

// httpClient returns the client to use for cred. A bearer token, when
// present, is attached by an oauth2.Transport.
func (c *Client) httpClient(cred Credential) *http.Client {
	if cred.AccessToken == "" {
		return c.hc
	}
	hc := *c.hc
	hc.Transport = &oauth2.Transport{
		Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.AccessToken, TokenType: "Bearer"}),
		Base:   c.hc.Transport,
	}
	return &hc
}

// do sends one request and decodes a 2xx JSON reply into out (if non-nil).
// It returns the response cookies for the exchange call.
func (c *Client) do(ctx context.Context, op, method, target string, cred Credential, in, out any) ([]*http.Cookie, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, &Error{Op: op, Err: err}
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, ck := range cred.Cookies {
		req.AddCookie(&http.Cookie{Name: ck.Name, Value: ck.Value})
	}

	log := zerolog.Ctx(ctx)
	start := time.Now()
	resp, err := c.httpClient(cred).Do(req)
	if err != nil {
		log.Debug().Err(err).Str("op", op).Msg("backend call failed")
		return nil, &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Op: op, Status: resp.StatusCode, Err: err}
	}
	log.Debug().Str("op", op).Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("backend call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Op: op, Status: resp.StatusCode, Detail: parseDetail(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, &Error{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("%w: %v", ErrMalformedReply, err)}
		}
	}
	return resp.Cookies(), nil
}

// Exchange trades an authorization code and its PKCE verifier for a backend
// session. The reply must be a JSON object; its optional access_token and
// any cookies the backend sets become the returned Credential.
func (c *Client) Exchange(ctx context.Context, req ExchangeRequest) (Credential, error) {
	var obj map[string]json.RawMessage
	cookies, err := c.do(ctx, opExchange, http.MethodPost, c.endpoint("oauth", "callback"), Credential{}, req, &obj)
	if err != nil {
		return Credential{}, err
	}
	if obj == nil {
		return Credential{}, &Error{Op: opExchange, Status: http.StatusOK, Err: ErrMalformedReply}
	}
	var token string
	if raw, ok := obj["access_token"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &token); err != nil {
			return Credential{}, &Error{Op: opExchange, Status: http.StatusOK, Err: fmt.Errorf("%w: access_token: %v", ErrMalformedReply, err)}
		}
	}

	cred := Credential{AccessToken: token}
	for _, ck := range cookies {
		if ck.Value == "" || ck.MaxAge < 0 {
			continue
		}
		cred.Cookies = append(cred.Cookies, Cookie{Name: ck.Name, Value: ck.Value})
	}
	if cred.Empty() {
		return Credential{}, &Error{Op: opExchange, Status: http.StatusOK, Err: ErrNoCredential}
	}
	return cred, nil
}

// UserInfo asks the backend who owns cred. An empty username is treated as a
// malformed reply.
func (c *Client) UserInfo(ctx context.Context, cred Credential) (UserInfo, error) {
	var ui UserInfo
	if _, err := c.do(ctx, opUserInfo, http.MethodGet, c.endpoint("userinfo"), cred, nil, &ui); err != nil {
		return UserInfo{}, err
	}
	if ui.Username == "" {
		return UserInfo{}, &Error{Op: opUserInfo, Status: http.StatusOK, Err: fmt.Errorf("%w: empty username", ErrMalformedReply)}
	}
	return ui, nil
}

// Logout asks the backend to end the session.
func (c *Client) Logout(ctx context.Context, cred Credential) error {
	_, err := c.do(ctx, opLogout, http.MethodPost, c.endpoint("logout"), cred, nil, nil)
	return err
}

// Projects lists project identifiers in backend order.
func (c *Client) Projects(ctx context.Context, cred Credential) ([]string, error) {
	var out []string
	if _, err := c.do(ctx, opProjects, http.MethodGet, c.endpoint("projects"), cred, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Envs lists the environments of project in backend order.
func (c *Client) Envs(ctx context.Context, cred Credential, project string) ([]string, error) {
	var out []string
	if _, err := c.do(ctx, opEnvs, http.MethodGet, c.endpoint("projects", project, "envs"), cred, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Flags fetches the canonical flag map of (project, env).
func (c *Client) Flags(ctx context.Context, cred Credential, project, env string) (flags.Map, error) {
	var out flags.Map
	if _, err := c.do(ctx, opFlags, http.MethodGet, c.endpoint("flags", project, env), cred, nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = flags.Map{}
	}
	return out, nil
}

// UpdateFlags replaces the flag map of (project, env).
func (c *Client) UpdateFlags(ctx context.Context, cred Credential, project, env string, m flags.Map) error {
	_, err := c.do(ctx, opUpdate, http.MethodPut, c.endpoint("flags", project, env), cred, m, nil)
	return err
}

// AddFlags creates new flags in project.
func (c *Client) AddFlags(ctx context.Context, cred Credential, project string, m flags.Map) error {
	_, err := c.do(ctx, opAdd, http.MethodPost, c.endpoint("flags", project), cred, m, nil)
	return err
}
