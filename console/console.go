// Package console serves the HTML pages of flagdeck: the landing page that
// finishes a login, the project and environment listings, and the flag view
// with its edit and add drafts.
//
// Every page is rendered on the server. Draft state lives in a per-browser
// workspace keyed by session ID; the browser only ever holds the session
// cookie.
package console

import (
	"context"
	"errors"
	"html/template"
	"net/http"

	"github.com/mnehpets/flagdeck/auth"
	"github.com/mnehpets/flagdeck/backend"
	"github.com/mnehpets/flagdeck/endpoint"
	"github.com/mnehpets/flagdeck/flags"
	"github.com/mnehpets/flagdeck/session"
	"github.com/mnehpets/flagdeck/workspace"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Backend is the part of the flags backend the console reads and writes.
type Backend interface {
	Projects(ctx context.Context, cred backend.Credential) ([]string, error)
	Envs(ctx context.Context, cred backend.Credential, project string) ([]string, error)
	Flags(ctx context.Context, cred backend.Credential, project, env string) (flags.Map, error)
	UpdateFlags(ctx context.Context, cred backend.Credential, project, env string, m flags.Map) error
	AddFlags(ctx context.Context, cred backend.Credential, project string, m flags.Map) error
}

// Handshake finishes a login on the landing page. *auth.Controller
// implements it.
type Handshake interface {
	Resume(w http.ResponseWriter, r *http.Request, sess *session.Session, params auth.CallbackParams) (string, error)
}

// Console serves the console routes:
//
//	GET  /                        landing, login callback, project list
//	GET  /p/{project}             environments of a project
//	GET  /p/{project}/{env}       flags of an environment
//	POST /p/{project}/{env}/edit  open the edit draft
//	POST /p/{project}/{env}/add   open the add draft
//	POST /p/{project}/{env}/draft apply the form to the open draft, then op
//
// /login and /logout are served by auth.Handler.
type Console struct {
	mux        *http.ServeMux
	handshake  Handshake
	backend    Backend
	workspaces *workspace.Registry
	tmpl       *template.Template
}

// New returns a Console. processors run before each route and must include
// the session processor.
func New(handshake Handshake, be Backend, workspaces *workspace.Registry, processors ...endpoint.Processor) *Console {
	c := &Console{
		mux:        http.NewServeMux(),
		handshake:  handshake,
		backend:    be,
		workspaces: workspaces,
		tmpl:       pages,
	}
	c.mux.Handle("GET /{$}", endpoint.Handler(c.landing, processors...))
	c.mux.Handle("GET /p/{project}", endpoint.Handler(c.envs, processors...))
	c.mux.Handle("GET /p/{project}/{env}", endpoint.Handler(c.view, processors...))
	c.mux.Handle("POST /p/{project}/{env}/edit", endpoint.Handler(c.beginEdit, processors...))
	c.mux.Handle("POST /p/{project}/{env}/add", endpoint.Handler(c.beginAdd, processors...))
	c.mux.Handle("POST /p/{project}/{env}/draft", endpoint.Handler(c.draft, processors...))
	return c
}

func (c *Console) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mux.ServeHTTP(w, r)
}

func (c *Console) render(status int, name string, p *page) endpoint.Renderer {
	return &endpoint.HTMLTemplateRenderer{Status: status, Template: c.tmpl, Name: name, Values: p}
}

// signedIn returns the authenticated session of r. When there is none it
// returns a redirect to the landing page instead.
func signedIn(r *http.Request) (*session.Session, endpoint.Renderer, error) {
	sess, ok := session.FromContext(r.Context())
	if !ok {
		return nil, nil, endpoint.Error(http.StatusInternalServerError, "", session.ErrNilSession)
	}
	if !sess.Authenticated() {
		return nil, &endpoint.RedirectRenderer{URL: "/"}, nil
	}
	return sess, nil, nil
}

// failed turns a backend error into a response. A rejected credential ends
// the session and sends the browser back to the landing page; anything else
// renders the backend's message on p without touching any state.
func (c *Console) failed(r *http.Request, sess *session.Session, err error, name string, p *page) endpoint.Renderer {
	log := zerolog.Ctx(r.Context())
	if backend.IsUnauthorized(err) {
		log.Info().Err(err).Msg("backend rejected session")
		c.workspaces.Drop(sess.ID())
		sess.Expire()
		return &endpoint.RedirectRenderer{URL: "/"}
	}
	log.Warn().Err(err).Msg("backend call failed")
	p.Error = backend.Message(err)
	return c.render(http.StatusBadGateway, name, p)
}

func (c *Console) landing(w http.ResponseWriter, r *http.Request, params auth.CallbackParams) (endpoint.Renderer, error) {
	sess, ok := session.FromContext(r.Context())
	if !ok {
		return nil, endpoint.Error(http.StatusInternalServerError, "", session.ErrNilSession)
	}

	target, err := c.handshake.Resume(w, r, sess, params)
	if err != nil {
		var he *auth.HandshakeError
		if !errors.As(err, &he) {
			return nil, err
		}
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("stage", string(he.Stage)).Msg("login failed")
		return c.render(he.Status(), "login", &page{Title: "Sign in", Error: he.Message()}), nil
	}
	if target != "" {
		return &endpoint.RedirectRenderer{URL: target}, nil
	}
	if !sess.Authenticated() {
		return c.render(http.StatusOK, "login", &page{Title: "Sign in"}), nil
	}

	p := &page{Title: "Projects", Username: sess.Username()}
	projects, err := c.backend.Projects(r.Context(), sess.Credential())
	if err != nil {
		return c.failed(r, sess, err, "projects", p), nil
	}
	p.Projects = projects
	return c.render(http.StatusOK, "projects", p), nil
}

type projectParams struct {
	Project string `path:"project" maxLength:"256"`
}

func (c *Console) envs(w http.ResponseWriter, r *http.Request, params projectParams) (endpoint.Renderer, error) {
	sess, redirect, err := signedIn(r)
	if sess == nil {
		return redirect, err
	}

	p := &page{Title: params.Project, Username: sess.Username(), Project: params.Project}
	cred := sess.Credential()
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() (err error) {
		p.Projects, err = c.backend.Projects(ctx, cred)
		return err
	})
	g.Go(func() (err error) {
		p.Envs, err = c.backend.Envs(ctx, cred, params.Project)
		return err
	})
	if err := g.Wait(); err != nil {
		return c.failed(r, sess, err, "envs", p), nil
	}
	return c.render(http.StatusOK, "envs", p), nil
}
