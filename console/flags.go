package console

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/mnehpets/flagdeck/endpoint"
	"github.com/mnehpets/flagdeck/flags"
	"github.com/mnehpets/flagdeck/session"
	"github.com/mnehpets/flagdeck/workspace"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Draft operations accepted by the draft route.
const (
	opSave    = "save"
	opCancel  = "cancel"
	opAnother = "another"
	opVariant = "variant"
)

// Notices shown after a successful save, selected by the saved query
// parameter.
var notices = map[string]string{
	"edit": "Flags updated successfully",
	"add":  "New flags added successfully",
}

type viewParams struct {
	Project string `path:"project" maxLength:"256"`
	Env     string `path:"env" maxLength:"256"`
	Saved   string `query:"saved" maxLength:"16"`
}

func (p viewParams) selection() workspace.Selection {
	return workspace.Selection{Project: p.Project, Env: p.Env}
}

func viewURL(sel workspace.Selection) string {
	return "/p/" + url.PathEscape(sel.Project) + "/" + url.PathEscape(sel.Env)
}

func (c *Console) view(w http.ResponseWriter, r *http.Request, params viewParams) (endpoint.Renderer, error) {
	sess, redirect, err := signedIn(r)
	if sess == nil {
		return redirect, err
	}
	ws := c.workspaces.Get(sess.ID())
	ticket := ws.Select(params.Project, params.Env)

	p := &page{Title: params.Project + " / " + params.Env, Username: sess.Username(), Project: params.Project, Env: params.Env}
	var canonical flags.Map
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
	g.Go(func() (err error) {
		canonical, err = c.backend.Flags(ctx, cred, params.Project, params.Env)
		return err
	})
	if err := g.Wait(); err != nil {
		return c.failed(r, sess, err, "flags", p), nil
	}

	_, err = ws.Deliver(ticket, canonical)
	if err == nil {
		err = ws.With(ticket.Selection, func(ed *flags.Editor) error {
			p.fill(ed)
			return nil
		})
	}
	if errors.Is(err, workspace.ErrStale) || errors.Is(err, workspace.ErrNotLoaded) {
		zerolog.Ctx(r.Context()).Debug().Str("project", params.Project).Str("env", params.Env).Msg("discarding superseded load")
		return nil, endpoint.Error(http.StatusConflict, "Selection changed while loading.", err)
	}
	if err != nil {
		return nil, err
	}
	p.Notice = notices[params.Saved]
	return c.render(http.StatusOK, "flags", p), nil
}

func (c *Console) beginEdit(w http.ResponseWriter, r *http.Request, params viewParams) (endpoint.Renderer, error) {
	return c.begin(r, params, func(ed *flags.Editor) error {
		_, err := ed.BeginEdit()
		return err
	})
}

func (c *Console) beginAdd(w http.ResponseWriter, r *http.Request, params viewParams) (endpoint.Renderer, error) {
	return c.begin(r, params, func(ed *flags.Editor) error {
		_, err := ed.BeginAdd()
		return err
	})
}

func (c *Console) begin(r *http.Request, params viewParams, open func(*flags.Editor) error) (endpoint.Renderer, error) {
	sess, redirect, err := signedIn(r)
	if sess == nil {
		return redirect, err
	}
	sel := params.selection()
	err = c.workspaces.Get(sess.ID()).With(sel, open)
	switch {
	case errors.Is(err, flags.ErrDraftOpen):
		return nil, endpoint.Error(http.StatusConflict, "Another draft is already open. Save or cancel it first.", err)
	case err != nil && !errors.Is(err, workspace.ErrNotLoaded):
		return nil, err
	}
	// A view that is not loaded is loaded by following the redirect.
	return &endpoint.RedirectRenderer{URL: viewURL(sel)}, nil
}

type draftParams struct {
	viewParams
	Op     string `form:"op" maxLength:"16"`
	Target string `query:"target" maxLength:"32"`
}

func (c *Console) draft(w http.ResponseWriter, r *http.Request, params draftParams) (endpoint.Renderer, error) {
	sess, redirect, err := signedIn(r)
	if sess == nil {
		return redirect, err
	}
	sel := params.selection()
	switch params.Op {
	case opSave, opCancel, opAnother, opVariant:
	default:
		return nil, endpoint.Error(http.StatusBadRequest, "unknown draft operation", nil)
	}

	p := &page{Title: sel.Project + " / " + sel.Env, Username: sess.Username(), Project: sel.Project, Env: sel.Env}
	var saveErr error
	target := viewURL(sel)
	err = c.workspaces.Get(sess.ID()).With(sel, func(ed *flags.Editor) error {
		if params.Op == opCancel {
			ed.Cancel()
			return nil
		}
		if err := applyForm(ed, r.PostForm); err != nil {
			return err
		}
		switch params.Op {
		case opAnother:
			d, ok := ed.AddDraft()
			if !ok {
				return flags.ErrNoDraft
			}
			d.AddAnother()
		case opVariant:
			d, ok := ed.AddDraft()
			if !ok {
				return flags.ErrNoDraft
			}
			id, err := flags.ParseDraftID(params.Target)
			if err != nil {
				return err
			}
			return d.AddVariant(id)
		case opSave:
			mode := ed.Mode()
			if mode == flags.ModeView {
				return flags.ErrNoDraft
			}
			saveErr = c.save(r, sess, sel, ed)
			if saveErr != nil {
				p.fill(ed)
				return nil
			}
			target += "?saved=" + mode.String()
		}
		return nil
	})
	switch {
	case errors.Is(err, workspace.ErrNotLoaded):
		return &endpoint.RedirectRenderer{URL: target}, nil
	case errors.Is(err, flags.ErrNoDraft):
		return nil, endpoint.Error(http.StatusConflict, "No draft is open.", err)
	case err != nil:
		return nil, endpoint.Error(http.StatusBadRequest, "Invalid draft input.", err)
	}
	if saveErr != nil {
		return c.failed(r, sess, saveErr, "flags", p), nil
	}
	return &endpoint.RedirectRenderer{URL: target}, nil
}

// save commits the open draft through the backend. On failure the editor is
// unchanged.
func (c *Console) save(r *http.Request, sess *session.Session, sel workspace.Selection, ed *flags.Editor) error {
	ctx := r.Context()
	cred := sess.Credential()
	log := zerolog.Ctx(ctx).With().Str("project", sel.Project).Str("env", sel.Env).Logger()
	switch ed.Mode() {
	case flags.ModeEdit:
		return ed.SaveEdit(func(m flags.Map) error {
			if err := c.backend.UpdateFlags(ctx, cred, sel.Project, sel.Env, m); err != nil {
				return err
			}
			log.Info().Int("flags", len(m)).Msg("flags updated")
			return nil
		})
	case flags.ModeAdd:
		return ed.SaveAdd(func(m flags.Map) error {
			if err := c.backend.AddFlags(ctx, cred, sel.Project, m); err != nil {
				return err
			}
			log.Info().Int("flags", len(m)).Msg("flags added")
			return nil
		})
	}
	return flags.ErrNoDraft
}
