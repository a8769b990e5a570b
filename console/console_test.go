package console

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mnehpets/flagdeck/auth"
	"github.com/mnehpets/flagdeck/backend"
	"github.com/mnehpets/flagdeck/endpoint"
	"github.com/mnehpets/flagdeck/flags"
	"github.com/mnehpets/flagdeck/middleware"
	"github.com/mnehpets/flagdeck/session"
	"github.com/mnehpets/flagdeck/workspace"
)

var testKeys = middleware.Keys{"1": make([]byte, middleware.KeySize)}

// fakeBackend is an in-memory flags backend.
type fakeBackend struct {
	mu       sync.Mutex
	projects []string
	envs     map[string][]string
	flags    map[string]flags.Map
	added    map[string]flags.Map
	// err, when set, fails every call.
	err error
	// saveErr, when set, fails UpdateFlags and AddFlags.
	saveErr error
	// gates block Flags of an env until closed.
	gates   map[string]chan struct{}
	entered chan string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		projects: []string{"web", "team/app"},
		envs:     map[string][]string{"web": {"prod", "staging"}, "team/app": {"dev"}},
		flags: map[string]flags.Map{
			"web/prod": {"dark-mode": {
				State:          flags.Enabled,
				DefaultVariant: "off",
				Variants:       map[string]any{"on": true, "off": false},
			}},
			"web/staging": {},
		},
		added:   map[string]flags.Map{},
		gates:   map[string]chan struct{}{},
		entered: make(chan string, 4),
	}
}

func (fb *fakeBackend) failure() error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.err
}

func (fb *fakeBackend) Projects(ctx context.Context, _ backend.Credential) ([]string, error) {
	if err := fb.failure(); err != nil {
		return nil, err
	}
	return fb.projects, nil
}

func (fb *fakeBackend) Envs(ctx context.Context, _ backend.Credential, project string) ([]string, error) {
	if err := fb.failure(); err != nil {
		return nil, err
	}
	return fb.envs[project], nil
}

func (fb *fakeBackend) Flags(ctx context.Context, _ backend.Credential, project, env string) (flags.Map, error) {
	if err := fb.failure(); err != nil {
		return nil, err
	}
	fb.mu.Lock()
	gate := fb.gates[env]
	fb.mu.Unlock()
	if gate != nil {
		fb.entered <- env
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.flags[project+"/"+env].Clone(), nil
}

func (fb *fakeBackend) UpdateFlags(ctx context.Context, _ backend.Credential, project, env string, m flags.Map) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.saveErr != nil {
		return fb.saveErr
	}
	fb.flags[project+"/"+env] = m.Clone()
	return nil
}

func (fb *fakeBackend) AddFlags(ctx context.Context, _ backend.Credential, project string, m flags.Map) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.saveErr != nil {
		return fb.saveErr
	}
	fb.added[project] = m.Clone()
	for _, env := range fb.envs[project] {
		key := project + "/" + env
		if fb.flags[key] == nil {
			fb.flags[key] = flags.Map{}
		}
		for k, f := range m {
			fb.flags[key][k] = f.Clone()
		}
	}
	return nil
}

type handshakeFunc func(w http.ResponseWriter, r *http.Request, sess *session.Session, params auth.CallbackParams) (string, error)

func (f handshakeFunc) Resume(w http.ResponseWriter, r *http.Request, sess *session.Session, params auth.CallbackParams) (string, error) {
	return f(w, r, sess, params)
}

type harness struct {
	backend    *fakeBackend
	workspaces *workspace.Registry
	handshake  handshakeFunc
	handler    http.Handler
	cookie     *http.Cookie
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{backend: newFakeBackend(), workspaces: workspace.NewRegistry(time.Hour)}
	h.handshake = func(http.ResponseWriter, *http.Request, *session.Session, auth.CallbackParams) (string, error) {
		return "", nil
	}
	prober := session.ProberFunc(func(context.Context, backend.Credential) (string, error) { return "ada", nil })
	sessions, err := session.NewProcessor("1", testKeys, prober, session.WithCookieOptions(middleware.WithSecure(false)))
	if err != nil {
		t.Fatal(err)
	}
	hs := handshakeFunc(func(w http.ResponseWriter, r *http.Request, sess *session.Session, p auth.CallbackParams) (string, error) {
		return h.handshake(w, r, sess, p)
	})

	mux := http.NewServeMux()
	mux.Handle("/", New(hs, h.backend, h.workspaces, sessions))
	// Stands in for a completed handshake.
	mux.Handle("GET /test/login", endpoint.Handler(func(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		sess, _ := session.FromContext(r.Context())
		if err := sess.Establish(backend.Credential{AccessToken: "tok"}); err != nil {
			return nil, err
		}
		if err := sess.Login("ada"); err != nil {
			return nil, err
		}
		return &endpoint.NoContentRenderer{}, nil
	}, sessions))
	h.handler = mux
	return h
}

// login makes later requests of h authenticated.
func (h *harness) login(t *testing.T) {
	t.Helper()
	rec := h.do(httptest.NewRequest(http.MethodGet, "/test/login", nil))
	h.cookie = findCookie(rec, session.DefaultCookieName)
	if h.cookie == nil {
		t.Fatal("no session cookie")
	}
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	if h.cookie != nil {
		req.AddCookie(h.cookie)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) get(target string) *httptest.ResponseRecorder {
	return h.do(httptest.NewRequest(http.MethodGet, target, nil))
}

func (h *harness) post(target string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return h.do(req)
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func expectRedirect(t *testing.T, rec *httptest.ResponseRecorder, location string) {
	t.Helper()
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != location {
		t.Fatalf("expected 303 to %q, got %d %q: %s", location, rec.Code, rec.Header().Get("Location"), rec.Body.String())
	}
}

func expectBody(t *testing.T, rec *httptest.ResponseRecorder, status int, fragments ...string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status: got %d want %d: %s", rec.Code, status, rec.Body.String())
	}
	for _, f := range fragments {
		if !strings.Contains(rec.Body.String(), f) {
			t.Fatalf("body missing %q:\n%s", f, rec.Body.String())
		}
	}
}

func TestLanding_AnonymousShowsLogin(t *testing.T) {
	h := newHarness(t)
	rec := h.get("/")
	expectBody(t, rec, http.StatusOK, `href="/login"`)
	if strings.Contains(rec.Body.String(), "Log out") {
		t.Fatal("anonymous page offers logout")
	}
}

func TestLanding_HandshakeFailureShowsMessage(t *testing.T) {
	h := newHarness(t)
	h.handshake = func(http.ResponseWriter, *http.Request, *session.Session, auth.CallbackParams) (string, error) {
		return "", &auth.HandshakeError{Stage: auth.StageExchange, Err: &backend.Error{Op: "exchange", Status: http.StatusBadRequest, Detail: "invalid_grant"}}
	}
	rec := h.get("/?code=bad")
	expectBody(t, rec, http.StatusBadGateway, "Login failed: invalid_grant", `href="/login"`)
}

func TestLanding_RedirectsAfterCallback(t *testing.T) {
	h := newHarness(t)
	var got auth.CallbackParams
	h.handshake = func(_ http.ResponseWriter, _ *http.Request, _ *session.Session, p auth.CallbackParams) (string, error) {
		got = p
		return "/?tab=flags", nil
	}
	expectRedirect(t, h.get("/?code=abc&tab=flags"), "/?tab=flags")
	if got.Code != "abc" {
		t.Fatalf("callback params: %+v", got)
	}
}

func TestLanding_ListsProjects(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	expectBody(t, h.get("/"), http.StatusOK, `href="/p/web"`, `href="/p/team%2Fapp"`, "ada", "Log out")
}

func TestLanding_UnauthorizedEndsSession(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.backend.err = &backend.Error{Op: "projects", Status: http.StatusUnauthorized}
	rec := h.get("/")
	expectRedirect(t, rec, "/")
	if c := findCookie(rec, session.DefaultCookieName); c == nil || c.MaxAge >= 0 {
		t.Fatalf("session cookie not cleared: %+v", c)
	}
}

func TestEnvs_ListsEnvironments(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	expectBody(t, h.get("/p/web"), http.StatusOK, `href="/p/web/prod"`, `href="/p/web/staging"`, "<strong>web</strong>")
	expectBody(t, h.get("/p/team%2Fapp"), http.StatusOK, `href="/p/team%2Fapp/dev"`)
}

func TestEnvs_BackendErrorShowsDetail(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.backend.err = &backend.Error{Op: "envs", Status: http.StatusInternalServerError, Detail: "gitlab unavailable"}
	expectBody(t, h.get("/p/web"), http.StatusBadGateway, "gitlab unavailable")

	h.backend.err = &backend.Error{Op: "envs", Status: http.StatusInternalServerError}
	expectBody(t, h.get("/p/web"), http.StatusBadGateway, "failed to fetch envs")
}

func TestRoutes_RequireLogin(t *testing.T) {
	h := newHarness(t)
	expectRedirect(t, h.get("/p/web"), "/")
	expectRedirect(t, h.get("/p/web/prod"), "/")
	expectRedirect(t, h.post("/p/web/prod/edit", nil), "/")
	expectRedirect(t, h.post("/p/web/prod/draft", url.Values{"op": {"save"}}), "/")
}

func TestFlags_View(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	expectBody(t, h.get("/p/web/prod"), http.StatusOK, "dark-mode", "ENABLED", "Edit flags", "Add flags", `&#34;defaultVariant&#34;: &#34;off&#34;`)
	expectBody(t, h.get("/p/web/staging"), http.StatusOK, "No flags found")
}

func TestFlags_ViewShortensLongValues(t *testing.T) {
	h := newHarness(t)
	long := strings.Repeat("x", 100)
	h.backend.flags["web/staging"]["banner"] = flags.Flag{
		State:          flags.Enabled,
		DefaultVariant: "text",
		Variants:       map[string]any{"text": long},
	}
	h.login(t)
	rec := h.get("/p/web/staging")
	expectBody(t, rec, http.StatusOK, "text="+strings.Repeat("x", 77)+"...", long)
}

func TestFlags_EditAndSave(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.get("/p/web/prod")
	expectRedirect(t, h.post("/p/web/prod/edit", nil), "/p/web/prod")
	expectBody(t, h.get("/p/web/prod"), http.StatusOK, `name="f.0.key" value="dark-mode"`, `name="f.0.v.1.value" value="true"`)

	form := url.Values{
		"op":                 {"save"},
		"f.0.key":            {"dark-mode"},
		"f.0.state":          {"DISABLED"},
		"f.0.defaultVariant": {"on"},
		"f.0.v.0.name":       {"off"},
		"f.0.v.0.value":      {"false"},
		"f.0.v.1.name":       {"on"},
		"f.0.v.1.value":      {"42"},
	}
	expectRedirect(t, h.post("/p/web/prod/draft", form), "/p/web/prod?saved=edit")

	saved := h.backend.flags["web/prod"]["dark-mode"]
	if saved.State != flags.Disabled || saved.DefaultVariant != "on" || saved.Variants["on"] != float64(42) || saved.Variants["off"] != false {
		t.Fatalf("saved: %+v", saved)
	}
	expectBody(t, h.get("/p/web/prod?saved=edit"), http.StatusOK, "Flags updated successfully", "DISABLED")
}

func TestFlags_EditKeepsUntouchedValues(t *testing.T) {
	h := newHarness(t)
	cfg := flags.Flag{
		State:          flags.Enabled,
		DefaultVariant: "blue",
		Variants: map[string]any{
			"blue": map[string]any{"r": float64(0), "b": float64(255)},
			"none": nil,
			"list": []any{"a", float64(1)},
			"text": "42",
		},
	}
	h.backend.flags["web/prod"]["cfg"] = cfg.Clone()
	h.login(t)
	h.get("/p/web/prod")
	expectRedirect(t, h.post("/p/web/prod/edit", nil), "/p/web/prod")
	expectBody(t, h.get("/p/web/prod"), http.StatusOK,
		`name="f.0.key" value="cfg"`,
		`value="{&#34;b&#34;:255,&#34;r&#34;:0}"`,
		`value="null"`,
		`value="&#34;42&#34;"`,
	)

	// The form as rendered, with only dark-mode's state changed.
	form := url.Values{
		"op":                 {"save"},
		"f.0.key":            {"cfg"},
		"f.0.state":          {"ENABLED"},
		"f.0.defaultVariant": {"blue"},
		"f.0.v.0.name":       {"blue"},
		"f.0.v.0.value":      {`{"b":255,"r":0}`},
		"f.0.v.1.name":       {"list"},
		"f.0.v.1.value":      {`["a",1]`},
		"f.0.v.2.name":       {"none"},
		"f.0.v.2.value":      {"null"},
		"f.0.v.3.name":       {"text"},
		"f.0.v.3.value":      {`"42"`},
		"f.1.key":            {"dark-mode"},
		"f.1.state":          {"DISABLED"},
		"f.1.defaultVariant": {"off"},
		"f.1.v.0.name":       {"off"},
		"f.1.v.0.value":      {"false"},
		"f.1.v.1.name":       {"on"},
		"f.1.v.1.value":      {"true"},
	}
	expectRedirect(t, h.post("/p/web/prod/draft", form), "/p/web/prod?saved=edit")

	saved := h.backend.flags["web/prod"]
	if !reflect.DeepEqual(saved["cfg"], cfg) {
		t.Fatalf("untouched flag changed on save: %#v", saved["cfg"])
	}
	if saved["dark-mode"].State != flags.Disabled {
		t.Fatalf("dark-mode: %+v", saved["dark-mode"])
	}
}

func TestFlags_SaveFailureKeepsDraft(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.get("/p/web/prod")
	h.post("/p/web/prod/edit", nil)
	h.backend.saveErr = &backend.Error{Op: "update flags", Status: http.StatusInternalServerError}

	form := url.Values{"op": {"save"}, "f.0.key": {"dark-mode"}, "f.0.defaultVariant": {"missing"}}
	expectBody(t, h.post("/p/web/prod/draft", form), http.StatusBadGateway,
		"failed to update flags", `value="missing"`, `default variant &#34;missing&#34; is not defined`)
	if got := h.backend.flags["web/prod"]["dark-mode"].DefaultVariant; got != "off" {
		t.Fatalf("backend changed: %q", got)
	}

	h.backend.saveErr = nil
	expectRedirect(t, h.post("/p/web/prod/draft", url.Values{"op": {"save"}}), "/p/web/prod?saved=edit")
	if got := h.backend.flags["web/prod"]["dark-mode"].DefaultVariant; got != "missing" {
		t.Fatalf("typed value lost: %q", got)
	}
}

func TestFlags_Cancel(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.get("/p/web/prod")
	h.post("/p/web/prod/edit", nil)
	expectRedirect(t, h.post("/p/web/prod/draft", url.Values{"op": {"cancel"}, "f.0.key": {"dark-mode"}, "f.0.state": {"DISABLED"}}), "/p/web/prod")
	expectBody(t, h.get("/p/web/prod"), http.StatusOK, "Edit flags", "ENABLED")
}

func TestFlags_AddFlow(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.get("/p/web/prod")
	expectRedirect(t, h.post("/p/web/prod/add", nil), "/p/web/prod")
	expectBody(t, h.get("/p/web/prod"), http.StatusOK, `name="f.0.id" value="id-1"`, `value="new-flag-1"`)

	expectRedirect(t, h.post("/p/web/prod/draft", url.Values{
		"op":       {"another"},
		"f.0.id":   {"id-1"},
		"f.0.name": {"beta"},
	}), "/p/web/prod")
	expectBody(t, h.get("/p/web/prod"), http.StatusOK, `value="beta"`, `name="f.1.id" value="id-2"`, `value="new-flag-2"`)

	expectRedirect(t, h.post("/p/web/prod/draft?target=id-2", url.Values{"op": {"variant"}}), "/p/web/prod")
	expectRedirect(t, h.post("/p/web/prod/draft", url.Values{
		"op":       {"save"},
		"f.1.id":   {"id-2"},
		"f.1.name": {"  "},
		"f.0.id":   {"id-1"},
	}), "/p/web/prod?saved=add")

	added := h.backend.added["web"]
	if len(added) != 1 {
		t.Fatalf("added: %+v", added)
	}
	if f, ok := added["beta"]; !ok || f.DefaultVariant != "off" {
		t.Fatalf("beta: %+v", added)
	}
	expectBody(t, h.get("/p/web/prod?saved=add"), http.StatusOK, "New flags added successfully", "beta", "dark-mode")
}

func TestFlags_AddVariantTargetsEntry(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.get("/p/web/prod")
	h.post("/p/web/prod/add", nil)
	expectRedirect(t, h.post("/p/web/prod/draft?target=id-1", url.Values{"op": {"variant"}}), "/p/web/prod")
	expectBody(t, h.get("/p/web/prod"), http.StatusOK, `value="new-variant"`)

	rec := h.post("/p/web/prod/draft?target=bogus", url.Values{"op": {"variant"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad target: %d", rec.Code)
	}
}

func TestDraft_Conflicts(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.get("/p/web/prod")
	h.post("/p/web/prod/edit", nil)
	if rec := h.post("/p/web/prod/add", nil); rec.Code != http.StatusConflict {
		t.Fatalf("add during edit: %d", rec.Code)
	}
	if rec := h.post("/p/web/prod/draft", url.Values{"op": {"another"}}); rec.Code != http.StatusConflict {
		t.Fatalf("another during edit: %d", rec.Code)
	}
	h.post("/p/web/prod/draft", url.Values{"op": {"cancel"}})
	if rec := h.post("/p/web/prod/draft", url.Values{"op": {"save"}}); rec.Code != http.StatusConflict {
		t.Fatalf("save without draft: %d", rec.Code)
	}
	if rec := h.post("/p/web/prod/draft", url.Values{"op": {"explode"}}); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown op: %d", rec.Code)
	}
}

func TestDraft_InvalidInput(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.get("/p/web/prod")
	h.post("/p/web/prod/edit", nil)
	for _, form := range []url.Values{
		{"op": {"save"}, "f.0.key": {"dark-mode"}, "f.0.state": {"MAYBE"}},
		{"op": {"save"}, "f.0.key": {"no-such-flag"}, "f.0.state": {"ENABLED"}},
	} {
		if rec := h.post("/p/web/prod/draft", form); rec.Code != http.StatusBadRequest {
			t.Fatalf("%v: %d", form, rec.Code)
		}
	}
	if got := h.backend.flags["web/prod"]["dark-mode"].State; got != flags.Enabled {
		t.Fatalf("backend changed: %v", got)
	}
}

func TestDraft_NotLoadedReloads(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	expectRedirect(t, h.post("/p/web/prod/edit", nil), "/p/web/prod")
	expectRedirect(t, h.post("/p/web/prod/draft", url.Values{"op": {"cancel"}}), "/p/web/prod")
}

func TestDraft_SwitchingViewDropsDraft(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.get("/p/web/prod")
	h.post("/p/web/prod/edit", nil)
	h.get("/p/web/staging")
	expectBody(t, h.get("/p/web/prod"), http.StatusOK, "Edit flags")
}

func TestDraft_UnauthorizedSaveEndsSession(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.get("/p/web/prod")
	h.post("/p/web/prod/edit", nil)
	h.backend.saveErr = &backend.Error{Op: "update flags", Status: http.StatusUnauthorized}

	rec := h.post("/p/web/prod/draft", url.Values{"op": {"save"}})
	expectRedirect(t, rec, "/")
	if c := findCookie(rec, session.DefaultCookieName); c == nil || c.MaxAge >= 0 {
		t.Fatalf("session cookie not cleared: %+v", c)
	}
	if n := h.workspaces.Len(); n != 0 {
		t.Fatalf("workspace kept: %d", n)
	}
}

func TestFlags_SupersededLoadIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	gate := make(chan struct{})
	h.backend.gates["staging"] = gate

	slow := make(chan *httptest.ResponseRecorder, 1)
	go func() { slow <- h.get("/p/web/staging") }()
	select {
	case <-h.backend.entered:
	case <-time.After(time.Second):
		t.Fatal("slow load never started")
	}

	expectBody(t, h.get("/p/web/prod"), http.StatusOK, "dark-mode")
	close(gate)

	select {
	case rec := <-slow:
		if rec.Code != http.StatusConflict {
			t.Fatalf("superseded load: %d %s", rec.Code, rec.Body.String())
		}
	case <-time.After(time.Second):
		t.Fatal("slow load never finished")
	}
	// The later selection is still the one loaded.
	expectRedirect(t, h.post("/p/web/prod/edit", nil), "/p/web/prod")
	expectBody(t, h.get("/p/web/prod"), http.StatusOK, `name="f.0.key" value="dark-mode"`)
}
