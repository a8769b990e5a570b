package endpoint

import (
	"errors"
	"html/template"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestHandler_ProcessorsRunInOrder(t *testing.T) {
	var order []string
	mk := func(name string) Processor {
		return ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
			order = append(order, name)
			return next(w, r)
		})
	}
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		order = append(order, "endpoint")
		return &StringRenderer{Body: "ok"}, nil
	}, mk("a"), mk("b"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := strings.Join(order, ","); got != "a,b,endpoint" {
		t.Fatalf("order: got %q", got)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("body: got %q", rec.Body.String())
	}
}

func TestHandler_EndpointErrorStatus(t *testing.T) {
	h := HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, Error(http.StatusConflict, "selection changed", errors.New("stale"))
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusConflict {
		t.Fatalf("status: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "selection changed") {
		t.Fatalf("body: got %q", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "stale") {
		t.Fatalf("cause leaked into body: %q", rec.Body.String())
	}
}

func TestHandler_PlainErrorIs500(t *testing.T) {
	h := HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, errors.New("boom")
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d", rec.Code)
	}
}

func TestHandler_NilRendererIs500(t *testing.T) {
	h := HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, nil
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d", rec.Code)
	}
}

func TestError_DoesNotDoubleWrap(t *testing.T) {
	inner := Error(http.StatusBadGateway, "backend", nil)
	outer := Error(http.StatusInternalServerError, "other", inner)
	var ee *EndpointError
	if !errors.As(outer, &ee) || ee.Status != http.StatusBadGateway {
		t.Fatalf("expected inner error to be kept, got %v", outer)
	}
}

func TestDeferRunsBeforeRenderAndOnError(t *testing.T) {
	setCookie := ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		Defer(r.Context(), func(w http.ResponseWriter) {
			http.SetCookie(w, &http.Cookie{Name: "s", Value: "v"})
		})
		return next(w, r)
	})

	ok := HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return &NoContentRenderer{}, nil
	}, setCookie)
	rec := httptest.NewRecorder()
	ok(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(rec.Result().Cookies()) != 1 {
		t.Fatalf("expected cookie on success")
	}

	fail := HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, Error(http.StatusBadRequest, "bad", nil)
	}, setCookie)
	rec = httptest.NewRecorder()
	fail(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(rec.Result().Cookies()) != 1 {
		t.Fatalf("expected cookie on error")
	}
}

func TestRedirectRenderer_DefaultsTo303(t *testing.T) {
	rec := httptest.NewRecorder()
	(&RedirectRenderer{URL: "/p/x"}).Render(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status: got %d", rec.Code)
	}
	if rec.Header().Get("Location") != "/p/x" {
		t.Fatalf("location: got %q", rec.Header().Get("Location"))
	}
}

func TestHTMLTemplateRenderer_ExecError(t *testing.T) {
	tmpl := template.Must(template.New("x").Parse(`{{.Missing.Field}}`))
	rec := httptest.NewRecorder()
	err := (&HTMLTemplateRenderer{Template: tmpl, Values: map[string]int{}}).Render(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if err == nil {
		t.Fatal("expected execution error")
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("nothing should be written on error, got %q", rec.Body.String())
	}
}

type level int

func (l *level) UnmarshalText(b []byte) error {
	switch string(b) {
	case "low":
		*l = 1
	case "high":
		*l = 2
	default:
		return errors.New("bad level")
	}
	return nil
}

func TestUnmarshal_Sources(t *testing.T) {
	type params struct {
		Project string   `path:"project"`
		Code    string   `query:"code"`
		Op      string   `form:"op"`
		Tags    []string `query:"tag"`
		Count   int      `query:"count"`
		On      bool     `form:"on"`
		Level   level    `query:"level"`
		Trace   string   `header:"X-Trace"`
		Theme   string   `cookie:"theme"`
		Over    string   `query:"over" form:"over"`
		Skipped string   `query:"-"`
	}

	form := url.Values{"op": {"save"}, "on": {"on"}, "over": {"form"}}
	r := httptest.NewRequest(http.MethodPost, "/p/alpha?code=abc&tag=a&tag=b&count=3&level=high&over=query&Skipped=x", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.Header.Set("X-Trace", "t1")
	r.AddCookie(&http.Cookie{Name: "theme", Value: "dark"})
	r.SetPathValue("project", "alpha")

	var p params
	if err := Unmarshal(r, &p); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := params{
		Project: "alpha", Code: "abc", Op: "save", Tags: []string{"a", "b"}, Count: 3,
		On: true, Level: 2, Trace: "t1", Theme: "dark", Over: "query",
	}
	if p.Project != want.Project || p.Code != want.Code || p.Op != want.Op || p.Count != want.Count ||
		p.On != want.On || p.Level != want.Level || p.Trace != want.Trace || p.Theme != want.Theme ||
		p.Over != want.Over || p.Skipped != "" || strings.Join(p.Tags, ",") != "a,b" {
		t.Fatalf("got %+v want %+v", p, want)
	}
}

func TestUnmarshal_BadValueIs400(t *testing.T) {
	var p struct {
		Count int `query:"count"`
	}
	err := Unmarshal(httptest.NewRequest(http.MethodGet, "/?count=x", nil), &p)
	var ee *EndpointError
	if !errors.As(err, &ee) || ee.Status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestUnmarshal_MaxLength(t *testing.T) {
	var p struct {
		Code string `query:"code" maxLength:"4"`
	}
	err := Unmarshal(httptest.NewRequest(http.MethodGet, "/?code=12345", nil), &p)
	var ee *EndpointError
	if !errors.As(err, &ee) || ee.Status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}

	var unlimited struct {
		Code string `query:"code" maxLength:"0"`
	}
	long := strings.Repeat("x", defaultFieldLimit+1)
	if err := Unmarshal(httptest.NewRequest(http.MethodGet, "/?code="+long, nil), &unlimited); err != nil {
		t.Fatalf("maxLength 0 should disable limit: %v", err)
	}
}

func TestUnmarshal_NonStructIs500(t *testing.T) {
	var s string
	err := Unmarshal(httptest.NewRequest(http.MethodGet, "/", nil), &s)
	var ee *EndpointError
	if !errors.As(err, &ee) || ee.Status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %v", err)
	}
}
