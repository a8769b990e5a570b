package console

import (
	"encoding/json"
	"html/template"
	"net/url"

	"github.com/Masterminds/sprig/v3"
	"github.com/mnehpets/flagdeck/flags"
)

// page is the data of every console template.
type page struct {
	Title    string
	Username string
	Error    string
	Notice   string

	Projects []string
	Project  string
	Envs     []string
	Env      string

	// Mode is view, edit or add.
	Mode     string
	JSON     string
	Flags    []flagView
	Problems []flags.Problem
}

type flagView struct {
	// Ident is the flag key in view and edit mode, the draft ID in add mode.
	Ident          string
	Name           string
	State          string
	DefaultVariant string
	Variants       []variantView
}

type variantView struct {
	Name  string
	Value string
	Type  string
}

func newFlagView(ident, name string, f flags.Flag) flagView {
	v := flagView{Ident: ident, Name: name, State: string(f.State), DefaultVariant: f.DefaultVariant}
	for _, n := range f.VariantNames() {
		val := f.Variants[n]
		v.Variants = append(v.Variants, variantView{Name: n, Value: FormatScalar(val), Type: scalarType(val)})
	}
	return v
}

// fill copies the state of ed into p. It must run under the workspace lock.
func (p *page) fill(ed *flags.Editor) {
	canonical := ed.Canonical()
	p.Mode = ed.Mode().String()
	p.Flags = nil
	switch ed.Mode() {
	case flags.ModeEdit:
		d, _ := ed.EditDraft()
		m := d.Flags()
		for _, k := range m.Keys() {
			p.Flags = append(p.Flags, newFlagView(k, k, m[k]))
		}
		p.Problems = flags.Validate(m)
	case flags.ModeAdd:
		d, _ := ed.AddDraft()
		for _, e := range d.Entries() {
			p.Flags = append(p.Flags, newFlagView(e.ID.String(), e.Name, e.Flag))
		}
		p.Problems = flags.ValidateAdd(d, canonical)
	default:
		for _, k := range canonical.Keys() {
			p.Flags = append(p.Flags, newFlagView(k, k, canonical[k]))
		}
		p.Problems = flags.Validate(canonical)
	}
	if b, err := json.MarshalIndent(canonical, "", "  "); err == nil {
		p.JSON = string(b)
	}
}

var funcs = template.FuncMap{
	"seg":          url.PathEscape,
	"entryField":   entryField,
	"variantField": variantField,
}

const layout = `
{{define "head"}}<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.Title | default "Console"}} · flagdeck</title></head>
<body>
<header>
<h1><a href="/">flagdeck</a></h1>
{{if .Username}}<form method="post" action="/logout"><span>{{.Username}}</span> <button type="submit">Log out</button></form>{{end}}
</header>
{{if .Error}}<p role="alert" class="error">{{.Error}}</p>{{end}}
{{if .Notice}}<p role="status" class="notice">{{.Notice}}</p>{{end}}
<main>
{{end}}

{{define "foot"}}</main>
</body>
</html>
{{end}}

{{define "projectList"}}<nav>
<h2>Projects</h2>
<ul>{{range .Projects}}
<li>{{if eq . $.Project}}<strong>{{.}}</strong>{{else}}<a href="/p/{{seg .}}">{{.}}</a>{{end}}</li>{{else}}
<li>No projects</li>{{end}}
</ul>
</nav>
{{end}}

{{define "envList"}}<nav>
<h3>Environments for {{.Project}}</h3>
<ul>{{range .Envs}}
<li>{{if eq . $.Env}}<strong>{{.}}</strong>{{else}}<a href="/p/{{seg $.Project}}/{{seg .}}">{{.}}</a>{{end}}</li>{{else}}
<li>No environments</li>{{end}}
</ul>
</nav>
{{end}}
`

const loginPage = `
{{define "login"}}{{template "head" .}}
<h2>Sign in</h2>
<p><a href="/login">Sign in with your identity provider</a></p>
{{template "foot" .}}{{end}}
`

const listPages = `
{{define "projects"}}{{template "head" .}}
{{template "projectList" .}}
{{template "foot" .}}{{end}}

{{define "envs"}}{{template "head" .}}
{{template "projectList" .}}
{{template "envList" .}}
{{template "foot" .}}{{end}}
`

const flagsPage = `
{{define "problems"}}{{if .}}<ul class="warnings">{{range .}}
<li>{{.Key}}: {{.Message}}</li>{{end}}
</ul>{{end}}{{end}}

{{define "variants"}}{{$i := .Index}}{{range $j, $v := .Flag.Variants}}
<div>
<input type="hidden" name="{{variantField $i $j "name"}}" value="{{$v.Name}}">
<input type="text" value="{{$v.Name}}" readonly aria-label="variant name">
<input type="text" name="{{variantField $i $j "value"}}" value="{{$v.Value}}" aria-label="value of {{$v.Name}}">
<small>{{$v.Type}}</small>
</div>{{end}}{{end}}

{{define "fields"}}{{$i := .Index}}
<label>State
<select name="{{entryField $i "state"}}">
<option value="ENABLED"{{if eq .Flag.State "ENABLED"}} selected{{end}}>ENABLED</option>
<option value="DISABLED"{{if eq .Flag.State "DISABLED"}} selected{{end}}>DISABLED</option>
</select>
</label>
<label>Default variant <input type="text" name="{{entryField $i "defaultVariant"}}" value="{{.Flag.DefaultVariant}}"></label>
{{template "variants" .}}{{end}}

{{define "flags"}}{{template "head" .}}
{{template "projectList" .}}
{{template "envList" .}}
<section>
{{if eq .Mode "edit"}}
<h4>Editing flags for {{.Project}} / {{.Env}}</h4>
{{template "problems" .Problems}}
<form method="post" action="/p/{{seg .Project}}/{{seg .Env}}/draft">
{{range $i, $f := .Flags}}<fieldset>
<legend>{{$f.Name}}</legend>
<input type="hidden" name="{{entryField $i "key"}}" value="{{$f.Ident}}">
{{template "fields" (entry $i $f)}}
</fieldset>
{{end}}
<button type="submit" name="op" value="save">Save</button>
<button type="submit" name="op" value="cancel">Cancel</button>
</form>
{{else if eq .Mode "add"}}
<h4>Adding new flags for {{.Project}}</h4>
{{template "problems" .Problems}}
<form method="post" action="/p/{{seg .Project}}/{{seg .Env}}/draft">
{{range $i, $f := .Flags}}<fieldset>
<input type="hidden" name="{{entryField $i "id"}}" value="{{$f.Ident}}">
<legend><input type="text" name="{{entryField $i "name"}}" value="{{$f.Name}}" aria-label="flag name"></legend>
{{template "fields" (entry $i $f)}}
<button type="submit" name="op" value="variant" formaction="/p/{{seg $.Project}}/{{seg $.Env}}/draft?target={{$f.Ident}}">Add variant</button>
</fieldset>
{{end}}
<button type="submit" name="op" value="another">Add another flag</button>
<button type="submit" name="op" value="save">Save new flags</button>
<button type="submit" name="op" value="cancel">Cancel</button>
</form>
{{else}}
<h4>Flags for {{.Project}} / {{.Env}}</h4>
{{template "problems" .Problems}}
<table>
<thead><tr><th>Flag</th><th>State</th><th>Default</th><th>Variants</th></tr></thead>
<tbody>{{range .Flags}}
<tr><td>{{.Name}}</td><td>{{.State}}</td><td>{{.DefaultVariant}}</td><td>{{range .Variants}}{{.Name}}={{abbrev 80 .Value}} {{end}}</td></tr>{{else}}
<tr><td colspan="4">No flags found</td></tr>{{end}}
</tbody>
</table>
<pre>{{.JSON}}</pre>
<form method="post" action="/p/{{seg .Project}}/{{seg .Env}}/edit"><button type="submit">Edit flags</button></form>
<form method="post" action="/p/{{seg .Project}}/{{seg .Env}}/add"><button type="submit">Add flags</button></form>
{{end}}
</section>
{{template "foot" .}}{{end}}
`

// entryData is the dot of the fields and variants templates.
type entryData struct {
	Index int
	Flag  flagView
}

var pages = template.Must(template.New("console").
	Funcs(sprig.HtmlFuncMap()).
	Funcs(funcs).
	Funcs(template.FuncMap{"entry": func(i int, f flagView) entryData { return entryData{Index: i, Flag: f} }}).
	Parse(layout + loginPage + listPages + flagsPage))
