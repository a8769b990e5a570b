package console

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/mnehpets/flagdeck/flags"
)

// maxEntries bounds how many flag entries one draft form may carry.
const maxEntries = 1000

// Draft forms are indexed rather than keyed by flag name, since names are
// free text. Entry i of the form carries:
//
//	f.<i>.key             flag key (edit draft)
//	f.<i>.id              draft ID (add draft)
//	f.<i>.name            new name (add draft)
//	f.<i>.state           ENABLED or DISABLED
//	f.<i>.defaultVariant  default variant name
//	f.<i>.v.<j>.name      variant name
//	f.<i>.v.<j>.value     variant value, see ParseScalar
func entryField(i int, field string) string {
	return "f." + strconv.Itoa(i) + "." + field
}

func variantField(i, j int, field string) string {
	return entryField(i, "v."+strconv.Itoa(j)+"."+field)
}

// ParseScalar turns a typed variant value into a JSON value: any valid JSON
// document decodes as such (true, 42, null, {"r":0}), a JSON string literal
// is unquoted, and anything else is kept as the literal text.
func ParseScalar(s string) any {
	if s == "" || strings.TrimSpace(s) != s {
		return s
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// FormatScalar renders a variant value for a form field so that ParseScalar
// gives the same value back. Strings that would otherwise parse as another
// value are quoted.
func FormatScalar(v any) string {
	if s, ok := v.(string); ok {
		if p, ok := ParseScalar(s).(string); ok && p == s {
			return s
		}
		b, _ := json.Marshal(s)
		return string(b)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// scalarType names the JSON type of a variant value.
func scalarType(v any) string {
	switch v.(type) {
	case bool:
		return "bool"
	case string:
		return "string"
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	return "number"
}

// entryForm is one submitted flag entry.
type entryForm struct {
	index int
	ident string
	name  *string
	// fields holds the scalar fields present in the form.
	fields map[flags.Field]string
	// variants holds the submitted variant text by name.
	variants map[string]string
}

// readEntries collects the entries of form whose identifier is stored under
// identField. Entries are read from index 0 up to the first gap.
func readEntries(form url.Values, identField string) []entryForm {
	var out []entryForm
	for i := 0; i < maxEntries; i++ {
		if !form.Has(entryField(i, identField)) {
			break
		}
		e := entryForm{
			index:    i,
			ident:    form.Get(entryField(i, identField)),
			fields:   map[flags.Field]string{},
			variants: map[string]string{},
		}
		if form.Has(entryField(i, "name")) {
			name := form.Get(entryField(i, "name"))
			e.name = &name
		}
		for _, f := range []flags.Field{flags.FieldState, flags.FieldDefaultVariant} {
			if form.Has(entryField(i, string(f))) {
				e.fields[f] = form.Get(entryField(i, string(f)))
			}
		}
		for j := 0; form.Has(variantField(i, j, "name")); j++ {
			e.variants[form.Get(variantField(i, j, "name"))] = form.Get(variantField(i, j, "value"))
		}
		out = append(out, e)
	}
	return out
}

// applyForm writes the submitted entries into the open draft of ed. With no
// draft open it does nothing.
func applyForm(ed *flags.Editor, form url.Values) error {
	if d, ok := ed.EditDraft(); ok {
		for _, e := range readEntries(form, "key") {
			for f, v := range e.fields {
				if err := d.SetField(e.ident, f, v); err != nil {
					return fmt.Errorf("entry %d: %w", e.index, err)
				}
			}
			cur, _ := d.Flag(e.ident)
			for name, text := range e.variants {
				// Values left as rendered keep their stored form.
				if old, ok := cur.Variants[name]; ok && FormatScalar(old) == text {
					continue
				}
				if err := d.SetVariant(e.ident, name, ParseScalar(text)); err != nil {
					return fmt.Errorf("entry %d: %w", e.index, err)
				}
			}
		}
		return nil
	}
	if d, ok := ed.AddDraft(); ok {
		for _, e := range readEntries(form, "id") {
			id, err := flags.ParseDraftID(e.ident)
			if err != nil {
				return fmt.Errorf("entry %d: %w", e.index, err)
			}
			if e.name != nil {
				if err := d.Rename(id, *e.name); err != nil {
					return fmt.Errorf("entry %d: %w", e.index, err)
				}
			}
			for f, v := range e.fields {
				if err := d.SetField(id, f, v); err != nil {
					return fmt.Errorf("entry %d: %w", e.index, err)
				}
			}
			for name, text := range e.variants {
				if err := d.SetVariant(id, name, ParseScalar(text)); err != nil {
					return fmt.Errorf("entry %d: %w", e.index, err)
				}
			}
		}
	}
	return nil
}
