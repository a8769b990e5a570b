package flags

import (
	"fmt"
	"strings"
)

// Problem is a consistency issue found by Validate or ValidateAdd.
// Problems are advisory; commits do not enforce them.
type Problem struct {
	Key     string
	Message string
}

func (p Problem) String() string {
	return p.Key + ": " + p.Message
}

// Validate reports flags whose default variant does not name one of their
// variants. Problems are ordered by key.
func Validate(m Map) []Problem {
	var out []Problem
	for _, k := range m.Keys() {
		if p, ok := checkDefault(k, m[k]); ok {
			out = append(out, p)
		}
	}
	return out
}

// ValidateAdd reports add-draft entries that would be dropped, would
// overwrite an existing canonical flag, would overwrite each other, or have
// a dangling default variant.
func ValidateAdd(d *AddDraft, canonical Map) []Problem {
	var out []Problem
	seen := map[string]DraftID{}
	for _, e := range d.Entries() {
		name := e.Name
		if strings.TrimSpace(name) == "" {
			out = append(out, Problem{Key: e.ID.String(), Message: "blank name, entry will not be saved"})
			continue
		}
		if _, ok := canonical[name]; ok {
			out = append(out, Problem{Key: name, Message: "overwrites an existing flag"})
		}
		if prev, ok := seen[name]; ok {
			out = append(out, Problem{Key: name, Message: fmt.Sprintf("duplicates %s", prev)})
		}
		seen[name] = e.ID
		if p, ok := checkDefault(name, e.Flag); ok {
			out = append(out, p)
		}
	}
	return out
}

func checkDefault(key string, f Flag) (Problem, bool) {
	if _, ok := f.Variants[f.DefaultVariant]; ok {
		return Problem{}, false
	}
	return Problem{Key: key, Message: fmt.Sprintf("default variant %q is not defined", f.DefaultVariant)}, true
}
