package flags

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// newVariantName and newVariantValue seed the variant added by AddVariant.
const (
	newVariantName  = "new-variant"
	newVariantValue = "value"
)

// DraftID identifies a flag under construction before it has a name.
// It never leaves the add draft.
type DraftID uint64

func (id DraftID) String() string {
	return "id-" + strconv.FormatUint(uint64(id), 10)
}

// ParseDraftID parses the "id-N" form produced by String.
func ParseDraftID(s string) (DraftID, error) {
	n, ok := strings.CutPrefix(s, "id-")
	if !ok {
		return 0, fmt.Errorf("flags: malformed draft id %q", s)
	}
	v, err := strconv.ParseUint(n, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("flags: malformed draft id %q", s)
	}
	return DraftID(v), nil
}

// Allocator hands out DraftIDs. IDs start at 1 and are never repeated by the
// same Allocator.
type Allocator struct {
	last atomic.Uint64
}

// Next returns a fresh DraftID.
func (a *Allocator) Next() DraftID {
	return DraftID(a.last.Add(1))
}

// EditDraft is a working copy of a canonical Map keyed by flag key.
type EditDraft struct {
	flags Map
}

// BeginEdit copies canonical into a new edit draft. The draft shares no maps
// with canonical.
func BeginEdit(canonical Map) *EditDraft {
	return &EditDraft{flags: canonical.Clone()}
}

// SetField replaces one scalar field of one flag.
func (d *EditDraft) SetField(key string, field Field, value string) error {
	f, ok := d.flags[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFlag, key)
	}
	if err := f.set(field, value); err != nil {
		return err
	}
	d.flags[key] = f
	return nil
}

// SetVariant replaces the value of one variant. Variant names are stable
// once created; renaming is delete and recreate.
func (d *EditDraft) SetVariant(key, variant string, value any) error {
	f, ok := d.flags[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFlag, key)
	}
	f.setVariant(variant, value)
	d.flags[key] = f
	return nil
}

// Flag returns a copy of the draft entry for key.
func (d *EditDraft) Flag(key string) (Flag, bool) {
	f, ok := d.flags[key]
	if !ok {
		return Flag{}, false
	}
	return f.Clone(), true
}

// Flags returns a copy of the whole draft.
func (d *EditDraft) Flags() Map {
	return d.flags.Clone()
}

// CommitEdit returns the draft verbatim as the new canonical map. No
// validation is applied; see Validate.
func CommitEdit(d *EditDraft) Map {
	return d.flags.Clone()
}

// NewFlag is an add-draft entry: a flag plus the name it will be saved under.
type NewFlag struct {
	Name string
	Flag
}

// Entry pairs a NewFlag with its DraftID.
type Entry struct {
	ID DraftID
	NewFlag
}

// AddDraft collects new flags keyed by DraftID.
type AddDraft struct {
	ids     *Allocator
	order   []DraftID
	entries map[DraftID]*NewFlag
}

// BeginAdd starts an add draft seeded with one template entry named
// new-flag-1. ids must be owned by the calling editor.
func BeginAdd(ids *Allocator) *AddDraft {
	d := &AddDraft{ids: ids, entries: map[DraftID]*NewFlag{}}
	d.AddAnother()
	return d
}

// AddAnother appends a template entry named new-flag-N, where N is one more
// than the number of entries already in the draft.
func (d *AddDraft) AddAnother() DraftID {
	id := d.ids.Next()
	d.order = append(d.order, id)
	d.entries[id] = &NewFlag{
		Name: fmt.Sprintf("new-flag-%d", len(d.entries)+1),
		Flag: template(),
	}
	return id
}

func (d *AddDraft) entry(id DraftID) (*NewFlag, error) {
	e, ok := d.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlag, id)
	}
	return e, nil
}

// Rename sets the name the entry will be saved under.
func (d *AddDraft) Rename(id DraftID, name string) error {
	e, err := d.entry(id)
	if err != nil {
		return err
	}
	e.Name = name
	return nil
}

// SetField replaces one scalar field of one entry.
func (d *AddDraft) SetField(id DraftID, field Field, value string) error {
	e, err := d.entry(id)
	if err != nil {
		return err
	}
	return e.set(field, value)
}

// SetVariant replaces the value of one variant of one entry.
func (d *AddDraft) SetVariant(id DraftID, variant string, value any) error {
	e, err := d.entry(id)
	if err != nil {
		return err
	}
	e.setVariant(variant, value)
	return nil
}

// AddVariant writes the placeholder variant new-variant="value" to the entry,
// overwriting an earlier placeholder that was not renamed.
func (d *AddDraft) AddVariant(id DraftID) error {
	return d.SetVariant(id, newVariantName, newVariantValue)
}

// Entries returns copies of the entries in insertion order.
func (d *AddDraft) Entries() []Entry {
	out := make([]Entry, 0, len(d.order))
	for _, id := range d.order {
		e := d.entries[id]
		out = append(out, Entry{ID: id, NewFlag: NewFlag{Name: e.Name, Flag: e.Flag.Clone()}})
	}
	return out
}

// Len returns the number of entries in the draft.
func (d *AddDraft) Len() int {
	return len(d.entries)
}

// CommitAdd projects the draft into a canonical-shaped payload keyed by the
// names exactly as typed. Entries whose name is blank once trimmed are
// dropped. Existing canonical keys are not consulted; when two entries share
// a name the later one wins.
func CommitAdd(d *AddDraft) Map {
	out := Map{}
	for _, id := range d.order {
		e := d.entries[id]
		if strings.TrimSpace(e.Name) == "" {
			continue
		}
		out[e.Name] = e.Flag.Clone()
	}
	return out
}
