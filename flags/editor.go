package flags

// Mode is the draft state of an Editor.
type Mode int

const (
	ModeView Mode = iota
	ModeEdit
	ModeAdd
)

func (m Mode) String() string {
	switch m {
	case ModeEdit:
		return "edit"
	case ModeAdd:
		return "add"
	}
	return "view"
}

// Editor owns the canonical flag set of one (project, environment) view and
// at most one draft over it. Edit and add drafts are mutually exclusive.
//
// Each Editor has its own DraftID allocator so that concurrent editing
// sessions never observe each other's counters.
//
// An Editor is not safe for concurrent use.
type Editor struct {
	canonical Map
	ids       Allocator
	edit      *EditDraft
	add       *AddDraft
}

// NewEditor returns an Editor in view mode over a copy of canonical.
func NewEditor(canonical Map) *Editor {
	return &Editor{canonical: canonical.Clone()}
}

// Canonical returns a copy of the last committed flag set.
func (e *Editor) Canonical() Map {
	return e.canonical.Clone()
}

// Mode reports which draft, if any, is open.
func (e *Editor) Mode() Mode {
	switch {
	case e.edit != nil:
		return ModeEdit
	case e.add != nil:
		return ModeAdd
	}
	return ModeView
}

// BeginEdit opens an edit draft. Calling it again while the edit draft is
// open returns the same draft.
func (e *Editor) BeginEdit() (*EditDraft, error) {
	if e.add != nil {
		return nil, ErrDraftOpen
	}
	if e.edit == nil {
		e.edit = BeginEdit(e.canonical)
	}
	return e.edit, nil
}

// BeginAdd opens an add draft. Calling it again while the add draft is open
// returns the same draft.
func (e *Editor) BeginAdd() (*AddDraft, error) {
	if e.edit != nil {
		return nil, ErrDraftOpen
	}
	if e.add == nil {
		e.add = BeginAdd(&e.ids)
	}
	return e.add, nil
}

// EditDraft returns the open edit draft.
func (e *Editor) EditDraft() (*EditDraft, bool) {
	return e.edit, e.edit != nil
}

// AddDraft returns the open add draft.
func (e *Editor) AddDraft() (*AddDraft, bool) {
	return e.add, e.add != nil
}

// Cancel discards any open draft. The canonical set is not touched.
func (e *Editor) Cancel() {
	e.edit = nil
	e.add = nil
}

// SaveEdit commits the edit draft through persist. If persist fails, both
// the draft and the canonical set are left as they were. On success the
// payload becomes the canonical set and the draft is closed.
func (e *Editor) SaveEdit(persist func(Map) error) error {
	if e.edit == nil {
		return ErrNoDraft
	}
	payload := CommitEdit(e.edit)
	if err := persist(payload.Clone()); err != nil {
		return err
	}
	e.canonical = payload
	e.edit = nil
	return nil
}

// SaveAdd commits the add draft through persist. If persist fails nothing
// changes. On success the new flags are merged over the canonical set and
// the draft is closed. An add draft with no named entries is closed without
// calling persist.
func (e *Editor) SaveAdd(persist func(Map) error) error {
	if e.add == nil {
		return ErrNoDraft
	}
	payload := CommitAdd(e.add)
	if len(payload) > 0 {
		if err := persist(payload.Clone()); err != nil {
			return err
		}
	}
	for k, f := range payload {
		e.canonical[k] = f
	}
	e.add = nil
	return nil
}
