// Package workspace keeps the per-browser view state of the console: which
// (project, env) is selected and the flag editor loaded for it.
//
// Loads are ticketed. A result only lands if no other selection happened
// while it was in flight; otherwise it is discarded.
package workspace

import (
	"errors"
	"sync"

	"github.com/mnehpets/flagdeck/flags"
)

var (
	// ErrStale is returned when a load finishes after the selection moved on.
	ErrStale = errors.New("workspace: selection changed while loading")
	// ErrNotLoaded is returned when the selection has no editor yet.
	ErrNotLoaded = errors.New("workspace: view not loaded")
)

// Selection is one (project, env) view.
type Selection struct {
	Project string
	Env     string
}

// Ticket identifies one load of a selection.
type Ticket struct {
	Selection Selection
	gen       uint64
}

// Workspace is the view state of one browser. It is safe for concurrent use.
type Workspace struct {
	mu       sync.Mutex
	current  Selection
	gen      uint64
	editor   *flags.Editor
	loadedAt Selection
}

// Select makes sel the current view and returns the ticket its load must
// present. Any ticket issued earlier becomes stale.
func (w *Workspace) Select(project, env string) Ticket {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gen++
	w.current = Selection{Project: project, Env: env}
	return Ticket{Selection: w.current, gen: w.gen}
}

// Current returns the selected view.
func (w *Workspace) Current() Selection {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Deliver installs the result of a load. If t is no longer the latest
// ticket the result is dropped and ErrStale returned. If the same view is
// already loaded with a draft open, the draft is kept and m is ignored.
func (w *Workspace) Deliver(t Ticket, m flags.Map) (*flags.Editor, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t.gen != w.gen {
		return nil, ErrStale
	}
	if w.editor != nil && w.loadedAt == t.Selection && w.editor.Mode() != flags.ModeView {
		return w.editor, nil
	}
	w.editor = flags.NewEditor(m)
	w.loadedAt = t.Selection
	return w.editor, nil
}

// Loaded reports whether sel is current and has an editor.
func (w *Workspace) Loaded(sel Selection) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.editor != nil && w.loadedAt == sel && w.current == sel
}

// HasDraft reports whether sel is loaded with a draft open.
func (w *Workspace) HasDraft(sel Selection) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.editor != nil && w.loadedAt == sel && w.editor.Mode() != flags.ModeView
}

// With runs fn on the editor of sel while holding the workspace lock. fn may
// call the backend; concurrent requests from the same browser wait.
func (w *Workspace) With(sel Selection, fn func(*flags.Editor) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.editor == nil || w.loadedAt != sel || w.current != sel {
		return ErrNotLoaded
	}
	return fn(w.editor)
}

// Reset forgets the loaded editor and any draft.
func (w *Workspace) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gen++
	w.editor = nil
	w.loadedAt = Selection{}
	w.current = Selection{}
}
