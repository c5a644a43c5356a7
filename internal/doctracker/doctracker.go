// Package doctracker implements the Change Tracker: a per-document
// handle that owns a weak reference to the document's backing text and
// relays invalidation notifications to the Scheduler by the document's
// URL handle. A tracker's lifecycle is explicit — created on load,
// destroyed on close — and is not transferable between documents.
package doctracker

import (
	"sync"
	"weak"

	"github.com/standardbeagle/lci/internal/interner"
)

// Document is the backing text a Tracker holds a weak reference to.
// The Scheduler and analysis code never retain a Document themselves;
// only whatever owns the Document source keeps it alive.
type Document struct {
	Text string
}

// Tracker is the per-document Change Tracker. It is created by
// Registry.Create and must be destroyed with Registry.Destroy; using
// one after Destroy is a programmer error. Destroy only removes the
// tracker from the registry: Document keeps resolving for as long as
// the backing Document is still alive.
type Tracker struct {
	url      interner.Handle
	ref      weak.Pointer[Document]
	notify   func(url interner.Handle)
	mu       sync.Mutex
	notified bool
}

// URL returns the handle this tracker is indexed under.
func (t *Tracker) URL() interner.Handle { return t.url }

// Document returns the backing text, or nil if it has been garbage
// collected (the weak reference has gone stale).
func (t *Tracker) Document() *Document {
	return t.ref.Value()
}

// Invalidate relays an invalidation notification to the Scheduler.
// Safe to call multiple times or concurrently; the underlying notify
// callback fires at most once per Invalidate call (not deduplicated
// across calls — repeated real edits must each notify).
func (t *Tracker) Invalidate() {
	t.mu.Lock()
	notify := t.notify
	t.mu.Unlock()
	if notify != nil {
		notify(t.url)
	}
}

// Registry indexes live Trackers by URL handle, per spec's
// "queryable by URL handle" contract.
type Registry struct {
	mu   sync.RWMutex
	byID map[interner.Handle]*Tracker
}

// NewRegistry creates an empty tracker registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[interner.Handle]*Tracker)}
}

// Create starts tracking doc under url, replacing any existing tracker
// for that URL. onInvalidate is called (with url) whenever the
// returned Tracker's Invalidate is called; it may be nil.
func (r *Registry) Create(url interner.Handle, doc *Document, onInvalidate func(interner.Handle)) *Tracker {
	t := &Tracker{
		url:    url,
		ref:    weak.Make(doc),
		notify: onInvalidate,
	}
	r.mu.Lock()
	r.byID[url] = t
	r.mu.Unlock()
	return t
}

// Destroy ends tracking for url. A no-op if nothing is tracked there.
func (r *Registry) Destroy(url interner.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, url)
}

// Lookup returns the tracker for url, if any.
func (r *Registry) Lookup(url interner.Handle) (*Tracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[url]
	return t, ok
}

// Len returns the number of currently tracked documents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
