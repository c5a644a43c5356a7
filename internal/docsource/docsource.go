// Package docsource implements the Document Event Bridge: it observes
// an external Document Source and translates open/close/URL-change
// notifications into Change Tracker creation/removal and reparse
// requests against the Scheduler.
package docsource

import (
	"context"

	"github.com/standardbeagle/lci/internal/debug"
	"github.com/standardbeagle/lci/internal/doctracker"
	"github.com/standardbeagle/lci/internal/interner"
	"github.com/standardbeagle/lci/internal/parsetask"
	"github.com/standardbeagle/lci/internal/schedtypes"
	"github.com/standardbeagle/lci/internal/scheduler"
)

// EventKind distinguishes the three lifecycle events a Document Source
// emits.
type EventKind int

const (
	EventOpen EventKind = iota
	EventClose
	EventURLChange
)

// Event is one lifecycle notification from a Document Source. URL
// carries the subject for Open/Close; OldURL/NewURL carry the rename
// pair for URLChange. Text is the document's current content, used
// only by Open (including the synthetic open half of a URLChange).
type Event struct {
	Kind   EventKind
	URL    string
	OldURL string
	NewURL string
	Text   string
}

// DocumentSource is the external collaborator: anything that can
// notify the bridge of document open/close/URL-change and hand over
// the backing text at open time.
type DocumentSource interface {
	// Events returns the channel the bridge reads lifecycle
	// notifications from. The source closes it when it has no more
	// events to deliver.
	Events() <-chan Event
	Close() error
}

// Options configures the default request the bridge issues for a
// freshly opened or invalidated document.
type Options struct {
	Priority   schedtypes.Priority
	Features   schedtypes.Features
	Sequencing schedtypes.Sequencing
}

// DefaultOptions requests a NORMAL-priority, non-blocking reparse with
// no sequencing constraint, matching the bridge's role as a background
// notifier rather than a caller waiting on results.
func DefaultOptions() Options {
	return Options{Priority: schedtypes.Normal, Sequencing: schedtypes.Ignores}
}

// EventBridge wires a DocumentSource to a Change Tracker registry and
// a Scheduler. It owns no goroutine of its own until Run is called.
type EventBridge struct {
	in        *interner.Interner
	trackers  *doctracker.Registry
	scheduler *scheduler.Scheduler
	opts      Options

	selfListener parsetask.Listener
	selfTarget   parsetask.NotifyTarget
}

// New creates a bridge over the given interner, tracker registry, and
// scheduler. The interner and registry are shared with the rest of the
// engine; the bridge only ever adds and removes entries keyed by URL.
func New(in *interner.Interner, trackers *doctracker.Registry, sched *scheduler.Scheduler, opts Options) *EventBridge {
	b := &EventBridge{
		in:        in,
		trackers:  trackers,
		scheduler: sched,
		opts:      opts,
	}
	b.selfListener = b
	b.selfTarget = parsetask.NewNotifyTarget(&b.selfListener)
	return b
}

// OnProgress, OnDone, and OnFailed satisfy parsetask.Listener so the
// bridge can serve as the notify target for the reparse requests it
// issues on open and invalidation. Nothing downstream is waiting on
// these document-triggered reparses, so all three just log.
func (b *EventBridge) OnProgress(url interner.Handle, fraction float64, message string) {
	debug.LogDocSource("reparse progress url=%d fraction=%.2f msg=%s", url, fraction, message)
}

func (b *EventBridge) OnDone(url interner.Handle) {
	debug.LogDocSource("reparse done url=%d", url)
}

func (b *EventBridge) OnFailed(url interner.Handle, err error) {
	debug.LogDocSource("reparse failed url=%d err=%v", url, err)
}

// Run reads events from source until ctx is cancelled or the source's
// channel closes, handling each one in turn. It is meant to run on the
// control thread, alongside the scheduler's own timer.
func (b *EventBridge) Run(ctx context.Context, source DocumentSource) {
	events := source.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.Handle(ev)
		}
	}
}

// Handle processes a single lifecycle event. Exported so tests and
// callers with their own event loop can drive the bridge directly.
func (b *EventBridge) Handle(ev Event) {
	switch ev.Kind {
	case EventOpen:
		b.handleOpen(ev.URL, ev.Text)
	case EventClose:
		b.handleClose(ev.URL)
	case EventURLChange:
		b.handleURLChange(ev)
	default:
		debug.LogDocSource("ignoring event with unknown kind %d", ev.Kind)
	}
}

func (b *EventBridge) handleOpen(url string, text string) {
	if url == "" {
		return
	}
	handle := b.in.Intern(url)
	if _, exists := b.trackers.Lookup(handle); exists {
		debug.LogDocSource("open for already-tracked url=%s ignored", url)
		return
	}

	doc := &doctracker.Document{Text: text}
	b.trackers.Create(handle, doc, func(invalidated interner.Handle) {
		b.reparse(invalidated)
	})

	if err := b.scheduler.AddDocument(handle, b.opts.Priority, b.opts.Features, b.opts.Sequencing, b.selfTarget, scheduler.NoDelay); err != nil {
		debug.LogDocSource("add_document on open url=%s failed: %v", url, err)
	}
}

func (b *EventBridge) handleClose(url string) {
	if url == "" {
		return
	}
	handle := b.in.Intern(url)
	b.trackers.Destroy(handle)
	if err := b.scheduler.RemoveDocument(handle, b.selfTarget); err != nil {
		debug.LogDocSource("remove_document on close url=%s failed: %v", url, err)
	}
}

// handleURLChange implements the synthetic close-then-open spec'd for
// renames, suppressing the open half if the destination URL already
// has a live tracker (e.g. two editor buffers converging on one path).
func (b *EventBridge) handleURLChange(ev Event) {
	b.handleClose(ev.OldURL)

	if ev.NewURL == "" {
		return
	}
	newHandle := b.in.Intern(ev.NewURL)
	if _, exists := b.trackers.Lookup(newHandle); exists {
		debug.LogDocSource("url-change open for %s suppressed: already tracked", ev.NewURL)
		return
	}
	b.handleOpen(ev.NewURL, ev.Text)
}

// reparse re-requests analysis for an invalidated document, using the
// same default request shape as a fresh open. It is the Change
// Tracker's invalidation hook into the Scheduler, per the per-document
// relay spec'd for trackers.
func (b *EventBridge) reparse(url interner.Handle) {
	if err := b.scheduler.AddDocument(url, b.opts.Priority, b.opts.Features, b.opts.Sequencing, b.selfTarget, scheduler.NoDelay); err != nil {
		debug.LogDocSource("add_document on invalidate url=%d failed: %v", url, err)
	}
}
