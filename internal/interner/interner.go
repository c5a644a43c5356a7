// Package interner implements the engine's process-wide string
// interner: arbitrary text is mapped to a compact 32-bit handle so the
// rest of the engine can compare and hash strings by value instead of
// by content. The encoding and the disk-refcount gating follow the
// KDE DUChain IndexedString scheme this component is modeled on.
package interner

import (
	"context"
	"sync"
	"sync/atomic"
	"unicode/utf8"
	"unicode/utf16"

	"github.com/cespare/xxhash/v2"
)

// Handle is the 32-bit interned-string handle. Zero is the empty
// string; values with the top 16 bits set to 0xFFFF carry a single
// BMP code point inline; everything else indexes the content-addressed
// table.
type Handle uint32

const (
	// EmptyHandle is the handle for the empty string.
	EmptyHandle Handle = 0

	inlineCharMask = 0xFFFF0000
)

func isInlineChar(h Handle) bool {
	return h != 0 && uint32(h)&inlineCharMask == inlineCharMask
}

func charToHandle(r rune) Handle {
	return Handle(inlineCharMask | uint32(r))
}

func handleToChar(h Handle) rune {
	return rune(uint32(h) &^ inlineCharMask)
}

// IsEmpty reports whether h is the empty-string handle.
func IsEmpty(h Handle) bool { return h == EmptyHandle }

// IsChar reports whether h is an inline single-character handle.
func IsChar(h Handle) bool { return isInlineChar(h) }

// IsNonTrivial reports whether h refers to a real table entry, i.e. it
// is neither the empty handle nor an inline character.
func IsNonTrivial(h Handle) bool { return h != EmptyHandle && !isInlineChar(h) }

type tableEntry struct {
	text     string
	refCount int32
}

// Interner is the process-wide content-addressed string table. A single
// instance is expected to be shared across the engine; construction is
// cheap and the zero value is not usable, use New.
type Interner struct {
	mu      sync.RWMutex
	byHash  map[uint64][]Handle
	entries map[Handle]*tableEntry
	next    atomic.Uint32
}

// New creates an empty Interner. Table-entry handles start at 0x10000,
// so every table handle exceeds 0xFFFF and stays clear of the inline
// single-character handles (0xFFFF0000 and up), matching the
// original's bucket-indexed ItemRepository addressing.
func New() *Interner {
	in := &Interner{
		byHash:  make(map[uint64][]Handle),
		entries: make(map[Handle]*tableEntry),
	}
	in.next.Store(0xFFFF)
	return in
}

// Intern returns the handle for text, allocating a table entry only if
// text is not empty, not a single BMP code point, and not already
// present. Distinct texts yield distinct handles; identical texts
// yield identical handles.
func (in *Interner) Intern(text string) Handle {
	if text == "" {
		return EmptyHandle
	}
	if r, size := utf8.DecodeRuneInString(text); size == len(text) && r <= 0xFFFF {
		return charToHandle(r)
	}

	hash := xxhash.Sum64String(text)

	in.mu.RLock()
	if h, ok := in.findExact(hash, text); ok {
		in.mu.RUnlock()
		return h
	}
	in.mu.RUnlock()

	in.mu.Lock()
	defer in.mu.Unlock()

	if h, ok := in.findExact(hash, text); ok {
		return h
	}

	h := Handle(in.next.Add(1))
	in.entries[h] = &tableEntry{text: text}
	in.byHash[hash] = append(in.byHash[hash], h)
	return h
}

// findExact must be called with in.mu held (read or write).
func (in *Interner) findExact(hash uint64, text string) (Handle, bool) {
	for _, h := range in.byHash[hash] {
		if e, ok := in.entries[h]; ok && e.text == text {
			return h, true
		}
	}
	return 0, false
}

// Lookup returns the text for h. A handle obtained before process
// shutdown always resolves successfully; a handle this Interner never
// produced returns ("", false).
func (in *Interner) Lookup(h Handle) (string, bool) {
	if h == EmptyHandle {
		return "", true
	}
	if isInlineChar(h) {
		return string(handleToChar(h)), true
	}

	in.mu.RLock()
	defer in.mu.RUnlock()
	e, ok := in.entries[h]
	if !ok {
		return "", false
	}
	return e.text, true
}

// Length returns the UTF-16 code-unit count of h's text, matching the
// original IndexedString::length() contract. Looking this up for a
// table entry is comparatively expensive: it takes the lock and
// re-derives the count from the stored text every call.
func (in *Interner) Length(h Handle) int {
	if h == EmptyHandle {
		return 0
	}
	if isInlineChar(h) {
		return len(utf16.Encode([]rune{handleToChar(h)}))
	}
	text, ok := in.Lookup(h)
	if !ok {
		return 0
	}
	return len(utf16.Encode([]rune(text)))
}

type persistentModeKey struct{}

// WithPersistentMode marks ctx as running in "persistent mode": the
// ambient flag the semantic-graph serializer sets so that IncRef/DecRef
// calls made while producing a disk-stored reference actually mutate
// the entry's refcount. Outside persistent mode, IncRef/DecRef are
// no-ops, matching the original's "in-memory only" fast path.
func WithPersistentMode(ctx context.Context) context.Context {
	return context.WithValue(ctx, persistentModeKey{}, true)
}

func isPersistent(ctx context.Context) bool {
	v, _ := ctx.Value(persistentModeKey{}).(bool)
	return v
}

// IncRef increments h's disk-reference count. A no-op for the empty
// handle, inline characters, and calls made outside persistent mode.
func (in *Interner) IncRef(ctx context.Context, h Handle) {
	if !IsNonTrivial(h) || !isPersistent(ctx) {
		return
	}
	in.mu.RLock()
	e, ok := in.entries[h]
	in.mu.RUnlock()
	if ok {
		atomic.AddInt32(&e.refCount, 1)
	}
}

// DecRef decrements h's disk-reference count. A no-op for the empty
// handle, inline characters, and calls made outside persistent mode.
// The table entry itself is never removed: entries are append-only for
// the process lifetime, per spec.
func (in *Interner) DecRef(ctx context.Context, h Handle) {
	if !IsNonTrivial(h) || !isPersistent(ctx) {
		return
	}
	in.mu.RLock()
	e, ok := in.entries[h]
	in.mu.RUnlock()
	if ok {
		atomic.AddInt32(&e.refCount, -1)
	}
}

// RefCount returns h's current disk-reference count, for tests and
// diagnostics. Always 0 for trivial handles.
func (in *Interner) RefCount(h Handle) int32 {
	if !IsNonTrivial(h) {
		return 0
	}
	in.mu.RLock()
	defer in.mu.RUnlock()
	e, ok := in.entries[h]
	if !ok {
		return 0
	}
	return atomic.LoadInt32(&e.refCount)
}

// Size returns the number of non-trivial table entries, for metrics.
func (in *Interner) Size() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.entries)
}
