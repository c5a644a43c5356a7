package scheduler

import (
	"sort"

	"github.com/standardbeagle/lci/internal/interner"
	"github.com/standardbeagle/lci/internal/schedtypes"
)

// pendingIndex is the priority-sorted view of URLs whose Plans have
// not yet been dispatched. Every method assumes the caller already
// holds the Scheduler's mutex; pendingIndex has no locking of its own.
type pendingIndex struct {
	buckets     map[schedtypes.Priority][]interner.Handle
	urlPriority map[interner.Handle]schedtypes.Priority
	priorities  []schedtypes.Priority // kept sorted ascending
}

func newPendingIndex() *pendingIndex {
	return &pendingIndex{
		buckets:     make(map[schedtypes.Priority][]interner.Handle),
		urlPriority: make(map[interner.Handle]schedtypes.Priority),
	}
}

// upsert places url in the bucket for priority, removing it from its
// previous bucket first if it was already pending at a different
// priority.
func (pi *pendingIndex) upsert(url interner.Handle, priority schedtypes.Priority) {
	if old, ok := pi.urlPriority[url]; ok {
		if old == priority {
			return
		}
		pi.removeFromBucket(old, url)
	}
	pi.insertPriority(priority)
	pi.buckets[priority] = append(pi.buckets[priority], url)
	pi.urlPriority[url] = priority
}

// remove drops url from the pending index entirely. A no-op if url is
// not currently pending.
func (pi *pendingIndex) remove(url interner.Handle) {
	old, ok := pi.urlPriority[url]
	if !ok {
		return
	}
	pi.removeFromBucket(old, url)
	delete(pi.urlPriority, url)
}

func (pi *pendingIndex) removeFromBucket(priority schedtypes.Priority, url interner.Handle) {
	bucket := pi.buckets[priority]
	for i, h := range bucket {
		if h == url {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(pi.buckets, priority)
		pi.removePriority(priority)
	} else {
		pi.buckets[priority] = bucket
	}
}

func (pi *pendingIndex) insertPriority(priority schedtypes.Priority) {
	i := sort.Search(len(pi.priorities), func(i int) bool { return pi.priorities[i] >= priority })
	if i < len(pi.priorities) && pi.priorities[i] == priority {
		return
	}
	pi.priorities = append(pi.priorities, 0)
	copy(pi.priorities[i+1:], pi.priorities[i:])
	pi.priorities[i] = priority
}

func (pi *pendingIndex) removePriority(priority schedtypes.Priority) {
	for i, p := range pi.priorities {
		if p == priority {
			pi.priorities = append(pi.priorities[:i], pi.priorities[i+1:]...)
			return
		}
	}
}

// orderedPriorities returns the distinct pending priorities, ascending
// (most urgent first).
func (pi *pendingIndex) orderedPriorities() []schedtypes.Priority {
	out := make([]schedtypes.Priority, len(pi.priorities))
	copy(out, pi.priorities)
	return out
}

// urlsAt returns a copy of the URLs pending at priority, in FIFO
// insertion order. A copy is returned because dispatch mutates the
// index while walking this slice.
func (pi *pendingIndex) urlsAt(priority schedtypes.Priority) []interner.Handle {
	bucket := pi.buckets[priority]
	out := make([]interner.Handle, len(bucket))
	copy(out, bucket)
	return out
}

// priorityOf reports the priority url is currently pending at.
func (pi *pendingIndex) priorityOf(url interner.Handle) (schedtypes.Priority, bool) {
	p, ok := pi.urlPriority[url]
	return p, ok
}

// contains reports whether url is currently pending.
func (pi *pendingIndex) contains(url interner.Handle) bool {
	_, ok := pi.urlPriority[url]
	return ok
}

// len returns the number of distinct pending URLs.
func (pi *pendingIndex) len() int {
	return len(pi.urlPriority)
}
