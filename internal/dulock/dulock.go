// Package dulock implements the DU-Lock: a reentrant multi-reader,
// single-writer lock. Any number of goroutines may hold a read lock
// simultaneously; at most one goroutine holds the write lock; the
// writer may take further read or write locks without blocking on
// itself; a goroutine already holding a read lock must never request
// the write lock. The acquisition algorithm (reader-recursion
// increments before the writer check, writer CAS 0→self followed by a
// re-verify that no reader snuck in) is the original DUChainLock
// algorithm translated to Go atomics and a goroutine-id substitute for
// Go's lack of thread-local storage.
package dulock

import (
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const spinInterval = 50 * time.Microsecond

// goroutineID extracts the calling goroutine's numeric id by parsing
// the header line of its own stack trace. This is the standard
// workaround for Go's absence of thread-local storage; it is only used
// here, to key the per-goroutine reader-recursion counters the
// reentrancy contract requires.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// "goroutine 123 [running]:"
	fields := buf[:n]
	const prefix = "goroutine "
	if len(fields) <= len(prefix) {
		return 0
	}
	fields = fields[len(prefix):]
	i := 0
	for i < len(fields) && fields[i] != ' ' {
		i++
	}
	id, err := strconv.ParseInt(string(fields[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Lock is a reentrant reader/writer lock. The zero value is ready to use.
type Lock struct {
	writer               atomic.Int64 // goroutine id of current writer, 0 = none
	writerRecursion      atomic.Int32
	totalReaderRecursion atomic.Int32

	readerRecursion sync.Map // goroutine id (int64) -> *int32
}

func (l *Lock) ownReaderRecursion(gid int64) *int32 {
	v, _ := l.readerRecursion.LoadOrStore(gid, new(int32))
	return v.(*int32)
}

// LockRead acquires a read lock. timeout of 0 waits forever; any other
// value bounds the wait and returns false on expiry. LockRead never
// panics: the goroutine holding the write lock may take a read lock
// without blocking. What is never legal, and is the caller's bug to
// fix, is requesting a write lock while already holding a read lock,
// which LockWrite asserts against instead.
func (l *Lock) LockRead(timeout time.Duration) bool {
	gid := goroutineID()
	id := nonZero(gid)
	ownCount := l.ownReaderRecursion(gid)
	atomic.AddInt32(ownCount, 1)
	l.totalReaderRecursion.Add(1)

	w := l.writer.Load()
	if w == 0 || w == id {
		return true
	}

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		w := l.writer.Load()
		if w == 0 || w == id {
			return true
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			atomic.AddInt32(ownCount, -1)
			l.totalReaderRecursion.Add(-1)
			return false
		}
		runtime.Gosched()
		time.Sleep(spinInterval)
	}
}

// CurrentThreadHasReadLock reports whether the calling goroutine
// currently holds a read lock (at any recursion depth).
func (l *Lock) CurrentThreadHasReadLock() bool {
	gid := goroutineID()
	return atomic.LoadInt32(l.ownReaderRecursion(gid)) > 0
}

// UnlockRead releases one level of read-lock recursion acquired by
// this goroutine.
func (l *Lock) UnlockRead() {
	gid := goroutineID()
	ownCount := l.ownReaderRecursion(gid)
	atomic.AddInt32(ownCount, -1)
	l.totalReaderRecursion.Add(-1)
}

// LockWrite acquires the write lock. Panics if the calling goroutine
// currently holds a read lock — a reader may never escalate to
// writer, this is a programmer error the original asserts on.
// timeout of 0 waits forever.
func (l *Lock) LockWrite(timeout time.Duration) bool {
	gid := goroutineID()
	if own := l.ownReaderRecursion(gid); atomic.LoadInt32(own) > 0 {
		panic(fmt.Sprintf("dulock: goroutine %d requested a write lock while holding a read lock", gid))
	}

	id := nonZero(gid)
	if l.writer.Load() == id {
		l.writerRecursion.Add(1)
		return true
	}

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if l.totalReaderRecursion.Load() == 0 && l.writer.CompareAndSwap(0, id) {
			if l.totalReaderRecursion.Load() == 0 {
				l.writerRecursion.Store(1)
				return true
			}
			// a reader snuck in between the CAS and the re-check; back off and retry.
			l.writer.Store(0)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return false
		}
		runtime.Gosched()
		time.Sleep(spinInterval)
	}
}

// CurrentThreadHasWriteLock reports whether the calling goroutine
// currently holds the write lock.
func (l *Lock) CurrentThreadHasWriteLock() bool {
	gid := goroutineID()
	return l.writer.Load() == nonZero(gid)
}

// nonZero maps a goroutine id of 0 (which can legitimately occur if
// stack-trace parsing fails) to a sentinel so the writer field's 0
// continues to mean "unlocked" unambiguously.
func nonZero(gid int64) int64 {
	if gid == 0 {
		return -1
	}
	return gid
}

// UnlockWrite releases one level of write-lock recursion. Fully
// releases the lock once recursion reaches zero.
func (l *Lock) UnlockWrite() {
	if l.writerRecursion.Add(-1) <= 0 {
		l.writerRecursion.Store(0)
		l.writer.Store(0)
	}
}

// ReadLocker is a scoped read-lock guard modeled on DUChainReadLocker:
// construct, call Lock, defer Unlock.
type ReadLocker struct {
	lock   *Lock
	locked bool
}

// NewReadLocker creates a guard over lock without acquiring it yet.
func NewReadLocker(lock *Lock) *ReadLocker { return &ReadLocker{lock: lock} }

// Lock acquires the read lock, recording whether it succeeded.
func (g *ReadLocker) Lock(timeout time.Duration) bool {
	g.locked = g.lock.LockRead(timeout)
	return g.locked
}

// Unlock releases the lock if currently held.
func (g *ReadLocker) Unlock() {
	if g.locked {
		g.lock.UnlockRead()
		g.locked = false
	}
}

// Locked reports whether the guard currently holds the lock.
func (g *ReadLocker) Locked() bool { return g.locked }

// WriteLocker is a scoped write-lock guard modeled on DUChainWriteLocker.
type WriteLocker struct {
	lock   *Lock
	locked bool
}

// NewWriteLocker creates a guard over lock without acquiring it yet.
func NewWriteLocker(lock *Lock) *WriteLocker { return &WriteLocker{lock: lock} }

// Lock acquires the write lock, recording whether it succeeded.
func (g *WriteLocker) Lock(timeout time.Duration) bool {
	g.locked = g.lock.LockWrite(timeout)
	return g.locked
}

// Unlock releases the lock if currently held.
func (g *WriteLocker) Unlock() {
	if g.locked {
		g.lock.UnlockWrite()
		g.locked = false
	}
}

// Locked reports whether the guard currently holds the lock.
func (g *WriteLocker) Locked() bool { return g.locked }
