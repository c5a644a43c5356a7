// Package scheduler implements the Scheduler Core: the Background
// Parser equivalent that aggregates requests into Plans, dispatches
// Parse Tasks onto the Worker Pool in priority order, and aggregates
// their progress for a Progress Sink. This is the component everything
// else in the engine exists to feed.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/standardbeagle/lci/internal/config"
	"github.com/standardbeagle/lci/internal/debug"
	lcierrors "github.com/standardbeagle/lci/internal/errors"
	"github.com/standardbeagle/lci/internal/interner"
	"github.com/standardbeagle/lci/internal/parsetask"
	"github.com/standardbeagle/lci/internal/schedtypes"
	"github.com/standardbeagle/lci/internal/workerpool"
)

// LanguageRegistry synthesizes Parse Tasks for a URL. It is an
// external collaborator: invoking it may acquire the DU-Lock, which is
// why the dispatch loop releases the scheduler mutex before calling
// it and revalidates afterward.
type LanguageRegistry interface {
	CreateTasks(url interner.Handle) []parsetask.Task
}

// ProjectRegistry reports whether any workspace is still loading.
// Dispatch is deferred while this holds, matching spec.md §4.E.2.1.
type ProjectRegistry interface {
	AnyLoading() bool
}

// Snapshot is one progress update emitted to a ProgressSink.
type Snapshot struct {
	DoneJobs int64
	MaxJobs  int64
	Fraction float64
	Hidden   bool
}

// ProgressSink receives throttled progress snapshots from the
// Scheduler's dispatch loop.
type ProgressSink interface {
	OnProgress(Snapshot)
}

// NoDelay tells AddDocument to use the Scheduler's configured default
// delay instead of an explicit one.
const NoDelay = -1

const progressThrottle = 500 * time.Millisecond

// Scheduler is the Scheduler Core. The zero value is not usable; use New.
type Scheduler struct {
	mu sync.Mutex

	plans        map[interner.Handle]*plan
	pending      *pendingIndex
	active       map[interner.Handle]parsetask.Task
	taskProgress map[interner.Handle]float64

	reservedSlotOwner interner.Handle

	delay          time.Duration
	threadCount    int
	neededPriority schedtypes.Priority
	suspended      bool
	shutdownFlag   bool

	timer         *time.Timer
	timerDeadline time.Time

	pool     *workerpool.Pool
	lang     LanguageRegistry
	projects ProjectRegistry
	sink     ProgressSink

	maxJobs  atomic.Int64
	doneJobs atomic.Int64

	lastSnapshotAt time.Time

	// selfListener lets the Scheduler register itself as an extra
	// notify target on every dispatched task, purely to receive
	// progress events for aggregation; it never delivers a terminal
	// notification to application callers (see OnDone/OnFailed below).
	selfListener parsetask.Listener
	selfTarget   parsetask.NotifyTarget
}

// New creates a Scheduler that dispatches onto pool using lang to
// synthesize tasks, consulting projects before each dispatch pass, and
// reporting throttled progress to sink (which may be nil).
func New(pool *workerpool.Pool, opts config.Scheduler, lang LanguageRegistry, projects ProjectRegistry, sink ProgressSink) *Scheduler {
	s := &Scheduler{
		plans:          make(map[interner.Handle]*plan),
		pending:        newPendingIndex(),
		active:         make(map[interner.Handle]parsetask.Task),
		taskProgress:   make(map[interner.Handle]float64),
		delay:          time.Duration(opts.DelayMs) * time.Millisecond,
		threadCount:    opts.ThreadCount,
		neededPriority: schedtypes.Worst,
		suspended:      !opts.Enabled,
		pool:           pool,
		lang:           lang,
		projects:       projects,
		sink:           sink,
	}
	s.selfListener = s
	s.selfTarget = parsetask.NewNotifyTarget(&s.selfListener)
	if s.suspended {
		pool.Suspend()
	}
	return s
}

// OnProgress implements parsetask.Listener. It is only ever invoked
// via the Scheduler's own selfTarget, wired onto every dispatched task
// for progress aggregation — it never reaches application code.
func (s *Scheduler) OnProgress(url interner.Handle, fraction float64, message string) {
	s.mu.Lock()
	s.taskProgress[url] = fraction
	s.mu.Unlock()
	s.maybeEmitProgress()
}

// OnDone and OnFailed implement parsetask.Listener as no-ops: terminal
// bookkeeping for a dispatched task is handled by the done/failed
// listeners wireCompletionLocked registers, not by this notify target.
func (s *Scheduler) OnDone(url interner.Handle)             {}
func (s *Scheduler) OnFailed(url interner.Handle, err error) {}

// AddDocument aggregates a new request for url into its Plan, creating
// the Plan if this is the first outstanding request, and schedules the
// dispatch timer. delayMs is the coalescing delay in milliseconds;
// pass NoDelay to use the Scheduler's configured default.
func (s *Scheduler) AddDocument(url interner.Handle, priority schedtypes.Priority, features schedtypes.Features, seq schedtypes.Sequencing, notify parsetask.NotifyTarget, delayMs int) error {
	if url == interner.EmptyHandle {
		return lcierrors.NewInvalidRequestError("add_document", "url must not be empty")
	}

	s.mu.Lock()
	if s.shutdownFlag {
		s.mu.Unlock()
		return lcierrors.NewShuttingDownError("add_document")
	}
	req := ParseRequest{Priority: priority, Features: features, Sequencing: seq, Notify: notify}
	p, exists := s.plans[url]
	if exists {
		p.add(req)
	} else {
		p = newPlan(req)
		s.plans[url] = p
		s.maxJobs.Add(1)
	}
	s.pending.upsert(url, p.effectivePriority())
	delay := s.delay
	s.mu.Unlock()

	if delayMs != NoDelay {
		delay = time.Duration(delayMs) * time.Millisecond
	}
	s.scheduleDispatch(delay)
	return nil
}

// RemoveDocument drops notify's request for url. If the Plan becomes
// empty it is discarded and the lifetime outstanding-jobs counter is
// decremented.
func (s *Scheduler) RemoveDocument(url interner.Handle, notify parsetask.NotifyTarget) error {
	s.mu.Lock()
	if s.shutdownFlag {
		s.mu.Unlock()
		return lcierrors.NewShuttingDownError("remove_document")
	}
	p, exists := s.plans[url]
	if !exists {
		s.mu.Unlock()
		return nil
	}
	if p.removeNotify(notify) {
		delete(s.plans, url)
		s.pending.remove(url)
		s.maxJobs.Add(-1)
	} else {
		s.pending.upsert(url, p.effectivePriority())
	}
	s.mu.Unlock()
	s.maybeResetProgress()
	return nil
}

// RevertAllRequestsFor removes every request belonging to notify
// across every Plan, dropping any Plan that becomes empty.
func (s *Scheduler) RevertAllRequestsFor(notify parsetask.NotifyTarget) error {
	s.mu.Lock()
	if s.shutdownFlag {
		s.mu.Unlock()
		return lcierrors.NewShuttingDownError("revert_all_requests_for")
	}
	for url, p := range s.plans {
		if p.removeNotify(notify) {
			delete(s.plans, url)
			s.pending.remove(url)
			s.maxJobs.Add(-1)
		} else {
			s.pending.upsert(url, p.effectivePriority())
		}
	}
	s.mu.Unlock()
	s.maybeResetProgress()
	return nil
}

// IsQueued reports whether url has an undispatched Plan.
func (s *Scheduler) IsQueued(url interner.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.contains(url)
}

// QueuedCount returns the number of Plans not yet dispatched.
func (s *Scheduler) QueuedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.len()
}

// PriorityOf returns url's current effective priority in the Pending
// Index, and whether url is pending at all.
func (s *Scheduler) PriorityOf(url interner.Handle) (schedtypes.Priority, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.priorityOf(url)
}

// IsIdle reports whether both the Pending Index and ActiveJobs are empty.
func (s *Scheduler) IsIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.plans) == 0 && len(s.active) == 0
}

// ManagedDocuments returns every URL the Scheduler currently tracks,
// pending or active.
func (s *Scheduler) ManagedDocuments() []interner.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]interner.Handle, 0, len(s.plans)+len(s.active))
	for url := range s.plans {
		out = append(out, url)
	}
	for url := range s.active {
		if _, stillPlanned := s.plans[url]; !stillPlanned {
			out = append(out, url)
		}
	}
	return out
}

// SetThreadCount changes the number of non-reserved worker slots and
// kicks the dispatch loop, since raising it may free up capacity.
func (s *Scheduler) SetThreadCount(n int) {
	s.mu.Lock()
	s.threadCount = n
	s.mu.Unlock()
	s.scheduleDispatch(0)
}

// SetDelay changes the default coalescing delay used when AddDocument
// is called with NoDelay.
func (s *Scheduler) SetDelay(ms int) {
	s.mu.Lock()
	s.delay = time.Duration(ms) * time.Millisecond
	s.mu.Unlock()
}

// SetNeededPriority changes the worst priority the Scheduler will
// currently admit and kicks the dispatch loop.
func (s *Scheduler) SetNeededPriority(p schedtypes.Priority) {
	s.mu.Lock()
	s.neededPriority = p
	s.mu.Unlock()
	s.scheduleDispatch(0)
}

// DisableProcessing raises the needed-priority threshold past every
// priority, freezing dispatch without touching the Worker Pool.
func (s *Scheduler) DisableProcessing() { s.SetNeededPriority(schedtypes.Best) }

// EnableProcessing lowers the needed-priority threshold to admit
// every priority again.
func (s *Scheduler) EnableProcessing() { s.SetNeededPriority(schedtypes.Worst) }

// Suspend stops the dispatch timer and tells the Worker Pool to stop
// accepting new work. Running tasks run to completion.
func (s *Scheduler) Suspend() {
	s.mu.Lock()
	s.suspended = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	s.pool.Suspend()
}

// Resume restarts the dispatch timer and unfreezes the Worker Pool.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.suspended = false
	s.mu.Unlock()
	s.pool.Resume()
	s.scheduleDispatch(0)
}

// AbortAllJobs requests cooperative cancellation of every running task.
func (s *Scheduler) AbortAllJobs() { s.pool.AbortAll() }

// Shutdown marks the Scheduler as shut down: every subsequent
// AddDocument/RemoveDocument/RevertAllRequestsFor call becomes a no-op
// returning ShuttingDownError, and no further dispatch is attempted.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.shutdownFlag = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
}

// WaitForIdle blocks, polling at a short interval, until ActiveJobs is
// empty or ctx is done. Intended for integration-test harnesses.
func (s *Scheduler) WaitForIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		active := len(s.active)
		s.mu.Unlock()
		if active == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// scheduleDispatch arranges for dispatch to run after delay, keeping
// whichever pending tick is sooner — matching the teacher's
// DebouncedRebuilder "reset timer on new request, but never push a
// deadline later" coalescing idiom.
func (s *Scheduler) scheduleDispatch(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdownFlag || s.suspended {
		return
	}
	now := time.Now()
	deadline := now.Add(delay)
	if s.timer != nil {
		if s.timerDeadline.After(now) && s.timerDeadline.Before(deadline) {
			return
		}
		s.timer.Stop()
	}
	s.timerDeadline = deadline
	s.timer = time.AfterFunc(delay, s.dispatch)
}

// dispatch runs one pass of the dispatch algorithm from spec.md
// §4.E.2. It is always invoked without the scheduler mutex held.
func (s *Scheduler) dispatch() {
	s.mu.Lock()
	if s.shutdownFlag || s.suspended {
		s.mu.Unlock()
		return
	}
	if s.projects != nil && s.projects.AnyLoading() {
		s.mu.Unlock()
		s.scheduleDispatch(s.delay)
		return
	}

	dispatchedAny := false
	needsProgressReset := false

outer:
	for _, priority := range s.pending.orderedPriorities() {
		if priority > s.neededPriority {
			break
		}

		for _, url := range s.pending.urlsAt(priority) {
			if _, busy := s.active[url]; busy {
				continue
			}

			running := len(s.active)
			if running >= s.threadCount+1 {
				break outer
			}
			if running >= s.threadCount && priority > schedtypes.Normal && s.reservedSlotOwner != interner.EmptyHandle {
				break outer
			}

			p, ok := s.plans[url]
			if !ok {
				continue
			}
			if p.effectiveSequencing() == schedtypes.Requires && p.effectivePriority() > s.runningBestPriorityLocked() {
				continue
			}

			enteringReserved := running == s.threadCount && priority <= schedtypes.Normal

			s.mu.Unlock()
			tasks := s.lang.CreateTasks(url)
			s.mu.Lock()

			curPlan, stillExists := s.plans[url]
			if !stillExists || curPlan != p {
				// The URL's Plan vanished (or was replaced) while the
				// mutex was released for task creation. Documented
				// legacy quirk: the half-built task is discarded
				// without notifying anyone.
				debug.LogScheduler("plan for handle %d vanished during task creation, discarding", url)
				continue
			}

			s.pending.remove(url)
			delete(s.plans, url)

			if len(tasks) == 0 {
				s.notifyNoLanguageLocked(curPlan)
				s.doneJobs.Add(1)
				needsProgressReset = true
				continue
			}

			task := tasks[0]
			task.SetPriority(curPlan.effectivePriority())
			task.SetFeatures(curPlan.effectiveFeatures())
			task.SetSequencing(curPlan.effectiveSequencing())
			task.SetNotifyTargets(append(curPlan.notifyTargets(), s.selfTarget))
			s.wireCompletionLocked(task)

			s.active[url] = task
			if enteringReserved {
				s.reservedSlotOwner = url
			}

			if !s.pool.Submit(task) {
				// The pool refused despite our own admission check
				// (e.g. another caller suspended it concurrently);
				// put the URL back and stop this round.
				delete(s.active, url)
				if s.reservedSlotOwner == url {
					s.reservedSlotOwner = interner.EmptyHandle
				}
				s.plans[url] = curPlan
				s.pending.upsert(url, curPlan.effectivePriority())
				break outer
			}
			dispatchedAny = true
		}
	}

	hasPending := s.pending.len() > 0
	s.mu.Unlock()

	if needsProgressReset {
		s.maybeResetProgress()
	}
	if dispatchedAny && hasPending {
		s.scheduleDispatch(0)
	}
}

// runningBestPriorityLocked returns the minimum priority among
// currently active tasks that respect sequencing, or WORST if none.
// Callers must hold s.mu.
func (s *Scheduler) runningBestPriorityLocked() schedtypes.Priority {
	best := schedtypes.Worst
	for _, task := range s.active {
		if task.RespectsSequencing() && task.Priority() < best {
			best = task.Priority()
		}
	}
	return best
}

// notifyNoLanguageLocked delivers the empty-result terminal
// notification required by spec.md §4.E.3 when no language volunteered
// a task for a URL. Callers must hold s.mu.
func (s *Scheduler) notifyNoLanguageLocked(p *plan) {
	for _, nt := range p.notifyTargets() {
		if l := nt.Listener(); l != nil {
			l.OnDone(interner.EmptyHandle)
		}
	}
}

// wireCompletionLocked registers done/failed listeners that remove
// url from ActiveJobs, account progress, clear the reserved slot if
// this task held it, and re-trigger dispatch. Called from within
// dispatch's loop; callers must hold s.mu.
func (s *Scheduler) wireCompletionLocked(task parsetask.Task) {
	url := task.URL()
	task.SetDoneListener(func(interner.Handle) { s.finishTask(url) })
	task.SetFailedListener(func(h interner.Handle, err error) {
		debug.LogScheduler("task for handle %d failed: %v", h, err)
		s.finishTask(url)
	})
}

func (s *Scheduler) finishTask(url interner.Handle) {
	s.mu.Lock()
	delete(s.active, url)
	delete(s.taskProgress, url)
	if s.reservedSlotOwner == url {
		s.reservedSlotOwner = interner.EmptyHandle
	}
	s.mu.Unlock()

	s.doneJobs.Add(1)
	s.maybeResetProgress()
	s.maybeEmitProgress()
	s.scheduleDispatch(0)
}

// maybeResetProgress resets both progress counters to zero once
// every outstanding job has completed, matching spec.md §4.E.4's
// "hide the bar" rule. Callers must not hold s.mu: a reset emits a
// Hidden snapshot to the sink, which may call back into the Scheduler.
func (s *Scheduler) maybeResetProgress() {
	done := s.doneJobs.Load()
	max := s.maxJobs.Load()
	if max <= 0 || done < max {
		return
	}
	s.doneJobs.Store(0)
	s.maxJobs.Store(0)
	s.emitSnapshot(Snapshot{Hidden: true})
}

// maybeEmitProgress reports a throttled snapshot to the sink: at most
// once per progressThrottle, matching the teacher's sharded-counter
// progress tracker's own flush throttling.
func (s *Scheduler) maybeEmitProgress() {
	s.mu.Lock()
	now := time.Now()
	if !s.lastSnapshotAt.IsZero() && now.Sub(s.lastSnapshotAt) < progressThrottle {
		s.mu.Unlock()
		return
	}
	s.lastSnapshotAt = now
	var running float64
	for _, f := range s.taskProgress {
		running += f
	}
	s.mu.Unlock()

	done := s.doneJobs.Load()
	max := s.maxJobs.Load()
	if max <= 0 {
		return
	}
	fraction := (float64(done) + running) / float64(max)
	s.emitSnapshot(Snapshot{DoneJobs: done, MaxJobs: max, Fraction: fraction})
}

func (s *Scheduler) emitSnapshot(snap Snapshot) {
	if s.sink != nil {
		s.sink.OnProgress(snap)
	}
}
