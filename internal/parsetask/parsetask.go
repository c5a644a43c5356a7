// Package parsetask implements the Parse Task: an opaque unit of work
// manufactured per (URL, language) pair. It carries priority, feature
// flags, sequencing flags, a progress channel, and completion
// listeners the Scheduler registers and is guaranteed to see fired
// exactly once.
package parsetask

import (
	"context"
	"sync"
	"weak"

	"github.com/standardbeagle/lci/internal/interner"
	"github.com/standardbeagle/lci/internal/schedtypes"
)

// Listener receives a Parse Task's terminal and progress events. A
// consumer held by the Scheduler as a NotifyTarget implements this.
type Listener interface {
	OnProgress(url interner.Handle, fraction float64, message string)
	OnDone(url interner.Handle)
	OnFailed(url interner.Handle, err error)
}

// NotifyTarget is a weak reference to a Listener: if the target is
// reclaimed between request and completion, the notification is
// silently dropped rather than delivered to a dangling pointer. The
// caller must keep the Listener field this wraps reachable through its
// own normal strong references for as long as it wants notifications.
type NotifyTarget struct {
	ptr weak.Pointer[Listener]
}

// NewNotifyTarget wraps target, a pointer to a long-lived interface
// field the caller owns, in a weak reference.
func NewNotifyTarget(target *Listener) NotifyTarget {
	return NotifyTarget{ptr: weak.Make(target)}
}

// Listener returns the live listener, or nil if it has been reclaimed.
func (n NotifyTarget) Listener() Listener {
	v := n.ptr.Value()
	if v == nil {
		return nil
	}
	return *v
}

// DoneFunc is invoked exactly once when a task completes successfully.
type DoneFunc func(url interner.Handle)

// FailedFunc is invoked exactly once when a task's Run returns an error.
type FailedFunc func(url interner.Handle, err error)

// Task is the public, abstract Parse Task surface. Concrete
// implementations embed *BaseTask for the bookkeeping and supply Run.
type Task interface {
	URL() interner.Handle

	Priority() schedtypes.Priority
	SetPriority(schedtypes.Priority)

	Features() schedtypes.Features
	SetFeatures(schedtypes.Features)

	Sequencing() schedtypes.Sequencing
	SetSequencing(schedtypes.Sequencing)
	RespectsSequencing() bool

	NotifyTargets() []NotifyTarget
	SetNotifyTargets([]NotifyTarget)

	ReportProgress(fraction float64, message string)

	SetDoneListener(DoneFunc)
	SetFailedListener(FailedFunc)

	// Run executes the task's work exactly once. Implementations must
	// call Complete or Fail (via the embedded BaseTask) before
	// returning, and must not hold the DU-Lock across a call back into
	// the Scheduler.
	Run(ctx context.Context) error
}

// BaseTask implements everything in Task except Run. Embed it in a
// concrete task type and implement Run on top.
type BaseTask struct {
	url interner.Handle

	mu            sync.Mutex
	priority      schedtypes.Priority
	features      schedtypes.Features
	sequencing    schedtypes.Sequencing
	notifyTargets []NotifyTarget

	doneListener   DoneFunc
	failedListener FailedFunc
	completeOnce   sync.Once
}

// NewBaseTask creates a BaseTask for url with NORMAL priority, no
// feature demands, and IGNORES sequencing.
func NewBaseTask(url interner.Handle) *BaseTask {
	return &BaseTask{
		url:        url,
		priority:   schedtypes.Normal,
		sequencing: schedtypes.Ignores,
	}
}

func (t *BaseTask) URL() interner.Handle { return t.url }

func (t *BaseTask) Priority() schedtypes.Priority {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

func (t *BaseTask) SetPriority(p schedtypes.Priority) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.priority = p
}

func (t *BaseTask) Features() schedtypes.Features {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.features
}

func (t *BaseTask) SetFeatures(f schedtypes.Features) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.features = f
}

func (t *BaseTask) Sequencing() schedtypes.Sequencing {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sequencing
}

func (t *BaseTask) SetSequencing(s schedtypes.Sequencing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sequencing = s
}

// RespectsSequencing reports whether this task counts toward the
// Scheduler's running-best-priority computation: every sequencing
// value except IGNORES does.
func (t *BaseTask) RespectsSequencing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sequencing != schedtypes.Ignores
}

func (t *BaseTask) NotifyTargets() []NotifyTarget {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]NotifyTarget, len(t.notifyTargets))
	copy(out, t.notifyTargets)
	return out
}

func (t *BaseTask) SetNotifyTargets(targets []NotifyTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifyTargets = targets
}

// ReportProgress emits a progress event to every still-live notify
// target. fraction is in [0, 1]; message is optional context.
func (t *BaseTask) ReportProgress(fraction float64, message string) {
	for _, nt := range t.NotifyTargets() {
		if l := nt.Listener(); l != nil {
			l.OnProgress(t.url, fraction, message)
		}
	}
}

func (t *BaseTask) SetDoneListener(fn DoneFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.doneListener = fn
}

func (t *BaseTask) SetFailedListener(fn FailedFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failedListener = fn
}

// Complete fires the done listener. Only the first of Complete/Fail
// to be called for a given task has any effect.
func (t *BaseTask) Complete() {
	t.completeOnce.Do(func() {
		t.mu.Lock()
		fn := t.doneListener
		t.mu.Unlock()
		if fn != nil {
			fn(t.url)
		}
		for _, nt := range t.NotifyTargets() {
			if l := nt.Listener(); l != nil {
				l.OnDone(t.url)
			}
		}
	})
}

// Fail fires the failed listener with err. Only the first of
// Complete/Fail to be called for a given task has any effect.
func (t *BaseTask) Fail(err error) {
	t.completeOnce.Do(func() {
		t.mu.Lock()
		fn := t.failedListener
		t.mu.Unlock()
		if fn != nil {
			fn(t.url, err)
		}
		for _, nt := range t.NotifyTargets() {
			if l := nt.Listener(); l != nil {
				l.OnFailed(t.url, err)
			}
		}
	})
}

// RunFunc is the concrete work a FuncTask performs. report forwards
// fractional progress to the task's notify targets.
type RunFunc func(ctx context.Context, url interner.Handle, report func(fraction float64, message string)) error

// FuncTask is a Task built from a plain function, used by tests, the
// demo CLI, and any language handler that doesn't need a dedicated type.
type FuncTask struct {
	*BaseTask
	run RunFunc
}

// NewFuncTask creates a FuncTask for url that executes run when dispatched.
func NewFuncTask(url interner.Handle, run RunFunc) *FuncTask {
	return &FuncTask{BaseTask: NewBaseTask(url), run: run}
}

// Run executes the wrapped function and fires Complete or Fail
// depending on its outcome.
func (t *FuncTask) Run(ctx context.Context) error {
	err := t.run(ctx, t.url, t.ReportProgress)
	if err != nil {
		t.Fail(err)
		return err
	}
	t.Complete()
	return nil
}
