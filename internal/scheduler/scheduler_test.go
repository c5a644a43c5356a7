package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/standardbeagle/lci/internal/config"
	"github.com/standardbeagle/lci/internal/interner"
	"github.com/standardbeagle/lci/internal/parsetask"
	"github.com/standardbeagle/lci/internal/schedtypes"
	"github.com/standardbeagle/lci/internal/workerpool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingListener is a test double for parsetask.Listener.
type recordingListener struct {
	mu    sync.Mutex
	done  []interner.Handle
	fails []error
}

func (r *recordingListener) OnProgress(interner.Handle, float64, string) {}
func (r *recordingListener) OnDone(url interner.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = append(r.done, url)
}
func (r *recordingListener) OnFailed(url interner.Handle, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fails = append(r.fails, err)
}

func (r *recordingListener) doneCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.done)
}

// gatedRegistry hands out FuncTasks that block until released, so
// tests can control exactly when a task finishes. The function it
// wraps is fixed per URL.
type gatedRegistry struct {
	mu   sync.Mutex
	runs map[interner.Handle]parsetask.RunFunc
}

func newGatedRegistry() *gatedRegistry {
	return &gatedRegistry{runs: make(map[interner.Handle]parsetask.RunFunc)}
}

func (g *gatedRegistry) set(url interner.Handle, run parsetask.RunFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runs[url] = run
}

func (g *gatedRegistry) CreateTasks(url interner.Handle) []parsetask.Task {
	g.mu.Lock()
	run, ok := g.runs[url]
	g.mu.Unlock()
	if !ok {
		return nil
	}
	return []parsetask.Task{parsetask.NewFuncTask(url, run)}
}

type neverLoading struct{}

func (neverLoading) AnyLoading() bool { return false }

func instantRun(ctx context.Context, url interner.Handle, report func(float64, string)) error {
	return nil
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition never became true within %s", timeout)
}

func newTestScheduler(threadCount int, lang LanguageRegistry) (*Scheduler, *workerpool.Pool) {
	pool := workerpool.New(threadCount + 1)
	opts := config.Scheduler{DelayMs: 0, ThreadCount: threadCount, Enabled: true}
	s := New(pool, opts, lang, neverLoading{}, nil)
	return s, pool
}

// TestS1_SingleFileSingleWorker: exactly one task runs, the notify
// target gets exactly one terminal notification, and the queue drains.
func TestS1_SingleFileSingleWorker(t *testing.T) {
	in := interner.New()
	url := in.Intern("file:///a.go")

	registry := newGatedRegistry()
	registry.set(url, instantRun)
	s, pool := newTestScheduler(1, registry)

	listener := &recordingListener{}
	var l parsetask.Listener = listener
	require.NoError(t, s.AddDocument(url, schedtypes.Normal, 0, schedtypes.Ignores, parsetask.NewNotifyTarget(&l), 0))

	waitForCondition(t, 2*time.Second, s.IsIdle)
	require.NoError(t, s.WaitForIdle(context.Background()))
	require.NoError(t, pool.Wait())

	assert.Equal(t, 1, listener.doneCount())
	assert.Equal(t, 0, s.QueuedCount())
}

// TestS2_Coalescing: two requests for the same URL before dispatch
// fires produce exactly one task, at the better priority and the
// union of features, and both notify targets fire once.
func TestS2_Coalescing(t *testing.T) {
	in := interner.New()
	url := in.Intern("file:///coalesced.go")

	var invocations atomic.Int32

	registry := newGatedRegistry()
	registry.set(url, func(ctx context.Context, u interner.Handle, report func(float64, string)) error {
		invocations.Add(1)
		return nil
	})

	pool := workerpool.New(2)
	opts := config.Scheduler{DelayMs: 50, ThreadCount: 1, Enabled: true}
	s := New(pool, opts, registry, neverLoading{}, nil)

	l1 := &recordingListener{}
	l2 := &recordingListener{}
	var li1 parsetask.Listener = l1
	var li2 parsetask.Listener = l2

	require.NoError(t, s.AddDocument(url, schedtypes.Normal, 0b001, schedtypes.Ignores, parsetask.NewNotifyTarget(&li1), NoDelay))
	require.NoError(t, s.AddDocument(url, schedtypes.Best, 0b010, schedtypes.Ignores, parsetask.NewNotifyTarget(&li2), NoDelay))

	waitForCondition(t, 2*time.Second, s.IsIdle)
	require.NoError(t, s.WaitForIdle(context.Background()))
	require.NoError(t, pool.Wait())

	assert.EqualValues(t, 1, invocations.Load())
	assert.Equal(t, 1, l1.doneCount())
	assert.Equal(t, 1, l2.doneCount())
}

// TestS3_DependencyOrdering: a REQUIRES task at a worse priority must
// not start until a better-priority REQUIRES task has finished, even
// with spare worker capacity.
func TestS3_DependencyOrdering(t *testing.T) {
	in := interner.New()
	a := in.Intern("file:///a.go")
	b := in.Intern("file:///b.go")

	release := make(chan struct{})
	var aStarted, bStarted atomic.Bool

	registry := newGatedRegistry()
	registry.set(a, func(ctx context.Context, u interner.Handle, report func(float64, string)) error {
		aStarted.Store(true)
		<-release
		return nil
	})
	registry.set(b, func(ctx context.Context, u interner.Handle, report func(float64, string)) error {
		bStarted.Store(true)
		return nil
	})

	s, pool := newTestScheduler(2, registry)

	var la, lb parsetask.Listener = &recordingListener{}, &recordingListener{}
	require.NoError(t, s.AddDocument(a, 0, 0, schedtypes.Requires, parsetask.NewNotifyTarget(&la), 0))
	require.NoError(t, s.AddDocument(b, 5, 0, schedtypes.Requires, parsetask.NewNotifyTarget(&lb), 0))

	waitForCondition(t, time.Second, func() bool { return aStarted.Load() })
	time.Sleep(20 * time.Millisecond)
	assert.False(t, bStarted.Load(), "b must not start before a finishes")

	close(release)
	waitForCondition(t, 2*time.Second, s.IsIdle)
	require.NoError(t, s.WaitForIdle(context.Background()))
	require.NoError(t, pool.Wait())
	assert.True(t, bStarted.Load())
}

// TestS4_ReservedSlot: with thread_count=1, ten NORMAL tasks queued
// then one at a better-than-NORMAL priority — the better task and
// exactly one NORMAL task start immediately; the rest wait.
func TestS4_ReservedSlot(t *testing.T) {
	in := interner.New()

	release := make(chan struct{})
	var started atomic.Int32

	registry := newGatedRegistry()
	blocking := func(ctx context.Context, u interner.Handle, report func(float64, string)) error {
		started.Add(1)
		<-release
		return nil
	}

	normalURLs := make([]interner.Handle, 10)
	for i := range normalURLs {
		normalURLs[i] = in.Intern("file:///normal" + string(rune('a'+i)) + ".go")
		registry.set(normalURLs[i], blocking)
	}
	best := in.Intern("file:///urgent.go")
	registry.set(best, blocking)

	s, pool := newTestScheduler(1, registry)

	for _, u := range normalURLs {
		var l parsetask.Listener = &recordingListener{}
		require.NoError(t, s.AddDocument(u, schedtypes.Normal, 0, schedtypes.Ignores, parsetask.NewNotifyTarget(&l), 0))
	}
	var lBest parsetask.Listener = &recordingListener{}
	require.NoError(t, s.AddDocument(best, -10, 0, schedtypes.Ignores, parsetask.NewNotifyTarget(&lBest), 0))

	waitForCondition(t, time.Second, func() bool { return started.Load() == 2 })
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 2, started.Load(), "only the reserved slot plus one normal slot should be occupied")

	close(release)
	waitForCondition(t, 2*time.Second, s.IsIdle)
	require.NoError(t, s.WaitForIdle(context.Background()))
	require.NoError(t, pool.Wait())
	assert.EqualValues(t, 11, started.Load())
}

// TestS5_NoHandlerFallback: when the Language Registry yields no
// tasks, the notify target still gets exactly one terminal notification.
func TestS5_NoHandlerFallback(t *testing.T) {
	in := interner.New()
	url := in.Intern("file:///unknown.ext")

	registry := newGatedRegistry() // never configured for url: CreateTasks returns nil
	s, pool := newTestScheduler(1, registry)

	listener := &recordingListener{}
	var l parsetask.Listener = listener
	require.NoError(t, s.AddDocument(url, schedtypes.Normal, 0, schedtypes.Ignores, parsetask.NewNotifyTarget(&l), 0))

	waitForCondition(t, 2*time.Second, s.IsIdle)
	require.NoError(t, s.WaitForIdle(context.Background()))
	require.NoError(t, pool.Wait())

	assert.Equal(t, 1, listener.doneCount())
	assert.Equal(t, 0, s.QueuedCount())
}

// TestS6_InternerCollision exercises the interner contract the
// Scheduler's URLs rely on; kept here since spec.md groups it with the
// other end-to-end scenarios.
func TestS6_InternerCollision(t *testing.T) {
	in := interner.New()
	assert.Equal(t, interner.Handle(0xFFFF0061), in.Intern("a"))
	assert.Equal(t, interner.EmptyHandle, in.Intern(""))

	x := in.Intern("ab")
	assert.Greater(t, uint32(x), uint32(0xFFFF))
	assert.Equal(t, x, in.Intern("ab"))

	text, ok := in.Lookup(x)
	require.True(t, ok)
	assert.Equal(t, "ab", text)
	assert.Equal(t, 2, in.Length(x))
}

// TestDispatch_PlanVanishesDuringCreate exercises the documented
// legacy quirk: if RemoveDocument runs while the mutex is released for
// task creation, the half-built task is discarded without notifying
// anyone, and does not panic or deadlock.
func TestDispatch_PlanVanishesDuringCreate(t *testing.T) {
	in := interner.New()
	url := in.Intern("file:///vanishing.go")

	ready := make(chan struct{})
	registry := &raceRegistry{url: url, ready: ready}
	s, pool := newTestScheduler(1, registry)

	listener := &recordingListener{}
	var l parsetask.Listener = listener
	notify := parsetask.NewNotifyTarget(&l)
	require.NoError(t, s.AddDocument(url, schedtypes.Normal, 0, schedtypes.Ignores, notify, 0))

	<-ready
	require.NoError(t, s.RemoveDocument(url, notify))
	close(registry.proceed)

	// Give dispatch time to observe the vanished plan and discard the task.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, listener.doneCount())
	assert.False(t, s.IsQueued(url))

	require.NoError(t, pool.Wait())
}

// raceRegistry signals ready the moment CreateTasks is entered (while
// the scheduler mutex is released) and blocks until the test closes
// proceed, simulating a caller racing RemoveDocument against dispatch.
type raceRegistry struct {
	url     interner.Handle
	ready   chan struct{}
	proceed chan struct{}
	once    sync.Once
}

func (r *raceRegistry) CreateTasks(url interner.Handle) []parsetask.Task {
	r.once.Do(func() {
		r.proceed = make(chan struct{})
		close(r.ready)
	})
	<-r.proceed
	return []parsetask.Task{parsetask.NewFuncTask(url, instantRun)}
}

// TestInvariant_MaxJobsNeverLessThanDoneJobs checks the max_jobs >=
// done_jobs invariant across a burst of adds, removes, and completions.
func TestInvariant_MaxJobsNeverLessThanDoneJobs(t *testing.T) {
	in := interner.New()
	registry := newGatedRegistry()
	s, pool := newTestScheduler(4, registry)

	for i := 0; i < 20; i++ {
		url := in.Intern("file:///bulk" + string(rune('a'+i)) + ".go")
		registry.set(url, instantRun)
		var l parsetask.Listener = &recordingListener{}
		require.NoError(t, s.AddDocument(url, schedtypes.Normal, 0, schedtypes.Ignores, parsetask.NewNotifyTarget(&l), 0))
		assert.GreaterOrEqual(t, s.maxJobs.Load(), s.doneJobs.Load())
	}

	waitForCondition(t, 2*time.Second, s.IsIdle)
	require.NoError(t, s.WaitForIdle(context.Background()))
	require.NoError(t, pool.Wait())
	assert.GreaterOrEqual(t, s.maxJobs.Load(), s.doneJobs.Load())
}

// TestInvariant_AtMostOneActiveTaskPerURL dispatches the same URL
// repeatedly while a prior run is still in flight and checks
// ActiveJobs never holds two tasks for it.
func TestInvariant_AtMostOneActiveTaskPerURL(t *testing.T) {
	in := interner.New()
	url := in.Intern("file:///busy.go")

	release := make(chan struct{})
	var running atomic.Bool
	registry := newGatedRegistry()
	registry.set(url, func(ctx context.Context, u interner.Handle, report func(float64, string)) error {
		running.Store(true)
		<-release
		return nil
	})
	s, pool := newTestScheduler(2, registry)

	var l parsetask.Listener = &recordingListener{}
	notify := parsetask.NewNotifyTarget(&l)
	require.NoError(t, s.AddDocument(url, schedtypes.Normal, 0, schedtypes.Ignores, notify, 0))
	waitForCondition(t, time.Second, func() bool { return running.Load() })

	// Re-requesting the same URL while it's active should not create a
	// second concurrent task; it must queue behind the running one.
	require.NoError(t, s.AddDocument(url, schedtypes.Normal, 0, schedtypes.Ignores, notify, 0))
	time.Sleep(20 * time.Millisecond)

	s.mu.Lock()
	activeCount := 0
	if _, ok := s.active[url]; ok {
		activeCount = 1
	}
	s.mu.Unlock()
	assert.Equal(t, 1, activeCount)

	close(release)
	waitForCondition(t, 2*time.Second, s.IsIdle)
	require.NoError(t, s.WaitForIdle(context.Background()))
	require.NoError(t, pool.Wait())
}

func TestSuspendResume(t *testing.T) {
	in := interner.New()
	url := in.Intern("file:///suspended.go")
	registry := newGatedRegistry()
	registry.set(url, instantRun)
	s, pool := newTestScheduler(1, registry)

	s.Suspend()
	var l parsetask.Listener = &recordingListener{}
	require.NoError(t, s.AddDocument(url, schedtypes.Normal, 0, schedtypes.Ignores, parsetask.NewNotifyTarget(&l), 0))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, s.IsQueued(url), "suspended scheduler must not dispatch")

	s.Resume()
	waitForCondition(t, 2*time.Second, s.IsIdle)
	require.NoError(t, s.WaitForIdle(context.Background()))
	require.NoError(t, pool.Wait())
	assert.False(t, s.IsQueued(url))
}

func TestDisableEnableProcessing(t *testing.T) {
	in := interner.New()
	url := in.Intern("file:///gated.go")
	registry := newGatedRegistry()
	registry.set(url, instantRun)
	s, pool := newTestScheduler(1, registry)

	s.DisableProcessing()
	var l parsetask.Listener = &recordingListener{}
	require.NoError(t, s.AddDocument(url, schedtypes.Normal, 0, schedtypes.Ignores, parsetask.NewNotifyTarget(&l), 0))
	time.Sleep(20 * time.Millisecond)
	assert.True(t, s.IsQueued(url))

	s.EnableProcessing()
	waitForCondition(t, 2*time.Second, s.IsIdle)
	require.NoError(t, s.WaitForIdle(context.Background()))
	require.NoError(t, pool.Wait())
	assert.False(t, s.IsQueued(url))
}

func TestRemoveDocument_DropsUndispatchedPlan(t *testing.T) {
	in := interner.New()
	url := in.Intern("file:///dropped.go")
	registry := newGatedRegistry()
	registry.set(url, instantRun)
	s, pool := newTestScheduler(1, registry)

	s.Suspend()
	var l parsetask.Listener = &recordingListener{}
	notify := parsetask.NewNotifyTarget(&l)
	require.NoError(t, s.AddDocument(url, schedtypes.Normal, 0, schedtypes.Ignores, notify, 0))
	require.NoError(t, s.RemoveDocument(url, notify))

	assert.False(t, s.IsQueued(url))
	assert.True(t, s.IsIdle())
	assert.EqualValues(t, 0, s.maxJobs.Load())

	s.Resume()
	require.NoError(t, pool.Wait())
}

func TestRevertAllRequestsFor(t *testing.T) {
	in := interner.New()
	a := in.Intern("file:///revert-a.go")
	b := in.Intern("file:///revert-b.go")
	registry := newGatedRegistry()
	registry.set(a, instantRun)
	registry.set(b, instantRun)
	s, pool := newTestScheduler(1, registry)

	s.Suspend()
	var l parsetask.Listener = &recordingListener{}
	notify := parsetask.NewNotifyTarget(&l)
	require.NoError(t, s.AddDocument(a, schedtypes.Normal, 0, schedtypes.Ignores, notify, 0))
	require.NoError(t, s.AddDocument(b, schedtypes.Normal, 0, schedtypes.Ignores, notify, 0))

	require.NoError(t, s.RevertAllRequestsFor(notify))
	assert.True(t, s.IsIdle())

	s.Resume()
	require.NoError(t, pool.Wait())
}

func TestShutdown_RejectsNewRequests(t *testing.T) {
	in := interner.New()
	url := in.Intern("file:///after-shutdown.go")
	registry := newGatedRegistry()
	registry.set(url, instantRun)
	s, pool := newTestScheduler(1, registry)

	s.Shutdown()
	var l parsetask.Listener = &recordingListener{}
	err := s.AddDocument(url, schedtypes.Normal, 0, schedtypes.Ignores, parsetask.NewNotifyTarget(&l), 0)
	require.Error(t, err)

	require.NoError(t, pool.Wait())
}

func TestAddDocument_RejectsEmptyURL(t *testing.T) {
	s, pool := newTestScheduler(1, newGatedRegistry())
	var l parsetask.Listener = &recordingListener{}
	err := s.AddDocument(interner.EmptyHandle, schedtypes.Normal, 0, schedtypes.Ignores, parsetask.NewNotifyTarget(&l), 0)
	assert.Error(t, err)
	require.NoError(t, pool.Wait())
}

func TestTaskFailure_CleansUpActiveJobsWithoutRequeue(t *testing.T) {
	in := interner.New()
	url := in.Intern("file:///failing.go")
	boom := errors.New("boom")

	registry := newGatedRegistry()
	registry.set(url, func(ctx context.Context, u interner.Handle, report func(float64, string)) error {
		return boom
	})
	s, pool := newTestScheduler(1, registry)

	listener := &recordingListener{}
	var l parsetask.Listener = listener
	require.NoError(t, s.AddDocument(url, schedtypes.Normal, 0, schedtypes.Ignores, parsetask.NewNotifyTarget(&l), 0))

	waitForCondition(t, 2*time.Second, s.IsIdle)
	require.NoError(t, s.WaitForIdle(context.Background()))
	require.NoError(t, pool.Wait())

	assert.Len(t, listener.fails, 1)
	assert.False(t, s.IsQueued(url))
	assert.True(t, s.IsIdle())
}
