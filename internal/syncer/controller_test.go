package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobwatch/internal/progress"
	"github.com/JakeFAU/jobwatch/internal/transport/poll"
	"github.com/JakeFAU/jobwatch/internal/transport/push"
)

type fakePush struct {
	binding progress.Binding
	handle  push.Handler
	opened  atomic.Bool
	closed  atomic.Bool
}

func (f *fakePush) Open(context.Context) { f.opened.Store(true) }
func (f *fakePush) Close()               { f.closed.Store(true) }

type fakePoll struct {
	binding progress.Binding
	handle  poll.Handler
	started atomic.Bool
	stopped atomic.Bool
}

func (f *fakePoll) Start(context.Context) { f.started.Store(true) }
func (f *fakePoll) Stop()                 { f.stopped.Store(true) }

type transports struct {
	mu     sync.Mutex
	pushes []*fakePush
	polls  []*fakePoll
}

func (tr *transports) newPush(b progress.Binding, h push.Handler) PushTransport {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	p := &fakePush{binding: b, handle: h}
	tr.pushes = append(tr.pushes, p)
	return p
}

func (tr *transports) newPoll(b progress.Binding, h poll.Handler) PollTransport {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	p := &fakePoll{binding: b, handle: h}
	tr.polls = append(tr.polls, p)
	return p
}

func (tr *transports) push(i int) *fakePush {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.pushes[i]
}

func (tr *transports) pollCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.polls)
}

func (tr *transports) poll(i int) *fakePoll {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.polls[i]
}

type recorder struct {
	mu      sync.Mutex
	changes []progress.Change
}

func (r *recorder) Emit(c progress.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) Causes() []progress.Cause {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Cause, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.Cause)
	}
	return out
}

func (r *recorder) Last() progress.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changes[len(r.changes)-1]
}

func newController(t *testing.T) (*Controller, *transports, *recorder) {
	t.Helper()
	tr := &transports{}
	rec := &recorder{}
	c, err := New(Config{NewPush: tr.newPush, NewPoll: tr.newPoll, Emitter: rec})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, tr, rec
}

func stagePtr(s progress.Stage) *progress.Stage { return &s }

func pctPtr(f float64) *float64 { return &f }

func pushProgress(p *fakePush, st progress.Stage, pct float64) {
	p.handle(push.Event{Kind: push.EventUpdate, Update: progress.FullReplace(p.binding, progress.SourcePush,
		progress.Fields{Stage: stagePtr(st), Progress: pctPtr(pct)})})
}

func pollProgress(p *fakePoll, st progress.Stage, pct float64) {
	p.handle(poll.Event{Kind: poll.EventUpdate, Update: progress.FullReplace(p.binding, progress.SourcePoll,
		progress.Fields{Stage: stagePtr(st), Progress: pctPtr(pct)})})
}

func eventually(t *testing.T, c *Controller, cond func(progress.Snapshot) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(c.Snapshot()) }, 2*time.Second, 5*time.Millisecond)
}

// TestBindOpensPush starts exactly one push transport for the bound job.
func TestBindOpensPush(t *testing.T) {
	t.Parallel()

	c, tr, rec := newController(t)
	require.NoError(t, c.Bind(context.Background(), "J1"))

	p := tr.push(0)
	require.True(t, p.opened.Load())
	require.Equal(t, progress.Binding{JobID: "J1", Seq: 1}, p.binding)
	require.Equal(t, p.binding, c.Binding())
	require.Equal(t, progress.Initial(), c.Snapshot())
	require.Equal(t, []progress.Cause{progress.CauseBind}, rec.Causes())

	p.handle(push.Event{Kind: push.EventOpen})
	eventually(t, c, func(s progress.Snapshot) bool { return s.Connected })
}

// TestBindAbsentResetsSnapshot returns to the initial snapshot from any state.
func TestBindAbsentResetsSnapshot(t *testing.T) {
	t.Parallel()

	c, tr, rec := newController(t)
	require.NoError(t, c.Bind(context.Background(), "J1"))
	p := tr.push(0)
	p.handle(push.Event{Kind: push.EventOpen})
	pushProgress(p, progress.StageEvaluation, 40)
	p.handle(push.Event{Kind: push.EventUpdate, Update: progress.ErrorAppend(p.binding, progress.SourcePush, "rate limited")})
	eventually(t, c, func(s progress.Snapshot) bool { return len(s.Errors) == 1 })

	require.NoError(t, c.Bind(context.Background(), ""))
	require.Equal(t, progress.Initial(), c.Snapshot())
	require.False(t, c.Binding().Bound())
	require.True(t, p.closed.Load())

	reset := rec.Last()
	require.Equal(t, progress.CauseReset, reset.Cause)
	require.Equal(t, p.binding, reset.Binding)
	require.Equal(t, progress.StageEvaluation, reset.Previous)
}

// TestRebindDiscardsLateCallbacks drops events from the previous binding's transports.
func TestRebindDiscardsLateCallbacks(t *testing.T) {
	t.Parallel()

	c, tr, _ := newController(t)
	ctx := context.Background()
	require.NoError(t, c.Bind(ctx, "J1"))
	old := tr.push(0)

	require.NoError(t, c.Bind(ctx, "J2"))
	require.True(t, old.closed.Load())
	current := tr.push(1)

	pushProgress(old, progress.StageCompleted, 100)
	old.handle(push.Event{Kind: push.EventUpdate, Update: progress.ErrorAppend(old.binding, progress.SourcePush, "stale")})
	old.handle(push.Event{Kind: push.EventClosed, Opened: true, Err: errors.New("late close")})
	current.handle(push.Event{Kind: push.EventOpen})

	eventually(t, c, func(s progress.Snapshot) bool { return s.Connected })
	snap := c.Snapshot()
	require.Equal(t, progress.StagePending, snap.Stage)
	require.Zero(t, snap.Progress)
	require.Empty(t, snap.Errors)
	require.Zero(t, tr.pollCount(), "stale close must not start polling")
}

// TestRebindSameJobInvalidatesOldTransport treats a repeated id as a fresh binding.
func TestRebindSameJobInvalidatesOldTransport(t *testing.T) {
	t.Parallel()

	c, tr, _ := newController(t)
	ctx := context.Background()
	require.NoError(t, c.Bind(ctx, "J1"))
	require.NoError(t, c.Bind(ctx, "J1"))
	old, current := tr.push(0), tr.push(1)
	require.NotEqual(t, old.binding, current.binding)

	pushProgress(old, progress.StageReporting, 90)
	pushProgress(current, progress.StageIngestion, 5)
	eventually(t, c, func(s progress.Snapshot) bool { return s.Stage == progress.StageIngestion })
	require.InDelta(t, 5, c.Snapshot().Progress, 1e-9)
}

// TestErrorMessageOnlyAppends keeps stage and progress on a push error message.
func TestErrorMessageOnlyAppends(t *testing.T) {
	t.Parallel()

	c, tr, rec := newController(t)
	require.NoError(t, c.Bind(context.Background(), "J1"))
	p := tr.push(0)
	pushProgress(p, progress.StageEvaluation, 40)
	p.handle(push.Event{Kind: push.EventUpdate, Update: progress.ErrorAppend(p.binding, progress.SourcePush, "rate limited")})

	eventually(t, c, func(s progress.Snapshot) bool { return len(s.Errors) == 1 })
	snap := c.Snapshot()
	require.Equal(t, progress.StageEvaluation, snap.Stage)
	require.InDelta(t, 40, snap.Progress, 1e-9)
	require.Equal(t, []string{"rate limited"}, snap.Errors)
	require.Equal(t, progress.CausePushError, rec.Last().Cause)
	require.False(t, p.closed.Load(), "server errors do not stop the transport")
}

// TestPushCloseStartsFallback switches to polling when push ends before a terminal stage.
func TestPushCloseStartsFallback(t *testing.T) {
	t.Parallel()

	c, tr, rec := newController(t)
	require.NoError(t, c.Bind(context.Background(), "J1"))
	p := tr.push(0)
	p.handle(push.Event{Kind: push.EventOpen})
	pushProgress(p, progress.StageEmbedding, 30)
	p.handle(push.Event{Kind: push.EventClosed, Opened: true, Err: errors.New("abnormal closure")})

	require.Eventually(t, func() bool { return tr.pollCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	q := tr.poll(0)
	require.True(t, q.started.Load())
	require.Equal(t, p.binding, q.binding)

	snap := c.Snapshot()
	require.False(t, snap.Connected)
	require.Equal(t, progress.StageEmbedding, snap.Stage)

	closed := rec.Last()
	require.Equal(t, progress.CausePushClosed, closed.Cause)
	require.True(t, closed.Fallback)
}

// TestPushDialFailureStartsFallback polls when the push channel never opened.
func TestPushDialFailureStartsFallback(t *testing.T) {
	t.Parallel()

	c, tr, _ := newController(t)
	require.NoError(t, c.Bind(context.Background(), "J1"))
	tr.push(0).handle(push.Event{Kind: push.EventClosed, Err: errors.New("connection refused")})

	require.Eventually(t, func() bool { return tr.pollCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Empty(t, c.Snapshot().Errors, "open failures are not surfaced")
}

// TestPushCloseAfterTerminalSkipsFallback never polls once the job finished.
func TestPushCloseAfterTerminalSkipsFallback(t *testing.T) {
	t.Parallel()

	c, tr, rec := newController(t)
	require.NoError(t, c.Bind(context.Background(), "J1"))
	p := tr.push(0)
	p.handle(push.Event{Kind: push.EventOpen})
	pushProgress(p, progress.StageCompleted, 100)
	eventually(t, c, func(s progress.Snapshot) bool { return s.Terminal() })
	require.Eventually(t, p.closed.Load, time.Second, 5*time.Millisecond)

	p.handle(push.Event{Kind: push.EventClosed, Opened: true})
	pushProgress(p, progress.StageEvaluation, 10)

	_, err := c.Wait(context.Background())
	require.NoError(t, err)
	require.Never(t, func() bool { return tr.pollCount() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	snap := c.Snapshot()
	require.Equal(t, progress.StageCompleted, snap.Stage)
	require.True(t, snap.Connected, "a frozen snapshot keeps its connected flag")
	require.Equal(t, progress.CausePushProgress, rec.Last().Cause)
}

// TestPollTerminalStopsTransports stops the poller after the final update.
func TestPollTerminalStopsTransports(t *testing.T) {
	t.Parallel()

	c, tr, _ := newController(t)
	require.NoError(t, c.Bind(context.Background(), "J1"))
	tr.push(0).handle(push.Event{Kind: push.EventClosed})
	require.Eventually(t, func() bool { return tr.pollCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	q := tr.poll(0)

	pollProgress(q, progress.StageEvaluation, 55)
	pollProgress(q, progress.StageFailed, 60)
	snap, err := c.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, progress.StageFailed, snap.Stage)
	require.False(t, snap.Connected)
	require.True(t, q.stopped.Load())
}

// TestPollUnreachableAppendsError surfaces the give-up as one error entry.
func TestPollUnreachableAppendsError(t *testing.T) {
	t.Parallel()

	c, tr, rec := newController(t)
	require.NoError(t, c.Bind(context.Background(), "J1"))
	tr.push(0).handle(push.Event{Kind: push.EventClosed})
	require.Eventually(t, func() bool { return tr.pollCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	tr.poll(0).handle(poll.Event{Kind: poll.EventUnreachable, Failures: 30, Err: poll.ErrGaveUp})
	eventually(t, c, func(s progress.Snapshot) bool { return len(s.Errors) == 1 })
	snap := c.Snapshot()
	require.Equal(t, []string{poll.ErrGaveUp.Error()}, snap.Errors)
	require.Equal(t, progress.StagePending, snap.Stage)
	require.Equal(t, progress.CausePollUnreachable, rec.Last().Cause)
}

// TestWaitReturnsUnreachable ends a wait once polling gives up with no push channel.
func TestWaitReturnsUnreachable(t *testing.T) {
	t.Parallel()

	c, tr, _ := newController(t)
	require.NoError(t, c.Bind(context.Background(), "J1"))

	type result struct {
		snap progress.Snapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := c.Wait(context.Background())
		done <- result{snap: snap, err: err}
	}()

	tr.push(0).handle(push.Event{Kind: push.EventClosed})
	require.Eventually(t, func() bool { return tr.pollCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	tr.poll(0).handle(poll.Event{Kind: poll.EventUnreachable, Failures: 30, Err: poll.ErrGaveUp})

	select {
	case res := <-done:
		require.ErrorIs(t, res.err, ErrUnreachable)
		require.Equal(t, progress.StagePending, res.snap.Stage)
		require.Equal(t, []string{poll.ErrGaveUp.Error()}, res.snap.Errors)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return after polling gave up")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.Wait(ctx)
	require.ErrorIs(t, err, ErrUnreachable, "a later wait sees the same outcome")
	require.Equal(t, progress.Binding{JobID: "J1", Seq: 1}, c.Binding())
}

// TestWaitOutcomes covers unbound, rebound, and cancelled waits.
func TestWaitOutcomes(t *testing.T) {
	t.Parallel()

	c, _, _ := newController(t)
	_, err := c.Wait(context.Background())
	require.ErrorIs(t, err, ErrNotBound)

	require.NoError(t, c.Bind(context.Background(), "J1"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Wait(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Bind(context.Background(), "J2"))
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrRebound)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return after rebind")
	}
}

// TestDetachIdempotent tolerates repeated detaches and detaching after Close.
func TestDetachIdempotent(t *testing.T) {
	t.Parallel()

	c, tr, rec := newController(t)
	c.Detach()
	require.Empty(t, rec.Causes(), "detaching nothing has no effect")

	require.NoError(t, c.Bind(context.Background(), "J1"))
	c.Detach()
	c.Detach()
	require.True(t, tr.push(0).closed.Load())
	require.Equal(t, []progress.Cause{progress.CauseBind, progress.CauseReset}, rec.Causes())

	c.Close()
	c.Close()
	c.Detach()
	require.ErrorIs(t, c.Bind(context.Background(), "J2"), ErrClosed)
	require.Equal(t, progress.Initial(), c.Snapshot())
}

// TestNewRequiresTransports rejects configs that cannot build transports.
func TestNewRequiresTransports(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
	_, err = New(Config{PushURL: func(string) string { return "ws://localhost" }})
	require.Error(t, err)
}

type fixedClock struct{ at time.Time }

func (f fixedClock) Now() time.Time { return f.at }

// TestChangesStampedByClock uses the configured clock for change timestamps.
func TestChangesStampedByClock(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tr := &transports{}
	rec := &recorder{}
	c, err := New(Config{NewPush: tr.newPush, NewPoll: tr.newPoll, Emitter: rec, Clock: fixedClock{at: at}})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	require.NoError(t, c.Bind(context.Background(), "J1"))
	require.Equal(t, at, rec.Last().TS)
}
