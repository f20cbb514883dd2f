package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobwatch/internal/clock/system"
	"github.com/JakeFAU/jobwatch/internal/progress"
	"github.com/JakeFAU/jobwatch/internal/transport/poll"
	"github.com/JakeFAU/jobwatch/internal/transport/push"
)

var (
	// ErrClosed is returned by commands issued after Close.
	ErrClosed = errors.New("controller closed")
	// ErrNotBound is returned by Wait when no job is bound.
	ErrNotBound = errors.New("no job bound")
	// ErrRebound is returned by Wait when the binding was replaced or
	// detached before reaching a terminal stage.
	ErrRebound = errors.New("binding changed before a terminal stage")
	// ErrUnreachable is returned by Wait when push is gone and status
	// polling gave up before a terminal stage.
	ErrUnreachable = errors.New("job status unreachable")
)

// PushTransport is the part of push.Connection the controller drives.
type PushTransport interface {
	Open(ctx context.Context)
	Close()
}

// PollTransport is the part of poll.Poller the controller drives.
type PollTransport interface {
	Start(ctx context.Context)
	Stop()
}

// Clock supplies change timestamps.
type Clock interface {
	Now() time.Time
}

// PushFactory builds the push transport for a binding.
type PushFactory func(b progress.Binding, handle push.Handler) PushTransport

// PollFactory builds the fallback poller for a binding.
type PollFactory func(b progress.Binding, handle poll.Handler) PollTransport

// Config wires a Controller to its transports and observers.
type Config struct {
	// PushURL maps a job id to its push endpoint. Required unless NewPush is set.
	PushURL func(jobID string) string
	// Fetcher performs status pulls. Required unless NewPoll is set.
	Fetcher poll.StatusFetcher
	Push    push.Config
	Poll    poll.Config
	// NewPush and NewPoll replace the default transport constructors.
	NewPush PushFactory
	NewPoll PollFactory
	// Emitter receives every accepted change; usually a *progress.Hub.
	Emitter progress.Emitter
	// QueueSize bounds the event queue (default 64).
	QueueSize int
	// Clock stamps changes; defaults to the system clock.
	Clock  Clock
	Logger *zap.Logger
}

const defaultQueueSize = 64

// Controller keeps the snapshot of the bound job in sync.
type Controller struct {
	logger  *zap.Logger
	emitter progress.Emitter
	newPush PushFactory
	newPoll PollFactory
	clock   Clock

	ctx       context.Context
	cancel    context.CancelFunc
	queue     chan envelope
	done      chan struct{}
	closeOnce sync.Once

	// owned by the loop goroutine
	seq uint64
	cur session

	mu          sync.RWMutex
	viewBinding progress.Binding
	viewSnap    progress.Snapshot
	viewWatch   *watch
}

type session struct {
	binding progress.Binding
	snap    progress.Snapshot
	ctx     context.Context
	cancel  context.CancelFunc
	push    PushTransport
	poll    PollTransport
	watch   *watch
}

type envelope struct {
	cmd  *command
	push *push.Event
	poll *poll.Event
}

type command struct {
	jobID string
	close bool
	ack   chan struct{}
}

// watch lets Wait observe one binding without touching the loop.
type watch struct {
	binding  progress.Binding
	terminal chan struct{}
	ended    chan struct{}
	final    progress.Snapshot
	err      error

	reached bool
	over    bool
}

func newWatch(b progress.Binding) *watch {
	return &watch{
		binding:  b,
		terminal: make(chan struct{}),
		ended:    make(chan struct{}),
	}
}

func (w *watch) reach(s progress.Snapshot) {
	if w == nil || w.reached {
		return
	}
	w.final = s.Clone()
	w.reached = true
	close(w.terminal)
}

// abandon completes the watch without a terminal stage.
func (w *watch) abandon(s progress.Snapshot, err error) {
	if w == nil || w.reached {
		return
	}
	w.err = err
	w.reach(s)
}

func (w *watch) outcome() (progress.Snapshot, error) {
	if w.err != nil {
		return w.final.Clone(), fmt.Errorf("wait %s: %w", w.binding, w.err)
	}
	return w.final.Clone(), nil
}

func (w *watch) end() {
	if w == nil || w.over {
		return
	}
	w.over = true
	close(w.ended)
}

// New validates cfg and starts the controller's loop. Nothing is bound yet.
func New(cfg Config) (*Controller, error) {
	base := cfg.Logger
	if base == nil {
		base = zap.NewNop()
	}
	newPush := cfg.NewPush
	if newPush == nil {
		if cfg.PushURL == nil {
			return nil, errors.New("syncer: push url builder is required")
		}
		pcfg := cfg.Push
		if pcfg.Logger == nil {
			pcfg.Logger = base.Named("push")
		}
		pushURL := cfg.PushURL
		newPush = func(b progress.Binding, handle push.Handler) PushTransport {
			return push.New(pcfg, pushURL(b.JobID), b, handle)
		}
	}
	newPoll := cfg.NewPoll
	if newPoll == nil {
		if cfg.Fetcher == nil {
			return nil, errors.New("syncer: status fetcher is required")
		}
		qcfg := cfg.Poll
		if qcfg.Logger == nil {
			qcfg.Logger = base.Named("poll")
		}
		fetcher := cfg.Fetcher
		newPoll = func(b progress.Binding, handle poll.Handler) PollTransport {
			return poll.New(qcfg, fetcher, b, handle)
		}
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	clk := cfg.Clock
	if clk == nil {
		clk = system.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		logger:   base.Named("syncer").With(zap.String("session", uuid.NewString())),
		emitter:  cfg.Emitter,
		newPush:  newPush,
		newPoll:  newPoll,
		clock:    clk,
		ctx:      ctx,
		cancel:   cancel,
		queue:    make(chan envelope, size),
		done:     make(chan struct{}),
		cur:      session{snap: progress.Initial()},
		viewSnap: progress.Initial(),
	}
	go c.run()
	return c, nil
}

// Bind tears down the current binding, resets the snapshot and, when jobID
// is not empty, opens a push connection for it. When Bind returns no event
// from an earlier binding can change the snapshot. ctx only bounds the wait
// for the queue.
func (c *Controller) Bind(ctx context.Context, jobID string) error {
	return c.exec(ctx, &command{jobID: strings.TrimSpace(jobID)})
}

// Detach stops all transports and resets the snapshot. It is idempotent and
// safe after Close.
func (c *Controller) Detach() {
	_ = c.exec(context.Background(), &command{})
}

// Close detaches and stops the loop. Later commands return ErrClosed.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		_ = c.exec(context.Background(), &command{close: true})
	})
	<-c.done
}

// Snapshot returns a copy of the latest snapshot.
func (c *Controller) Snapshot() progress.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viewSnap.Clone()
}

// Binding returns the current binding, zero when nothing is bound.
func (c *Controller) Binding() progress.Binding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viewBinding
}

// Wait blocks until the current binding reaches a terminal stage and returns
// that snapshot. It fails with ErrRebound if the binding is replaced or
// detached first, and with ErrNotBound if nothing is bound. When status
// polling gives up it returns the last snapshot with ErrUnreachable.
func (c *Controller) Wait(ctx context.Context) (progress.Snapshot, error) {
	c.mu.RLock()
	w := c.viewWatch
	c.mu.RUnlock()
	if w == nil {
		return progress.Snapshot{}, ErrNotBound
	}
	select {
	case <-w.terminal:
		return w.outcome()
	case <-w.ended:
		select {
		case <-w.terminal:
			return w.outcome()
		default:
		}
		return progress.Snapshot{}, fmt.Errorf("wait %s: %w", w.binding, ErrRebound)
	case <-ctx.Done():
		return progress.Snapshot{}, fmt.Errorf("wait %s: %w", w.binding, ctx.Err())
	}
}

func (c *Controller) exec(ctx context.Context, cmd *command) error {
	cmd.ack = make(chan struct{})
	select {
	case c.queue <- envelope{cmd: cmd}:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("enqueue command: %w", ctx.Err())
	}
	select {
	case <-cmd.ack:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// post hands a transport event to the loop. It blocks while the queue is
// full and gives up once the loop has exited.
func (c *Controller) post(env envelope) {
	select {
	case c.queue <- env:
	case <-c.done:
	}
}

func (c *Controller) run() {
	defer close(c.done)
	for env := range c.queue {
		switch {
		case env.cmd != nil:
			if env.cmd.close {
				c.rebind("")
				c.cancel()
				close(env.cmd.ack)
				c.logger.Debug("controller closed")
				return
			}
			c.rebind(env.cmd.jobID)
			close(env.cmd.ack)
		case env.push != nil:
			c.handlePush(*env.push)
		case env.poll != nil:
			c.handlePoll(*env.poll)
		}
	}
}

func (c *Controller) rebind(jobID string) {
	old := c.cur
	c.teardown()
	c.cur = session{snap: progress.Initial()}
	if old.binding.Bound() {
		c.logger.Info("binding released",
			zap.String("job_id", old.binding.JobID),
			zap.Uint64("seq", old.binding.Seq),
			zap.String("stage", string(old.snap.Stage)),
		)
		c.emit(progress.Change{
			Binding:  old.binding,
			Cause:    progress.CauseReset,
			Previous: old.snap.Stage,
			Snapshot: progress.Initial(),
		})
	}
	if jobID == "" {
		c.publish()
		return
	}

	c.seq++
	b := progress.Binding{JobID: jobID, Seq: c.seq}
	ctx, cancel := context.WithCancel(c.ctx)
	c.cur = session{
		binding: b,
		snap:    progress.Initial(),
		ctx:     ctx,
		cancel:  cancel,
		watch:   newWatch(b),
	}
	c.publish()
	c.logger.Info("job bound", zap.String("job_id", b.JobID), zap.Uint64("seq", b.Seq))
	c.emit(progress.Change{
		Binding:  b,
		Cause:    progress.CauseBind,
		Snapshot: progress.Initial(),
	})

	c.cur.push = c.newPush(b, func(ev push.Event) {
		ev.Binding = b
		c.post(envelope{push: &ev})
	})
	c.cur.push.Open(ctx)
}

func (c *Controller) teardown() {
	c.stopTransports()
	if c.cur.cancel != nil {
		c.cur.cancel()
	}
	c.cur.watch.end()
}

func (c *Controller) stopTransports() {
	if c.cur.push != nil {
		c.cur.push.Close()
		c.cur.push = nil
	}
	if c.cur.poll != nil {
		c.cur.poll.Stop()
		c.cur.poll = nil
	}
}

func (c *Controller) handlePush(ev push.Event) {
	if ev.Binding != c.cur.binding {
		c.logger.Debug("discarding stale push event", zap.Stringer("binding", ev.Binding))
		return
	}
	b := c.cur.binding
	switch ev.Kind {
	case push.EventOpen:
		c.apply(progress.Connection(b, true), progress.CausePushOpen, false)
	case push.EventUpdate:
		cause := progress.CausePushProgress
		if ev.Update.Kind == progress.KindErrorAppend {
			cause = progress.CausePushError
		}
		c.apply(ev.Update, cause, false)
	case push.EventClosed:
		if c.cur.push != nil {
			c.cur.push.Close()
			c.cur.push = nil
		}
		fallback := !c.cur.snap.Terminal() && c.cur.poll == nil
		if !c.apply(progress.Connection(b, false), progress.CausePushClosed, fallback) || !fallback {
			return
		}
		c.logger.Info("push channel unavailable, falling back to polling",
			zap.String("job_id", b.JobID),
			zap.Bool("opened", ev.Opened),
			zap.Error(ev.Err),
		)
		c.cur.poll = c.newPoll(b, func(pev poll.Event) {
			pev.Binding = b
			c.post(envelope{poll: &pev})
		})
		c.cur.poll.Start(c.cur.ctx)
	}
}

func (c *Controller) handlePoll(ev poll.Event) {
	if ev.Binding != c.cur.binding {
		c.logger.Debug("discarding stale poll event", zap.Stringer("binding", ev.Binding))
		return
	}
	b := c.cur.binding
	switch ev.Kind {
	case poll.EventUpdate:
		c.apply(ev.Update, progress.CausePollProgress, false)
	case poll.EventUnreachable:
		c.cur.poll = nil
		msg := poll.ErrGaveUp.Error()
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		c.logger.Warn("status endpoint unreachable", zap.String("job_id", b.JobID), zap.Int("failures", ev.Failures))
		c.apply(progress.ErrorAppend(b, progress.SourcePoll, msg), progress.CausePollUnreachable, false)
		c.cur.watch.abandon(c.cur.snap, fmt.Errorf("%w: %s", ErrUnreachable, msg))
	}
}

// apply reconciles u into the bound snapshot and reports whether it was
// accepted. Reaching a terminal stage stops both transports.
func (c *Controller) apply(u progress.Update, cause progress.Cause, fallback bool) bool {
	prev := c.cur.snap
	next, ok := progress.Reconcile(prev, c.cur.binding, u)
	if !ok {
		c.logger.Debug("update discarded",
			zap.String("cause", string(cause)),
			zap.String("stage", string(prev.Stage)),
		)
		return false
	}
	c.cur.snap = next
	if next.Terminal() {
		c.stopTransports()
		c.logger.Info("terminal stage reached",
			zap.String("job_id", c.cur.binding.JobID),
			zap.String("stage", string(next.Stage)),
			zap.Float64("progress", next.Progress),
		)
	}
	c.publish()
	c.emit(progress.Change{
		Binding:  c.cur.binding,
		Cause:    cause,
		Previous: prev.Stage,
		Snapshot: next.Clone(),
		Fallback: fallback,
	})
	if next.Terminal() {
		c.cur.watch.reach(next)
	}
	return true
}

func (c *Controller) publish() {
	c.mu.Lock()
	c.viewBinding = c.cur.binding
	c.viewSnap = c.cur.snap.Clone()
	c.viewWatch = c.cur.watch
	c.mu.Unlock()
}

func (c *Controller) emit(ch progress.Change) {
	if c.emitter == nil {
		return
	}
	ch.TS = c.clock.Now()
	c.emitter.Emit(ch)
}
