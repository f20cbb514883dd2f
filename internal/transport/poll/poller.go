package poll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobwatch/internal/progress"
)

// ErrGaveUp is wrapped by the error of an EventUnreachable.
var ErrGaveUp = errors.New("status polling gave up")

// StatusFetcher performs one pull for a job.
type StatusFetcher interface {
	GetStatus(ctx context.Context, jobID string) (progress.StatusResponse, error)
}

// EventKind discriminates Event payloads.
type EventKind int

// Event kinds.
const (
	// EventUpdate carries a full-replace update from a successful pull.
	EventUpdate EventKind = iota
	// EventUnreachable is posted once when the failure ceiling is reached.
	// The poller has stopped by then.
	EventUnreachable
)

// Event is what a Poller hands to its owner.
type Event struct {
	Kind     EventKind
	Binding  progress.Binding
	Update   progress.Update
	Failures int
	Err      error
}

// Handler receives poller events on the poller's goroutine.
type Handler func(Event)

// Config tunes the pull cadence.
type Config struct {
	// Interval between pulls while they succeed (default 2s).
	Interval time.Duration
	// BackoffMax caps the delay after consecutive failures (default 30s).
	BackoffMax time.Duration
	// MaxConsecutiveFailures stops polling after this many failures in a row
	// (default 30). Negative disables the ceiling.
	MaxConsecutiveFailures int
	// RequestTimeout bounds one pull (default 10s).
	RequestTimeout time.Duration
	// Permanent reports failures that end polling at once, such as an
	// unknown job. Nil treats every failure as transient.
	Permanent func(error) bool
	Logger    *zap.Logger
}

// Defaults.
const (
	DefaultInterval               = 2000 * time.Millisecond
	DefaultBackoffMax             = 30 * time.Second
	DefaultMaxConsecutiveFailures = 30
	DefaultRequestTimeout         = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Poller pulls status for one binding until a terminal stage, the failure
// ceiling, or Stop.
type Poller struct {
	cfg     Config
	fetcher StatusFetcher
	binding progress.Binding
	handle  Handler
	backoff Backoff
	logger  *zap.Logger

	running  atomic.Bool
	stopping atomic.Bool

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// New prepares a stopped Poller.
func New(cfg Config, fetcher StatusFetcher, b progress.Binding, handle Handler) *Poller {
	cfg = cfg.withDefaults()
	return &Poller{
		cfg:     cfg,
		fetcher: fetcher,
		binding: b,
		handle:  handle,
		backoff: NewBackoff(cfg.Interval, cfg.BackoffMax),
		logger:  cfg.Logger.With(zap.String("job_id", b.JobID), zap.Uint64("seq", b.Seq)),
		done:    make(chan struct{}),
	}
}

// Start launches the polling goroutine. The first pull happens one interval
// later. Calling Start twice, or after Stop, has no effect.
func (p *Poller) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		p.mu.Lock()
		if p.stopping.Load() {
			p.mu.Unlock()
			cancel()
			return
		}
		p.cancel = cancel
		p.mu.Unlock()
		p.running.Store(true)
		go p.run(ctx)
	})
}

// Stop cancels the timer and any in-flight pull, and suppresses further
// events. It does not wait for the goroutine; use Done for that.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		p.stopping.Store(true)
		p.mu.Lock()
		cancel := p.cancel
		p.mu.Unlock()
		if cancel != nil {
			cancel()
		} else {
			close(p.done)
		}
	})
}

// Running reports whether the polling goroutine is still active.
func (p *Poller) Running() bool {
	return p.running.Load()
}

// Done is closed once the polling goroutine has exited.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	defer p.running.Store(false)

	failures := 0
	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		terminal, err := p.pull(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			failures = 0
			if terminal {
				p.logger.Debug("terminal stage observed, polling stopped")
				return
			}
			timer.Reset(p.cfg.Interval)
			continue
		}

		failures++
		p.logger.Debug("status pull failed", zap.Int("failures", failures), zap.Error(err))
		if p.cfg.Permanent != nil && p.cfg.Permanent(err) {
			p.logger.Warn("status pull failed permanently, polling stopped", zap.Error(err))
			p.emit(Event{
				Kind:     EventUnreachable,
				Failures: failures,
				Err:      fmt.Errorf("%w: %w", ErrGaveUp, err),
			})
			return
		}
		if p.cfg.MaxConsecutiveFailures > 0 && failures >= p.cfg.MaxConsecutiveFailures {
			p.logger.Warn("status endpoint unreachable, polling stopped", zap.Int("failures", failures), zap.Error(err))
			p.emit(Event{
				Kind:     EventUnreachable,
				Failures: failures,
				Err:      fmt.Errorf("%w after %d consecutive failures: %w", ErrGaveUp, failures, err),
			})
			return
		}
		timer.Reset(p.backoff.Delay(failures))
	}
}

func (p *Poller) pull(ctx context.Context) (bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	resp, err := p.fetcher.GetStatus(reqCtx, p.binding.JobID)
	if err != nil {
		return false, err
	}
	if resp.JobID != "" && resp.JobID != p.binding.JobID {
		return false, fmt.Errorf("status response for job %q", resp.JobID)
	}
	f, err := resp.Fields()
	if err != nil {
		return false, fmt.Errorf("decode status: %w", err)
	}
	p.emit(Event{Kind: EventUpdate, Update: progress.FullReplace(p.binding, progress.SourcePoll, f)})
	return f.Stage != nil && f.Stage.Terminal(), nil
}

func (p *Poller) emit(evt Event) {
	if p.stopping.Load() || p.handle == nil {
		return
	}
	evt.Binding = p.binding
	p.handle(evt)
}
