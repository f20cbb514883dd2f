package push

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobwatch/internal/progress"
)

// State is the lifecycle position of a Connection.
type State int32

// Connection states.
const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EventKind discriminates Event payloads.
type EventKind int

// Event kinds.
const (
	// EventOpen is posted once the handshake succeeded.
	EventOpen EventKind = iota
	// EventUpdate carries a reconciler update decoded from a message.
	EventUpdate
	// EventClosed is posted once when the subscription ends for any reason
	// other than a local Close.
	EventClosed
)

// Event is what a Connection hands to its owner.
type Event struct {
	Kind    EventKind
	Binding progress.Binding
	Update  progress.Update
	// Opened reports whether EventClosed followed a successful open.
	Opened bool
	Err    error
}

// Handler receives connection events on the connection's goroutine.
type Handler func(Event)

// Config tunes dialing and reading.
type Config struct {
	// HandshakeTimeout bounds a single dial attempt (default 10s).
	HandshakeTimeout time.Duration
	// DialAttempts is the total number of dial attempts (default 1).
	DialAttempts int
	// DialBackoff is the first delay between dial attempts (default 500ms).
	DialBackoff time.Duration
	// ReadLimit caps the size of one inbound message (default 1 MiB).
	ReadLimit int64
	// Header is sent with the handshake.
	Header http.Header
	Logger *zap.Logger
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultDialBackoff      = 500 * time.Millisecond
	defaultReadLimit        = 1 << 20
	closeWriteWait          = time.Second
)

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = 1
	}
	if c.DialBackoff <= 0 {
		c.DialBackoff = defaultDialBackoff
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Connection is one push subscription for one binding.
type Connection struct {
	cfg     Config
	url     string
	binding progress.Binding
	handle  Handler
	logger  *zap.Logger

	state   atomic.Int32
	closing atomic.Bool

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc

	done      chan struct{}
	openOnce  sync.Once
	closeOnce sync.Once
}

// New prepares a Connection in StateIdle. Nothing is dialed until Open.
func New(cfg Config, url string, b progress.Binding, handle Handler) *Connection {
	cfg = cfg.withDefaults()
	return &Connection{
		cfg:     cfg,
		url:     url,
		binding: b,
		handle:  handle,
		logger:  cfg.Logger.With(zap.String("job_id", b.JobID), zap.Uint64("seq", b.Seq)),
		done:    make(chan struct{}),
	}
}

// Open starts dialing in the background and returns immediately. Calling it
// more than once, or after Close, has no effect.
func (c *Connection) Open(ctx context.Context) {
	c.openOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		c.mu.Lock()
		if c.closing.Load() {
			c.mu.Unlock()
			cancel()
			return
		}
		c.cancel = cancel
		c.mu.Unlock()
		c.state.Store(int32(StateConnecting))
		go c.run(ctx)
	})
}

// Close tears the subscription down without waiting for the reader goroutine
// and suppresses any further events. It is idempotent.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.mu.Lock()
		cancel, conn := c.cancel, c.conn
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		} else {
			close(c.done)
		}
		if conn != nil {
			deadline := time.Now().Add(closeWriteWait)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
			_ = conn.Close()
		}
		c.state.Store(int32(StateClosed))
	})
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Binding returns the binding the connection was started for.
func (c *Connection) Binding() progress.Binding {
	return c.binding
}

// Done is closed once the background goroutine has exited.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) run(ctx context.Context) {
	defer close(c.done)

	conn, err := c.dial(ctx)
	if err != nil {
		c.state.Store(int32(StateClosed))
		c.logger.Info("push dial failed", zap.Error(err))
		c.emit(Event{Kind: EventClosed, Err: err})
		return
	}

	c.mu.Lock()
	if c.closing.Load() {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.state.Store(int32(StateOpen))
	c.logger.Debug("push channel open")
	c.emit(Event{Kind: EventOpen})

	err = c.readLoop(conn)
	c.state.Store(int32(StateClosed))
	_ = conn.Close()
	if c.closing.Load() {
		return
	}
	c.logger.Info("push channel closed", zap.Error(err))
	c.emit(Event{Kind: EventClosed, Opened: true, Err: err})
}

func (c *Connection) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.DialBackoff
	policy.MaxElapsedTime = 0

	var conn *websocket.Conn
	attempt := 0
	operation := func() error {
		attempt++
		ws, resp, err := dialer.DialContext(ctx, c.url, c.cfg.Header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(fmt.Errorf("push handshake rejected with %d: %w", resp.StatusCode, err))
			}
			c.logger.Debug("push dial attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		conn = ws
		return nil
	}
	retries := uint64(c.cfg.DialAttempts - 1)
	policyWithCtx := backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx)
	if err := backoff.Retry(operation, policyWithCtx); err != nil {
		return nil, fmt.Errorf("dial %s after %d attempt(s): %w", c.url, attempt, err)
	}
	return conn, nil
}

func (c *Connection) readLoop(conn *websocket.Conn) error {
	conn.SetReadLimit(c.cfg.ReadLimit)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		c.dispatch(data)
	}
}

func (c *Connection) dispatch(data []byte) {
	msg, err := progress.DecodePush(data)
	if err != nil {
		c.logger.Warn("discarding malformed push message", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}
	if msg.JobID != "" && msg.JobID != c.binding.JobID {
		c.logger.Debug("discarding push message for another job", zap.String("message_job_id", msg.JobID))
		return
	}
	switch msg.Type {
	case progress.TypeHeartbeat:
		return
	case progress.TypeError:
		c.emit(Event{Kind: EventUpdate, Update: progress.ErrorAppend(c.binding, progress.SourcePush, msg.Message)})
	case progress.TypeProgress:
		// DecodePush already validated the fields.
		f, _ := msg.Fields()
		c.emit(Event{Kind: EventUpdate, Update: progress.FullReplace(c.binding, progress.SourcePush, f)})
	}
}

func (c *Connection) emit(evt Event) {
	if c.closing.Load() || c.handle == nil {
		return
	}
	evt.Binding = c.binding
	c.handle(evt)
}
