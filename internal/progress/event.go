package progress

import (
	"errors"
	"fmt"
	"time"
)

// Cause denotes why a Change was emitted.
type Cause string

// Supported change causes.
const (
	CauseBind            Cause = "bind"
	CauseReset           Cause = "reset"
	CausePushOpen        Cause = "push_open"
	CausePushProgress    Cause = "push_progress"
	CausePushError       Cause = "push_error"
	CausePushClosed      Cause = "push_closed"
	CausePollProgress    Cause = "poll_progress"
	CausePollUnreachable Cause = "poll_unreachable"
)

// Change captures one accepted snapshot mutation.
type Change struct {
	// Binding is the job binding the snapshot belongs to.
	Binding Binding
	// TS is the UTC timestamp recorded by the controller.
	TS time.Time
	// Cause tells sinks which transport event led here.
	Cause Cause
	// Previous is the stage before the mutation.
	Previous Stage
	// Snapshot is a private copy of the state after the mutation.
	Snapshot Snapshot
	// Fallback is set on the change that started fallback polling.
	Fallback bool
}

// Validate performs coarse validation on Change payloads.
func (c Change) Validate() error {
	if c.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch c.Cause {
	case CauseReset:
	case CauseBind, CausePushOpen, CausePushProgress, CausePushError,
		CausePushClosed, CausePollProgress, CausePollUnreachable:
		if !c.Binding.Bound() {
			return fmt.Errorf("cause %q requires a bound job", c.Cause)
		}
	default:
		return fmt.Errorf("unknown cause %q", c.Cause)
	}
	if _, err := ParseStage(string(c.Snapshot.Stage)); err != nil {
		return err
	}
	if c.Snapshot.Progress < 0 || c.Snapshot.Progress > 100 {
		return errors.New("progress must be within [0,100]")
	}
	return nil
}

// StageChanged reports whether the mutation moved the stage.
func (c Change) StageChanged() bool {
	return c.Previous != c.Snapshot.Stage
}

// Source maps the cause back to the transport that produced it. Bind and reset
// changes have no transport and return "".
func (c Change) Source() Source {
	switch c.Cause {
	case CausePushOpen, CausePushProgress, CausePushError, CausePushClosed:
		return SourcePush
	case CausePollProgress, CausePollUnreachable:
		return SourcePoll
	default:
		return ""
	}
}
