package progress

import "context"

// Sink consumes batches of snapshot changes. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Change) error
	Close(ctx context.Context) error
}

// Emitter publishes individual changes; Hub satisfies this interface so the
// controller can remain agnostic about how changes are buffered or exported.
type Emitter interface {
	Emit(c Change)
}
