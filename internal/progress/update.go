package progress

import "fmt"

// Binding identifies one bind of a controller to a job. Seq increases on
// every bind, so rebinding the same job id still yields a distinct Binding.
type Binding struct {
	JobID string
	Seq   uint64
}

// Bound reports whether the binding refers to a job.
func (b Binding) Bound() bool {
	return b.JobID != ""
}

// String renders the binding for logs.
func (b Binding) String() string {
	if !b.Bound() {
		return "<unbound>"
	}
	return fmt.Sprintf("%s#%d", b.JobID, b.Seq)
}

// Source names the transport that produced an update.
type Source string

// Transports feeding the reconciler.
const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// Kind selects the merge rule applied by Reconcile.
type Kind int

// Update kinds.
const (
	// KindFullReplace overwrites every field present in the update.
	KindFullReplace Kind = iota
	// KindErrorAppend only extends the error list.
	KindErrorAppend
	// KindConnection only flips the Connected flag.
	KindConnection
)

func (k Kind) String() string {
	switch k {
	case KindFullReplace:
		return "full_replace"
	case KindErrorAppend:
		return "error_append"
	case KindConnection:
		return "connection"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Fields carries the optional payload of a full-replace update. Nil pointers
// mean the field was absent on the wire.
type Fields struct {
	Stage    *Stage
	Progress *float64
	Errors   []string
	ReportID *string
	Filename *string
}

// Update is one inbound message from either transport, tagged with the
// binding its transport was started for.
type Update struct {
	Binding   Binding
	Source    Source
	Kind      Kind
	Fields    Fields
	Message   string
	Connected bool
}

// FullReplace builds a full-replace update. Connected follows the source:
// push updates are connected, poll updates are not.
func FullReplace(b Binding, src Source, f Fields) Update {
	return Update{
		Binding:   b,
		Source:    src,
		Kind:      KindFullReplace,
		Fields:    f,
		Connected: src == SourcePush,
	}
}

// ErrorAppend builds an append-only error update.
func ErrorAppend(b Binding, src Source, msg string) Update {
	return Update{Binding: b, Source: src, Kind: KindErrorAppend, Message: msg}
}

// Connection builds an update that only sets the Connected flag.
func Connection(b Binding, connected bool) Update {
	return Update{Binding: b, Source: SourcePush, Kind: KindConnection, Connected: connected}
}
