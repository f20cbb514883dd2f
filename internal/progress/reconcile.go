package progress

// Reconcile merges u into current for the binding that is currently bound.
// It returns the new snapshot and true, or the unchanged snapshot and false
// when the update is discarded (stale binding or frozen snapshot).
//
// Stage ordering is not validated: any declared stage is accepted after any
// other.
func Reconcile(current Snapshot, bound Binding, u Update) (Snapshot, bool) {
	if !bound.Bound() || u.Binding != bound {
		return current, false
	}
	if current.Terminal() {
		return current, false
	}
	next := current.Clone()
	switch u.Kind {
	case KindErrorAppend:
		next.Errors = append(next.Errors, u.Message)
	case KindConnection:
		next.Connected = u.Connected
	case KindFullReplace:
		applyFields(&next, u.Fields)
		next.Connected = u.Connected
	default:
		return current, false
	}
	return next, true
}

func applyFields(s *Snapshot, f Fields) {
	if f.Stage != nil {
		s.Stage = *f.Stage
	}
	if f.Progress != nil {
		s.Progress = ClampProgress(*f.Progress)
	}
	if f.Errors != nil {
		s.Errors = mergeErrors(s.Errors, f.Errors)
	}
	if f.ReportID != nil {
		s.ReportID = *f.ReportID
	}
	if f.Filename != nil {
		s.Filename = *f.Filename
	}
	if s.Stage == "" {
		s.Stage = StagePending
	}
	s.Progress = ClampProgress(s.Progress)
}

// mergeErrors keeps known in order and appends the entries of incoming that
// are not already accounted for, counting duplicates. The result always has
// known as a prefix.
func mergeErrors(known, incoming []string) []string {
	have := make(map[string]int, len(known))
	for _, e := range known {
		have[e]++
	}
	out := append(make([]string, 0, len(known)+len(incoming)), known...)
	for _, e := range incoming {
		if have[e] > 0 {
			have[e]--
			continue
		}
		out = append(out, e)
	}
	return out
}
