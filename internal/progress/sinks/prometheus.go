package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/jobwatch/internal/progress"
)

// PrometheusSink exports snapshot change metrics via Prometheus. It owns all
// collectors for accepted updates, fallbacks, terminal outcomes, and the
// number of live bindings.
type PrometheusSink struct {
	updates   *prometheus.CounterVec
	fallbacks prometheus.Counter
	terminal  *prometheus.CounterVec
	percent   prometheus.Gauge
	bound     prometheus.Gauge

	tracker *bindingTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobwatch_updates_total",
			Help: "Accepted snapshot changes partitioned by transport and cause.",
		}, []string{"source", "cause"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobwatch_fallbacks_total",
			Help: "Times polling took over after the push channel closed.",
		}),
		terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobwatch_terminal_total",
			Help: "Jobs observed reaching a terminal stage.",
		}, []string{"stage"}),
		percent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobwatch_progress_percent",
			Help: "Progress of the most recently updated job.",
		}),
		bound: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobwatch_bound_jobs",
			Help: "Bindings that have not yet reached a terminal stage or been released.",
		}),
		tracker: newBindingTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.updates,
		s.fallbacks,
		s.terminal,
		s.percent,
		s.bound,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register snapshot collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Change) error {
	for _, c := range batch {
		s.consumeChange(c)
	}
	return nil
}

func (s *PrometheusSink) consumeChange(c progress.Change) {
	source := string(c.Source())
	if source == "" {
		source = "controller"
	}
	s.updates.WithLabelValues(source, string(c.Cause)).Inc()
	if c.Fallback {
		s.fallbacks.Inc()
	}

	switch c.Cause {
	case progress.CauseBind:
		if s.tracker.start(c.Binding) {
			s.bound.Inc()
		}
	case progress.CauseReset:
		if s.tracker.complete(c.Binding) {
			s.bound.Dec()
		}
		return
	}

	s.percent.Set(c.Snapshot.Progress)
	if c.Snapshot.Terminal() && c.StageChanged() {
		s.terminal.WithLabelValues(string(c.Snapshot.Stage)).Inc()
		if s.tracker.complete(c.Binding) {
			s.bound.Dec()
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type bindingTracker struct {
	mu   sync.Mutex
	live map[progress.Binding]struct{}
}

func newBindingTracker() *bindingTracker {
	return &bindingTracker{live: make(map[progress.Binding]struct{})}
}

func (t *bindingTracker) start(b progress.Binding) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.live[b]; ok {
		return false
	}
	t.live[b] = struct{}{}
	return true
}

func (t *bindingTracker) complete(b progress.Binding) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.live[b]; !ok {
		return false
	}
	delete(t.live, b)
	return true
}
