// Package loyalty records qualifying purchases against frequent-buyer offers
// and manages the rewards they earn.
package loyalty

import (
	"log/slog"
	"time"

	"loyalty-engine/internal/events"
	"loyalty-engine/internal/features"
	"loyalty-engine/internal/metrics"
)

type deps struct {
	logger   *slog.Logger
	events   *events.Manager
	features *features.Manager
	metrics  *metrics.Metrics
	now      func() time.Time
}

func newDeps(opts []Option) deps {
	d := deps{
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// Option configures a Recorder or RewardManager.
type Option func(*deps)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *deps) { d.logger = l }
}

// WithEvents publishes domain events to m when the event_hooks flag allows.
func WithEvents(m *events.Manager, f *features.Manager) Option {
	return func(d *deps) {
		d.events = m
		d.features = f
	}
}

// WithMetrics records outcome counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *deps) { d.metrics = m }
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *deps) { d.now = func() time.Time { return now().UTC() } }
}

// publisher returns the event manager, or nil when hooks are switched off.
func (d deps) publisher() *events.Manager {
	if d.events == nil {
		return nil
	}
	if d.features != nil && !d.features.IsEnabled(features.EventHooks) {
		return nil
	}
	return d.events
}
