package simulator

import (
	"log/slog"
	"time"

	"github.com/machinewatch/machinewatch/pkg/types"
)

// DefaultInterval is the pause between two iterations of a loop.
const DefaultInterval = 30 * time.Second

// Broadcaster delivers stored readings to real-time subscribers.
type Broadcaster interface {
	Broadcast(machineID int64, r types.Reading)
}

// Notifier forwards persisted alerts to external systems. Notify must not
// block the caller.
type Notifier interface {
	Notify(a types.Alert)
}

// Observer receives loop events for instrumentation.
type Observer interface {
	ReadingStored(machineID int64)
	AlertRaised(a types.Alert)
	StoreError(op string)
	Running(n int)
}

type discard struct{}

func (discard) Broadcast(int64, types.Reading) {}
func (discard) Notify(types.Alert) {}
func (discard) ReadingStored(int64) {}
func (discard) AlertRaised(types.Alert) {}
func (discard) StoreError(string) {}
func (discard) Running(int) {}

// Discard is a Broadcaster, Notifier and Observer that does nothing.
var Discard discard

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the sleep between iterations. Non-positive values are
// ignored.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval.Store(int64(d))
		}
	}
}

// WithIterationTimeout bounds the store calls of one iteration. Zero
// disables the bound.
func WithIterationTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.iterTimeout = d }
}

// WithNotifier sets the alert notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithObserver sets the instrumentation hook.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.obs = o
		}
	}
}

// WithSeed makes generated readings reproducible: every machine gets its
// own stream derived from seed and its id.
func WithSeed(seed uint64) Option {
	return func(s *Scheduler) {
		s.seed = seed
		s.seeded = true
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}
