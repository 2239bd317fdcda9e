package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/machinewatch/machinewatch/pkg/types"
	"github.com/machinewatch/machinewatch/server/internal/anomaly"
	"github.com/machinewatch/machinewatch/server/internal/store"
)

// ErrMachineNotFound is returned by Start when the machine does not exist.
var ErrMachineNotFound = errors.New("machine not found")

// handle tracks one running loop. It stays registered until the loop has
// exited, so a Start issued while the loop is cancelling is a no-op.
type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns the per-machine simulation loops.
type Scheduler struct {
	store    store.Store
	hub      Broadcaster
	notifier Notifier
	obs      Observer
	log      *slog.Logger

	interval    atomic.Int64 // time.Duration
	iterTimeout time.Duration
	seed        uint64
	seeded      bool
	now         func() time.Time // injectable for deterministic tests

	mu      sync.Mutex
	handles map[int64]*handle
}

// New creates a Scheduler that writes to st and broadcasts through hub.
// A nil hub discards broadcasts.
func New(st store.Store, hub Broadcaster, opts ...Option) *Scheduler {
	if hub == nil {
		hub = Discard
	}
	s := &Scheduler{
		store:    st,
		hub:      hub,
		notifier: Discard,
		obs:      Discard,
		log:      slog.Default(),
		now:      time.Now,
		handles:  make(map[int64]*handle),
	}
	s.interval.Store(int64(DefaultInterval))
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the loop for machineID. It returns false without error when
// the machine is already running, and ErrMachineNotFound when it does not
// exist.
func (s *Scheduler) Start(ctx context.Context, machineID int64) (bool, error) {
	ok, err := s.store.MachineExists(ctx, machineID)
	if err != nil {
		return false, fmt.Errorf("simulator: start machine %d: %w", machineID, err)
	}
	if !ok {
		return false, fmt.Errorf("simulator: start machine %d: %w", machineID, ErrMachineNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.handles[machineID]; running {
		return false, nil
	}

	lctx, cancel := context.WithCancel(context.Background())
	h := &handle{cancel: cancel, done: make(chan struct{})}
	s.handles[machineID] = h
	go s.loop(lctx, machineID, h, s.newGenerator(machineID))

	s.obs.Running(len(s.handles))
	return true, nil
}

// Stop cancels the loop for machineID and waits for it to exit. It reports
// whether a loop was stopped.
func (s *Scheduler) Stop(machineID int64) bool {
	s.mu.Lock()
	h, ok := s.handles[machineID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	h.cancel()
	<-h.done
	return s.remove(machineID, h)
}

// StartAll starts every id in ids that is not running yet. A nil ids starts
// every machine known to the store. Failures are joined into the returned
// error and never stop the remaining starts.
func (s *Scheduler) StartAll(ctx context.Context, ids []int64) (int, error) {
	if ids == nil {
		var err error
		ids, err = s.store.MachineIDs(ctx)
		if err != nil {
			return 0, fmt.Errorf("simulator: start all: %w", err)
		}
	}

	var (
		started int
		errs    []error
	)
	for _, id := range ids {
		ok, err := s.Start(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			started++
		}
	}
	return started, errors.Join(errs...)
}

// StopAll cancels every loop, waits for all of them to exit and returns how
// many were stopped.
func (s *Scheduler) StopAll() int {
	s.mu.Lock()
	hs := make(map[int64]*handle, len(s.handles))
	for id, h := range s.handles {
		hs[id] = h
	}
	s.mu.Unlock()

	for _, h := range hs {
		h.cancel()
	}
	stopped := 0
	for id, h := range hs {
		<-h.done
		if s.remove(id, h) {
			stopped++
		}
	}
	return stopped
}

// Running returns the ids of machines with a live loop, sorted.
func (s *Scheduler) Running() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsRunning reports whether machineID has a live loop.
func (s *Scheduler) IsRunning(machineID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[machineID]
	return ok
}

// Interval returns the current sleep between iterations.
func (s *Scheduler) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

// SetInterval changes the sleep between iterations. Running loops pick it up
// on their next sleep. Non-positive values are ignored.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	if old := time.Duration(s.interval.Swap(int64(d))); old != d {
		s.log.Info("simulator: interval changed", "from", old, "to", d)
	}
}

// remove deletes h if it is still the registered handle for machineID.
func (s *Scheduler) remove(machineID int64, h *handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handles[machineID] != h {
		return false
	}
	delete(s.handles, machineID)
	s.obs.Running(len(s.handles))
	return true
}

func (s *Scheduler) newGenerator(machineID int64) *Generator {
	if s.seeded {
		return NewGenerator(s.seed, uint64(machineID))
	}
	return NewGenerator(rand.Uint64(), rand.Uint64())
}

// loop runs iterations until ctx is cancelled. Cancellation is observed at
// the sleep boundary and by every store call.
func (s *Scheduler) loop(ctx context.Context, machineID int64, h *handle, gen *Generator) {
	defer close(h.done)
	log := s.log.With("machine_id", machineID)
	log.Info("simulator: loop started")

	for {
		if gone := s.iterate(ctx, machineID, gen, log); gone {
			s.remove(machineID, h)
			log.Warn("simulator: machine no longer exists, loop stopped")
			return
		}

		t := time.NewTimer(s.Interval())
		select {
		case <-ctx.Done():
			t.Stop()
			log.Info("simulator: loop stopped")
			return
		case <-t.C:
		}
	}
}

// iterate performs one generate, store, detect, broadcast cycle. Store
// failures are logged and counted; a failed insert skips detection and
// broadcast for this iteration. It reports true when the machine has been
// deleted from the store.
func (s *Scheduler) iterate(ctx context.Context, machineID int64, gen *Generator, log *slog.Logger) bool {
	if ctx.Err() != nil {
		return false
	}
	ictx := ctx
	if s.iterTimeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, s.iterTimeout)
		defer cancel()
	}

	r := gen.Next(machineID, s.now())

	sess, err := s.store.Acquire(ictx)
	if err != nil {
		s.storeFailed(log, "acquire", err)
		return false
	}
	defer sess.Release()

	stored, err := sess.InsertReading(ictx, r)
	if errors.Is(err, store.ErrNotFound) {
		return true
	}
	if err != nil {
		s.storeFailed(log, "insert_reading", err)
		return false
	}
	s.obs.ReadingStored(machineID)

	s.detect(ictx, sess, stored, log)

	if ctx.Err() != nil {
		return false
	}
	s.hub.Broadcast(machineID, stored)
	return false
}

func (s *Scheduler) detect(ctx context.Context, sess store.Session, r types.Reading, log *slog.Logger) {
	stats, err := sess.Statistics(ctx, r.MachineID)
	if err != nil {
		s.storeFailed(log, "statistics", err)
		return
	}

	alert, ok := anomaly.Evaluate(r, stats)
	if !ok {
		return
	}

	saved, err := sess.InsertAlert(ctx, alert)
	if err != nil {
		s.storeFailed(log, "insert_alert", err)
		return
	}
	s.obs.AlertRaised(saved)
	s.notifier.Notify(saved)
	log.Info("simulator: alert raised",
		"alert_id", saved.ID,
		"alert_type", saved.AlertType,
		"probability", saved.Probability,
		"message", saved.Message,
	)
}

func (s *Scheduler) storeFailed(log *slog.Logger, op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.obs.StoreError(op)
	log.Warn("simulator: store error", "op", op, "err", err)
}
