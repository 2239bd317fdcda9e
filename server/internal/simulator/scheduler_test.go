package simulator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/machinewatch/machinewatch/pkg/types"
	"github.com/machinewatch/machinewatch/server/internal/store"
)

const testInterval = 5 * time.Millisecond

// --- fakes ------------------------------------------------------------------

type recorder struct {
	mu  sync.Mutex
	got map[int64][]types.Reading
}

func newRecorder() *recorder { return &recorder{got: make(map[int64][]types.Reading)} }

func (r *recorder) Broadcast(id int64, rd types.Reading) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got[id] = append(r.got[id], rd)
}

func (r *recorder) count(id int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got[id])
}

type alertSink struct {
	mu     sync.Mutex
	alerts []types.Alert
}

func (a *alertSink) Notify(al types.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
}

func (a *alertSink) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

type observer struct {
	discard
	mu       sync.Mutex
	errs     map[string]int
	readings int
}

func (o *observer) StoreError(op string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.errs == nil {
		o.errs = make(map[string]int)
	}
	o.errs[op]++
}

func (o *observer) ReadingStored(int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.readings++
}

func (o *observer) errCount(op string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.errs[op]
}

// faultyStore wraps a real store and injects failures into sessions.
type faultyStore struct {
	store.Store
	insertErr error
	statsErr  error
	alertErr  error
	mutate    func(*types.Reading)

	acquired atomic.Int64
	released atomic.Int64
}

func (f *faultyStore) Acquire(ctx context.Context) (store.Session, error) {
	sess, err := f.Store.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	f.acquired.Add(1)
	return &faultySession{Session: sess, f: f}, nil
}

type faultySession struct {
	store.Session
	f *faultyStore
}

func (s *faultySession) InsertReading(ctx context.Context, r types.Reading) (types.Reading, error) {
	if s.f.insertErr != nil {
		return types.Reading{}, s.f.insertErr
	}
	if s.f.mutate != nil {
		s.f.mutate(&r)
	}
	return s.Session.InsertReading(ctx, r)
}

func (s *faultySession) Statistics(ctx context.Context, id int64) (types.Statistics, error) {
	if s.f.statsErr != nil {
		return types.Statistics{}, s.f.statsErr
	}
	return s.Session.Statistics(ctx, id)
}

func (s *faultySession) InsertAlert(ctx context.Context, a types.Alert) (types.Alert, error) {
	if s.f.alertErr != nil {
		return types.Alert{}, s.f.alertErr
	}
	return s.Session.InsertAlert(ctx, a)
}

func (s *faultySession) Release() {
	s.f.released.Add(1)
	s.Session.Release()
}

// --- helpers ----------------------------------------------------------------

func newStore(t *testing.T, machines int) *store.Memory {
	t.Helper()
	st := store.NewMemory(0)
	for i := 0; i < machines; i++ {
		if _, err := st.CreateMachine(context.Background(), types.Machine{Name: "m"}); err != nil {
			t.Fatalf("CreateMachine: %v", err)
		}
	}
	return st
}

func newScheduler(t *testing.T, st store.Store, hub Broadcaster, opts ...Option) *Scheduler {
	t.Helper()
	s := New(st, hub, append([]Option{WithInterval(testInterval), WithSeed(7)}, opts...)...)
	t.Cleanup(func() { s.StopAll() })
	return s
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --- tests ------------------------------------------------------------------

func TestStart_UnknownMachine(t *testing.T) {
	s := newScheduler(t, newStore(t, 0), newRecorder())

	ok, err := s.Start(context.Background(), 99)
	if !errors.Is(err, ErrMachineNotFound) {
		t.Fatalf("Start: got %v, want ErrMachineNotFound", err)
	}
	if ok {
		t.Error("Start: got true for an unknown machine")
	}
	if len(s.Running()) != 0 {
		t.Errorf("Running: got %v, want none", s.Running())
	}
}

func TestStart_Idempotent(t *testing.T) {
	st := newStore(t, 1)
	rec := newRecorder()
	s := newScheduler(t, st, rec, WithInterval(time.Hour))

	first, err := s.Start(context.Background(), 1)
	if err != nil || !first {
		t.Fatalf("first Start: got %v, %v", first, err)
	}
	second, err := s.Start(context.Background(), 1)
	if err != nil || second {
		t.Fatalf("second Start: got %v, %v, want false, nil", second, err)
	}

	// With an hour interval each loop produces exactly one reading.
	waitFor(t, "first broadcast", func() bool { return rec.count(1) == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := rec.count(1); n != 1 {
		t.Errorf("broadcasts: got %d, want 1 (one loop)", n)
	}
	if r, _ := st.Count(); r != 1 {
		t.Errorf("stored readings: got %d, want 1", r)
	}
}

func TestStart_ConcurrentCreatesOneLoop(t *testing.T) {
	s := newScheduler(t, newStore(t, 1), newRecorder())

	var started atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.Start(context.Background(), 1); ok {
				started.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := started.Load(); n != 1 {
		t.Errorf("started: got %d, want 1", n)
	}
}

func TestStop_NoBroadcastAfterReturn(t *testing.T) {
	rec := newRecorder()
	s := newScheduler(t, newStore(t, 1), rec)

	s.Start(context.Background(), 1)
	waitFor(t, "a few broadcasts", func() bool { return rec.count(1) >= 3 })

	if !s.Stop(1) {
		t.Fatal("Stop: got false, want true")
	}
	n := rec.count(1)
	time.Sleep(5 * testInterval)
	if got := rec.count(1); got != n {
		t.Errorf("broadcasts after Stop: got %d, want %d", got, n)
	}
	if s.IsRunning(1) {
		t.Error("IsRunning after Stop: got true")
	}
}

func TestStop_OtherMachinesKeepRunning(t *testing.T) {
	rec := newRecorder()
	s := newScheduler(t, newStore(t, 2), rec)

	s.Start(context.Background(), 1)
	s.Start(context.Background(), 2)
	waitFor(t, "both machines broadcasting", func() bool { return rec.count(1) >= 1 && rec.count(2) >= 1 })

	if !s.Stop(1) {
		t.Fatal("Stop(1): got false, want true")
	}
	before := rec.count(2)
	waitFor(t, "machine 2 to keep broadcasting", func() bool { return rec.count(2) >= before+3 })

	if got := s.Running(); len(got) != 1 || got[0] != 2 {
		t.Errorf("Running: got %v, want [2]", got)
	}
	if !s.IsRunning(2) {
		t.Error("IsRunning(2): got false after stopping machine 1")
	}
}

func TestStop_NotRunning(t *testing.T) {
	s := newScheduler(t, newStore(t, 1), newRecorder())
	if s.Stop(1) {
		t.Error("Stop on idle machine: got true, want false")
	}
}

func TestStopThenStart_FreshLoop(t *testing.T) {
	rec := newRecorder()
	s := newScheduler(t, newStore(t, 1), rec)

	s.Start(context.Background(), 1)
	waitFor(t, "broadcast", func() bool { return rec.count(1) >= 1 })
	s.Stop(1)
	n := rec.count(1)

	ok, err := s.Start(context.Background(), 1)
	if err != nil || !ok {
		t.Fatalf("restart: got %v, %v", ok, err)
	}
	waitFor(t, "broadcast after restart", func() bool { return rec.count(1) > n })
	if got := s.Running(); len(got) != 1 || got[0] != 1 {
		t.Errorf("Running: got %v, want [1]", got)
	}
}

func TestStopAll_NothingRunning(t *testing.T) {
	s := newScheduler(t, newStore(t, 0), newRecorder())
	if n := s.StopAll(); n != 0 {
		t.Errorf("StopAll: got %d, want 0", n)
	}
}

func TestStartAll_EveryMachine(t *testing.T) {
	rec := newRecorder()
	s := newScheduler(t, newStore(t, 3), rec)

	n, err := s.StartAll(context.Background(), nil)
	if err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if n != 3 {
		t.Errorf("StartAll: started %d, want 3", n)
	}
	for id := int64(1); id <= 3; id++ {
		id := id
		waitFor(t, "broadcast", func() bool { return rec.count(id) >= 1 })
	}

	again, err := s.StartAll(context.Background(), nil)
	if err != nil || again != 0 {
		t.Errorf("second StartAll: got %d, %v, want 0, nil", again, err)
	}

	if stopped := s.StopAll(); stopped != 3 {
		t.Errorf("StopAll: got %d, want 3", stopped)
	}
	if len(s.Running()) != 0 {
		t.Errorf("Running after StopAll: got %v", s.Running())
	}
}

func TestStartAll_PartialFailure(t *testing.T) {
	s := newScheduler(t, newStore(t, 2), newRecorder())

	n, err := s.StartAll(context.Background(), []int64{1, 42, 2})
	if n != 2 {
		t.Errorf("started: got %d, want 2", n)
	}
	if !errors.Is(err, ErrMachineNotFound) {
		t.Errorf("error: got %v, want ErrMachineNotFound", err)
	}
	if got := s.Running(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("Running: got %v, want [1 2]", got)
	}
}

func TestIterate_InsertFailureSkipsBroadcast(t *testing.T) {
	fs := &faultyStore{Store: newStore(t, 1), insertErr: errors.New("disk full")}
	rec := newRecorder()
	obs := &observer{}
	s := newScheduler(t, fs, rec, WithObserver(obs))

	s.Start(context.Background(), 1)
	waitFor(t, "store errors", func() bool { return obs.errCount("insert_reading") >= 3 })
	s.Stop(1)

	if n := rec.count(1); n != 0 {
		t.Errorf("broadcasts: got %d, want 0", n)
	}
	if a, r := fs.acquired.Load(), fs.released.Load(); a != r {
		t.Errorf("sessions: acquired %d, released %d", a, r)
	}
}

func TestIterate_StatisticsFailureStillBroadcasts(t *testing.T) {
	fs := &faultyStore{Store: newStore(t, 1), statsErr: errors.New("timeout")}
	rec := newRecorder()
	obs := &observer{}
	s := newScheduler(t, fs, rec, WithObserver(obs))

	s.Start(context.Background(), 1)
	waitFor(t, "broadcasts", func() bool { return rec.count(1) >= 2 })
	s.Stop(1)

	if obs.errCount("statistics") == 0 {
		t.Error("statistics failure not reported")
	}
	if a, r := fs.acquired.Load(), fs.released.Load(); a != r {
		t.Errorf("sessions: acquired %d, released %d", a, r)
	}
}

func TestIterate_AlertInsertFailureStillBroadcasts(t *testing.T) {
	fs := &faultyStore{
		Store:    newStore(t, 1),
		alertErr: errors.New("constraint violation"),
		mutate:   func(r *types.Reading) { r.Temperature = 90 },
	}
	rec := newRecorder()
	obs := &observer{}
	sink := &alertSink{}
	s := newScheduler(t, fs, rec, WithObserver(obs), WithNotifier(sink))

	s.Start(context.Background(), 1)
	waitFor(t, "broadcasts", func() bool { return rec.count(1) >= 2 })
	s.Stop(1)

	if obs.errCount("insert_alert") == 0 {
		t.Error("alert insert failure not reported")
	}
	if n := sink.count(); n != 0 {
		t.Errorf("notifications: got %d, want 0 for unpersisted alerts", n)
	}
	if a, r := fs.acquired.Load(), fs.released.Load(); a != r {
		t.Errorf("sessions: acquired %d, released %d", a, r)
	}
}

func TestLoop_StopsWhenMachineDeleted(t *testing.T) {
	mem := newStore(t, 1)
	rec := newRecorder()
	obs := &observer{}
	s := newScheduler(t, mem, rec, WithObserver(obs))

	s.Start(context.Background(), 1)
	waitFor(t, "first broadcast", func() bool { return rec.count(1) >= 1 })

	if err := mem.DeleteMachine(context.Background(), 1); err != nil {
		t.Fatalf("DeleteMachine: %v", err)
	}
	waitFor(t, "loop to exit", func() bool { return !s.IsRunning(1) })

	if n := obs.errCount("insert_reading"); n != 0 {
		t.Errorf("insert_reading errors: got %d, want 0", n)
	}
	if s.Stop(1) {
		t.Error("Stop after self-exit: got true, want false")
	}
}

func TestIterate_AlertPersistedAndNotified(t *testing.T) {
	mem := newStore(t, 1)
	fs := &faultyStore{Store: mem, mutate: func(r *types.Reading) { r.Temperature = 90 }}
	rec := newRecorder()
	sink := &alertSink{}
	s := newScheduler(t, fs, rec, WithNotifier(sink), WithInterval(time.Hour))

	s.Start(context.Background(), 1)
	waitFor(t, "broadcast", func() bool { return rec.count(1) == 1 })
	s.Stop(1)

	alerts, _ := mem.Alerts(context.Background(), 1)
	if len(alerts) != 1 {
		t.Fatalf("alerts: got %d, want 1", len(alerts))
	}
	a := alerts[0]
	if a.AlertType != types.AlertCritical || a.Message != "temperatura alta" || a.Probability != 0.80 {
		t.Errorf("alert: got %+v", a)
	}
	if sink.count() != 1 {
		t.Errorf("notifications: got %d, want 1", sink.count())
	}
	rec.mu.Lock()
	got := rec.got[1][0]
	rec.mu.Unlock()
	if got.ID == 0 || got.Temperature != 90 {
		t.Errorf("broadcast reading: got %+v, want stored reading", got)
	}
}

func TestIterate_CancelledNotLogged(t *testing.T) {
	fs := &faultyStore{Store: newStore(t, 1), insertErr: context.Canceled}
	obs := &observer{}
	s := newScheduler(t, fs, newRecorder(), WithObserver(obs))

	s.Start(context.Background(), 1)
	waitFor(t, "iterations", func() bool { return fs.acquired.Load() >= 2 })
	s.Stop(1)

	if n := obs.errCount("insert_reading"); n != 0 {
		t.Errorf("cancellation counted as store error %d times", n)
	}
}

func TestSetInterval(t *testing.T) {
	s := New(newStore(t, 0), nil)
	if s.Interval() != DefaultInterval {
		t.Errorf("default interval: got %v, want %v", s.Interval(), DefaultInterval)
	}
	s.SetInterval(time.Second)
	if s.Interval() != time.Second {
		t.Errorf("interval: got %v, want 1s", s.Interval())
	}
	s.SetInterval(0)
	if s.Interval() != time.Second {
		t.Errorf("zero interval must be ignored, got %v", s.Interval())
	}
}

func TestSetInterval_AppliesToRunningLoop(t *testing.T) {
	rec := newRecorder()
	s := newScheduler(t, newStore(t, 1), rec, WithInterval(time.Hour))

	s.Start(context.Background(), 1)
	waitFor(t, "first broadcast", func() bool { return rec.count(1) == 1 })

	// The loop is sleeping for an hour; Stop must still return promptly.
	done := make(chan struct{})
	go func() {
		s.Stop(1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not interrupt the sleep")
	}

	s.SetInterval(testInterval)
	s.Start(context.Background(), 1)
	waitFor(t, "faster broadcasts", func() bool { return rec.count(1) >= 4 })
}
