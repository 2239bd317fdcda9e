package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/machinewatch/machinewatch/pkg/types"
)

var errClosed = errors.New("store closed")

// Memory is a thread-safe in-process Store. Readings and alerts older than
// the retention period are pruned by Run; a zero retention keeps everything.
type Memory struct {
	mu        sync.RWMutex
	machines  map[int64]types.Machine
	readings  map[int64][]types.Reading // machine id -> readings, oldest first
	alerts    map[int64][]types.Alert   // machine id -> alerts, oldest first
	nextID    struct{ machine, reading, alert int64 }
	retention time.Duration
	closed    bool
	now       func() time.Time // injectable for deterministic tests
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty Memory store.
func NewMemory(retention time.Duration) *Memory {
	return &Memory{
		machines:  make(map[int64]types.Machine),
		readings:  make(map[int64][]types.Reading),
		alerts:    make(map[int64][]types.Alert),
		retention: retention,
		now:       time.Now,
	}
}

// Acquire returns a session bound to m. Release is a no-op.
func (m *Memory) Acquire(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("store: acquire: %w", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, fmt.Errorf("store: acquire: %w", errClosed)
	}
	return memSession{m: m}, nil
}

// MachineExists reports whether a machine with id is stored.
func (m *Memory) MachineExists(_ context.Context, id int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.machines[id]
	return ok, nil
}

// MachineIDs returns every machine id in ascending order.
func (m *Memory) MachineIDs(_ context.Context) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, 0, len(m.machines))
	for id := range m.machines {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// CreateMachine stores m and returns it with its id and CreatedAt set.
func (m *Memory) CreateMachine(_ context.Context, mc types.Machine) (types.Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID.machine++
	mc.ID = m.nextID.machine
	if mc.CreatedAt.IsZero() {
		mc.CreatedAt = m.now().UTC()
	}
	m.machines[mc.ID] = mc
	return mc, nil
}

// Machines returns every machine ordered by id.
func (m *Memory) Machines(_ context.Context) ([]types.Machine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Machine, 0, len(m.machines))
	for _, mc := range m.machines {
		out = append(out, mc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Machine returns the machine with id, or ErrNotFound.
func (m *Memory) Machine(_ context.Context, id int64) (types.Machine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mc, ok := m.machines[id]
	if !ok {
		return types.Machine{}, fmt.Errorf("store: machine %d: %w", id, ErrNotFound)
	}
	return mc, nil
}

// UpdateMachine replaces name, description and image URL. ID and
// CreatedAt are kept from the stored row.
func (m *Memory) UpdateMachine(_ context.Context, mc types.Machine) (types.Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.machines[mc.ID]
	if !ok {
		return types.Machine{}, fmt.Errorf("store: update machine %d: %w", mc.ID, ErrNotFound)
	}
	cur.Name = mc.Name
	cur.Description = mc.Description
	cur.ImageURL = mc.ImageURL
	m.machines[mc.ID] = cur
	return cur, nil
}

// DeleteMachine removes the machine together with its readings and alerts.
func (m *Memory) DeleteMachine(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.machines[id]; !ok {
		return fmt.Errorf("store: delete machine %d: %w", id, ErrNotFound)
	}
	delete(m.machines, id)
	delete(m.readings, id)
	delete(m.alerts, id)
	return nil
}

// Readings returns up to limit readings of the machine, newest first,
// skipping those recorded before since when it is non-zero.
func (m *Memory) Readings(_ context.Context, machineID int64, since time.Time, limit int) ([]types.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs := m.readings[machineID]
	out := make([]types.Reading, 0, len(rs))
	for i := len(rs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		if !since.IsZero() && rs[i].RecordedAt.Before(since) {
			continue
		}
		out = append(out, rs[i])
	}
	return out, nil
}

// Reading returns the reading with id, or ErrNotFound.
func (m *Memory) Reading(_ context.Context, id int64) (types.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rs := range m.readings {
		for _, r := range rs {
			if r.ID == id {
				return r, nil
			}
		}
	}
	return types.Reading{}, fmt.Errorf("store: reading %d: %w", id, ErrNotFound)
}

// DeleteReading removes one reading, or returns ErrNotFound.
func (m *Memory) DeleteReading(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for mid, rs := range m.readings {
		for i, r := range rs {
			if r.ID == id {
				m.readings[mid] = append(rs[:i:i], rs[i+1:]...)
				return nil
			}
		}
	}
	return fmt.Errorf("store: delete reading %d: %w", id, ErrNotFound)
}

// Alerts returns the machine's alerts, newest first.
func (m *Memory) Alerts(_ context.Context, machineID int64) ([]types.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	as := m.alerts[machineID]
	out := make([]types.Alert, 0, len(as))
	for i := len(as) - 1; i >= 0; i-- {
		out = append(out, as[i])
	}
	return out, nil
}

// Alert returns the alert with id, or ErrNotFound.
func (m *Memory) Alert(_ context.Context, id int64) (types.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, as := range m.alerts {
		for _, a := range as {
			if a.ID == id {
				return a, nil
			}
		}
	}
	return types.Alert{}, fmt.Errorf("store: alert %d: %w", id, ErrNotFound)
}

// CreateAlert stores a manually created alert. An unknown machine is ErrNotFound.
func (m *Memory) CreateAlert(_ context.Context, a types.Alert) (types.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertAlertLocked(a)
}

// DeleteAlert removes one alert, or returns ErrNotFound.
func (m *Memory) DeleteAlert(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for mid, as := range m.alerts {
		for i, a := range as {
			if a.ID == id {
				m.alerts[mid] = append(as[:i:i], as[i+1:]...)
				return nil
			}
		}
	}
	return fmt.Errorf("store: delete alert %d: %w", id, ErrNotFound)
}

// Close marks the store closed; later Acquire calls fail.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// Count returns the number of stored readings and alerts.
func (m *Memory) Count() (readings, alerts int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rs := range m.readings {
		readings += len(rs)
	}
	for _, as := range m.alerts {
		alerts += len(as)
	}
	return readings, alerts
}

// Prune removes readings and alerts recorded before cutoff and returns how
// many rows were removed.
func (m *Memory) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for mid, rs := range m.readings {
		kept := rs[:0]
		for _, r := range rs {
			if r.RecordedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		m.readings[mid] = kept
	}
	for mid, as := range m.alerts {
		kept := as[:0]
		for _, a := range as {
			if a.CreatedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, a)
		}
		m.alerts[mid] = kept
	}
	return removed, nil
}

// Run prunes expired rows until ctx is cancelled. It returns immediately
// when retention is disabled.
func (m *Memory) Run(ctx context.Context) {
	if m.retention <= 0 {
		return
	}
	runRetention(ctx, m.retention, m.Prune)
}

func (m *Memory) insertReadingLocked(r types.Reading) (types.Reading, error) {
	if _, ok := m.machines[r.MachineID]; !ok {
		return types.Reading{}, fmt.Errorf("store: insert reading: machine %d: %w", r.MachineID, ErrNotFound)
	}
	m.nextID.reading++
	r.ID = m.nextID.reading
	if r.RecordedAt.IsZero() {
		r.RecordedAt = m.now().UTC()
	}
	m.readings[r.MachineID] = append(m.readings[r.MachineID], r)
	return r, nil
}

func (m *Memory) insertAlertLocked(a types.Alert) (types.Alert, error) {
	if _, ok := m.machines[a.MachineID]; !ok {
		return types.Alert{}, fmt.Errorf("store: insert alert: machine %d: %w", a.MachineID, ErrNotFound)
	}
	m.nextID.alert++
	a.ID = m.nextID.alert
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now().UTC()
	}
	m.alerts[a.MachineID] = append(m.alerts[a.MachineID], a)
	return a, nil
}

func (m *Memory) statisticsLocked(machineID int64) types.Statistics {
	rs := m.readings[machineID]
	var out types.Statistics
	for _, metric := range types.Metrics {
		vals := make([]float64, len(rs))
		for i, r := range rs {
			vals[i] = r.Value(metric)
		}
		out.Set(metric, summarize(vals))
	}
	return out
}

// summarize returns the mean and sample standard deviation (n-1) of vals.
func summarize(vals []float64) types.MetricStatistic {
	n := len(vals)
	st := types.MetricStatistic{SampleCount: int64(n)}
	if n == 0 {
		return st
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	st.Mean = sum / float64(n)
	if n < 2 {
		return st
	}
	var sq float64
	for _, v := range vals {
		d := v - st.Mean
		sq += d * d
	}
	sd := math.Sqrt(sq / float64(n-1))
	st.StdDev = &sd
	return st
}

type memSession struct {
	m *Memory
}

func (s memSession) InsertReading(ctx context.Context, r types.Reading) (types.Reading, error) {
	if err := ctx.Err(); err != nil {
		return types.Reading{}, fmt.Errorf("store: insert reading: %w", err)
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.m.insertReadingLocked(r)
}

func (s memSession) Statistics(ctx context.Context, machineID int64) (types.Statistics, error) {
	if err := ctx.Err(); err != nil {
		return types.Statistics{}, fmt.Errorf("store: statistics: %w", err)
	}
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	return s.m.statisticsLocked(machineID), nil
}

func (s memSession) InsertAlert(ctx context.Context, a types.Alert) (types.Alert, error) {
	if err := ctx.Err(); err != nil {
		return types.Alert{}, fmt.Errorf("store: insert alert: %w", err)
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.m.insertAlertLocked(a)
}

func (memSession) Release() {}
