package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/machinewatch/machinewatch/pkg/types"
)

// ErrNotFound is returned when a machine, reading or alert does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract shared by every backend.
type Store interface {
	// Acquire returns a Session for one unit of work. Callers must Release it.
	Acquire(ctx context.Context) (Session, error)

	MachineExists(ctx context.Context, id int64) (bool, error)
	MachineIDs(ctx context.Context) ([]int64, error)

	CreateMachine(ctx context.Context, m types.Machine) (types.Machine, error)
	Machines(ctx context.Context) ([]types.Machine, error)
	Machine(ctx context.Context, id int64) (types.Machine, error)
	UpdateMachine(ctx context.Context, m types.Machine) (types.Machine, error)
	DeleteMachine(ctx context.Context, id int64) error

	// Readings returns up to limit readings for machineID recorded at or
	// after since, newest first. A zero since or a non-positive limit
	// disables the respective filter.
	Readings(ctx context.Context, machineID int64, since time.Time, limit int) ([]types.Reading, error)
	Reading(ctx context.Context, id int64) (types.Reading, error)
	DeleteReading(ctx context.Context, id int64) error

	Alerts(ctx context.Context, machineID int64) ([]types.Alert, error)
	Alert(ctx context.Context, id int64) (types.Alert, error)
	CreateAlert(ctx context.Context, a types.Alert) (types.Alert, error)
	DeleteAlert(ctx context.Context, id int64) error

	Close()
}

// Session is a short-lived handle used by one simulator iteration.
type Session interface {
	// InsertReading stores r and returns it with ID set.
	InsertReading(ctx context.Context, r types.Reading) (types.Reading, error)
	// Statistics summarises every stored reading of machineID, including
	// one inserted earlier in the same session.
	Statistics(ctx context.Context, machineID int64) (types.Statistics, error)
	// InsertAlert stores a and returns it with ID set.
	InsertAlert(ctx context.Context, a types.Alert) (types.Alert, error)
	Release()
}

// runRetention calls prune every half retention period (minimum one second)
// until ctx is cancelled. prune receives the cutoff: rows recorded before it
// are removed.
func runRetention(ctx context.Context, retention time.Duration, prune func(ctx context.Context, cutoff time.Time) (int64, error)) {
	interval := retention / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := prune(ctx, now.Add(-retention))
			switch {
			case err != nil && !errors.Is(err, context.Canceled):
				slog.Warn("store: retention prune failed", "err", err)
			case n > 0:
				slog.Debug("store: pruned expired rows", "count", n)
			}
		}
	}
}
