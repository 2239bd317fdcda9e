package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/machinewatch/machinewatch/pkg/types"
)

//go:embed schema.sql
var schema string

// foreignKeyViolation is the SQLSTATE raised when a row references a
// machine that does not exist.
const foreignKeyViolation = "23503"

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	pool      *pgxpool.Pool
	retention time.Duration
}

var _ Store = (*Postgres)(nil)

// PostgresConfig configures NewPostgres.
type PostgresConfig struct {
	DSN       string
	MaxConns  int32         // 0 keeps the pgxpool default
	Retention time.Duration // 0 disables pruning in Run
}

// NewPostgres connects to the database and verifies the connection.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Postgres{pool: pool, retention: cfg.Retention}, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Acquire checks out one pooled connection for the session's lifetime.
func (p *Postgres) Acquire(ctx context.Context) (Session, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: acquire: %w", err)
	}
	return &pgSession{conn: conn}, nil
}

// MachineExists reports whether a machine with id is stored.
func (p *Postgres) MachineExists(ctx context.Context, id int64) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM machines WHERE id = $1)`, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("store: machine exists: %w", err)
	}
	return ok, nil
}

// MachineIDs returns every machine id in ascending order.
func (p *Postgres) MachineIDs(ctx context.Context) ([]int64, error) {
	rows, err := p.pool.Query(ctx, `SELECT id FROM machines ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: machine ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("store: machine ids: %w", err)
	}
	return ids, nil
}

const machineColumns = `id, name, description, image_url, created_at`

func scanMachine(row pgx.Row) (types.Machine, error) {
	var m types.Machine
	err := row.Scan(&m.ID, &m.Name, &m.Description, &m.ImageURL, &m.CreatedAt)
	return m, err
}

// CreateMachine stores m and returns it with its id and CreatedAt set.
func (p *Postgres) CreateMachine(ctx context.Context, m types.Machine) (types.Machine, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO machines (name, description, image_url)
		VALUES ($1, $2, $3)
		RETURNING `+machineColumns, m.Name, m.Description, m.ImageURL)
	out, err := scanMachine(row)
	if err != nil {
		return types.Machine{}, fmt.Errorf("store: create machine: %w", err)
	}
	return out, nil
}

// Machines returns every machine ordered by id.
func (p *Postgres) Machines(ctx context.Context) ([]types.Machine, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+machineColumns+` FROM machines ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: machines: %w", err)
	}
	defer rows.Close()
	out := []types.Machine{}
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, fmt.Errorf("store: machines: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: machines: %w", err)
	}
	return out, nil
}

// Machine returns the machine with id, or ErrNotFound.
func (p *Postgres) Machine(ctx context.Context, id int64) (types.Machine, error) {
	m, err := scanMachine(p.pool.QueryRow(ctx, `SELECT `+machineColumns+` FROM machines WHERE id = $1`, id))
	if err != nil {
		return types.Machine{}, wrapRow("machine", id, err)
	}
	return m, nil
}

// UpdateMachine rewrites name, description and image url of m.ID.
func (p *Postgres) UpdateMachine(ctx context.Context, m types.Machine) (types.Machine, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE machines SET name = $2, description = $3, image_url = $4
		WHERE id = $1
		RETURNING `+machineColumns, m.ID, m.Name, m.Description, m.ImageURL)
	out, err := scanMachine(row)
	if err != nil {
		return types.Machine{}, wrapRow("update machine", m.ID, err)
	}
	return out, nil
}

// DeleteMachine removes the machine; its readings and alerts cascade.
func (p *Postgres) DeleteMachine(ctx context.Context, id int64) error {
	return p.deleteByID(ctx, "machine", `DELETE FROM machines WHERE id = $1`, id)
}

const readingColumns = `id, machine_id, temperature, vibration, energy_consumption, recorded_at`

func scanReading(row pgx.Row) (types.Reading, error) {
	var r types.Reading
	err := row.Scan(&r.ID, &r.MachineID, &r.Temperature, &r.Vibration, &r.EnergyConsumption, &r.RecordedAt)
	r.RecordedAt = r.RecordedAt.UTC()
	return r, err
}

// Readings returns up to limit readings of the machine, newest first,
// skipping those recorded before since when it is non-zero.
func (p *Postgres) Readings(ctx context.Context, machineID int64, since time.Time, limit int) ([]types.Reading, error) {
	var sincePtr *time.Time
	if !since.IsZero() {
		sincePtr = &since
	}
	var limitPtr *int
	if limit > 0 {
		limitPtr = &limit
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+readingColumns+`
		FROM machine_data
		WHERE machine_id = $1 AND ($2::timestamptz IS NULL OR recorded_at >= $2)
		ORDER BY recorded_at DESC, id DESC
		LIMIT $3`, machineID, sincePtr, limitPtr)
	if err != nil {
		return nil, fmt.Errorf("store: readings: %w", err)
	}
	defer rows.Close()
	out := []types.Reading{}
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("store: readings: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: readings: %w", err)
	}
	return out, nil
}

// Reading returns the reading with id, or ErrNotFound.
func (p *Postgres) Reading(ctx context.Context, id int64) (types.Reading, error) {
	r, err := scanReading(p.pool.QueryRow(ctx, `SELECT `+readingColumns+` FROM machine_data WHERE id = $1`, id))
	if err != nil {
		return types.Reading{}, wrapRow("reading", id, err)
	}
	return r, nil
}

// DeleteReading removes one reading, or returns ErrNotFound.
func (p *Postgres) DeleteReading(ctx context.Context, id int64) error {
	return p.deleteByID(ctx, "reading", `DELETE FROM machine_data WHERE id = $1`, id)
}

const alertColumns = `id, machine_id, alert_type, probability, message, created_at`

func scanAlert(row pgx.Row) (types.Alert, error) {
	var a types.Alert
	var kind string
	err := row.Scan(&a.ID, &a.MachineID, &kind, &a.Probability, &a.Message, &a.CreatedAt)
	a.AlertType = types.AlertType(kind)
	a.CreatedAt = a.CreatedAt.UTC()
	return a, err
}

// Alerts returns the machine's alerts, newest first.
func (p *Postgres) Alerts(ctx context.Context, machineID int64) ([]types.Alert, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE machine_id = $1
		ORDER BY created_at DESC, id DESC`, machineID)
	if err != nil {
		return nil, fmt.Errorf("store: alerts: %w", err)
	}
	defer rows.Close()
	out := []types.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("store: alerts: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: alerts: %w", err)
	}
	return out, nil
}

// Alert returns the alert with id, or ErrNotFound.
func (p *Postgres) Alert(ctx context.Context, id int64) (types.Alert, error) {
	a, err := scanAlert(p.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if err != nil {
		return types.Alert{}, wrapRow("alert", id, err)
	}
	return a, nil
}

// CreateAlert stores a manually created alert. An unknown machine is ErrNotFound.
func (p *Postgres) CreateAlert(ctx context.Context, a types.Alert) (types.Alert, error) {
	return insertAlert(ctx, p.pool, a)
}

// DeleteAlert removes one alert, or returns ErrNotFound.
func (p *Postgres) DeleteAlert(ctx context.Context, id int64) error {
	return p.deleteByID(ctx, "alert", `DELETE FROM alerts WHERE id = $1`, id)
}

// Prune deletes readings and alerts recorded before cutoff.
func (p *Postgres) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, q := range []string{
		`DELETE FROM machine_data WHERE recorded_at < $1`,
		`DELETE FROM alerts WHERE created_at < $1`,
	} {
		tag, err := p.pool.Exec(ctx, q, cutoff)
		if err != nil {
			return total, fmt.Errorf("store: prune: %w", err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// Run prunes expired rows until ctx is cancelled. It returns immediately
// when retention is disabled.
func (p *Postgres) Run(ctx context.Context) {
	if p.retention <= 0 {
		return
	}
	runRetention(ctx, p.retention, p.Prune)
}

// Close closes the connection pool.
func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) deleteByID(ctx context.Context, what, query string, id int64) error {
	tag, err := p.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("store: delete %s %d: %w", what, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: delete %s %d: %w", what, id, ErrNotFound)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and *pgxpool.Conn.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertAlert(ctx context.Context, q querier, a types.Alert) (types.Alert, error) {
	var createdAt *time.Time
	if !a.CreatedAt.IsZero() {
		createdAt = &a.CreatedAt
	}
	out, err := scanAlert(q.QueryRow(ctx, `
		INSERT INTO alerts (machine_id, alert_type, probability, message, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
		RETURNING `+alertColumns,
		a.MachineID, string(a.AlertType), a.Probability, a.Message, createdAt))
	if err != nil {
		return types.Alert{}, wrapInsert("insert alert", a.MachineID, err)
	}
	return out, nil
}

// wrapRow maps pgx.ErrNoRows to ErrNotFound.
func wrapRow(what string, id int64, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("store: %s %d: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("store: %s %d: %w", what, id, err)
}

// wrapInsert maps a foreign key violation on machine_id to ErrNotFound.
func wrapInsert(what string, machineID int64, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return fmt.Errorf("store: %s: machine %d: %w", what, machineID, ErrNotFound)
	}
	return fmt.Errorf("store: %s: %w", what, err)
}

type pgSession struct {
	conn *pgxpool.Conn
}

func (s *pgSession) InsertReading(ctx context.Context, r types.Reading) (types.Reading, error) {
	var recordedAt *time.Time
	if !r.RecordedAt.IsZero() {
		recordedAt = &r.RecordedAt
	}
	out, err := scanReading(s.conn.QueryRow(ctx, `
		INSERT INTO machine_data (machine_id, temperature, vibration, energy_consumption, recorded_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
		RETURNING `+readingColumns,
		r.MachineID, r.Temperature, r.Vibration, r.EnergyConsumption, recordedAt))
	if err != nil {
		return types.Reading{}, wrapInsert("insert reading", r.MachineID, err)
	}
	return out, nil
}

// Statistics computes count, mean and sample standard deviation of every
// metric in one query. stddev_samp is NULL below two samples.
func (s *pgSession) Statistics(ctx context.Context, machineID int64) (types.Statistics, error) {
	var (
		out              types.Statistics
		tN, vN, eN       int64
		tAvg, vAvg, eAvg float64
		tSD, vSD, eSD    *float64
	)
	err := s.conn.QueryRow(ctx, `
		SELECT count(temperature), COALESCE(avg(temperature), 0), stddev_samp(temperature),
		       count(vibration), COALESCE(avg(vibration), 0), stddev_samp(vibration),
		       count(energy_consumption), COALESCE(avg(energy_consumption), 0), stddev_samp(energy_consumption)
		FROM machine_data
		WHERE machine_id = $1`, machineID).
		Scan(&tN, &tAvg, &tSD, &vN, &vAvg, &vSD, &eN, &eAvg, &eSD)
	if err != nil {
		return types.Statistics{}, fmt.Errorf("store: statistics: %w", err)
	}
	out.Temperature = types.MetricStatistic{Mean: tAvg, StdDev: tSD, SampleCount: tN}
	out.Vibration = types.MetricStatistic{Mean: vAvg, StdDev: vSD, SampleCount: vN}
	out.EnergyConsumption = types.MetricStatistic{Mean: eAvg, StdDev: eSD, SampleCount: eN}
	return out, nil
}

func (s *pgSession) InsertAlert(ctx context.Context, a types.Alert) (types.Alert, error) {
	return insertAlert(ctx, s.conn, a)
}

func (s *pgSession) Release() { s.conn.Release() }
