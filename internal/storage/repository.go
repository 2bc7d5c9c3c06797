package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createDevicesSQL = `CREATE TABLE IF NOT EXISTS devices (
        device_id   TEXT PRIMARY KEY,
        device_name TEXT NOT NULL,
        location    TEXT,
        created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`

	createMeasurementsSQL = `CREATE TABLE IF NOT EXISTS measurements (
        id           BIGSERIAL PRIMARY KEY,
        device_id    TEXT NOT NULL REFERENCES devices (device_id),
        timestamp    TIMESTAMPTZ NOT NULL,
        depth_mm     NUMERIC,
        velocity_mps NUMERIC,
        flow_lps     NUMERIC,
        created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        UNIQUE (device_id, timestamp)
    );`

	createMeasurementIndexSQL = `CREATE INDEX IF NOT EXISTS idx_device_timestamp
    ON measurements (device_id, timestamp DESC);`

	insertDeviceSQL = `INSERT INTO devices (device_id, device_name, location)
    VALUES ($1, $2, $3)
    ON CONFLICT (device_id) DO NOTHING;`

	insertMeasurementSQL = `INSERT INTO measurements (device_id, timestamp, depth_mm, velocity_mps, flow_lps)
    VALUES ($1, $2, $3, $4, $5)
    ON CONFLICT (device_id, timestamp) DO NOTHING;`

	listMeasurementsSQL = `SELECT
        m.id,
        m.device_id,
        d.device_name,
        m.timestamp,
        m.depth_mm,
        m.velocity_mps,
        m.flow_lps,
        m.created_at
    FROM measurements m
    JOIN devices d ON m.device_id = d.device_id`

	countDevicesSQL      = `SELECT COUNT(*) FROM devices;`
	countMeasurementsSQL = `SELECT COUNT(*) FROM measurements;`

	latestMeasurementSQL       = `SELECT MAX(timestamp) FROM measurements;`
	latestDeviceMeasurementSQL = `SELECT MAX(timestamp) FROM measurements WHERE device_id = $1;`
)

// MeasurementStore defines the persistence operations the core depends on.
type MeasurementStore interface {
	AddDevice(ctx context.Context, device Device) error
	AddMeasurement(ctx context.Context, m Measurement) error
	ListMeasurements(ctx context.Context, filter MeasurementFilter) ([]Measurement, error)
	CountDevices(ctx context.Context) (int64, error)
	CountMeasurements(ctx context.Context) (int64, error)
	LatestMeasurementTime(ctx context.Context, deviceID string) (time.Time, bool, error)
}

// Store provides PostgreSQL-backed measurement persistence.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the tables and index if they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range []string{createDevicesSQL, createMeasurementsSQL, createMeasurementIndexSQL} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// AddDevice registers a device. An existing device's metadata is never
// overwritten.
func (s *Store) AddDevice(ctx context.Context, device Device) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var location interface{}
	if device.Location != "" {
		location = device.Location
	}

	if _, err := pool.Exec(ctx, insertDeviceSQL, device.ID, device.Name, location); err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

// AddMeasurement persists a reading. A duplicate (device_id, timestamp) pair
// is a silent no-op, the backstop against double-writes from retried polls.
func (s *Store) AddMeasurement(ctx context.Context, m Measurement) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, insertMeasurementSQL,
		m.DeviceID,
		m.Timestamp,
		decimalArg(m.DepthMM),
		decimalArg(m.VelocityMS),
		decimalArg(m.FlowLPS),
	); err != nil {
		return fmt.Errorf("insert measurement: %w", err)
	}
	return nil
}

// ListMeasurements returns readings newest-first, optionally narrowed by
// device and time window.
func (s *Store) ListMeasurements(ctx context.Context, filter MeasurementFilter) ([]Measurement, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	query, args := buildListQuery(filter)
	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list measurements: %w", queryErr)
	}
	defer rows.Close()

	measurements := make([]Measurement, 0, filter.Limit)
	for rows.Next() {
		m, scanErr := scanMeasurement(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		measurements = append(measurements, m)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return measurements, nil
}

// CountDevices counts registered devices.
func (s *Store) CountDevices(ctx context.Context) (int64, error) {
	return s.countRows(ctx, countDevicesSQL)
}

// CountMeasurements counts stored readings.
func (s *Store) CountMeasurements(ctx context.Context) (int64, error) {
	return s.countRows(ctx, countMeasurementsSQL)
}

func (s *Store) countRows(ctx context.Context, query string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, query).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count rows: %w", scanErr)
	}
	return count, nil
}

// LatestMeasurementTime returns the newest stored timestamp, for liveness
// checks. The second return is false when the store has nothing yet, which
// is a neutral state, not an error.
func (s *Store) LatestMeasurementTime(ctx context.Context, deviceID string) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}

	var latest sql.NullTime
	var scanErr error
	if deviceID != "" {
		scanErr = pool.QueryRow(ctx, latestDeviceMeasurementSQL, deviceID).Scan(&latest)
	} else {
		scanErr = pool.QueryRow(ctx, latestMeasurementSQL).Scan(&latest)
	}
	if scanErr != nil {
		return time.Time{}, false, fmt.Errorf("latest measurement time: %w", scanErr)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return latest.Time, true, nil
}

func buildListQuery(filter MeasurementFilter) (string, []interface{}) {
	var builder strings.Builder
	builder.WriteString(listMeasurementsSQL)

	var clauses []string
	var args []interface{}

	if filter.DeviceID != "" {
		args = append(args, filter.DeviceID)
		clauses = append(clauses, "m.device_id = $"+strconv.Itoa(len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		clauses = append(clauses, "m.timestamp >= $"+strconv.Itoa(len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		clauses = append(clauses, "m.timestamp < $"+strconv.Itoa(len(args)))
	}
	if len(clauses) > 0 {
		builder.WriteString("\n    WHERE ")
		builder.WriteString(strings.Join(clauses, " AND "))
	}

	builder.WriteString("\n    ORDER BY m.timestamp DESC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		builder.WriteString("\n    LIMIT $" + strconv.Itoa(len(args)))
	}
	builder.WriteString(";")

	return builder.String(), args
}

func scanMeasurement(rows pgx.Rows) (Measurement, error) {
	var (
		m        Measurement
		depth    sql.NullString
		velocity sql.NullString
		flow     sql.NullString
	)

	if err := rows.Scan(
		&m.ID,
		&m.DeviceID,
		&m.DeviceName,
		&m.Timestamp,
		&depth,
		&velocity,
		&flow,
		&m.CreatedAt,
	); err != nil {
		return Measurement{}, err
	}

	var err error
	if m.DepthMM, err = parseNullDecimal(depth); err != nil {
		return Measurement{}, fmt.Errorf("parse depth: %w", err)
	}
	if m.VelocityMS, err = parseNullDecimal(velocity); err != nil {
		return Measurement{}, fmt.Errorf("parse velocity: %w", err)
	}
	if m.FlowLPS, err = parseNullDecimal(flow); err != nil {
		return Measurement{}, fmt.Errorf("parse flow: %w", err)
	}
	return m, nil
}

func parseNullDecimal(raw sql.NullString) (*decimal.Decimal, error) {
	if !raw.Valid {
		return nil, nil
	}
	value, err := decimal.NewFromString(raw.String)
	if err != nil {
		return nil, err
	}
	return &value, nil
}

func decimalArg(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

var _ MeasurementStore = (*Store)(nil)
