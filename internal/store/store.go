// Package store persists devices, measurements, and push/update logs in
// PostgreSQL.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/altibiz/pidgeon/internal/config"
)

// DeviceStatus is the lifecycle state of a discovered device.
type DeviceStatus string

const (
	StatusHealthy     DeviceStatus = "healthy"
	StatusUnreachable DeviceStatus = "unreachable"
	StatusInactive    DeviceStatus = "inactive"
)

// LogKind distinguishes a cloud push (measurements) from a cloud update
// (health) attempt.
type LogKind string

const (
	LogPush   LogKind = "push"
	LogUpdate LogKind = "update"
)

// LogStatus is the outcome of one push/update attempt.
type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogFailure LogStatus = "failure"
)

// Device is one persisted, discovered Modbus endpoint.
type Device struct {
	ID      string
	Kind    string
	Status  DeviceStatus
	Address string
	Slave   *uint8
	Seen    time.Time
	Pinged  time.Time
}

// Measurement is one persisted reading batch for a device.
type Measurement struct {
	ID        int64
	Source    string
	Timestamp time.Time
	Data      map[string]any
}

// Log is one persisted cloud push/update attempt.
type Log struct {
	ID        int64
	Timestamp time.Time
	Last      int64 // highest measurement row id included in this attempt; 0 for health logs
	Kind      LogKind
	Status    LogStatus
	Response  string
}

// Client is the Postgres-backed store.
type Client struct {
	db *sql.DB
}

// Open connects to Postgres per cfg and ensures the schema exists.
func Open(cfg config.Db) (*Client, error) {
	sslmode := "disable"
	if cfg.SSL {
		sslmode = "require"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Domain, cfg.Port, cfg.User, cfg.Password, cfg.Name, sslmode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	c := &Client{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return c, nil
}

func (c *Client) Close() error { return c.db.Close() }

func (c *Client) migrate() error {
	schema := `
	CREATE TYPE device_status AS ENUM ('healthy', 'unreachable', 'inactive');
	CREATE TYPE log_kind AS ENUM ('push', 'update');
	CREATE TYPE log_status AS ENUM ('success', 'failure');
	`
	// Enum CREATE TYPE has no IF NOT EXISTS; ignore the duplicate-type
	// error on repeat startups.
	if _, err := c.db.Exec(schema); err != nil && !isDuplicateObject(err) {
		return fmt.Errorf("failed to create enum types: %w", err)
	}

	tables := `
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status device_status NOT NULL DEFAULT 'healthy',
		address TEXT NOT NULL,
		slave INTEGER,
		seen TIMESTAMPTZ NOT NULL,
		pinged TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS measurements (
		id BIGSERIAL PRIMARY KEY,
		source TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		data JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_measurements_source ON measurements(source);

	CREATE TABLE IF NOT EXISTS logs (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		last BIGINT NOT NULL DEFAULT 0,
		kind log_kind NOT NULL,
		status log_status NOT NULL,
		response TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_logs_kind_status ON logs(kind, status);
	`
	if _, err := c.db.Exec(tables); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func isDuplicateObject(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "already exists") || strings.Contains(err.Error(), "duplicate"))
}

// UpsertDevice inserts a new device or refreshes an existing one's
// destination/seen/pinged/status fields.
func (c *Client) UpsertDevice(d Device) error {
	var slave sql.NullInt32
	if d.Slave != nil {
		slave = sql.NullInt32{Int32: int32(*d.Slave), Valid: true}
	}

	query := `
		INSERT INTO devices (id, kind, status, address, slave, seen, pinged)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			address = excluded.address,
			slave = excluded.slave,
			seen = excluded.seen,
			pinged = excluded.pinged
	`
	_, err := c.db.Exec(query, d.ID, d.Kind, d.Status, d.Address, slave, d.Seen, d.Pinged)
	if err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", d.ID, err)
	}
	return nil
}

// GetDevice fetches one device by id, returning (nil, nil) if absent.
func (c *Client) GetDevice(id string) (*Device, error) {
	query := `SELECT id, kind, status, address, slave, seen, pinged FROM devices WHERE id = $1`
	row := c.db.QueryRow(query, id)

	var d Device
	var slave sql.NullInt32
	if err := row.Scan(&d.ID, &d.Kind, &d.Status, &d.Address, &slave, &d.Seen, &d.Pinged); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query device %s: %w", id, err)
	}
	if slave.Valid {
		s := uint8(slave.Int32)
		d.Slave = &s
	}
	return &d, nil
}

// ListDevices returns every persisted device.
func (c *Client) ListDevices() ([]Device, error) {
	query := `SELECT id, kind, status, address, slave, seen, pinged FROM devices ORDER BY id`
	rows, err := c.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		var slave sql.NullInt32
		if err := rows.Scan(&d.ID, &d.Kind, &d.Status, &d.Address, &slave, &d.Seen, &d.Pinged); err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		if slave.Valid {
			s := uint8(slave.Int32)
			d.Slave = &s
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// UpdateDeviceStatus flips a device's lifecycle state in place.
func (c *Client) UpdateDeviceStatus(id string, status DeviceStatus) error {
	_, err := c.db.Exec(`UPDATE devices SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update device %s status: %w", id, err)
	}
	return nil
}

// TouchDevice refreshes seen/pinged for a device that just answered.
func (c *Client) TouchDevice(id string, at time.Time) error {
	_, err := c.db.Exec(`UPDATE devices SET seen = $2, pinged = $2, status = 'healthy' WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to touch device %s: %w", id, err)
	}
	return nil
}

// InsertMeasurement persists one measurement row and returns its id.
func (c *Client) InsertMeasurement(m Measurement) (int64, error) {
	data, err := json.Marshal(m.Data)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal measurement data: %w", err)
	}

	var id int64
	query := `INSERT INTO measurements (source, timestamp, data) VALUES ($1, $2, $3) RETURNING id`
	if err := c.db.QueryRow(query, m.Source, m.Timestamp, data).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert measurement: %w", err)
	}
	return id, nil
}

// GetMeasurements returns up to limit measurement rows with id > afterID,
// ordered by id ascending.
func (c *Client) GetMeasurements(afterID int64, limit int) ([]Measurement, error) {
	query := `SELECT id, source, timestamp, data FROM measurements WHERE id > $1 ORDER BY id ASC LIMIT $2`
	rows, err := c.db.Query(query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query measurements: %w", err)
	}
	defer rows.Close()

	var out []Measurement
	for rows.Next() {
		var m Measurement
		var data []byte
		if err := rows.Scan(&m.ID, &m.Source, &m.Timestamp, &data); err != nil {
			return nil, fmt.Errorf("failed to scan measurement row: %w", err)
		}
		if err := json.Unmarshal(data, &m.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal measurement %d data: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// GetLastSuccessfulLog returns the most recent successful log of kind, or
// nil if none exists yet.
func (c *Client) GetLastSuccessfulLog(kind LogKind) (*Log, error) {
	query := `
		SELECT id, timestamp, last, kind, status, response
		FROM logs WHERE kind = $1 AND status = 'success'
		ORDER BY id DESC LIMIT 1
	`
	row := c.db.QueryRow(query, kind)

	var l Log
	if err := row.Scan(&l.ID, &l.Timestamp, &l.Last, &l.Kind, &l.Status, &l.Response); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query last successful %s log: %w", kind, err)
	}
	return &l, nil
}

// InsertLog persists one push/update attempt record.
func (c *Client) InsertLog(l Log) error {
	query := `INSERT INTO logs (timestamp, last, kind, status, response) VALUES ($1, $2, $3, $4, $5)`
	_, err := c.db.Exec(query, l.Timestamp, l.Last, l.Kind, l.Status, l.Response)
	if err != nil {
		return fmt.Errorf("failed to insert %s log: %w", l.Kind, err)
	}
	return nil
}

// PruneLogs deletes logs older than cutoff, keeping the most recent
// successful log of each kind regardless of age so push/update can
// still resume from the right position.
func (c *Client) PruneLogs(cutoff time.Time) error {
	query := `
		DELETE FROM logs
		WHERE timestamp < $1
		AND id NOT IN (
			SELECT DISTINCT ON (kind) id FROM logs
			WHERE status = 'success'
			ORDER BY kind, id DESC
		)
	`
	if _, err := c.db.Exec(query, cutoff); err != nil {
		return fmt.Errorf("failed to prune logs: %w", err)
	}
	return nil
}

// MarkInactiveSince marks every device not seen since cutoff as Inactive.
func (c *Client) MarkInactiveSince(cutoff time.Time) (int64, error) {
	result, err := c.db.Exec(`UPDATE devices SET status = 'inactive' WHERE seen < $1 AND status != 'inactive'`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to mark inactive devices: %w", err)
	}
	return result.RowsAffected()
}
