package jobs

import (
	"time"

	"github.com/altibiz/pidgeon/internal/cloud"
	"github.com/altibiz/pidgeon/internal/config"
	"github.com/altibiz/pidgeon/internal/hardware"
	"github.com/altibiz/pidgeon/internal/modbus"
	"github.com/altibiz/pidgeon/internal/store"
)

// Store is the slice of the relational store the jobs drive. The
// Postgres-backed store.Client satisfies it; tests substitute an
// in-memory fake.
type Store interface {
	UpsertDevice(d store.Device) error
	ListDevices() ([]store.Device, error)
	UpdateDeviceStatus(id string, status store.DeviceStatus) error
	TouchDevice(id string, at time.Time) error
	InsertMeasurement(m store.Measurement) (int64, error)
	GetMeasurements(afterID int64, limit int) ([]store.Measurement, error)
	GetLastSuccessfulLog(kind store.LogKind) (*store.Log, error)
	InsertLog(l store.Log) error
	PruneLogs(cutoff time.Time) error
	MarkInactiveSince(cutoff time.Time) (int64, error)
	Close() error
}

// Cloud is the push/update surface of the cloud backend client.
type Cloud interface {
	Push(measurements []cloud.Measurement) (cloud.Response, error)
	Update(health []cloud.Health) (cloud.Response, error)
}

// Services bundles every backing collaborator a job needs: a flat
// struct of already-constructed collaborators passed down to each unit
// of work.
type Services struct {
	Config      *config.Manager
	Worker      *modbus.Worker
	Store       Store
	Cloud       Cloud
	Temperature *hardware.TemperatureReader // nil if no sensor configured
}

// Build constructs every backing service from cfg.
func Build(cfgManager *config.Manager, cfg config.Values) (*Services, error) {
	storeClient, err := store.Open(cfg.Db)
	if err != nil {
		return nil, err
	}

	cloudClient, err := cloud.New(
		cfg.Cloud.Domain,
		cfg.Cloud.SSL,
		cfg.Cloud.APIKey,
		time.Duration(cfg.Cloud.TimeoutMs)*time.Millisecond,
		cfg.Cloud.ID,
	)
	if err != nil {
		storeClient.Close()
		return nil, err
	}

	worker := modbus.Spawn(modbus.WorkerConfig{
		Initial: modbus.Params{
			Timeout: time.Duration(cfg.Modbus.InitialTimeoutMs) * time.Millisecond,
			Backoff: time.Duration(cfg.Modbus.InitialBackoffMs) * time.Millisecond,
			Retries: uint32(cfg.Modbus.InitialRetries),
		},
		BatchThreshold:     uint16(cfg.Modbus.BatchThreshold),
		MetricHistorySize:  cfg.Modbus.MetricHistorySize,
		TerminationTimeout: time.Duration(cfg.Modbus.TerminationMs) * time.Millisecond,
	})

	var temperature *hardware.TemperatureReader
	if cfg.Hardware.TemperatureMonitor != "" {
		temperature, err = hardware.NewTemperatureReader(cfg.Hardware.TemperatureMonitor)
		if err != nil {
			// Absence of a usable sensor is not fatal: the health job
			// simply skips the reading if Temperature is nil.
			temperature = nil
		}
	}

	return &Services{
		Config:      cfgManager,
		Worker:      worker,
		Store:       storeClient,
		Cloud:       cloudClient,
		Temperature: temperature,
	}, nil
}

// Shutdown releases every service that owns a long-lived resource.
func (s *Services) Shutdown() error {
	if err := s.Worker.Terminate(); err != nil {
		return err
	}
	return s.Store.Close()
}
