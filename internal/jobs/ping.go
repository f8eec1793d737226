package jobs

import (
	"time"

	"go.uber.org/zap"

	"github.com/altibiz/pidgeon/internal/logger"
	"github.com/altibiz/pidgeon/internal/modbus"
	"github.com/altibiz/pidgeon/internal/store"
)

// Ping re-probes every known device's detect registers with a short
// timeout, refreshing liveness state without the cost of a full measure
// cycle. A device that stops responding is marked Unreachable only once
// it has been unseen longer than the configured inactive timeout;
// a single missed ping is treated as transient.
func Ping(services *Services) {
	log := logger.WithJob("ping")

	cfg, err := services.Config.Reload()
	if err != nil {
		log.Error("failed to reload config", zap.Error(err))
		return
	}

	devices, err := services.Store.ListDevices()
	if err != nil {
		log.Error("failed to list devices", zap.Error(err))
		return
	}

	schemas := modbus.ToDeviceSchemas(cfg.Modbus.Devices)
	inactiveAfter := time.Duration(cfg.Modbus.InactiveTimeoutMs) * time.Millisecond
	pingTimeout := time.Duration(cfg.Modbus.PingTimeoutMs) * time.Millisecond
	now := time.Now().UTC()

	for _, device := range devices {
		schema, ok := schemas[device.Kind]
		if !ok || len(schema.Detect) == 0 {
			continue
		}

		devLog := logger.WithDevice(log, device.ID, device.Kind)

		destination := modbus.Destination{Address: device.Address, Slave: device.Slave}
		if matchesDetect(services, destination, schema, pingTimeout) {
			if err := services.Store.TouchDevice(device.ID, now); err != nil {
				devLog.Error("failed to touch device", zap.Error(err))
			}
			continue
		}

		if now.Sub(device.Seen) > inactiveAfter {
			if err := services.Store.UpdateDeviceStatus(device.ID, store.StatusUnreachable); err != nil {
				devLog.Error("failed to mark device unreachable", zap.Error(err))
			}
		}
	}
}
