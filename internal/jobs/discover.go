// Package jobs implements the eight scheduler-driven units of work that
// drive discovery, acquisition, and reporting for the gateway.
package jobs

import (
	"time"

	"go.uber.org/zap"

	"github.com/altibiz/pidgeon/internal/logger"
	"github.com/altibiz/pidgeon/internal/modbus"
	"github.com/altibiz/pidgeon/internal/network"
	"github.com/altibiz/pidgeon/internal/store"
)

func Discover(services *Services) {
	log := logger.WithJob("discover")

	cfg, err := services.Config.Reload()
	if err != nil {
		log.Error("failed to reload config", zap.Error(err))
		return
	}

	startIP := parseIPOrLog(log, cfg.Network.IPRangeStart)
	endIP := parseIPOrLog(log, cfg.Network.IPRangeEnd)
	if startIP == nil || endIP == nil {
		return
	}

	sockets, err := network.Scan(startIP, endIP, time.Duration(cfg.Network.TimeoutMs)*time.Millisecond)
	if err != nil {
		log.Error("network scan failed", zap.Error(err))
		return
	}

	schemas := modbus.ToDeviceSchemas(cfg.Modbus.Devices)

	matched, total := 0, 0
	for _, socket := range sockets {
		for _, destination := range modbus.Destinations(socket) {
			for kind, schema := range schemas {
				total++
				if tryDevice(services, log, destination, kind, schema) {
					matched++
				}
			}
		}
	}

	log.Info("discovery sweep complete",
		zap.Int("sockets", len(sockets)),
		zap.Int("matched", matched),
		zap.Int("attempted", total),
	)
}

// tryDevice reads a destination's detect registers for one device kind;
// on a match it reads the id registers and upserts the device row.
func tryDevice(services *Services, log *zap.Logger, destination modbus.Destination, kind string, schema modbus.DeviceSchema) bool {
	if !matchesDetect(services, destination, schema, 0) {
		return false
	}

	id, ok := resolveID(services, destination, kind, schema)
	if !ok {
		return false
	}

	now := time.Now().UTC()

	device := store.Device{
		ID:      id,
		Kind:    kind,
		Status:  store.StatusHealthy,
		Address: destination.Address,
		Slave:   destination.Slave,
		Seen:    now,
		Pinged:  now,
	}

	if err := services.Store.UpsertDevice(device); err != nil {
		logger.WithDevice(log, id, kind).Error("failed to upsert device", zap.Error(err))
		return false
	}

	return true
}

// matchesDetect reads a destination's detect registers and checks them
// against schema. timeout, if non-zero, bounds the read to a single
// short attempt (see Worker.SendWithTimeout) instead of the worker's
// tuned retry/backoff budget; pass 0 to use the tuned Params, which is
// what a cold discovery sweep (no prior history for the destination)
// wants.
func matchesDetect(services *Services, destination modbus.Destination, schema modbus.DeviceSchema, timeout time.Duration) bool {
	if len(schema.Detect) == 0 {
		return false
	}

	spans := make([]modbus.Span, len(schema.Detect))
	for i, d := range schema.Detect {
		spans[i] = d.Span()
	}

	var values [][]uint16
	var err error
	if timeout > 0 {
		values, err = services.Worker.SendWithTimeout(destination, spans, timeout)
	} else {
		values, err = services.Worker.Send(destination, spans)
	}
	if err != nil {
		return false
	}

	for i, d := range schema.Detect {
		parsed, ok := modbus.ParseDetectRegister(d, values[i])
		if !ok {
			return false
		}
		matched, err := parsed.Matches()
		if err != nil || !matched {
			return false
		}
	}
	return true
}

func resolveID(services *Services, destination modbus.Destination, kind string, schema modbus.DeviceSchema) (string, bool) {
	if len(schema.Id) == 0 {
		return "", false
	}

	spans := make([]modbus.Span, len(schema.Id))
	for i, r := range schema.Id {
		spans[i] = r.Span()
	}

	values, err := services.Worker.Send(destination, spans)
	if err != nil {
		return "", false
	}

	segments := make([]modbus.RegisterValue, len(schema.Id))
	for i, r := range schema.Id {
		parsed, ok := modbus.ParseIdRegister(r, values[i])
		if !ok {
			return "", false
		}
		segments[i] = parsed.Storage
	}

	return modbus.MakeId(kind, segments), true
}
