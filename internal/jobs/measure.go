package jobs

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/altibiz/pidgeon/internal/logger"
	"github.com/altibiz/pidgeon/internal/modbus"
	"github.com/altibiz/pidgeon/internal/store"
)

var (
	activeStreamsMu sync.Mutex
	activeStreams   = make(map[string]struct{})
)

// Measure opens (once per device) a stream of id-plus-measurement
// registers and, on every delivered cycle, verifies the id registers
// still produce the device's known id before persisting a measurement
// row over the measurement registers alone. A mismatched id means the
// destination now holds a different physical device; the stream is
// dropped rather than silently mislabeling readings.
func Measure(services *Services) {
	log := logger.WithJob("measure")

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

	for _, device := range devices {
		if device.Status != store.StatusHealthy {
			continue
		}

		schema, ok := schemas[device.Kind]
		if !ok || len(schema.Measurement) == 0 {
			continue
		}

		activeStreamsMu.Lock()
		_, already := activeStreams[device.ID]
		if !already {
			activeStreams[device.ID] = struct{}{}
		}
		activeStreamsMu.Unlock()
		if already {
			continue
		}

		go runMeasurementStream(services, log, device, schema)
	}
}

func runMeasurementStream(services *Services, log *zap.Logger, device store.Device, schema modbus.DeviceSchema) {
	defer func() {
		activeStreamsMu.Lock()
		delete(activeStreams, device.ID)
		activeStreamsMu.Unlock()
	}()

	log = logger.WithDevice(log, device.ID, device.Kind)

	destination := modbus.Destination{Address: device.Address, Slave: device.Slave}

	spans := make([]modbus.Span, 0, len(schema.Id)+len(schema.Measurement))
	for _, r := range schema.Id {
		spans = append(spans, r.Span())
	}
	for _, r := range schema.Measurement {
		spans = append(spans, r.Span())
	}
	idCount := len(schema.Id)

	results, err := services.Worker.Stream(destination, spans)
	if err != nil {
		logger.WithDestination(log, destination.Address, slaveString(destination.Slave)).
			Error("failed to start measurement stream", zap.Error(err))
		return
	}

	for result := range results {
		if result.Err != nil {
			continue
		}

		if !idStillMatches(device, schema.Id, result.Values) {
			log.Warn("device id mismatch on stream cycle, dropping stream")
			return
		}

		measured := make([]modbus.MeasurementRegisterValue, 0, len(schema.Measurement))
		for i, r := range schema.Measurement {
			parsed, ok := modbus.ParseMeasurementRegister(r, result.Values[idCount+i])
			if !ok {
				continue
			}
			measured = append(measured, parsed)
		}

		data := modbus.SerializeRegisters(measured)
		jsonData := make(map[string]any, len(data))
		for name, value := range data {
			jsonData[name] = value
		}

		if _, err := services.Store.InsertMeasurement(store.Measurement{
			Source:    device.ID,
			Timestamp: time.Now().UTC(),
			Data:      jsonData,
		}); err != nil {
			log.Error("failed to insert measurement", zap.Error(err))
		}
	}
}

// idStillMatches re-parses idRegs' spans from one stream cycle and
// compares the freshly rendered device id against device.ID the way
// discover.go's resolveID computes it in the first place
// (modbus.MakeId over the parsed id register values), rather than
// re-splitting the stored id string on ':'. A string id register whose
// own parsed value contains a colon would otherwise desync a naive
// split's segment count and index.
func idStillMatches(device store.Device, idRegs []modbus.IdRegisterKind, values [][]uint16) bool {
	idValues := make([]modbus.RegisterValue, len(idRegs))
	for i, r := range idRegs {
		parsed, ok := modbus.ParseIdRegister(r, values[i])
		if !ok {
			return false
		}
		idValues[i] = parsed.Storage
	}
	return modbus.MakeId(device.Kind, idValues) == device.ID
}
