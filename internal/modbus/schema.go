package modbus

import "github.com/altibiz/pidgeon/internal/config"

// DeviceSchema is the parsed, ready-to-read register set for one device
// kind, converted from its declarative config.DeviceSchema form.
type DeviceSchema struct {
	Kind        string
	Detect      []DetectRegisterKind
	Id          []IdRegisterKind
	Measurement []MeasurementRegisterKind
}

// ToRegisterKind converts a config-level register kind into the modbus
// package's own.
func ToRegisterKind(k config.RegisterKind) RegisterKind {
	return RegisterKind{Type: k.Type, Multiplier: k.Multiplier, Length: k.Length}
}

// ToDeviceSchema converts a device's declarative config schema into the
// modbus package's parsed-on-read register lists.
func ToDeviceSchema(kind string, schema config.DeviceSchema) DeviceSchema {
	detect := make([]DetectRegisterKind, 0, len(schema.Detect))
	for _, d := range schema.Detect {
		detect = append(detect, DetectRegisterKind{
			Address:      d.Address,
			Storage:      ToRegisterKind(d.Kind),
			Match:        d.Match,
			MatchIsRegex: d.MatchIsRegex,
		})
	}

	ids := make([]IdRegisterKind, 0, len(schema.Id))
	for _, i := range schema.Id {
		ids = append(ids, IdRegisterKind{Address: i.Address, Storage: ToRegisterKind(i.Kind)})
	}

	measurement := make([]MeasurementRegisterKind, 0, len(schema.Measurement))
	for _, m := range schema.Measurement {
		measurement = append(measurement, MeasurementRegisterKind{
			Address: m.Address,
			Storage: ToRegisterKind(m.Kind),
			Name:    m.Name,
		})
	}

	return DeviceSchema{Kind: kind, Detect: detect, Id: ids, Measurement: measurement}
}

// ToDeviceSchemas converts the full config device catalogue.
func ToDeviceSchemas(devices map[string]config.DeviceSchema) map[string]DeviceSchema {
	out := make(map[string]DeviceSchema, len(devices))
	for kind, schema := range devices {
		out[kind] = ToDeviceSchema(kind, schema)
	}
	return out
}
