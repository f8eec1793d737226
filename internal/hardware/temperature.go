// Package hardware reads onboard sensors available to the gateway.
package hardware

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const oneWireBasePath = "/sys/bus/w1/devices"

// TemperatureReader reads the DS18B20-style 1-Wire sensor named by
// config's hardware.temperature_monitor device id.
type TemperatureReader struct {
	deviceID string
}

// NewTemperatureReader builds a reader for the 1-Wire device id (e.g.
// "28-00000123abcd") named in config. It fails fast if the w1 kernel
// module isn't loaded.
func NewTemperatureReader(deviceID string) (*TemperatureReader, error) {
	if _, err := os.Stat(oneWireBasePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("1-Wire kernel module not loaded: run modprobe w1-gpio")
	}
	return &TemperatureReader{deviceID: deviceID}, nil
}

// ReadCelsius reads and parses the sensor's current temperature.
func (r *TemperatureReader) ReadCelsius() (float64, error) {
	path := filepath.Join(oneWireBasePath, r.deviceID, "w1_slave")
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read 1-Wire device %s: %w", r.deviceID, err)
	}
	return parseW1Slave(data)
}

// parseW1Slave extracts the millidegree reading from a w1_slave file,
// whose second line ends in "t=<millicelsius>" on a successful CRC read.
func parseW1Slave(data []byte) (float64, error) {
	lines := strings.Split(string(data), "\n")
	if len(lines) < 2 || !strings.Contains(lines[0], "YES") {
		return 0, fmt.Errorf("1-Wire device reported a bad CRC")
	}

	idx := strings.LastIndex(lines[1], "t=")
	if idx == -1 {
		return 0, fmt.Errorf("1-Wire device reading missing temperature field")
	}

	milli, err := strconv.Atoi(strings.TrimSpace(lines[1][idx+2:]))
	if err != nil {
		return 0, fmt.Errorf("failed to parse 1-Wire temperature reading: %w", err)
	}

	return float64(milli) / 1000.0, nil
}
