package hardware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseW1SlaveValidReading(t *testing.T) {
	data := []byte("73 01 4b 46 7f ff 0c 10 1c : crc=1c YES\n73 01 4b 46 7f ff 0c 10 1c t=23187")
	celsius, err := parseW1Slave(data)
	require.NoError(t, err)
	assert.InDelta(t, 23.187, celsius, 1e-6)
}

func TestParseW1SlaveBadCRC(t *testing.T) {
	data := []byte("73 01 4b 46 7f ff 0c 10 1c : crc=1c NO\n73 01 4b 46 7f ff 0c 10 1c t=23187")
	_, err := parseW1Slave(data)
	assert.Error(t, err)
}

func TestParseW1SlaveMissingTemperatureField(t *testing.T) {
	data := []byte("73 01 4b 46 7f ff 0c 10 1c : crc=1c YES\nno temperature field here")
	_, err := parseW1Slave(data)
	assert.Error(t, err)
}
