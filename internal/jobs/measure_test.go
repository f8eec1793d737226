package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altibiz/pidgeon/internal/modbus"
	"github.com/altibiz/pidgeon/internal/store"
)

func TestIdStillMatchesAgreesWithMakeId(t *testing.T) {
	idRegs := []modbus.IdRegisterKind{
		{Address: 1, Storage: modbus.RegisterKind{Type: "u16"}},
		{Address: 2, Storage: modbus.RegisterKind{Type: "string", Length: 2}},
	}
	device := store.Device{Kind: "power-meter", ID: modbus.MakeId("power-meter", []modbus.RegisterValue{
		{Type: "u16", U16: 7},
		{Type: "string", Str: "AB"},
	})}

	values := [][]uint16{{7}, {0x4142}}
	assert.True(t, idStillMatches(device, idRegs, values))

	mismatched := [][]uint16{{8}, {0x4142}}
	assert.False(t, idStillMatches(device, idRegs, mismatched))
}

// A string id register whose own parsed value contains the ':'
// delimiter must not desync a positional comparison the way splitting
// the stored id on ':' would.
func TestIdStillMatchesHandlesColonInIdSegment(t *testing.T) {
	idRegs := []modbus.IdRegisterKind{
		{Address: 1, Storage: modbus.RegisterKind{Type: "string", Length: 3}},
	}
	// words decode to the 6-byte string "AA:BB!", which itself contains
	// the same ':' MakeId uses to join segments.
	values := [][]uint16{{0x4141, 0x3a42, 0x4221}}

	parsed, ok := modbus.ParseIdRegister(idRegs[0], values[0])
	require.True(t, ok)
	require.Equal(t, "AA:BB!", parsed.Storage.Str)

	device := store.Device{Kind: "power-meter", ID: modbus.MakeId("power-meter", []modbus.RegisterValue{parsed.Storage})}

	assert.True(t, idStillMatches(device, idRegs, values))
}
