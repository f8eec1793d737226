package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func multiplier(v float64) *float64 { return &v }

func TestRegisterKindQuantity(t *testing.T) {
	cases := []struct {
		kind RegisterKind
		want uint16
	}{
		{RegisterKind{Type: "u16"}, 1},
		{RegisterKind{Type: "s16"}, 1},
		{RegisterKind{Type: "u32"}, 2},
		{RegisterKind{Type: "s32"}, 2},
		{RegisterKind{Type: "f32"}, 2},
		{RegisterKind{Type: "u64"}, 4},
		{RegisterKind{Type: "s64"}, 4},
		{RegisterKind{Type: "f64"}, 4},
		{RegisterKind{Type: "string", Length: 7}, 7},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.kind.Quantity(), c.kind.Type)
	}
}

// Little-endian U32 with multiplier: words [0x0000, 0x03E8] (big-endian
// wire = 1000) decode to 100 once the 0.1 multiplier rounds.
func TestParseValueU32Multiplier(t *testing.T) {
	kind := RegisterKind{Type: "u32", Multiplier: multiplier(0.1)}
	value, ok := ParseValue(kind, []uint16{0x0000, 0x03E8})
	require.True(t, ok)
	assert.Equal(t, "u32", value.Type)
	assert.Equal(t, uint32(100), value.U32)
}

// String register: words [0x4142, 0x4344, 0x4500, 0x0000] decode to
// "ABCDE" followed by raw trailing NULs; the parser never trims, that's
// a caller's concern.
func TestParseValueString(t *testing.T) {
	kind := RegisterKind{Type: "string", Length: 4}
	value, ok := ParseValue(kind, []uint16{0x4142, 0x4344, 0x4500, 0x0000})
	require.True(t, ok)
	assert.Equal(t, "ABCDE\x00\x00\x00", value.Str)
}

func TestParseValueStringInvalidUTF8(t *testing.T) {
	kind := RegisterKind{Type: "string", Length: 1}
	_, ok := ParseValue(kind, []uint16{0xFF00})
	assert.False(t, ok)
}

func TestParseValueWrongWordCount(t *testing.T) {
	kind := RegisterKind{Type: "u32"}
	_, ok := ParseValue(kind, []uint16{0x0001})
	assert.False(t, ok)
}

// Parsing bytes assembled for a kind returns the same scalar regardless
// of multiplier absence.
func TestParseValueRoundTripNoMultiplier(t *testing.T) {
	cases := []struct {
		kind RegisterKind
		data []uint16
	}{
		{RegisterKind{Type: "u16"}, []uint16{42}},
		{RegisterKind{Type: "s16"}, []uint16{0xFFFF}}, // -1
		{RegisterKind{Type: "u64"}, []uint16{0, 0, 0, 7}},
	}
	for _, c := range cases {
		value, ok := ParseValue(c.kind, c.data)
		require.True(t, ok, c.kind.Type)
		assert.Equal(t, c.kind.Type, value.Type)
	}
	s16, ok := ParseValue(RegisterKind{Type: "s16"}, []uint16{0xFFFF})
	require.True(t, ok)
	assert.Equal(t, int16(-1), s16.S16)
}

func TestParseValueFloat32NoRounding(t *testing.T) {
	// 1.0f as IEEE-754: 0x3F800000 -> words [0x3F80, 0x0000] reversed to
	// native order by parseNumericBytes (little-endian word reversal).
	kind := RegisterKind{Type: "f32", Multiplier: multiplier(0.5)}
	value, ok := ParseValue(kind, []uint16{0x3F80, 0x0000})
	require.True(t, ok)
	assert.InDelta(t, 0.5, float64(value.F32), 1e-6)
}

// Detect match literal: response [0x0005] matches match="5"; response
// [0x0006] does not.
func TestDetectRegisterMatchesLiteral(t *testing.T) {
	reg := DetectRegisterKind{Address: 0, Storage: RegisterKind{Type: "u16"}, Match: "5"}

	parsed, ok := ParseDetectRegister(reg, []uint16{0x0005})
	require.True(t, ok)
	matched, err := parsed.Matches()
	require.NoError(t, err)
	assert.True(t, matched)

	parsed, ok = ParseDetectRegister(reg, []uint16{0x0006})
	require.True(t, ok)
	matched, err = parsed.Matches()
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestDetectRegisterMatchesRegex(t *testing.T) {
	reg := DetectRegisterKind{
		Address:      0,
		Storage:      RegisterKind{Type: "u16"},
		Match:        `^[0-9]+$`,
		MatchIsRegex: true,
	}
	parsed, ok := ParseDetectRegister(reg, []uint16{0x002A})
	require.True(t, ok)
	matched, err := parsed.Matches()
	require.NoError(t, err)
	assert.True(t, matched)
}

func TestMakeId(t *testing.T) {
	segments := []RegisterValue{
		{Type: "u16", U16: 7},
		{Type: "string", Str: "xyz"},
	}
	assert.Equal(t, "power-meter:7:xyz", MakeId("power-meter", segments))
}

func TestSerializeRegisters(t *testing.T) {
	regs := []MeasurementRegisterValue{
		{Name: "voltage", Storage: RegisterValue{Type: "u16", U16: 230}},
		{Name: "current", Storage: RegisterValue{Type: "f32", F32: 1.5}},
	}
	out := SerializeRegisters(regs)
	require.Len(t, out, 2)
	assert.Equal(t, uint16(230), out["voltage"].U16)
	assert.Equal(t, float32(1.5), out["current"].F32)
}
