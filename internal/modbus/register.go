package modbus

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// RegisterKind is the declarative description of one register: its wire
// type, and the numeric multiplier or string length that interpretation
// needs. Exactly one of Multiplier/Length is meaningful, selected by Type.
type RegisterKind struct {
	Type       string // u16|u32|u64|s16|s32|s64|f32|f64|string
	Multiplier *float64
	Length     uint16
}

// Quantity is the number of 16-bit registers this kind occupies on the wire.
func (k RegisterKind) Quantity() uint16 {
	switch k.Type {
	case "u16", "s16":
		return 1
	case "u32", "s32", "f32":
		return 2
	case "u64", "s64", "f64":
		return 4
	case "string":
		return k.Length
	default:
		return 0
	}
}

// RegisterValue is a parsed register value, tagged by the same Type
// vocabulary as RegisterKind. It is the untagged-union analogue of the
// declarative RegisterKind: exactly one field is meaningful for a given
// Type.
type RegisterValue struct {
	Type string
	U16  uint16
	U32  uint32
	U64  uint64
	S16  int16
	S32  int32
	S64  int64
	F32  float32
	F64  float64
	Str  string
}

// Quantity is the number of 16-bit registers this value was read from.
func (v RegisterValue) Quantity() uint16 {
	switch v.Type {
	case "u16", "s16":
		return 1
	case "u32", "s32", "f32":
		return 2
	case "u64", "s64", "f64":
		return 4
	case "string":
		return uint16((len(v.Str) + 1) / 2)
	default:
		return 0
	}
}

// String renders the value the way every DetectRegister match and every
// IdRegister segment is compared against.
func (v RegisterValue) String() string {
	switch v.Type {
	case "u16":
		return strconv.FormatUint(uint64(v.U16), 10)
	case "u32":
		return strconv.FormatUint(uint64(v.U32), 10)
	case "u64":
		return strconv.FormatUint(v.U64, 10)
	case "s16":
		return strconv.FormatInt(int64(v.S16), 10)
	case "s32":
		return strconv.FormatInt(int64(v.S32), 10)
	case "s64":
		return strconv.FormatInt(v.S64, 10)
	case "f32":
		return strconv.FormatFloat(float64(v.F32), 'g', -1, 32)
	case "f64":
		return strconv.FormatFloat(v.F64, 'g', -1, 64)
	case "string":
		return v.Str
	default:
		return ""
	}
}

// MarshalJSON serializes a RegisterValue as the bare scalar, no Type
// wrapper. This is the shape a measurement's data column stores per
// register name.
func (v RegisterValue) MarshalJSON() ([]byte, error) {
	switch v.Type {
	case "u16":
		return json.Marshal(v.U16)
	case "u32":
		return json.Marshal(v.U32)
	case "u64":
		return json.Marshal(v.U64)
	case "s16":
		return json.Marshal(v.S16)
	case "s32":
		return json.Marshal(v.S32)
	case "s64":
		return json.Marshal(v.S64)
	case "f32":
		return json.Marshal(v.F32)
	case "f64":
		return json.Marshal(v.F64)
	case "string":
		return json.Marshal(v.Str)
	default:
		return []byte("null"), nil
	}
}

// MeasurementRegisterKind is the declarative form of a named, collected
// register. MeasurementRegisterValue is its parsed counterpart.
type MeasurementRegisterKind struct {
	Address uint16
	Storage RegisterKind
	Name    string
}

type MeasurementRegisterValue struct {
	Address uint16
	Storage RegisterValue
	Name    string
}

// DetectRegisterKind is the declarative form of a register whose parsed
// value decides whether a destination runs a given device kind.
// DetectRegisterValue is its parsed counterpart.
type DetectRegisterKind struct {
	Address      uint16
	Storage      RegisterKind
	Match        string
	MatchIsRegex bool
}

type DetectRegisterValue struct {
	Address      uint16
	Storage      RegisterValue
	Match        string
	MatchIsRegex bool
}

// IdRegisterKind is the declarative form of one device-identity segment.
// IdRegisterValue is its parsed counterpart.
type IdRegisterKind struct {
	Address uint16
	Storage RegisterKind
}

type IdRegisterValue struct {
	Address uint16
	Storage RegisterValue
}

// Matches reports whether a parsed DetectRegister's value satisfies its
// match rule: a literal string equality, or (when MatchIsRegex) a regexp.
func (d DetectRegisterValue) Matches() (bool, error) {
	storage := d.Storage.String()
	if !d.MatchIsRegex {
		return d.Match == storage, nil
	}
	re, err := regexp.Compile(d.Match)
	if err != nil {
		return false, fmt.Errorf("invalid detect register regex %q: %w", d.Match, err)
	}
	return re.MatchString(storage), nil
}

// Id renders a parsed IdRegister's value for concatenation into a device id.
func (r IdRegisterValue) Id() string {
	return r.Storage.String()
}

// MakeId joins a device kind and its ordered id register values into the
// identity string persisted as a device's primary key.
func MakeId(kind string, segments []RegisterValue) string {
	parts := make([]string, 0, len(segments)+1)
	parts = append(parts, kind)
	for _, s := range segments {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, ":")
}

// SerializeRegisters builds the JSON object a measurement's data column
// stores: register name to parsed value.
func SerializeRegisters(registers []MeasurementRegisterValue) map[string]RegisterValue {
	out := make(map[string]RegisterValue, len(registers))
	for _, r := range registers {
		out[r.Name] = r.Storage
	}
	return out
}

// ParseValue decodes one register's wire words into a RegisterValue.
//
// Byte assembly follows the little-endian layout pidgeon deploys to
// (Raspberry Pi and other ARM/x86 Linux boards are little-endian).
// Numeric kinds reverse word order and then lay out each word low-byte
// first; the string kind keeps word order and lays out each word
// high-byte first, matching on-wire character order. Returns false if
// the data doesn't fit the kind (wrong word count, or invalid UTF-8 for
// a string register).
func ParseValue(kind RegisterKind, data []uint16) (RegisterValue, bool) {
	switch kind.Type {
	case "u16", "u32", "u64", "s16", "s32", "s64", "f32", "f64":
		bytes := parseNumericBytes(data)
		return parseNumericValue(kind, bytes)
	case "string":
		bytes := parseStringBytes(data)
		if !utf8.Valid(bytes) {
			return RegisterValue{}, false
		}
		return RegisterValue{Type: "string", Str: string(bytes)}, true
	default:
		return RegisterValue{}, false
	}
}

func parseNumericBytes(data []uint16) []byte {
	bytes := make([]byte, 0, len(data)*2)
	for i := len(data) - 1; i >= 0; i-- {
		value := data[i]
		bytes = append(bytes, byte(value&0xFF), byte(value>>8))
	}
	return bytes
}

func parseStringBytes(data []uint16) []byte {
	bytes := make([]byte, 0, len(data)*2)
	for _, value := range data {
		bytes = append(bytes, byte(value>>8), byte(value&0xFF))
	}
	return bytes
}

func parseNumericValue(kind RegisterKind, bytes []byte) (RegisterValue, bool) {
	switch kind.Type {
	case "u16":
		if len(bytes) != 2 {
			return RegisterValue{}, false
		}
		value := binary.LittleEndian.Uint16(bytes)
		return RegisterValue{Type: "u16", U16: applyMultiplierUint16(value, kind.Multiplier)}, true
	case "u32":
		if len(bytes) != 4 {
			return RegisterValue{}, false
		}
		value := binary.LittleEndian.Uint32(bytes)
		return RegisterValue{Type: "u32", U32: applyMultiplierUint32(value, kind.Multiplier)}, true
	case "u64":
		if len(bytes) != 8 {
			return RegisterValue{}, false
		}
		value := binary.LittleEndian.Uint64(bytes)
		return RegisterValue{Type: "u64", U64: applyMultiplierUint64(value, kind.Multiplier)}, true
	case "s16":
		if len(bytes) != 2 {
			return RegisterValue{}, false
		}
		value := int16(binary.LittleEndian.Uint16(bytes))
		return RegisterValue{Type: "s16", S16: applyMultiplierInt16(value, kind.Multiplier)}, true
	case "s32":
		if len(bytes) != 4 {
			return RegisterValue{}, false
		}
		value := int32(binary.LittleEndian.Uint32(bytes))
		return RegisterValue{Type: "s32", S32: applyMultiplierInt32(value, kind.Multiplier)}, true
	case "s64":
		if len(bytes) != 8 {
			return RegisterValue{}, false
		}
		value := int64(binary.LittleEndian.Uint64(bytes))
		return RegisterValue{Type: "s64", S64: applyMultiplierInt64(value, kind.Multiplier)}, true
	case "f32":
		if len(bytes) != 4 {
			return RegisterValue{}, false
		}
		value := math.Float32frombits(binary.LittleEndian.Uint32(bytes))
		return RegisterValue{Type: "f32", F32: applyMultiplierFloat32(value, kind.Multiplier)}, true
	case "f64":
		if len(bytes) != 8 {
			return RegisterValue{}, false
		}
		value := math.Float64frombits(binary.LittleEndian.Uint64(bytes))
		return RegisterValue{Type: "f64", F64: applyMultiplierFloat64(value, kind.Multiplier)}, true
	default:
		return RegisterValue{}, false
	}
}

// Integer kinds round after applying the multiplier; float kinds don't.
// This matches the parser's distinct integer/float handling.

func applyMultiplierUint16(value uint16, m *float64) uint16 {
	if m == nil {
		return value
	}
	return uint16(math.Round(float64(value) * *m))
}

func applyMultiplierUint32(value uint32, m *float64) uint32 {
	if m == nil {
		return value
	}
	return uint32(math.Round(float64(value) * *m))
}

func applyMultiplierUint64(value uint64, m *float64) uint64 {
	if m == nil {
		return value
	}
	return uint64(math.Round(float64(value) * *m))
}

func applyMultiplierInt16(value int16, m *float64) int16 {
	if m == nil {
		return value
	}
	return int16(math.Round(float64(value) * *m))
}

func applyMultiplierInt32(value int32, m *float64) int32 {
	if m == nil {
		return value
	}
	return int32(math.Round(float64(value) * *m))
}

func applyMultiplierInt64(value int64, m *float64) int64 {
	if m == nil {
		return value
	}
	return int64(math.Round(float64(value) * *m))
}

func applyMultiplierFloat32(value float32, m *float64) float32 {
	if m == nil {
		return value
	}
	return float32(float64(value) * *m)
}

func applyMultiplierFloat64(value float64, m *float64) float64 {
	if m == nil {
		return value
	}
	return value * *m
}

// ParseDetectRegister parses one detect register's span data.
func ParseDetectRegister(r DetectRegisterKind, data []uint16) (DetectRegisterValue, bool) {
	value, ok := ParseValue(r.Storage, data)
	if !ok {
		return DetectRegisterValue{}, false
	}
	return DetectRegisterValue{
		Address:      r.Address,
		Storage:      value,
		Match:        r.Match,
		MatchIsRegex: r.MatchIsRegex,
	}, true
}

// ParseIdRegister parses one id register's span data.
func ParseIdRegister(r IdRegisterKind, data []uint16) (IdRegisterValue, bool) {
	value, ok := ParseValue(r.Storage, data)
	if !ok {
		return IdRegisterValue{}, false
	}
	return IdRegisterValue{Address: r.Address, Storage: value}, true
}

// ParseMeasurementRegister parses one measurement register's span data.
func ParseMeasurementRegister(r MeasurementRegisterKind, data []uint16) (MeasurementRegisterValue, bool) {
	value, ok := ParseValue(r.Storage, data)
	if !ok {
		return MeasurementRegisterValue{}, false
	}
	return MeasurementRegisterValue{Address: r.Address, Storage: value, Name: r.Name}, true
}

// Span returns the read span for a detect/id/measurement register kind.
func (r DetectRegisterKind) Span() Span      { return Span{Address: r.Address, Quantity: r.Storage.Quantity()} }
func (r IdRegisterKind) Span() Span          { return Span{Address: r.Address, Quantity: r.Storage.Quantity()} }
func (r MeasurementRegisterKind) Span() Span { return Span{Address: r.Address, Quantity: r.Storage.Quantity()} }
