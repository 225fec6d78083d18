package datasource

import (
	"encoding/binary"
	"fmt"
	"math"
)

// The wire codec exchanges typed parameter values with remote controllers.
// Each parameter name carries exactly one value kind, fixed by the table
// below rather than inferred from the runtime value. All multi-byte fields
// are little-endian.

// ValueKind tags the variant held by a ParameterValue.
type ValueKind int

const (
	Text ValueKind = iota
	Uint
	Float
	Bool
	FloatVector
	ConfigurationKind
	Bytes
)

func (k ValueKind) String() string {
	switch k {
	case Text:
		return "text"
	case Uint:
		return "uint"
	case Float:
		return "float"
	case Bool:
		return "bool"
	case FloatVector:
		return "float-vector"
	case ConfigurationKind:
		return "configuration"
	case Bytes:
		return "bytes"
	}
	return fmt.Sprintf("ValueKind(%d)", int(k))
}

// ParameterValue is a closed tagged union of the value types a parameter
// may carry. Exactly the field selected by Kind is meaningful.
type ParameterValue struct {
	Kind   ValueKind
	Str    string
	Num    uint32
	Real   float32
	Flag   bool
	Vector []float64
	Config Configuration
	Raw    []byte
}

// Constructors for each variant.

func TextValue(s string) ParameterValue    { return ParameterValue{Kind: Text, Str: s} }
func UintValue(u uint32) ParameterValue    { return ParameterValue{Kind: Uint, Num: u} }
func FloatValue(f float32) ParameterValue  { return ParameterValue{Kind: Float, Real: f} }
func BoolValue(b bool) ParameterValue      { return ParameterValue{Kind: Bool, Flag: b} }
func VectorValue(v []float64) ParameterValue {
	return ParameterValue{Kind: FloatVector, Vector: v}
}
func ConfigValue(c Configuration) ParameterValue {
	return ParameterValue{Kind: ConfigurationKind, Config: c}
}
func BytesValue(b []byte) ParameterValue { return ParameterValue{Kind: Bytes, Raw: b} }

// parameterKinds fixes the wire variant for every known parameter name.
var parameterKinds = map[string]ValueKind{
	"source-type":        Text,
	"device-type":        Text,
	"state":              Text,
	"location":           Text,
	"connect-time":       Text,
	"start-time":         Text,
	"trigger":            Text,
	"nchannels":          Uint,
	"plug":               Uint,
	"chip-id":            Uint,
	"read-interval":      Uint,
	"gain":               Float,
	"adc-range":          Float,
	"sample-rate":        Float,
	"has-analog-output":  Bool,
	"analog-output":      FloatVector,
	"configuration":      ConfigurationKind,
	"configuration-file": Bytes,
}

// ParameterKind returns the wire variant for a parameter name, and whether
// the name has a defined wire representation at all.
func ParameterKind(param string) (ValueKind, bool) {
	k, ok := parameterKinds[param]
	return k, ok
}

// EncodeValue serializes value for transport under the given parameter
// name. An unrecognized name yields an empty buffer and no error: callers
// must treat empty output as "no defined wire representation". A value
// whose Kind disagrees with the parameter's fixed variant is a codec error.
func EncodeValue(param string, value ParameterValue) ([]byte, error) {
	kind, ok := parameterKinds[param]
	if !ok {
		return []byte{}, nil
	}
	if value.Kind != kind {
		return nil, fmt.Errorf("parameter %q carries %s values, not %s", param, kind, value.Kind)
	}
	switch kind {
	case Text:
		return []byte(value.Str), nil
	case Uint:
		return binary.LittleEndian.AppendUint32(nil, value.Num), nil
	case Float:
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(value.Real)), nil
	case Bool:
		if value.Flag {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case FloatVector:
		buf := binary.LittleEndian.AppendUint32(nil, uint32(len(value.Vector)))
		for _, x := range value.Vector {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(x))
		}
		return buf, nil
	case ConfigurationKind:
		buf := binary.LittleEndian.AppendUint32(nil, uint32(len(value.Config)))
		for _, el := range value.Config {
			buf = el.appendWire(buf)
		}
		return buf, nil
	case Bytes:
		if value.Raw == nil {
			return []byte{}, nil
		}
		return value.Raw, nil
	}
	return nil, fmt.Errorf("parameter %q has unencodable kind %s", param, kind)
}

// DecodeValue deserializes the wire form of the named parameter. Buffers
// shorter than the variant's minimum length are a codec error, as is an
// unrecognized parameter name.
func DecodeValue(param string, buf []byte) (ParameterValue, error) {
	kind, ok := parameterKinds[param]
	if !ok {
		return ParameterValue{}, fmt.Errorf("parameter %q has no defined wire representation", param)
	}
	switch kind {
	case Text:
		return TextValue(string(buf)), nil
	case Uint:
		if len(buf) < 4 {
			return ParameterValue{}, shortBuffer(param, 4, len(buf))
		}
		return UintValue(binary.LittleEndian.Uint32(buf)), nil
	case Float:
		if len(buf) < 4 {
			return ParameterValue{}, shortBuffer(param, 4, len(buf))
		}
		return FloatValue(math.Float32frombits(binary.LittleEndian.Uint32(buf))), nil
	case Bool:
		if len(buf) < 1 {
			return ParameterValue{}, shortBuffer(param, 1, len(buf))
		}
		return BoolValue(buf[0] != 0), nil
	case FloatVector:
		if len(buf) < 4 {
			return ParameterValue{}, shortBuffer(param, 4, len(buf))
		}
		n := int(binary.LittleEndian.Uint32(buf))
		if len(buf) < 4+8*n {
			return ParameterValue{}, shortBuffer(param, 4+8*n, len(buf))
		}
		vec := make([]float64, n)
		for i := range vec {
			vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[4+8*i:]))
		}
		return VectorValue(vec), nil
	case ConfigurationKind:
		if len(buf) < 4 {
			return ParameterValue{}, shortBuffer(param, 4, len(buf))
		}
		n := int(binary.LittleEndian.Uint32(buf))
		if len(buf) < 4+electrodeWireSize*n {
			return ParameterValue{}, shortBuffer(param, 4+electrodeWireSize*n, len(buf))
		}
		config := make(Configuration, n)
		for i := range config {
			if err := config[i].parseWire(buf[4+electrodeWireSize*i:]); err != nil {
				return ParameterValue{}, err
			}
		}
		return ConfigValue(config), nil
	case Bytes:
		raw := make([]byte, len(buf))
		copy(raw, buf)
		return BytesValue(raw), nil
	}
	return ParameterValue{}, fmt.Errorf("parameter %q has undecodable kind %s", param, kind)
}

func shortBuffer(param string, want, have int) error {
	return fmt.Errorf("decoding parameter %q needs at least %d bytes, have %d", param, want, have)
}
