package datasource

import (
	"math"
	"testing"
)

func TestParameterKind(t *testing.T) {
	cases := []struct {
		param string
		kind  ValueKind
	}{
		{"state", Text},
		{"plug", Uint},
		{"gain", Float},
		{"has-analog-output", Bool},
		{"analog-output", FloatVector},
		{"configuration", ConfigurationKind},
		{"configuration-file", Bytes},
	}
	for _, c := range cases {
		kind, ok := ParameterKind(c.param)
		if !ok {
			t.Errorf("ParameterKind(%q) is not defined", c.param)
		}
		if kind != c.kind {
			t.Errorf("ParameterKind(%q) = %s, want %s", c.param, kind, c.kind)
		}
	}
	if _, ok := ParameterKind("no-such-parameter"); ok {
		t.Error("ParameterKind accepted an unknown name")
	}
}

func TestEncodeUnknownParameter(t *testing.T) {
	buf, err := EncodeValue("no-such-parameter", TextValue("x"))
	if err != nil {
		t.Errorf("encoding an unknown parameter errored: %s", err)
	}
	if len(buf) != 0 {
		t.Errorf("encoding an unknown parameter produced %d bytes, want 0", len(buf))
	}
	if _, err := DecodeValue("no-such-parameter", nil); err == nil {
		t.Error("decoding an unknown parameter did not fail")
	}
}

func TestEncodeKindMismatch(t *testing.T) {
	if _, err := EncodeValue("plug", TextValue("2")); err == nil {
		t.Error("encoding a text value for a uint parameter did not fail")
	}
	if _, err := EncodeValue("state", UintValue(2)); err == nil {
		t.Error("encoding a uint value for a text parameter did not fail")
	}
}

func TestScalarRoundTrips(t *testing.T) {
	values := []ParameterValue{
		TextValue(""),
		TextValue("streaming"),
		UintValue(0),
		UintValue(4294967295),
		FloatValue(0),
		FloatValue(-123.5),
		FloatValue(float32(math.Inf(1))),
		BoolValue(true),
		BoolValue(false),
	}
	params := map[ValueKind]string{
		Text: "state", Uint: "plug", Float: "gain", Bool: "has-analog-output",
	}
	for _, v := range values {
		param := params[v.Kind]
		buf, err := EncodeValue(param, v)
		if err != nil {
			t.Errorf("encode %s %q: %s", v.Kind, param, err)
			continue
		}
		out, err := DecodeValue(param, buf)
		if err != nil {
			t.Errorf("decode %s %q: %s", v.Kind, param, err)
			continue
		}
		if out.Kind != v.Kind {
			t.Errorf("round trip of %q changed kind %s to %s", param, v.Kind, out.Kind)
		}
		if out.Str != v.Str || out.Num != v.Num || out.Flag != v.Flag ||
			math.Float32bits(out.Real) != math.Float32bits(v.Real) {
			t.Errorf("round trip of %q changed %+v to %+v", param, v, out)
		}
	}
}

func TestVectorRoundTrip(t *testing.T) {
	v := VectorValue([]float64{0, -1.25, 3e8})
	buf, err := EncodeValue("analog-output", v)
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != 4+8*3 {
		t.Errorf("encoded vector is %d bytes, want %d", len(buf), 4+8*3)
	}
	out, err := DecodeValue("analog-output", buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Vector) != 3 {
		t.Fatalf("decoded vector has %d elements, want 3", len(out.Vector))
	}
	for i := range v.Vector {
		if out.Vector[i] != v.Vector[i] {
			t.Errorf("vector[%d] = %g, want %g", i, out.Vector[i], v.Vector[i])
		}
	}

	// An empty vector is legal: a bare zero count.
	buf, err = EncodeValue("analog-output", VectorValue(nil))
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != 4 {
		t.Errorf("encoded empty vector is %d bytes, want 4", len(buf))
	}
	out, err = DecodeValue("analog-output", buf)
	if err != nil {
		t.Fatalf("decoding an empty vector failed: %s", err)
	}
	if len(out.Vector) != 0 {
		t.Errorf("decoded empty vector has %d elements, want 0", len(out.Vector))
	}
}

func TestConfigurationRoundTrip(t *testing.T) {
	config := Configuration{
		{Index: 7, Xpos: 175, X: 8, Ypos: 315, Y: 17, Label: 'A'},
		{Index: 11, Xpos: 192, X: 9, Ypos: 315, Y: 17, Label: 'B'},
	}
	buf, err := EncodeValue("configuration", ConfigValue(config))
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != 4+2*electrodeWireSize {
		t.Errorf("encoded configuration is %d bytes, want %d", len(buf), 4+2*electrodeWireSize)
	}
	out, err := DecodeValue("configuration", buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Config) != len(config) {
		t.Fatalf("decoded configuration has %d electrodes, want %d", len(out.Config), len(config))
	}
	for i := range config {
		if out.Config[i] != config[i] {
			t.Errorf("electrode %d changed: have %v, want %v", i, out.Config[i], config[i])
		}
	}

	// A configuration with no electrodes is legal: a bare zero count.
	buf, err = EncodeValue("configuration", ConfigValue(nil))
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != 4 {
		t.Errorf("encoded empty configuration is %d bytes, want 4", len(buf))
	}
	out, err = DecodeValue("configuration", buf)
	if err != nil {
		t.Fatalf("decoding an empty configuration failed: %s", err)
	}
	if len(out.Config) != 0 {
		t.Errorf("decoded empty configuration has %d electrodes, want 0", len(out.Config))
	}
}

func TestDecodeShortBuffers(t *testing.T) {
	cases := []struct {
		param string
		buf   []byte
	}{
		{"plug", []byte{1, 2}},
		{"gain", []byte{1, 2, 3}},
		{"has-analog-output", []byte{}},
		{"analog-output", []byte{1}},
		{"analog-output", []byte{2, 0, 0, 0, 9}}, // count says 2, data absent
		{"configuration", []byte{1, 0, 0}},
		{"configuration", []byte{1, 0, 0, 0, 9}}, // count says 1, record short
	}
	for _, c := range cases {
		if _, err := DecodeValue(c.param, c.buf); err == nil {
			t.Errorf("decoding %q from %d bytes did not fail", c.param, len(c.buf))
		}
	}
}
