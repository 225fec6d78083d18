package datasource

import (
	"runtime"
	"testing"
	"time"
)

func TestCreateFactory(t *testing.T) {
	src, err := Create("hidens", "10.0.0.42", 0)
	if err != nil {
		t.Fatalf("Create(hidens): %s", err)
	}
	h, ok := src.(*HidensSource)
	if !ok {
		t.Fatalf("Create(hidens) returned %T", src)
	}
	if h.cfg.Addr != "10.0.0.42" {
		t.Errorf("hidens address is %q, want the location argument", h.cfg.Addr)
	}
	if h.DeviceType() != "hidens" || h.SourceType() != "device" {
		t.Errorf("types are %s/%s, want device/hidens", h.SourceType(), h.DeviceType())
	}
	if h.ReadInterval() != 10*time.Millisecond {
		t.Errorf("default read interval is %s, want 10ms", h.ReadInterval())
	}

	src, err = Create("file", testDataFile(t, 1, 10), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Create(file): %s", err)
	}
	if src.SourceType() != "file" {
		t.Errorf("file source type is %q", src.SourceType())
	}
	if src.ReadInterval() != 20*time.Millisecond {
		t.Errorf("read interval is %s, want 20ms", src.ReadInterval())
	}

	if _, err := Create("", "", 0); err == nil {
		t.Error("Create with an empty type did not fail")
	}
	if _, err := Create("tetrode", "", 0); err == nil {
		t.Error("Create with an unknown type did not fail")
	}
	if runtime.GOOS != "windows" {
		if _, err := Create("mcs", "", 0); err == nil {
			t.Error("Create(mcs) off Windows did not fail")
		}
	}
}

func TestSampleFrameAccessors(t *testing.T) {
	frame := &SampleFrame{
		NChannels: 2,
		NSamples:  3,
		Samples:   []int16{1, 2, 3, -10, -20, -30},
		Aux:       []int16{0, 255, 0},
	}
	if frame.At(0, 2) != 3 || frame.At(1, 0) != -10 {
		t.Errorf("At reads (%d, %d), want (3, -10)", frame.At(0, 2), frame.At(1, 0))
	}

	v := frame.Volts(0.5)
	r, c := v.Dims()
	if r != 2 || c != 3 {
		t.Fatalf("Volts matrix is %dx%d, want 2x3", r, c)
	}
	if v.At(0, 1) != 1.0 || v.At(1, 2) != -15.0 {
		t.Errorf("Volts values are %g, %g; want 1, -15", v.At(0, 1), v.At(1, 2))
	}
}
