package datasource

import (
	"encoding/binary"
	"testing"
)

func TestFramePacketLayout(t *testing.T) {
	frame := &SampleFrame{
		NChannels: 2,
		NSamples:  2,
		Samples:   []int16{1, -1, 300, -300},
		Aux:       []int16{255, 0},
	}
	buf := framePacket(frame)
	want := 12 + 2*4 + 2*2
	if len(buf) != want {
		t.Fatalf("packet is %d bytes, want %d", len(buf), want)
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != 2 {
		t.Errorf("nchannels header is %d, want 2", binary.LittleEndian.Uint32(buf[0:4]))
	}
	if binary.LittleEndian.Uint32(buf[4:8]) != 2 {
		t.Errorf("nsamples header is %d, want 2", binary.LittleEndian.Uint32(buf[4:8]))
	}
	if binary.LittleEndian.Uint32(buf[8:12]) != 2 {
		t.Errorf("aux length header is %d, want 2", binary.LittleEndian.Uint32(buf[8:12]))
	}
	if int16(binary.LittleEndian.Uint16(buf[12:14])) != 1 {
		t.Error("first sample corrupted")
	}
	if int16(binary.LittleEndian.Uint16(buf[14:16])) != -1 {
		t.Error("negative sample corrupted")
	}
	if int16(binary.LittleEndian.Uint16(buf[16:18])) != 300 {
		t.Error("second channel sample corrupted")
	}
	if int16(binary.LittleEndian.Uint16(buf[20:22])) != 255 {
		t.Error("aux sample corrupted")
	}
}
