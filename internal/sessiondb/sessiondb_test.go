package sessiondb

import (
	"testing"
	"time"
)

func TestNewID(t *testing.T) {
	a := NewID()
	b := NewID()
	if len(a) != 26 || len(b) != 26 {
		t.Errorf("NewID lengths are (%d, %d), want (26, 26)", len(a), len(b))
	}
	if a == b {
		t.Errorf("two ULIDs are equal: %s", a)
	}
}

func TestDummyConnectionRecordsNothing(t *testing.T) {
	db := DummyDBConnection()
	if db.IsConnected() {
		t.Error("dummy connection claims to be connected")
	}

	// None of these may block or panic on a disconnected object.
	s := &SessionMessage{ID: NewID(), SourceType: "device", DeviceType: "hidens",
		Location: "11.0.0.1", Start: time.Now()}
	db.RecordSession(s)
	db.FinishSession(s)
	st := &StreamMessage{ID: NewID(), SessionID: s.ID, Nchannels: 96, Start: time.Now()}
	db.RecordStream(st)
	db.FinishStream(st)
	db.RecordSession(nil)
	db.RecordStream(nil)
	db.Disconnect()
}
