package sessiondb

import "time"

// The composite types used for messages to the ClickHouse database.

// ServerActivityMessage is the information for the serveractivity table:
// one row per daemon run.
type ServerActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// SessionMessage is one row in the sessions table: the lifetime of one
// data source, from creation to deletion.
type SessionMessage struct {
	ID         string
	ServerID   string
	SourceType string // "file" or "device"
	DeviceType string // e.g. "hidens"
	Location   string // server address or file path
	Start      time.Time
	End        time.Time
}

// StreamMessage is one row in the streams table: one start/stop interval
// of frame production within a session.
type StreamMessage struct {
	ID         string
	SessionID  string
	Nchannels  int
	SampleRate float64
	Plug       int
	ChipID     int
	ConfigFile string
	Start      time.Time
	End        time.Time
}
