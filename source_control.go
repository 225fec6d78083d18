package datasource

import (
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/viper"

	"github.com/baccuslab/datasource/internal/sessiondb"
)

// SourceControl is the sub-server that handles creation and operation of
// the managed data source. At most one source exists at a time.
type SourceControl struct {
	mu     sync.Mutex
	source DataSource

	db      *sessiondb.SessionDBConnection
	session *sessiondb.SessionMessage
	stream  *sessiondb.StreamMessage

	status        ServerStatus
	clientUpdates chan<- ClientUpdate
	framePub      chan<- *SampleFrame
	forwardStop   chan struct{}
}

// ServerStatus is the status that SourceControl reports to clients.
type ServerStatus struct {
	SourceExists bool
	SourceType   string
	DeviceType   string
	State        string
	Location     string
	Nchannels    int64
}

// SourceArgs holds the arguments to CreateSource.
type SourceArgs struct {
	Type           string // "hidens", "file", or "mcs"
	Location       string // server address for devices, path for files
	ReadIntervalMs int    // 0 selects the source's default
}

// ParameterArgs holds the arguments to SetParameter. The value travels in
// the wire encoding fixed by the parameter's name, base64-wrapped for JSON.
type ParameterArgs struct {
	Param       string
	ValueBase64 string
}

// CreateSource constructs the managed source. It does not connect to the
// device; that is InitializeSource's job.
func (s *SourceControl) CreateSource(args *SourceArgs, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source != nil {
		return fmt.Errorf("a data source already exists (you should call DeleteSource)")
	}
	log.Printf("CreateSource: type=%q location=%q interval=%dms\n", args.Type, args.Location, args.ReadIntervalMs)
	src, err := Create(args.Type, args.Location, time.Duration(args.ReadIntervalMs)*time.Millisecond)
	if err != nil {
		return err
	}
	s.source = src

	s.forwardStop = make(chan struct{})
	go s.forwardSourceEvents(src, s.forwardStop)

	s.session = &sessiondb.SessionMessage{
		ID:         sessiondb.NewID(),
		SourceType: src.SourceType(),
		DeviceType: src.DeviceType(),
		Location:   args.Location,
		Start:      time.Now(),
	}
	s.db.RecordSession(s.session)

	s.updateStatus()
	s.broadcastUpdate()
	*reply = true
	return nil
}

// DeleteSource closes and discards the managed source, in any state.
func (s *SourceControl) DeleteSource(dummy *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source == nil {
		return fmt.Errorf("no data source exists")
	}
	log.Printf("DeleteSource\n")
	if s.source.State() == Streaming {
		s.source.StopStream()
		s.finishStream()
	}
	err := s.source.Close()
	close(s.forwardStop)
	s.forwardStop = nil
	s.source = nil

	s.db.FinishSession(s.session)
	s.session = nil

	s.updateStatus()
	s.broadcastUpdate()
	*reply = (err == nil)
	return err
}

// InitializeSource connects the managed source to its device or file.
func (s *SourceControl) InitializeSource(dummy *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source == nil {
		return fmt.Errorf("no data source exists")
	}
	log.Printf("InitializeSource\n")
	err := s.source.Initialize()
	s.updateStatus()
	s.broadcastUpdate()
	*reply = (err == nil)
	return err
}

// StartStream begins frame production on the managed source.
func (s *SourceControl) StartStream(dummy *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source == nil {
		return fmt.Errorf("no data source exists")
	}
	log.Printf("StartStream\n")
	err := s.source.StartStream()
	if err == nil {
		s.recordStream()
	}
	s.updateStatus()
	s.broadcastUpdate()
	*reply = (err == nil)
	return err
}

// StopStream halts frame production on the managed source.
func (s *SourceControl) StopStream(dummy *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source == nil {
		return fmt.Errorf("no data source exists")
	}
	log.Printf("StopStream\n")
	err := s.source.StopStream()
	if err == nil {
		s.finishStream()
	}
	s.updateStatus()
	s.broadcastUpdate()
	*reply = (err == nil)
	return err
}

// SetParameter applies one named parameter to the managed source. The
// value arrives in the parameter's fixed wire encoding, base64-wrapped.
func (s *SourceControl) SetParameter(args *ParameterArgs, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source == nil {
		return fmt.Errorf("no data source exists")
	}
	raw, err := base64.StdEncoding.DecodeString(args.ValueBase64)
	if err != nil {
		return err
	}
	value, err := DecodeValue(args.Param, raw)
	if err != nil {
		return err
	}
	log.Printf("SetParameter: %s\n", args.Param)
	err = s.source.Set(args.Param, value)
	s.updateStatus()
	s.broadcastUpdate()
	*reply = (err == nil)
	return err
}

// GetParameter retrieves one named parameter in its wire encoding,
// base64-wrapped.
func (s *SourceControl) GetParameter(param *string, reply *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source == nil {
		return fmt.Errorf("no data source exists")
	}
	value, err := s.source.Get(*param)
	if err != nil {
		return err
	}
	raw, err := EncodeValue(*param, value)
	if err != nil {
		return err
	}
	*reply = base64.StdEncoding.EncodeToString(raw)
	return nil
}

// SourceStatus returns the full parameter snapshot of the managed source.
func (s *SourceControl) SourceStatus(dummy *string, reply *map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source == nil {
		return fmt.Errorf("no data source exists")
	}
	*reply = s.source.Status()
	return nil
}

// SendAllStatus causes a broadcast to clients containing all broadcastable
// status info.
func (s *SourceControl) SendAllStatus(dummy *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastUpdate()
	if s.source != nil {
		status := s.source.Status()
		log.Println(spew.Sdump(status))
		s.clientUpdates <- ClientUpdate{"SOURCE", status}
	}
	s.clientUpdates <- ClientUpdate{"SENDALL", 0}
	*reply = true
	return nil
}

// forwardSourceEvents pumps one source's notifications and frames out to
// the publishers until the source is deleted.
func (s *SourceControl) forwardSourceEvents(src DataSource, stop <-chan struct{}) {
	notifications := src.Notifications()
	frames := src.Frames()
	for {
		select {
		case <-stop:
			return
		case n := <-notifications:
			var tag string
			switch n.Kind {
			case NotifyError:
				tag = "ERROR"
			case NotifySetResponse:
				tag = "SETRESPONSE"
			case NotifyStreamStopped:
				tag = "STOPPED"
			}
			s.clientUpdates <- ClientUpdate{tag, n}
			if n.Kind == NotifyError || n.Kind == NotifyStreamStopped {
				s.mu.Lock()
				s.finishStream()
				s.updateStatus()
				s.broadcastUpdate()
				s.mu.Unlock()
			}
		case f := <-frames:
			if s.framePub != nil {
				s.framePub <- f
			}
		}
	}
}

// updateStatus refreshes the broadcastable summary. Callers hold s.mu.
func (s *SourceControl) updateStatus() {
	if s.source == nil {
		s.status = ServerStatus{}
		return
	}
	status := s.source.Status()
	s.status.SourceExists = true
	s.status.SourceType = s.source.SourceType()
	s.status.DeviceType = s.source.DeviceType()
	s.status.State = s.source.State().String()
	s.status.Location, _ = status["location"].(string)
	s.status.Nchannels, _ = status["nchannels"].(int64)
}

func (s *SourceControl) broadcastUpdate() {
	s.clientUpdates <- ClientUpdate{"STATUS", s.status}
}

// recordStream opens a streams row in the session database. Callers hold
// s.mu.
func (s *SourceControl) recordStream() {
	if s.session == nil {
		return
	}
	status := s.source.Status()
	msg := &sessiondb.StreamMessage{
		ID:        sessiondb.NewID(),
		SessionID: s.session.ID,
		Start:     time.Now(),
		Plug:      -1,
		ChipID:    -1,
	}
	if n, ok := status["nchannels"].(int64); ok {
		msg.Nchannels = int(n)
	}
	if sr, ok := status["sample-rate"].(float32); ok {
		msg.SampleRate = float64(sr)
	}
	if p, ok := status["plug"].(int); ok {
		msg.Plug = p
	}
	if c, ok := status["chip-id"].(int); ok {
		msg.ChipID = c
	}
	if f, ok := status["configuration-file"].(string); ok {
		msg.ConfigFile = f
	}
	s.stream = msg
	s.db.RecordStream(msg)
}

// finishStream closes the open streams row, if any. Callers hold s.mu.
func (s *SourceControl) finishStream() {
	if s.stream == nil {
		return
	}
	s.db.FinishStream(s.stream)
	s.stream = nil
}

// RunRPCServer sets up and runs a permanent JSON-RPC server.
func RunRPCServer(messageChan chan<- ClientUpdate, framePub chan<- *SampleFrame,
	db *sessiondb.SessionDBConnection, portrpc int) {

	sourceControl := new(SourceControl)
	sourceControl.clientUpdates = messageChan
	sourceControl.framePub = framePub
	sourceControl.db = db

	// Recreate the source saved from the last run, if any.
	log.Printf("Server is using config file %s\n", viper.ConfigFileUsed())
	var saved SourceArgs
	if err := viper.UnmarshalKey("source", &saved); err == nil && saved.Type != "" {
		var okay bool
		if err := sourceControl.CreateSource(&saved, &okay); err != nil {
			log.Printf("could not recreate saved source: %v\n", err)
		}
	}

	go func() {
		ticker := time.Tick(2 * time.Second)
		for range ticker {
			sourceControl.mu.Lock()
			sourceControl.updateStatus()
			sourceControl.broadcastUpdate()
			sourceControl.mu.Unlock()
		}
	}()

	// Now launch the connection handler and accept connections.
	server := rpc.NewServer()
	server.Register(sourceControl)
	server.HandleHTTP(rpc.DefaultRPCPath, rpc.DefaultDebugPath)
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		log.Fatal("listen error:", err)
	}
	for {
		if conn, err := listener.Accept(); err != nil {
			log.Fatal("accept error: " + err.Error())
		} else {
			log.Printf("new connection established\n")
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}
}
