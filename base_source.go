package datasource

import (
	"math"
	"sync"
	"time"
)

// SourceState is the lifecycle state of a data source. Exactly one state is
// active at a time and transitions happen only through the request methods.
type SourceState int

// The three lifecycle states. Every source starts Invalid; Initialize moves
// it to Initialized; StartStream and StopStream move between Initialized
// and Streaming. No other transition is legal.
const (
	Invalid SourceState = iota
	Initialized
	Streaming
)

func (s SourceState) String() string {
	switch s {
	case Invalid:
		return "invalid"
	case Initialized:
		return "initialized"
	case Streaming:
		return "streaming"
	}
	return "unknown"
}

// NotificationKind distinguishes the asynchronous events a source emits.
type NotificationKind int

const (
	// NotifyError reports a session-scoped error. The source has already
	// torn itself down to the Invalid state.
	NotifyError NotificationKind = iota
	// NotifySetResponse reports the delayed outcome of a set request whose
	// work completed in the background (configuration upload).
	NotifySetResponse
	// NotifyStreamStopped reports that the stream ended on its own, e.g. a
	// playback source reaching the end of its file.
	NotifyStreamStopped
)

// Notification is an asynchronous event from a source, delivered on a
// channel separate from any request's own reply.
type Notification struct {
	Kind    NotificationKind
	Param   string // set parameter name, for NotifySetResponse
	Success bool
	Message string
}

const (
	frameChanDepth        = 32
	notificationChanDepth = 16
)

// BaseSource implements the lifecycle contract shared by every source
// implementation: the transition table, the fixed gettable/settable
// parameter sets, parameter retrieval, status snapshots, and the idempotent
// error-handling teardown. Concrete sources embed it and override the
// transition methods, narrowing (never loosening) the preconditions.
type BaseSource struct {
	mu sync.Mutex // guards all fields below; no request may interleave with another

	state      SourceState
	sourceType string // "file" or "device"
	deviceType string // e.g. "hidens" or "mcs"
	location   string // address or file path this source was created from

	connectTime time.Time
	startTime   time.Time

	configuration Configuration
	configFile    string

	readInterval time.Duration // period between reads from the source
	sampleRate   float32
	frameSize    int // samples per frame, readInterval * sampleRate
	gain         float32
	adcRange     float32
	nchannels    uint32
	plug         int // -1 when no plug is selected
	chipID       int // -1 when unknown
	trigger      string
	analogOutput []float64

	gettable map[string]bool
	settable map[string]bool

	frames        chan *SampleFrame
	notifications chan Notification
}

// newBaseSource builds the shared state for a concrete source. The
// parameter sets hold the base contract's names; concrete sources extend
// them in their own constructors.
func newBaseSource(sourceType, deviceType string, sampleRate float32, readInterval time.Duration) *BaseSource {
	b := &BaseSource{
		state:         Invalid,
		sourceType:    sourceType,
		deviceType:    deviceType,
		readInterval:  readInterval,
		sampleRate:    sampleRate,
		gain:          float32(math.NaN()),
		adcRange:      float32(math.NaN()),
		plug:          -1,
		chipID:        -1,
		trigger:       "none",
		frames:        make(chan *SampleFrame, frameChanDepth),
		notifications: make(chan Notification, notificationChanDepth),
	}
	b.frameSize = int(float64(readInterval) / float64(time.Second) * float64(sampleRate))
	b.gettable = map[string]bool{
		"connect-time":      true,
		"start-time":        true,
		"state":             true,
		"location":          true,
		"nchannels":         true,
		"has-analog-output": true,
		"gain":              true,
		"adc-range":         true,
		"read-interval":     true,
		"sample-rate":       true,
		"source-type":       true,
		"device-type":       true,
	}
	b.settable = map[string]bool{}
	return b
}

// checkTransition enforces the transition table for the named operation.
// Callers must hold b.mu. On failure the state is unchanged.
func (b *BaseSource) checkTransition(op string, from, to SourceState) error {
	if b.state != from {
		return &InvalidTransitionError{Op: op, From: from, Have: b.state}
	}
	legal := (from == Invalid && to == Initialized) ||
		(from == Initialized && to == Streaming) ||
		(from == Streaming && to == Initialized)
	if !legal {
		return &InvalidTransitionError{Op: op, From: from, Have: b.state}
	}
	return nil
}

// Initialize moves the source from Invalid to Initialized, recording the
// connect time. Concrete sources override this with their own setup and
// must re-check the precondition.
func (b *BaseSource) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkTransition("initialize", Invalid, Initialized); err != nil {
		return err
	}
	b.state = Initialized
	b.connectTime = time.Now()
	return nil
}

// StartStream moves the source from Initialized to Streaming.
func (b *BaseSource) StartStream() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkTransition("start-stream", Initialized, Streaming); err != nil {
		return err
	}
	b.state = Streaming
	b.startTime = time.Now()
	return nil
}

// StopStream moves the source from Streaming back to Initialized.
func (b *BaseSource) StopStream() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkTransition("stop-stream", Streaming, Initialized); err != nil {
		return err
	}
	b.state = Initialized
	b.startTime = time.Time{}
	return nil
}

// State returns the current lifecycle state.
func (b *BaseSource) State() SourceState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SourceType returns "file" or "device".
func (b *BaseSource) SourceType() string { return b.sourceType }

// DeviceType returns the kind of array behind this source.
func (b *BaseSource) DeviceType() string { return b.deviceType }

// ReadInterval returns the period between reads from the source.
func (b *BaseSource) ReadInterval() time.Duration { return b.readInterval }

// Frames returns the channel on which decoded sample frames are emitted
// while streaming. Ownership of each frame passes to the receiver.
func (b *BaseSource) Frames() <-chan *SampleFrame { return b.frames }

// Notifications returns the channel carrying asynchronous events:
// spontaneous errors and delayed set outcomes. This is distinct from any
// request's own reply.
func (b *BaseSource) Notifications() <-chan Notification { return b.notifications }

// Get retrieves a named parameter. Names outside the source's gettable set
// fail with a ValidationError; the set is fixed at construction and only
// extended by concrete sources.
func (b *BaseSource) Get(param string) (ParameterValue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getLocked(param)
}

func (b *BaseSource) getLocked(param string) (ParameterValue, error) {
	if !b.gettable[param] {
		return ParameterValue{}, &ValidationError{Param: param,
			Msg: "not a valid parameter for " + b.deviceType + " sources"}
	}
	switch param {
	case "trigger":
		return TextValue(b.trigger), nil
	case "connect-time":
		return TextValue(formatTime(b.connectTime)), nil
	case "start-time":
		return TextValue(formatTime(b.startTime)), nil
	case "state":
		return TextValue(b.state.String()), nil
	case "location":
		return TextValue(b.location), nil
	case "nchannels":
		return UintValue(b.nchannels), nil
	case "analog-output":
		return VectorValue(b.analogOutput), nil
	case "has-analog-output":
		return BoolValue(len(b.analogOutput) > 0), nil
	case "gain":
		return FloatValue(b.gain), nil
	case "adc-range":
		return FloatValue(b.adcRange), nil
	case "plug":
		return UintValue(uint32(int32(b.plug))), nil
	case "chip-id":
		return UintValue(uint32(int32(b.chipID))), nil
	case "read-interval":
		return UintValue(uint32(b.readInterval / time.Millisecond)), nil
	case "sample-rate":
		return FloatValue(b.sampleRate), nil
	case "source-type":
		return TextValue(b.sourceType), nil
	case "device-type":
		return TextValue(b.deviceType), nil
	case "configuration":
		return ConfigValue(b.configuration), nil
	case "configuration-file":
		return BytesValue([]byte(b.configFile)), nil
	}
	return ParameterValue{}, &ValidationError{Param: param,
		Msg: "no parameter by this name exists for the " + b.deviceType + " device"}
}

// Set on the base contract always fails; concrete sources override it with
// their own validation.
func (b *BaseSource) Set(param string, _ ParameterValue) error {
	return &ValidationError{Param: param, Msg: "not implemented by this source type"}
}

// Status returns a snapshot of every parameter folded into one map.
// Concrete sources append their own keys after calling packStatus.
func (b *BaseSource) Status() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.packStatus()
}

// packStatus builds the base snapshot. Callers must hold b.mu.
func (b *BaseSource) packStatus() map[string]interface{} {
	return map[string]interface{}{
		"state":             b.state.String(),
		"source-type":       b.sourceType,
		"device-type":       b.deviceType,
		"location":          b.location,
		"connect-time":      formatTime(b.connectTime),
		"start-time":        formatTime(b.startTime),
		"read-interval":     int(b.readInterval / time.Millisecond),
		"sample-rate":       b.sampleRate,
		"gain":              b.gain,
		"adc-range":         b.adcRange,
		"nchannels":         int64(b.nchannels),
		"has-analog-output": len(b.analogOutput) > 0,
	}
}

// handleError is the single error-handling transition: it drives the
// source back to Invalid, clears every device-derived field, and reports
// the error on the notification channel. It is idempotent and safe to call
// from any state. Callers must hold b.mu.
func (b *BaseSource) handleError(msg string) {
	b.state = Invalid
	b.connectTime = time.Time{}
	b.startTime = time.Time{}
	b.configuration = nil
	b.gain = float32(math.NaN())
	b.adcRange = float32(math.NaN())
	b.nchannels = 0
	b.plug = -1
	b.chipID = -1
	b.trigger = "none"
	b.analogOutput = nil
	b.notify(Notification{Kind: NotifyError, Message: msg})
}

// notify delivers n without blocking the caller. A full channel means the
// consumer is not draining notifications; the event is dropped and logged.
func (b *BaseSource) notify(n Notification) {
	select {
	case b.notifications <- n:
	default:
		ProblemLogger.Printf("notification channel full; dropping %+v", n)
	}
}

// emitFrame delivers a decoded frame without blocking the streaming tick.
func (b *BaseSource) emitFrame(f *SampleFrame) {
	select {
	case b.frames <- f:
	default:
		ProblemLogger.Printf("frame channel full; dropping a frame of %d samples", f.NSamples)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
