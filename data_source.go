// Package datasource drives the data acquisition devices of an MEA
// recording rig. Each source honors one lifecycle contract (see
// BaseSource); the concrete implementations are the HiDens network client,
// a playback source for recorded data, and (on Windows only) the MCS
// vendor driver.
package datasource

import (
	"fmt"
	"runtime"
	"time"

	"gonum.org/v1/gonum/mat"
)

// DataSource is the fixed operation set every source implements. All
// methods are safe for concurrent use; requests against one instance are
// strictly serialized.
type DataSource interface {
	// Initialize connects to the underlying device or file and moves the
	// source from Invalid to Initialized.
	Initialize() error
	// StartStream begins frame production; legal only from Initialized.
	StartStream() error
	// StopStream halts frame production; legal only from Streaming.
	StopStream() error
	// Get retrieves a named parameter.
	Get(param string) (ParameterValue, error)
	// Set changes a named parameter, with subclass-specific validation.
	Set(param string, value ParameterValue) error
	// Status returns a snapshot of all parameters folded into one map.
	Status() map[string]interface{}
	// State returns the current lifecycle state.
	State() SourceState
	// Frames is the outbound channel of decoded sample frames.
	Frames() <-chan *SampleFrame
	// Notifications carries spontaneous errors and delayed set outcomes.
	Notifications() <-chan Notification
	// SourceType is "file" or "device"; DeviceType names the array.
	SourceType() string
	DeviceType() string
	ReadInterval() time.Duration
	// Close releases any connections or files. The source is unusable
	// afterwards.
	Close() error
}

// SampleFrame is one read-interval's worth of samples across all connected
// channels. Channel order matches the active Configuration. The auxiliary
// photodiode signal is kept alongside the electrode matrix, not inside it.
type SampleFrame struct {
	NChannels int // connected electrode channels, excluding the auxiliary row
	NSamples  int // samples per channel in this frame

	// Samples holds the electrode data in channel-major order:
	// Samples[ch*NSamples + s] is sample s of channel ch.
	Samples []int16

	// Aux is the decoded auxiliary channel, one value per sample: 255 when
	// the photodiode trigger bit was set, 0 otherwise. Nil for sources
	// without an auxiliary channel.
	Aux []int16
}

// At returns sample s of channel ch.
func (f *SampleFrame) At(ch, s int) int16 {
	return f.Samples[ch*f.NSamples+s]
}

// Volts returns the frame scaled to physical units as a dense
// (channels x samples) matrix, using the source's effective
// volts-per-count gain.
func (f *SampleFrame) Volts(voltsPerCount float64) *mat.Dense {
	out := mat.NewDense(f.NChannels, f.NSamples, nil)
	for ch := 0; ch < f.NChannels; ch++ {
		for s := 0; s < f.NSamples; s++ {
			out.Set(ch, s, float64(f.At(ch, s))*voltsPerCount)
		}
	}
	return out
}

// Create constructs a concrete source from a type tag and a location
// string (a server address for devices, a path for files). A zero
// readInterval selects each source's default. Unknown or unsupported types
// are an error.
func Create(sourceType, location string, readInterval time.Duration) (DataSource, error) {
	switch sourceType {
	case "mcs":
		if runtime.GOOS != "windows" {
			return nil, fmt.Errorf("mcs sources can only be created on Windows machines")
		}
		return nil, fmt.Errorf("mcs sources are not supported by this build")
	case "hidens":
		cfg := DefaultHidensConfig()
		if location != "" {
			cfg.Addr = location
		}
		if readInterval > 0 {
			cfg.ReadInterval = readInterval
		}
		return NewHidensSource(cfg), nil
	case "file":
		cfg := DefaultFileConfig()
		if readInterval > 0 {
			cfg.ReadInterval = readInterval
		}
		return NewFileSource(location, cfg)
	default:
		return nil, fmt.Errorf("unknown source type: %q", sourceType)
	}
}
