package datasource

import (
	"fmt"
	"os"
	"time"

	"github.com/sbinet/npyio"
)

// FileConfig holds playback parameters that a bare array file cannot carry
// itself. The defaults match retinal recordings from the older MCS arrays.
type FileConfig struct {
	ReadInterval time.Duration
	SampleRate   float32
	Gain         float32
	ADCRange     float32
}

// DefaultFileConfig returns the standard playback configuration.
func DefaultFileConfig() FileConfig {
	return FileConfig{
		ReadInterval: 10 * time.Millisecond,
		SampleRate:   10000.,
		Gain:         1.,
		ADCRange:     1.,
	}
}

// FileSource replays a previously recorded data file as if it were a live
// device. The file is a NumPy array of int16 samples with shape
// (channels, samples). Playback runs at the configured read interval and
// stops on its own at the end of the file.
type FileSource struct {
	*BaseSource
	cfg  FileConfig
	path string

	samples  []int16 // channel-major, nchannels x nsamples
	nsamples int
	offset   int // next sample index to emit

	stopTick chan struct{}
}

// NewFileSource creates a playback source for the file at path. The file
// is not opened until Initialize.
func NewFileSource(path string, cfg FileConfig) (*FileSource, error) {
	if path == "" {
		return nil, &ValidationError{Param: "location", Msg: "file sources need a file path"}
	}
	f := &FileSource{
		BaseSource: newBaseSource("file", "file", cfg.SampleRate, cfg.ReadInterval),
		cfg:        cfg,
		path:       path,
	}
	f.location = path
	return f, nil
}

// Initialize reads the whole file into memory and moves the source to
// Initialized. A missing or malformed file fails the request and leaves
// the source Invalid.
func (f *FileSource) Initialize() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkTransition("initialize", Invalid, Initialized); err != nil {
		return err
	}

	fd, err := os.Open(f.path)
	if err != nil {
		return &ResourceMissingError{Resource: f.path}
	}
	defer fd.Close()

	r, err := npyio.NewReader(fd)
	if err != nil {
		return &ProtocolError{Msg: fmt.Sprintf("could not read data file %q: %v", f.path, err)}
	}
	shape := r.Header.Descr.Shape
	if len(shape) != 2 {
		return &ProtocolError{Msg: fmt.Sprintf("data file %q must hold a 2-D array, has shape %v",
			f.path, shape)}
	}
	var data []int16
	if err := r.Read(&data); err != nil {
		return &ProtocolError{Msg: fmt.Sprintf("could not read data file %q: %v", f.path, err)}
	}

	f.samples = data
	f.nchannels = uint32(shape[0])
	f.nsamples = shape[1]
	f.offset = 0
	f.gain = f.cfg.Gain
	f.adcRange = f.cfg.ADCRange

	f.state = Initialized
	f.connectTime = time.Now()
	return nil
}

// StartStream begins playback from the current offset.
func (f *FileSource) StartStream() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkTransition("start-stream", Initialized, Streaming); err != nil {
		return err
	}
	if f.offset >= f.nsamples {
		return &ValidationError{Param: "start-stream", Msg: "playback already reached the end of the file"}
	}
	f.state = Streaming
	f.startTime = time.Now()
	f.stopTick = make(chan struct{})
	go f.playLoop(f.stopTick)
	return nil
}

// StopStream pauses playback; a later StartStream resumes where it left
// off.
func (f *FileSource) StopStream() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkTransition("stop-stream", Streaming, Initialized); err != nil {
		return err
	}
	close(f.stopTick)
	f.stopTick = nil
	f.state = Initialized
	f.startTime = time.Time{}
	return nil
}

func (f *FileSource) playLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(f.cfg.ReadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !f.tick() {
				return
			}
		}
	}
}

// tick emits one read interval's worth of samples. Reaching the end of the
// file stops the stream from within and notifies the consumer.
func (f *FileSource) tick() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Streaming {
		return false
	}

	n := f.frameSize
	if f.offset+n > f.nsamples {
		n = f.nsamples - f.offset
	}
	if n > 0 {
		nchan := int(f.nchannels)
		frame := &SampleFrame{
			NChannels: nchan,
			NSamples:  n,
			Samples:   make([]int16, nchan*n),
		}
		for ch := 0; ch < nchan; ch++ {
			copy(frame.Samples[ch*n:(ch+1)*n],
				f.samples[ch*f.nsamples+f.offset:ch*f.nsamples+f.offset+n])
		}
		f.offset += n
		f.emitFrame(frame)
	}

	if f.offset >= f.nsamples {
		f.stopTick = nil // loop exits via the false return
		f.state = Initialized
		f.startTime = time.Time{}
		f.notify(Notification{Kind: NotifyStreamStopped, Success: true,
			Message: "reached the end of the data file"})
		return false
	}
	return true
}

// Close releases the in-memory data. Safe in any state.
func (f *FileSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopTick != nil {
		close(f.stopTick)
		f.stopTick = nil
	}
	f.samples = nil
	f.state = Invalid
	return nil
}
