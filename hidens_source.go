package datasource

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// HidensConfig collects the addresses, ports, and timeouts of one HiDens
// source. It is constructed once at source creation and threaded through;
// nothing here is ambient.
type HidensConfig struct {
	Addr           string        // data server host
	Port           int           // data server port
	FPGAAddr       string        // FPGA (chip controller) host
	FPGAPort       int           // FPGA port
	ClientName     string        // identifier sent via client_name
	ReadInterval   time.Duration // period between frame reads
	ConnectTimeout time.Duration // dialing the data server
	ReplyTimeout   time.Duration // bounded wait for one command reply
	UploadTimeout  time.Duration // FPGA connect and flush budget
	ElectrodeList  string        // path of the electrode position table
}

// DefaultHidensConfig returns the standard rig configuration.
func DefaultHidensConfig() HidensConfig {
	return HidensConfig{
		Addr:           "11.0.0.1",
		Port:           11112,
		FPGAAddr:       "11.0.0.7",
		FPGAPort:       32124,
		ClientName:     "blds",
		ReadInterval:   10 * time.Millisecond,
		ConnectTimeout: 5 * time.Second,
		ReplyTimeout:   100 * time.Millisecond,
		UploadTimeout:  10 * time.Second,
		ElectrodeList:  "electrode-list.txt",
	}
}

const (
	// hidensSampleRate is the nominal rate; the true value is queried
	// during the handshake.
	hidensSampleRate = 20000.

	// hidensTotalChannels is the number of possible valid data channels.
	hidensTotalChannels = 126

	// hidensFrameBytes is the wire size of one frame: one byte per
	// channel, four unused, and the auxiliary byte last.
	hidensFrameBytes = 131

	// hidensAuxRow is the row index of the auxiliary photodiode channel.
	hidensAuxRow = hidensFrameBytes - 1

	// hidensAuxBit selects the photodiode signal within the auxiliary
	// byte. Which bit carries it depends on the LVDS adapter pin wired to
	// the digital output.
	hidensAuxBit = 0x08

	// hidensInvalidChip is the id the server reports when no chip is
	// present in the selected plug.
	hidensInvalidChip = 65535
)

// uploadResult is the outcome of one background configuration upload.
type uploadResult struct {
	ok   bool
	file string
}

// HidensSource drives the HiDens data server: a line-oriented blocking
// command channel for control and a raw binary channel for streamed
// frames, plus a separate best-effort side channel for pushing chip
// configurations to the FPGA.
type HidensSource struct {
	*BaseSource
	cfg HidensConfig

	conn net.Conn
	rd   *bufio.Reader

	// deviceGain is the output of the "gain 0" command; the effective
	// volts-per-count gain is adcRange / 256 / deviceGain.
	deviceGain float32

	// electrodeIndices holds, per frame row, the connected electrode's
	// index, or -1 for unconnected rows.
	electrodeIndices []int

	// channelIndices are the frame rows selected for emission, strictly
	// increasing, connected channels plus the auxiliary row.
	channelIndices []int

	bytesPerEmitFrame int
	acq               []byte // raw bytes drained from the socket, not yet a full frame

	table    ElectrodeTable
	stopTick chan struct{}
}

// NewHidensSource creates a HiDens source. No connection is attempted
// until Initialize.
func NewHidensSource(cfg HidensConfig) *HidensSource {
	h := &HidensSource{
		BaseSource:       newBaseSource("device", "hidens", hidensSampleRate, cfg.ReadInterval),
		cfg:              cfg,
		electrodeIndices: make([]int, hidensFrameBytes),
	}
	h.location = cfg.Addr
	h.resetElectrodeIndices()
	h.bytesPerEmitFrame = h.frameSize * hidensFrameBytes

	for _, p := range []string{"configuration", "configuration-file", "plug"} {
		h.gettable[p] = true
		h.settable[p] = true
	}
	h.gettable["chip-id"] = true
	return h
}

func (h *HidensSource) resetElectrodeIndices() {
	for i := range h.electrodeIndices {
		h.electrodeIndices[i] = -1
	}
	h.electrodeIndices[hidensAuxRow] = 1 // photodiode channel
}

// Initialize opens the connection to the data server and performs the
// handshake: setbytes, header_frameno off, client_name, then queries of
// the sampling rate, gain, and ADC range. Any failure tears the connection
// down and leaves the source Invalid.
func (h *HidensSource) Initialize() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkTransition("initialize", Invalid, Initialized); err != nil {
		return err
	}

	addr := net.JoinHostPort(h.cfg.Addr, strconv.Itoa(h.cfg.Port))
	conn, err := net.DialTimeout("tcp", addr, h.cfg.ConnectTimeout)
	if err != nil {
		return &ConnectionError{Addr: addr, Err: err}
	}
	h.conn = conn
	h.rd = bufio.NewReader(conn)

	abort := func(msg string) error {
		if h.conn != nil {
			h.conn.Close()
			h.conn = nil
			h.rd = nil
		}
		return &ProtocolError{Msg: msg}
	}

	for _, cmd := range []string{
		fmt.Sprintf("setbytes %d", hidensFrameBytes),
		"header_frameno off",
		"client_name " + h.cfg.ClientName,
	} {
		if err := h.ask(cmd); err != nil {
			return abort("error initializing communication with HiDens data server")
		}
		if reply, err := h.reply(); err != nil || !verifyReply(reply) {
			return abort("error initializing communication with HiDens data server")
		}
	}

	queries := []struct {
		cmd  string
		dest *float32
		what string
	}{
		{"sr", &h.sampleRate, "sampling rate"},
		{"gain 0", &h.deviceGain, "gain"},
		{"adc_range", &h.adcRange, "ADC range"},
	}
	for _, q := range queries {
		if err := h.ask(q.cmd); err != nil {
			return abort("error initializing communication with HiDens data server")
		}
		reply, err := h.reply()
		if err != nil || !verifyReply(reply) {
			return abort(fmt.Sprintf("could not retrieve %s from HiDens server; "+
				"make sure the server is running and a chip is plugged into the Neurolizer", q.what))
		}
		v, err := strconv.ParseFloat(reply, 32)
		if err != nil {
			return abort(fmt.Sprintf("could not retrieve %s from HiDens server; "+
				"make sure the server is running and a chip is plugged into the Neurolizer", q.what))
		}
		*q.dest = float32(v)
	}
	h.gain = h.adcRange / float32(1<<8) / h.deviceGain

	// The queried rate fixes the true frame geometry.
	h.frameSize = int(float64(h.readInterval) / float64(time.Second) * float64(h.sampleRate))
	h.bytesPerEmitFrame = h.frameSize * hidensFrameBytes

	h.state = Initialized
	h.connectTime = time.Now()
	return nil
}

// Set validates and applies a named parameter. Legal only while
// Initialized.
func (h *HidensSource) Set(param string, value ParameterValue) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.settable[param] {
		return &ValidationError{Param: param, Msg: "cannot set this parameter for hidens sources"}
	}
	if h.state != Initialized {
		return &InvalidTransitionError{Op: "set " + param, From: Initialized, Have: h.state}
	}

	switch param {
	case "plug":
		return h.setPlug(value)
	case "configuration":
		return &ValidationError{Param: param,
			Msg: "setting configurations directly from command bytes is not supported; " +
				"set the 'configuration-file' parameter instead"}
	case "configuration-file":
		return h.setConfigurationFile(value)
	}
	return &ValidationError{Param: param, Msg: "not supported for hidens sources"}
}

// setPlug selects the Neurolizer plug and verifies a chip is present in
// it, then fetches the electrode configuration for the connected chip.
// Callers hold h.mu.
func (h *HidensSource) setPlug(value ParameterValue) error {
	if value.Kind != Uint || value.Num > 4 {
		h.plug = -1
		return &ValidationError{Param: "plug",
			Msg: "the plug value was not an integer or outside the allowed range [0, 4]"}
	}
	if err := h.ask(fmt.Sprintf("select %d", value.Num)); err != nil {
		return err
	}
	reply, err := h.reply()
	if err != nil {
		h.handleError(err.Error())
		return err
	}
	if !verifyReply(reply) {
		h.plug = -1
		return &ValidationError{Param: "plug", Msg: "the requested plug does not contain a chip"}
	}

	if err := h.ask("id"); err != nil {
		return err
	}
	reply, err = h.reply()
	if err != nil {
		h.handleError(err.Error())
		return err
	}
	id, perr := strconv.ParseUint(strings.TrimSpace(reply), 10, 32)
	if perr != nil || id == hidensInvalidChip {
		h.plug = -1
		h.chipID = -1
		return &ValidationError{Param: "plug", Msg: "the chip in the requested plug appears invalid"}
	}

	h.plug = int(value.Num)
	h.chipID = int(id)

	if err := h.fetchConfiguration(); err != nil {
		h.plug = -1
		return err
	}
	return nil
}

// setConfigurationFile checks the file and launches the background upload
// to the FPGA. The outcome arrives later as a NotifySetResponse for
// "configuration". Callers hold h.mu.
func (h *HidensSource) setConfigurationFile(value ParameterValue) error {
	if h.plug < 0 {
		return &ValidationError{Param: "configuration-file",
			Msg: "must select a Neurolizer plug before setting configuration"}
	}
	var path string
	switch value.Kind {
	case Text:
		path = value.Str
	case Bytes:
		path = string(value.Raw)
	default:
		return &ValidationError{Param: "configuration-file", Msg: "value must be a file path"}
	}
	if !strings.HasSuffix(path, ".cmdraw.nrk2") {
		h.configFile = ""
		return &ValidationError{Param: "configuration-file",
			Msg: `configuration files must be in "*.cmdraw.nrk2" format`}
	}
	if _, err := os.Stat(path); err != nil {
		h.configFile = ""
		return &ValidationError{Param: "configuration-file",
			Msg: fmt.Sprintf("configuration file %q does not exist", path)}
	}

	h.configFile = path
	results := make(chan uploadResult, 1)
	go func() {
		results <- sendConfigToFPGA(path, h.cfg.FPGAAddr, h.cfg.FPGAPort, h.cfg.UploadTimeout)
	}()
	go func() {
		h.handleUploadResult(<-results)
	}()
	return nil
}

// handleUploadResult runs once per upload, inside the source's own
// serialization. On success the configuration is re-fetched; a second
// fetch happens only if the first returns empty, as the server has been
// observed to serve a stale empty report just after an upload.
func (h *HidensSource) handleUploadResult(res uploadResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !res.ok {
		h.configFile = ""
		h.notify(Notification{Kind: NotifySetResponse, Param: "configuration",
			Success: false, Message: "could not send the configuration to the FPGA"})
		return
	}
	h.configFile = res.file
	if err := h.fetchConfiguration(); err != nil {
		h.notify(Notification{Kind: NotifySetResponse, Param: "configuration",
			Success: false, Message: err.Error()})
		return
	}
	if len(h.configuration) == 0 {
		if err := h.fetchConfiguration(); err != nil {
			h.notify(Notification{Kind: NotifySetResponse, Param: "configuration",
				Success: false, Message: err.Error()})
			return
		}
	}
	h.notify(Notification{Kind: NotifySetResponse, Param: "configuration", Success: true})
}

// StartStream begins live streaming. A plug must be selected, the
// configuration non-empty, and the gain a finite value in [0, 10000];
// each violated precondition fails the request without changing state.
func (h *HidensSource) StartStream() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkTransition("start-stream", Initialized, Streaming); err != nil {
		return err
	}
	if h.plug < 0 || h.plug > 4 {
		return &ValidationError{Param: "plug",
			Msg: fmt.Sprintf("cannot start HiDens data stream with source plug = %d", h.plug)}
	}
	if len(h.configuration) == 0 {
		return &ValidationError{Param: "configuration",
			Msg: "cannot start HiDens data stream with an empty configuration"}
	}
	g := float64(h.gain)
	if math.IsNaN(g) || g < 0. || g > 10000. {
		return &ValidationError{Param: "gain",
			Msg: fmt.Sprintf("cannot start HiDens data stream with gain = %g", g)}
	}

	if err := h.requestData("live"); err != nil {
		return err
	}
	h.state = Streaming
	h.startTime = time.Now()
	h.acq = h.acq[:0]
	h.stopTick = make(chan struct{})
	go h.streamLoop(h.stopTick)
	return nil
}

// StopStream halts the read timer. Nothing further is sent to the server.
func (h *HidensSource) StopStream() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkTransition("stop-stream", Streaming, Initialized); err != nil {
		return err
	}
	close(h.stopTick)
	h.stopTick = nil
	h.state = Initialized
	h.startTime = time.Time{}
	return nil
}

// streamLoop runs one tick per read interval until stopped: drain complete
// frames from the socket, then re-issue the streaming-continuation
// command.
func (h *HidensSource) streamLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.ReadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !h.tick() {
				return
			}
		}
	}
}

// tick performs one streaming cycle. It reports false once the source has
// left the Streaming state, whether by request or by error teardown.
func (h *HidensSource) tick() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Streaming {
		return false
	}
	if !h.recvDataFrames() {
		return false
	}
	if err := h.requestData("stream"); err != nil {
		return false
	}
	return true
}

// requestData asks the server to push the next read interval's frames.
// Callers hold h.mu.
func (h *HidensSource) requestData(method string) error {
	return h.ask(fmt.Sprintf("%s %d", method, h.readInterval/time.Millisecond))
}

// recvDataFrames drains whatever the socket holds and emits every complete
// frame. Returns false after an error teardown.
func (h *HidensSource) recvDataFrames() bool {
	scratch := make([]byte, 1<<14)
	for {
		h.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
		n, err := h.rd.Read(scratch)
		if n > 0 {
			h.acq = append(h.acq, scratch[:n]...)
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break // socket drained for this tick
			}
			if err == io.EOF {
				h.handleError("unexpectedly disconnected from HiDens data server")
			} else {
				h.handleError("error reading data from HiDens server: " + err.Error())
			}
			return false
		}
		if n == 0 {
			break
		}
	}

	for len(h.acq) >= h.bytesPerEmitFrame {
		frame := decodeHidensFrames(h.acq[:h.bytesPerEmitFrame], h.channelIndices)
		h.acq = h.acq[h.bytesPerEmitFrame:]
		h.emitFrame(frame)
	}
	return true
}

// decodeHidensFrames turns raw wire bytes into a SampleFrame. The buffer
// holds consecutive hidensFrameBytes-wide frames, one byte per row. Rows
// listed in channelIndices are kept, in order; the auxiliary row decodes
// to 0 or 255 from its photodiode bit, and electrode rows are negated
// (hardware sign convention).
func decodeHidensFrames(buf []byte, channelIndices []int) *SampleFrame {
	nsamp := len(buf) / hidensFrameBytes
	nchan := 0
	hasAux := false
	for _, row := range channelIndices {
		if row == hidensAuxRow {
			hasAux = true
		} else {
			nchan++
		}
	}
	frame := &SampleFrame{
		NChannels: nchan,
		NSamples:  nsamp,
		Samples:   make([]int16, nchan*nsamp),
	}
	if hasAux {
		frame.Aux = make([]int16, nsamp)
	}
	ch := 0
	for _, row := range channelIndices {
		if row == hidensAuxRow {
			for s := 0; s < nsamp; s++ {
				if buf[s*hidensFrameBytes+row]&hidensAuxBit != 0 {
					frame.Aux[s] = 255
				}
			}
			continue
		}
		for s := 0; s < nsamp; s++ {
			frame.Samples[ch*nsamp+s] = -int16(buf[s*hidensFrameBytes+row])
		}
		ch++
	}
	return frame
}

// fetchConfiguration retrieves the per-channel connectivity report and
// rebuilds the Configuration and the emission row set. Callers hold h.mu.
// Failures route through the error-handling transition.
func (h *HidensSource) fetchConfiguration() error {
	if err := h.ask(fmt.Sprintf("ch 0-%d", hidensTotalChannels-1)); err != nil {
		return err
	}

	// The server answers either with one error line or with the full
	// fixed-size channel report, so the first line decides which.
	h.conn.SetReadDeadline(time.Now().Add(h.cfg.ReplyTimeout))
	lines := make([]string, hidensTotalChannels)
	for i := range lines {
		line, err := h.rd.ReadString('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				h.handleError("communication with the HiDens data server timed out")
				return &ProtocolError{Msg: "communication with the HiDens data server timed out"}
			}
			h.handleError("could not retrieve configuration from HiDens server")
			return &ProtocolError{Msg: "could not retrieve configuration from HiDens server"}
		}
		lines[i] = strings.TrimRight(line, "\n")
		if i == 0 && strings.HasPrefix(lines[0], "Error") {
			h.handleError("could not retrieve configuration from HiDens server")
			return &ProtocolError{Msg: "could not retrieve configuration from HiDens server"}
		}
	}

	// A non-blank entry at position i means channel i is connected to the
	// electrode whose index it holds.
	h.resetElectrodeIndices()
	h.nchannels = 0
	for i, entry := range lines {
		entry = strings.TrimRight(entry, " ")
		if entry == "" {
			continue
		}
		idx, err := strconv.Atoi(entry)
		if err != nil {
			h.handleError("malformed channel report from HiDens server")
			return &ProtocolError{Msg: fmt.Sprintf("malformed channel report entry %q", entry)}
		}
		h.electrodeIndices[i] = idx
		h.nchannels++
	}

	// Emission rows: connected channels in order, plus the auxiliary row.
	h.channelIndices = h.channelIndices[:0]
	for i := 0; i < hidensTotalChannels; i++ {
		if h.electrodeIndices[i] != -1 {
			h.channelIndices = append(h.channelIndices, i)
		}
	}
	h.channelIndices = append(h.channelIndices, hidensAuxRow)

	// Electrode positions come from the external table, not the server.
	if h.table == nil {
		table, err := LoadElectrodeTable(h.cfg.ElectrodeList)
		if err != nil {
			h.configuration = nil
			h.handleError("electrode position table is missing: " + err.Error())
			return err
		}
		h.table = table
	}

	config := make(Configuration, 0, h.nchannels)
	for i := 0; i < hidensTotalChannels; i++ {
		if h.electrodeIndices[i] == -1 {
			continue
		}
		idx := uint32(h.electrodeIndices[i])
		pos, ok := h.table[idx]
		if !ok {
			h.configuration = nil
			err := &ResourceMissingError{Resource: fmt.Sprintf("electrode %d position", idx)}
			h.handleError(err.Error())
			return err
		}
		config = append(config, Electrode{
			Index: idx,
			Xpos:  pos.Xpos,
			X:     pos.X,
			Ypos:  pos.Ypos,
			Y:     pos.Y,
			Label: pos.Label,
		})
	}
	h.configuration = config
	return nil
}

// ask writes one command line to the data server. A write failure is
// session-scoped and tears the source down.
func (h *HidensSource) ask(cmd string) error {
	if h.conn == nil {
		return &ProtocolError{Msg: "no connection to HiDens data server"}
	}
	if _, err := h.conn.Write([]byte(cmd + "\n")); err != nil {
		h.handleError("error sending request to HiDens data server")
		return &ProtocolError{Msg: "error sending request to HiDens data server"}
	}
	return nil
}

// reply reads one newline-terminated reply, bounded by the reply timeout.
func (h *HidensSource) reply() (string, error) {
	if h.conn == nil {
		return "", &ProtocolError{Msg: "no connection to HiDens data server"}
	}
	h.conn.SetReadDeadline(time.Now().Add(h.cfg.ReplyTimeout))
	line, err := h.rd.ReadString('\n')
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return "", &ProtocolError{Msg: "communication with the HiDens data server timed out"}
		}
		return "", &ProtocolError{Msg: "error reading reply from HiDens data server"}
	}
	return strings.TrimRight(line, "\n"), nil
}

// verifyReply reports whether a reply is valid: present and not flagged as
// an error by the server.
func verifyReply(reply string) bool {
	return !strings.HasPrefix(reply, "Error")
}

// handleError closes the connection and stops streaming before the shared
// teardown. Callers hold h.mu.
func (h *HidensSource) handleError(msg string) {
	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
		h.rd = nil
	}
	if h.stopTick != nil {
		close(h.stopTick)
		h.stopTick = nil
	}
	h.acq = nil
	h.BaseSource.handleError(msg)
}

// Status appends the HiDens-specific keys to the base snapshot.
func (h *HidensSource) Status() map[string]interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.packStatus()
	m["configuration"] = h.configuration
	m["configuration-file"] = h.configFile
	m["plug"] = h.plug
	m["chip-id"] = h.chipID
	return m
}

// Close tears down any open connection. Safe to call in any state.
func (h *HidensSource) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopTick != nil {
		close(h.stopTick)
		h.stopTick = nil
	}
	if h.conn != nil {
		err := h.conn.Close()
		h.conn = nil
		h.rd = nil
		h.state = Invalid
		return err
	}
	h.state = Invalid
	return nil
}
