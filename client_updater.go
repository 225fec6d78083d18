package datasource

// Contains the client updater, which publishes JSON-encoded messages giving
// the latest server and source state, and the frame publisher, which
// publishes the raw decoded frames for analysis clients.

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries one message to be published on the status port. The
// tag names the message type; the state is marshaled as the JSON body.
type ClientUpdate struct {
	tag   string
	state interface{}
}

// RunClientUpdater forwards any message from its input channel to the ZMQ
// publisher socket, as a two-frame message: tag, then JSON body.
func RunClientUpdater(messages <-chan ClientUpdate, abort <-chan struct{}, portstatus int) {
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return
	}
	defer pubSocket.Close()
	if err = pubSocket.Bind(hostname); err != nil {
		return
	}

	for {
		select {
		case <-abort:
			return
		case update := <-messages:
			body, err := json.Marshal(update.state)
			if err != nil {
				ProblemLogger.Printf("could not marshal %q update: %v", update.tag, err)
				continue
			}
			pubSocket.SendMessage(update.tag, body)
		}
	}
}

// PublishFrames publishes one packet per SampleFrame received on its input
// to a ZMQ PUB socket. It terminates when the abort channel is closed.
func PublishFrames(frames <-chan *SampleFrame, abort <-chan struct{}, portnum int) {
	hostname := fmt.Sprintf("tcp://*:%d", portnum)
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return
	}
	defer pubSocket.Close()
	if err = pubSocket.Bind(hostname); err != nil {
		return
	}

	for {
		select {
		case <-abort:
			return
		case frame := <-frames:
			pubSocket.SendBytes(framePacket(frame), 0)
		}
	}
}

// framePacket serializes one frame: a 12-byte header of nchannels,
// nsamples, and aux length, then the electrode samples in channel-major
// order, then the auxiliary samples. All fields little-endian.
func framePacket(f *SampleFrame) []byte {
	buf := make([]byte, 0, 12+2*len(f.Samples)+2*len(f.Aux))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(f.NChannels))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(f.NSamples))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Aux)))
	for _, s := range f.Samples {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(s))
	}
	for _, s := range f.Aux {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(s))
	}
	return buf
}
