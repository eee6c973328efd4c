package widgetsync

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// jupyter messaging protocol version carried in every outbound header
const ProtocolVersion = "5.3"

// comm target for widget models
const WidgetTargetName = "jupyter.widget"

const (
	MsgTypeCommOpen  = "comm_open"
	MsgTypeCommMsg   = "comm_msg"
	MsgTypeCommClose = "comm_close"
)

type Header struct {
	MsgId    string `json:"msg_id"`
	MsgType  string `json:"msg_type"`
	Username string `json:"username"`
	Session  string `json:"session"`
	Date     string `json:"date"`
	Version  string `json:"version"`
}

// Envelope is the wire message, both directions. Buffers travel out of band
// of the JSON body (see EncodeWireMessage). ParentHeader marshals as an
// explicit null when absent; some backend implementations of the protocol
// reject envelopes with the field omitted.
type Envelope struct {
	Header       Header         `json:"header"`
	ParentHeader *Header        `json:"parent_header"`
	Metadata     map[string]any `json:"metadata"`
	Content      map[string]any `json:"content"`
	Buffers      [][]byte       `json:"-"`
	Channel      string         `json:"channel"`
}

// NewHeader builds a header with a freshly generated message id.
func NewHeader(msgType string, username string, session string) Header {
	return Header{
		MsgId:    NewId().String(),
		MsgType:  msgType,
		Username: username,
		Session:  session,
		Date:     time.Now().UTC().Format(time.RFC3339),
		Version:  ProtocolVersion,
	}
}

// CommId extracts the comm id from the message content.
// A message with no comm id is not a comm message.
func (self *Envelope) CommId() (string, bool) {
	commId, ok := self.Content["comm_id"].(string)
	return commId, ok && commId != ""
}

// Wire framing, modeled on the kernel websocket subprotocol: a message with
// buffers is one binary frame holding an offset table followed by the JSON
// body and each buffer as contiguous segments. A message without buffers is
// the plain JSON body.
//
//	u64le offset count n
//	n x u64le segment start offsets (from frame start)
//	segment 0: JSON body, segments 1..n-1: buffers

// EncodeWireMessage renders the envelope to one websocket frame payload.
// The second return is true when the payload must be sent as a binary frame.
func EncodeWireMessage(envelope *Envelope) ([]byte, bool, error) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, false, err
	}
	if len(envelope.Buffers) == 0 {
		return body, false, nil
	}

	n := 1 + len(envelope.Buffers)
	headerSize := 8 * (1 + n)
	size := headerSize + len(body)
	for _, buffer := range envelope.Buffers {
		size += len(buffer)
	}

	frame := make([]byte, 0, size)
	frame = binary.LittleEndian.AppendUint64(frame, uint64(n))
	offset := uint64(headerSize)
	frame = binary.LittleEndian.AppendUint64(frame, offset)
	offset += uint64(len(body))
	for _, buffer := range envelope.Buffers {
		frame = binary.LittleEndian.AppendUint64(frame, offset)
		offset += uint64(len(buffer))
	}
	frame = append(frame, body...)
	for _, buffer := range envelope.Buffers {
		frame = append(frame, buffer...)
	}
	return frame, true, nil
}

// DecodeWireMessage parses one websocket frame payload into an envelope.
func DecodeWireMessage(payload []byte, isBinary bool) (*Envelope, error) {
	if !isBinary {
		envelope := &Envelope{}
		if err := json.Unmarshal(payload, envelope); err != nil {
			return nil, err
		}
		return envelope, nil
	}

	if len(payload) < 8 {
		return nil, fmt.Errorf("short frame: %d bytes", len(payload))
	}
	n := binary.LittleEndian.Uint64(payload[0:8])
	if n == 0 || uint64(len(payload)) < 8*(1+n) {
		return nil, fmt.Errorf("bad offset table: %d segments in %d bytes", n, len(payload))
	}
	offsets := make([]uint64, n+1)
	for i := uint64(0); i < n; i += 1 {
		offsets[i] = binary.LittleEndian.Uint64(payload[8*(1+i) : 8*(2+i)])
	}
	offsets[n] = uint64(len(payload))
	for i := uint64(0); i < n; i += 1 {
		if offsets[i] > offsets[i+1] || offsets[i+1] > uint64(len(payload)) {
			return nil, fmt.Errorf("bad segment offset %d", offsets[i])
		}
	}

	envelope := &Envelope{}
	if err := json.Unmarshal(payload[offsets[0]:offsets[1]], envelope); err != nil {
		return nil, err
	}
	buffers := make([][]byte, 0, n-1)
	for i := uint64(1); i < n; i += 1 {
		buffers = append(buffers, payload[offsets[i]:offsets[i+1]])
	}
	envelope.Buffers = buffers
	return envelope, nil
}
