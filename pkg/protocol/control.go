package protocol

import "fmt"

// ControlType identifies a control message carried in a FrameControl.
type ControlType uint8

const (
	ControlPing          ControlType = 0x01
	ControlPong          ControlType = 0x02
	ControlResyncRequest ControlType = 0x10
	ControlClose         ControlType = 0x20
)

var controlNames = map[ControlType]string{
	ControlPing:          "Ping",
	ControlPong:          "Pong",
	ControlResyncRequest: "ResyncRequest",
	ControlClose:         "Close",
}

func (ct ControlType) String() string {
	if name, ok := controlNames[ct]; ok {
		return name
	}
	return "Unknown"
}

// CloseReason is sent in a Close message and mirrored in the WebSocket
// close frame text.
type CloseReason uint8

const (
	CloseNormal         CloseReason = 0x00
	CloseGoingAway      CloseReason = 0x01
	CloseSlowConsumer   CloseReason = 0x02 // send queue overflowed
	CloseServerShutdown CloseReason = 0x03
	CloseError          CloseReason = 0x04
)

var closeReasonNames = [...]string{
	CloseNormal:         "Normal",
	CloseGoingAway:      "GoingAway",
	CloseSlowConsumer:   "SlowConsumer",
	CloseServerShutdown: "ServerShutdown",
	CloseError:          "Error",
}

func (cr CloseReason) String() string {
	if int(cr) < len(closeReasonNames) {
		return closeReasonNames[cr]
	}
	return "Unknown"
}

// PingPong carries the sender's clock in Unix milliseconds. A Pong echoes
// the Ping's timestamp.
type PingPong struct {
	Timestamp uint64
}

// ResyncRequest asks the server to bring a replica up to date. The server
// replays the missed updates when it still has them and sends a snapshot
// otherwise.
type ResyncRequest struct {
	LastSeq  uint64
	Checksum uint64
}

type CloseMessage struct {
	Reason  CloseReason
	Message string
}

// Ack reports the last sequence a client applied. The server uses it to
// track lag.
type Ack struct {
	LastSeq uint64
}

// DefaultAckInterval is how many updates a client applies between acks.
const DefaultAckInterval = 16

func (p *PingPong) encode(e *Encoder) { e.WriteUint64(p.Timestamp) }

func (p *PingPong) decode(d *Decoder) (err error) {
	p.Timestamp, err = d.ReadUint64()
	return err
}

func (r *ResyncRequest) encode(e *Encoder) {
	e.WriteUvarint(r.LastSeq)
	e.WriteUint64(r.Checksum)
}

func (r *ResyncRequest) decode(d *Decoder) (err error) {
	if r.LastSeq, err = d.ReadUvarint(); err != nil {
		return err
	}
	r.Checksum, err = d.ReadUint64()
	return err
}

func (m *CloseMessage) encode(e *Encoder) {
	e.WriteByte(byte(m.Reason))
	e.WriteString(m.Message)
}

func (m *CloseMessage) decode(d *Decoder) error {
	reason, err := d.ReadByte()
	if err != nil {
		return err
	}
	m.Reason = CloseReason(reason)
	m.Message, err = d.ReadString()
	return err
}

type controlBody interface {
	encode(*Encoder)
	decode(*Decoder) error
}

// newControlBody returns an empty body for ct, or nil if ct is unknown.
func newControlBody(ct ControlType) controlBody {
	switch ct {
	case ControlPing, ControlPong:
		return &PingPong{}
	case ControlResyncRequest:
		return &ResyncRequest{}
	case ControlClose:
		return &CloseMessage{Reason: CloseNormal}
	}
	return nil
}

// EncodeControl encodes a control message. A nil or mismatched payload is
// encoded as the zero body for ct.
func EncodeControl(ct ControlType, payload any) []byte {
	e := NewEncoder()
	e.WriteByte(byte(ct))

	body := newControlBody(ct)
	switch p := payload.(type) {
	case *PingPong:
		if p != nil && (ct == ControlPing || ct == ControlPong) {
			body = p
		}
	case *ResyncRequest:
		if p != nil && ct == ControlResyncRequest {
			body = p
		}
	case *CloseMessage:
		if p != nil && ct == ControlClose {
			body = p
		}
	}
	if body != nil {
		body.encode(e)
	}
	return e.Bytes()
}

// DecodeControl decodes a control message and returns its type and body:
// *PingPong, *ResyncRequest or *CloseMessage.
func DecodeControl(data []byte) (ControlType, any, error) {
	d := NewDecoder(data)
	b, err := d.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	ct := ControlType(b)
	body := newControlBody(ct)
	if body == nil {
		return ct, nil, fmt.Errorf("protocol: unknown control type 0x%02x", b)
	}
	if err := body.decode(d); err != nil {
		return ct, nil, err
	}
	return ct, body, nil
}

func NewPing(timestamp uint64) (ControlType, *PingPong) {
	return ControlPing, &PingPong{Timestamp: timestamp}
}

func NewPong(timestamp uint64) (ControlType, *PingPong) {
	return ControlPong, &PingPong{Timestamp: timestamp}
}

func NewResyncRequest(lastSeq, checksum uint64) (ControlType, *ResyncRequest) {
	return ControlResyncRequest, &ResyncRequest{LastSeq: lastSeq, Checksum: checksum}
}

func NewClose(reason CloseReason, message string) (ControlType, *CloseMessage) {
	return ControlClose, &CloseMessage{Reason: reason, Message: message}
}

// EncodeAck encodes the payload of a FrameAck.
func EncodeAck(ack *Ack) []byte {
	e := NewEncoder()
	e.WriteUvarint(ack.LastSeq)
	return e.Bytes()
}

// DecodeAck decodes the payload of a FrameAck.
func DecodeAck(data []byte) (*Ack, error) {
	seq, err := NewDecoder(data).ReadUvarint()
	if err != nil {
		return nil, err
	}
	return &Ack{LastSeq: seq}, nil
}
