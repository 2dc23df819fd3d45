package protocol

import "fmt"

// HandshakeStatus is the server's answer to a ClientHello.
type HandshakeStatus uint8

const (
	HandshakeOK              HandshakeStatus = 0x00
	HandshakeVersionMismatch HandshakeStatus = 0x01
	HandshakeUnknownSignal   HandshakeStatus = 0x02 // server does not publish the requested signal
	HandshakeServerBusy      HandshakeStatus = 0x03 // session limit reached
	HandshakeInvalidFormat   HandshakeStatus = 0x04 // malformed ClientHello
	HandshakeInternalError   HandshakeStatus = 0x05
)

var handshakeNames = [...]string{
	HandshakeOK:              "OK",
	HandshakeVersionMismatch: "VersionMismatch",
	HandshakeUnknownSignal:   "UnknownSignal",
	HandshakeServerBusy:      "ServerBusy",
	HandshakeInvalidFormat:   "InvalidFormat",
	HandshakeInternalError:   "InternalError",
}

func (hs HandshakeStatus) String() string {
	if int(hs) < len(handshakeNames) {
		return handshakeNames[hs]
	}
	return "Unknown"
}

// Retryable reports whether reconnecting can get a different answer.
func (hs HandshakeStatus) Retryable() bool {
	switch hs {
	case HandshakeVersionMismatch, HandshakeUnknownSignal, HandshakeInvalidFormat:
		return false
	}
	return true
}

// ProtocolVersion is a major.minor pair. Peers interoperate when the major
// versions match.
type ProtocolVersion struct {
	Major uint8
	Minor uint8
}

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

func (v ProtocolVersion) Compatible(other ProtocolVersion) bool {
	return v.Major == other.Major
}

// CurrentVersion is the version this package speaks.
var CurrentVersion = ProtocolVersion{Major: 1, Minor: 0}

// ClientHello opens a binary session. LastSeq and Checksum describe the
// client's replica; both are zero for a fresh client.
type ClientHello struct {
	Version  ProtocolVersion
	Signal   string
	LastSeq  uint64
	Checksum uint64
}

// ServerHello answers a ClientHello. Seq is the signal's sequence at attach
// time and ServerTime is in Unix milliseconds.
type ServerHello struct {
	Status     HandshakeStatus
	ConnID     string
	Seq        uint64
	ServerTime uint64
}

// NewClientHello returns a hello for a fresh replica of signal.
func NewClientHello(signal string) *ClientHello {
	return &ClientHello{Version: CurrentVersion, Signal: signal}
}

func NewServerHello(connID string, seq, serverTime uint64) *ServerHello {
	return &ServerHello{Status: HandshakeOK, ConnID: connID, Seq: seq, ServerTime: serverTime}
}

func NewServerHelloError(status HandshakeStatus) *ServerHello {
	return &ServerHello{Status: status}
}

func EncodeClientHello(ch *ClientHello) []byte {
	e := NewEncoderWithCap(len(ch.Signal) + 16)
	e.WriteByte(ch.Version.Major)
	e.WriteByte(ch.Version.Minor)
	e.WriteString(ch.Signal)
	e.WriteUvarint(ch.LastSeq)
	e.WriteUint64(ch.Checksum)
	return e.Bytes()
}

// DecodeClientHello rejects trailing bytes.
func DecodeClientHello(data []byte) (*ClientHello, error) {
	d := NewDecoder(data)
	var ch ClientHello
	var err error
	if ch.Version.Major, err = d.ReadByte(); err != nil {
		return nil, err
	}
	if ch.Version.Minor, err = d.ReadByte(); err != nil {
		return nil, err
	}
	if ch.Signal, err = d.ReadString(); err != nil {
		return nil, err
	}
	if ch.LastSeq, err = d.ReadUvarint(); err != nil {
		return nil, err
	}
	if ch.Checksum, err = d.ReadUint64(); err != nil {
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return &ch, nil
}

func EncodeServerHello(sh *ServerHello) []byte {
	e := NewEncoderWithCap(len(sh.ConnID) + 20)
	e.WriteByte(byte(sh.Status))
	e.WriteString(sh.ConnID)
	e.WriteUvarint(sh.Seq)
	e.WriteUint64(sh.ServerTime)
	return e.Bytes()
}

// DecodeServerHello rejects trailing bytes.
func DecodeServerHello(data []byte) (*ServerHello, error) {
	d := NewDecoder(data)
	var sh ServerHello
	status, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	sh.Status = HandshakeStatus(status)
	if sh.ConnID, err = d.ReadString(); err != nil {
		return nil, err
	}
	if sh.Seq, err = d.ReadUvarint(); err != nil {
		return nil, err
	}
	if sh.ServerTime, err = d.ReadUint64(); err != nil {
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return &sh, nil
}
