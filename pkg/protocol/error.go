package protocol

import "fmt"

// ErrorCode classifies a FrameError.
type ErrorCode uint16

const (
	ErrUnknown       ErrorCode = 0x0000
	ErrInvalidFrame  ErrorCode = 0x0001 // malformed frame
	ErrUnexpected    ErrorCode = 0x0002 // frame type not valid in this direction
	ErrResyncFailed  ErrorCode = 0x0003
	ErrSlowConsumer  ErrorCode = 0x0004
	ErrServerError   ErrorCode = 0x0100
	ErrServerClosing ErrorCode = 0x0101
)

var errorCodeNames = map[ErrorCode]string{
	ErrInvalidFrame:  "InvalidFrame",
	ErrUnexpected:    "Unexpected",
	ErrResyncFailed:  "ResyncFailed",
	ErrSlowConsumer:  "SlowConsumer",
	ErrServerError:   "ServerError",
	ErrServerClosing: "ServerClosing",
}

func (ec ErrorCode) String() string {
	if name, ok := errorCodeNames[ec]; ok {
		return name
	}
	return "Unknown"
}

// ErrorMessage is the payload of a FrameError. When Fatal is set the sender
// closes the connection after it.
type ErrorMessage struct {
	Code    ErrorCode
	Message string
	Fatal   bool
}

func NewError(code ErrorCode, message string) *ErrorMessage {
	return &ErrorMessage{Code: code, Message: message}
}

func NewFatalError(code ErrorCode, message string) *ErrorMessage {
	return &ErrorMessage{Code: code, Message: message, Fatal: true}
}

func (em *ErrorMessage) Error() string {
	msg := fmt.Sprintf("%s: %s", em.Code, em.Message)
	if em.Fatal {
		return "fatal: " + msg
	}
	return msg
}

func EncodeErrorMessage(em *ErrorMessage) []byte {
	e := NewEncoderWithCap(len(em.Message) + 4)
	e.WriteUint16(uint16(em.Code))
	e.WriteString(em.Message)
	e.WriteBool(em.Fatal)
	return e.Bytes()
}

func DecodeErrorMessage(data []byte) (*ErrorMessage, error) {
	d := NewDecoder(data)
	code, err := d.ReadUint16()
	if err != nil {
		return nil, err
	}
	em := &ErrorMessage{Code: ErrorCode(code)}
	if em.Message, err = d.ReadString(); err != nil {
		return nil, err
	}
	if em.Fatal, err = d.ReadBool(); err != nil {
		return nil, err
	}
	return em, nil
}
