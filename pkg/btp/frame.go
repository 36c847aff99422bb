// Package btp implements the Bilateral Transfer Protocol: a request/response
// multiplexer carrying ILP packets and auxiliary sub-protocols over a single
// websocket.
package btp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/interledger/connector-go/pkg/oer"
)

// Frame types.
const (
	TypeResponse byte = 1
	TypeError    byte = 2
	TypeMessage  byte = 6
	TypeTransfer byte = 7
)

// Sub-protocol content types.
const (
	ContentOctetStream byte = 0
	ContentTextPlain   byte = 1
	ContentJSON        byte = 2
)

// Well-known sub-protocol names.
const (
	ProtocolILP          = "ilp"
	ProtocolAuth         = "auth"
	ProtocolAuthToken    = "auth_token"
	ProtocolAuthUsername = "auth_username"
)

var (
	ErrFrameTruncated = errors.New("btp: frame truncated")
	ErrUnknownType    = errors.New("btp: unknown frame type")
)

// Subprotocol is one named payload inside a frame.
type Subprotocol struct {
	Name        string
	ContentType byte
	Data        []byte
}

// FrameError is the body of an ERROR frame.
type FrameError struct {
	Code    string // 3 characters
	Message string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("btp: peer error %s: %s", e.Code, e.Message)
}

// Frame is one BTP exchange unit. Err is set only for TypeError.
type Frame struct {
	Type      byte
	RequestID uint32
	Err       *FrameError
	Protocols []Subprotocol
}

// Protocol returns the sub-protocol with the given name, or nil.
func (f *Frame) Protocol(name string) *Subprotocol {
	for i := range f.Protocols {
		if f.Protocols[i].Name == name {
			return &f.Protocols[i]
		}
	}
	return nil
}

// Marshal encodes the frame for the wire.
func (f *Frame) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteByte(f.Type)
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], f.RequestID)
	buf.Write(id[:])
	if f.Type == TypeError {
		code := "F00"
		var msg string
		if f.Err != nil {
			if len(f.Err.Code) == 3 {
				code = f.Err.Code
			}
			msg = f.Err.Message
		}
		buf.WriteString(code)
		writeVarOctets(&buf, []byte(msg))
	}
	buf.WriteByte(byte(len(f.Protocols)))
	for _, p := range f.Protocols {
		writeVarOctets(&buf, []byte(p.Name))
		buf.WriteByte(p.ContentType)
		writeVarOctets(&buf, p.Data)
	}
	return buf.Bytes()
}

// ParseFrame decodes a wire frame.
func ParseFrame(raw []byte) (*Frame, error) {
	if len(raw) < 5 {
		return nil, ErrFrameTruncated
	}
	f := &Frame{Type: raw[0], RequestID: binary.BigEndian.Uint32(raw[1:5])}
	rest := raw[5:]
	switch f.Type {
	case TypeResponse, TypeMessage, TypeTransfer:
	case TypeError:
		if len(rest) < 3 {
			return nil, ErrFrameTruncated
		}
		ferr := &FrameError{Code: string(rest[:3])}
		msg, r, err := readVarOctets(rest[3:])
		if err != nil {
			return nil, err
		}
		ferr.Message = string(msg)
		f.Err = ferr
		rest = r
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, f.Type)
	}
	if len(rest) < 1 {
		return nil, ErrFrameTruncated
	}
	count := int(rest[0])
	rest = rest[1:]
	for i := 0; i < count; i++ {
		name, r, err := readVarOctets(rest)
		if err != nil {
			return nil, err
		}
		if len(r) < 1 {
			return nil, ErrFrameTruncated
		}
		contentType := r[0]
		data, r, err := readVarOctets(r[1:])
		if err != nil {
			return nil, err
		}
		f.Protocols = append(f.Protocols, Subprotocol{
			Name:        string(name),
			ContentType: contentType,
			Data:        data,
		})
		rest = r
	}
	if len(rest) != 0 {
		return nil, errors.New("btp: trailing bytes after frame")
	}
	return f, nil
}

func writeVarOctets(buf *bytes.Buffer, b []byte) {
	oer.WriteVarOctets(buf, b)
}

func readVarOctets(b []byte) (value, rest []byte, err error) {
	value, rest, err = oer.ReadVarOctets(b)
	if err != nil {
		return nil, nil, ErrFrameTruncated
	}
	return value, rest, nil
}
