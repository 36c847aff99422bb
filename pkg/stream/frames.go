package stream

import (
	"bytes"
	"errors"

	"github.com/interledger/connector-go/pkg/ilp"
	"github.com/interledger/connector-go/pkg/oer"
)

// FrameType tags a frame on the wire.
type FrameType uint8

const (
	FrameConnectionClose        FrameType = 0x01
	FrameConnectionNewAddress   FrameType = 0x02
	FrameConnectionMaxData      FrameType = 0x03
	FrameConnectionDataBlocked  FrameType = 0x04
	FrameConnectionMaxStreamID  FrameType = 0x05
	FrameConnectionAssetDetails FrameType = 0x07
	FrameStreamClose            FrameType = 0x10
	FrameStreamMoney            FrameType = 0x11
	FrameStreamMaxMoney         FrameType = 0x12
	FrameStreamMoneyBlocked     FrameType = 0x13
	FrameStreamData             FrameType = 0x14
	FrameStreamMaxData          FrameType = 0x15
	FrameStreamDataBlocked      FrameType = 0x16
)

var ErrMalformedFrame = errors.New("stream: malformed frame")

// Frame is one typed entry in a StreamPacket.
type Frame interface {
	FrameType() FrameType
	marshalContent(buf *bytes.Buffer)
}

type ConnectionCloseFrame struct {
	Code    uint8
	Message string
}

type ConnectionNewAddressFrame struct {
	Address ilp.Address
}

type ConnectionAssetDetailsFrame struct {
	AssetCode  string
	AssetScale uint8
}

type ConnectionMaxDataFrame struct {
	MaxOffset uint64
}

type ConnectionDataBlockedFrame struct {
	MaxOffset uint64
}

type ConnectionMaxStreamIDFrame struct {
	MaxStreamID uint64
}

// StreamMoneyFrame allocates the packet's money to a stream. Shares are
// relative weights when several streams ride one packet.
type StreamMoneyFrame struct {
	StreamID uint64
	Shares   uint64
}

type StreamMaxMoneyFrame struct {
	StreamID      uint64
	ReceiveMax    uint64
	TotalReceived uint64
}

type StreamMoneyBlockedFrame struct {
	StreamID  uint64
	SendMax   uint64
	TotalSent uint64
}

type StreamDataFrame struct {
	StreamID uint64
	Offset   uint64
	Data     []byte
	End      bool
}

type StreamMaxDataFrame struct {
	StreamID  uint64
	MaxOffset uint64
}

type StreamDataBlockedFrame struct {
	StreamID  uint64
	MaxOffset uint64
}

type StreamCloseFrame struct {
	StreamID uint64
	Code     uint8
	Message  string
}

func (*ConnectionCloseFrame) FrameType() FrameType        { return FrameConnectionClose }
func (*ConnectionNewAddressFrame) FrameType() FrameType   { return FrameConnectionNewAddress }
func (*ConnectionAssetDetailsFrame) FrameType() FrameType { return FrameConnectionAssetDetails }
func (*ConnectionMaxDataFrame) FrameType() FrameType      { return FrameConnectionMaxData }
func (*ConnectionDataBlockedFrame) FrameType() FrameType  { return FrameConnectionDataBlocked }
func (*ConnectionMaxStreamIDFrame) FrameType() FrameType  { return FrameConnectionMaxStreamID }
func (*StreamMoneyFrame) FrameType() FrameType            { return FrameStreamMoney }
func (*StreamMaxMoneyFrame) FrameType() FrameType         { return FrameStreamMaxMoney }
func (*StreamMoneyBlockedFrame) FrameType() FrameType     { return FrameStreamMoneyBlocked }
func (*StreamDataFrame) FrameType() FrameType             { return FrameStreamData }
func (*StreamMaxDataFrame) FrameType() FrameType          { return FrameStreamMaxData }
func (*StreamDataBlockedFrame) FrameType() FrameType      { return FrameStreamDataBlocked }
func (*StreamCloseFrame) FrameType() FrameType            { return FrameStreamClose }

func (f *ConnectionCloseFrame) marshalContent(buf *bytes.Buffer) {
	buf.WriteByte(f.Code)
	oer.WriteVarOctets(buf, []byte(f.Message))
}

func (f *ConnectionNewAddressFrame) marshalContent(buf *bytes.Buffer) {
	oer.WriteVarOctets(buf, []byte(f.Address))
}

func (f *ConnectionAssetDetailsFrame) marshalContent(buf *bytes.Buffer) {
	oer.WriteVarOctets(buf, []byte(f.AssetCode))
	buf.WriteByte(f.AssetScale)
}

func (f *ConnectionMaxDataFrame) marshalContent(buf *bytes.Buffer) {
	oer.WriteVarUint(buf, f.MaxOffset)
}

func (f *ConnectionDataBlockedFrame) marshalContent(buf *bytes.Buffer) {
	oer.WriteVarUint(buf, f.MaxOffset)
}

func (f *ConnectionMaxStreamIDFrame) marshalContent(buf *bytes.Buffer) {
	oer.WriteVarUint(buf, f.MaxStreamID)
}

func (f *StreamMoneyFrame) marshalContent(buf *bytes.Buffer) {
	oer.WriteVarUint(buf, f.StreamID)
	oer.WriteVarUint(buf, f.Shares)
}

func (f *StreamMaxMoneyFrame) marshalContent(buf *bytes.Buffer) {
	oer.WriteVarUint(buf, f.StreamID)
	oer.WriteVarUint(buf, f.ReceiveMax)
	oer.WriteVarUint(buf, f.TotalReceived)
}

func (f *StreamMoneyBlockedFrame) marshalContent(buf *bytes.Buffer) {
	oer.WriteVarUint(buf, f.StreamID)
	oer.WriteVarUint(buf, f.SendMax)
	oer.WriteVarUint(buf, f.TotalSent)
}

func (f *StreamDataFrame) marshalContent(buf *bytes.Buffer) {
	oer.WriteVarUint(buf, f.StreamID)
	oer.WriteVarUint(buf, f.Offset)
	oer.WriteVarOctets(buf, f.Data)
	if f.End {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func (f *StreamMaxDataFrame) marshalContent(buf *bytes.Buffer) {
	oer.WriteVarUint(buf, f.StreamID)
	oer.WriteVarUint(buf, f.MaxOffset)
}

func (f *StreamDataBlockedFrame) marshalContent(buf *bytes.Buffer) {
	oer.WriteVarUint(buf, f.StreamID)
	oer.WriteVarUint(buf, f.MaxOffset)
}

func (f *StreamCloseFrame) marshalContent(buf *bytes.Buffer) {
	oer.WriteVarUint(buf, f.StreamID)
	buf.WriteByte(f.Code)
	oer.WriteVarOctets(buf, []byte(f.Message))
}

func marshalFrame(buf *bytes.Buffer, f Frame) {
	buf.WriteByte(byte(f.FrameType()))
	var content bytes.Buffer
	f.marshalContent(&content)
	oer.WriteVarOctets(buf, content.Bytes())
}

// parseFrame decodes one frame; unknown frame types are skipped by the
// caller for forward compatibility.
func parseFrame(typ FrameType, content []byte) (Frame, error) {
	switch typ {
	case FrameConnectionClose:
		if len(content) < 1 {
			return nil, ErrMalformedFrame
		}
		msg, _, err := oer.ReadVarOctets(content[1:])
		if err != nil {
			return nil, ErrMalformedFrame
		}
		return &ConnectionCloseFrame{Code: content[0], Message: string(msg)}, nil
	case FrameConnectionNewAddress:
		addr, _, err := oer.ReadVarOctets(content)
		if err != nil {
			return nil, ErrMalformedFrame
		}
		return &ConnectionNewAddressFrame{Address: ilp.Address(addr)}, nil
	case FrameConnectionAssetDetails:
		code, rest, err := oer.ReadVarOctets(content)
		if err != nil || len(rest) < 1 {
			return nil, ErrMalformedFrame
		}
		return &ConnectionAssetDetailsFrame{AssetCode: string(code), AssetScale: rest[0]}, nil
	case FrameConnectionMaxData:
		v, err := readOneVarUint(content)
		if err != nil {
			return nil, err
		}
		return &ConnectionMaxDataFrame{MaxOffset: v}, nil
	case FrameConnectionDataBlocked:
		v, err := readOneVarUint(content)
		if err != nil {
			return nil, err
		}
		return &ConnectionDataBlockedFrame{MaxOffset: v}, nil
	case FrameConnectionMaxStreamID:
		v, err := readOneVarUint(content)
		if err != nil {
			return nil, err
		}
		return &ConnectionMaxStreamIDFrame{MaxStreamID: v}, nil
	case FrameStreamMoney:
		vs, _, err := readVarUints(content, 2)
		if err != nil {
			return nil, err
		}
		return &StreamMoneyFrame{StreamID: vs[0], Shares: vs[1]}, nil
	case FrameStreamMaxMoney:
		vs, _, err := readVarUints(content, 3)
		if err != nil {
			return nil, err
		}
		return &StreamMaxMoneyFrame{StreamID: vs[0], ReceiveMax: vs[1], TotalReceived: vs[2]}, nil
	case FrameStreamMoneyBlocked:
		vs, _, err := readVarUints(content, 3)
		if err != nil {
			return nil, err
		}
		return &StreamMoneyBlockedFrame{StreamID: vs[0], SendMax: vs[1], TotalSent: vs[2]}, nil
	case FrameStreamData:
		vs, rest, err := readVarUints(content, 2)
		if err != nil {
			return nil, err
		}
		data, rest, err := oer.ReadVarOctets(rest)
		if err != nil || len(rest) < 1 {
			return nil, ErrMalformedFrame
		}
		return &StreamDataFrame{StreamID: vs[0], Offset: vs[1], Data: data, End: rest[0] == 1}, nil
	case FrameStreamMaxData:
		vs, _, err := readVarUints(content, 2)
		if err != nil {
			return nil, err
		}
		return &StreamMaxDataFrame{StreamID: vs[0], MaxOffset: vs[1]}, nil
	case FrameStreamDataBlocked:
		vs, _, err := readVarUints(content, 2)
		if err != nil {
			return nil, err
		}
		return &StreamDataBlockedFrame{StreamID: vs[0], MaxOffset: vs[1]}, nil
	case FrameStreamClose:
		id, rest, err := oer.ReadVarUint(content)
		if err != nil || len(rest) < 1 {
			return nil, ErrMalformedFrame
		}
		msg, _, err := oer.ReadVarOctets(rest[1:])
		if err != nil {
			return nil, ErrMalformedFrame
		}
		return &StreamCloseFrame{StreamID: id, Code: rest[0], Message: string(msg)}, nil
	}
	return nil, nil // unknown type, caller skips
}

func readOneVarUint(b []byte) (uint64, error) {
	v, _, err := oer.ReadVarUint(b)
	if err != nil {
		return 0, ErrMalformedFrame
	}
	return v, nil
}

func readVarUints(b []byte, n int) ([]uint64, []byte, error) {
	out := make([]uint64, n)
	var err error
	for i := 0; i < n; i++ {
		out[i], b, err = oer.ReadVarUint(b)
		if err != nil {
			return nil, nil, ErrMalformedFrame
		}
	}
	return out, b, nil
}
