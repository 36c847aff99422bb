package ilp

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"
)

// PacketType is the envelope tag of an ILP packet.
type PacketType byte

const (
	TypePrepare PacketType = 12
	TypeFulfill PacketType = 13
	TypeReject  PacketType = 14
)

// Timestamps on the wire are fixed 17-byte ASCII: YYYYMMDDHHMMSSmmm, UTC.
const timestampLen = 17

var (
	ErrUnknownPacketType = errors.New("ilp: unknown packet type")
	ErrPacketTruncated   = errors.New("ilp: packet truncated")
	ErrTrailingBytes     = errors.New("ilp: trailing bytes after packet")
)

// Prepare is a conditional transfer request. It must be answered with a
// Fulfill whose preimage hashes to ExecutionCondition before ExpiresAt,
// otherwise the transfer is void.
type Prepare struct {
	Amount             uint64
	ExpiresAt          time.Time
	ExecutionCondition [32]byte
	Destination        Address
	Data               []byte
}

// Fulfill proves a Prepare's condition was met.
type Fulfill struct {
	Fulfillment [32]byte
	Data        []byte
}

// Reject refuses a Prepare. Code is a three-character ILP error code.
type Reject struct {
	Code        string
	TriggeredBy Address
	Message     string
	Data        []byte
}

// Reply is the answer to a Prepare: a Fulfill or a Reject.
type Reply interface {
	Type() PacketType
}

func (*Prepare) Type() PacketType { return TypePrepare }
func (*Fulfill) Type() PacketType { return TypeFulfill }
func (*Reject) Type() PacketType  { return TypeReject }

// Condition returns the execution condition matching the given fulfillment.
func Condition(fulfillment [32]byte) [32]byte {
	return sha256.Sum256(fulfillment[:])
}

// Validates verifies the fulfillment against a Prepare's condition in
// constant time.
func (f *Fulfill) Validates(condition [32]byte) bool {
	h := sha256.Sum256(f.Fulfillment[:])
	return subtle.ConstantTimeCompare(h[:], condition[:]) == 1
}

// Marshal encodes the Prepare with its envelope.
func (p *Prepare) Marshal() []byte {
	var body bytes.Buffer
	writeUint64(&body, p.Amount)
	body.WriteString(formatTimestamp(p.ExpiresAt))
	body.Write(p.ExecutionCondition[:])
	writeVarOctets(&body, []byte(p.Destination))
	writeVarOctets(&body, p.Data)
	return envelope(TypePrepare, body.Bytes())
}

// Marshal encodes the Fulfill with its envelope.
func (f *Fulfill) Marshal() []byte {
	var body bytes.Buffer
	body.Write(f.Fulfillment[:])
	writeVarOctets(&body, f.Data)
	return envelope(TypeFulfill, body.Bytes())
}

// Marshal encodes the Reject with its envelope.
func (r *Reject) Marshal() []byte {
	var body bytes.Buffer
	code := r.Code
	if len(code) != 3 {
		code = CodeF06Unexpected
	}
	body.WriteString(code)
	writeVarOctets(&body, []byte(r.TriggeredBy))
	writeVarOctets(&body, []byte(r.Message))
	writeVarOctets(&body, r.Data)
	return envelope(TypeReject, body.Bytes())
}

// MarshalReply encodes a Fulfill or Reject.
func MarshalReply(reply Reply) []byte {
	switch v := reply.(type) {
	case *Fulfill:
		return v.Marshal()
	case *Reject:
		return v.Marshal()
	}
	panic(fmt.Sprintf("ilp: not a reply packet: %T", reply))
}

// Parse decodes any ILP packet and returns one of *Prepare, *Fulfill,
// *Reject.
func Parse(raw []byte) (interface{}, error) {
	if len(raw) < 2 {
		return nil, ErrPacketTruncated
	}
	typ := PacketType(raw[0])
	body, rest, err := readVarOctets(raw[1:])
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, ErrTrailingBytes
	}
	switch typ {
	case TypePrepare:
		return parsePrepare(body)
	case TypeFulfill:
		return parseFulfill(body)
	case TypeReject:
		return parseReject(body)
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownPacketType, typ)
}

// ParsePrepare decodes a packet that must be a Prepare.
func ParsePrepare(raw []byte) (*Prepare, error) {
	pkt, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	p, ok := pkt.(*Prepare)
	if !ok {
		return nil, fmt.Errorf("ilp: expected prepare, got type %d", pkt.(interface{ Type() PacketType }).Type())
	}
	return p, nil
}

// ParseReply decodes a packet that must be a Fulfill or Reject.
func ParseReply(raw []byte) (Reply, error) {
	pkt, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	switch v := pkt.(type) {
	case *Fulfill:
		return v, nil
	case *Reject:
		return v, nil
	}
	return nil, errors.New("ilp: expected fulfill or reject, got prepare")
}

func parsePrepare(body []byte) (*Prepare, error) {
	if len(body) < 8+timestampLen+32 {
		return nil, ErrPacketTruncated
	}
	p := &Prepare{}
	p.Amount = readUint64(body[:8])
	expires, err := parseTimestamp(string(body[8 : 8+timestampLen]))
	if err != nil {
		return nil, err
	}
	p.ExpiresAt = expires
	copy(p.ExecutionCondition[:], body[8+timestampLen:8+timestampLen+32])
	rest := body[8+timestampLen+32:]
	dest, rest, err := readVarOctets(rest)
	if err != nil {
		return nil, err
	}
	p.Destination = Address(dest)
	data, rest, err := readVarOctets(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, ErrTrailingBytes
	}
	p.Data = data
	return p, nil
}

func parseFulfill(body []byte) (*Fulfill, error) {
	if len(body) < 32 {
		return nil, ErrPacketTruncated
	}
	f := &Fulfill{}
	copy(f.Fulfillment[:], body[:32])
	data, rest, err := readVarOctets(body[32:])
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, ErrTrailingBytes
	}
	f.Data = data
	return f, nil
}

func parseReject(body []byte) (*Reject, error) {
	if len(body) < 3 {
		return nil, ErrPacketTruncated
	}
	r := &Reject{Code: string(body[:3])}
	triggeredBy, rest, err := readVarOctets(body[3:])
	if err != nil {
		return nil, err
	}
	r.TriggeredBy = Address(triggeredBy)
	msg, rest, err := readVarOctets(rest)
	if err != nil {
		return nil, err
	}
	r.Message = string(msg)
	data, rest, err := readVarOctets(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, ErrTrailingBytes
	}
	r.Data = data
	return r, nil
}

func envelope(typ PacketType, body []byte) []byte {
	var out bytes.Buffer
	out.WriteByte(byte(typ))
	writeVarOctets(&out, body)
	return out.Bytes()
}

func formatTimestamp(t time.Time) string {
	t = t.UTC()
	return t.Format("20060102150405") + fmt.Sprintf("%03d", t.Nanosecond()/1e6)
}

func parseTimestamp(s string) (time.Time, error) {
	if len(s) != timestampLen {
		return time.Time{}, fmt.Errorf("ilp: bad timestamp %q", s)
	}
	t, err := time.ParseInLocation("20060102150405.000", s[:14]+"."+s[14:], time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("ilp: bad timestamp %q", s)
	}
	return t, nil
}
