package stream

import (
	"bytes"
	"errors"

	"github.com/interledger/connector-go/pkg/ilp"
	"github.com/interledger/connector-go/pkg/oer"
)

const packetVersion = 1

var ErrMalformedPacket = errors.New("stream: malformed packet")

// Packet is the decrypted payload of a STREAM Prepare, Fulfill or Reject.
//
// On a Prepare, PrepareAmount is the minimum destination amount the sender
// will accept; on a Fulfill or Reject it echoes the amount the receiver saw
// arrive.
type Packet struct {
	Sequence      uint64
	IlpPacketType ilp.PacketType
	PrepareAmount uint64
	Frames        []Frame
}

// Marshal encodes the cleartext packet.
func (p *Packet) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteByte(packetVersion)
	buf.WriteByte(byte(p.IlpPacketType))
	oer.WriteVarUint(&buf, p.Sequence)
	oer.WriteVarUint(&buf, p.PrepareAmount)
	oer.WriteLength(&buf, len(p.Frames))
	for _, f := range p.Frames {
		marshalFrame(&buf, f)
	}
	return buf.Bytes()
}

// ParsePacket decodes a cleartext packet, skipping unknown frame types.
func ParsePacket(b []byte) (*Packet, error) {
	if len(b) < 2 || b[0] != packetVersion {
		return nil, ErrMalformedPacket
	}
	p := &Packet{IlpPacketType: ilp.PacketType(b[1])}
	rest := b[2:]
	var err error
	p.Sequence, rest, err = oer.ReadVarUint(rest)
	if err != nil {
		return nil, ErrMalformedPacket
	}
	p.PrepareAmount, rest, err = oer.ReadVarUint(rest)
	if err != nil {
		return nil, ErrMalformedPacket
	}
	count, rest, err := oer.ReadLength(rest)
	if err != nil {
		return nil, ErrMalformedPacket
	}
	for i := 0; i < count; i++ {
		if len(rest) < 1 {
			return nil, ErrMalformedPacket
		}
		typ := FrameType(rest[0])
		content, r, err := oer.ReadVarOctets(rest[1:])
		if err != nil {
			return nil, ErrMalformedPacket
		}
		rest = r
		frame, err := parseFrame(typ, content)
		if err != nil {
			return nil, err
		}
		if frame != nil {
			p.Frames = append(p.Frames, frame)
		}
	}
	if len(rest) != 0 {
		return nil, ErrMalformedPacket
	}
	return p, nil
}

// Seal marshals and encrypts the packet under the shared secret.
func (p *Packet) Seal(secret []byte) ([]byte, error) {
	return Encrypt(secret, p.Marshal())
}

// OpenPacket decrypts and parses a sealed packet.
func OpenPacket(secret, sealed []byte) (*Packet, error) {
	plaintext, err := Decrypt(secret, sealed)
	if err != nil {
		return nil, err
	}
	return ParsePacket(plaintext)
}
