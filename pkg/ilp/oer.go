package ilp

import (
	"bytes"
	"encoding/binary"

	"github.com/interledger/connector-go/pkg/oer"
)

func writeVarOctets(buf *bytes.Buffer, b []byte) {
	oer.WriteVarOctets(buf, b)
}

// readVarOctets maps any OER-level failure to ErrPacketTruncated: a caller
// cannot act on the distinction for a malformed packet.
func readVarOctets(b []byte) (value, rest []byte, err error) {
	value, rest, err = oer.ReadVarOctets(b)
	if err != nil {
		return nil, nil, ErrPacketTruncated
	}
	return value, rest, nil
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	oer.WriteUint64(buf, v)
}

func readUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
