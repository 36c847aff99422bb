// Package oer implements the handful of Octet Encoding Rules primitives the
// Interledger wire formats share: length prefixes, variable-length octet
// strings, and fixed or variable-length unsigned integers.
package oer

import (
	"bytes"
	"encoding/binary"
	"errors"
)

var (
	ErrTruncated    = errors.New("oer: truncated")
	ErrLengthPrefix = errors.New("oer: bad length prefix")
)

// WriteLength writes an OER length prefix: one byte for lengths under 128,
// otherwise 0x80|n followed by n big-endian length bytes.
func WriteLength(buf *bytes.Buffer, n int) {
	if n < 0x80 {
		buf.WriteByte(byte(n))
		return
	}
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(n))
	i := 0
	for tmp[i] == 0 {
		i++
	}
	buf.WriteByte(byte(0x80 | (8 - i)))
	buf.Write(tmp[i:])
}

// ReadLength consumes a length prefix.
func ReadLength(b []byte) (n int, rest []byte, err error) {
	if len(b) == 0 {
		return 0, nil, ErrTruncated
	}
	first := b[0]
	if first < 0x80 {
		return int(first), b[1:], nil
	}
	numBytes := int(first & 0x7f)
	if numBytes == 0 || numBytes > 8 || len(b) < 1+numBytes {
		return 0, nil, ErrLengthPrefix
	}
	var v uint64
	for _, c := range b[1 : 1+numBytes] {
		v = v<<8 | uint64(c)
	}
	if v > 1<<31 {
		return 0, nil, ErrLengthPrefix
	}
	return int(v), b[1+numBytes:], nil
}

// WriteVarOctets writes a length-prefixed octet string.
func WriteVarOctets(buf *bytes.Buffer, b []byte) {
	WriteLength(buf, len(b))
	buf.Write(b)
}

// ReadVarOctets consumes a length-prefixed octet string.
func ReadVarOctets(b []byte) (value, rest []byte, err error) {
	n, rest, err := ReadLength(b)
	if err != nil {
		return nil, nil, err
	}
	if len(rest) < n {
		return nil, nil, ErrTruncated
	}
	return rest[:n], rest[n:], nil
}

// WriteUint32 writes a fixed big-endian uint32.
func WriteUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

// ReadUint32 consumes a fixed big-endian uint32.
func ReadUint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, ErrTruncated
	}
	return binary.BigEndian.Uint32(b[:4]), b[4:], nil
}

// WriteUint64 writes a fixed big-endian uint64.
func WriteUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

// ReadUint64 consumes a fixed big-endian uint64.
func ReadUint64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, ErrTruncated
	}
	return binary.BigEndian.Uint64(b[:8]), b[8:], nil
}

// WriteVarUint writes a length-prefixed big-endian unsigned integer with no
// leading zero octets; zero encodes as a single zero octet.
func WriteVarUint(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	i := 0
	for i < 7 && tmp[i] == 0 {
		i++
	}
	WriteLength(buf, 8-i)
	buf.Write(tmp[i:])
}

// ReadVarUint consumes a length-prefixed unsigned integer of up to 8 octets.
func ReadVarUint(b []byte) (uint64, []byte, error) {
	raw, rest, err := ReadVarOctets(b)
	if err != nil {
		return 0, nil, err
	}
	if len(raw) == 0 || len(raw) > 8 {
		return 0, nil, ErrLengthPrefix
	}
	var v uint64
	for _, c := range raw {
		v = v<<8 | uint64(c)
	}
	return v, rest, nil
}
