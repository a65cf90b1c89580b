// Package frame encodes and decodes the 14-byte transport frame header
// defined by the wire protocol: version, flags, sequence number,
// acknowledgment number, payload length and an Internet Checksum.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"arqnet/pkg/checksum"
)

// Flags is the frame header's bitfield of control flags. They combine, e.g.
// FlagSyn|FlagAck.
type Flags uint8

const (
	FlagData Flags = 1 << 0
	FlagAck  Flags = 1 << 1
	FlagSyn  Flags = 1 << 2
	FlagFin  Flags = 1 << 3
)

// Has reports whether all bits in want are set in f.
func (f Flags) Has(want Flags) bool {
	return f&want == want
}

func (f Flags) String() string {
	if f == 0 {
		return "NONE"
	}
	var s string
	add := func(bit Flags, name string) {
		if f.Has(bit) {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	add(FlagSyn, "SYN")
	add(FlagAck, "ACK")
	add(FlagData, "DATA")
	add(FlagFin, "FIN")
	return s
}

const (
	// Version is the only wire version this codec produces or accepts.
	Version uint8 = 0x01
	// HeaderSize is the fixed header length in bytes.
	HeaderSize = 14
	// MaxPayload is the largest payload a frame may carry, bounded by the
	// carrier's ability to deliver a datagram intact.
	MaxPayload = 1400
)

// ErrFrameInvalid is returned for any frame that fails version, flag,
// length or checksum validation. The transport treats it like a dropped
// frame.
var ErrFrameInvalid = errors.New("frame: invalid frame")

// Header is the fixed portion of a transport frame.
type Header struct {
	Version       uint8
	Flags         Flags
	Seq           uint32
	Ack           uint32
	PayloadLength uint16
	Checksum      uint16
}

// Encode serializes h and payload into a wire frame, computing the checksum
// over the whole buffer with the checksum field zeroed.
func Encode(h Header, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("frame: payload length %d exceeds max %d: %w", len(payload), MaxPayload, ErrFrameInvalid)
	}
	if h.Flags == 0 {
		return nil, fmt.Errorf("frame: header has no flags set: %w", ErrFrameInvalid)
	}

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = Version
	buf[1] = byte(h.Flags)
	binary.BigEndian.PutUint32(buf[2:6], h.Seq)
	binary.BigEndian.PutUint32(buf[6:10], h.Ack)
	binary.BigEndian.PutUint16(buf[10:12], uint16(len(payload)))
	buf[12], buf[13] = 0, 0
	copy(buf[HeaderSize:], payload)

	sum := checksum.Compute(buf)
	binary.BigEndian.PutUint16(buf[12:14], sum)

	return buf, nil
}

// Decode parses buf into a Header and payload, rejecting malformed or
// corrupted frames with ErrFrameInvalid.
func Decode(buf []byte) (Header, []byte, error) {
	if len(buf) < HeaderSize {
		return Header{}, nil, fmt.Errorf("frame: buffer too short (%d bytes): %w", len(buf), ErrFrameInvalid)
	}

	h := Header{
		Version:       buf[0],
		Flags:         Flags(buf[1]),
		Seq:           binary.BigEndian.Uint32(buf[2:6]),
		Ack:           binary.BigEndian.Uint32(buf[6:10]),
		PayloadLength: binary.BigEndian.Uint16(buf[10:12]),
		Checksum:      binary.BigEndian.Uint16(buf[12:14]),
	}

	if h.Version != Version {
		return Header{}, nil, fmt.Errorf("frame: unsupported version %#02x: %w", h.Version, ErrFrameInvalid)
	}
	if h.Flags == 0 {
		return Header{}, nil, fmt.Errorf("frame: no flags set: %w", ErrFrameInvalid)
	}

	payload := buf[HeaderSize:]
	if int(h.PayloadLength) != len(payload) {
		return Header{}, nil, fmt.Errorf("frame: payload_length %d does not match actual length %d: %w", h.PayloadLength, len(payload), ErrFrameInvalid)
	}

	verifyBuf := make([]byte, len(buf))
	copy(verifyBuf, buf)
	verifyBuf[12], verifyBuf[13] = 0, 0
	if !checksum.Verify(verifyBuf, h.Checksum) {
		return Header{}, nil, fmt.Errorf("frame: checksum mismatch: %w", ErrFrameInvalid)
	}

	out := make([]byte, len(payload))
	copy(out, payload)
	return h, out, nil
}
