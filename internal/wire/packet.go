package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Header is the fixed 9-byte prefix common to every packet kind.
type Header struct {
	Kind   Kind
	ConnID uint16
	Seq    uint16
	Ack    uint16
}

// Packet is a decoded logical packet: header plus kind-specific payload.
// Payload is empty for END and ERR, 6 or 7 bytes for INIT (see init_payload.go)
// and arbitrary file bytes (or empty, for a receiver-originated ack-only
// packet) for DATA.
type Packet struct {
	Header  Header
	Payload []byte
}

// DecodeErrorKind classifies why Decode rejected a buffer. All of these are
// transient wire errors per the error-handling design: the caller drops the
// datagram and relies on retransmission, never treats them as fatal.
type DecodeErrorKind int

const (
	ErrTooShort DecodeErrorKind = iota + 1
	ErrBadChecksum
	ErrUnknownKind
)

func (k DecodeErrorKind) String() string {
	switch k {
	case ErrTooShort:
		return "too short"
	case ErrBadChecksum:
		return "bad checksum"
	case ErrUnknownKind:
		return "unknown kind"
	default:
		return "unknown decode error"
	}
}

// DecodeError reports a malformed or corrupted datagram.
type DecodeError struct {
	Kind DecodeErrorKind
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: decode: %s", e.Kind)
}

func decodeErr(kind DecodeErrorKind) error {
	return &DecodeError{Kind: kind}
}

// IsDecodeError reports whether err is a DecodeError of the given kind.
func IsDecodeError(err error, kind DecodeErrorKind) bool {
	de, ok := err.(*DecodeError)
	return ok && de.Kind == kind
}

// Encode serialises p using checksumSize bytes of trailing checksum and
// rejects the result if it would exceed maxPacketSize, per the codec's size
// discipline (spec.md §4.1).
func Encode(p Packet, checksumSize uint16, maxPacketSize uint16) ([]byte, error) {
	body := make([]byte, HeaderSize+len(p.Payload))
	body[0] = byte(p.Header.Kind)
	binary.BigEndian.PutUint16(body[1:3], p.Header.ConnID)
	binary.BigEndian.PutUint16(body[3:5], p.Header.Seq)
	binary.BigEndian.PutUint16(body[5:7], p.Header.Ack)
	binary.BigEndian.PutUint16(body[7:9], uint16(len(p.Payload)))
	copy(body[HeaderSize:], p.Payload)

	sum, err := checksum(body, checksumSize)
	if err != nil {
		return nil, err
	}

	full := append(body, sum...)
	if maxPacketSize > 0 && len(full) > int(maxPacketSize) {
		return nil, fmt.Errorf("wire: encoded packet of %db exceeds packet_size %d", len(full), maxPacketSize)
	}
	return full, nil
}

// Decode parses buf as a packet framed with checksumSize bytes of trailing
// checksum. buf may be truncated, corrupted or oversized; Decode never
// panics on such input.
func Decode(buf []byte, checksumSize uint16) (Packet, error) {
	if len(buf) < HeaderSize {
		return Packet{}, decodeErr(ErrTooShort)
	}
	payloadLen := int(binary.BigEndian.Uint16(buf[7:9]))
	need := HeaderSize + payloadLen + int(checksumSize)
	if len(buf) < need {
		return Packet{}, decodeErr(ErrTooShort)
	}

	body := buf[:HeaderSize+payloadLen]
	tail := buf[HeaderSize+payloadLen : need]
	want, err := checksum(body, checksumSize)
	if err != nil {
		return Packet{}, err
	}
	if !bytes.Equal(want, tail) {
		return Packet{}, decodeErr(ErrBadChecksum)
	}

	kind := Kind(body[0])
	if !kind.valid() {
		return Packet{}, decodeErr(ErrUnknownKind)
	}

	payload := make([]byte, payloadLen)
	copy(payload, body[HeaderSize:])

	return Packet{
		Header: Header{
			Kind:   kind,
			ConnID: binary.BigEndian.Uint16(body[1:3]),
			Seq:    binary.BigEndian.Uint16(body[3:5]),
			Ack:    binary.BigEndian.Uint16(body[5:7]),
		},
		Payload: payload,
	}, nil
}

// PeekInitChecksumSize reads the proposed/negotiated checksum_size out of an
// INIT packet's payload without validating the checksum, which is what lets
// a peer discover the checksum_size it needs before it can validate the rest
// of the packet at all. Returns ErrTooShort if buf doesn't even contain the
// INIT payload's fixed 6 bytes.
func PeekInitChecksumSize(buf []byte) (uint16, error) {
	if len(buf) < HeaderSize+6 {
		return 0, decodeErr(ErrTooShort)
	}
	return binary.BigEndian.Uint16(buf[HeaderSize+4 : HeaderSize+6]), nil
}

// MaxPayloadSize returns the usable DATA payload per packet given the
// negotiated packet_size and checksum_size (spec.md §4.1).
func MaxPayloadSize(packetSize, checksumSize uint16) int {
	n := int(packetSize) - HeaderSize - int(checksumSize)
	if n < 0 {
		return 0
	}
	return n
}
