package wire

import (
	"encoding/binary"
	"fmt"
)

// InitRequest is the payload carried by a sender's INIT packet (conn_id is
// always 0 in the header of such a packet).
type InitRequest struct {
	ProposedPacketSize   uint16
	ProposedWindowSize   uint16
	ProposedChecksumSize uint16
}

// EncodeInitRequest returns the 6-byte INIT request payload.
func EncodeInitRequest(r InitRequest) []byte {
	buf := make([]byte, 6)
	binary.BigEndian.PutUint16(buf[0:2], r.ProposedPacketSize)
	binary.BigEndian.PutUint16(buf[2:4], r.ProposedWindowSize)
	binary.BigEndian.PutUint16(buf[4:6], r.ProposedChecksumSize)
	return buf
}

// DecodeInitRequest parses an INIT request payload.
func DecodeInitRequest(payload []byte) (InitRequest, error) {
	if len(payload) < 6 {
		return InitRequest{}, fmt.Errorf("wire: init request payload too short: %d", len(payload))
	}
	return InitRequest{
		ProposedPacketSize:   binary.BigEndian.Uint16(payload[0:2]),
		ProposedWindowSize:   binary.BigEndian.Uint16(payload[2:4]),
		ProposedChecksumSize: binary.BigEndian.Uint16(payload[4:6]),
	}, nil
}

// InitReply is the payload carried by the receiver's INIT reply.
type InitReply struct {
	NegotiatedPacketSize   uint16
	NegotiatedWindowSize   uint16
	NegotiatedChecksumSize uint16
	Retry                  bool // "your INIT was truncated, resend it"
}

// EncodeInitReply returns the 7-byte INIT reply payload.
func EncodeInitReply(r InitReply) []byte {
	buf := make([]byte, 7)
	binary.BigEndian.PutUint16(buf[0:2], r.NegotiatedPacketSize)
	binary.BigEndian.PutUint16(buf[2:4], r.NegotiatedWindowSize)
	binary.BigEndian.PutUint16(buf[4:6], r.NegotiatedChecksumSize)
	if r.Retry {
		buf[6] = 1
	}
	return buf
}

// DecodeInitReply parses an INIT reply payload.
func DecodeInitReply(payload []byte) (InitReply, error) {
	if len(payload) < 7 {
		return InitReply{}, fmt.Errorf("wire: init reply payload too short: %d", len(payload))
	}
	return InitReply{
		NegotiatedPacketSize:   binary.BigEndian.Uint16(payload[0:2]),
		NegotiatedWindowSize:   binary.BigEndian.Uint16(payload[2:4]),
		NegotiatedChecksumSize: binary.BigEndian.Uint16(payload[4:6]),
		Retry:                  payload[6] != 0,
	}, nil
}
