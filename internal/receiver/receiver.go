// Package receiver implements the receiver half of the reliable-transfer
// protocol: handshake reply, out-of-order buffering with cumulative acks,
// and graceful close (spec.md §4.3).
package receiver

import (
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"time"

	"github.com/mrcgq/udpxfer/internal/metrics"
	"github.com/mrcgq/udpxfer/internal/wire"
	"github.com/mrcgq/udpxfer/internal/xudp"
)

const recvBufferSize = 65535

// session is one accepted connection's reassembly state.
type session struct {
	connID       uint16
	packetSize   uint16
	windowSize   uint16
	checksumSize uint16
	peerAddr     *net.UDPAddr

	expected uint16
	pending  map[uint16][]byte

	sink      io.WriteCloser
	lastReply []byte
}

// Receiver accepts one connection at a time and writes its payload to
// storage. A fresh Receiver (or a fresh call to Run) is needed per transfer,
// matching the protocol's single-file-per-connection design.
type Receiver struct {
	cfg     Config
	sock    xudp.Socket
	storage Storage
	logger  *log.Logger
	metrics *metrics.Transfer
	state   State
}

// New builds a Receiver bound to sock, writing accepted transfers via storage.
func New(cfg Config, sock xudp.Socket, storage Storage, logger *log.Logger, m *metrics.Transfer) *Receiver {
	return &Receiver{cfg: cfg, sock: sock, storage: storage, logger: logger, metrics: m, state: StateListening}
}

func (r *Receiver) State() State {
	return r.state
}

func (r *Receiver) logf(format string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

// Run blocks until one full connection has been negotiated, received and
// flushed, or until a fatal error occurs. It returns nil only after the
// output file has been finalized (StateDone).
func (r *Receiver) Run() error {
	buf := make([]byte, recvBufferSize)

	sess, err := r.listen(buf)
	if err != nil {
		r.state = StateFailed
		return err
	}
	r.state = StateNegotiated
	r.logf("connection %d negotiated with %s: packet_size=%d window_size=%d checksum_size=%d",
		sess.connID, sess.peerAddr, sess.packetSize, sess.windowSize, sess.checksumSize)
	if r.metrics != nil {
		r.metrics.ActiveConnections.Inc()
		defer r.metrics.ActiveConnections.Dec()
	}

	sink, err := r.storage.Create(sess.connID)
	if err != nil {
		r.state = StateFailed
		return err
	}
	sess.sink = sink

	r.state = StateReceiving
	if err := r.receiveLoop(sess, buf); err != nil {
		sess.sink.Close()
		r.storage.Abort(sess.connID)
		r.state = StateFailed
		return err
	}

	r.state = StateFlushing
	if err := sess.sink.Close(); err != nil {
		r.storage.Abort(sess.connID)
		r.state = StateFailed
		return fmt.Errorf("receiver: close output for connection %d: %w", sess.connID, err)
	}
	if err := r.storage.Finalize(sess.connID); err != nil {
		r.state = StateFailed
		return err
	}

	r.awaitEndRetransmits(sess, buf)

	r.state = StateDone
	r.logf("connection %d complete", sess.connID)
	return nil
}

// awaitEndRetransmits keeps answering duplicate ENDs for one grace period
// after the file is already flushed, in case the sender never saw our
// first END reply. The output is already finalized by the time this runs,
// so there is nothing left to fail: it simply stops after the grace period
// whether or not another END arrives.
func (r *Receiver) awaitEndRetransmits(sess *session, buf []byte) {
	deadline := time.Now().Add(2 * r.cfg.Timeout)
	endReply, err := wire.Encode(wire.Packet{Header: wire.Header{Kind: wire.KindEnd, ConnID: sess.connID}}, sess.checksumSize, sess.packetSize)
	if err != nil {
		return
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		n, from, err := r.sock.ReceiveFrom(buf, deadline)
		if err != nil {
			return
		}
		if from.String() != sess.peerAddr.String() {
			continue
		}
		pkt, derr := wire.Decode(buf[:n], sess.checksumSize)
		if derr != nil || pkt.Header.ConnID != sess.connID || pkt.Header.Kind != wire.KindEnd {
			continue
		}
		r.sock.SendTo(endReply, from)
	}
}

// listen runs the Listening state: wait for an INIT, negotiate parameters
// down to this receiver's ceilings, and reply. It returns as soon as one
// negotiation succeeds; a duplicate INIT arriving after that (the sender
// retrying because our reply was lost) is handled by receiveLoop instead,
// since by then we've already moved on to Receiving.
func (r *Receiver) listen(buf []byte) (*session, error) {
	for {
		n, from, err := r.sock.ReceiveFrom(buf, time.Now().Add(r.cfg.Timeout*time.Duration(r.cfg.MaxRetries)))
		if err != nil {
			if xudp.IsTimeout(err) {
				return nil, &FailedError{Reason: "no connection attempt received before timeout"}
			}
			return nil, fmt.Errorf("receiver: receive: %w", err)
		}
		data := buf[:n]

		checksumSize, err := wire.PeekInitChecksumSize(data)
		if err != nil {
			// The INIT itself was too truncated to even read its
			// checksum_size field; there's no way to validate it, so ask
			// for a resend at a packet_size that will actually arrive
			// intact (spec.md §4.3 Listening).
			r.sendTruncatedInitRetry(from)
			continue
		}
		pkt, err := wire.Decode(data, checksumSize)
		if err != nil {
			r.logf("dropping unreadable init from %s: %v", from, err)
			continue
		}
		if pkt.Header.Kind != wire.KindInit {
			continue
		}

		req, err := wire.DecodeInitRequest(pkt.Payload)
		if err != nil {
			continue
		}

		negotiated := negotiate(req, r.cfg)
		connID := r.newConnID()
		replyPkt := wire.Packet{
			Header: wire.Header{Kind: wire.KindInit, ConnID: connID},
			Payload: wire.EncodeInitReply(wire.InitReply{
				NegotiatedPacketSize:   negotiated.packetSize,
				NegotiatedWindowSize:   negotiated.windowSize,
				NegotiatedChecksumSize: negotiated.checksumSize,
			}),
		}
		enc, err := wire.Encode(replyPkt, negotiated.checksumSize, negotiated.packetSize)
		if err != nil {
			return nil, fmt.Errorf("receiver: encode init reply: %w", err)
		}
		if _, err := r.sock.SendTo(enc, from); err != nil {
			return nil, fmt.Errorf("receiver: send init reply: %w", err)
		}
		if r.metrics != nil {
			r.metrics.PacketsSent.Inc()
		}

		return &session{
			connID:       connID,
			packetSize:   negotiated.packetSize,
			windowSize:   negotiated.windowSize,
			checksumSize: negotiated.checksumSize,
			peerAddr:     from,
			pending:      make(map[uint16][]byte),
			lastReply:    enc,
		}, nil
	}
}

// safeRetryPacketSize is offered to a sender whose INIT arrived too
// truncated even to read its checksum_size field; it comfortably fits under
// any real path's MTU without needing to know what the sender originally
// proposed.
const safeRetryPacketSize = 512

// sendTruncatedInitRetry answers an unreadably short INIT with a distinguished
// retry reply (spec.md §4.3 Listening, SPEC_FULL.md §2). conn_id stays 0:
// no connection has been negotiated yet.
func (r *Receiver) sendTruncatedInitRetry(to *net.UDPAddr) {
	replyPkt := wire.Packet{
		Header: wire.Header{Kind: wire.KindInit},
		Payload: wire.EncodeInitReply(wire.InitReply{
			NegotiatedPacketSize: safeRetryPacketSize,
			Retry:                true,
		}),
	}
	enc, err := wire.Encode(replyPkt, 0, 0)
	if err != nil {
		return
	}
	r.sock.SendTo(enc, to)
}

type negotiatedParams struct {
	packetSize   uint16
	windowSize   uint16
	checksumSize uint16
}

func negotiate(req wire.InitRequest, cfg Config) negotiatedParams {
	return negotiatedParams{
		packetSize:   minUint16(req.ProposedPacketSize, cfg.MaxPacketSize),
		windowSize:   minUint16(req.ProposedWindowSize, cfg.MaxWindowSize),
		checksumSize: maxUint16(req.ProposedChecksumSize, cfg.MinChecksumSize),
	}
}

func minUint16(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}

func maxUint16(a, b uint16) uint16 {
	if a > b {
		return a
	}
	return b
}

// newConnID picks a nonzero connection id; 0 is reserved for pre-handshake
// INIT packets (spec.md §3).
func (r *Receiver) newConnID() uint16 {
	return uint16(rand.Intn(65535)) + 1
}

// receiveLoop runs Receiving: buffer out-of-order DATA, deliver contiguous
// prefixes to sess.sink, ack cumulatively, and stop cleanly on END.
func (r *Receiver) receiveLoop(sess *session, buf []byte) error {
	for {
		n, from, err := r.sock.ReceiveFrom(buf, time.Now().Add(r.cfg.Timeout*time.Duration(r.cfg.MaxRetries)))
		if err != nil {
			if xudp.IsTimeout(err) {
				return &FailedError{Reason: "receiver timed out waiting for data"}
			}
			return fmt.Errorf("receiver: receive: %w", err)
		}
		if from.String() != sess.peerAddr.String() {
			continue
		}

		pkt, derr := wire.Decode(buf[:n], sess.checksumSize)
		if derr != nil {
			r.logf("dropping unreadable packet: %v", derr)
			if r.metrics != nil {
				r.metrics.PacketsDropped.WithLabelValues(decodeErrorReason(derr)).Inc()
			}
			continue
		}
		if pkt.Header.Kind == wire.KindInit {
			// Retransmitted INIT: it legitimately carries conn_id=0, not
			// sess.connID (spec.md §6); our reply must have been lost.
			r.sock.SendTo(sess.lastReply, from)
			continue
		}
		if pkt.Header.ConnID != sess.connID {
			// A conn_id that's neither 0 (INIT) nor ours: a protocol
			// error, not a transient drop (spec.md §4.3 Receiving).
			r.sendErr(sess)
			return &FailedError{Reason: fmt.Sprintf("conn_id mismatch: got %d, want %d", pkt.Header.ConnID, sess.connID)}
		}
		if r.metrics != nil {
			r.metrics.PacketsReceived.Inc()
		}

		switch pkt.Header.Kind {
		case wire.KindData:
			if err := r.acceptData(sess, pkt); err != nil {
				r.sendErr(sess)
				return err
			}
			r.sendAck(sess)
		case wire.KindEnd:
			return r.acceptEnd(sess, pkt)
		case wire.KindErr:
			return &FailedError{Reason: "received ERR from sender"}
		}
	}
}

func (r *Receiver) acceptData(sess *session, pkt wire.Packet) error {
	if len(pkt.Payload) == 0 {
		return nil // ack-only packet looped back, nothing to store
	}
	if !wire.SeqInWindow(pkt.Header.Seq, sess.expected, sess.windowSize) {
		// Outside the receive window: either a stale retransmit already
		// delivered, or a packet the sender shouldn't have sent yet.
		// Either way, drop it.
		return nil
	}
	sess.pending[pkt.Header.Seq] = pkt.Payload

	for {
		payload, ok := sess.pending[sess.expected]
		if !ok {
			break
		}
		if _, err := sess.sink.Write(payload); err != nil {
			return fmt.Errorf("receiver: write connection %d output: %w", sess.connID, err)
		}
		if r.metrics != nil {
			r.metrics.BytesTransferred.Add(float64(len(payload)))
		}
		delete(sess.pending, sess.expected)
		sess.expected++
	}
	return nil
}

func (r *Receiver) sendAck(sess *session) {
	ack := sess.expected - 1
	pkt := wire.Packet{Header: wire.Header{Kind: wire.KindData, ConnID: sess.connID, Ack: ack}}
	enc, err := wire.Encode(pkt, sess.checksumSize, sess.packetSize)
	if err != nil {
		return
	}
	if _, err := r.sock.SendTo(enc, sess.peerAddr); err == nil && r.metrics != nil {
		r.metrics.PacketsSent.Inc()
	}
}

func (r *Receiver) acceptEnd(sess *session, pkt wire.Packet) error {
	if pkt.Header.Seq != sess.expected {
		// Impossible sequence: a protocol error, not a transient drop.
		// ERR first, same as acceptData's failure path, then fail.
		r.sendErr(sess)
		return &FailedError{Reason: fmt.Sprintf("end announced seq %d but only %d contiguous packets received", pkt.Header.Seq, sess.expected)}
	}
	replyPkt := wire.Packet{Header: wire.Header{Kind: wire.KindEnd, ConnID: sess.connID}}
	enc, err := wire.Encode(replyPkt, sess.checksumSize, sess.packetSize)
	if err != nil {
		return fmt.Errorf("receiver: encode end reply: %w", err)
	}
	if _, err := r.sock.SendTo(enc, sess.peerAddr); err != nil {
		return fmt.Errorf("receiver: send end reply: %w", err)
	}
	return nil
}

func (r *Receiver) sendErr(sess *session) {
	pkt := wire.Packet{Header: wire.Header{Kind: wire.KindErr, ConnID: sess.connID}}
	enc, err := wire.Encode(pkt, sess.checksumSize, sess.packetSize)
	if err != nil {
		return
	}
	r.sock.SendTo(enc, sess.peerAddr)
}

func decodeErrorReason(err error) string {
	if wire.IsDecodeError(err, wire.ErrTooShort) {
		return "too_short"
	}
	if wire.IsDecodeError(err, wire.ErrBadChecksum) {
		return "bad_checksum"
	}
	if wire.IsDecodeError(err, wire.ErrUnknownKind) {
		return "unknown_kind"
	}
	return "other"
}
