// Package sender implements the sender half of the reliable-transfer
// protocol: handshake, windowed data transmission with per-packet timeout
// and retransmission, and graceful close (spec.md §4.2).
package sender

import (
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/mrcgq/udpxfer/internal/metrics"
	"github.com/mrcgq/udpxfer/internal/wire"
	"github.com/mrcgq/udpxfer/internal/xudp"
)

const recvBufferSize = 65535

type inFlightPacket struct {
	Payload    []byte
	SendTime   time.Time
	RetryCount int
}

// session is the sender's connection state (spec.md §3).
type session struct {
	connID       uint16
	packetSize   uint16
	windowSize   uint16
	checksumSize uint16
	peerAddr     *net.UDPAddr

	base       uint16
	nextSeq    uint16
	inFlight   map[uint16]*inFlightPacket
	eofReached bool
}

// Sender drives one file transfer over sock to a single receiver.
type Sender struct {
	cfg     Config
	sock    xudp.Socket
	logger  *log.Logger
	metrics *metrics.Transfer
	state   State
}

// New builds a Sender. logger receives verbose trace lines; pass
// log.New(io.Discard, "", 0) to silence them. m may be nil.
func New(cfg Config, sock xudp.Socket, logger *log.Logger, m *metrics.Transfer) *Sender {
	return &Sender{cfg: cfg, sock: sock, logger: logger, metrics: m, state: StateInit}
}

// State returns the sender's current state, useful for the CLI's exit code.
func (s *Sender) State() State {
	return s.state
}

// Run reads src to completion and transfers it to the negotiated receiver.
// It returns nil only after a full handshake, transfer and END exchange
// (StateDone); any other outcome is a non-nil error and s.State() is Failed.
func (s *Sender) Run(src io.Reader) error {
	sess, err := s.negotiate()
	if err != nil {
		s.state = StateFailed
		return err
	}
	s.state = StateNegotiated
	s.logf("connection %d established: packet_size=%d window_size=%d checksum_size=%d",
		sess.connID, sess.packetSize, sess.windowSize, sess.checksumSize)
	if s.metrics != nil {
		s.metrics.ActiveConnections.Inc()
		defer s.metrics.ActiveConnections.Dec()
	}

	s.state = StateTransferring
	if err := s.transfer(sess, src); err != nil {
		s.state = StateFailed
		return err
	}

	s.state = StateClosing
	if err := s.closeConnection(sess); err != nil {
		s.state = StateFailed
		return err
	}
	s.state = StateDone
	return nil
}

func (s *Sender) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// negotiate runs the Init state: propose parameters, retry on timeout or
// truncation, and return the negotiated session once the receiver confirms.
func (s *Sender) negotiate() (*session, error) {
	buf := make([]byte, recvBufferSize)
	proposed := wire.InitRequest{
		ProposedPacketSize:   s.cfg.ProposedPacketSize,
		ProposedWindowSize:   s.cfg.ProposedWindowSize,
		ProposedChecksumSize: s.cfg.ProposedChecksumSize,
	}

	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		s.logf("attempt %d to establish connection", attempt+1)

		pkt := wire.Packet{
			Header:  wire.Header{Kind: wire.KindInit, ConnID: 0},
			Payload: wire.EncodeInitRequest(proposed),
		}
		enc, err := wire.Encode(pkt, proposed.ProposedChecksumSize, proposed.ProposedPacketSize)
		if err != nil {
			return nil, fmt.Errorf("sender: encode init: %w", err)
		}
		if _, err := s.sock.SendTo(enc, s.cfg.PeerAddr); err != nil {
			return nil, fmt.Errorf("sender: send init: %w", err)
		}
		if s.metrics != nil {
			s.metrics.PacketsSent.Inc()
		}

		n, from, err := s.sock.ReceiveFrom(buf, time.Now().Add(s.cfg.Timeout))
		if err != nil {
			if xudp.IsTimeout(err) {
				continue
			}
			return nil, fmt.Errorf("sender: receive init reply: %w", err)
		}
		data := buf[:n]
		if s.metrics != nil {
			s.metrics.PacketsReceived.Inc()
		}

		checksumSize, err := wire.PeekInitChecksumSize(data)
		if err != nil {
			// Truncated before we could even learn the checksum size:
			// shrink and retry with what actually arrived.
			s.logf("init reply truncated (%db), retrying with smaller packet size", n)
			proposed.ProposedPacketSize = uint16(n)
			continue
		}
		reply, err := wire.Decode(data, checksumSize)
		if err != nil {
			s.logf("dropping unreadable init reply: %v", err)
			continue
		}
		if reply.Header.Kind != wire.KindInit {
			s.logf("dropping non-init packet during negotiation")
			continue
		}
		initReply, err := wire.DecodeInitReply(reply.Payload)
		if err != nil {
			continue
		}
		if initReply.Retry || reply.Header.ConnID == 0 {
			s.logf("receiver requested retry with packet_size=%d", initReply.NegotiatedPacketSize)
			proposed.ProposedPacketSize = initReply.NegotiatedPacketSize
			continue
		}

		return &session{
			connID:       reply.Header.ConnID,
			packetSize:   initReply.NegotiatedPacketSize,
			windowSize:   initReply.NegotiatedWindowSize,
			checksumSize: initReply.NegotiatedChecksumSize,
			peerAddr:     from,
			inFlight:     make(map[uint16]*inFlightPacket),
		}, nil
	}

	return nil, &FailedError{Reason: fmt.Sprintf("could not establish connection after %d attempts", s.cfg.MaxRetries)}
}

// transfer runs the Transferring state until src is exhausted and every
// in-flight packet has been acknowledged.
func (s *Sender) transfer(sess *session, src io.Reader) error {
	recvBuf := make([]byte, recvBufferSize)
	maxPayload := wire.MaxPayloadSize(sess.packetSize, sess.checksumSize)
	if maxPayload == 0 {
		return fmt.Errorf("sender: negotiated packet_size %d leaves no room for payload", sess.packetSize)
	}

	for {
		for !sess.eofReached && wire.SeqInWindow(sess.nextSeq, sess.base, sess.windowSize) {
			chunk := make([]byte, maxPayload)
			n, rerr := src.Read(chunk)
			if n > 0 {
				chunk = chunk[:n]
				if err := s.sendData(sess, sess.nextSeq, chunk); err != nil {
					return err
				}
				sess.inFlight[sess.nextSeq] = &inFlightPacket{Payload: chunk, SendTime: time.Now()}
				sess.nextSeq++
			}
			if rerr == io.EOF {
				sess.eofReached = true
				break
			}
			if rerr != nil {
				return fmt.Errorf("sender: read input file: %w", rerr)
			}
			if n == 0 {
				// A well-behaved io.Reader shouldn't return (0, nil), but
				// don't spin forever on one that does.
				break
			}
		}

		if sess.eofReached && len(sess.inFlight) == 0 {
			s.logf("all data sent")
			return nil
		}

		deadline := s.earliestDeadline(sess)
		n, _, err := s.sock.ReceiveFrom(recvBuf, deadline)
		if err != nil {
			if xudp.IsTimeout(err) {
				if err := s.retransmitExpired(sess); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("sender: receive: %w", err)
		}
		if s.metrics != nil {
			s.metrics.PacketsReceived.Inc()
		}

		pkt, derr := wire.Decode(recvBuf[:n], sess.checksumSize)
		if derr != nil {
			s.logf("dropping unreadable packet: %v", derr)
			if s.metrics != nil {
				s.metrics.PacketsDropped.WithLabelValues(decodeErrorReason(derr)).Inc()
			}
			continue
		}
		if pkt.Header.ConnID != sess.connID {
			s.logf("dropping packet with wrong connection id")
			if s.metrics != nil {
				s.metrics.PacketsDropped.WithLabelValues("wrong_conn_id").Inc()
			}
			continue
		}

		switch pkt.Header.Kind {
		case wire.KindData:
			if pkt.Header.Ack != wire.NoAck {
				s.acknowledge(sess, pkt.Header.Ack)
			}
		case wire.KindErr:
			s.replyErr(sess)
			return &FailedError{Reason: "received ERR from receiver"}
		default:
			s.logf("dropping unexpected %s packet during transfer", pkt.Header.Kind)
		}
	}
}

// earliestDeadline returns the earliest send_time+timeout among in-flight
// packets, or now+timeout if nothing is outstanding (window still filling).
func (s *Sender) earliestDeadline(sess *session) time.Time {
	deadline := time.Now().Add(s.cfg.Timeout)
	for _, pkt := range sess.inFlight {
		d := pkt.SendTime.Add(s.cfg.Timeout)
		if d.Before(deadline) {
			deadline = d
		}
	}
	return deadline
}

// retransmitExpired resends every in-flight packet whose deadline has
// passed and bumps its retry count, failing the connection if any packet's
// retry count exceeds max_retries.
func (s *Sender) retransmitExpired(sess *session) error {
	now := time.Now()
	for seq, pkt := range sess.inFlight {
		if pkt.SendTime.Add(s.cfg.Timeout).After(now) {
			continue
		}
		pkt.RetryCount++
		if pkt.RetryCount > s.cfg.MaxRetries {
			return &FailedError{Reason: fmt.Sprintf("packet %d exceeded max_retries (%d)", seq, s.cfg.MaxRetries)}
		}
		s.logf("retransmitting seq %d (retry %d)", seq, pkt.RetryCount)
		if err := s.sendData(sess, seq, pkt.Payload); err != nil {
			return err
		}
		pkt.SendTime = now
		if s.metrics != nil {
			s.metrics.Retransmits.Inc()
		}
	}
	return nil
}

// acknowledge advances base per the cumulative ack rule: any ack in
// [base-1, next_seq-1] (modular) advances base to ack+1; anything else,
// including a duplicate ack of base-1, is a no-op.
func (s *Sender) acknowledge(sess *session, ack uint16) {
	newBase := ack + 1
	if newBase != sess.base && !wire.SeqNewer(newBase, sess.base) {
		return
	}
	if wire.SeqNewer(newBase, sess.nextSeq) {
		return
	}
	for seq := sess.base; seq != newBase; seq++ {
		delete(sess.inFlight, seq)
	}
	sess.base = newBase
}

func (s *Sender) sendData(sess *session, seq uint16, payload []byte) error {
	pkt := wire.Packet{
		Header:  wire.Header{Kind: wire.KindData, ConnID: sess.connID, Seq: seq, Ack: wire.NoAck},
		Payload: payload,
	}
	enc, err := wire.Encode(pkt, sess.checksumSize, sess.packetSize)
	if err != nil {
		return fmt.Errorf("sender: encode data seq %d: %w", seq, err)
	}
	if _, err := s.sock.SendTo(enc, sess.peerAddr); err != nil {
		return fmt.Errorf("sender: send data seq %d: %w", seq, err)
	}
	if s.metrics != nil {
		s.metrics.PacketsSent.Inc()
		s.metrics.BytesTransferred.Add(float64(len(payload)))
	}
	return nil
}

func (s *Sender) replyErr(sess *session) {
	pkt := wire.Packet{Header: wire.Header{Kind: wire.KindErr, ConnID: sess.connID}}
	enc, err := wire.Encode(pkt, sess.checksumSize, sess.packetSize)
	if err != nil {
		return
	}
	s.sock.SendTo(enc, sess.peerAddr)
}

// closeConnection runs the Closing state: send END, retry on timeout, and
// finish once the receiver replies with END.
func (s *Sender) closeConnection(sess *session) error {
	buf := make([]byte, recvBufferSize)
	pkt := wire.Packet{Header: wire.Header{Kind: wire.KindEnd, ConnID: sess.connID, Seq: sess.nextSeq, Ack: sess.nextSeq}}
	enc, err := wire.Encode(pkt, sess.checksumSize, sess.packetSize)
	if err != nil {
		return fmt.Errorf("sender: encode end: %w", err)
	}

	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if _, err := s.sock.SendTo(enc, sess.peerAddr); err != nil {
			return fmt.Errorf("sender: send end: %w", err)
		}
		if attempt > 0 && s.metrics != nil {
			s.metrics.Retransmits.Inc()
		}
		s.logf("sent end packet")

		n, _, err := s.sock.ReceiveFrom(buf, time.Now().Add(s.cfg.Timeout))
		if err != nil {
			if xudp.IsTimeout(err) {
				continue
			}
			return fmt.Errorf("sender: receive during close: %w", err)
		}

		reply, derr := wire.Decode(buf[:n], sess.checksumSize)
		if derr != nil {
			continue
		}
		if reply.Header.ConnID != sess.connID {
			continue
		}
		switch reply.Header.Kind {
		case wire.KindEnd:
			s.logf("file receive confirmed")
			return nil
		case wire.KindErr:
			return &FailedError{Reason: "received ERR instead of end"}
		default:
			continue
		}
	}
	return &FailedError{Reason: "end handshake exceeded max_retries"}
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
