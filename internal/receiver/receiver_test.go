package receiver

import (
	"bytes"
	"io"
	"log"
	"net"
	"testing"
	"time"

	"github.com/mrcgq/udpxfer/internal/wire"
	"github.com/mrcgq/udpxfer/internal/xudp"
)

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		t.Fatalf("resolve %q: %v", s, err)
	}
	return addr
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func baseConfig(t *testing.T, bind *net.UDPAddr) Config {
	return Config{
		BindAddr:        bind,
		MaxPacketSize:   128,
		MaxWindowSize:   8,
		MinChecksumSize: 4,
		Timeout:         200 * time.Millisecond,
		MaxRetries:      5,
		OutputDir:       "/tmp",
	}
}

// fakeSender drives the wire protocol from the sender side, chunking
// payload into DATA packets and honoring the negotiated window and acks.
type fakeSender struct {
	sock     xudp.Socket
	peerAddr *net.UDPAddr
}

func (s *fakeSender) run(t *testing.T, payload []byte, checksumSize, windowSize, packetSize uint16, skipSeq map[uint16]bool) {
	t.Helper()
	buf := make([]byte, 65535)

	initPkt := wire.Packet{
		Header:  wire.Header{Kind: wire.KindInit},
		Payload: wire.EncodeInitRequest(wire.InitRequest{ProposedPacketSize: packetSize, ProposedWindowSize: windowSize, ProposedChecksumSize: checksumSize}),
	}
	enc, err := wire.Encode(initPkt, checksumSize, packetSize)
	if err != nil {
		t.Fatalf("fake sender: encode init: %v", err)
	}
	if _, err := s.sock.SendTo(enc, s.peerAddr); err != nil {
		t.Fatalf("fake sender: send init: %v", err)
	}

	n, _, err := s.sock.ReceiveFrom(buf, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("fake sender: receive init reply: %v", err)
	}
	reply, err := wire.Decode(buf[:n], checksumSize)
	if err != nil || reply.Header.Kind != wire.KindInit {
		t.Fatalf("fake sender: bad init reply: %v", err)
	}
	connID := reply.Header.ConnID
	initReply, err := wire.DecodeInitReply(reply.Payload)
	if err != nil {
		t.Fatalf("fake sender: decode init reply: %v", err)
	}

	maxPayload := wire.MaxPayloadSize(initReply.NegotiatedPacketSize, initReply.NegotiatedChecksumSize)
	var seq uint16
	for len(payload) > 0 {
		chunkLen := maxPayload
		if chunkLen > len(payload) {
			chunkLen = len(payload)
		}
		chunk := payload[:chunkLen]
		payload = payload[chunkLen:]

		if !skipSeq[seq] {
			dataPkt := wire.Packet{Header: wire.Header{Kind: wire.KindData, ConnID: connID, Seq: seq, Ack: wire.NoAck}, Payload: chunk}
			enc, err := wire.Encode(dataPkt, initReply.NegotiatedChecksumSize, initReply.NegotiatedPacketSize)
			if err != nil {
				t.Fatalf("fake sender: encode data: %v", err)
			}
			if _, err := s.sock.SendTo(enc, s.peerAddr); err != nil {
				t.Fatalf("fake sender: send data: %v", err)
			}
			n, _, err := s.sock.ReceiveFrom(buf, time.Now().Add(2*time.Second))
			if err != nil {
				t.Fatalf("fake sender: receive ack: %v", err)
			}
			_ = n
		} else {
			delete(skipSeq, seq)
			// Simulate the sender noticing no ack came and retransmitting:
			// send the same seq twice, draining an ack for each so nothing
			// is left in flight for the next iteration to trip over.
			dataPkt := wire.Packet{Header: wire.Header{Kind: wire.KindData, ConnID: connID, Seq: seq, Ack: wire.NoAck}, Payload: chunk}
			enc, err := wire.Encode(dataPkt, initReply.NegotiatedChecksumSize, initReply.NegotiatedPacketSize)
			if err != nil {
				t.Fatalf("fake sender: encode data: %v", err)
			}
			for i := 0; i < 2; i++ {
				if _, err := s.sock.SendTo(enc, s.peerAddr); err != nil {
					t.Fatalf("fake sender: send data: %v", err)
				}
				if _, _, err := s.sock.ReceiveFrom(buf, time.Now().Add(2*time.Second)); err != nil {
					t.Fatalf("fake sender: receive ack: %v", err)
				}
			}
		}
		seq++
	}

	endPkt := wire.Packet{Header: wire.Header{Kind: wire.KindEnd, ConnID: connID, Seq: seq, Ack: seq}}
	enc, err = wire.Encode(endPkt, initReply.NegotiatedChecksumSize, initReply.NegotiatedPacketSize)
	if err != nil {
		t.Fatalf("fake sender: encode end: %v", err)
	}
	if _, err := s.sock.SendTo(enc, s.peerAddr); err != nil {
		t.Fatalf("fake sender: send end: %v", err)
	}
	n, _, err = s.sock.ReceiveFrom(buf, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("fake sender: receive end reply: %v", err)
	}
	endReply, err := wire.Decode(buf[:n], initReply.NegotiatedChecksumSize)
	if err != nil || endReply.Header.Kind != wire.KindEnd {
		t.Fatalf("fake sender: bad end reply: %v", err)
	}
}

func TestReceiverAcceptsFullTransfer(t *testing.T) {
	medium := xudp.NewMemMedium()
	receiverAddr := udpAddr(t, "10.0.1.1:9000")
	senderAddr := udpAddr(t, "10.0.1.2:9000")

	receiverSock := medium.Socket(receiverAddr)
	senderSock := medium.Socket(senderAddr)

	storage := newMemStorage()
	cfg := baseConfig(t, receiverAddr)
	r := New(cfg, receiverSock, storage, discardLogger(), nil)

	payload := bytes.Repeat([]byte("no play makes jack a dull boy "), 15)
	fs := &fakeSender{sock: senderSock, peerAddr: receiverAddr}

	done := make(chan struct{})
	var connID uint16
	go func() {
		fs.run(t, payload, 4, 4, 64, map[uint16]bool{})
		close(done)
	}()

	if err := r.Run(); err != nil {
		t.Fatalf("receiver.Run: %v", err)
	}
	if r.State() != StateDone {
		t.Fatalf("state = %v, want Done", r.State())
	}

	<-done

	for id := range storage.buffers {
		connID = id
	}
	if got := storage.contents(connID); !bytes.Equal(got, payload) {
		t.Fatalf("received %d bytes, want %d bytes matching payload", len(got), len(payload))
	}
	if !storage.finalized[connID] {
		t.Fatalf("connection %d was never finalized", connID)
	}
}

func TestReceiverToleratesRetransmittedPacket(t *testing.T) {
	medium := xudp.NewMemMedium()
	receiverAddr := udpAddr(t, "10.0.1.1:9001")
	senderAddr := udpAddr(t, "10.0.1.2:9001")

	receiverSock := medium.Socket(receiverAddr)
	senderSock := medium.Socket(senderAddr)

	storage := newMemStorage()
	cfg := baseConfig(t, receiverAddr)
	r := New(cfg, receiverSock, storage, discardLogger(), nil)

	payload := []byte("data that spans more than a single packet across the window")
	fs := &fakeSender{sock: senderSock, peerAddr: receiverAddr}

	done := make(chan struct{})
	go func() {
		fs.run(t, payload, 4, 4, 32, map[uint16]bool{1: true})
		close(done)
	}()

	if err := r.Run(); err != nil {
		t.Fatalf("receiver.Run: %v", err)
	}
	<-done

	var connID uint16
	for id := range storage.buffers {
		connID = id
	}
	if got := storage.contents(connID); !bytes.Equal(got, payload) {
		t.Fatalf("received %q, want %q", got, payload)
	}
}

func TestReceiverResendsInitReplyOnDuplicateInit(t *testing.T) {
	medium := xudp.NewMemMedium()
	receiverAddr := udpAddr(t, "10.0.1.1:9010")
	senderAddr := udpAddr(t, "10.0.1.2:9010")

	receiverSock := medium.Socket(receiverAddr)
	senderSock := medium.Socket(senderAddr)

	storage := newMemStorage()
	cfg := baseConfig(t, receiverAddr)
	r := New(cfg, receiverSock, storage, discardLogger(), nil)

	done := make(chan error, 1)
	go func() { done <- r.Run() }()

	buf := make([]byte, 65535)
	checksumSize, windowSize, packetSize := uint16(4), uint16(4), uint16(64)

	initPkt := wire.Packet{
		Header:  wire.Header{Kind: wire.KindInit},
		Payload: wire.EncodeInitRequest(wire.InitRequest{ProposedPacketSize: packetSize, ProposedWindowSize: windowSize, ProposedChecksumSize: checksumSize}),
	}
	enc, err := wire.Encode(initPkt, checksumSize, packetSize)
	if err != nil {
		t.Fatalf("encode init: %v", err)
	}
	if _, err := senderSock.SendTo(enc, receiverAddr); err != nil {
		t.Fatalf("send init: %v", err)
	}
	n, _, err := senderSock.ReceiveFrom(buf, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("receive init reply: %v", err)
	}
	firstReply := append([]byte(nil), buf[:n]...)

	// Retransmit the identical INIT (conn_id=0). The receiver has already
	// moved past Listening into Receiving by now; it must still answer
	// with the exact cached reply instead of silently dropping it.
	if _, err := senderSock.SendTo(enc, receiverAddr); err != nil {
		t.Fatalf("resend init: %v", err)
	}
	n, _, err = senderSock.ReceiveFrom(buf, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("receive resent init reply: %v", err)
	}
	if !bytes.Equal(buf[:n], firstReply) {
		t.Fatalf("resent init reply = %q, want identical to first reply %q", buf[:n], firstReply)
	}

	reply, err := wire.Decode(firstReply, checksumSize)
	if err != nil {
		t.Fatalf("decode init reply: %v", err)
	}
	connID := reply.Header.ConnID

	endPkt := wire.Packet{Header: wire.Header{Kind: wire.KindEnd, ConnID: connID}}
	endEnc, err := wire.Encode(endPkt, checksumSize, packetSize)
	if err != nil {
		t.Fatalf("encode end: %v", err)
	}
	if _, err := senderSock.SendTo(endEnc, receiverAddr); err != nil {
		t.Fatalf("send end: %v", err)
	}
	if _, _, err := senderSock.ReceiveFrom(buf, time.Now().Add(2*time.Second)); err != nil {
		t.Fatalf("receive end reply: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("receiver.Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("receiver.Run did not return")
	}
}

func TestReceiverFailsOnConnIDMismatchDuringReceiving(t *testing.T) {
	medium := xudp.NewMemMedium()
	receiverAddr := udpAddr(t, "10.0.1.1:9011")
	senderAddr := udpAddr(t, "10.0.1.2:9011")

	receiverSock := medium.Socket(receiverAddr)
	senderSock := medium.Socket(senderAddr)

	storage := newMemStorage()
	cfg := baseConfig(t, receiverAddr)
	r := New(cfg, receiverSock, storage, discardLogger(), nil)

	done := make(chan error, 1)
	go func() { done <- r.Run() }()

	buf := make([]byte, 65535)
	checksumSize, windowSize, packetSize := uint16(4), uint16(4), uint16(64)

	initPkt := wire.Packet{
		Header:  wire.Header{Kind: wire.KindInit},
		Payload: wire.EncodeInitRequest(wire.InitRequest{ProposedPacketSize: packetSize, ProposedWindowSize: windowSize, ProposedChecksumSize: checksumSize}),
	}
	enc, err := wire.Encode(initPkt, checksumSize, packetSize)
	if err != nil {
		t.Fatalf("encode init: %v", err)
	}
	if _, err := senderSock.SendTo(enc, receiverAddr); err != nil {
		t.Fatalf("send init: %v", err)
	}
	n, _, err := senderSock.ReceiveFrom(buf, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("receive init reply: %v", err)
	}
	reply, err := wire.Decode(buf[:n], checksumSize)
	if err != nil {
		t.Fatalf("decode init reply: %v", err)
	}
	connID := reply.Header.ConnID

	badPkt := wire.Packet{Header: wire.Header{Kind: wire.KindData, ConnID: connID + 1, Seq: 0, Ack: wire.NoAck}, Payload: []byte("x")}
	badEnc, err := wire.Encode(badPkt, checksumSize, packetSize)
	if err != nil {
		t.Fatalf("encode data: %v", err)
	}
	if _, err := senderSock.SendTo(badEnc, receiverAddr); err != nil {
		t.Fatalf("send data: %v", err)
	}

	n, _, err = senderSock.ReceiveFrom(buf, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("receive err reply: %v", err)
	}
	errReply, err := wire.Decode(buf[:n], checksumSize)
	if err != nil || errReply.Header.Kind != wire.KindErr {
		t.Fatalf("expected ERR reply, got %+v (err %v)", errReply, err)
	}

	select {
	case err := <-done:
		if _, ok := err.(*FailedError); !ok {
			t.Fatalf("receiver.Run error = %v, want *FailedError", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("receiver.Run did not return")
	}
	if r.State() != StateFailed {
		t.Fatalf("state = %v, want Failed", r.State())
	}
}

func TestReceiverRepliesRetryToTruncatedInit(t *testing.T) {
	medium := xudp.NewMemMedium()
	receiverAddr := udpAddr(t, "10.0.1.1:9012")
	senderAddr := udpAddr(t, "10.0.1.2:9012")

	receiverSock := medium.Socket(receiverAddr)
	senderSock := medium.Socket(senderAddr)

	storage := newMemStorage()
	cfg := baseConfig(t, receiverAddr)
	r := New(cfg, receiverSock, storage, discardLogger(), nil)

	done := make(chan error, 1)
	go func() { done <- r.Run() }()

	// Too short to carry even an INIT's fixed 6-byte payload after the
	// 9-byte header.
	truncated := []byte{byte(wire.KindInit), 0, 0, 0, 0, 0, 0, 0, 0, 1, 2}
	if _, err := senderSock.SendTo(truncated, receiverAddr); err != nil {
		t.Fatalf("send truncated init: %v", err)
	}

	buf := make([]byte, 65535)
	n, _, err := senderSock.ReceiveFrom(buf, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("receive retry reply: %v", err)
	}
	reply, err := wire.Decode(buf[:n], 0)
	if err != nil || reply.Header.Kind != wire.KindInit {
		t.Fatalf("expected init retry reply, got %+v (err %v)", reply, err)
	}
	initReply, err := wire.DecodeInitReply(reply.Payload)
	if err != nil {
		t.Fatalf("decode init reply: %v", err)
	}
	if !initReply.Retry {
		t.Fatal("expected Retry=true")
	}
	if initReply.NegotiatedPacketSize != safeRetryPacketSize {
		t.Fatalf("negotiated packet size = %d, want %d", initReply.NegotiatedPacketSize, safeRetryPacketSize)
	}

	select {
	case err := <-done:
		if _, ok := err.(*FailedError); !ok {
			t.Fatalf("receiver.Run error = %v, want *FailedError (listen timeout)", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("receiver.Run did not return")
	}
}

func TestReceiverFailsWithNoSender(t *testing.T) {
	medium := xudp.NewMemMedium()
	receiverAddr := udpAddr(t, "10.0.1.1:9002")
	receiverSock := medium.Socket(receiverAddr)

	storage := newMemStorage()
	cfg := baseConfig(t, receiverAddr)
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxRetries = 1
	r := New(cfg, receiverSock, storage, discardLogger(), nil)

	err := r.Run()
	if err == nil {
		t.Fatal("expected error when no sender connects")
	}
	if _, ok := err.(*FailedError); !ok {
		t.Fatalf("error = %T, want *FailedError", err)
	}
	if r.State() != StateFailed {
		t.Fatalf("state = %v, want Failed", r.State())
	}
}

func TestConfigValidate(t *testing.T) {
	valid := baseConfig(t, udpAddr(t, "127.0.0.1:0"))
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(c Config) Config
	}{
		{"nil bind", func(c Config) Config { c.BindAddr = nil; return c }},
		{"zero window", func(c Config) Config { c.MaxWindowSize = 0; return c }},
		{"checksum too big", func(c Config) Config { c.MinChecksumSize = 65; return c }},
		{"packet too small", func(c Config) Config { c.MaxPacketSize = 4; return c }},
		{"zero timeout", func(c Config) Config { c.Timeout = 0; return c }},
		{"zero retries", func(c Config) Config { c.MaxRetries = 0; return c }},
		{"empty output dir", func(c Config) Config { c.OutputDir = ""; return c }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.mutate(valid).Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestNegotiate(t *testing.T) {
	cfg := Config{MaxPacketSize: 1000, MaxWindowSize: 16, MinChecksumSize: 8}

	// packet_size and window_size are ceilings: a proposal above the max
	// is capped down.
	got := negotiate(wire.InitRequest{ProposedPacketSize: 2000, ProposedWindowSize: 64, ProposedChecksumSize: 8}, cfg)
	if got.packetSize != 1000 || got.windowSize != 16 {
		t.Fatalf("got %+v, want packet/window capped to the configured max", got)
	}

	// checksum_size is a floor: a proposal below the min is raised up.
	got = negotiate(wire.InitRequest{ProposedPacketSize: 500, ProposedWindowSize: 4, ProposedChecksumSize: 0}, cfg)
	if got.checksumSize != 8 {
		t.Fatalf("checksumSize = %d, want raised to the configured min 8", got.checksumSize)
	}

	// a proposal above the checksum floor passes through unchanged.
	got = negotiate(wire.InitRequest{ProposedPacketSize: 500, ProposedWindowSize: 4, ProposedChecksumSize: 32}, cfg)
	if got.checksumSize != 32 {
		t.Fatalf("checksumSize = %d, want unchanged proposal 32", got.checksumSize)
	}
}
