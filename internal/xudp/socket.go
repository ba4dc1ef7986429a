// Package xudp adapts a plain UDP socket to the blocking, deadline-driven
// datagram interface the protocol core needs: send-to, receive-from with an
// absolute deadline. It is the only place net.UDPConn is touched.
package xudp

import (
	"fmt"
	"net"
	"time"
)

// Socket is the datagram abstraction the sender, receiver and broker consume.
// The sender and receiver each use their Socket from a single loop; the
// broker receives on a Socket in one goroutine while its delay-queue
// dispatcher sends on the same Socket from another.
type Socket interface {
	// SendTo writes b as a single datagram to addr.
	SendTo(b []byte, addr *net.UDPAddr) (int, error)
	// ReceiveFrom blocks until a datagram arrives, deadline elapses, or the
	// socket is closed. deadline is absolute, matching the "receive with an
	// absolute deadline" contract the sender/receiver loops depend on for
	// computing per-packet timeouts.
	ReceiveFrom(b []byte, deadline time.Time) (int, *net.UDPAddr, error)
	LocalAddr() *net.UDPAddr
	Close() error
}

// UDPSocket is the production Socket backed by a real net.UDPConn.
type UDPSocket struct {
	conn *net.UDPConn
}

// Bind opens a UDP socket listening on addr.
func Bind(addr *net.UDPAddr) (*UDPSocket, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("xudp: bind %s: %w", addr, err)
	}
	return &UDPSocket{conn: conn}, nil
}

func (s *UDPSocket) SendTo(b []byte, addr *net.UDPAddr) (int, error) {
	return s.conn.WriteToUDP(b, addr)
}

func (s *UDPSocket) ReceiveFrom(b []byte, deadline time.Time) (int, *net.UDPAddr, error) {
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return 0, nil, fmt.Errorf("xudp: set read deadline: %w", err)
	}
	n, addr, err := s.conn.ReadFromUDP(b)
	return n, addr, err
}

func (s *UDPSocket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *UDPSocket) Close() error {
	return s.conn.Close()
}

// IsTimeout reports whether err is a deadline-exceeded error from a
// ReceiveFrom call — the normal, expected way a blocking receive ends when
// nothing arrived before the next retransmit is due.
func IsTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
