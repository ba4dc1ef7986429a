package xudp

import (
	"errors"
	"net"
	"sync"
	"time"
)

// ErrClosed is returned by MemSocket once it has been closed.
var ErrClosed = errors.New("xudp: socket closed")

type memDatagram struct {
	from *net.UDPAddr
	data []byte
}

// MemSocket is an in-process Socket used by tests to exercise the sender,
// receiver and broker state machines without touching a real network
// interface. Datagrams sent to an address registered with the same
// *MemMedium are delivered through an internal channel; anything else is
// silently dropped, mimicking an unreachable peer.
type MemSocket struct {
	addr   *net.UDPAddr
	medium *MemMedium
	inbox  chan memDatagram

	mu     sync.Mutex
	closed bool
}

// MemMedium is a shared in-memory network that MemSockets register on by
// address, analogous to a loopback interface.
type MemMedium struct {
	mu   sync.Mutex
	subs map[string]*MemSocket
}

// NewMemMedium creates an empty in-memory network.
func NewMemMedium() *MemMedium {
	return &MemMedium{subs: make(map[string]*MemSocket)}
}

// Socket registers and returns a new socket bound to addr on this medium.
func (m *MemMedium) Socket(addr *net.UDPAddr) *MemSocket {
	s := &MemSocket{
		addr:   addr,
		medium: m,
		inbox:  make(chan memDatagram, 256),
	}
	m.mu.Lock()
	m.subs[addr.String()] = s
	m.mu.Unlock()
	return s
}

func (s *MemSocket) SendTo(b []byte, addr *net.UDPAddr) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	s.mu.Unlock()

	cp := make([]byte, len(b))
	copy(cp, b)

	s.medium.mu.Lock()
	dst, ok := s.medium.subs[addr.String()]
	s.medium.mu.Unlock()
	if !ok {
		// Unreachable peer: behaves like a datagram vanishing, which the
		// protocol must already tolerate.
		return len(b), nil
	}

	select {
	case dst.inbox <- memDatagram{from: s.addr, data: cp}:
	default:
		// Full inbox: drop, same as a kernel socket buffer overrun would.
	}
	return len(b), nil
}

func (s *MemSocket) ReceiveFrom(b []byte, deadline time.Time) (int, *net.UDPAddr, error) {
	var timer *time.Timer
	var after <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, timeoutError{}
		}
		timer = time.NewTimer(d)
		after = timer.C
		defer timer.Stop()
	}

	select {
	case dg := <-s.inbox:
		n := copy(b, dg.data)
		return n, dg.from, nil
	case <-after:
		return 0, nil, timeoutError{}
	}
}

func (s *MemSocket) LocalAddr() *net.UDPAddr {
	return s.addr
}

// Close marks the socket closed so that later SendTo calls fail with
// ErrClosed. It does not wake a ReceiveFrom that is already waiting: that
// call returns only when a datagram arrives or its deadline passes.
func (s *MemSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "xudp: i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
