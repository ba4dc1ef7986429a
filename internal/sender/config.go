package sender

import (
	"fmt"
	"net"
	"time"
)

// Config holds the negotiated-parameter proposals and local knobs the
// sender's CLI surface exposes (spec.md §6): --bind, --addr, --packet,
// --window, --timeout, --checksum, --repetition, -f.
type Config struct {
	BindAddr *net.UDPAddr
	PeerAddr *net.UDPAddr

	ProposedPacketSize   uint16
	ProposedWindowSize   uint16
	ProposedChecksumSize uint16

	Timeout    time.Duration
	MaxRetries int

	Verbose bool
}

// Validate reports whether cfg's negotiated-parameter proposals are usable
// before a connection is even attempted.
func (c Config) Validate() error {
	if c.BindAddr == nil {
		return fmt.Errorf("sender: bind address is required")
	}
	if c.PeerAddr == nil {
		return fmt.Errorf("sender: peer address is required")
	}
	if c.ProposedWindowSize == 0 {
		return fmt.Errorf("sender: window size must be at least 1")
	}
	if c.ProposedChecksumSize > 64 {
		return fmt.Errorf("sender: checksum size must be at most 64")
	}
	minPacket := 9 + 6 + int(c.ProposedChecksumSize) // header + INIT payload + checksum
	if int(c.ProposedPacketSize) < minPacket {
		return fmt.Errorf("sender: packet size %d too small for header+INIT payload+checksum (need at least %d)", c.ProposedPacketSize, minPacket)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("sender: timeout must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("sender: repetition (max retries) must be positive")
	}
	return nil
}
