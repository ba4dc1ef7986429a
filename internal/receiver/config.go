package receiver

import (
	"fmt"
	"net"
	"time"
)

// Config holds the receiver's local knobs and the parameters it will
// negotiate to if a sender proposes something out of range (spec.md §6):
// --bind, --packet, --window, --timeout, --checksum, --repetition, -d.
// packet_size and window_size are capped by a maximum; checksum_size is
// raised to a minimum instead, per spec.md §4.3.
type Config struct {
	BindAddr *net.UDPAddr

	MaxPacketSize   uint16
	MaxWindowSize   uint16
	MinChecksumSize uint16

	Timeout    time.Duration
	MaxRetries int

	OutputDir string
	Verbose   bool
}

// Validate reports whether cfg's negotiated-parameter bounds and output
// directory are usable before the receiver starts listening.
func (c Config) Validate() error {
	if c.BindAddr == nil {
		return fmt.Errorf("receiver: bind address is required")
	}
	if c.MaxWindowSize == 0 {
		return fmt.Errorf("receiver: window size must be at least 1")
	}
	if c.MinChecksumSize > 64 {
		return fmt.Errorf("receiver: checksum size must be at most 64")
	}
	minPacket := 9 + 7 + 64 // header + INIT reply payload + largest possible checksum
	if int(c.MaxPacketSize) < minPacket {
		return fmt.Errorf("receiver: packet size %d too small for header+INIT reply+checksum (need at least %d)", c.MaxPacketSize, minPacket)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("receiver: timeout must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("receiver: repetition (max retries) must be positive")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("receiver: output directory is required")
	}
	return nil
}
