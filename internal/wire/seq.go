package wire

// SeqNewer reports whether a is strictly newer than b in the modulo-2^16
// sequence space, using the half-space rule: a is newer if the forward
// distance from b to a is at most 32767.
func SeqNewer(a, b uint16) bool {
	return int16(a-b) > 0
}

// SeqLE reports whether a is b or older (not newer).
func SeqLE(a, b uint16) bool {
	return !SeqNewer(a, b)
}

// SeqInWindow reports whether seq lies in [start, start+size) modulo 2^16.
func SeqInWindow(seq, start, size uint16) bool {
	return uint16(seq-start) < size
}
