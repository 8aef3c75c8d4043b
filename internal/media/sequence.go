package media

// SequenceTracker counts received and lost RTP packets across 16-bit
// sequence rollover.
type SequenceTracker struct {
	initialized bool
	lastSeq     uint16
	cycles      uint32
	lost        uint64
	received    uint64
}

// Update records seq and returns the extended sequence number and the gap
// since the previous packet.
func (s *SequenceTracker) Update(seq uint16) (extended uint32, lost int) {
	s.received++
	if !s.initialized {
		s.initialized = true
		s.lastSeq = seq
		return uint32(seq), 0
	}

	// Forward distance interpreted as signed; negative is reordering.
	diff := int16(seq - s.lastSeq)
	if diff > 1 {
		lost = int(diff) - 1
		s.lost += uint64(lost)
	}
	if diff <= 0 {
		return (s.cycles << 16) | uint32(seq), 0
	}
	if seq < s.lastSeq {
		s.cycles++
	}
	s.lastSeq = seq
	return (s.cycles << 16) | uint32(seq), lost
}

// Stats returns cumulative counts.
func (s *SequenceTracker) Stats() (received, lost uint64) {
	return s.received, s.lost
}
