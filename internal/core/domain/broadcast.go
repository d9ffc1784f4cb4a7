package domain

// BroadcastState tracks the relay path's per-session activation state.
// Announced flips true on the first chunk send so the start announcement is
// emitted exactly once per activation; Stop resets both fields.
type BroadcastState struct {
	Announced bool
	Sequence  uint64
}

// Reset returns the state to how a fresh activation expects to find it.
func (s *BroadcastState) Reset() {
	s.Announced = false
	s.Sequence = 0
}

// NextSequence advances and returns the chunk sequence counter.
func (s *BroadcastState) NextSequence() uint64 {
	s.Sequence++
	return s.Sequence
}
