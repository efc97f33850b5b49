package domain

// Priority is the integer urgency of a segment relative to the current
// playback position. 0 is the next segment required for playback; larger
// values are further from the playhead.
type Priority int

// PriorityNone marks a segment that is outside the playback window and must
// not be requested from any transport.
const PriorityNone Priority = -1

// Defined reports whether the segment is currently needed at all.
func (p Priority) Defined() bool {
	return p >= 0
}
