package domain

// LoaderEvent names a loader-level lifecycle event observable by the player
// layer and the peer-swarm redistribution path.
type LoaderEvent string

const (
	EventSegmentLoaded LoaderEvent = "segment-loaded"
	EventSegmentError  LoaderEvent = "segment-error"
	EventSegmentAbort  LoaderEvent = "segment-abort"
)
