package domain

import (
	"fmt"
	"time"
)

// SegmentID uniquely identifies a segment. It is derived from the manifest
// URL plus the byte range, not the URL alone, so that two partial ranges of
// the same asset never collide.
type SegmentID string

// ByteRange describes a byte sub-range of an asset.
type ByteRange struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// MakeSegmentID derives the stable identity for a segment.
func MakeSegmentID(url string, r *ByteRange) SegmentID {
	if r == nil {
		return SegmentID(url)
	}
	return SegmentID(fmt.Sprintf("%s|%d-%d", url, r.Offset, r.Offset+r.Length-1))
}

// Segment is one addressable, independently fetchable chunk of a media
// stream. Priority is recomputed by the loader whenever playback position
// changes; PriorityNone means the segment is not currently needed.
type Segment struct {
	ID          SegmentID  `json:"id"`
	URL         string     `json:"url"`
	RequestURL  string     `json:"requestUrl,omitempty"` // rewritten URL, empty = literal
	Range       *ByteRange `json:"range,omitempty"`
	StartTime   float64    `json:"startTime"`
	Duration    float64    `json:"duration"`
	Priority    Priority   `json:"priority"`
	Data        []byte     `json:"-"`
	ResponseURL string     `json:"responseUrl,omitempty"`
}

// Copy returns a shallow copy suitable for handing to an adapter; the loader
// keeps ownership of the original.
func (s *Segment) Copy() *Segment {
	cp := *s
	return &cp
}

// SwarmID identifies the peer swarm a stream's segments are exchanged in.
type SwarmID string

// LoaderStats is a point-in-time snapshot of loader and transport activity,
// published periodically over the event hub.
type LoaderStats struct {
	QueuedSegments  int       `json:"queuedSegments"`
	CachedSegments  int       `json:"cachedSegments"`
	HTTPDownloads   int       `json:"httpDownloads"`
	P2PDownloads    int       `json:"p2pDownloads"`
	PeersConnected  int       `json:"peersConnected"`
	PlayheadSeconds float64   `json:"playheadSeconds"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// PlaybackPosition records the last known playhead for a stream, persisted
// so a client can resume where it left off.
type PlaybackPosition struct {
	SwarmID     SwarmID   `json:"swarmId"`
	TimeSeconds float64   `json:"timeSeconds"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
