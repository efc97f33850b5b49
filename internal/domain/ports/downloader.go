package ports

import (
	"context"

	"hybridstream/internal/domain"
)

// SegmentDownloader is the capability contract shared by both transports
// (direct HTTP and peer swarm). Download initiates asynchronously and
// returns immediately; completion or failure is reported through the
// adapter's SegmentEvents. Abort is idempotent and releases the transport's
// concurrency slot synchronously.
type SegmentDownloader interface {
	// Download starts fetching the segment. partial optionally carries
	// previously received byte chunks, in original order, for resumption;
	// it is ignored when the segment carries an explicit byte range.
	Download(seg *domain.Segment, partial [][]byte) error
	// Abort cancels any in-flight request for the segment. Aborting a
	// finished or unknown segment is a no-op.
	Abort(id domain.SegmentID)
	// UpdatePriority informs the adapter that the segment's priority
	// changed while in flight. Returns domain.ErrNotDownloading if the
	// segment has no in-flight request.
	UpdatePriority(seg *domain.Segment) error
	IsDownloading(id domain.SegmentID) bool
	IsFailed(id domain.SegmentID) bool
	ActiveDownloads() []domain.SegmentID
	// Destroy aborts every in-flight request and clears state. No events
	// are delivered afterwards.
	Destroy()
}

// PeerCounter is implemented by transports that know how many peers are
// currently connected; the loader consults it for the probability gate.
type PeerCounter interface {
	PeersConnected() int
}

// SegmentEvents carries the lifecycle handlers an adapter reports through.
// Unset handlers default to no-ops.
type SegmentEvents struct {
	StartLoadHandler       func(id domain.SegmentID)
	SizeHandler            func(id domain.SegmentID, size int64)
	BytesDownloadedHandler func(id domain.SegmentID, n int)
	LoadedHandler          func(seg *domain.Segment, payload []byte, responseURL string)
	ErrorHandler           func(seg *domain.Segment, err error)
}

// SetDefaults fills unset handlers with no-ops so adapters can call them
// unconditionally.
func (e *SegmentEvents) SetDefaults() {
	if e.StartLoadHandler == nil {
		e.StartLoadHandler = func(domain.SegmentID) {}
	}
	if e.SizeHandler == nil {
		e.SizeHandler = func(domain.SegmentID, int64) {}
	}
	if e.BytesDownloadedHandler == nil {
		e.BytesDownloadedHandler = func(domain.SegmentID, int) {}
	}
	if e.LoadedHandler == nil {
		e.LoadedHandler = func(*domain.Segment, []byte, string) {}
	}
	if e.ErrorHandler == nil {
		e.ErrorHandler = func(*domain.Segment, error) {}
	}
}

// SegmentValidator inspects a fully assembled payload before the transport's
// delivery is treated as final. A nil validator accepts everything.
// Rejection is handled exactly like a transport failure.
type SegmentValidator func(ctx context.Context, seg *domain.Segment, payload []byte) error

// SegmentURLBuilder optionally rewrites a segment's request URL (e.g. for
// CDN selection). A nil builder means the literal manifest URL is used.
type SegmentURLBuilder func(seg *domain.Segment) string
