package loader

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"hybridstream/internal/cache"
	"hybridstream/internal/domain"
	"hybridstream/internal/domain/ports"
	"hybridstream/internal/metrics"
)

type Config struct {
	// RequiredSegmentsPriority is the top of the mandatory window:
	// segments at or below it must always have an active download.
	RequiredSegmentsPriority domain.Priority
	// HTTPDownloadMaxPriority is the top of the direct-transport window.
	HTTPDownloadMaxPriority domain.Priority
	// P2PDownloadMaxPriority is the top of the peer-swarm window.
	P2PDownloadMaxPriority domain.Priority

	// HTTPDownloadProbability is the per-tick chance a segment in the
	// direct window is fetched directly, spreading load across viewers.
	HTTPDownloadProbability float64
	// HTTPDownloadProbabilityInterval is the probability timer period.
	HTTPDownloadProbabilityInterval time.Duration
	// HTTPDownloadProbabilitySkipIfNoPeers suppresses the dice roll while
	// no peers are connected (mandatory downloads still go through).
	HTTPDownloadProbabilitySkipIfNoPeers bool

	SimultaneousHTTPDownloads int
	SimultaneousP2PDownloads  int

	// HTTPDownloadInitialTimeout suppresses direct downloads after start
	// to give the swarm first opportunity; 0 disables the grace period.
	HTTPDownloadInitialTimeout time.Duration
	// HTTPDownloadInitialTimeoutPerSegment lifts the suppression for a
	// segment that has sat in the required window this long undelivered.
	HTTPDownloadInitialTimeoutPerSegment time.Duration
}

type Opts struct {
	Cache *cache.SegmentCache
	HTTP  ports.SegmentDownloader
	P2P   ports.SegmentDownloader
	// Peers is consulted for the skip-if-no-peers gate; nil means the
	// peer count is unknown and the gate never suppresses.
	Peers  ports.PeerCounter
	Logger *slog.Logger
	// Clock and Rand are injectable for deterministic tests.
	Clock func() time.Time
	Rand  func() float64
}

type managedSegment struct {
	seg *domain.Segment
	// requiredSince is when the segment first entered the required
	// window; zero until then.
	requiredSince time.Time
}

// Loader is the arbitration engine: it owns the ordered segment queue,
// recomputes priorities from the playback position, admits downloads on
// either transport under per-transport ceilings, and hands completed
// payloads to the cache. All queue mutations are serialized under one
// mutex; adapters do their I/O concurrently and report back through
// events that re-enter here.
type Loader struct {
	cfg     Config
	cache   *cache.SegmentCache
	http    ports.SegmentDownloader
	p2p     ports.SegmentDownloader
	peers   ports.PeerCounter
	emitter *Emitter
	logger  *slog.Logger
	now     func() time.Time
	rand    func() float64

	mu        sync.Mutex
	queue     []*managedSegment
	byID      map[domain.SegmentID]*managedSegment
	playhead  float64
	startedAt time.Time
	destroyed bool
	// pending holds events produced under mu, delivered after unlock so
	// listeners can safely call back into the loader.
	pending []Event

	timer *probabilityTimer
}

func New(cfg Config, opts Opts) *Loader {
	if cfg.SimultaneousHTTPDownloads <= 0 {
		cfg.SimultaneousHTTPDownloads = 2
	}
	if cfg.SimultaneousP2PDownloads <= 0 {
		cfg.SimultaneousP2PDownloads = 3
	}
	if cfg.HTTPDownloadProbabilityInterval <= 0 {
		cfg.HTTPDownloadProbabilityInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}

	l := &Loader{
		cfg:     cfg,
		cache:   opts.Cache,
		http:    opts.HTTP,
		p2p:     opts.P2P,
		peers:   opts.Peers,
		emitter: NewEmitter(),
		logger:  opts.Logger,
		now:     opts.Clock,
		rand:    opts.Rand,
		byID:    make(map[domain.SegmentID]*managedSegment),
	}
	l.startedAt = l.now()
	l.timer = newProbabilityTimer(cfg.HTTPDownloadProbabilityInterval, l.probabilityTick)
	return l
}

// Start begins the probability timer. Scheduling passes triggered by queue
// or playback updates run regardless.
func (l *Loader) Start() {
	l.timer.start()
}

// On subscribes a listener to loader-level events.
func (l *Loader) On(kind domain.LoaderEvent, fn func(Event)) {
	l.emitter.On(kind, fn)
}

// Events returns the handler set adapters must report through.
func (l *Loader) Events() ports.SegmentEvents {
	return ports.SegmentEvents{
		LoadedHandler: l.onSegmentLoaded,
		ErrorHandler:  l.onSegmentError,
	}
}

// SetSegments replaces or extends the managed segment list. In-flight state
// survives for segments still present; segments that dropped out of the
// list are abandoned and their requests aborted.
func (l *Loader) SetSegments(segs []*domain.Segment) {
	var fromCache []*domain.Segment

	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}

	next := make([]*managedSegment, 0, len(segs))
	nextByID := make(map[domain.SegmentID]*managedSegment, len(segs))
	for _, seg := range segs {
		if ms, ok := l.byID[seg.ID]; ok {
			// Keep the managed record (and its in-flight state); the
			// descriptor fields may have been refreshed by the manifest.
			ms.seg.URL = seg.URL
			ms.seg.RequestURL = seg.RequestURL
			ms.seg.Range = seg.Range
			ms.seg.StartTime = seg.StartTime
			ms.seg.Duration = seg.Duration
			next = append(next, ms)
			nextByID[seg.ID] = ms
			continue
		}
		ms := &managedSegment{seg: seg.Copy()}
		next = append(next, ms)
		nextByID[seg.ID] = ms
		if cached := l.cache.Get(seg.ID); cached != nil {
			fromCache = append(fromCache, cached)
		}
	}

	// Abandon segments that fell out of the window.
	for id, ms := range l.byID {
		if _, ok := nextByID[id]; !ok {
			l.abortSegmentLocked(ms, "abandoned")
		}
	}

	l.queue = next
	l.byID = nextByID
	metrics.QueuedSegments.Set(float64(len(l.queue)))

	l.recomputePrioritiesLocked()
	l.processQueueLocked()
	l.mu.Unlock()
	l.flushEvents()

	for _, seg := range fromCache {
		metrics.SegmentsLoadedTotal.WithLabelValues("cache").Inc()
		l.emitter.Emit(Event{Kind: domain.EventSegmentLoaded, Segment: seg})
	}
}

// SetPlayingSegment re-anchors priority computation on an explicit segment,
// e.g. after a player stall. Priorities derive from the anchor's start, so
// the reported duration does not participate.
func (l *Loader) SetPlayingSegment(url string, r *domain.ByteRange, startTime float64, _ float64) {
	id := domain.MakeSegmentID(url, r)

	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	if ms, ok := l.byID[id]; ok {
		l.playhead = ms.seg.StartTime
	} else {
		l.playhead = startTime
	}
	l.recomputePrioritiesLocked()
	l.processQueueLocked()
	l.mu.Unlock()
	l.flushEvents()
}

// SetPlayingSegmentByTime re-anchors priority computation when only the
// playback timestamp is known.
func (l *Loader) SetPlayingSegmentByTime(currentTime float64) {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	l.playhead = currentTime
	l.recomputePrioritiesLocked()
	l.processQueueLocked()
	l.mu.Unlock()
	l.flushEvents()
}

// GetSegment serves a completed segment from the cache.
func (l *Loader) GetSegment(id domain.SegmentID) *domain.Segment {
	return l.cache.Get(id)
}

// CachedSegmentIDs lists the segments currently available from the cache,
// oldest first. Peers and players use it to discover what can be served
// without a download.
func (l *Loader) CachedSegmentIDs() []domain.SegmentID {
	return l.cache.Keys()
}

// AbortMostCritical aborts the single most time-critical in-flight request
// across both transports. Used on arbitrary seeks, so one stale high-latency
// request cannot hold a slot a fresh mandatory fetch needs.
func (l *Loader) AbortMostCritical() {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}

	var victim *managedSegment
	consider := func(ids []domain.SegmentID) {
		for _, id := range ids {
			ms, ok := l.byID[id]
			if !ok || !ms.seg.Priority.Defined() {
				continue
			}
			if victim == nil || ms.seg.Priority < victim.seg.Priority {
				victim = ms
			}
		}
	}
	consider(l.http.ActiveDownloads())
	consider(l.p2p.ActiveDownloads())

	// No scheduling pass here: the freed slot is reserved for the caller's
	// follow-up request, not for re-admitting the victim.
	if victim != nil {
		l.abortSegmentLocked(victim, "critical")
	}
	l.mu.Unlock()
	l.flushEvents()
}

// HTTPDownloadProbability returns the current per-tick direct-download chance.
func (l *Loader) HTTPDownloadProbability() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.HTTPDownloadProbability
}

// SetHTTPDownloadProbability retunes the per-tick direct-download chance on a
// running loader.
func (l *Loader) SetHTTPDownloadProbability(p float64) {
	l.mu.Lock()
	l.cfg.HTTPDownloadProbability = p
	l.mu.Unlock()
}

// Stats snapshots loader and transport activity.
func (l *Loader) Stats() domain.LoaderStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	peers := 0
	if l.peers != nil {
		peers = l.peers.PeersConnected()
	}
	return domain.LoaderStats{
		QueuedSegments:  len(l.queue),
		CachedSegments:  l.cache.Len(),
		HTTPDownloads:   len(l.http.ActiveDownloads()),
		P2PDownloads:    len(l.p2p.ActiveDownloads()),
		PeersConnected:  peers,
		PlayheadSeconds: l.playhead,
		UpdatedAt:       l.now(),
	}
}

// Destroy tears the loader down: the probability timer stops, both adapters
// abort their in-flight work, and no further events are delivered. It
// resolves once all adapters have released resources or ctx expires.
func (l *Loader) Destroy(ctx context.Context) error {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return nil
	}
	l.destroyed = true
	l.queue = nil
	l.byID = make(map[domain.SegmentID]*managedSegment)
	metrics.QueuedSegments.Set(0)
	l.mu.Unlock()

	l.timer.stop()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, d := range []ports.SegmentDownloader{l.http, l.p2p} {
			wg.Add(1)
			go func(d ports.SegmentDownloader) {
				defer wg.Done()
				d.Destroy()
			}(d)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Scheduling
// ---------------------------------------------------------------------------

// recomputePrioritiesLocked derives each segment's priority from its queue
// position relative to the playhead. Segments behind the playhead are no
// longer needed and any in-flight work for them is aborted.
func (l *Loader) recomputePrioritiesLocked() {
	playingIdx := 0
	for i, ms := range l.queue {
		end := ms.seg.StartTime + ms.seg.Duration
		if l.playhead < end {
			playingIdx = i
			break
		}
		if i == len(l.queue)-1 {
			playingIdx = len(l.queue)
		}
	}

	now := l.now()
	for i, ms := range l.queue {
		old := ms.seg.Priority
		var p domain.Priority
		if i < playingIdx {
			p = domain.PriorityNone
		} else {
			p = domain.Priority(i - playingIdx)
		}
		ms.seg.Priority = p

		if !p.Defined() {
			if old.Defined() {
				l.abortSegmentLocked(ms, "seek")
			}
			continue
		}
		if p <= l.cfg.RequiredSegmentsPriority && ms.requiredSince.IsZero() {
			ms.requiredSince = now
		}
		if p != old {
			l.propagatePriorityLocked(ms)
		}
	}
}

// propagatePriorityLocked forwards a priority change to any adapter holding
// an in-flight request for the segment. The direct adapter may respond by
// aborting and restarting under the literal URL. Each adapter gets its own
// copy: the restart path retains the segment it was handed, and adapter
// goroutines read it outside l.mu.
func (l *Loader) propagatePriorityLocked(ms *managedSegment) {
	for _, d := range []ports.SegmentDownloader{l.http, l.p2p} {
		if d.IsDownloading(ms.seg.ID) {
			if err := d.UpdatePriority(ms.seg.Copy()); err != nil && !errors.Is(err, domain.ErrNotDownloading) {
				l.logger.Warn("priority update failed",
					slog.String("segmentId", string(ms.seg.ID)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// processQueueLocked is one scheduling pass: peer-swarm admission in
// ascending priority order, then the mandatory direct-transport rule.
// The probability rule runs on its own timer.
func (l *Loader) processQueueLocked() {
	if l.destroyed {
		return
	}

	for _, ms := range l.queue {
		seg := ms.seg
		p := seg.Priority
		if !p.Defined() || l.cache.Has(seg.ID) {
			continue
		}

		// Peer-swarm window.
		if p <= l.cfg.P2PDownloadMaxPriority &&
			!l.p2p.IsDownloading(seg.ID) &&
			!l.p2p.IsFailed(seg.ID) &&
			len(l.p2p.ActiveDownloads()) < l.cfg.SimultaneousP2PDownloads {
			if err := l.p2p.Download(seg.Copy(), nil); err != nil {
				l.logger.Debug("p2p admission declined",
					slog.String("segmentId", string(seg.ID)),
					slog.String("error", err.Error()),
				)
			}
		}

		// Mandatory window: required buffer never stalls on chance.
		if p <= l.cfg.RequiredSegmentsPriority &&
			!l.http.IsDownloading(seg.ID) &&
			!l.p2p.IsDownloading(seg.ID) &&
			!l.http.IsFailed(seg.ID) &&
			l.graceExpiredLocked(ms) &&
			len(l.http.ActiveDownloads()) < l.cfg.SimultaneousHTTPDownloads {
			if err := l.http.Download(seg.Copy(), nil); err != nil {
				l.logger.Debug("http admission declined",
					slog.String("segmentId", string(seg.ID)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// probabilityTick runs rule 3: randomized direct downloads inside the
// direct window, guaranteeing forward progress without peers while keeping
// direct load bounded.
func (l *Loader) probabilityTick() {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}

	for _, ms := range l.queue {
		seg := ms.seg
		p := seg.Priority
		if !p.Defined() || p > l.cfg.HTTPDownloadMaxPriority {
			continue
		}
		if l.cache.Has(seg.ID) || l.http.IsDownloading(seg.ID) || l.http.IsFailed(seg.ID) {
			continue
		}
		if !l.graceExpiredLocked(ms) {
			continue
		}
		if p <= l.cfg.RequiredSegmentsPriority {
			// Mandatory segments bypass the gate; rule 4 covers them.
			continue
		}
		if l.cfg.HTTPDownloadProbabilitySkipIfNoPeers && l.peers != nil && l.peers.PeersConnected() == 0 {
			metrics.ProbabilityRollsTotal.WithLabelValues("skipped").Inc()
			continue
		}
		if l.rand() >= l.cfg.HTTPDownloadProbability {
			metrics.ProbabilityRollsTotal.WithLabelValues("miss").Inc()
			continue
		}
		metrics.ProbabilityRollsTotal.WithLabelValues("hit").Inc()
		if len(l.http.ActiveDownloads()) >= l.cfg.SimultaneousHTTPDownloads {
			continue
		}
		if err := l.http.Download(seg.Copy(), nil); err != nil {
			l.logger.Debug("probabilistic http admission declined",
				slog.String("segmentId", string(seg.ID)),
				slog.String("error", err.Error()),
			)
		}
	}

	// The mandatory rule re-arms on every tick as well, so grace-period
	// expiry is noticed without an external trigger.
	l.processQueueLocked()
	l.mu.Unlock()
	l.flushEvents()
}

// graceExpiredLocked reports whether the direct transport may be used for
// this segment yet. The initial grace period gives the swarm first
// opportunity; a segment stuck in the required window longer than the
// per-segment allowance is released early.
func (l *Loader) graceExpiredLocked(ms *managedSegment) bool {
	if l.cfg.HTTPDownloadInitialTimeout <= 0 {
		return true
	}
	now := l.now()
	if now.Sub(l.startedAt) >= l.cfg.HTTPDownloadInitialTimeout {
		return true
	}
	if l.cfg.HTTPDownloadInitialTimeoutPerSegment > 0 && !ms.requiredSince.IsZero() &&
		now.Sub(ms.requiredSince) >= l.cfg.HTTPDownloadInitialTimeoutPerSegment {
		return true
	}
	return false
}

// abortSegmentLocked aborts any in-flight request for the segment on both
// transports and records the reason.
func (l *Loader) abortSegmentLocked(ms *managedSegment, reason string) {
	id := ms.seg.ID
	aborted := false
	if l.http.IsDownloading(id) {
		l.http.Abort(id)
		aborted = true
	}
	if l.p2p.IsDownloading(id) {
		l.p2p.Abort(id)
		aborted = true
	}
	if aborted {
		metrics.SegmentAbortsTotal.WithLabelValues(reason).Inc()
		l.pending = append(l.pending, Event{Kind: domain.EventSegmentAbort, Segment: ms.seg})
	}
}

// flushEvents delivers events queued under the mutex. Must be called
// without holding l.mu.
func (l *Loader) flushEvents() {
	l.mu.Lock()
	evs := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, ev := range evs {
		l.emitter.Emit(ev)
	}
}

// ---------------------------------------------------------------------------
// Adapter event handlers
// ---------------------------------------------------------------------------

func (l *Loader) onSegmentLoaded(seg *domain.Segment, payload []byte, responseURL string) {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}

	completed := seg.Copy()
	completed.Data = payload
	completed.ResponseURL = responseURL
	l.cache.Put(completed)

	// One delivery wins; drop the duplicate on the other transport.
	if ms, ok := l.byID[seg.ID]; ok {
		if l.http.IsDownloading(seg.ID) || l.p2p.IsDownloading(seg.ID) {
			l.abortSegmentLocked(ms, "duplicate")
		}
	}
	l.processQueueLocked()
	l.mu.Unlock()
	l.flushEvents()

	l.emitter.Emit(Event{Kind: domain.EventSegmentLoaded, Segment: completed})
}

func (l *Loader) onSegmentError(seg *domain.Segment, cause error) {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	// The failing transport has blacklisted the segment; the next pass
	// may still hand it to the other transport.
	l.processQueueLocked()
	l.mu.Unlock()
	l.flushEvents()

	l.emitter.Emit(Event{Kind: domain.EventSegmentError, Segment: seg, Err: cause})
}
