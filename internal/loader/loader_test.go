package loader

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"hybridstream/internal/cache"
	"hybridstream/internal/domain"
	"hybridstream/internal/domain/ports"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// fakeAdapter is a recording SegmentDownloader. Downloads stay in flight
// until the test completes or fails them explicitly.
type fakeAdapter struct {
	mu        sync.Mutex
	active    map[domain.SegmentID]*domain.Segment
	failed    map[domain.SegmentID]bool
	downloads []domain.SegmentID
	aborts    []domain.SegmentID
	updates   []domain.Priority
	updated   []*domain.Segment
	events    ports.SegmentEvents
	peers     int
	destroyed bool
}

func newFakeAdapter() *fakeAdapter {
	f := &fakeAdapter{
		active: make(map[domain.SegmentID]*domain.Segment),
		failed: make(map[domain.SegmentID]bool),
	}
	f.events.SetDefaults()
	return f
}

func (f *fakeAdapter) Download(seg *domain.Segment, partial [][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.active[seg.ID]; ok {
		return nil
	}
	f.active[seg.ID] = seg
	f.downloads = append(f.downloads, seg.ID)
	return nil
}

func (f *fakeAdapter) Abort(id domain.SegmentID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.active[id]; ok {
		delete(f.active, id)
		f.aborts = append(f.aborts, id)
	}
}

func (f *fakeAdapter) UpdatePriority(seg *domain.Segment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.active[seg.ID]; !ok {
		return domain.ErrNotDownloading
	}
	f.active[seg.ID] = seg
	f.updates = append(f.updates, seg.Priority)
	f.updated = append(f.updated, seg)
	return nil
}

func (f *fakeAdapter) IsDownloading(id domain.SegmentID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.active[id]
	return ok
}

func (f *fakeAdapter) IsFailed(id domain.SegmentID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed[id]
}

func (f *fakeAdapter) ActiveDownloads() []domain.SegmentID {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]domain.SegmentID, 0, len(f.active))
	for id := range f.active {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeAdapter) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	f.active = make(map[domain.SegmentID]*domain.Segment)
}

func (f *fakeAdapter) PeersConnected() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers
}

// complete finishes an in-flight download, dropping it from the active set
// before reporting, per the adapter contract.
func (f *fakeAdapter) complete(id domain.SegmentID, payload []byte) {
	f.mu.Lock()
	seg, ok := f.active[id]
	if ok {
		delete(f.active, id)
	}
	f.mu.Unlock()
	if ok {
		f.events.LoadedHandler(seg, payload, seg.URL)
	}
}

// failNow fails an in-flight download and records the blacklist entry.
func (f *fakeAdapter) failNow(id domain.SegmentID, cause error) {
	f.mu.Lock()
	seg, ok := f.active[id]
	if ok {
		delete(f.active, id)
		f.failed[id] = true
	}
	f.mu.Unlock()
	if ok {
		f.events.ErrorHandler(seg, cause)
	}
}

func (f *fakeAdapter) downloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.downloads)
}

func (f *fakeAdapter) abortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.aborts)
}

type testEnv struct {
	loader *Loader
	http   *fakeAdapter
	p2p    *fakeAdapter
	cache  *cache.SegmentCache
	now    *time.Time
	roll   *float64
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	httpA := newFakeAdapter()
	p2pA := newFakeAdapter()
	sc := cache.New(cache.Config{MaxCount: 50, Expiration: time.Hour}, nil)

	now := time.Unix(1_700_000_000, 0)
	roll := 1.0 // never hits unless a test lowers it

	l := New(cfg, Opts{
		Cache: sc,
		HTTP:  httpA,
		P2P:   p2pA,
		Peers: p2pA,
		Clock: func() time.Time { return now },
		Rand:  func() float64 { return roll },
	})
	events := l.Events()
	events.SetDefaults()
	httpA.events = events
	p2pA.events = events

	env := &testEnv{loader: l, http: httpA, p2p: p2pA, cache: sc, now: &now, roll: &roll}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = l.Destroy(ctx)
	})
	return env
}

func makeSegments(n int) []*domain.Segment {
	segs := make([]*domain.Segment, n)
	for i := range segs {
		url := fmt.Sprintf("http://cdn.example/seg-%d.ts", i)
		segs[i] = &domain.Segment{
			ID:        domain.MakeSegmentID(url, nil),
			URL:       url,
			StartTime: float64(i) * 4,
			Duration:  4,
		}
	}
	return segs
}

func defaultConfig() Config {
	return Config{
		RequiredSegmentsPriority:  1,
		HTTPDownloadMaxPriority:   9,
		P2PDownloadMaxPriority:    9,
		HTTPDownloadProbability:   0.5,
		SimultaneousHTTPDownloads: 2,
		SimultaneousP2PDownloads:  3,
	}
}

// ---------------------------------------------------------------------------
// Scheduling passes
// ---------------------------------------------------------------------------

func TestPeerWindowAdmissionAscendingPriority(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	segs := makeSegments(10)
	env.loader.SetSegments(segs)

	env.p2p.mu.Lock()
	got := append([]domain.SegmentID(nil), env.p2p.downloads...)
	env.p2p.mu.Unlock()

	if len(got) != 3 {
		t.Fatalf("p2p downloads = %d, want ceiling 3", len(got))
	}
	for i, id := range got {
		if id != segs[i].ID {
			t.Errorf("p2p admission %d = %s, want %s (ascending priority)", i, id, segs[i].ID)
		}
	}
}

func TestMandatorySegmentGetsDirectRequestWhenPeerSlotUnavailable(t *testing.T) {
	cfg := defaultConfig()
	cfg.SimultaneousP2PDownloads = 3
	env := newTestEnv(t, cfg)

	segs := makeSegments(21)
	env.loader.SetSegments(segs)

	// The first three segments occupy every peer slot; the mandatory
	// window (priority <= 1) is fully covered by peers, so no direct
	// request yet.
	if got := env.http.downloadCount(); got != 0 {
		t.Fatalf("http downloads = %d before any failure, want 0", got)
	}

	// Peer transport gives up on segment 0: direct rule must fire on the
	// very next pass without waiting for a dice roll.
	env.p2p.failNow(segs[0].ID, fmt.Errorf("no peers had the piece"))

	if !env.http.IsDownloading(segs[0].ID) {
		t.Fatal("mandatory segment has no direct request after peer failure")
	}
}

func TestPriorityUpdateHandsAdaptersTheirOwnRecord(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	segs := makeSegments(4)
	env.loader.SetSegments(segs)

	// Advancing playback reprioritizes the in-flight peer downloads.
	env.loader.SetPlayingSegmentByTime(4.5)

	env.p2p.mu.Lock()
	updated := append([]*domain.Segment(nil), env.p2p.updated...)
	env.p2p.mu.Unlock()
	if len(updated) == 0 {
		t.Fatal("no priority updates recorded")
	}

	// Adapters retain what they are handed and read it from their own
	// goroutines; sharing the loader's queue record would race its writes.
	env.loader.mu.Lock()
	for _, seg := range updated {
		if ms, ok := env.loader.byID[seg.ID]; ok && ms.seg == seg {
			t.Errorf("adapter received the loader-owned record for %s", seg.ID)
		}
	}
	env.loader.mu.Unlock()
}

func TestCachedSegmentIDsListsCompletedSegments(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	segs := makeSegments(2)
	env.loader.SetSegments(segs)

	env.p2p.complete(segs[0].ID, []byte("payload"))

	ids := env.loader.CachedSegmentIDs()
	if len(ids) != 1 || ids[0] != segs[0].ID {
		t.Errorf("CachedSegmentIDs = %v, want [%s]", ids, segs[0].ID)
	}
}

func TestConcurrencyCeilingsNeverExceeded(t *testing.T) {
	cfg := defaultConfig()
	cfg.RequiredSegmentsPriority = 9 // everything mandatory
	env := newTestEnv(t, cfg)

	segs := makeSegments(20)
	for _, s := range segs {
		env.p2p.failed[s.ID] = true // force the direct path
	}
	env.loader.SetSegments(segs)

	if got := len(env.http.ActiveDownloads()); got != 2 {
		t.Errorf("http in-flight = %d, want ceiling 2", got)
	}

	// Completing one frees exactly one slot.
	env.http.complete(segs[0].ID, []byte("payload"))
	if got := len(env.http.ActiveDownloads()); got > 2 {
		t.Errorf("http in-flight = %d after completion, ceiling exceeded", got)
	}
}

func TestUndefinedPriorityAbortsInFlightWork(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	segs := makeSegments(6)
	env.loader.SetSegments(segs)

	if !env.p2p.IsDownloading(segs[0].ID) {
		t.Fatal("expected segment 0 in flight on peer transport")
	}

	// Seek past segments 0-2; their priority becomes undefined.
	env.loader.SetPlayingSegmentByTime(13.0)

	for i := 0; i < 3; i++ {
		if env.p2p.IsDownloading(segs[i].ID) || env.http.IsDownloading(segs[i].ID) {
			t.Errorf("segment %d still in flight after falling behind the playhead", i)
		}
	}
	if env.p2p.abortCount() == 0 {
		t.Error("no aborts recorded for stale segments")
	}
}

func TestSegmentListExtensionKeepsInFlightState(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	segs := makeSegments(8)
	env.loader.SetSegments(segs[:5])

	before := env.p2p.downloadCount()
	env.loader.SetSegments(segs) // live-stream append

	if env.p2p.abortCount() != 0 {
		t.Error("extension aborted surviving in-flight segments")
	}
	if env.p2p.downloadCount() < before {
		t.Error("download history lost on extension")
	}
	if !env.p2p.IsDownloading(segs[0].ID) {
		t.Error("in-flight state lost for surviving segment")
	}
}

// ---------------------------------------------------------------------------
// Probability timer
// ---------------------------------------------------------------------------

func TestProbabilityHitTriggersDirectDownload(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	segs := makeSegments(6)
	env.loader.SetSegments(segs)

	*env.roll = 0.0 // always under the probability
	env.loader.probabilityTick()

	// Mandatory segments (0, 1) are excluded from the dice; the first
	// non-mandatory in-window segment must have a direct request.
	if env.http.IsDownloading(segs[0].ID) || env.http.IsDownloading(segs[1].ID) {
		t.Error("probability gate fetched a mandatory segment")
	}
	if !env.http.IsDownloading(segs[2].ID) {
		t.Error("probability hit did not trigger a direct download")
	}
}

func TestProbabilityMissTriggersNothing(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.loader.SetSegments(makeSegments(6))

	*env.roll = 0.99
	env.loader.probabilityTick()

	if got := env.http.downloadCount(); got != 0 {
		t.Errorf("http downloads = %d on a miss, want 0", got)
	}
}

func TestProbabilitySkippedWithoutPeers(t *testing.T) {
	cfg := defaultConfig()
	cfg.HTTPDownloadProbabilitySkipIfNoPeers = true
	env := newTestEnv(t, cfg)
	env.loader.SetSegments(makeSegments(6))

	*env.roll = 0.0
	env.p2p.peers = 0
	env.loader.probabilityTick()
	if got := env.http.downloadCount(); got != 0 {
		t.Errorf("http downloads = %d with no peers, want 0", got)
	}

	env.p2p.peers = 4
	env.loader.probabilityTick()
	if got := env.http.downloadCount(); got == 0 {
		t.Error("probability pass still suppressed with peers connected")
	}
}

// ---------------------------------------------------------------------------
// Grace period
// ---------------------------------------------------------------------------

func TestInitialGraceSuppressesDirectDownloads(t *testing.T) {
	cfg := defaultConfig()
	cfg.HTTPDownloadInitialTimeout = 2 * time.Minute
	cfg.HTTPDownloadInitialTimeoutPerSegment = 17 * time.Second
	env := newTestEnv(t, cfg)

	segs := makeSegments(6)
	for _, s := range segs {
		env.p2p.failed[s.ID] = true // peers can never deliver
	}
	env.loader.SetSegments(segs)

	*env.roll = 0.0
	env.loader.probabilityTick()
	if got := env.http.downloadCount(); got != 0 {
		t.Fatalf("http downloads = %d during grace period, want 0", got)
	}

	// A mandatory segment stuck past the per-segment allowance is
	// released early.
	*env.now = env.now.Add(18 * time.Second)
	env.loader.probabilityTick()
	if !env.http.IsDownloading(segs[0].ID) {
		t.Error("per-segment grace expiry did not release the mandatory segment")
	}
	if env.http.IsDownloading(segs[2].ID) {
		t.Error("non-mandatory segment released before global grace expiry")
	}

	// Global expiry re-enables the probability rule for everything. Free
	// the direct slots first so the ceiling does not mask the check.
	env.http.complete(segs[0].ID, []byte("s0"))
	env.http.complete(segs[1].ID, []byte("s1"))
	*env.now = env.now.Add(2 * time.Minute)
	env.loader.probabilityTick()
	if !env.http.IsDownloading(segs[2].ID) {
		t.Error("global grace expiry did not re-enable direct downloads")
	}
}

// ---------------------------------------------------------------------------
// Completion, failure, cache interplay
// ---------------------------------------------------------------------------

func TestCompletionCachesPayloadAndAbortsDuplicate(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	segs := makeSegments(4)

	var loaded []domain.SegmentID
	var mu sync.Mutex
	env.loader.On(domain.EventSegmentLoaded, func(ev Event) {
		mu.Lock()
		loaded = append(loaded, ev.Segment.ID)
		mu.Unlock()
	})

	env.loader.SetSegments(segs)

	// Race: force a direct request for segment 0 alongside the peer one.
	env.p2p.mu.Lock()
	seg0 := env.p2p.active[segs[0].ID]
	env.p2p.mu.Unlock()
	if seg0 == nil {
		t.Fatal("segment 0 not in flight on peer transport")
	}
	if err := env.http.Download(seg0.Copy(), nil); err != nil {
		t.Fatal(err)
	}

	payload := []byte("segment-zero-bytes")
	env.http.complete(segs[0].ID, payload)

	got := env.loader.GetSegment(segs[0].ID)
	if got == nil || string(got.Data) != string(payload) {
		t.Fatal("completed payload not retrievable from cache")
	}
	if env.p2p.IsDownloading(segs[0].ID) {
		t.Error("duplicate peer request not aborted after direct completion")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(loaded) != 1 || loaded[0] != segs[0].ID {
		t.Errorf("loaded events = %v, want exactly one for segment 0", loaded)
	}
}

func TestCachedSegmentSkipsDownloadAndEmits(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	segs := makeSegments(3)

	env.cache.Put(&domain.Segment{ID: segs[0].ID, URL: segs[0].URL, Data: []byte("cached")})

	var events int
	var mu sync.Mutex
	env.loader.On(domain.EventSegmentLoaded, func(ev Event) {
		mu.Lock()
		events++
		mu.Unlock()
	})

	env.loader.SetSegments(segs)

	if env.p2p.IsDownloading(segs[0].ID) || env.http.IsDownloading(segs[0].ID) {
		t.Error("cached segment was requested from a transport")
	}
	mu.Lock()
	defer mu.Unlock()
	if events != 1 {
		t.Errorf("loaded events = %d for cached segment, want 1", events)
	}
}

func TestFailureDefersToOtherTransport(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	segs := makeSegments(4)
	env.loader.SetSegments(segs)

	env.p2p.failNow(segs[0].ID, fmt.Errorf("peer timeout"))

	// Blacklisted on peers, mandatory rule hands it to the direct
	// transport within the failure-triggered pass.
	if env.p2p.IsDownloading(segs[0].ID) {
		t.Error("failed segment still in flight on peer transport")
	}
	if !env.http.IsDownloading(segs[0].ID) {
		t.Error("failed mandatory segment not handed to direct transport")
	}
}

func TestAbortThenRetryMatchesCleanDownload(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	segs := makeSegments(4)
	env.loader.SetSegments(segs)

	// Abort everything via a forward seek, then seek back.
	env.loader.SetPlayingSegmentByTime(100)
	env.loader.SetPlayingSegmentByTime(0)

	if !env.p2p.IsDownloading(segs[0].ID) {
		t.Fatal("segment 0 not re-requested after seek back")
	}
	payload := []byte("p0")
	env.p2p.complete(segs[0].ID, payload)

	got := env.loader.GetSegment(segs[0].ID)
	if got == nil || string(got.Data) != string(payload) {
		t.Error("cache state after abort+retry differs from a clean download")
	}
}

// ---------------------------------------------------------------------------
// Abort-most-critical, stats, teardown
// ---------------------------------------------------------------------------

func TestAbortMostCriticalPicksLowestPriority(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	segs := makeSegments(6)
	env.loader.SetSegments(segs)

	env.loader.AbortMostCritical()

	env.p2p.mu.Lock()
	aborts := append([]domain.SegmentID(nil), env.p2p.aborts...)
	env.p2p.mu.Unlock()
	if len(aborts) == 0 || aborts[0] != segs[0].ID {
		t.Errorf("aborted %v, want the priority-0 segment %s first", aborts, segs[0].ID)
	}
}

func TestStatsSnapshot(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.p2p.peers = 7
	env.loader.SetSegments(makeSegments(5))

	st := env.loader.Stats()
	if st.QueuedSegments != 5 {
		t.Errorf("QueuedSegments = %d, want 5", st.QueuedSegments)
	}
	if st.P2PDownloads != 3 {
		t.Errorf("P2PDownloads = %d, want 3", st.P2PDownloads)
	}
	if st.PeersConnected != 7 {
		t.Errorf("PeersConnected = %d, want 7", st.PeersConnected)
	}
}

func TestDestroyAbortsAdaptersAndSilencesEvents(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	segs := makeSegments(4)
	env.loader.SetSegments(segs)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := env.loader.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	if !env.http.destroyed || !env.p2p.destroyed {
		t.Error("adapters not destroyed")
	}

	// Further operations are no-ops.
	env.loader.SetSegments(segs)
	if st := env.loader.Stats(); st.QueuedSegments != 0 {
		t.Errorf("QueuedSegments = %d after Destroy, want 0", st.QueuedSegments)
	}

	// Destroy is idempotent.
	if err := env.loader.Destroy(ctx); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Priority recomputation
// ---------------------------------------------------------------------------

func TestPriorityMonotonicWithPlaybackOrder(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	segs := makeSegments(8)
	env.loader.SetSegments(segs)
	env.loader.SetPlayingSegmentByTime(9.0) // inside segment 2

	env.loader.mu.Lock()
	defer env.loader.mu.Unlock()
	for i, ms := range env.loader.queue {
		p := ms.seg.Priority
		if i < 2 && p.Defined() {
			t.Errorf("segment %d behind playhead has priority %d, want none", i, p)
		}
		if i >= 2 && p != domain.Priority(i-2) {
			t.Errorf("segment %d priority = %d, want %d", i, p, i-2)
		}
	}
}

func TestSetPlayingSegmentAnchorsOnSegmentStart(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	segs := makeSegments(8)
	env.loader.SetSegments(segs)

	env.loader.SetPlayingSegment(segs[3].URL, nil, segs[3].StartTime, segs[3].Duration)

	env.loader.mu.Lock()
	defer env.loader.mu.Unlock()
	if p := env.loader.queue[3].seg.Priority; p != 0 {
		t.Errorf("playing segment priority = %d, want 0", p)
	}
	if p := env.loader.queue[2].seg.Priority; p.Defined() {
		t.Errorf("segment before playing one still has priority %d", p)
	}
}

func TestEmitterNoRetroactiveDelivery(t *testing.T) {
	e := NewEmitter()
	e.Emit(Event{Kind: domain.EventSegmentLoaded})

	fired := false
	e.On(domain.EventSegmentLoaded, func(Event) { fired = true })
	if fired {
		t.Error("listener received an event emitted before registration")
	}

	e.Emit(Event{Kind: domain.EventSegmentLoaded})
	if !fired {
		t.Error("listener did not receive a subsequent event")
	}
}
