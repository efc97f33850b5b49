package peerswarm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/anacrolix/torrent"

	"hybridstream/internal/domain"
	"hybridstream/internal/domain/ports"
	"hybridstream/internal/metrics"
)

const transportLabel = "p2p"

const readChunkSize = 64 << 10

type Config struct {
	// DataDir is where the swarm client stores exchanged pieces.
	DataDir string
	// FailedSegmentTimeout is the cool-down after a failed peer transfer,
	// analogous to the direct transport's blacklist.
	FailedSegmentTimeout time.Duration
	// TransferTimeout bounds a single segment transfer end to end. Peer
	// delivery can stall indefinitely otherwise.
	TransferTimeout time.Duration
}

type Opts struct {
	// Client lets callers share an existing swarm client (tests, embedding).
	// When nil the adapter owns its own client.
	Client    *torrent.Client
	Events    ports.SegmentEvents
	Validator ports.SegmentValidator
	Logger    *slog.Logger
}

type transfer struct {
	seg    *domain.Segment
	cancel context.CancelFunc
}

// Adapter exchanges segments with a peer swarm. The swarm protocol itself
// (discovery, signaling, piece exchange) lives inside the torrent client;
// the adapter only exposes the download/abort/priority contract the loader
// schedules against. Completed pieces are redistributed to other peers by
// the client automatically.
type Adapter struct {
	client     *torrent.Client
	ownsClient bool
	cfg        Config
	events     ports.SegmentEvents
	validator  ports.SegmentValidator
	logger     *slog.Logger

	mu        sync.Mutex
	swarm     *torrent.Torrent
	active    map[domain.SegmentID]*transfer
	failed    map[domain.SegmentID]time.Time
	destroyed bool
	now       func() time.Time
}

func New(cfg Config, opts Opts) (*Adapter, error) {
	if cfg.FailedSegmentTimeout <= 0 {
		cfg.FailedSegmentTimeout = 10 * time.Second
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Events.SetDefaults()

	a := &Adapter{
		client:    opts.Client,
		cfg:       cfg,
		events:    opts.Events,
		validator: opts.Validator,
		logger:    opts.Logger,
		active:    make(map[domain.SegmentID]*transfer),
		failed:    make(map[domain.SegmentID]time.Time),
		now:       time.Now,
	}

	if a.client == nil {
		clientConfig := torrent.NewDefaultClientConfig()
		if cfg.DataDir != "" {
			clientConfig.DataDir = cfg.DataDir
		}
		client, err := torrent.NewClient(clientConfig)
		if err != nil {
			return nil, fmt.Errorf("swarm client: %w", err)
		}
		a.client = client
		a.ownsClient = true
	}
	return a, nil
}

// Bind installs the event handler set. Call before the first Download when
// the handlers were not available at construction time.
func (a *Adapter) Bind(events ports.SegmentEvents) {
	events.SetDefaults()
	a.mu.Lock()
	a.events = events
	a.mu.Unlock()
}

// Join connects the adapter to the stream's swarm. The returned error only
// covers admission; metadata exchange continues in the background.
func (a *Adapter) Join(ctx context.Context, swarmID domain.SwarmID) error {
	t, err := a.client.AddMagnet(string(swarmID))
	if err != nil {
		return fmt.Errorf("join swarm: %w", err)
	}
	a.mu.Lock()
	a.swarm = t
	a.mu.Unlock()

	go func() {
		select {
		case <-t.GotInfo():
			a.logger.Info("swarm metadata received",
				slog.String("name", t.Name()),
				slog.Int("files", len(t.Files())),
			)
		case <-ctx.Done():
		}
	}()
	return nil
}

// PeersConnected reports how many peers are currently connected; the loader
// consults this for the probability gate.
func (a *Adapter) PeersConnected() int {
	a.mu.Lock()
	t := a.swarm
	a.mu.Unlock()
	if t == nil {
		return 0
	}
	return t.Stats().ActivePeers
}

func (a *Adapter) Download(seg *domain.Segment, partial [][]byte) error {
	// Peer transfers always restart from the piece map; partial HTTP
	// chunks are not resumable over the swarm.
	_ = partial

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return domain.ErrDestroyed
	}
	a.purgeFailedLocked()
	if until, ok := a.failed[seg.ID]; ok && a.now().Before(until) {
		a.mu.Unlock()
		return fmt.Errorf("segment %s cooling down after peer failure", seg.ID)
	}
	if _, ok := a.active[seg.ID]; ok {
		a.mu.Unlock()
		return nil
	}
	t := a.swarm
	if t == nil {
		a.mu.Unlock()
		return fmt.Errorf("%w: no swarm joined", domain.ErrNotFound)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.TransferTimeout)
	tr := &transfer{seg: seg, cancel: cancel}
	a.active[seg.ID] = tr
	metrics.ActiveDownloads.WithLabelValues(transportLabel).Set(float64(len(a.active)))
	a.mu.Unlock()

	a.events.StartLoadHandler(seg.ID)
	go a.run(ctx, t, tr)
	return nil
}

func (a *Adapter) Abort(id domain.SegmentID) {
	a.mu.Lock()
	tr, ok := a.active[id]
	if ok {
		delete(a.active, id)
		metrics.ActiveDownloads.WithLabelValues(transportLabel).Set(float64(len(a.active)))
	}
	t := a.swarm
	a.mu.Unlock()
	if !ok {
		return
	}
	tr.cancel()
	if t != nil {
		if f := segmentFile(t, tr.seg); f != nil {
			applyPiecePriority(t, f, segmentSpan(f, tr.seg), domain.PriorityNone)
		}
	}
}

// UpdatePriority re-applies the segment's priority to the underlying pieces.
func (a *Adapter) UpdatePriority(seg *domain.Segment) error {
	a.mu.Lock()
	tr, ok := a.active[seg.ID]
	t := a.swarm
	if ok {
		tr.seg.Priority = seg.Priority
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotDownloading, seg.ID)
	}
	if t != nil {
		if f := segmentFile(t, seg); f != nil {
			applyPiecePriority(t, f, segmentSpan(f, seg), seg.Priority)
		}
	}
	return nil
}

func (a *Adapter) IsDownloading(id domain.SegmentID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.active[id]
	return ok
}

func (a *Adapter) IsFailed(id domain.SegmentID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.purgeFailedLocked()
	until, ok := a.failed[id]
	return ok && a.now().Before(until)
}

func (a *Adapter) ActiveDownloads() []domain.SegmentID {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]domain.SegmentID, 0, len(a.active))
	for id := range a.active {
		ids = append(ids, id)
	}
	return ids
}

func (a *Adapter) Destroy() {
	a.mu.Lock()
	a.destroyed = true
	transfers := make([]*transfer, 0, len(a.active))
	for _, tr := range a.active {
		transfers = append(transfers, tr)
	}
	a.active = make(map[domain.SegmentID]*transfer)
	a.failed = make(map[domain.SegmentID]time.Time)
	owns := a.ownsClient
	client := a.client
	metrics.ActiveDownloads.WithLabelValues(transportLabel).Set(0)
	a.mu.Unlock()

	for _, tr := range transfers {
		tr.cancel()
	}
	if owns && client != nil {
		client.Close()
	}
}

func (a *Adapter) run(ctx context.Context, t *torrent.Torrent, tr *transfer) {
	defer tr.cancel()
	seg := tr.seg

	select {
	case <-t.GotInfo():
	case <-ctx.Done():
		a.fail(tr, fmt.Errorf("swarm metadata: %w", ctx.Err()))
		return
	}

	f := segmentFile(t, seg)
	if f == nil {
		a.fail(tr, fmt.Errorf("%w: segment %s has no swarm file", domain.ErrNotFound, seg.ID))
		return
	}
	span := segmentSpan(f, seg)
	applyPiecePriority(t, f, span, seg.Priority)

	payload, err := a.readSpan(ctx, f, span, seg.ID)
	if err != nil {
		applyPiecePriority(t, f, span, domain.PriorityNone)
		a.fail(tr, err)
		return
	}

	if a.validator != nil {
		if err := a.validator(ctx, seg, payload); err != nil {
			a.fail(tr, fmt.Errorf("segment validation: %w", err))
			return
		}
	}

	a.mu.Lock()
	if a.destroyed || a.active[seg.ID] != tr {
		a.mu.Unlock()
		return
	}
	delete(a.active, seg.ID)
	metrics.ActiveDownloads.WithLabelValues(transportLabel).Set(float64(len(a.active)))
	a.mu.Unlock()

	metrics.SegmentsLoadedTotal.WithLabelValues(transportLabel).Inc()
	a.events.LoadedHandler(seg, payload, seg.URL)
}

// readSpan reads the segment's byte span through a swarm reader, reporting
// incremental progress.
func (a *Adapter) readSpan(ctx context.Context, f *torrent.File, span byteSpan, id domain.SegmentID) ([]byte, error) {
	reader := f.NewReader()
	defer reader.Close()
	reader.SetContext(ctx)
	reader.SetResponsive()
	reader.SetReadahead(span.length)

	if span.offset > 0 {
		if _, err := reader.Seek(span.offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek to segment: %w", err)
		}
	}

	a.events.SizeHandler(id, span.length)

	payload := make([]byte, 0, span.length)
	buf := make([]byte, readChunkSize)
	remaining := span.length
	for remaining > 0 {
		want := int64(len(buf))
		if want > remaining {
			want = remaining
		}
		n, err := reader.Read(buf[:want])
		if n > 0 {
			payload = append(payload, buf[:n]...)
			remaining -= int64(n)
			metrics.SegmentBytesTotal.WithLabelValues(transportLabel).Add(float64(n))
			if a.stillActive(id) {
				a.events.BytesDownloadedHandler(id, n)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("swarm read: %w", err)
		}
	}
	if remaining > 0 {
		return nil, fmt.Errorf("swarm delivered %d of %d bytes", span.length-remaining, span.length)
	}
	return payload, nil
}

func (a *Adapter) stillActive(id domain.SegmentID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.active[id]
	return ok && !a.destroyed
}

func (a *Adapter) fail(tr *transfer, cause error) {
	seg := tr.seg
	a.mu.Lock()
	if a.destroyed || a.active[seg.ID] != tr {
		a.mu.Unlock()
		return
	}
	delete(a.active, seg.ID)
	a.failed[seg.ID] = a.now().Add(a.cfg.FailedSegmentTimeout)
	metrics.ActiveDownloads.WithLabelValues(transportLabel).Set(float64(len(a.active)))
	a.mu.Unlock()

	metrics.DownloadFailuresTotal.WithLabelValues(transportLabel).Inc()
	a.logger.Debug("peer transfer failed",
		slog.String("segmentId", string(seg.ID)),
		slog.String("error", cause.Error()),
	)
	a.events.ErrorHandler(seg, cause)
}

func (a *Adapter) purgeFailedLocked() {
	now := a.now()
	for id, until := range a.failed {
		if !now.Before(until) {
			delete(a.failed, id)
		}
	}
}

// segmentFile maps a segment to the swarm file carrying it, by final path
// element of the manifest URL.
func segmentFile(t *torrent.Torrent, seg *domain.Segment) *torrent.File {
	name := segmentBaseName(seg.URL)
	if name == "" {
		return nil
	}
	for _, f := range t.Files() {
		if path.Base(f.Path()) == name {
			return f
		}
	}
	return nil
}

func segmentBaseName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return path.Base(rawURL)
	}
	return path.Base(u.Path)
}
