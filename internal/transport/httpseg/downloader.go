package httpseg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"hybridstream/internal/domain"
	"hybridstream/internal/domain/ports"
	"hybridstream/internal/metrics"
)

const transportLabel = "http"

// ErrCoolingDown is returned when a download is requested for a segment that
// is still blacklisted after a recent failure.
var ErrCoolingDown = errors.New("segment cooling down after failure")

const readChunkSize = 64 << 10

type Config struct {
	// RequiredSegmentsPriority is the top of the mandatory window; a
	// priority change into this window can trigger abort-and-restart.
	RequiredSegmentsPriority domain.Priority
	// SkipSegmentBuilderPriority: at or below this priority the literal
	// manifest URL is always used, bypassing any URL-rewrite hook.
	SkipSegmentBuilderPriority domain.Priority
	// FailedSegmentTimeout is how long a failed segment stays blacklisted.
	FailedSegmentTimeout time.Duration
	// UseRanges enables resumption from previously received chunks via
	// byte-range requests. A segment's explicit byte range is part of its
	// identity and always produces a Range header regardless.
	UseRanges bool
	// RequestTimeout bounds a single segment fetch end to end.
	RequestTimeout time.Duration
	// RateLimitBytes caps aggregate download throughput in bytes/sec.
	// 0 disables the cap.
	RateLimitBytes int64
}

type Opts struct {
	Client       *http.Client
	Events       ports.SegmentEvents
	URLBuilder   ports.SegmentURLBuilder
	RequestSetup func(*http.Request)
	Validator    ports.SegmentValidator
	Logger       *slog.Logger
}

type request struct {
	seg             *domain.Segment
	initialPriority domain.Priority
	requestURL      string
	partial         [][]byte
	cancel          context.CancelFunc
}

// Downloader is the direct-network segment transport. Downloads run
// concurrently; each reports back through the SegmentEvents handlers.
type Downloader struct {
	client       *http.Client
	cfg          Config
	events       ports.SegmentEvents
	urlBuilder   ports.SegmentURLBuilder
	requestSetup func(*http.Request)
	validator    ports.SegmentValidator
	limiter      *rate.Limiter
	logger       *slog.Logger

	mu        sync.Mutex
	active    map[domain.SegmentID]*request
	failed    map[domain.SegmentID]time.Time
	destroyed bool
	now       func() time.Time
}

func New(cfg Config, opts Opts) *Downloader {
	if cfg.FailedSegmentTimeout <= 0 {
		cfg.FailedSegmentTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Events.SetDefaults()

	var limiter *rate.Limiter
	if cfg.RateLimitBytes > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitBytes), readChunkSize)
	}

	return &Downloader{
		client:       opts.Client,
		cfg:          cfg,
		events:       opts.Events,
		urlBuilder:   opts.URLBuilder,
		requestSetup: opts.RequestSetup,
		validator:    opts.Validator,
		limiter:      limiter,
		logger:       opts.Logger,
		active:       make(map[domain.SegmentID]*request),
		failed:       make(map[domain.SegmentID]time.Time),
		now:          time.Now,
	}
}

// Bind installs the event handler set. Call before the first Download when
// the handlers were not available at construction time.
func (d *Downloader) Bind(events ports.SegmentEvents) {
	events.SetDefaults()
	d.mu.Lock()
	d.events = events
	d.mu.Unlock()
}

// Download starts fetching the segment and returns immediately. partial
// carries previously received byte chunks for resumption; it is ignored when
// the segment itself specifies an explicit byte range.
func (d *Downloader) Download(seg *domain.Segment, partial [][]byte) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return domain.ErrDestroyed
	}
	d.purgeFailedLocked()
	if until, ok := d.failed[seg.ID]; ok && d.now().Before(until) {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCoolingDown, seg.ID)
	}
	if _, ok := d.active[seg.ID]; ok {
		d.mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RequestTimeout)
	req := &request{
		seg:             seg,
		initialPriority: seg.Priority,
		requestURL:      d.resolveURL(seg),
		partial:         partial,
		cancel:          cancel,
	}
	if seg.Range != nil {
		// Ranges and resumption are mutually exclusive.
		req.partial = nil
	}
	d.active[seg.ID] = req
	metrics.ActiveDownloads.WithLabelValues(transportLabel).Set(float64(len(d.active)))
	d.mu.Unlock()

	d.events.StartLoadHandler(seg.ID)
	go d.run(ctx, req)
	return nil
}

// Abort cancels an in-flight request. The concurrency slot is released
// before Abort returns; aborting a finished segment is a no-op.
func (d *Downloader) Abort(id domain.SegmentID) {
	d.mu.Lock()
	req, ok := d.active[id]
	if ok {
		delete(d.active, id)
		metrics.ActiveDownloads.WithLabelValues(transportLabel).Set(float64(len(d.active)))
	}
	d.mu.Unlock()
	if ok {
		req.cancel()
	}
}

// UpdatePriority reacts to a priority change on an in-flight request. When a
// previously non-mandatory download has become mandatory and the in-flight
// request URL differs from the literal manifest URL, the request is aborted
// and restarted with the literal URL.
func (d *Downloader) UpdatePriority(seg *domain.Segment) error {
	d.mu.Lock()
	req, ok := d.active[seg.ID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrNotDownloading, seg.ID)
	}

	restart := req.initialPriority > d.cfg.RequiredSegmentsPriority &&
		seg.Priority <= d.cfg.RequiredSegmentsPriority &&
		req.requestURL != seg.URL
	if !restart {
		req.seg.Priority = seg.Priority
		d.mu.Unlock()
		return nil
	}
	delete(d.active, seg.ID)
	metrics.ActiveDownloads.WithLabelValues(transportLabel).Set(float64(len(d.active)))
	d.mu.Unlock()

	req.cancel()
	d.logger.Debug("restarting mandatory segment with literal url",
		slog.String("segmentId", string(seg.ID)),
		slog.String("previousUrl", req.requestURL),
	)
	return d.Download(seg, nil)
}

func (d *Downloader) IsDownloading(id domain.SegmentID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[id]
	return ok
}

func (d *Downloader) IsFailed(id domain.SegmentID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purgeFailedLocked()
	until, ok := d.failed[id]
	return ok && d.now().Before(until)
}

func (d *Downloader) ActiveDownloads() []domain.SegmentID {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]domain.SegmentID, 0, len(d.active))
	for id := range d.active {
		ids = append(ids, id)
	}
	return ids
}

// Destroy aborts every in-flight request and clears state. No events are
// delivered afterwards.
func (d *Downloader) Destroy() {
	d.mu.Lock()
	d.destroyed = true
	reqs := make([]*request, 0, len(d.active))
	for _, req := range d.active {
		reqs = append(reqs, req)
	}
	d.active = make(map[domain.SegmentID]*request)
	d.failed = make(map[domain.SegmentID]time.Time)
	metrics.ActiveDownloads.WithLabelValues(transportLabel).Set(0)
	d.mu.Unlock()

	for _, req := range reqs {
		req.cancel()
	}
}

// resolveURL applies the skip-builder rule: at or below the threshold the
// literal manifest URL wins to minimize latency on the critical path.
func (d *Downloader) resolveURL(seg *domain.Segment) string {
	if seg.Priority <= d.cfg.SkipSegmentBuilderPriority {
		return seg.URL
	}
	if seg.RequestURL != "" {
		return seg.RequestURL
	}
	if d.urlBuilder != nil {
		if built := d.urlBuilder(seg); built != "" {
			return built
		}
	}
	return seg.URL
}

func (d *Downloader) run(ctx context.Context, req *request) {
	defer req.cancel()
	seg := req.seg

	payload, responseURL, err := d.fetch(ctx, req)
	if err != nil {
		d.fail(req, err)
		return
	}

	if d.validator != nil {
		if err := d.validator(ctx, seg, payload); err != nil {
			d.fail(req, fmt.Errorf("segment validation: %w", err))
			return
		}
	}

	// Drop from the in-flight set before emitting, so a listener can
	// immediately admit another download on the freed slot.
	d.mu.Lock()
	if d.destroyed || d.active[seg.ID] != req {
		d.mu.Unlock()
		return
	}
	delete(d.active, seg.ID)
	metrics.ActiveDownloads.WithLabelValues(transportLabel).Set(float64(len(d.active)))
	d.mu.Unlock()

	metrics.SegmentsLoadedTotal.WithLabelValues(transportLabel).Inc()
	d.events.LoadedHandler(seg, payload, responseURL)
}

func (d *Downloader) fetch(ctx context.Context, req *request) ([]byte, string, error) {
	seg := req.seg

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.requestURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}

	var resumeOffset int64
	switch {
	case seg.Range != nil:
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d",
			seg.Range.Offset, seg.Range.Offset+seg.Range.Length-1))
	case len(req.partial) > 0 && d.cfg.UseRanges:
		for _, chunk := range req.partial {
			resumeOffset += int64(len(chunk))
		}
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeOffset))
	}

	if d.requestSetup != nil {
		d.requestSetup(httpReq)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("request %s: %w", req.requestURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("request %s: unexpected status %d", req.requestURL, resp.StatusCode)
	}

	if resp.ContentLength >= 0 {
		d.events.SizeHandler(seg.ID, resumeOffset+resp.ContentLength)
	}

	body, err := d.readAll(ctx, seg.ID, resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", req.requestURL, err)
	}

	// Reassemble: previously received chunks first, in original order.
	var payload []byte
	if resumeOffset > 0 {
		payload = make([]byte, 0, resumeOffset+int64(len(body)))
		for _, chunk := range req.partial {
			payload = append(payload, chunk...)
		}
		payload = append(payload, body...)
	} else {
		payload = body
	}

	responseURL := req.requestURL
	if resp.Request != nil && resp.Request.URL != nil {
		responseURL = resp.Request.URL.String()
	}
	return payload, responseURL, nil
}

// readAll drains the body in chunks, reporting incremental progress and
// honoring the throughput cap.
func (d *Downloader) readAll(ctx context.Context, id domain.SegmentID, body io.Reader) ([]byte, error) {
	var out []byte
	buf := make([]byte, readChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if d.limiter != nil {
				if waitErr := d.limiter.WaitN(ctx, n); waitErr != nil {
					return nil, waitErr
				}
			}
			out = append(out, buf[:n]...)
			metrics.SegmentBytesTotal.WithLabelValues(transportLabel).Add(float64(n))
			if d.stillActive(id) {
				d.events.BytesDownloadedHandler(id, n)
			}
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (d *Downloader) stillActive(id domain.SegmentID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[id]
	return ok && !d.destroyed
}

// fail records the blacklist entry and emits segment-error, unless the
// request was already aborted, superseded or the adapter destroyed.
func (d *Downloader) fail(req *request, cause error) {
	seg := req.seg
	d.mu.Lock()
	if d.destroyed || d.active[seg.ID] != req {
		d.mu.Unlock()
		return
	}
	delete(d.active, seg.ID)
	d.failed[seg.ID] = d.now().Add(d.cfg.FailedSegmentTimeout)
	metrics.ActiveDownloads.WithLabelValues(transportLabel).Set(float64(len(d.active)))
	d.mu.Unlock()

	metrics.DownloadFailuresTotal.WithLabelValues(transportLabel).Inc()
	d.logger.Debug("segment download failed",
		slog.String("segmentId", string(seg.ID)),
		slog.String("error", cause.Error()),
	)
	d.events.ErrorHandler(seg, cause)
}

// purgeFailedLocked drops expired blacklist entries. Caller holds d.mu.
func (d *Downloader) purgeFailedLocked() {
	now := d.now()
	for id, until := range d.failed {
		if !now.Before(until) {
			delete(d.failed, id)
		}
	}
}
