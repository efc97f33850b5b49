package peerswarm

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/anacrolix/torrent"

	"hybridstream/internal/domain"
	"hybridstream/internal/domain/ports"
)

func TestMapPriority(t *testing.T) {
	tests := []struct {
		name string
		in   domain.Priority
		want torrent.PiecePriority
	}{
		{"None", domain.PriorityNone, torrent.PiecePriorityNone},
		{"NextForPlayback", 0, torrent.PiecePriorityNow},
		{"Following", 1, torrent.PiecePriorityNext},
		{"NearWindow", 2, torrent.PiecePriorityReadahead},
		{"WindowEdge", 3, torrent.PiecePriorityReadahead},
		{"FarAhead", 8, torrent.PiecePriorityNormal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := mapPriority(tc.in); got != tc.want {
				t.Fatalf("mapPriority(%d) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestSegmentBaseName(t *testing.T) {
	tests := []struct {
		rawURL string
		want   string
	}{
		{"http://cdn.example/live/stream/seg-42.ts", "seg-42.ts"},
		{"http://cdn.example/seg.ts?token=abc", "seg.ts"},
		{"seg-plain.ts", "seg-plain.ts"},
	}
	for _, tc := range tests {
		if got := segmentBaseName(tc.rawURL); got != tc.want {
			t.Errorf("segmentBaseName(%q) = %q, want %q", tc.rawURL, got, tc.want)
		}
	}
}

func newBareAdapter() *Adapter {
	var events ports.SegmentEvents
	events.SetDefaults()
	return &Adapter{
		cfg:    Config{FailedSegmentTimeout: 10 * time.Second},
		events: events,
		active: make(map[domain.SegmentID]*transfer),
		failed: make(map[domain.SegmentID]time.Time),
		mu:     sync.Mutex{},
		now:    time.Now,
	}
}

func TestFailureCooldownPurgesLazily(t *testing.T) {
	a := newBareAdapter()
	now := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return now }

	id := domain.SegmentID("seg-1.ts")
	a.failed[id] = now.Add(10 * time.Second)

	if !a.IsFailed(id) {
		t.Fatal("IsFailed = false during cooldown")
	}

	now = now.Add(11 * time.Second)
	if a.IsFailed(id) {
		t.Fatal("IsFailed = true after cooldown elapsed")
	}
	a.mu.Lock()
	_, still := a.failed[id]
	a.mu.Unlock()
	if still {
		t.Error("expired cooldown entry not purged")
	}
}

func TestUpdatePriorityWithoutTransferIsUsageError(t *testing.T) {
	a := newBareAdapter()
	seg := &domain.Segment{ID: "seg-2.ts", URL: "seg-2.ts", Priority: 0}
	if err := a.UpdatePriority(seg); !errors.Is(err, domain.ErrNotDownloading) {
		t.Errorf("UpdatePriority = %v, want ErrNotDownloading", err)
	}
}

func TestDownloadWithoutSwarmFails(t *testing.T) {
	a := newBareAdapter()
	seg := &domain.Segment{ID: "seg-3.ts", URL: "seg-3.ts", Priority: 0}
	if err := a.Download(seg, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Download with no swarm = %v, want ErrNotFound", err)
	}
}

func TestDestroySilencesAdapter(t *testing.T) {
	a := newBareAdapter()
	a.Destroy()

	seg := &domain.Segment{ID: "seg-4.ts", URL: "seg-4.ts", Priority: 0}
	if err := a.Download(seg, nil); !errors.Is(err, domain.ErrDestroyed) {
		t.Errorf("Download after Destroy = %v, want ErrDestroyed", err)
	}
	if got := a.PeersConnected(); got != 0 {
		t.Errorf("PeersConnected after Destroy = %d, want 0", got)
	}
}

func TestAbortUnknownSegmentIsNoOp(t *testing.T) {
	a := newBareAdapter()
	a.Abort("never-requested.ts")
	if len(a.ActiveDownloads()) != 0 {
		t.Error("ActiveDownloads not empty")
	}
}
