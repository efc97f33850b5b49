package app

import (
	"context"
	"sync"
	"time"
)

// LoaderSettings are the operator-tunable loader knobs persisted across
// restarts. The probability is applied to the running loader immediately;
// concurrency and cache bounds take effect on the next start.
type LoaderSettings struct {
	HTTPDownloadProbability   float64 `json:"httpDownloadProbability"`
	SimultaneousHTTPDownloads int     `json:"simultaneousHttpDownloads"`
	SimultaneousP2PDownloads  int     `json:"simultaneousP2pDownloads"`
	CachedSegmentsCount       int     `json:"cachedSegmentsCount"`
	CachedSegmentExpirationMS int64   `json:"cachedSegmentExpirationMs"`
}

// LoaderSettingsEngine is the live-tunable surface of the running loader.
type LoaderSettingsEngine interface {
	HTTPDownloadProbability() float64
	SetHTTPDownloadProbability(p float64)
}

type LoaderSettingsStore interface {
	GetLoaderSettings(ctx context.Context) (LoaderSettings, bool, error)
	SetLoaderSettings(ctx context.Context, settings LoaderSettings) error
}

type LoaderSettingsManager struct {
	mu      sync.RWMutex
	engine  LoaderSettingsEngine
	store   LoaderSettingsStore
	current LoaderSettings
	timeout time.Duration
}

func NewLoaderSettingsManager(initial LoaderSettings, engine LoaderSettingsEngine, store LoaderSettingsStore) *LoaderSettingsManager {
	return &LoaderSettingsManager{
		engine:  engine,
		store:   store,
		current: initial,
		timeout: 5 * time.Second,
	}
}

func (m *LoaderSettingsManager) Get() LoaderSettings {
	m.mu.RLock()
	settings := m.current
	m.mu.RUnlock()

	if m.engine != nil {
		settings.HTTPDownloadProbability = m.engine.HTTPDownloadProbability()
	}
	return settings
}

func (m *LoaderSettingsManager) Update(next LoaderSettings) error {
	prev := m.Get()

	if m.engine != nil && next.HTTPDownloadProbability != prev.HTTPDownloadProbability {
		m.engine.SetHTTPDownloadProbability(next.HTTPDownloadProbability)
	}

	m.mu.Lock()
	m.current = next
	m.mu.Unlock()

	if m.store == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.store.SetLoaderSettings(ctx, next); err != nil {
		if m.engine != nil && next.HTTPDownloadProbability != prev.HTTPDownloadProbability {
			m.engine.SetHTTPDownloadProbability(prev.HTTPDownloadProbability)
		}
		m.mu.Lock()
		m.current = prev
		m.mu.Unlock()
		return err
	}

	return nil
}
