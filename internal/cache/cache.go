// Package cache provides caching for rendered ion images and decoded spectra.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	ImageCacheSizeMB  int
	ImageTTL          time.Duration
	SpectrumCacheSize int
}

// Spectrum is a decoded per-pixel spectrum held in the spectrum cache.
type Spectrum struct {
	Mzs         []float64
	Intensities []float64
}

// Manager manages the rendered-image and spectrum caches. One manager is
// shared across all datasets; keys carry the dataset ID.
type Manager struct {
	imageCache    *bigcache.BigCache
	spectrumCache *lru.Cache[string, Spectrum]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	imageCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.ImageTTL,
		CleanWindow:        cfg.ImageTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       512 * 1024, // rendered PNGs are small, leave headroom
		HardMaxCacheSize:   cfg.ImageCacheSizeMB,
		Verbose:            false,
	}

	imageCache, err := bigcache.New(context.Background(), imageCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create image cache: %w", err)
	}

	spectrumCache, err := lru.New[string, Spectrum](cfg.SpectrumCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create spectrum cache: %w", err)
	}

	return &Manager{
		imageCache:    imageCache,
		spectrumCache: spectrumCache,
	}, nil
}

// GetImage retrieves a rendered image from cache.
func (m *Manager) GetImage(key string) ([]byte, bool) {
	data, err := m.imageCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetImage stores a rendered image in cache.
func (m *Manager) SetImage(key string, data []byte) error {
	return m.imageCache.Set(key, data)
}

// GetSpectrum retrieves a decoded spectrum.
func (m *Manager) GetSpectrum(key string) (Spectrum, bool) {
	return m.spectrumCache.Get(key)
}

// SetSpectrum stores a decoded spectrum.
func (m *Manager) SetSpectrum(key string, s Spectrum) {
	m.spectrumCache.Add(key, s)
}

// IonImageKey generates a cache key for a rendered ion image.
func IonImageKey(dataset string, mz float64, normalize bool, colormap string, pointScale float64) string {
	return fmt.Sprintf("ion:%s:%.4f:%t:%s:ps=%.3f", dataset, mz, normalize, colormap, pointScale)
}

// SpectrumKey generates a cache key for a decoded spectrum.
func SpectrumKey(dataset string, pixel int) string {
	return fmt.Sprintf("%s:%d", dataset, pixel)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"image_cache_len":    m.imageCache.Len(),
		"image_cache_cap":    m.imageCache.Capacity(),
		"spectrum_cache_len": m.spectrumCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.imageCache.Close()
}
