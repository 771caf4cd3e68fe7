package brainstem

import (
	"log/slog"
	"maps"
	"runtime"
	"sync"
	"time"
)

// SensorSnapshot maps metric id to value, e.g. perf_system_cpu_load,
// perf_system_mem_used, perf_system_gpu_load.
type SensorSnapshot map[string]float64

// Copy returns a defensive copy, since cache reads must never hand out the
// cached map itself.
func (s SensorSnapshot) Copy() SensorSnapshot {
	return maps.Clone(s)
}

// BaseProbe returns cross-platform CPU/memory/disk metrics; expected to be
// cheap (<10ms).
type BaseProbe func() SensorSnapshot

// PlatformProbe returns platform-specific metrics (e.g. GPU), which may be
// expensive (seconds) and may fail.
type PlatformProbe func() (SensorSnapshot, error)

type cacheEntry struct {
	snapshot SensorSnapshot
	at       time.Time
}

// SensorLayer polls system metrics and memoizes results per cache key with
// a short TTL. Concurrent readers see a consistent snapshot; all reads
// return a defensive copy.
type SensorLayer struct {
	base     BaseProbe
	platform PlatformProbe
	ttl      time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewSensorLayer constructs a SensorLayer. ttl defaults to 10s (roughly 2x
// the request monitor's default polling period) when zero.
func NewSensorLayer(base BaseProbe, platform PlatformProbe, ttl time.Duration, logger *slog.Logger) *SensorLayer {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SensorLayer{
		base:     base,
		platform: platform,
		ttl:      ttl,
		logger:   logger,
		cache:    make(map[string]cacheEntry),
	}
}

// PollBase returns cross-platform metrics directly, bypassing the cache.
func (s *SensorLayer) PollBase() SensorSnapshot {
	if s.base == nil {
		return SensorSnapshot{}
	}
	return s.base()
}

// PollPlatform returns platform-specific metrics directly, bypassing the
// cache. On probe failure, returns an empty snapshot and the error; callers
// merging into poll_system_metrics drop these fields per the edge policy.
func (s *SensorLayer) PollPlatform() (SensorSnapshot, error) {
	if s.platform == nil {
		return SensorSnapshot{}, nil
	}
	return s.platform()
}

// PollSystemMetrics merges base and platform metrics, cached under key,
// honoring the TTL. When the platform probe fails, its fields are dropped
// and base metrics are still returned.
func (s *SensorLayer) PollSystemMetrics(key string) SensorSnapshot {
	s.mu.Lock()
	if entry, ok := s.cache[key]; ok && time.Since(entry.at) < s.ttl {
		snap := entry.snapshot.Copy()
		s.mu.Unlock()
		return snap
	}
	s.mu.Unlock()

	merged := SensorSnapshot{}
	for k, v := range s.PollBase() {
		merged[k] = v
	}
	if platform, err := s.PollPlatform(); err != nil {
		s.logger.Warn("platform sensor probe failed, returning base metrics only",
			"event", "sensor_platform_probe_failed", "error", err.Error())
	} else {
		for k, v := range platform {
			merged[k] = v
		}
	}

	s.mu.Lock()
	s.cache[key] = cacheEntry{snapshot: merged.Copy(), at: time.Now()}
	s.mu.Unlock()

	return merged.Copy()
}

// Default cache keys used by the two entry points described in spec §4.3;
// kept distinct per the resolved open question (SPEC_FULL.md).
const (
	SensorCacheKeySystem   = "system"
	SensorCacheKeySnapshot = "snapshot"
)

// DefaultBaseProbe reports a minimal cross-platform snapshot using only
// stdlib facilities available without adding a system-metrics dependency
// the example pack doesn't carry for this concern; callers running on a
// real host wire in a fuller base probe (disk/mem via OS-specific calls).
func DefaultBaseProbe() SensorSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return SensorSnapshot{
		"perf_system_goroutines": float64(runtime.NumGoroutine()),
		"perf_system_mem_alloc":  float64(mem.Alloc),
	}
}
