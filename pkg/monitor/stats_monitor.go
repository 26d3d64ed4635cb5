// Package monitor serves pipeline statistics from a short-lived cache so
// that polling clients do not contend with ingestion for the store lock.
package monitor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/labring/streamscope/pkg/aggregator"
	"github.com/labring/streamscope/pkg/clock"
)

const DefaultCacheTTL = time.Second

// Source yields fresh statistics. *aggregator.Store implements it.
type Source interface {
	Stats() aggregator.Stats
}

type StatsMonitor struct {
	source   Source
	clock    clock.Clock
	cacheTTL time.Duration

	mutex       sync.RWMutex
	stats       aggregator.Stats
	lastUpdated time.Time
}

func NewStatsMonitor(source Source, cacheTTL time.Duration, clk clock.Clock) *StatsMonitor {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &StatsMonitor{
		source:   source,
		clock:    clk,
		cacheTTL: cacheTTL,
	}
}

// GetStats returns the cached statistics and when they were taken,
// refreshing first if the cache is stale.
func (sm *StatsMonitor) GetStats() (aggregator.Stats, time.Time) {
	sm.mutex.RLock()
	stale := sm.lastUpdated.IsZero() || sm.clock.Now().Sub(sm.lastUpdated) > sm.cacheTTL
	sm.mutex.RUnlock()

	if stale {
		sm.Refresh()
	}

	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.stats, sm.lastUpdated
}

func (sm *StatsMonitor) Refresh() {
	stats := sm.source.Stats()

	sm.mutex.Lock()
	sm.stats = stats
	sm.lastUpdated = sm.clock.Now()
	sm.mutex.Unlock()

	slog.Debug("stats refreshed",
		slog.Int("sessions", stats.Sessions),
		slog.Int("streams", stats.Streams),
		slog.Int("emissions", stats.Emissions))
}
