// Package guard monitors engine memory and relieves pressure through
// cooperative cache eviction. Eviction runs only when invoked, from the
// generation loop's periodic check or an explicit client request, never on a
// timer.
package guard

import (
	"math"

	"go.uber.org/zap"

	"github.com/papercomputeco/hearth/pkg/llm"
)

// DefaultThreshold is the active-memory level above which the generation
// loop's periodic check triggers an eviction.
const DefaultThreshold = 10 << 30 // 10 GiB

// Usage holds engine memory figures in gigabytes, rounded for display.
type Usage struct {
	ActiveGB float64 `json:"active_memory_gb"`
	PeakGB   float64 `json:"peak_memory_gb"`
	CacheGB  float64 `json:"cache_memory_gb"`
}

// Guard wraps an engine with threshold-gated eviction.
type Guard struct {
	engine    llm.Engine
	logger    *zap.Logger
	threshold uint64
}

// New creates a guard over the engine using DefaultThreshold.
func New(engine llm.Engine, logger *zap.Logger) *Guard {
	return &Guard{engine: engine, logger: logger, threshold: DefaultThreshold}
}

// CheckAndEvict clears the engine cache when active memory exceeds the
// threshold. Reports whether an eviction ran. The call is quick inline
// housekeeping, not a suspension point.
func (g *Guard) CheckAndEvict() bool {
	active := g.engine.ActiveMemory()
	if active <= g.threshold {
		return false
	}

	g.logger.Info("active memory above threshold, evicting cache",
		zap.Float64("active_gb", toGB(active)),
		zap.Float64("threshold_gb", toGB(g.threshold)),
	)
	g.engine.ClearCache()
	return true
}

// Evict unconditionally clears the engine cache.
func (g *Guard) Evict() {
	g.engine.ClearCache()
	g.logger.Info("cache cleared",
		zap.Float64("active_gb", toGB(g.engine.ActiveMemory())),
		zap.Float64("peak_gb", toGB(g.engine.PeakMemory())),
	)
}

// Report returns the engine's current memory figures.
func (g *Guard) Report() Usage {
	return Usage{
		ActiveGB: toGB(g.engine.ActiveMemory()),
		PeakGB:   toGB(g.engine.PeakMemory()),
		CacheGB:  toGB(g.engine.CacheMemory()),
	}
}

func toGB(bytes uint64) float64 {
	return math.Round(float64(bytes)/(1<<30)*100) / 100
}
