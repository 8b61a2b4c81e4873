package render

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// DefaultFreshInterval is the minimum time between two memory-triggered
// surface rebuilds.
const DefaultFreshInterval = 30 * time.Second

// MemoryGuard decides when a render surface must be rebuilt because the
// process uses more memory than allowed.
type MemoryGuard struct {
	limit    uint64
	interval time.Duration

	rss func() (uint64, error)
	now func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewMemoryGuard creates a guard. A zero limit disables it.
func NewMemoryGuard(limit uint64, interval time.Duration) *MemoryGuard {
	if interval <= 0 {
		interval = DefaultFreshInterval
	}
	return &MemoryGuard{
		limit:    limit,
		interval: interval,
		rss:      processRSS,
		now:      time.Now,
	}
}

// Check reports whether a rebuild is due: the resident set exceeds the limit
// and no rebuild happened within the interval. A true result starts a new
// interval.
func (g *MemoryGuard) Check() bool {
	if g == nil || g.limit == 0 {
		return false
	}
	rss, err := g.rss()
	if err != nil || rss <= g.limit {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if !g.last.IsZero() && now.Sub(g.last) < g.interval {
		return false
	}
	g.last = now
	return true
}

// Trim returns freed memory to the operating system.
func (g *MemoryGuard) Trim() {
	debug.FreeOSMemory()
}

// processRSS reads the resident set size from procfs, falling back to the
// runtime's view of memory obtained from the OS where procfs is missing.
func processRSS() (uint64, error) {
	if proc, err := procfs.Self(); err == nil {
		if stat, err := proc.Stat(); err == nil {
			return uint64(stat.ResidentMemory()), nil
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys, nil
}
