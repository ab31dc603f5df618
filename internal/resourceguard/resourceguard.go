// Package resourceguard enforces static resource limits at the edge where
// bytes enter a meshd process: the bridge's TCP ingestion path. It never
// touches Net.Send or
// Endpoint.Give, which must stay non-blocking and unconditional for the
// core routing guarantees to hold; a guard only decides whether a caller
// gets to call them at all.
package resourceguard

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/time/rate"

	"meshfabric/internal/metrics"
)

// Config configures a Guard's limiter and emergency-brake thresholds.
type Config struct {
	IngestRateRPS  float64
	IngestBurst    int
	MaxCPUPercent  float64
	MaxMemPercent  float64
	SampleInterval time.Duration
}

// Guard enforces a token-bucket rate limit on ingestion plus CPU/memory
// emergency brakes sampled on a background ticker.
type Guard struct {
	cfg Config
	log zerolog.Logger
	met *metrics.Registry

	limiter *rate.Limiter

	currentCPU    atomic.Value // float64
	currentMemPct atomic.Value // float64
	memLimitBytes int64
}

// New builds a Guard. met may be nil.
func New(cfg Config, log zerolog.Logger, met *metrics.Registry) *Guard {
	g := &Guard{
		cfg:     cfg,
		log:     log,
		met:     met,
		limiter: rate.NewLimiter(rate.Limit(cfg.IngestRateRPS), cfg.IngestBurst),
	}
	g.currentCPU.Store(0.0)
	g.currentMemPct.Store(0.0)

	g.memLimitBytes = cgroupMemoryLimit()
	if g.memLimitBytes == 0 {
		if vm, err := mem.VirtualMemory(); err == nil {
			g.memLimitBytes = int64(vm.Total)
		}
	}

	log.Info().
		Float64("ingest_rate_rps", cfg.IngestRateRPS).
		Int("ingest_burst", cfg.IngestBurst).
		Float64("max_cpu_percent", cfg.MaxCPUPercent).
		Float64("max_mem_percent", cfg.MaxMemPercent).
		Int64("mem_limit_bytes", g.memLimitBytes).
		Msg("resource guard initialized")

	return g
}

// AllowIngest reports whether the caller may accept one more unit of
// ingestion work (one bridge frame) under the
// configured rate limit.
func (g *Guard) AllowIngest() bool {
	return g.limiter.Allow()
}

// ShouldAccept reports whether new work should be accepted given the last
// sampled CPU and memory readings. Call UpdateResources periodically (or
// run StartMonitoring) to keep those readings current.
func (g *Guard) ShouldAccept() (accept bool, reason string) {
	cpuPct := g.currentCPU.Load().(float64)
	memPct := g.currentMemPct.Load().(float64)

	if g.cfg.MaxCPUPercent > 0 && cpuPct > g.cfg.MaxCPUPercent {
		g.log.Warn().Float64("cpu_percent", cpuPct).Float64("threshold", g.cfg.MaxCPUPercent).
			Msg("resource guard rejecting: cpu over threshold")
		return false, fmt.Sprintf("cpu %.1f%% > %.1f%%", cpuPct, g.cfg.MaxCPUPercent)
	}
	if g.cfg.MaxMemPercent > 0 && memPct > g.cfg.MaxMemPercent {
		g.log.Warn().Float64("mem_percent", memPct).Float64("threshold", g.cfg.MaxMemPercent).
			Msg("resource guard rejecting: memory over threshold")
		return false, fmt.Sprintf("memory %.1f%% > %.1f%%", memPct, g.cfg.MaxMemPercent)
	}
	return true, "OK"
}

// UpdateResources samples current CPU and memory usage. The CPU sample
// blocks for 100ms: long enough to be meaningful, short enough not to stall
// a periodic caller running on a multi-second interval.
func (g *Guard) UpdateResources() {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		g.log.Warn().Err(err).Msg("resource guard: cpu sample failed")
	} else if len(cpuPercent) > 0 {
		g.currentCPU.Store(cpuPercent[0])
	}

	var rt runtime.MemStats
	runtime.ReadMemStats(&rt)
	memPct := 0.0
	if g.memLimitBytes > 0 {
		memPct = float64(rt.Alloc) / float64(g.memLimitBytes) * 100
	}
	g.currentMemPct.Store(memPct)
}

// StartMonitoring runs UpdateResources on a ticker until ctx is canceled.
func (g *Guard) StartMonitoring(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.SampleInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.UpdateResources()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stats returns a snapshot of the guard's current readings, useful for
// debug endpoints or logging.
func (g *Guard) Stats() map[string]any {
	return map[string]any{
		"cpu_percent":     g.currentCPU.Load().(float64),
		"mem_percent":     g.currentMemPct.Load().(float64),
		"mem_limit_bytes": g.memLimitBytes,
		"ingest_rate_rps": g.cfg.IngestRateRPS,
		"ingest_burst":    g.cfg.IngestBurst,
		"goroutines":      runtime.NumGoroutine(),
	}
}
