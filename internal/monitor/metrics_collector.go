// Package monitor samples host resource usage alongside the number of
// in-flight runs and reports it periodically.
package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/model"
)

// StatusSubject carries host stats when a NATS connection is configured
const StatusSubject = "status.host"

// RunTracker reports the runs currently executing
type RunTracker interface {
	InFlight() []string
}

// StatsCollector collects host stats
type StatsCollector struct {
	logger   *zap.Logger
	runs     RunTracker
	nc       *nats.Conn
	interval time.Duration

	mu     sync.RWMutex
	latest model.HostStats
}

// NewStatsCollector creates a collector. nc may be nil.
func NewStatsCollector(runs RunTracker, nc *nats.Conn, interval time.Duration, logger *zap.Logger) *StatsCollector {
	if interval <= 0 {
		interval = time.Minute
	}
	return &StatsCollector{
		logger:   logger.Named("monitor"),
		runs:     runs,
		nc:       nc,
		interval: interval,
	}
}

// Run collects and logs a status line every interval until ctx is done
func (c *StatsCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.Collect(ctx)
			c.logger.Info("Status",
				zap.Int("in_flight", stats.InFlight),
				zap.Float64("cpu_usage", stats.CPUUsage),
				zap.Float64("memory_usage", stats.MemoryUsage))
			c.publish(stats)
		}
	}
}

// Collect samples the host now and remembers the result
func (c *StatsCollector) Collect(ctx context.Context) model.HostStats {
	stats := model.HostStats{
		InFlight:    len(c.runs.InFlight()),
		CollectedAt: time.Now().UTC(),
	}

	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		c.logger.Warn("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		stats.CPUUsage = cpuPercent[0]
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		c.logger.Warn("Failed to get memory usage", zap.Error(err))
	} else {
		stats.MemoryUsage = memInfo.UsedPercent
		stats.MemoryUsed = memInfo.Used
		stats.MemoryTotal = memInfo.Total
	}

	c.mu.Lock()
	c.latest = stats
	c.mu.Unlock()
	return stats
}

// Latest returns the most recent sample
func (c *StatsCollector) Latest() model.HostStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

func (c *StatsCollector) publish(stats model.HostStats) {
	if c.nc == nil {
		return
	}

	data, err := json.Marshal(stats)
	if err != nil {
		c.logger.Error("Failed to marshal stats", zap.Error(err))
		return
	}
	if err := c.nc.Publish(StatusSubject, data); err != nil {
		c.logger.Error("Failed to publish stats", zap.Error(err))
	}
}
