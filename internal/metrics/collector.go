// Package metrics provides periodic system metrics collection.
package metrics

import (
	"context"
	"log"
	"runtime"
	"time"

	"gorm.io/gorm"
)

// SystemMetricsCollector periodically samples goroutine count and
// database connection pool stats, the ambient system metrics every
// component's workload rides on top of.
type SystemMetricsCollector struct {
	db       *gorm.DB
	metrics  *Metrics
	interval time.Duration
	stopCh   chan struct{}
}

// NewSystemMetricsCollector creates a new system metrics collector. db
// may be nil, in which case database metrics are skipped.
func NewSystemMetricsCollector(db *gorm.DB, interval time.Duration) *SystemMetricsCollector {
	return &SystemMetricsCollector{
		db:       db,
		metrics:  Get(),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic collection.
func (c *SystemMetricsCollector) Start(ctx context.Context) {
	go func() {
		c.collect()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *SystemMetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *SystemMetricsCollector) collect() {
	c.metrics.GoroutineNum.Set(float64(runtime.NumGoroutine()))

	if c.db == nil {
		return
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		log.Printf("metrics: failed to get database handle: %v", err)
		return
	}
	stats := sqlDB.Stats()
	c.metrics.DBConnectionsActive.Set(float64(stats.InUse))
	c.metrics.DBConnectionsIdle.Set(float64(stats.Idle))
}
