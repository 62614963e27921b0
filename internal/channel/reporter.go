package channel

import (
	"context"
	"time"

	"chartflow/internal/metrics"
	"chartflow/logger"
)

// StartMetricsReporting emits occupancy gauges for the event and gap
// buffers every interval until the context is cancelled. When interval
// is not positive, a one-second cadence is used.
func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if !metrics.IsFeatureEnabled(metrics.FeatureChannelSize) {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	component := "channel_buffers"

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.EmitMetric(log, component, "event_buffer_length", len(c.Events), "gauge", logger.Fields{
					"buffer":   "events",
					"capacity": cap(c.Events),
				})
				metrics.EmitMetric(log, component, "gap_buffer_length", len(c.Gaps), "gauge", logger.Fields{
					"buffer":   "gaps",
					"capacity": cap(c.Gaps),
				})

				stats := c.GetStats()
				if stats.EventsDropped > 0 {
					metrics.EmitMetric(log, component, "events_dropped_total", stats.EventsDropped, "counter", logger.Fields{
						"buffer": "events",
					})
				}
			}
		}
	}()
}
