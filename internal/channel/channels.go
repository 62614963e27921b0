package channel

import (
	"context"
	"sync"

	"chartflow/logger"
	"chartflow/models"
)

type ChannelStats struct {
	EventsSent    int64
	EventsDropped int64
	GapsSent      int64
	GapsDropped   int64
}

// Channels carries normalized market events from connectors into the
// pipeline and gap reports from the aggregator into the backfill
// coordinator. Sends never block: a full buffer drops the message and
// increments the drop counter instead.
type Channels struct {
	Events chan models.Event
	Gaps   chan models.HistoricalGap

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(eventBufferSize, gapBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Events: make(chan models.Event, eventBufferSize),
		Gaps:   make(chan models.HistoricalGap, gapBufferSize),
		log:    log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"event_buffer_size": eventBufferSize,
		"gap_buffer_size":   gapBufferSize,
	}).Info("market data channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Events)
	close(c.Gaps)
	c.log.WithComponent("channels").Info("market data channels closed")
}

func (c *Channels) incrementEventsSent() {
	c.statsMutex.Lock()
	c.stats.EventsSent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementEventsDropped() {
	c.statsMutex.Lock()
	c.stats.EventsDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementGapsSent() {
	c.statsMutex.Lock()
	c.stats.GapsSent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementGapsDropped() {
	c.statsMutex.Lock()
	c.stats.GapsDropped++
	c.statsMutex.Unlock()
}

// SendEvent attempts a non-blocking send of a market event. Returns
// false when the buffer is full or the context is cancelled; the
// caller decides whether a drop requires resynchronisation.
func (c *Channels) SendEvent(ctx context.Context, msg models.Event) bool {
	select {
	case c.Events <- msg:
		c.incrementEventsSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.incrementEventsDropped()
		return false
	}
}

// SendGap attempts a non-blocking send of a gap report.
func (c *Channels) SendGap(ctx context.Context, gap models.HistoricalGap) bool {
	select {
	case c.Gaps <- gap:
		c.incrementGapsSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.incrementGapsDropped()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
