package connector

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"chartflow/internal/metrics"
	"chartflow/logger"
)

// usedWeightHeader is the Binance per-minute request weight header.
const usedWeightHeader = "X-MBX-USED-WEIGHT-1M"

// restThrottle combines a request-rate limiter with adaptive slowdown
// driven by the venue's reported weight usage.
type restThrottle struct {
	limiter *rate.Limiter
	weight  int64
	used    atomic.Int64
	log     *logger.Log
	venue   string
}

func newRestThrottle(venue string, rps, burst int, weightLimit int64) *restThrottle {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = rps
	}
	return &restThrottle{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		weight:  weightLimit,
		log:     logger.GetLogger(),
		venue:   venue,
	}
}

// wait blocks until the limiter admits a request, then applies the
// usage-based slowdown tiers: above 95% of the weight budget requests
// stall until the minute window resets, above 90% and 80% they slow
// down progressively.
func (t *restThrottle) wait(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	if t.weight <= 0 {
		return nil
	}

	usage := float64(t.used.Load()) / float64(t.weight) * 100
	var pause time.Duration
	switch {
	case usage >= 95:
		pause = untilNextMinute()
	case usage >= 90:
		pause = 5 * time.Second
	case usage >= 80:
		pause = time.Second
	default:
		return nil
	}

	t.log.WithComponent("rate_limit").WithFields(logger.Fields{
		"exchange":  t.venue,
		"usage_pct": usage,
		"pause":     pause.String(),
	}).Warn("request weight nearing limit; slowing down")

	timer := time.NewTimer(pause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// observe records the used weight from a response's headers.
func (t *restThrottle) observe(header http.Header) {
	raw := header.Get(usedWeightHeader)
	if raw == "" {
		return
	}
	used, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return
	}
	t.used.Store(used)
	metrics.EmitUsedWeight(t.log, t.venue, used, t.weight)
}

// setWeightLimit updates the per-minute budget, typically from the
// venue's exchange info response.
func (t *restThrottle) setWeightLimit(limit int64) {
	if limit > 0 {
		t.weight = limit
	}
}

func untilNextMinute() time.Duration {
	now := time.Now()
	return now.Truncate(time.Minute).Add(time.Minute).Sub(now)
}
