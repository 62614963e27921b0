package backfill

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "chartflow/config"
	"chartflow/internal/cache"
	"chartflow/internal/channel"
	"chartflow/internal/connector"
	"chartflow/logger"
	"chartflow/models"
)

// FillResult is the outcome of one gap fill, delivered back to the
// pipeline so repaired history can be re-aggregated. Remaining lists
// the sub-ranges still uncovered, non-empty when the page budget ran
// out or the venue could not serve the range at all.
type FillResult struct {
	Gap       models.HistoricalGap
	Trades    []models.Trade
	Remaining []cache.Range
	Reason    models.GapReason
	Err       error
}

// Coordinator consumes gap reports and repairs them from the cheapest
// source available: the local cache first, then bulk daily archives
// for whole UTC days, then paginated REST for the remainder. Every
// fetched page is written through to the cache so a repeated gap
// costs no network at all.
type Coordinator struct {
	store      *cache.Store
	archive    *ArchiveClient
	requests   *RequestHandler
	channels   *channel.Channels
	connectors map[string]connector.Connector
	results    chan FillResult
	cfg        appconfig.BackfillConfig
	log        *logger.Log

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewCoordinator(store *cache.Store, ch *channel.Channels, connectors []connector.Connector, cfg appconfig.BackfillConfig) *Coordinator {
	byKey := make(map[string]connector.Connector, len(connectors))
	for _, conn := range connectors {
		byKey[connectorKey(conn.Exchange(), conn.Market())] = conn
	}

	return &Coordinator{
		store:      store,
		archive:    NewArchiveClient(),
		requests:   NewRequestHandler(cfg.RetryCooldown),
		channels:   ch,
		connectors: byKey,
		results:    make(chan FillResult, 256),
		cfg:        cfg,
		log:        logger.GetLogger(),
	}
}

func connectorKey(ex models.Exchange, mkt models.MarketType) string {
	return string(ex) + ":" + string(mkt)
}

// Results delivers fill outcomes in completion order.
func (c *Coordinator) Results() <-chan FillResult {
	return c.results
}

func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("backfill coordinator already running")
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.run()

	c.log.WithComponent("backfill").Info("backfill coordinator started successfully")
	return nil
}

func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	close(c.results)
	c.log.WithComponent("backfill").Info("backfill coordinator stopped")
}

func (c *Coordinator) run() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case gap := <-c.channels.Gaps:
			if _, act := c.requests.Track(gap); !act {
				continue
			}
			result := c.Fill(c.ctx, gap)
			if result.Err != nil {
				c.requests.Fail(gap, result.Err)
			} else {
				c.requests.Complete(gap)
			}
			select {
			case c.results <- result:
			case <-c.ctx.Done():
				return
			}
		}
	}
}

// Fill repairs a single gap and returns whatever trades now cover it.
func (c *Coordinator) Fill(ctx context.Context, gap models.HistoricalGap) FillResult {
	log := c.log.WithComponent("backfill").WithFields(logger.Fields{
		"instrument": gap.Instrument.Key(),
		"from":       gap.FromTime,
		"to":         gap.ToTime,
		"reason":     string(gap.Reason),
	})

	whole := []cache.Range{{From: gap.FromTime, To: gap.ToTime}}

	conn, ok := c.connectors[connectorKey(gap.Instrument.Exchange, gap.Instrument.Market)]
	if !ok {
		return FillResult{Gap: gap, Remaining: whole, Reason: models.GapReasonUnsupported,
			Err: fmt.Errorf("%w: no connector for %s", models.ErrUnavailable, gap.Instrument.Key())}
	}

	caps := conn.Capabilities()
	if !caps.HistoricalTrades && !caps.BulkArchive {
		log.Warn("venue cannot serve historical trades, gap stays open")
		return FillResult{Gap: gap, Remaining: whole, Reason: models.GapReasonUnsupported}
	}

	cached, covered, err := c.store.GetTrades(gap.Instrument, gap.FromTime, gap.ToTime)
	if err != nil {
		return FillResult{Gap: gap, Err: err}
	}

	holes := cache.Uncovered(gap.FromTime, gap.ToTime, covered)
	if len(holes) == 0 {
		log.WithFields(logger.Fields{"trades": len(cached)}).Info("gap served entirely from cache")
		return FillResult{Gap: gap, Trades: cached}
	}

	timeout := c.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	fillCtx, cancelFill := context.WithTimeout(ctx, timeout)
	defer cancelFill()

	for _, hole := range holes {
		if err := c.fillHole(fillCtx, conn, gap.Instrument, hole); err != nil {
			return FillResult{Gap: gap, Err: err}
		}
	}

	trades, covered, err := c.store.GetTrades(gap.Instrument, gap.FromTime, gap.ToTime)
	if err != nil {
		return FillResult{Gap: gap, Err: err}
	}
	remaining := cache.Uncovered(gap.FromTime, gap.ToTime, covered)
	if len(remaining) > 0 {
		log.WithFields(logger.Fields{"trades": len(trades), "remaining": len(remaining)}).
			Warn("gap partially filled, page budget exhausted")
	} else {
		log.WithFields(logger.Fields{"trades": len(trades), "holes": len(holes)}).Info("gap filled")
	}
	return FillResult{Gap: gap, Trades: trades, Remaining: remaining}
}

const dayMs = int64(24 * time.Hour / time.Millisecond)

// withRetry runs fn under the configured bounded retry policy. The
// last error is returned once attempts are exhausted.
func (c *Coordinator) withRetry(ctx context.Context, fn func() error) error {
	attempts := c.cfg.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := c.cfg.Retry.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	multiplier := time.Duration(c.cfg.Retry.BackoffMultiplier)
	if multiplier <= 0 {
		multiplier = 2
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay *= multiplier
			if delay > maxDelay {
				delay = maxDelay
			}
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: retries exhausted: %v", models.ErrFetchFailed, err)
}

// fillHole fetches one uncovered range. Whole past UTC days come from
// the bulk archive, the rest from paginated REST.
func (c *Coordinator) fillHole(ctx context.Context, conn connector.Connector, inst models.Instrument, hole cache.Range) error {
	caps := conn.Capabilities()
	cursor := hole.From

	if caps.BulkArchive && conn.ArchiveURL() != "" {
		todayStart := time.Now().UTC().Truncate(24 * time.Hour).UnixMilli()
		dayStart := cursor
		if rem := dayStart % dayMs; rem != 0 {
			dayStart += dayMs - rem
		}
		for dayStart+dayMs <= hole.To+1 && dayStart+dayMs <= todayStart {
			if err := ctx.Err(); err != nil {
				return err
			}
			// Anything between the cursor and the day boundary goes
			// through REST below on the next pass; archive days are
			// filled first so REST pagination shrinks.
			day := time.UnixMilli(dayStart).UTC()
			var trades []models.Trade
			err := c.withRetry(ctx, func() error {
				var fetchErr error
				trades, fetchErr = c.archive.FetchDay(ctx, conn.ArchiveURL(), inst, day)
				return fetchErr
			})
			if err != nil {
				return err
			}
			if err := c.store.PutTrades(inst, dayStart, dayStart+dayMs-1, trades); err != nil {
				return err
			}
			dayStart += dayMs
		}
	}

	if !caps.HistoricalTrades {
		return nil
	}

	// Re-read coverage: archive days may have shrunk the hole.
	_, covered, err := c.store.GetTrades(inst, hole.From, hole.To)
	if err != nil {
		return err
	}
	for _, sub := range cache.Uncovered(hole.From, hole.To, covered) {
		if err := ctx.Err(); err != nil {
			return err
		}
		var trades []models.Trade
		err := c.withRetry(ctx, func() error {
			var fetchErr error
			trades, fetchErr = conn.FetchHistoricalTrades(ctx, inst, sub.From, sub.To, c.cfg.MaxPagesPerRequest)
			return fetchErr
		})
		if err != nil {
			return err
		}

		coveredTo := sub.To
		if len(trades) > 0 {
			last := trades[len(trades)-1].Time
			if last < coveredTo {
				coveredTo = last
			}
		}
		if err := c.store.PutTrades(inst, sub.From, coveredTo, trades); err != nil {
			return err
		}
	}
	return nil
}
