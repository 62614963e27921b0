package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	binance "github.com/adshao/go-binance/v2"
	futures "github.com/adshao/go-binance/v2/futures"

	appconfig "chartflow/config"
	"chartflow/internal/channel"
	"chartflow/internal/codec"
	"chartflow/internal/metrics"
	"chartflow/logger"
	"chartflow/models"
)

const binanceRestPageLimit = 1000

// BinanceConnector serves one Binance market (spot or USD-M futures).
type BinanceConnector struct {
	market   models.MarketType
	cfg      appconfig.VenueConfig
	channels *channel.Channels
	throttle *restThrottle
	log      *logger.Log

	futuresClient *futures.Client
	spotClient    *binance.Client

	mu           sync.RWMutex
	running      bool
	instBySymbol map[string]models.Instrument
	klineStreams map[string]struct{}
	runner       *wsRunner
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

func NewBinanceConnector(market models.MarketType, cfg appconfig.VenueConfig, rl appconfig.ExchangeRateLimit, ch *channel.Channels) *BinanceConnector {
	c := &BinanceConnector{
		market:       market,
		cfg:          cfg,
		channels:     ch,
		throttle:     newRestThrottle(string(models.ExchangeBinance), rl.RequestsPerSecond, rl.BurstSize, rl.RequestWeight),
		log:          logger.GetLogger(),
		instBySymbol: make(map[string]models.Instrument),
		klineStreams: make(map[string]struct{}),
	}

	if market == models.MarketTypeSpot {
		c.spotClient = binance.NewClient("", "")
		if cfg.RestURL != "" {
			c.spotClient.SetApiEndpoint(cfg.RestURL)
		}
	} else {
		c.futuresClient = futures.NewClient("", "")
		if cfg.RestURL != "" {
			c.futuresClient.SetApiEndpoint(cfg.RestURL)
		}
	}
	return c
}

func (c *BinanceConnector) Exchange() models.Exchange { return models.ExchangeBinance }
func (c *BinanceConnector) Market() models.MarketType { return c.market }
func (c *BinanceConnector) ArchiveURL() string        { return c.cfg.ArchiveURL }

func (c *BinanceConnector) Capabilities() Capabilities {
	return Capabilities{
		HistoricalTrades: true,
		BulkArchive:      c.cfg.ArchiveURL != "",
		OpenInterest:     c.market != models.MarketTypeSpot,
		DepthLimit:       c.cfg.DepthLimit,
		DepthCadenceMs:   c.cfg.DepthCadenceMs,
	}
}

func (c *BinanceConnector) httpClient() *http.Client {
	if c.spotClient != nil {
		return c.spotClient.HTTPClient
	}
	return c.futuresClient.HTTPClient
}

func (c *BinanceConnector) apiPath(endpoint string) string {
	if c.market == models.MarketTypeSpot {
		return "/api/v3/" + endpoint
	}
	return "/fapi/v1/" + endpoint
}

// ResolveInstrument looks the symbol up in exchangeInfo and extracts
// the price tick and quantity step filters. The per-minute request
// weight budget reported alongside updates the throttle.
func (c *BinanceConnector) ResolveInstrument(ctx context.Context, symbol string) (models.Instrument, error) {
	inst := models.Instrument{
		Exchange: models.ExchangeBinance,
		Market:   c.market,
		Symbol:   strings.ToUpper(symbol),
	}

	if err := c.throttle.wait(ctx); err != nil {
		return inst, err
	}

	var (
		filters []map[string]interface{}
		found   bool
	)
	if c.market == models.MarketTypeSpot {
		info, err := c.spotClient.NewExchangeInfoService().Symbol(inst.Symbol).Do(ctx)
		if err != nil {
			return inst, fmt.Errorf("%w: exchange info: %v", models.ErrFetchFailed, err)
		}
		for _, rl := range info.RateLimits {
			if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
				c.throttle.setWeightLimit(rl.Limit)
			}
		}
		for _, s := range info.Symbols {
			if s.Symbol == inst.Symbol {
				filters = s.Filters
				found = true
				break
			}
		}
	} else {
		info, err := c.futuresClient.NewExchangeInfoService().Do(ctx)
		if err != nil {
			return inst, fmt.Errorf("%w: exchange info: %v", models.ErrFetchFailed, err)
		}
		for _, rl := range info.RateLimits {
			if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
				c.throttle.setWeightLimit(rl.Limit)
			}
		}
		for _, s := range info.Symbols {
			if s.Symbol == inst.Symbol {
				filters = s.Filters
				found = true
				break
			}
		}
	}
	if !found {
		return inst, fmt.Errorf("%w: unknown symbol %s", models.ErrFetchFailed, inst.Symbol)
	}

	for _, f := range filters {
		switch f["filterType"] {
		case "PRICE_FILTER":
			if v, ok := f["tickSize"].(string); ok {
				if tick, err := strconv.ParseFloat(v, 64); err == nil {
					inst.TickSize = tick
				}
			}
		case "LOT_SIZE":
			if v, ok := f["stepSize"].(string); ok {
				if step, err := strconv.ParseFloat(v, 64); err == nil {
					inst.QtyStep = step
				}
			}
		}
	}
	if inst.TickSize == 0 {
		return inst, fmt.Errorf("%w: no price filter for %s", models.ErrFetchFailed, inst.Symbol)
	}
	return inst, nil
}

func (c *BinanceConnector) streams() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for symbol := range c.instBySymbol {
		lower := strings.ToLower(symbol)
		out = append(out, lower+"@aggTrade")
		out = append(out, fmt.Sprintf("%s@depth@%dms", lower, c.cfg.DepthCadenceMs))
	}
	for s := range c.klineStreams {
		out = append(out, s)
	}
	return out
}

func (c *BinanceConnector) dialURL() string {
	return c.cfg.WsURL + "?streams=" + strings.Join(c.streams(), "/")
}

// Connect starts the combined stream covering trades, depth diffs and
// any kline subscriptions for the given instruments.
func (c *BinanceConnector) Connect(ctx context.Context, instruments []models.Instrument) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("binance %s connector already running", c.market)
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	for _, inst := range instruments {
		c.instBySymbol[inst.Symbol] = inst
	}
	c.mu.Unlock()

	log := c.log.WithComponent("binance_connector").WithFields(logger.Fields{
		"market": string(c.market),
	})
	log.WithFields(logger.Fields{"instruments": len(instruments)}).Info("starting binance connector")

	runner := newWSRunner(log, c.cfg.Reconnect.BaseDelay, c.cfg.Reconnect.MaxDelay)
	runner.dialURL = c.dialURL
	runner.handler = c.handleMessage
	runner.onUp = func() { c.emitLifecycle(models.EventConnected, nil) }
	runner.onDown = func(err error) { c.emitLifecycle(models.EventDisconnected, err) }

	c.mu.Lock()
	c.runner = runner
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		runner.run(c.ctx)
	}()

	log.Info("binance connector started successfully")
	return nil
}

func (c *BinanceConnector) emitLifecycle(kind models.EventKind, cause error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, inst := range c.instBySymbol {
		c.channels.SendEvent(c.ctx, models.Event{Kind: kind, Instrument: inst, Err: cause})
	}
}

func (c *BinanceConnector) handleMessage(raw []byte) {
	var peek struct {
		Stream string `json:"stream"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil || peek.Stream == "" {
		return
	}
	symbol := strings.ToUpper(strings.SplitN(peek.Stream, "@", 2)[0])

	c.mu.RLock()
	inst, ok := c.instBySymbol[symbol]
	ctx := c.ctx
	c.mu.RUnlock()
	if !ok {
		return
	}

	ev, err := codec.DecodeBinanceStream(inst, raw)
	if err != nil {
		c.log.WithComponent("binance_connector").WithError(err).Debug("dropping undecodable message")
		return
	}

	if !c.channels.SendEvent(ctx, ev) && ctx.Err() == nil {
		c.reportDrop(ev, inst)
	}
}

func (c *BinanceConnector) reportDrop(ev models.Event, inst models.Instrument) {
	var m metrics.DropMetric
	switch ev.Kind {
	case models.EventTrade:
		m = metrics.DropMetricTrade
	case models.EventBookDiff:
		m = metrics.DropMetricBookDiff
	case models.EventKline:
		m = metrics.DropMetricKline
	default:
		return
	}
	metrics.EmitDropMetric(c.log, m, string(inst.Exchange), string(inst.Market), inst.Symbol)
}

// SubscribeKlines adds a kline stream and reconnects so the combined
// stream URL picks it up.
func (c *BinanceConnector) SubscribeKlines(inst models.Instrument, tf models.Timeframe) error {
	stream := fmt.Sprintf("%s@kline_%s", strings.ToLower(inst.Symbol), codec.FormatBinanceInterval(tf))

	c.mu.Lock()
	if _, exists := c.klineStreams[stream]; exists {
		c.mu.Unlock()
		return nil
	}
	c.klineStreams[stream] = struct{}{}
	runner := c.runner
	c.mu.Unlock()

	if runner != nil {
		runner.forceReconnect()
	}
	return nil
}

func (c *BinanceConnector) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.log.WithComponent("binance_connector").Info("binance connector stopped")
}

func (c *BinanceConnector) get(ctx context.Context, path string, query string) ([]byte, error) {
	if err := c.throttle.wait(ctx); err != nil {
		return nil, err
	}

	reqURL := c.cfg.RestURL + path
	if query != "" {
		reqURL += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", models.ErrFetchFailed, err)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	c.throttle.observe(resp.Header)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", models.ErrFetchFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return io.ReadAll(resp.Body)
}

func (c *BinanceConnector) FetchBookSnapshot(ctx context.Context, inst models.Instrument) (*models.BookSnapshot, error) {
	body, err := c.get(ctx, c.apiPath("depth"), fmt.Sprintf("symbol=%s&limit=%d", inst.Symbol, c.cfg.DepthLimit))
	if err != nil {
		return nil, err
	}
	return codec.DecodeBinanceDepthSnapshot(inst, body)
}

func (c *BinanceConnector) FetchKlines(ctx context.Context, inst models.Instrument, tf models.Timeframe, from, to int64) ([]models.Kline, error) {
	var all []models.Kline
	cursor := from
	for cursor < to {
		query := fmt.Sprintf("symbol=%s&interval=%s&startTime=%d&endTime=%d&limit=%d",
			inst.Symbol, codec.FormatBinanceInterval(tf), cursor, to, binanceRestPageLimit)
		body, err := c.get(ctx, c.apiPath("klines"), query)
		if err != nil {
			return all, err
		}
		page, err := codec.DecodeBinanceKlines(body)
		if err != nil {
			return all, err
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		next := page[len(page)-1].Time + int64(tf)
		if next <= cursor {
			break
		}
		cursor = next
		if len(page) < binanceRestPageLimit {
			break
		}
	}
	return all, nil
}

func (c *BinanceConnector) FetchOpenInterest(ctx context.Context, inst models.Instrument, from, to int64) ([]models.OpenInterestPoint, error) {
	if c.market == models.MarketTypeSpot {
		return nil, fmt.Errorf("%w: open interest on spot market", models.ErrUnavailable)
	}

	query := fmt.Sprintf("symbol=%s&period=5m&startTime=%d&endTime=%d&limit=500", inst.Symbol, from, to)
	body, err := c.get(ctx, "/futures/data/openInterestHist", query)
	if err != nil {
		return nil, err
	}
	return codec.DecodeBinanceOpenInterest(body)
}

// FetchHistoricalTrades pages forward through aggTrades until the
// range is covered or the page budget runs out. Partial results are
// returned with a nil error; the caller tracks coverage.
func (c *BinanceConnector) FetchHistoricalTrades(ctx context.Context, inst models.Instrument, from, to int64, maxPages int) ([]models.Trade, error) {
	var all []models.Trade
	cursor := from

	for page := 0; page < maxPages && cursor <= to; page++ {
		if err := ctx.Err(); err != nil {
			return all, err
		}

		query := fmt.Sprintf("symbol=%s&startTime=%d&limit=%d", inst.Symbol, cursor, binanceRestPageLimit)
		body, err := c.get(ctx, c.apiPath("aggTrades"), query)
		if err != nil {
			return all, err
		}
		batch, err := codec.DecodeBinanceAggTrades(inst, body)
		if err != nil {
			return all, err
		}
		if len(batch) == 0 {
			break
		}

		for _, t := range batch {
			if t.Time >= from && t.Time <= to {
				all = append(all, t)
			}
		}

		last := batch[len(batch)-1].Time
		if last >= to || len(batch) < binanceRestPageLimit {
			break
		}
		if last+1 <= cursor {
			break
		}
		cursor = last + 1
	}
	return all, nil
}
