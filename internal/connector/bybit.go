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
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/gorilla/websocket"

	appconfig "chartflow/config"
	"chartflow/internal/channel"
	"chartflow/internal/codec"
	"chartflow/internal/metrics"
	"chartflow/logger"
	"chartflow/models"
)

// BybitConnector serves one Bybit v5 market (spot or linear).
type BybitConnector struct {
	market   models.MarketType
	cfg      appconfig.VenueConfig
	channels *channel.Channels
	throttle *restThrottle
	client   *bybit.Client
	http     *http.Client
	log      *logger.Log

	mu           sync.RWMutex
	running      bool
	instBySymbol map[string]models.Instrument
	klineTopics  map[string]struct{}
	runner       *wsRunner
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

func NewBybitConnector(market models.MarketType, cfg appconfig.VenueConfig, rl appconfig.ExchangeRateLimit, ch *channel.Channels) *BybitConnector {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(cfg.RestURL))
	client.HTTPClient = httpClient

	return &BybitConnector{
		market:       market,
		cfg:          cfg,
		channels:     ch,
		throttle:     newRestThrottle(string(models.ExchangeBybit), rl.RequestsPerSecond, rl.BurstSize, rl.RequestWeight),
		client:       client,
		http:         httpClient,
		log:          logger.GetLogger(),
		instBySymbol: make(map[string]models.Instrument),
		klineTopics:  make(map[string]struct{}),
	}
}

func (c *BybitConnector) Exchange() models.Exchange { return models.ExchangeBybit }
func (c *BybitConnector) Market() models.MarketType { return c.market }
func (c *BybitConnector) ArchiveURL() string        { return "" }

func (c *BybitConnector) Capabilities() Capabilities {
	return Capabilities{
		HistoricalTrades: false,
		BulkArchive:      false,
		OpenInterest:     c.market != models.MarketTypeSpot,
		DepthLimit:       c.cfg.DepthLimit,
		DepthCadenceMs:   c.cfg.DepthCadenceMs,
	}
}

func (c *BybitConnector) category() string {
	if c.market == models.MarketTypeSpot {
		return "spot"
	}
	return "linear"
}

type bybitRestEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (c *BybitConnector) get(ctx context.Context, path, query string) (json.RawMessage, error) {
	if err := c.throttle.wait(ctx); err != nil {
		return nil, err
	}

	reqURL := c.cfg.RestURL + path + "?" + query
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", models.ErrFetchFailed, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", models.ErrFetchFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrFetchFailed, err)
	}

	var env bybitRestEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}
	if env.RetCode != 0 {
		return nil, fmt.Errorf("%w: retCode %d: %s", models.ErrFetchFailed, env.RetCode, env.RetMsg)
	}
	return env.Result, nil
}

// ResolveInstrument queries instruments-info for the price tick and
// quantity step.
func (c *BybitConnector) ResolveInstrument(ctx context.Context, symbol string) (models.Instrument, error) {
	inst := models.Instrument{
		Exchange: models.ExchangeBybit,
		Market:   c.market,
		Symbol:   strings.ToUpper(symbol),
	}

	result, err := c.get(ctx, "/v5/market/instruments-info", fmt.Sprintf("category=%s&symbol=%s", c.category(), inst.Symbol))
	if err != nil {
		return inst, err
	}

	var parsed struct {
		List []struct {
			Symbol      string `json:"symbol"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep       string `json:"qtyStep"`
				BasePrecision string `json:"basePrecision"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return inst, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}
	if len(parsed.List) == 0 {
		return inst, fmt.Errorf("%w: unknown symbol %s", models.ErrFetchFailed, inst.Symbol)
	}

	if tick, err := strconv.ParseFloat(parsed.List[0].PriceFilter.TickSize, 64); err == nil {
		inst.TickSize = tick
	}
	step := parsed.List[0].LotSizeFilter.QtyStep
	if step == "" {
		step = parsed.List[0].LotSizeFilter.BasePrecision
	}
	if qty, err := strconv.ParseFloat(step, 64); err == nil {
		inst.QtyStep = qty
	}

	if inst.TickSize == 0 {
		return inst, fmt.Errorf("%w: no price filter for %s", models.ErrFetchFailed, inst.Symbol)
	}
	return inst, nil
}

func (c *BybitConnector) topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for symbol := range c.instBySymbol {
		out = append(out, fmt.Sprintf("orderbook.%d.%s", c.cfg.DepthLimit, symbol))
		out = append(out, "publicTrade."+symbol)
	}
	for t := range c.klineTopics {
		out = append(out, t)
	}
	return out
}

// Connect opens the public v5 stream and subscribes to orderbook,
// trade and kline topics.
func (c *BybitConnector) Connect(ctx context.Context, instruments []models.Instrument) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("bybit %s connector already running", c.market)
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	for _, inst := range instruments {
		c.instBySymbol[inst.Symbol] = inst
	}
	c.mu.Unlock()

	log := c.log.WithComponent("bybit_connector").WithFields(logger.Fields{
		"market": string(c.market),
	})
	log.WithFields(logger.Fields{"instruments": len(instruments)}).Info("starting bybit connector")

	runner := newWSRunner(log, c.cfg.Reconnect.BaseDelay, c.cfg.Reconnect.MaxDelay)
	runner.dialURL = func() string { return c.cfg.WsURL }
	runner.afterConnect = c.subscribe
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

	log.Info("bybit connector started successfully")
	return nil
}

func (c *BybitConnector) subscribe(conn *websocket.Conn) error {
	req := struct {
		Op    string   `json:"op"`
		Args  []string `json:"args"`
		ReqID string   `json:"req_id"`
	}{
		Op:    "subscribe",
		Args:  c.topics(),
		ReqID: fmt.Sprintf("%d", time.Now().UnixNano()),
	}
	return conn.WriteJSON(req)
}

func (c *BybitConnector) emitLifecycle(kind models.EventKind, cause error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, inst := range c.instBySymbol {
		c.channels.SendEvent(c.ctx, models.Event{Kind: kind, Instrument: inst, Err: cause})
	}
}

func (c *BybitConnector) handleMessage(raw []byte) {
	var peek struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil || peek.Topic == "" {
		return
	}
	parts := strings.Split(peek.Topic, ".")
	symbol := parts[len(parts)-1]

	c.mu.RLock()
	inst, ok := c.instBySymbol[symbol]
	ctx := c.ctx
	c.mu.RUnlock()
	if !ok {
		return
	}

	events, err := codec.DecodeBybitStream(inst, raw)
	if err != nil {
		c.log.WithComponent("bybit_connector").WithError(err).Debug("dropping undecodable message")
		return
	}

	for _, ev := range events {
		if !c.channels.SendEvent(ctx, ev) && ctx.Err() == nil {
			c.reportDrop(ev, inst)
		}
	}
}

func (c *BybitConnector) reportDrop(ev models.Event, inst models.Instrument) {
	var m metrics.DropMetric
	switch ev.Kind {
	case models.EventTrade:
		m = metrics.DropMetricTrade
	case models.EventBookDiff, models.EventBookSnapshot:
		m = metrics.DropMetricBookDiff
	case models.EventKline:
		m = metrics.DropMetricKline
	default:
		return
	}
	metrics.EmitDropMetric(c.log, m, string(inst.Exchange), string(inst.Market), inst.Symbol)
}

func (c *BybitConnector) SubscribeKlines(inst models.Instrument, tf models.Timeframe) error {
	topic := fmt.Sprintf("kline.%s.%s", codec.FormatBybitInterval(tf), inst.Symbol)

	c.mu.Lock()
	if _, exists := c.klineTopics[topic]; exists {
		c.mu.Unlock()
		return nil
	}
	c.klineTopics[topic] = struct{}{}
	runner := c.runner
	c.mu.Unlock()

	if runner != nil {
		runner.forceReconnect()
	}
	return nil
}

func (c *BybitConnector) Disconnect() {
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
	c.log.WithComponent("bybit_connector").Info("bybit connector stopped")
}

// FetchBookSnapshot uses the venue SDK's orderbook endpoint.
func (c *BybitConnector) FetchBookSnapshot(ctx context.Context, inst models.Instrument) (*models.BookSnapshot, error) {
	if err := c.throttle.wait(ctx); err != nil {
		return nil, err
	}

	params := map[string]interface{}{
		"category": c.category(),
		"symbol":   inst.Symbol,
		"limit":    c.cfg.DepthLimit,
	}
	resp, err := c.client.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrFetchFailed, err)
	}

	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}

	var parsed struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
		Ts     int64      `json:"ts"`
		U      int64      `json:"u"`
		Seq    int64      `json:"seq"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}

	bids := make([]models.BookLevel, 0, len(parsed.Bids))
	for _, pair := range parsed.Bids {
		if len(pair) < 2 {
			continue
		}
		price, err := strconv.ParseFloat(pair[0], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
		}
		qty, err := strconv.ParseFloat(pair[1], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
		}
		bids = append(bids, models.BookLevel{Price: price, Qty: qty})
	}
	asks := make([]models.BookLevel, 0, len(parsed.Asks))
	for _, pair := range parsed.Asks {
		if len(pair) < 2 {
			continue
		}
		price, err := strconv.ParseFloat(pair[0], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
		}
		qty, err := strconv.ParseFloat(pair[1], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
		}
		asks = append(asks, models.BookLevel{Price: price, Qty: qty})
	}

	return &models.BookSnapshot{
		Instrument: inst,
		UpdateID:   parsed.U,
		Time:       parsed.Ts,
		Bids:       bids,
		Asks:       asks,
	}, nil
}

func (c *BybitConnector) FetchKlines(ctx context.Context, inst models.Instrument, tf models.Timeframe, from, to int64) ([]models.Kline, error) {
	var all []models.Kline
	cursor := from

	for cursor < to {
		query := fmt.Sprintf("category=%s&symbol=%s&interval=%s&start=%d&end=%d&limit=1000",
			c.category(), inst.Symbol, codec.FormatBybitInterval(tf), cursor, to)
		result, err := c.get(ctx, "/v5/market/kline", query)
		if err != nil {
			return all, err
		}

		var parsed struct {
			List [][]string `json:"list"`
		}
		if err := json.Unmarshal(result, &parsed); err != nil {
			return all, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
		}
		page, err := codec.DecodeBybitKlineList(parsed.List)
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
		if len(page) < 1000 {
			break
		}
	}
	return all, nil
}

func (c *BybitConnector) FetchOpenInterest(ctx context.Context, inst models.Instrument, from, to int64) ([]models.OpenInterestPoint, error) {
	if c.market == models.MarketTypeSpot {
		return nil, fmt.Errorf("%w: open interest on spot market", models.ErrUnavailable)
	}

	query := fmt.Sprintf("category=%s&symbol=%s&intervalTime=5min&startTime=%d&endTime=%d&limit=200",
		c.category(), inst.Symbol, from, to)
	result, err := c.get(ctx, "/v5/market/open-interest", query)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		List []struct {
			OpenInterest string `json:"openInterest"`
			Timestamp    string `json:"timestamp"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}

	rows := make([]struct{ OpenInterest, Timestamp string }, len(parsed.List))
	for i, r := range parsed.List {
		rows[i] = struct{ OpenInterest, Timestamp string }{r.OpenInterest, r.Timestamp}
	}
	return codec.DecodeBybitOpenInterestList(rows)
}

// FetchHistoricalTrades reports trade backfill as unavailable: the
// venue serves only the most recent trades with no time-range cursor.
// No network request is made.
func (c *BybitConnector) FetchHistoricalTrades(ctx context.Context, inst models.Instrument, from, to int64, maxPages int) ([]models.Trade, error) {
	return nil, fmt.Errorf("%w: trade history on %s", models.ErrUnavailable, inst.Exchange)
}
