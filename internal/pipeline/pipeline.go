// Package pipeline owns all per-instrument market state. A single
// dispatcher goroutine consumes the event stream and applies it to
// order book reconcilers and trade aggregators, so no per-instrument
// state ever needs a lock. Queries and subscriptions reach the
// dispatcher as messages.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "chartflow/config"
	"chartflow/internal/aggregator"
	"chartflow/internal/backfill"
	"chartflow/internal/book"
	"chartflow/internal/cache"
	"chartflow/internal/channel"
	"chartflow/internal/connector"
	"chartflow/internal/metrics"
	"chartflow/logger"
	"chartflow/models"
)

const integrityInterval = time.Minute

// integrityWindowMs bounds how far back each periodic integrity sweep
// looks for bars whose trade detail went missing.
const integrityWindowMs = int64(time.Hour / time.Millisecond)

type instrumentState struct {
	inst           models.Instrument
	rec            *book.Reconciler
	agg            *aggregator.Aggregator
	timeframes     map[models.Timeframe]struct{}
	resyncInFlight bool
	oiPolling      bool
}

type subscriber struct {
	id       int64
	instKey  string
	interval models.Interval
	updates  chan aggregator.BarUpdate
}

// Subscription is a live bar stream for one instrument and interval.
// Cancel releases it; Updates is closed when the pipeline stops.
type Subscription struct {
	Updates <-chan aggregator.BarUpdate
	cancel  func()
}

func (s *Subscription) Cancel() { s.cancel() }

type subscribeCmd struct {
	inst     models.Instrument
	interval models.Interval
	reply    chan subscribeReply
}

type subscribeReply struct {
	sub *Subscription
	err error
}

type unsubscribeCmd struct{ id int64 }

type bookQueryCmd struct {
	instKey string
	reply   chan *models.BookSnapshot
}

type multiplierCmd struct {
	instKey    string
	multiplier int
}

type openInterestCmd struct {
	instKey string
	points  []models.OpenInterestPoint
}

// Pipeline wires connectors, the order book reconcilers, the trade
// aggregators and the backfill coordinator together.
type Pipeline struct {
	cfg         *appconfig.Config
	channels    *channel.Channels
	connectors  map[string]connector.Connector
	coordinator *backfill.Coordinator
	store       *cache.Store
	log         *logger.Log

	commands chan interface{}

	// Dispatcher-owned state, never touched from other goroutines.
	states      map[string]*instrumentState
	subscribers map[int64]*subscriber
	nextSubID   int64
	multiplier  int

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg *appconfig.Config, ch *channel.Channels, store *cache.Store, connectors []connector.Connector, coordinator *backfill.Coordinator) *Pipeline {
	byKey := make(map[string]connector.Connector, len(connectors))
	for _, conn := range connectors {
		byKey[string(conn.Exchange())+":"+string(conn.Market())] = conn
	}

	multiplier := cfg.Aggregator.TickMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	return &Pipeline{
		cfg:         cfg,
		channels:    ch,
		connectors:  byKey,
		coordinator: coordinator,
		store:       store,
		log:         logger.GetLogger(),
		commands:    make(chan interface{}, 64),
		states:      make(map[string]*instrumentState),
		subscribers: make(map[int64]*subscriber),
		multiplier:  multiplier,
	}
}

func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("pipeline already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.dispatch()

	p.log.WithComponent("pipeline").Info("pipeline started successfully")
	return nil
}

func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.log.WithComponent("pipeline").Info("pipeline stopped")
}

func (p *Pipeline) isRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pipeline) connectorFor(inst models.Instrument) (connector.Connector, bool) {
	conn, ok := p.connectors[string(inst.Exchange)+":"+string(inst.Market)]
	return conn, ok
}

// Subscribe opens a bar-update stream for one instrument and interval.
// The first subscription for a timeframe also starts that kline
// stream on the venue so volume stays authoritative.
func (p *Pipeline) Subscribe(inst models.Instrument, interval models.Interval) (*Subscription, error) {
	if !p.isRunning() {
		return nil, models.ErrNotRunning
	}
	reply := make(chan subscribeReply, 1)
	select {
	case p.commands <- subscribeCmd{inst: inst, interval: interval, reply: reply}:
	case <-p.ctx.Done():
		return nil, p.ctx.Err()
	}
	select {
	case r := <-reply:
		return r.sub, r.err
	case <-p.ctx.Done():
		return nil, p.ctx.Err()
	}
}

// CurrentBook returns the reconciled order book, or nil while the
// book is still syncing.
func (p *Pipeline) CurrentBook(inst models.Instrument) *models.BookSnapshot {
	if !p.isRunning() {
		return nil
	}
	reply := make(chan *models.BookSnapshot, 1)
	select {
	case p.commands <- bookQueryCmd{instKey: inst.Key(), reply: reply}:
	case <-p.ctx.Done():
		return nil
	}
	select {
	case snap := <-reply:
		return snap
	case <-p.ctx.Done():
		return nil
	}
}

// SetTickMultiplier changes the footprint price grouping for one
// instrument. Existing bars are rebucketed from retained raw trades.
func (p *Pipeline) SetTickMultiplier(inst models.Instrument, multiplier int) {
	if multiplier <= 0 || !p.isRunning() {
		return
	}
	select {
	case p.commands <- multiplierCmd{instKey: inst.Key(), multiplier: multiplier}:
	case <-p.ctx.Done():
	}
}

// ReportGap hands a known hole in history to the backfill coordinator.
func (p *Pipeline) ReportGap(gap models.HistoricalGap) {
	if !p.isRunning() {
		return
	}
	if !p.channels.SendGap(p.ctx, gap) && p.ctx.Err() == nil {
		metrics.EmitDropMetric(p.log, metrics.DropMetricGap,
			string(gap.Instrument.Exchange), string(gap.Instrument.Market), gap.Instrument.Symbol)
	}
}

func (p *Pipeline) dispatch() {
	defer p.wg.Done()
	defer p.closeSubscribers()

	integrity := time.NewTicker(integrityInterval)
	defer integrity.Stop()

	results := p.coordinator.Results()
	for {
		select {
		case <-p.ctx.Done():
			return
		case cmd := <-p.commands:
			p.handleCommand(cmd)
		case ev := <-p.channels.Events:
			p.handleEvent(ev)
		case res, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			p.handleFillResult(res)
		case <-integrity.C:
			p.sweepIntegrity()
		}
	}
}

func (p *Pipeline) closeSubscribers() {
	for _, sub := range p.subscribers {
		close(sub.updates)
	}
	p.subscribers = make(map[int64]*subscriber)
}

func (p *Pipeline) handleCommand(cmd interface{}) {
	switch c := cmd.(type) {
	case subscribeCmd:
		c.reply <- p.handleSubscribe(c)
	case unsubscribeCmd:
		if sub, ok := p.subscribers[c.id]; ok {
			delete(p.subscribers, c.id)
			close(sub.updates)
		}
	case bookQueryCmd:
		if st, ok := p.states[c.instKey]; ok && st.rec.State() == book.StateSynced {
			c.reply <- st.rec.Snapshot()
		} else {
			c.reply <- nil
		}
	case openInterestCmd:
		if st, ok := p.states[c.instKey]; ok {
			st.agg.AppendOpenInterest(c.points)
		}
	case multiplierCmd:
		st, ok := p.states[c.instKey]
		if !ok {
			return
		}
		st.agg.SetTickMultiplier(c.multiplier)
		p.log.WithComponent("pipeline").WithFields(logger.Fields{
			"instrument": c.instKey,
			"multiplier": c.multiplier,
		}).Info("tick multiplier changed")
	}
}

func (p *Pipeline) state(inst models.Instrument) *instrumentState {
	key := inst.Key()
	st, ok := p.states[key]
	if !ok {
		retention := int64(p.cfg.Aggregator.RawTradeRetention / time.Millisecond)
		st = &instrumentState{
			inst:       inst,
			rec:        book.NewReconciler(inst),
			agg:        aggregator.New(inst, p.multiplier, retention),
			timeframes: make(map[models.Timeframe]struct{}),
		}
		p.states[key] = st
	}
	return st
}

func (p *Pipeline) handleSubscribe(cmd subscribeCmd) subscribeReply {
	if cmd.inst.TickSize <= 0 {
		return subscribeReply{err: fmt.Errorf("instrument %s has no tick size", cmd.inst.Key())}
	}

	st := p.state(cmd.inst)

	if cmd.interval.IsTickBased() {
		st.agg.EnsureTickSeries(cmd.interval.Ticks)
	} else {
		st.agg.EnsureTimeSeries(cmd.interval.Timeframe)
		if _, seen := st.timeframes[cmd.interval.Timeframe]; !seen {
			st.timeframes[cmd.interval.Timeframe] = struct{}{}
			if conn, ok := p.connectorFor(cmd.inst); ok {
				if err := conn.SubscribeKlines(cmd.inst, cmd.interval.Timeframe); err != nil {
					p.log.WithComponent("pipeline").WithError(err).WithFields(logger.Fields{
						"instrument": cmd.inst.Key(),
						"timeframe":  cmd.interval.Timeframe.String(),
					}).Warn("kline subscription failed")
				}
				p.seedKlines(cmd.inst, cmd.interval.Timeframe)
				if !st.oiPolling && conn.Capabilities().OpenInterest {
					st.oiPolling = true
					p.pollOpenInterest(cmd.inst)
				}
			}
		}
	}

	p.nextSubID++
	id := p.nextSubID
	sub := &subscriber{
		id:       id,
		instKey:  cmd.inst.Key(),
		interval: cmd.interval,
		updates:  make(chan aggregator.BarUpdate, p.cfg.Channels.BarBuffer),
	}
	p.subscribers[id] = sub

	cancel := func() {
		select {
		case p.commands <- unsubscribeCmd{id: id}:
		case <-p.ctx.Done():
		}
	}
	return subscribeReply{sub: &Subscription{Updates: sub.updates, cancel: cancel}}
}

// seedKlines backfills recent candles over REST so a fresh
// subscription is not empty until the first live kline closes. The
// fetch runs off the dispatcher; results come back as kline events.
func (p *Pipeline) seedKlines(inst models.Instrument, tf models.Timeframe) {
	to := time.Now().UnixMilli()
	p.fetchKlinesAsync(inst, tf, tf.Floor(to)-500*int64(tf), to)
}

// pollOpenInterest seeds recent open interest and refreshes it
// periodically. Cached points are served first and fetched points are
// written through, so a restart does not refetch the whole window.
// Points re-enter the dispatcher as a command so the aggregator is
// only touched from one goroutine.
func (p *Pipeline) pollOpenInterest(inst models.Instrument) {
	conn, ok := p.connectorFor(inst)
	if !ok {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		deliver := func(points []models.OpenInterestPoint) {
			if len(points) == 0 {
				return
			}
			select {
			case p.commands <- openInterestCmd{instKey: inst.Key(), points: points}:
			case <-p.ctx.Done():
			}
		}
		fetch := func(from, to int64) {
			ctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
			points, err := conn.FetchOpenInterest(ctx, inst, from, to)
			cancel()
			if err != nil {
				p.log.WithComponent("pipeline").WithError(err).WithFields(logger.Fields{
					"instrument": inst.Key(),
				}).Warn("open interest fetch failed")
				return
			}
			if len(points) == 0 {
				return
			}
			if err := p.store.PutOpenInterest(inst, points); err != nil {
				p.log.WithComponent("pipeline").WithError(err).WithFields(logger.Fields{
					"instrument": inst.Key(),
				}).Warn("open interest cache write failed")
			}
			deliver(points)
		}

		now := time.Now().UnixMilli()
		seedFrom := now - 4*60*60_000
		cached, err := p.store.GetOpenInterest(inst, seedFrom, now)
		if err != nil {
			p.log.WithComponent("pipeline").WithError(err).WithFields(logger.Fields{
				"instrument": inst.Key(),
			}).Warn("open interest cache read failed")
		}
		deliver(cached)
		if len(cached) > 0 {
			seedFrom = cached[len(cached)-1].Time + 1
		}
		fetch(seedFrom, now)

		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				now := time.Now().UnixMilli()
				fetch(now-10*60_000, now)
			}
		}
	}()
}

func (p *Pipeline) fetchKlinesAsync(inst models.Instrument, tf models.Timeframe, from, to int64) {
	conn, ok := p.connectorFor(inst)
	if !ok {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		klines, err := conn.FetchKlines(p.ctx, inst, tf, from, to)
		if err != nil {
			p.log.WithComponent("pipeline").WithError(err).WithFields(logger.Fields{
				"instrument": inst.Key(),
				"timeframe":  tf.String(),
			}).Warn("kline seed fetch failed")
			return
		}
		for i := range klines {
			p.channels.SendEvent(p.ctx, models.NewKlineEvent(inst, tf, &klines[i]))
		}
	}()
}

func (p *Pipeline) handleEvent(ev models.Event) {
	switch ev.Kind {
	case models.EventTrade:
		if ev.Trade == nil {
			return
		}
		st := p.state(ev.Instrument)
		p.fanOut(st, st.agg.Ingest(ev.Trade))

	case models.EventBookDiff:
		if ev.Diff == nil {
			return
		}
		st := p.state(ev.Instrument)
		if st.rec.ApplyDiff(ev.Diff) == book.OutcomeResync {
			p.requestSnapshot(st)
		}

	case models.EventBookSnapshot:
		st := p.state(ev.Instrument)
		st.resyncInFlight = false
		if ev.Snapshot == nil {
			return
		}
		st.rec.ApplySnapshot(ev.Snapshot)

	case models.EventKline:
		if ev.Kline == nil {
			return
		}
		st := p.state(ev.Instrument)
		st.agg.MergeKlines(ev.Interval, []models.Kline{*ev.Kline}, ev.Time < ev.Interval.Floor(time.Now().UnixMilli()))

	case models.EventConnected:
		st := p.state(ev.Instrument)
		st.rec.RequestResync()
		p.requestSnapshot(st)

	case models.EventDisconnected:
		st := p.state(ev.Instrument)
		st.agg.MarkGap()
		st.rec.RequestResync()
		p.log.WithComponent("pipeline").WithError(ev.Err).WithFields(logger.Fields{
			"instrument": ev.Instrument.Key(),
		}).Warn("stream disconnected, bar continuity broken")
	}
}

// requestSnapshot fetches a fresh book snapshot off the dispatcher.
// The result arrives through the event channel so it is applied in
// sequence with the buffered diffs.
func (p *Pipeline) requestSnapshot(st *instrumentState) {
	if st.resyncInFlight {
		return
	}
	conn, ok := p.connectorFor(st.inst)
	if !ok {
		return
	}
	st.resyncInFlight = true
	inst := st.inst

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		snap, err := conn.FetchBookSnapshot(p.ctx, inst)
		if err != nil {
			p.log.WithComponent("pipeline").WithError(err).WithFields(logger.Fields{
				"instrument": inst.Key(),
			}).Error("book snapshot fetch failed")
			// Let the next out-of-sequence diff trigger another try.
			p.sendEventPersistent(models.Event{
				Kind: models.EventBookSnapshot, Instrument: inst,
			})
			return
		}
		p.sendEventPersistent(models.NewSnapshotEvent(snap))
	}()
}

// sendEventPersistent retries a full event channel instead of
// dropping. The snapshot result and its failure signal both clear
// resyncInFlight, so losing either would wedge the book in resync.
func (p *Pipeline) sendEventPersistent(ev models.Event) {
	for {
		if p.channels.SendEvent(p.ctx, ev) {
			return
		}
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (p *Pipeline) handleFillResult(res backfill.FillResult) {
	log := p.log.WithComponent("pipeline").WithFields(logger.Fields{
		"instrument": res.Gap.Instrument.Key(),
	})
	if res.Err != nil {
		log.WithError(res.Err).Error("gap fill failed")
		return
	}
	if res.Reason == models.GapReasonUnsupported {
		log.Warn("gap cannot be filled on this venue")
		return
	}
	if len(res.Remaining) > 0 {
		// The next integrity sweep re-reports what is still missing
		// once the request cooldown expires.
		log.WithFields(logger.Fields{"remaining": len(res.Remaining)}).Warn("gap only partially filled")
	}
	if len(res.Trades) == 0 {
		return
	}

	st := p.state(res.Gap.Instrument)
	p.fanOut(st, st.agg.InsertTrades(res.Trades))
	log.WithFields(logger.Fields{"trades": len(res.Trades)}).Info("backfilled trades applied")
}

func (p *Pipeline) fanOut(st *instrumentState, updates []aggregator.BarUpdate) {
	if len(updates) == 0 {
		return
	}
	key := st.inst.Key()
	for _, sub := range p.subscribers {
		if sub.instKey != key {
			continue
		}
		for _, u := range updates {
			if u.Bar.Interval != sub.interval {
				continue
			}
			select {
			case sub.updates <- u:
			default:
				metrics.EmitDropMetric(p.log, metrics.DropMetricBar,
					string(st.inst.Exchange), string(st.inst.Market), st.inst.Symbol)
			}
		}
	}
}

// sweepIntegrity looks for bars whose kline volume has no matching
// trade detail and reports them as gaps for backfill. Bars missing
// outright get their klines re-fetched as well, since volume is only
// authoritative once the candle itself is present.
func (p *Pipeline) sweepIntegrity() {
	now := time.Now().UnixMilli()
	for _, st := range p.states {
		for tf := range st.timeframes {
			from := tf.Floor(now) - integrityWindowMs
			for _, gap := range st.agg.CheckIntegrity(tf, from, now) {
				p.ReportGap(gap)
			}
			if missing := st.agg.EnsureTimeSeries(tf).MissingKlines(from, now); len(missing) > 0 {
				p.fetchKlinesAsync(st.inst, tf, missing[0], missing[len(missing)-1]+int64(tf))
			}
		}
	}
}
