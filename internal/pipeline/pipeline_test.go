package pipeline

import (
	"context"
	"testing"
	"time"

	appconfig "chartflow/config"
	"chartflow/internal/aggregator"
	"chartflow/internal/backfill"
	"chartflow/internal/cache"
	"chartflow/internal/channel"
	"chartflow/internal/connector"
	"chartflow/models"
)

var testInst = models.Instrument{
	Exchange: models.ExchangeBinance,
	Market:   models.MarketTypeLinear,
	Symbol:   "BTCUSDT",
	TickSize: 0.1,
	QtyStep:  0.001,
}

type stubConnector struct {
	exchange models.Exchange
	market   models.MarketType
}

func (s *stubConnector) Exchange() models.Exchange            { return s.exchange }
func (s *stubConnector) Market() models.MarketType            { return s.market }
func (s *stubConnector) Capabilities() connector.Capabilities { return connector.Capabilities{} }
func (s *stubConnector) ArchiveURL() string                   { return "" }
func (s *stubConnector) Disconnect()                          {}

func (s *stubConnector) ResolveInstrument(ctx context.Context, symbol string) (models.Instrument, error) {
	return testInst, nil
}

func (s *stubConnector) Connect(ctx context.Context, instruments []models.Instrument) error {
	return nil
}

func (s *stubConnector) SubscribeKlines(inst models.Instrument, tf models.Timeframe) error {
	return nil
}

func (s *stubConnector) FetchBookSnapshot(ctx context.Context, inst models.Instrument) (*models.BookSnapshot, error) {
	return nil, models.ErrUnavailable
}

func (s *stubConnector) FetchKlines(ctx context.Context, inst models.Instrument, tf models.Timeframe, from, to int64) ([]models.Kline, error) {
	return nil, nil
}

func (s *stubConnector) FetchOpenInterest(ctx context.Context, inst models.Instrument, from, to int64) ([]models.OpenInterestPoint, error) {
	return nil, models.ErrUnavailable
}

func (s *stubConnector) FetchHistoricalTrades(ctx context.Context, inst models.Instrument, from, to int64, maxPages int) ([]models.Trade, error) {
	return nil, models.ErrUnavailable
}

func newTestPipeline(t *testing.T) (*Pipeline, *channel.Channels) {
	t.Helper()

	cfg := &appconfig.Config{}
	cfg.Channels.EventBuffer = 256
	cfg.Channels.GapBuffer = 16
	cfg.Channels.BarBuffer = 64
	cfg.Aggregator.RawTradeRetention = time.Hour
	cfg.Aggregator.TickMultiplier = 1

	ch := channel.NewChannels(cfg.Channels.EventBuffer, cfg.Channels.GapBuffer)
	store, err := cache.Open(t.TempDir(), 16)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	conn := &stubConnector{exchange: models.ExchangeBinance, market: models.MarketTypeLinear}
	coord := backfill.NewCoordinator(store, ch, []connector.Connector{conn}, cfg.Backfill)

	p := New(cfg, ch, store, []connector.Connector{conn}, coord)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start pipeline: %v", err)
	}
	t.Cleanup(p.Stop)
	return p, ch
}

func recvUpdate(t *testing.T, sub *Subscription) aggregator.BarUpdate {
	t.Helper()
	select {
	case u := <-sub.Updates:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bar update")
		return aggregator.BarUpdate{}
	}
}

func TestTradeFanOut(t *testing.T) {
	p, ch := newTestPipeline(t)

	sub, err := p.Subscribe(testInst, models.Interval{Timeframe: models.Timeframe1m})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	ctx := context.Background()
	base := models.Timeframe1m.Floor(time.Now().UnixMilli())

	ch.SendEvent(ctx, models.NewTradeEvent(&models.Trade{
		Instrument: testInst, ID: 1, Time: base + 100, Price: 50000, Qty: 0.5,
	}))
	u := recvUpdate(t, sub)
	if u.Bar.Open != 50000 || u.Bar.Close != 50000 {
		t.Fatalf("first update bar = %+v", u.Bar)
	}

	ch.SendEvent(ctx, models.NewTradeEvent(&models.Trade{
		Instrument: testInst, ID: 2, Time: base + 200, Price: 50010, Qty: 0.25, IsSell: true,
	}))
	u = recvUpdate(t, sub)
	if u.Bar.High != 50010 || u.Bar.Close != 50010 {
		t.Fatalf("second update bar = %+v", u.Bar)
	}
	if u.Bar.SellVolume != 0.25 {
		t.Fatalf("sell volume = %v", u.Bar.SellVolume)
	}
	if len(u.Cells) == 0 {
		t.Fatal("update carries no footprint cells")
	}
}

func TestSubscribeRejectsMissingTickSize(t *testing.T) {
	p, _ := newTestPipeline(t)

	bad := testInst
	bad.TickSize = 0
	if _, err := p.Subscribe(bad, models.Interval{Timeframe: models.Timeframe1m}); err == nil {
		t.Fatal("expected error for zero tick size")
	}
}

func TestBookQueryAfterSnapshot(t *testing.T) {
	p, ch := newTestPipeline(t)

	sub, err := p.Subscribe(testInst, models.Interval{Timeframe: models.Timeframe1m})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	ctx := context.Background()
	ch.SendEvent(ctx, models.NewSnapshotEvent(&models.BookSnapshot{
		Instrument: testInst,
		UpdateID:   100,
		Time:       time.Now().UnixMilli(),
		Bids:       []models.BookLevel{{Price: 49999, Qty: 2}},
		Asks:       []models.BookLevel{{Price: 50001, Qty: 3}},
	}))

	var snap *models.BookSnapshot
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap = p.CurrentBook(testInst); snap != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if snap == nil {
		t.Fatal("book never became available")
	}
	if snap.BestBid() != 49999 {
		t.Fatalf("best bid = %v", snap.BestBid())
	}

	ch.SendEvent(ctx, models.NewDiffEvent(&models.BookDiff{
		Instrument:        testInst,
		Time:              time.Now().UnixMilli(),
		FirstUpdateID:     101,
		FinalUpdateID:     101,
		PrevFinalUpdateID: 100,
		Bids:              []models.BookLevel{{Price: 50000, Qty: 1}},
	}))

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap = p.CurrentBook(testInst); snap != nil && snap.BestBid() == 50000 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("diff never reached the book")
}

func TestDisconnectBreaksBarContinuity(t *testing.T) {
	p, ch := newTestPipeline(t)

	sub, err := p.Subscribe(testInst, models.Interval{Timeframe: models.Timeframe1m})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	ctx := context.Background()
	base := models.Timeframe1m.Floor(time.Now().UnixMilli()) - 10*int64(models.Timeframe1m)

	ch.SendEvent(ctx, models.NewTradeEvent(&models.Trade{
		Instrument: testInst, ID: 1, Time: base + 100, Price: 50000, Qty: 1,
	}))
	recvUpdate(t, sub)

	ch.SendEvent(ctx, models.Event{Kind: models.EventDisconnected, Instrument: testInst})

	ch.SendEvent(ctx, models.NewTradeEvent(&models.Trade{
		Instrument: testInst, ID: 2, Time: base + int64(models.Timeframe1m) + 100, Price: 51000, Qty: 1,
	}))

	for {
		u := recvUpdate(t, sub)
		if u.Bar.Closed {
			continue
		}
		if u.Bar.OpenTime != base+int64(models.Timeframe1m) {
			continue
		}
		if u.Bar.Open != 51000 {
			t.Fatalf("post-disconnect bar opened at %v, want first trade price", u.Bar.Open)
		}
		return
	}
}

func TestSnapshotSendSurvivesFullEventChannel(t *testing.T) {
	ch := channel.NewChannels(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &Pipeline{channels: ch, ctx: ctx}

	// Occupy the only buffer slot so the first send attempt drops.
	ch.SendEvent(ctx, models.NewTradeEvent(&models.Trade{Instrument: testInst, ID: 1}))

	done := make(chan struct{})
	go func() {
		p.sendEventPersistent(models.Event{Kind: models.EventBookSnapshot, Instrument: testInst})
		close(done)
	}()

	<-ch.Events
	select {
	case ev := <-ch.Events:
		if ev.Kind != models.EventBookSnapshot {
			t.Fatalf("got event kind %v, want snapshot", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot event was dropped instead of retried")
	}
	<-done
}

func TestSetTickMultiplierRebuckets(t *testing.T) {
	p, ch := newTestPipeline(t)

	sub, err := p.Subscribe(testInst, models.Interval{Timeframe: models.Timeframe1m})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	ctx := context.Background()
	base := models.Timeframe1m.Floor(time.Now().UnixMilli())

	ch.SendEvent(ctx, models.NewTradeEvent(&models.Trade{
		Instrument: testInst, ID: 1, Time: base + 100, Price: 50000.0, Qty: 1,
	}))
	ch.SendEvent(ctx, models.NewTradeEvent(&models.Trade{
		Instrument: testInst, ID: 2, Time: base + 200, Price: 50000.3, Qty: 1,
	}))
	recvUpdate(t, sub)
	u := recvUpdate(t, sub)
	if len(u.Cells) != 2 {
		t.Fatalf("cells = %d, want 2 at multiplier 1", len(u.Cells))
	}

	p.SetTickMultiplier(testInst, 10)
	// Command channel is FIFO: once this query returns, the
	// multiplier change has been applied.
	p.CurrentBook(testInst)

	ch.SendEvent(ctx, models.NewTradeEvent(&models.Trade{
		Instrument: testInst, ID: 3, Time: base + 300, Price: 50000.5, Qty: 1,
	}))
	u = recvUpdate(t, sub)
	if len(u.Cells) != 1 {
		t.Fatalf("cells = %d, want 1 after coarser grouping", len(u.Cells))
	}
}
