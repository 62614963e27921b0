package backfill

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	appconfig "chartflow/config"
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

type fakeConnector struct {
	exchange   models.Exchange
	market     models.MarketType
	caps       connector.Capabilities
	archiveURL string

	fetchCalls int
	trades     []models.Trade
}

func (f *fakeConnector) Exchange() models.Exchange            { return f.exchange }
func (f *fakeConnector) Market() models.MarketType            { return f.market }
func (f *fakeConnector) Capabilities() connector.Capabilities { return f.caps }
func (f *fakeConnector) ArchiveURL() string                   { return f.archiveURL }
func (f *fakeConnector) Disconnect()                          {}

func (f *fakeConnector) ResolveInstrument(ctx context.Context, symbol string) (models.Instrument, error) {
	return testInst, nil
}

func (f *fakeConnector) Connect(ctx context.Context, instruments []models.Instrument) error {
	return nil
}

func (f *fakeConnector) SubscribeKlines(inst models.Instrument, tf models.Timeframe) error {
	return nil
}

func (f *fakeConnector) FetchBookSnapshot(ctx context.Context, inst models.Instrument) (*models.BookSnapshot, error) {
	return nil, models.ErrUnavailable
}

func (f *fakeConnector) FetchKlines(ctx context.Context, inst models.Instrument, tf models.Timeframe, from, to int64) ([]models.Kline, error) {
	return nil, nil
}

func (f *fakeConnector) FetchOpenInterest(ctx context.Context, inst models.Instrument, from, to int64) ([]models.OpenInterestPoint, error) {
	return nil, models.ErrUnavailable
}

func (f *fakeConnector) FetchHistoricalTrades(ctx context.Context, inst models.Instrument, from, to int64, maxPages int) ([]models.Trade, error) {
	f.fetchCalls++
	var out []models.Trade
	for _, t := range f.trades {
		if t.Time >= from && t.Time <= to {
			out = append(out, t)
		}
	}
	return out, nil
}

func newTestCoordinator(t *testing.T, conn connector.Connector) (*Coordinator, *cache.Store) {
	t.Helper()
	store, err := cache.Open(t.TempDir(), 64)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ch := channel.NewChannels(16, 16)
	cfg := appconfig.BackfillConfig{
		MaxPagesPerRequest: 10,
		RequestTimeout:     time.Minute,
		RetryCooldown:      30 * time.Second,
	}
	return NewCoordinator(store, ch, []connector.Connector{conn}, cfg), store
}

func TestRequestHandlerDeduplicates(t *testing.T) {
	h := NewRequestHandler(time.Hour)
	gap := models.HistoricalGap{Instrument: testInst, FromTime: 1000, ToTime: 2000}

	first, act := h.Track(gap)
	if !act {
		t.Fatal("first track should act")
	}
	if first.Status != StatusPending {
		t.Fatalf("status = %s, want pending", first.Status)
	}

	if _, act := h.Track(gap); act {
		t.Fatal("pending gap must not be re-issued")
	}

	h.Complete(gap)
	if _, act := h.Track(gap); act {
		t.Fatal("completed gap inside cooldown must not be re-issued")
	}

	h.Fail(gap, models.ErrFetchFailed)
	if _, act := h.Track(gap); !act {
		t.Fatal("failed gap should be retried")
	}

	other := models.HistoricalGap{Instrument: testInst, FromTime: 5000, ToTime: 6000}
	if _, act := h.Track(other); !act {
		t.Fatal("distinct gap should act")
	}
}

func TestRequestHandlerPrune(t *testing.T) {
	h := NewRequestHandler(time.Millisecond)
	gap := models.HistoricalGap{Instrument: testInst, FromTime: 1, ToTime: 2}
	h.Track(gap)
	h.Complete(gap)

	time.Sleep(5 * time.Millisecond)
	h.Prune(time.Millisecond)

	if _, act := h.Track(gap); !act {
		t.Fatal("pruned gap should be trackable again")
	}
}

func TestArchiveDayURL(t *testing.T) {
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	got := archiveDayURL("https://archive.example", testInst, day)
	want := "https://archive.example/data/futures/um/daily/aggTrades/BTCUSDT/BTCUSDT-aggTrades-2024-03-15.zip"
	if got != want {
		t.Fatalf("linear url = %s, want %s", got, want)
	}

	spot := testInst
	spot.Market = models.MarketTypeSpot
	got = archiveDayURL("https://archive.example", spot, day)
	if !strings.Contains(got, "/data/spot/daily/aggTrades/") {
		t.Fatalf("spot url missing spot segment: %s", got)
	}
}

func TestParseArchiveCSV(t *testing.T) {
	csvData := strings.Join([]string{
		"agg_trade_id,price,quantity,first_trade_id,last_trade_id,transact_time,is_buyer_maker",
		"100,42000.5,0.25,100,101,1700000000000,true",
		"101,42001.0,1.5,102,102,1700000000500,false",
	}, "\n")

	trades, err := parseArchiveCSV(strings.NewReader(csvData))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("trades = %d, want 2 (header skipped)", len(trades))
	}
	if trades[0].ID != 100 || trades[0].Price != 42000.5 || trades[0].Qty != 0.25 {
		t.Fatalf("first trade mismatch: %+v", trades[0])
	}
	if !trades[0].IsSell {
		t.Fatal("buyer-maker row should be a sell")
	}
	if trades[1].IsSell {
		t.Fatal("non-maker row should be a buy")
	}
	if trades[1].Time != 1700000000500 {
		t.Fatalf("time = %d", trades[1].Time)
	}
}

func TestParseArchiveCSVMicroseconds(t *testing.T) {
	trades, err := parseArchiveCSV(strings.NewReader("1,100.0,1.0,1,1,1700000000000000,false"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if trades[0].Time != 1700000000000 {
		t.Fatalf("time = %d, want milliseconds", trades[0].Time)
	}
}

func zipOf(t *testing.T, name, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	if _, err := w.Write([]byte(content)); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func TestArchiveFetchDay(t *testing.T) {
	payload := zipOf(t, "BTCUSDT-aggTrades-2024-03-15.csv",
		"1,50000.0,0.5,1,1,1710460800000,false\n2,50001.0,0.2,2,2,1710460801000,true\n")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "BTCUSDT-aggTrades-2024-03-15.zip") {
			http.NotFound(w, r)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	client := NewArchiveClient()
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	trades, err := client.FetchDay(context.Background(), srv.URL, testInst, day)
	if err != nil {
		t.Fatalf("fetch day: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(trades))
	}

	missing, err := client.FetchDay(context.Background(), srv.URL, testInst, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("missing day should not error: %v", err)
	}
	if missing != nil {
		t.Fatalf("missing day should yield no trades, got %d", len(missing))
	}
}

func TestFillUnsupportedVenue(t *testing.T) {
	conn := &fakeConnector{
		exchange: models.ExchangeBybit,
		market:   models.MarketTypeLinear,
		caps:     connector.Capabilities{},
	}
	inst := testInst
	inst.Exchange = models.ExchangeBybit

	coord, _ := newTestCoordinator(t, conn)
	result := coord.Fill(context.Background(), models.HistoricalGap{
		Instrument: inst, FromTime: 1000, ToTime: 2000, Reason: models.GapReasonMissingTrades,
	})

	if result.Err != nil {
		t.Fatalf("unsupported venue should not error: %v", result.Err)
	}
	if result.Reason != models.GapReasonUnsupported {
		t.Fatalf("reason = %s, want unsupported", result.Reason)
	}
	if conn.fetchCalls != 0 {
		t.Fatalf("fetchCalls = %d, want 0", conn.fetchCalls)
	}
}

func TestFillServedFromCache(t *testing.T) {
	conn := &fakeConnector{
		exchange: models.ExchangeBinance,
		market:   models.MarketTypeLinear,
		caps:     connector.Capabilities{HistoricalTrades: true},
	}
	coord, store := newTestCoordinator(t, conn)

	seed := []models.Trade{
		{ID: 1, Time: 1200, Price: 100, Qty: 1},
		{ID: 2, Time: 1800, Price: 101, Qty: 2},
	}
	if err := store.PutTrades(testInst, 1000, 2000, seed); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	result := coord.Fill(context.Background(), models.HistoricalGap{
		Instrument: testInst, FromTime: 1000, ToTime: 2000,
	})
	if result.Err != nil {
		t.Fatalf("fill: %v", result.Err)
	}
	if len(result.Trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(result.Trades))
	}
	if conn.fetchCalls != 0 {
		t.Fatalf("cache hit must not touch the network, fetchCalls = %d", conn.fetchCalls)
	}
}

func TestFillPrefersArchiveForFullDay(t *testing.T) {
	dayStart := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC).UnixMilli()
	payload := zipOf(t, "BTCUSDT-aggTrades-2024-03-15.csv",
		"1,50000.0,0.5,1,1,1710460801000,false\n2,50001.0,0.2,2,2,1710460802000,true\n")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "BTCUSDT-aggTrades-2024-03-15.zip") {
			http.NotFound(w, r)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	conn := &fakeConnector{
		exchange:   models.ExchangeBinance,
		market:     models.MarketTypeLinear,
		caps:       connector.Capabilities{HistoricalTrades: true, BulkArchive: true},
		archiveURL: srv.URL,
	}
	coord, _ := newTestCoordinator(t, conn)

	result := coord.Fill(context.Background(), models.HistoricalGap{
		Instrument: testInst, FromTime: dayStart, ToTime: dayStart + dayMs - 1,
	})
	if result.Err != nil {
		t.Fatalf("fill: %v", result.Err)
	}
	if conn.fetchCalls != 0 {
		t.Fatalf("archived day went through REST, fetchCalls = %d", conn.fetchCalls)
	}
	if len(result.Trades) != 2 {
		t.Fatalf("trades = %d, want 2 from archive", len(result.Trades))
	}
	if len(result.Remaining) != 0 {
		t.Fatalf("remaining = %+v, want none", result.Remaining)
	}
}

func TestFillPartialReportsRemaining(t *testing.T) {
	conn := &fakeConnector{
		exchange: models.ExchangeBinance,
		market:   models.MarketTypeLinear,
		caps:     connector.Capabilities{HistoricalTrades: true},
		trades: []models.Trade{
			{ID: 10, Time: 1100, Price: 100, Qty: 0.5},
			{ID: 11, Time: 1500, Price: 101, Qty: 0.5},
		},
	}
	coord, _ := newTestCoordinator(t, conn)

	result := coord.Fill(context.Background(), models.HistoricalGap{
		Instrument: testInst, FromTime: 1000, ToTime: 2000,
	})
	if result.Err != nil {
		t.Fatalf("fill: %v", result.Err)
	}
	if len(result.Trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(result.Trades))
	}
	if len(result.Remaining) != 1 {
		t.Fatalf("remaining = %+v, want one open range", result.Remaining)
	}
	if result.Remaining[0].From != 1501 || result.Remaining[0].To != 2000 {
		t.Fatalf("remaining range = %+v, want 1501..2000", result.Remaining[0])
	}
}

func TestFillViaRestWritesThrough(t *testing.T) {
	conn := &fakeConnector{
		exchange: models.ExchangeBinance,
		market:   models.MarketTypeLinear,
		caps:     connector.Capabilities{HistoricalTrades: true},
		trades: []models.Trade{
			{ID: 10, Time: 1100, Price: 100, Qty: 0.5},
			{ID: 11, Time: 1500, Price: 101, Qty: 0.5, IsSell: true},
			{ID: 12, Time: 2000, Price: 102, Qty: 0.5},
		},
	}
	coord, _ := newTestCoordinator(t, conn)
	gap := models.HistoricalGap{Instrument: testInst, FromTime: 1000, ToTime: 2000}

	result := coord.Fill(context.Background(), gap)
	if result.Err != nil {
		t.Fatalf("fill: %v", result.Err)
	}
	if len(result.Trades) != 3 {
		t.Fatalf("trades = %d, want 3", len(result.Trades))
	}
	if conn.fetchCalls != 1 {
		t.Fatalf("fetchCalls = %d, want 1", conn.fetchCalls)
	}

	again := coord.Fill(context.Background(), gap)
	if again.Err != nil {
		t.Fatalf("second fill: %v", again.Err)
	}
	if conn.fetchCalls != 1 {
		t.Fatalf("second fill should be served from cache, fetchCalls = %d", conn.fetchCalls)
	}
	if len(again.Trades) != 3 {
		t.Fatalf("second fill trades = %d, want 3", len(again.Trades))
	}
}
