package cache

import (
	"testing"

	"chartflow/models"
)

func cacheInst() models.Instrument {
	return models.Instrument{
		Exchange: models.ExchangeBinance,
		Market:   models.MarketTypeLinear,
		Symbol:   "BTCUSDT",
		TickSize: 0.1,
	}
}

func makeTrades(from, step int64, n int) []models.Trade {
	trades := make([]models.Trade, n)
	for i := range trades {
		ts := from + int64(i)*step
		trades[i] = models.Trade{
			Instrument: cacheInst(),
			ID:         ts,
			Time:       ts,
			Price:      100 + float64(i)*0.1,
			Qty:        1,
			IsSell:     i%2 == 0,
		}
	}
	return trades
}

func TestStorePutGetTrades(t *testing.T) {
	s, err := Open(t.TempDir(), 64)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	trades := makeTrades(1000, 100, 10)
	if err := s.PutTrades(cacheInst(), 1000, 1900, trades); err != nil {
		t.Fatalf("PutTrades() error: %v", err)
	}

	got, covered, err := s.GetTrades(cacheInst(), 1000, 1900)
	if err != nil {
		t.Fatalf("GetTrades() error: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("got %d trades, want 10", len(got))
	}
	if len(covered) != 1 || covered[0].From != 1000 || covered[0].To != 1900 {
		t.Errorf("covered = %+v, want full range", covered)
	}
}

func TestStorePutIdempotent(t *testing.T) {
	s, err := Open(t.TempDir(), 64)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	trades := makeTrades(1000, 100, 10)
	for i := 0; i < 2; i++ {
		if err := s.PutTrades(cacheInst(), 1000, 1900, trades); err != nil {
			t.Fatalf("PutTrades() #%d error: %v", i+1, err)
		}
	}

	got, _, err := s.GetTrades(cacheInst(), 0, 10_000)
	if err != nil {
		t.Fatalf("GetTrades() error: %v", err)
	}
	if len(got) != 10 {
		t.Errorf("got %d trades after duplicate put, want 10", len(got))
	}
}

func TestStoreMergesOverlappingRanges(t *testing.T) {
	s, err := Open(t.TempDir(), 64)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	if err := s.PutTrades(cacheInst(), 1000, 1900, makeTrades(1000, 100, 10)); err != nil {
		t.Fatalf("PutTrades() error: %v", err)
	}
	// overlaps the tail of the first range
	if err := s.PutTrades(cacheInst(), 1500, 2900, makeTrades(1500, 100, 15)); err != nil {
		t.Fatalf("PutTrades() error: %v", err)
	}

	got, covered, err := s.GetTrades(cacheInst(), 1000, 2900)
	if err != nil {
		t.Fatalf("GetTrades() error: %v", err)
	}
	if len(covered) != 1 {
		t.Fatalf("covered = %+v, want single merged range", covered)
	}
	if covered[0].From != 1000 || covered[0].To != 2900 {
		t.Errorf("merged range = %+v, want 1000..2900", covered[0])
	}
	// 10 + 15 with 5 duplicates
	if len(got) != 20 {
		t.Errorf("got %d trades, want 20 deduped", len(got))
	}
}

func TestStoreReopenRebuildsIndex(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, 64)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := s.PutTrades(cacheInst(), 1000, 1900, makeTrades(1000, 100, 10)); err != nil {
		t.Fatalf("PutTrades() error: %v", err)
	}

	reopened, err := Open(dir, 64)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	got, _, err := reopened.GetTrades(cacheInst(), 1000, 1900)
	if err != nil {
		t.Fatalf("GetTrades() after reopen error: %v", err)
	}
	if len(got) != 10 {
		t.Errorf("got %d trades after reopen, want 10", len(got))
	}
}

func TestStoreKlines(t *testing.T) {
	s, err := Open(t.TempDir(), 64)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	klines := []models.Kline{
		{Time: 60_000, Open: 100, High: 101, Low: 99, Close: 100.5, BuyVolume: 3, SellVolume: 2},
		{Time: 120_000, Open: 100.5, High: 102, Low: 100, Close: 101, BuyVolume: 4, SellVolume: 1},
	}
	if err := s.PutKlines(cacheInst(), models.Timeframe1m, klines); err != nil {
		t.Fatalf("PutKlines() error: %v", err)
	}

	got, err := s.GetKlines(cacheInst(), models.Timeframe1m, 0, 200_000)
	if err != nil {
		t.Fatalf("GetKlines() error: %v", err)
	}
	if len(got) != 2 || got[0].Close != 100.5 {
		t.Errorf("unexpected klines: %+v", got)
	}

	// a different timeframe is a different key
	other, err := s.GetKlines(cacheInst(), models.Timeframe5m, 0, 200_000)
	if err != nil {
		t.Fatalf("GetKlines() error: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("timeframes must not share entries: %+v", other)
	}
}

func TestStoreOpenInterest(t *testing.T) {
	s, err := Open(t.TempDir(), 64)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	points := []models.OpenInterestPoint{
		{Time: 60_000, Value: 1500.5},
		{Time: 120_000, Value: 1498.0},
	}
	if err := s.PutOpenInterest(cacheInst(), points); err != nil {
		t.Fatalf("PutOpenInterest() error: %v", err)
	}
	// overlapping put merges and dedupes by time
	if err := s.PutOpenInterest(cacheInst(), []models.OpenInterestPoint{
		{Time: 120_000, Value: 1499.0},
		{Time: 180_000, Value: 1501.0},
	}); err != nil {
		t.Fatalf("PutOpenInterest() error: %v", err)
	}

	got, err := s.GetOpenInterest(cacheInst(), 0, 200_000)
	if err != nil {
		t.Fatalf("GetOpenInterest() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d points, want 3", len(got))
	}
	if got[1].Value != 1499.0 {
		t.Errorf("overlapping point not replaced: %+v", got[1])
	}

	partial, err := s.GetOpenInterest(cacheInst(), 100_000, 130_000)
	if err != nil {
		t.Fatalf("GetOpenInterest() error: %v", err)
	}
	if len(partial) != 1 || partial[0].Time != 120_000 {
		t.Errorf("range filter wrong: %+v", partial)
	}
}

func TestUncovered(t *testing.T) {
	holes := Uncovered(0, 1000, []Range{{From: 100, To: 300}, {From: 600, To: 800}})
	want := []Range{{From: 0, To: 99}, {From: 301, To: 599}, {From: 801, To: 1000}}
	if len(holes) != len(want) {
		t.Fatalf("holes = %+v, want %+v", holes, want)
	}
	for i := range want {
		if holes[i] != want[i] {
			t.Errorf("hole[%d] = %+v, want %+v", i, holes[i], want[i])
		}
	}

	if holes := Uncovered(100, 200, []Range{{From: 50, To: 300}}); len(holes) != 0 {
		t.Errorf("fully covered request should have no holes, got %+v", holes)
	}
}
