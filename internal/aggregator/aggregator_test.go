package aggregator

import (
	"testing"

	"chartflow/models"
)

func TestAggregatorRoutesToAllSeries(t *testing.T) {
	a := New(testInst(), 1, 0)
	a.EnsureTimeSeries(models.Timeframe1m)
	a.EnsureTickSeries(100)

	updates := a.Ingest(trade(base+1000, 100.0, 1, false))
	if len(updates) != 2 {
		t.Fatalf("got %d updates, want one per series", len(updates))
	}
}

func TestAggregatorSetTickMultiplier(t *testing.T) {
	a := New(testInst(), 1, int64(models.Timeframe1h))
	ts := a.EnsureTimeSeries(models.Timeframe1m)

	a.Ingest(trade(base+1000, 100.01, 1, false))
	a.Ingest(trade(base+2000, 100.19, 1, true))

	if got := len(ts.Footprint(base)); got != 2 {
		t.Fatalf("buckets at multiplier 1 = %d, want 2", got)
	}

	// tick size 0.1 * multiplier 5 = step 0.5
	a.SetTickMultiplier(5)
	if got := len(ts.Footprint(base)); got != 1 {
		t.Errorf("buckets at multiplier 5 = %d, want 1", got)
	}

	cells := ts.Footprint(base)
	if cells[0].BuyQty+cells[0].SellQty != 2 {
		t.Errorf("rebucketing lost volume: %+v", cells)
	}
}

func TestAggregatorPrunesRawTrades(t *testing.T) {
	retention := int64(10_000)
	a := New(testInst(), 1, retention)
	a.EnsureTimeSeries(models.Timeframe1m)

	a.Ingest(trade(base, 100.0, 1, false))
	a.Ingest(trade(base+retention+1000, 101.0, 1, false))

	raw := a.RawTrades()
	if len(raw) != 1 {
		t.Fatalf("got %d retained trades, want 1", len(raw))
	}
	if raw[0].Time != base+retention+1000 {
		t.Errorf("wrong trade retained: %+v", raw[0])
	}
}

func TestAggregatorInsertTradesDedupes(t *testing.T) {
	a := New(testInst(), 1, 0)
	a.EnsureTimeSeries(models.Timeframe1m)

	live := trade(base+1000, 100.0, 1, false)
	a.Ingest(live)

	backfill := []models.Trade{
		*live, // duplicate of the live trade
		*trade(base-30_000, 99.0, 2, true),
	}
	a.InsertTrades(backfill)

	raw := a.RawTrades()
	if len(raw) != 2 {
		t.Fatalf("got %d trades after merge, want 2 deduped", len(raw))
	}
	if raw[0].Time >= raw[1].Time {
		t.Error("merged trades not time-ordered")
	}
}

func TestAggregatorOpenInterestOrdered(t *testing.T) {
	a := New(testInst(), 1, 0)

	a.AppendOpenInterest([]models.OpenInterestPoint{
		{Time: 1000, Value: 10},
		{Time: 2000, Value: 11},
	})
	// replayed point updates in place, stale point is dropped
	a.AppendOpenInterest([]models.OpenInterestPoint{
		{Time: 2000, Value: 12},
		{Time: 1500, Value: 99},
		{Time: 3000, Value: 13},
	})

	points := a.OpenInterest()
	if len(points) != 3 {
		t.Fatalf("got %d points, want 3", len(points))
	}
	if points[1].Value != 12 {
		t.Errorf("same-time point not updated: %+v", points[1])
	}
	for i := 1; i < len(points); i++ {
		if points[i].Time <= points[i-1].Time {
			t.Fatalf("points not strictly increasing: %+v", points)
		}
	}
}

func TestAggregatorMarkGapPropagates(t *testing.T) {
	a := New(testInst(), 1, 0)
	a.EnsureTimeSeries(models.Timeframe1m)

	a.Ingest(trade(base+1000, 100.0, 1, false))
	a.MarkGap()
	updates := a.Ingest(trade(base+2*minuteMs, 110.0, 1, false))

	opened := updates[len(updates)-1].Bar
	if opened.Open != 110.0 {
		t.Errorf("post-gap open = %v, want 110.0", opened.Open)
	}
}
