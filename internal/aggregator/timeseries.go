package aggregator

import (
	"sort"

	"chartflow/models"
)

// BarUpdate is an aggregation result pushed to subscribers. Cells
// carry the bar's footprint at the time of the update.
type BarUpdate struct {
	Bar   models.Bar
	Cells []models.FootprintCell
}

// dataPoint pairs a bar with its footprint and trade bookkeeping.
type dataPoint struct {
	bar            models.Bar
	footprint      *Footprint
	firstTradeTime int64
	lastTradeTime  int64
}

// TimeSeries aggregates trades into time-based bars for one
// instrument and timeframe. Not safe for concurrent use.
type TimeSeries struct {
	inst models.Instrument
	tf   models.Timeframe
	step float64

	points  map[int64]*dataPoint
	lastKey int64
	gapOpen bool
}

func NewTimeSeries(inst models.Instrument, tf models.Timeframe, step float64) *TimeSeries {
	return &TimeSeries{
		inst:   inst,
		tf:     tf,
		step:   step,
		points: make(map[int64]*dataPoint),
	}
}

func (ts *TimeSeries) Timeframe() models.Timeframe { return ts.tf }

// MarkGap records that continuity to the live stream was lost. The
// next bar opened by a trade starts at that trade's price instead of
// the prior close.
func (ts *TimeSeries) MarkGap() { ts.gapOpen = true }

func (ts *TimeSeries) newPoint(key int64, open float64) *dataPoint {
	p := &dataPoint{
		bar: models.Bar{
			Instrument: ts.inst,
			Interval:   models.Interval{Timeframe: ts.tf},
			OpenTime:   key,
			Open:       open,
			High:       open,
			Low:        open,
			Close:      open,
		},
		footprint: NewFootprint(ts.step),
	}
	ts.points[key] = p
	return p
}

// Ingest aggregates one trade. Returns the updates produced: a close
// of the previous bar when a boundary was crossed, plus the update of
// the bar the trade belongs to. Trades landing in already closed bars
// update footprint and volume retroactively but never reopen the bar
// or change its OHLC.
func (ts *TimeSeries) Ingest(t *models.Trade) []BarUpdate {
	key := ts.tf.Floor(t.Time)
	var updates []BarUpdate

	if ts.lastKey != 0 && key < ts.lastKey {
		if p, ok := ts.points[key]; ok {
			ts.addTrade(p, t)
			updates = append(updates, ts.update(p))
		}
		return updates
	}

	if key > ts.lastKey && ts.lastKey != 0 {
		if prev, ok := ts.points[ts.lastKey]; ok && !prev.bar.Closed {
			prev.bar.Closed = true
			updates = append(updates, ts.update(prev))
		}
	}

	p, ok := ts.points[key]
	if !ok {
		open := t.Price
		if !ts.gapOpen && ts.lastKey != 0 && key > ts.lastKey {
			if prev, exists := ts.points[ts.lastKey]; exists {
				open = prev.bar.Close
			}
		}
		p = ts.newPoint(key, open)
		ts.gapOpen = false
		ts.lastKey = key
	}

	ts.addTrade(p, t)
	updates = append(updates, ts.update(p))
	return updates
}

func (ts *TimeSeries) addTrade(p *dataPoint, t *models.Trade) {
	if !p.bar.Closed {
		if t.Price > p.bar.High {
			p.bar.High = t.Price
		}
		if t.Price < p.bar.Low {
			p.bar.Low = t.Price
		}
		p.bar.Close = t.Price
	}

	if t.IsSell {
		p.bar.SellVolume += t.Qty
	} else {
		p.bar.BuyVolume += t.Qty
	}
	p.bar.TradeCount++
	p.footprint.Add(t)

	if p.firstTradeTime == 0 || t.Time < p.firstTradeTime {
		p.firstTradeTime = t.Time
	}
	if t.Time > p.lastTradeTime {
		p.lastTradeTime = t.Time
	}
}

func (ts *TimeSeries) update(p *dataPoint) BarUpdate {
	return BarUpdate{Bar: p.bar, Cells: p.footprint.Cells()}
}

// MergeKlines upserts venue kline data. Venue OHLCV is authoritative
// for the bars it covers; existing footprints are preserved. A final
// kline closes its bar.
func (ts *TimeSeries) MergeKlines(klines []models.Kline, closed bool) {
	for i := range klines {
		k := &klines[i]
		key := ts.tf.Floor(k.Time)

		p, ok := ts.points[key]
		if !ok {
			p = ts.newPoint(key, k.Open)
			if key > ts.lastKey {
				ts.lastKey = key
			}
		}

		p.bar.Open = k.Open
		p.bar.High = k.High
		p.bar.Low = k.Low
		p.bar.Close = k.Close
		p.bar.BuyVolume = k.BuyVolume
		p.bar.SellVolume = k.SellVolume
		if closed {
			p.bar.Closed = true
		}
	}
}

// MissingKlines returns bar keys absent from the series within the
// half-open interval [from, to).
func (ts *TimeSeries) MissingKlines(from, to int64) []int64 {
	var missing []int64
	for key := ts.tf.Floor(from); key < to; key += int64(ts.tf) {
		if _, ok := ts.points[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// CheckIntegrity scans [from, to) for bars whose kline volume is
// nonzero while the footprint holds no trades, and for missing bars.
// Both indicate trade history that needs backfilling.
func (ts *TimeSeries) CheckIntegrity(from, to int64) []models.HistoricalGap {
	var gaps []models.HistoricalGap

	var holeStart int64 = -1
	flush := func(end int64, reason models.GapReason) {
		if holeStart < 0 {
			return
		}
		gaps = append(gaps, models.HistoricalGap{
			Instrument: ts.inst,
			FromTime:   holeStart,
			ToTime:     end,
			Reason:     reason,
		})
		holeStart = -1
	}

	for key := ts.tf.Floor(from); key < to; key += int64(ts.tf) {
		p, ok := ts.points[key]
		if ok && (p.bar.Volume() == 0 || !p.footprint.Empty()) {
			flush(key, models.GapReasonMissingTrades)
			continue
		}
		if holeStart < 0 {
			holeStart = key
		}
	}
	flush(ts.tf.Floor(to-1)+int64(ts.tf), models.GapReasonMissingTrades)

	return gaps
}

// Rebucket rebuilds every footprint from raw trades using a new
// bucket step. Bar OHLCV is untouched.
func (ts *TimeSeries) Rebucket(step float64, raw []models.Trade) {
	ts.step = step
	for _, p := range ts.points {
		p.footprint = NewFootprint(step)
	}
	for i := range raw {
		t := &raw[i]
		key := ts.tf.Floor(t.Time)
		if p, ok := ts.points[key]; ok {
			p.footprint.Add(t)
		}
	}
}

// InsertTrades adds historical trades into their bars' footprints.
// Bar OHLCV stays untouched: the merged kline already carries the
// window's volume, so adding insert volume on top would count it
// twice. Used by backfill completion.
func (ts *TimeSeries) InsertTrades(trades []models.Trade) []BarUpdate {
	touched := make(map[int64]struct{})
	for i := range trades {
		t := &trades[i]
		key := ts.tf.Floor(t.Time)
		p, ok := ts.points[key]
		if !ok {
			continue
		}
		if !p.footprint.Empty() && t.Time >= p.firstTradeTime && t.Time <= p.lastTradeTime {
			// already covered by live trades
			continue
		}
		p.footprint.Add(t)
		touched[key] = struct{}{}
	}

	updates := make([]BarUpdate, 0, len(touched))
	for key := range touched {
		updates = append(updates, ts.update(ts.points[key]))
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].Bar.OpenTime < updates[j].Bar.OpenTime })
	return updates
}

// Bars returns all bars in chronological order.
func (ts *TimeSeries) Bars() []models.Bar {
	out := make([]models.Bar, 0, len(ts.points))
	for _, p := range ts.points {
		out = append(out, p.bar)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	return out
}

// Footprint returns a copy of the footprint cells for one bar key.
func (ts *TimeSeries) Footprint(key int64) []models.FootprintCell {
	if p, ok := ts.points[key]; ok {
		return p.footprint.Cells()
	}
	return nil
}
