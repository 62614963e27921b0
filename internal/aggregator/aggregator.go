// Package aggregator turns normalized trades and klines into
// time-based and tick-based bars with per-price footprints.
package aggregator

import (
	"sort"

	"chartflow/logger"
	"chartflow/models"
)

// Aggregator owns all bar series for one instrument. It keeps the raw
// trades within the retention window so footprints can be rebuilt when
// the tick-size multiplier changes. Not safe for concurrent use; the
// pipeline dispatcher serializes access.
type Aggregator struct {
	inst       models.Instrument
	multiplier int
	retention  int64

	raw        []models.Trade
	timeSeries map[models.Timeframe]*TimeSeries
	tickSeries map[models.TickCount]*TickSeries
	openInt    []models.OpenInterestPoint

	log *logger.Log
}

func New(inst models.Instrument, multiplier int, retentionMs int64) *Aggregator {
	if multiplier < 1 {
		multiplier = 1
	}
	return &Aggregator{
		inst:       inst,
		multiplier: multiplier,
		retention:  retentionMs,
		timeSeries: make(map[models.Timeframe]*TimeSeries),
		tickSeries: make(map[models.TickCount]*TickSeries),
		log:        logger.GetLogger(),
	}
}

func (a *Aggregator) step() float64 {
	return a.inst.TickSize * float64(a.multiplier)
}

// EnsureTimeSeries returns the series for a timeframe, creating it on
// first use.
func (a *Aggregator) EnsureTimeSeries(tf models.Timeframe) *TimeSeries {
	ts, ok := a.timeSeries[tf]
	if !ok {
		ts = NewTimeSeries(a.inst, tf, a.step())
		a.timeSeries[tf] = ts
	}
	return ts
}

// EnsureTickSeries returns the series for a tick count, creating it on
// first use.
func (a *Aggregator) EnsureTickSeries(count models.TickCount) *TickSeries {
	s, ok := a.tickSeries[count]
	if !ok {
		s = NewTickSeries(a.inst, count, a.step())
		a.tickSeries[count] = s
	}
	return s
}

// Ingest routes one trade into every active series and retains it for
// rebucketing.
func (a *Aggregator) Ingest(t *models.Trade) []BarUpdate {
	a.raw = append(a.raw, *t)
	a.pruneRaw(t.Time)

	var updates []BarUpdate
	for _, ts := range a.timeSeries {
		updates = append(updates, ts.Ingest(t)...)
	}
	for _, s := range a.tickSeries {
		updates = append(updates, s.Ingest(t)...)
	}
	return updates
}

func (a *Aggregator) pruneRaw(now int64) {
	if a.retention <= 0 || len(a.raw) == 0 {
		return
	}
	cutoff := now - a.retention
	idx := sort.Search(len(a.raw), func(i int) bool { return a.raw[i].Time >= cutoff })
	if idx > 0 {
		a.raw = append(a.raw[:0], a.raw[idx:]...)
	}
}

// MarkGap flags every series so the next opened bar starts at its
// first trade's price instead of the prior close.
func (a *Aggregator) MarkGap() {
	for _, ts := range a.timeSeries {
		ts.MarkGap()
	}
	for _, s := range a.tickSeries {
		s.MarkGap()
	}
}

// MergeKlines applies venue kline data to the matching timeframe.
func (a *Aggregator) MergeKlines(tf models.Timeframe, klines []models.Kline, closed bool) {
	a.EnsureTimeSeries(tf).MergeKlines(klines, closed)
}

// InsertTrades feeds backfilled trades into all series. Time series
// update footprints in place; tick series rebuild because historical
// trades shift bar boundaries.
func (a *Aggregator) InsertTrades(trades []models.Trade) []BarUpdate {
	if len(trades) == 0 {
		return nil
	}

	merged := append(a.raw, trades...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Time < merged[j].Time })
	a.raw = dedupeTrades(merged)

	var updates []BarUpdate
	for _, ts := range a.timeSeries {
		updates = append(updates, ts.InsertTrades(trades)...)
	}
	for _, s := range a.tickSeries {
		s.Rebucket(s.step, a.raw)
		bars := s.Bars()
		if len(bars) > 0 {
			updates = append(updates, BarUpdate{Bar: bars[len(bars)-1]})
		}
	}
	return updates
}

func dedupeTrades(sorted []models.Trade) []models.Trade {
	out := sorted[:0]
	var lastID int64 = -1
	for _, t := range sorted {
		if t.ID == lastID && t.ID != 0 {
			continue
		}
		out = append(out, t)
		lastID = t.ID
	}
	return out
}

// SetTickMultiplier changes the footprint bucket coarseness and
// rebuilds every footprint from retained raw trades.
func (a *Aggregator) SetTickMultiplier(multiplier int) {
	if multiplier < 1 || multiplier == a.multiplier {
		return
	}
	a.multiplier = multiplier
	step := a.step()

	for _, ts := range a.timeSeries {
		ts.Rebucket(step, a.raw)
	}
	for _, s := range a.tickSeries {
		s.Rebucket(step, a.raw)
	}

	a.log.WithComponent("aggregator").WithFields(logger.Fields{
		"instrument": a.inst.Key(),
		"multiplier": multiplier,
		"step":       step,
	}).Info("footprints rebucketed")
}

// CheckIntegrity inspects one timeframe for bars missing trade data
// and reports the ranges that need backfilling.
func (a *Aggregator) CheckIntegrity(tf models.Timeframe, from, to int64) []models.HistoricalGap {
	ts, ok := a.timeSeries[tf]
	if !ok {
		return nil
	}
	return ts.CheckIntegrity(from, to)
}

// AppendOpenInterest appends points keeping the series time-ordered
// and deduplicated.
func (a *Aggregator) AppendOpenInterest(points []models.OpenInterestPoint) {
	for _, p := range points {
		n := len(a.openInt)
		if n > 0 && p.Time <= a.openInt[n-1].Time {
			if p.Time == a.openInt[n-1].Time {
				a.openInt[n-1] = p
			}
			continue
		}
		a.openInt = append(a.openInt, p)
	}
}

// OpenInterest returns the retained open-interest series.
func (a *Aggregator) OpenInterest() []models.OpenInterestPoint {
	out := make([]models.OpenInterestPoint, len(a.openInt))
	copy(out, a.openInt)
	return out
}

// RawTrades returns a copy of the retained raw trades.
func (a *Aggregator) RawTrades() []models.Trade {
	out := make([]models.Trade, len(a.raw))
	copy(out, a.raw)
	return out
}
