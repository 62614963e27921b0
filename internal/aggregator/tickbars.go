package aggregator

import (
	"sort"

	"chartflow/models"
)

// TickSeries aggregates trades into bars that close after a fixed
// number of trades. Not safe for concurrent use.
type TickSeries struct {
	inst  models.Instrument
	count models.TickCount
	step  float64

	bars    []*dataPoint
	current *dataPoint
	gapOpen bool
}

func NewTickSeries(inst models.Instrument, count models.TickCount, step float64) *TickSeries {
	return &TickSeries{
		inst:  inst,
		count: count,
		step:  step,
	}
}

func (s *TickSeries) Count() models.TickCount { return s.count }

// MarkGap makes the next opened bar start at its first trade's price.
func (s *TickSeries) MarkGap() { s.gapOpen = true }

// Ingest aggregates one trade. The returned updates include the close
// of the current bar when it reached the tick threshold.
func (s *TickSeries) Ingest(t *models.Trade) []BarUpdate {
	var updates []BarUpdate

	if s.current == nil {
		open := t.Price
		if !s.gapOpen && len(s.bars) > 0 {
			open = s.bars[len(s.bars)-1].bar.Close
		}
		s.gapOpen = false
		s.current = &dataPoint{
			bar: models.Bar{
				Instrument: s.inst,
				Interval:   models.Interval{Ticks: s.count},
				OpenTime:   t.Time,
				Open:       open,
				High:       open,
				Low:        open,
				Close:      open,
			},
			footprint: NewFootprint(s.step),
		}
	}

	p := s.current
	if t.Price > p.bar.High {
		p.bar.High = t.Price
	}
	if t.Price < p.bar.Low {
		p.bar.Low = t.Price
	}
	p.bar.Close = t.Price
	if t.IsSell {
		p.bar.SellVolume += t.Qty
	} else {
		p.bar.BuyVolume += t.Qty
	}
	p.bar.TradeCount++
	p.footprint.Add(t)
	if p.firstTradeTime == 0 {
		p.firstTradeTime = t.Time
	}
	p.lastTradeTime = t.Time

	if p.bar.TradeCount >= int(s.count) {
		p.bar.Closed = true
		s.bars = append(s.bars, p)
		s.current = nil
	}

	updates = append(updates, BarUpdate{Bar: p.bar, Cells: p.footprint.Cells()})
	return updates
}

// Rebucket rebuilds all footprints from raw trades with a new step.
// Bar boundaries are deterministic for a given trade sequence, so the
// bars themselves are rebuilt too.
func (s *TickSeries) Rebucket(step float64, raw []models.Trade) {
	s.step = step
	s.bars = nil
	s.current = nil
	s.gapOpen = false
	for i := range raw {
		s.Ingest(&raw[i])
	}
}

// Bars returns closed bars plus the in-progress bar, oldest first.
func (s *TickSeries) Bars() []models.Bar {
	out := make([]models.Bar, 0, len(s.bars)+1)
	for _, p := range s.bars {
		out = append(out, p.bar)
	}
	if s.current != nil {
		out = append(out, s.current.bar)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	return out
}
