package aggregator

import (
	"math"
	"sort"

	"chartflow/models"
)

// Footprint accumulates buy/sell volume per price bucket inside one
// bar. Buckets are keyed by the integer index floor(price/step) so a
// multiplier change produces a fresh, consistent keying.
type Footprint struct {
	step  float64
	cells map[int64]*models.FootprintCell
}

func NewFootprint(step float64) *Footprint {
	return &Footprint{
		step:  step,
		cells: make(map[int64]*models.FootprintCell),
	}
}

func (f *Footprint) Step() float64 { return f.step }

func (f *Footprint) Empty() bool { return len(f.cells) == 0 }

func bucketIndex(price, step float64) int64 {
	if step <= 0 {
		return 0
	}
	return int64(math.Floor(price / step))
}

// Add accumulates one trade into its price bucket.
func (f *Footprint) Add(t *models.Trade) {
	idx := bucketIndex(t.Price, f.step)
	cell, ok := f.cells[idx]
	if !ok {
		cell = &models.FootprintCell{Price: float64(idx) * f.step}
		f.cells[idx] = cell
	}
	if t.IsSell {
		cell.SellQty += t.Qty
	} else {
		cell.BuyQty += t.Qty
	}
}

// Cells returns the cells ordered by ascending price.
func (f *Footprint) Cells() []models.FootprintCell {
	out := make([]models.FootprintCell, 0, len(f.cells))
	for _, cell := range f.cells {
		out = append(out, *cell)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out
}

// TotalVolume returns the summed buy and sell volume across cells.
func (f *Footprint) TotalVolume() (buy, sell float64) {
	for _, cell := range f.cells {
		buy += cell.BuyQty
		sell += cell.SellQty
	}
	return buy, sell
}

// PointOfControl returns the price bucket with the highest total
// volume, or 0 when the footprint is empty.
func (f *Footprint) PointOfControl() float64 {
	var best float64
	var bestVol float64 = -1
	for _, cell := range f.cells {
		vol := cell.BuyQty + cell.SellQty
		if vol > bestVol {
			bestVol = vol
			best = cell.Price
		}
	}
	if bestVol < 0 {
		return 0
	}
	return best
}
