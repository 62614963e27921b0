// Package book maintains synchronized order book state from snapshot
// and diff streams. The reconciler is a pure state machine: it never
// performs I/O, the caller fetches snapshots when told to.
package book

import (
	"sort"

	"chartflow/logger"
	"chartflow/models"
)

// State is the synchronization state of one instrument's book.
type State int

const (
	// StateUninitialized means no snapshot has been applied yet.
	StateUninitialized State = iota
	// StateSynced means diffs are being applied in sequence.
	StateSynced
	// StateResyncing means a gap was detected and diffs are buffered
	// until a fresh snapshot arrives.
	StateResyncing
)

func (s State) String() string {
	switch s {
	case StateSynced:
		return "synced"
	case StateResyncing:
		return "resyncing"
	default:
		return "uninitialized"
	}
}

// ApplyOutcome reports what the reconciler did with a diff.
type ApplyOutcome int

const (
	// OutcomeApplied means the diff was applied to the book.
	OutcomeApplied ApplyOutcome = iota
	// OutcomeSkipped means the diff was stale and ignored.
	OutcomeSkipped
	// OutcomeBuffered means the diff was queued pending a snapshot.
	OutcomeBuffered
	// OutcomeResync means the diff broke the sequence; the caller must
	// fetch a fresh snapshot.
	OutcomeResync
)

const maxBufferedDiffs = 4096

// Reconciler tracks one instrument's order book. Not safe for
// concurrent use; the owning dispatcher serializes access.
type Reconciler struct {
	inst models.Instrument
	rule SequenceRule
	log  *logger.Log

	state     State
	bids      map[float64]float64
	asks      map[float64]float64
	snapID    int64
	lastFinal int64
	lastTime  int64
	firstDiff bool
	buffered  []*models.BookDiff
}

func NewReconciler(inst models.Instrument) *Reconciler {
	return &Reconciler{
		inst:  inst,
		rule:  RuleFor(inst.Exchange, inst.Market),
		log:   logger.GetLogger(),
		state: StateUninitialized,
		bids:  make(map[float64]float64),
		asks:  make(map[float64]float64),
	}
}

func (r *Reconciler) State() State { return r.state }

// RequestResync forces the reconciler into the resyncing state, used
// when an upstream buffer dropped a diff and continuity is lost.
func (r *Reconciler) RequestResync() {
	if r.state == StateResyncing {
		return
	}
	r.state = StateResyncing
	r.buffered = r.buffered[:0]
	r.log.WithComponent("book").WithFields(logger.Fields{
		"instrument": r.inst.Key(),
	}).Warn("order book resync requested")
}

// ApplySnapshot replaces the book with a full snapshot and replays any
// diffs buffered while resyncing. Snapshots older than the current
// sequence position are ignored.
func (r *Reconciler) ApplySnapshot(s *models.BookSnapshot) {
	if r.state == StateSynced && s.UpdateID <= r.lastFinal {
		return
	}

	r.bids = make(map[float64]float64, len(s.Bids))
	r.asks = make(map[float64]float64, len(s.Asks))
	for _, lvl := range s.Bids {
		if lvl.Qty > 0 {
			r.bids[lvl.Price] = lvl.Qty
		}
	}
	for _, lvl := range s.Asks {
		if lvl.Qty > 0 {
			r.asks[lvl.Price] = lvl.Qty
		}
	}

	r.snapID = s.UpdateID
	r.lastFinal = s.UpdateID
	r.lastTime = s.Time
	r.firstDiff = true
	r.state = StateSynced

	replay := r.buffered
	r.buffered = nil
	for _, d := range replay {
		r.applySequenced(d)
		if r.state != StateSynced {
			break
		}
	}

	r.log.WithComponent("book").WithFields(logger.Fields{
		"instrument": r.inst.Key(),
		"update_id":  s.UpdateID,
		"bid_levels": len(r.bids),
		"ask_levels": len(r.asks),
		"replayed":   len(replay),
	}).Debug("order book snapshot applied")
}

// ApplyDiff feeds one incremental update through the state machine.
func (r *Reconciler) ApplyDiff(d *models.BookDiff) ApplyOutcome {
	switch r.state {
	case StateSynced:
		return r.applySequenced(d)
	default:
		if len(r.buffered) >= maxBufferedDiffs {
			r.buffered = r.buffered[1:]
		}
		r.buffered = append(r.buffered, d)
		return OutcomeBuffered
	}
}

func (r *Reconciler) applySequenced(d *models.BookDiff) ApplyOutcome {
	var verdict Verdict
	if r.firstDiff {
		verdict = r.rule.First(d, r.snapID)
	} else {
		verdict = r.rule.Next(d, r.lastFinal)
	}

	switch verdict {
	case VerdictStale:
		return OutcomeSkipped
	case VerdictGap:
		r.state = StateResyncing
		r.buffered = append(r.buffered[:0], d)
		r.log.WithComponent("book").WithFields(logger.Fields{
			"instrument": r.inst.Key(),
			"last_final": r.lastFinal,
			"diff_first": d.FirstUpdateID,
			"diff_final": d.FinalUpdateID,
		}).Warn("order book sequence gap detected")
		return OutcomeResync
	}

	r.applyLevels(d)
	r.firstDiff = false
	r.lastFinal = d.FinalUpdateID
	r.lastTime = d.Time

	if r.crossed() {
		r.state = StateResyncing
		r.buffered = r.buffered[:0]
		r.log.WithComponent("book").WithFields(logger.Fields{
			"instrument": r.inst.Key(),
		}).Warn("order book crossed after update")
		return OutcomeResync
	}
	return OutcomeApplied
}

func (r *Reconciler) applyLevels(d *models.BookDiff) {
	for _, lvl := range d.Bids {
		if lvl.Qty == 0 {
			delete(r.bids, lvl.Price)
		} else {
			r.bids[lvl.Price] = lvl.Qty
		}
	}
	for _, lvl := range d.Asks {
		if lvl.Qty == 0 {
			delete(r.asks, lvl.Price)
		} else {
			r.asks[lvl.Price] = lvl.Qty
		}
	}
}

func (r *Reconciler) crossed() bool {
	var bestBid, bestAsk float64
	for price := range r.bids {
		if price > bestBid {
			bestBid = price
		}
	}
	bestAsk = -1
	for price := range r.asks {
		if bestAsk < 0 || price < bestAsk {
			bestAsk = price
		}
	}
	return bestAsk >= 0 && bestBid > 0 && bestBid >= bestAsk
}

// Snapshot returns a sorted copy of the current book state. Bids
// descend, asks ascend.
func (r *Reconciler) Snapshot() *models.BookSnapshot {
	bids := make([]models.BookLevel, 0, len(r.bids))
	for price, qty := range r.bids {
		bids = append(bids, models.BookLevel{Price: price, Qty: qty})
	}
	asks := make([]models.BookLevel, 0, len(r.asks))
	for price, qty := range r.asks {
		asks = append(asks, models.BookLevel{Price: price, Qty: qty})
	}

	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })

	return &models.BookSnapshot{
		Instrument: r.inst,
		UpdateID:   r.lastFinal,
		Time:       r.lastTime,
		Bids:       bids,
		Asks:       asks,
	}
}
