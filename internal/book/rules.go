package book

import "chartflow/models"

// Verdict is the outcome of checking a diff against the current
// sequence position.
type Verdict int

const (
	// VerdictAccept means the diff continues the sequence and must be applied.
	VerdictAccept Verdict = iota
	// VerdictStale means the diff precedes the current position and is skipped.
	VerdictStale
	// VerdictGap means the sequence is broken and a resync is required.
	VerdictGap
)

// SequenceRule encodes a venue's update-id continuity contract.
// First checks the initial diff after a snapshot with update id
// snapID; Next checks continuation against the last applied final id.
type SequenceRule interface {
	First(d *models.BookDiff, snapID int64) Verdict
	Next(d *models.BookDiff, lastFinal int64) Verdict
}

// RuleFor returns the sequence rule for an exchange/market pair.
func RuleFor(exchange models.Exchange, market models.MarketType) SequenceRule {
	switch exchange {
	case models.ExchangeBinance:
		if market == models.MarketTypeSpot {
			return binanceSpotRule{}
		}
		return binancePerpRule{}
	default:
		return contiguousRule{}
	}
}

// binancePerpRule covers Binance futures: each diff carries the
// previous diff's final id, which must match the last applied one.
type binancePerpRule struct{}

func (binancePerpRule) First(d *models.BookDiff, snapID int64) Verdict {
	if d.FinalUpdateID <= snapID {
		return VerdictStale
	}
	if d.FirstUpdateID <= snapID+1 && snapID+1 <= d.FinalUpdateID {
		return VerdictAccept
	}
	return VerdictGap
}

func (binancePerpRule) Next(d *models.BookDiff, lastFinal int64) Verdict {
	if d.FinalUpdateID <= lastFinal {
		return VerdictStale
	}
	if d.PrevFinalUpdateID == lastFinal {
		return VerdictAccept
	}
	return VerdictGap
}

// binanceSpotRule covers Binance spot: the first id of each diff must
// directly follow the last applied final id.
type binanceSpotRule struct{}

func (binanceSpotRule) First(d *models.BookDiff, snapID int64) Verdict {
	if d.FinalUpdateID <= snapID {
		return VerdictStale
	}
	if d.FirstUpdateID <= snapID+1 && snapID+1 <= d.FinalUpdateID {
		return VerdictAccept
	}
	return VerdictGap
}

func (binanceSpotRule) Next(d *models.BookDiff, lastFinal int64) Verdict {
	if d.FinalUpdateID <= lastFinal {
		return VerdictStale
	}
	if d.FirstUpdateID == lastFinal+1 {
		return VerdictAccept
	}
	return VerdictGap
}

// contiguousRule covers venues with a single monotonically increasing
// sequence number per message, such as Bybit v5.
type contiguousRule struct{}

func (contiguousRule) First(d *models.BookDiff, snapID int64) Verdict {
	if d.FinalUpdateID <= snapID {
		return VerdictStale
	}
	if d.FinalUpdateID == snapID+1 {
		return VerdictAccept
	}
	return VerdictGap
}

func (contiguousRule) Next(d *models.BookDiff, lastFinal int64) Verdict {
	if d.FinalUpdateID <= lastFinal {
		return VerdictStale
	}
	if d.FinalUpdateID == lastFinal+1 {
		return VerdictAccept
	}
	return VerdictGap
}
