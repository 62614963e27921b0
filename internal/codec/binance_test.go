package codec

import (
	"errors"
	"testing"

	"chartflow/models"
)

var binanceInst = models.Instrument{
	Exchange: models.ExchangeBinance,
	Market:   models.MarketTypeLinear,
	Symbol:   "BTCUSDT",
	TickSize: 0.1,
}

func TestDecodeBinanceAggTrade(t *testing.T) {
	raw := []byte(`{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","E":1700000000100,"s":"BTCUSDT","a":26129,"p":"42150.50","q":"0.034","f":100,"l":105,"T":1700000000085,"m":true}}`)

	ev, err := DecodeBinanceStream(binanceInst, raw)
	if err != nil {
		t.Fatalf("DecodeBinanceStream() error: %v", err)
	}
	if ev.Kind != models.EventTrade {
		t.Fatalf("kind = %s, want trade", ev.Kind)
	}
	tr := ev.Trade
	if tr.ID != 26129 || tr.Price != 42150.50 || tr.Qty != 0.034 {
		t.Errorf("unexpected trade: %+v", tr)
	}
	if !tr.IsSell {
		t.Error("buyer-is-maker trade should be marked as a sell")
	}
	if tr.Time != 1700000000085 {
		t.Errorf("trade time = %d, want transaction time", tr.Time)
	}
}

func TestDecodeBinanceDepthUpdate(t *testing.T) {
	raw := []byte(`{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","E":1700000000200,"T":1700000000195,"s":"BTCUSDT","U":157,"u":160,"pu":156,"b":[["42100.00","1.5"],["42099.90","0"]],"a":[["42100.10","2.0"]]}}`)

	ev, err := DecodeBinanceStream(binanceInst, raw)
	if err != nil {
		t.Fatalf("DecodeBinanceStream() error: %v", err)
	}
	if ev.Kind != models.EventBookDiff {
		t.Fatalf("kind = %s, want book_diff", ev.Kind)
	}
	d := ev.Diff
	if d.FirstUpdateID != 157 || d.FinalUpdateID != 160 || d.PrevFinalUpdateID != 156 {
		t.Errorf("unexpected sequence ids: %+v", d)
	}
	if len(d.Bids) != 2 || d.Bids[1].Qty != 0 {
		t.Errorf("zero-qty removal level must be preserved: %+v", d.Bids)
	}
}

func TestDecodeBinanceKlineStream(t *testing.T) {
	raw := []byte(`{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1700000060000,"s":"BTCUSDT","k":{"t":1700000040000,"T":1700000099999,"s":"BTCUSDT","i":"1m","o":"42100.0","c":"42120.5","h":"42130.0","l":"42095.0","v":"12.5","V":"7.5","x":false}}}`)

	ev, err := DecodeBinanceStream(binanceInst, raw)
	if err != nil {
		t.Fatalf("DecodeBinanceStream() error: %v", err)
	}
	if ev.Kind != models.EventKline {
		t.Fatalf("kind = %s, want kline", ev.Kind)
	}
	if ev.Interval != models.Timeframe1m {
		t.Errorf("interval = %v, want 1m", ev.Interval)
	}
	k := ev.Kline
	if k.BuyVolume != 7.5 || k.SellVolume != 5.0 {
		t.Errorf("volume split = %v/%v, want 7.5/5.0", k.BuyVolume, k.SellVolume)
	}
	if k.Volume() != 12.5 {
		t.Errorf("total volume = %v, want 12.5", k.Volume())
	}
}

func TestDecodeBinanceStreamMalformed(t *testing.T) {
	cases := [][]byte{
		[]byte(`not json`),
		[]byte(`{"stream":"","data":{}}`),
		[]byte(`{"stream":"btcusdt@fundingRate","data":{}}`),
		[]byte(`{"stream":"btcusdt@aggTrade","data":{"p":"abc","q":"1"}}`),
	}
	for _, raw := range cases {
		if _, err := DecodeBinanceStream(binanceInst, raw); err == nil {
			t.Errorf("expected error for payload %s", raw)
		} else if !errors.Is(err, models.ErrMalformedPayload) {
			t.Errorf("error not wrapping ErrMalformedPayload: %v", err)
		}
	}
}

func TestDecodeBinanceDepthSnapshot(t *testing.T) {
	raw := []byte(`{"lastUpdateId":160,"E":1700000000300,"T":1700000000295,"bids":[["42100.00","1.5"]],"asks":[["42100.10","2.0"],["42100.20","0.5"]]}`)

	snap, err := DecodeBinanceDepthSnapshot(binanceInst, raw)
	if err != nil {
		t.Fatalf("DecodeBinanceDepthSnapshot() error: %v", err)
	}
	if snap.UpdateID != 160 {
		t.Errorf("UpdateID = %d, want 160", snap.UpdateID)
	}
	if len(snap.Asks) != 2 || snap.Asks[0].Price != 42100.10 {
		t.Errorf("unexpected asks: %+v", snap.Asks)
	}
}

func TestDecodeBinanceKlines(t *testing.T) {
	raw := []byte(`[[1700000040000,"42100.0","42130.0","42095.0","42120.5","12.5",1700000099999,"526506.0",150,"7.5","315903.75","0"]]`)

	klines, err := DecodeBinanceKlines(raw)
	if err != nil {
		t.Fatalf("DecodeBinanceKlines() error: %v", err)
	}
	if len(klines) != 1 {
		t.Fatalf("got %d klines, want 1", len(klines))
	}
	k := klines[0]
	if k.Time != 1700000040000 || k.Open != 42100.0 || k.Close != 42120.5 {
		t.Errorf("unexpected kline: %+v", k)
	}
	if k.BuyVolume != 7.5 || k.SellVolume != 5.0 {
		t.Errorf("volume split = %v/%v, want 7.5/5.0", k.BuyVolume, k.SellVolume)
	}
}

func TestDecodeBinanceAggTrades(t *testing.T) {
	raw := []byte(`[{"a":26129,"p":"42150.50","q":"0.034","f":100,"l":105,"T":1700000000085,"m":true},{"a":26130,"p":"42151.00","q":"0.100","f":106,"l":106,"T":1700000000120,"m":false}]`)

	trades, err := DecodeBinanceAggTrades(binanceInst, raw)
	if err != nil {
		t.Fatalf("DecodeBinanceAggTrades() error: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("got %d trades, want 2", len(trades))
	}
	if !trades[0].IsSell || trades[1].IsSell {
		t.Errorf("aggressor sides wrong: %+v", trades)
	}
}

func TestDecodeBinanceOpenInterest(t *testing.T) {
	raw := []byte(`[{"symbol":"BTCUSDT","sumOpenInterest":"20403.634","sumOpenInterestValue":"858963987.5","timestamp":1700000000000}]`)

	points, err := DecodeBinanceOpenInterest(raw)
	if err != nil {
		t.Fatalf("DecodeBinanceOpenInterest() error: %v", err)
	}
	if len(points) != 1 || points[0].Value != 20403.634 {
		t.Errorf("unexpected points: %+v", points)
	}
}
