package cache

import (
	"fmt"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"chartflow/models"
)

type tradeRecord struct {
	ID       int64   `parquet:"name=id, type=INT64"`
	Time     int64   `parquet:"name=time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Price    float64 `parquet:"name=price, type=DOUBLE"`
	Quantity float64 `parquet:"name=quantity, type=DOUBLE"`
	IsSell   bool    `parquet:"name=is_sell, type=BOOLEAN"`
}

type klineRecord struct {
	Time       int64   `parquet:"name=time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Open       float64 `parquet:"name=open, type=DOUBLE"`
	High       float64 `parquet:"name=high, type=DOUBLE"`
	Low        float64 `parquet:"name=low, type=DOUBLE"`
	Close      float64 `parquet:"name=close, type=DOUBLE"`
	BuyVolume  float64 `parquet:"name=buy_volume, type=DOUBLE"`
	SellVolume float64 `parquet:"name=sell_volume, type=DOUBLE"`
}

type openInterestRecord struct {
	Time  int64   `parquet:"name=time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Value float64 `parquet:"name=value, type=DOUBLE"`
}

const parquetParallelism = 2

func writeTradeFile(path string, inst models.Instrument, trades []models.Trade) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("create parquet file: %w", err)
	}

	pw, err := writer.NewParquetWriter(fw, new(tradeRecord), parquetParallelism)
	if err != nil {
		fw.Close()
		return fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, t := range trades {
		rec := tradeRecord{
			ID:       t.ID,
			Time:     t.Time,
			Price:    t.Price,
			Quantity: t.Qty,
			IsSell:   t.IsSell,
		}
		if err := pw.Write(rec); err != nil {
			fw.Close()
			return fmt.Errorf("write trade record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return fmt.Errorf("finalize parquet file: %w", err)
	}
	return fw.Close()
}

func readTradeFile(path string, inst models.Instrument) ([]models.Trade, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(tradeRecord), parquetParallelism)
	if err != nil {
		return nil, fmt.Errorf("create parquet reader: %w", err)
	}
	defer pr.ReadStop()

	num := int(pr.GetNumRows())
	records := make([]tradeRecord, num)
	if err := pr.Read(&records); err != nil {
		return nil, fmt.Errorf("read trade records: %w", err)
	}

	trades := make([]models.Trade, 0, num)
	for _, rec := range records {
		trades = append(trades, models.Trade{
			Instrument: inst,
			ID:         rec.ID,
			Time:       rec.Time,
			Price:      rec.Price,
			Qty:        rec.Quantity,
			IsSell:     rec.IsSell,
		})
	}
	return trades, nil
}

func writeKlineFile(path string, klines []models.Kline) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("create parquet file: %w", err)
	}

	pw, err := writer.NewParquetWriter(fw, new(klineRecord), parquetParallelism)
	if err != nil {
		fw.Close()
		return fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, k := range klines {
		rec := klineRecord{
			Time:       k.Time,
			Open:       k.Open,
			High:       k.High,
			Low:        k.Low,
			Close:      k.Close,
			BuyVolume:  k.BuyVolume,
			SellVolume: k.SellVolume,
		}
		if err := pw.Write(rec); err != nil {
			fw.Close()
			return fmt.Errorf("write kline record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return fmt.Errorf("finalize parquet file: %w", err)
	}
	return fw.Close()
}

func writeOpenInterestFile(path string, points []models.OpenInterestPoint) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("create parquet file: %w", err)
	}

	pw, err := writer.NewParquetWriter(fw, new(openInterestRecord), parquetParallelism)
	if err != nil {
		fw.Close()
		return fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, p := range points {
		if err := pw.Write(openInterestRecord{Time: p.Time, Value: p.Value}); err != nil {
			fw.Close()
			return fmt.Errorf("write open interest record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return fmt.Errorf("finalize parquet file: %w", err)
	}
	return fw.Close()
}

func readOpenInterestFile(path string) ([]models.OpenInterestPoint, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(openInterestRecord), parquetParallelism)
	if err != nil {
		return nil, fmt.Errorf("create parquet reader: %w", err)
	}
	defer pr.ReadStop()

	num := int(pr.GetNumRows())
	records := make([]openInterestRecord, num)
	if err := pr.Read(&records); err != nil {
		return nil, fmt.Errorf("read open interest records: %w", err)
	}

	points := make([]models.OpenInterestPoint, 0, num)
	for _, rec := range records {
		points = append(points, models.OpenInterestPoint{Time: rec.Time, Value: rec.Value})
	}
	return points, nil
}

func readKlineFile(path string) ([]models.Kline, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(klineRecord), parquetParallelism)
	if err != nil {
		return nil, fmt.Errorf("create parquet reader: %w", err)
	}
	defer pr.ReadStop()

	num := int(pr.GetNumRows())
	records := make([]klineRecord, num)
	if err := pr.Read(&records); err != nil {
		return nil, fmt.Errorf("read kline records: %w", err)
	}

	klines := make([]models.Kline, 0, num)
	for _, rec := range records {
		klines = append(klines, models.Kline{
			Time:       rec.Time,
			Open:       rec.Open,
			High:       rec.High,
			Low:        rec.Low,
			Close:      rec.Close,
			BuyVolume:  rec.BuyVolume,
			SellVolume: rec.SellVolume,
		})
	}
	return klines, nil
}
