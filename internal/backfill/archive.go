package backfill

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"chartflow/logger"
	"chartflow/models"
)

// ArchiveClient downloads daily trade dumps from a venue's public
// archive. Each day is a single zip holding one CSV of aggregated
// trades.
type ArchiveClient struct {
	http *http.Client
	log  *logger.Log
}

func NewArchiveClient() *ArchiveClient {
	return &ArchiveClient{
		http: &http.Client{Timeout: 2 * time.Minute},
		log:  logger.GetLogger(),
	}
}

func archiveDayURL(base string, inst models.Instrument, day time.Time) string {
	segment := "data/futures/um/daily/aggTrades"
	if inst.Market == models.MarketTypeSpot {
		segment = "data/spot/daily/aggTrades"
	}
	date := day.UTC().Format("2006-01-02")
	return fmt.Sprintf("%s/%s/%s/%s-aggTrades-%s.zip", base, segment, inst.Symbol, inst.Symbol, date)
}

// FetchDay downloads and parses one UTC day of trades. A 404 means
// the venue has not published that day (or never will); callers
// treat it as an empty day rather than a failure.
func (a *ArchiveClient) FetchDay(ctx context.Context, base string, inst models.Instrument, day time.Time) ([]models.Trade, error) {
	url := archiveDayURL(base, inst, day)
	log := a.log.WithComponent("archive_client").WithFields(logger.Fields{
		"symbol": inst.Symbol,
		"day":    day.UTC().Format("2006-01-02"),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", models.ErrFetchFailed, err)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		log.Warn("archive day not published")
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: archive status %d", models.ErrFetchFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrFetchFailed, err)
	}

	trades, err := parseArchiveZip(body)
	if err != nil {
		return nil, err
	}

	log.WithFields(logger.Fields{"trades": len(trades)}).Info("archive day downloaded")
	return trades, nil
}

func parseArchiveZip(data []byte) ([]models.Trade, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}
	if len(zr.File) == 0 {
		return nil, fmt.Errorf("%w: empty archive", models.ErrMalformedPayload)
	}

	rc, err := zr.File[0].Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}
	defer rc.Close()

	return parseArchiveCSV(rc)
}

// parseArchiveCSV reads venue trade dump rows:
// id, price, qty, first_id, last_id, time, is_buyer_maker[, ...].
// Spot dumps carry a header line, futures dumps do not.
func parseArchiveCSV(r io.Reader) ([]models.Trade, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	var trades []models.Trade
	first := true
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
		}
		if len(row) < 7 {
			return nil, fmt.Errorf("%w: short row %d cols", models.ErrMalformedPayload, len(row))
		}

		id, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			if first {
				first = false
				continue
			}
			return nil, fmt.Errorf("%w: trade id %q", models.ErrMalformedPayload, row[0])
		}
		first = false

		price, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: price %q", models.ErrMalformedPayload, row[1])
		}
		qty, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: quantity %q", models.ErrMalformedPayload, row[2])
		}
		ts, err := strconv.ParseInt(row[5], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: timestamp %q", models.ErrMalformedPayload, row[5])
		}
		// Some dumps report microseconds.
		if ts > 100_000_000_000_000 {
			ts /= 1_000
		}

		trades = append(trades, models.Trade{
			ID:     id,
			Time:   ts,
			Price:  price,
			Qty:    qty,
			IsSell: row[6] == "true" || row[6] == "True",
		})
	}
	return trades, nil
}
