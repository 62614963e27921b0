// Package codec decodes raw venue payloads into normalized models.
// Decoders are pure: no network access, no shared state. Malformed
// input returns models.ErrMalformedPayload wrapped with detail.
package codec

import (
	"fmt"
	"strconv"

	"chartflow/models"
)

func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid number %q", models.ErrMalformedPayload, s)
	}
	return v, nil
}

// parseLevels converts a venue [price, qty] string-pair array into
// book levels. Zero-quantity levels are retained because they signal
// removals in diff streams.
func parseLevels(raw [][]string) ([]models.BookLevel, error) {
	levels := make([]models.BookLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, fmt.Errorf("%w: level needs price and quantity", models.ErrMalformedPayload)
		}
		price, err := parseFloat(pair[0])
		if err != nil {
			return nil, err
		}
		qty, err := parseFloat(pair[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, models.BookLevel{Price: price, Qty: qty})
	}
	return levels, nil
}
