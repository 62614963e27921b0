package metrics

import "chartflow/logger"

// EmitUsedWeight records the rate-limit weight consumed against a venue,
// as reported by the venue's response headers, together with the
// configured per-minute budget.
func EmitUsedWeight(log *logger.Log, exchange string, used, limit int64) {
	if !IsFeatureEnabled(FeatureUsedWeight) {
		return
	}

	fields := logger.Fields{"exchange": exchange}
	if limit > 0 {
		fields["limit"] = limit
		fields["usage_pct"] = float64(used) / float64(limit) * 100
	}

	EmitMetric(log, "rate_limit", "used_weight", used, "gauge", fields)
}
