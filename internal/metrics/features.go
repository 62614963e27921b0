package metrics

import "sync/atomic"

// Feature identifies an optional metric family that can be toggled
// through configuration.
type Feature uint32

const (
	// FeatureChannelSize controls periodic channel occupancy gauges.
	FeatureChannelSize Feature = 1 << iota
	// FeatureUsedWeight controls exchange rate-limit weight gauges.
	FeatureUsedWeight
)

var enabledFeatures atomic.Uint32

func init() {
	enabledFeatures.Store(uint32(FeatureChannelSize | FeatureUsedWeight))
}

// ConfigureFeatures replaces the enabled feature set.
func ConfigureFeatures(channelSize, usedWeight bool) {
	var mask Feature
	if channelSize {
		mask |= FeatureChannelSize
	}
	if usedWeight {
		mask |= FeatureUsedWeight
	}
	enabledFeatures.Store(uint32(mask))
}

// IsFeatureEnabled reports whether the given metric family is enabled.
func IsFeatureEnabled(f Feature) bool {
	return enabledFeatures.Load()&uint32(f) != 0
}
