package hints

import "time"

// durationNormalizer rewrites actual durations as error terms against the
// target the service last heard. The service then sees every sample on one
// stable scale while the real target drifts, which saves transmitting the
// target separately and does not disturb the service's control loop.
type durationNormalizer struct {
	enabled bool
}

// normalizeActual shifts actual by the gap between the transmitted and the
// current target: lastTargetSent + (actual - currentTarget). With
// normalization disabled the sample passes through untouched.
func (n durationNormalizer) normalizeActual(actual, currentTarget, lastTargetSent time.Duration) time.Duration {
	if !n.enabled {
		return actual
	}
	return lastTargetSent + (actual - currentTarget)
}
