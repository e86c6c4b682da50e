package license

import "time"

// EffectiveStatus derives the status a license has at instant now.
//
// Revocation and suspension always win, regardless of dates. A nil
// expiry means the license is perpetual. Past expiry the grace window,
// when configured, keeps the license usable until grace_until inclusive.
//
// The function is pure and must be re-derived on every request. Time
// advances without writes, so caching a computed status across requests
// would hand out stale entitlement decisions.
func EffectiveStatus(lic *License, now time.Time) EffectiveState {
	switch lic.Status {
	case StatusRevoked, StatusSuspended, StatusInactive:
		return StateInactive
	}

	if lic.ExpiresAt == nil {
		return StateActive
	}
	if now.Before(*lic.ExpiresAt) {
		return StateActive
	}
	if lic.GraceUntil != nil && !now.After(*lic.GraceUntil) {
		return StateGrace
	}
	return StateExpired
}
