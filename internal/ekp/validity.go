package ekp

import "time"

// ComputeValidity turns optional (refreshAfterSec, expireAfterSec) hints
// from the KMS into absolute (refreshAt, expireAt) timestamps, per the
// sentinel table in spec.md §3:
//
//   - refreshAfterSec < 0          => refreshAt = Never
//   - refreshAfterSec == 0 / nil   => refreshAt = now + defaultTTL
//   - refreshAfterSec > 0          => refreshAt = now + refreshAfterSec
//   - expireAfterSec < 0           => expireAt = Never
//   - expireAfterSec == 0 / nil    => expireAt = refreshAt
//   - expireAfterSec > 0           => expireAt = now + expireAfterSec
//
// Both outputs are strictly positive; when both inputs are absent,
// refreshAt == expireAt == now + defaultTTL.
func ComputeValidity(refreshAfterSec, expireAfterSec *int64, defaultTTL time.Duration) ValidityTS {
	now := nowTS()
	refreshAt := computeRefreshTS(refreshAfterSec, now, defaultTTL)
	expireAt := computeExpireTS(expireAfterSec, now, refreshAt)
	return ValidityTS{RefreshAt: refreshAt, ExpireAt: expireAt}
}

func computeRefreshTS(refreshAfterSec *int64, now int64, defaultTTL time.Duration) int64 {
	switch {
	case refreshAfterSec == nil:
		return now + int64(defaultTTL.Seconds())
	case *refreshAfterSec < 0:
		return Never
	case *refreshAfterSec > 0:
		return now + *refreshAfterSec
	default: // == 0
		return now + int64(defaultTTL.Seconds())
	}
}

func computeExpireTS(expireAfterSec *int64, now, refreshAt int64) int64 {
	switch {
	case expireAfterSec == nil:
		return refreshAt
	case *expireAfterSec < 0:
		return Never
	case *expireAfterSec > 0:
		return now + *expireAfterSec
	default: // == 0
		return refreshAt
	}
}

// NeverRefresh is a convenience constructor for KMS responses that
// deliberately force refreshAt to Never, e.g. by-id cipher keys (spec.md
// §4.5.1: "by-id keys are immutable; rotation doesn't apply").
func NeverRefresh(expireAfterSec *int64, defaultTTL time.Duration) ValidityTS {
	neverHint := int64(-1)
	return ComputeValidity(&neverHint, expireAfterSec, defaultTTL)
}
