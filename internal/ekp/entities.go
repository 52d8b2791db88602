// Package ekp implements the caching, refresh, and request-handling core
// of the Encryption Key Proxy: the three caches, the three request
// handlers, and the two refresh loops described in spec.md §3-§4.6.
package ekp

import (
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// Never is the +∞ sentinel for both RefreshAt and ExpireAt, matching the
// original's std::numeric_limits<int64_t>::max().
const Never int64 = math.MaxInt64

// DomainID identifies an encryption domain.
type DomainID int64

// BaseCipherID identifies one base cipher key within a domain.
type BaseCipherID int64

// BlobDomainID identifies a blob-storage domain whose credential metadata
// the proxy caches.
type BlobDomainID int64

// ValidityTS is the pair of absolute wall-clock second timestamps every
// cached cipher key carries: when it becomes eligible for proactive
// refresh, and when it must no longer be trusted. By construction
// RefreshAt <= ExpireAt, except when either is the Never sentinel.
type ValidityTS struct {
	RefreshAt int64
	ExpireAt  int64
}

// nowTS returns the current wall-clock time as Unix seconds. Centralized
// here, mirroring the original's single now() primitive, so every
// validity check in this package reads the clock the same way.
func nowTS() int64 {
	return time.Now().Unix()
}

// LatestCacheEntry is the "latest base cipher key for this domain" cache
// entry, per spec.md §3. isValid requires the entry to be both
// un-expired and not yet due for refresh.
type LatestCacheEntry struct {
	DomainID     DomainID
	BaseCipherID BaseCipherID
	KeyBytes     []byte
	Validity     ValidityTS
}

// IsValid reports whether the entry may be served as a cache hit:
// now < RefreshAt AND now < ExpireAt.
func (e *LatestCacheEntry) IsValid() bool {
	now := nowTS()
	return now < e.Validity.RefreshAt && now < e.Validity.ExpireAt
}

// IsExpired reports whether the entry must be garbage-collected:
// now > ExpireAt.
func (e *LatestCacheEntry) IsExpired() bool {
	return nowTS() > e.Validity.ExpireAt
}

// ByIDCacheEntry is the "cipher key for this exact (domain, keyId)" cache
// entry. RefreshAt is always Never: keys queried by id are immutable and
// never rotate, but ExpireAt is still honored because a revocable key can
// still be revoked by the KMS.
type ByIDCacheEntry struct {
	DomainID     DomainID
	BaseCipherID BaseCipherID
	KeyBytes     []byte
	ExpireAt     int64
}

// IsValid reports whether the entry may be served as a cache hit. Since
// RefreshAt is always Never, this reduces to now < ExpireAt.
func (e *ByIDCacheEntry) IsValid() bool {
	return nowTS() < e.ExpireAt
}

// BlobMetadataDetails is the credential metadata returned by the KMS for
// one blob-storage domain. It embeds aws.Credentials directly rather
// than redeclaring AccessKeyID/SecretAccessKey/SessionToken, since
// blob-storage credential metadata is, structurally, exactly that: a
// set of access credentials. RefreshAt/ExpireAt are the EKP's own
// validity window on top of it, independent of aws.Credentials' own
// Expires field, which the KMS connector does not populate.
type BlobMetadataDetails struct {
	DomainID BlobDomainID
	aws.Credentials
	RefreshAt int64
	ExpireAt  int64
}

// BlobMetaEntry wraps BlobMetadataDetails with the cache's own creation
// timestamp, per spec.md §3. Two independent TTLs gate validity: the
// local cache TTL (measured from CreationTime) and the KMS-provided
// ExpireAt on the metadata itself.
type BlobMetaEntry struct {
	MetadataDetails BlobMetadataDetails
	CreationTime    int64
}

// IsValid reports whether the cache-local TTL has not yet elapsed. The
// KMS-provided ExpireAt is checked separately by callers (it is a second,
// independent gate — see spec.md §4.5.3).
func (e *BlobMetaEntry) IsValid(cacheTTL time.Duration) bool {
	return nowTS()-e.CreationTime < int64(cacheTTL.Seconds())
}
