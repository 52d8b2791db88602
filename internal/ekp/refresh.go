package ekp

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/kenneth/encrypt-key-proxy/internal/ekperrors"
)

// DefaultBlobGCPolicy is the policy RefreshBlobMetadata uses unless told
// otherwise: erase entries whose ExpireAt has already passed, matching
// the cipher-key refresher's GCLatest. See DESIGN.md for why this is
// preferred over GCPolicyExpireWhenFuture.
const DefaultBlobGCPolicy = GCPolicyExpireWhenPast

func (p *Proxy) refreshInterval(knobName string, fallback time.Duration) time.Duration {
	v, err := p.Knobs.Get(knobName)
	if err != nil {
		return fallback
	}
	return time.Duration(v) * time.Second
}

// sleepUntil blocks until t, or ctx is cancelled. Used by both
// refreshers for absolute-interval (drift-free) scheduling: the next
// firing is startOfThisFiring + interval, never endOfThisFiring +
// interval, per spec.md §4.6.
func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RefreshEncryptionKeys runs the cipher-key refresher until ctx is
// cancelled or a fatal error occurs, per spec.md §4.6. A fatal error
// here is expected to terminate the dispatcher's core loop (operator
// visibility); retryable KMS errors are swallowed and counted.
func (p *Proxy) RefreshEncryptionKeys(ctx context.Context) error {
	interval := p.refreshInterval("encrypt_key_refresh_interval", 60*time.Second)
	next := time.Now()
	for {
		next = next.Add(interval)
		if err := sleepUntil(ctx, next); err != nil {
			return err
		}
		if err := p.sweepEncryptionKeys(ctx, interval); err != nil {
			return err
		}
	}
}

func (p *Proxy) sweepEncryptionKeys(ctx context.Context, interval time.Duration) error {
	now := nowTS()
	intervalSec := int64(interval.Seconds())

	var eligible []DomainID
	if err := p.onLoop(ctx, func() {
		evicted := p.Caches.GCLatest()
		p.Metrics.RecordLatestEvictions(evicted)
		for domainID, e := range p.Caches.Latest {
			willExpire := now+intervalSec > e.Validity.ExpireAt
			willNeedRefresh := now+intervalSec > e.Validity.RefreshAt
			if willExpire || willNeedRefresh || p.Chaos.ForceEligibleForRefresh() {
				eligible = append(eligible, domainID)
			}
		}
	}); err != nil {
		return err
	}

	if len(eligible) == 0 {
		return nil
	}

	domainIDs := make([]int64, len(eligible))
	for i, d := range eligible {
		domainIDs[i] = int64(d)
	}

	kmsResp, err := p.fetchByDomainIDs(ctx, "", domainIDs)
	if err != nil {
		if ekperrors.Retryable(err) {
			p.Metrics.RecordKeyRefreshError()
			p.Logger.WithError(err).Warn("encryption key refresh sweep: retryable KMS error swallowed")
			return nil
		}
		return err
	}

	defaultTTL := p.cipherCacheTTL()
	wanted := make(map[DomainID]bool, len(eligible))
	for _, d := range eligible {
		wanted[d] = true
	}

	return p.onLoop(ctx, func() {
		got := make(map[DomainID]bool, len(kmsResp.CipherKeyDetails))
		for _, d := range kmsResp.CipherKeyDetails {
			domainID := DomainID(d.DomainID)
			got[domainID] = true
			baseCipherID := BaseCipherID(d.BaseCipherID)
			validity := ComputeValidity(d.RefreshAfterSec, d.ExpireAfterSec, defaultTTL)
			p.Caches.InsertLatest(domainID, baseCipherID, d.KeyBytes, validity)
		}
		// Domains missing from the response are left alone; per spec.md
		// §4.6 step 4 this is logged, not treated as an error — the next
		// cycle will retry. This is the documented asymmetry with the
		// request handlers, which treat an unrequested item as fatal.
		for d := range wanted {
			if !got[d] {
				p.Logger.WithField("domain_id", int64(d)).Info("encryption key refresh: domain missing from KMS response")
			}
		}
	})
}

// RefreshBlobMetadata runs the blob-metadata refresher until ctx is
// cancelled or a fatal error occurs, per spec.md §4.6's second
// refresher. policy selects the GC predicate (DefaultBlobGCPolicy unless
// the caller has a reason to use GCPolicyExpireWhenFuture).
func (p *Proxy) RefreshBlobMetadata(ctx context.Context, policy BlobGCPolicy) error {
	interval := p.refreshInterval("blob_metadata_refresh_interval", 300*time.Second)
	next := time.Now()
	for {
		next = next.Add(interval)
		if err := sleepUntil(ctx, next); err != nil {
			return err
		}
		if err := p.sweepBlobMetadata(ctx, interval, policy); err != nil {
			return err
		}
	}
}

func (p *Proxy) sweepBlobMetadata(ctx context.Context, interval time.Duration, policy BlobGCPolicy) error {
	now := nowTS()
	intervalSec := int64(interval.Seconds())

	var eligible []BlobDomainID
	if err := p.onLoop(ctx, func() {
		evicted := p.Caches.GCBlobMetadata(policy)
		p.Metrics.RecordBlobEvictions(evicted)
		for domainID, e := range p.Caches.BlobMetadata {
			willExpire := now+intervalSec > e.MetadataDetails.ExpireAt
			willNeedRefresh := now+intervalSec > e.MetadataDetails.RefreshAt
			if willExpire || willNeedRefresh || p.Chaos.ForceEligibleForRefresh() {
				eligible = append(eligible, domainID)
			}
		}
	}); err != nil {
		return err
	}

	if len(eligible) == 0 {
		return nil
	}

	domainIDs := make([]int64, len(eligible))
	for i, d := range eligible {
		domainIDs[i] = int64(d)
	}

	kmsResp, err := p.fetchBlobMetadata(ctx, "", domainIDs)
	if err != nil {
		if ekperrors.Retryable(err) {
			p.Metrics.RecordBlobRefreshError()
			p.Logger.WithError(err).Warn("blob metadata refresh sweep: retryable KMS error swallowed")
			return nil
		}
		return err
	}

	defaultTTL := p.blobCacheTTL()
	wanted := make(map[BlobDomainID]bool, len(eligible))
	for _, d := range eligible {
		wanted[d] = true
	}

	refreshedCount := len(kmsResp.Details)
	err = p.onLoop(ctx, func() {
		got := make(map[BlobDomainID]bool, len(kmsResp.Details))
		for _, d := range kmsResp.Details {
			domainID := BlobDomainID(d.DomainID)
			got[domainID] = true
			validity := ComputeValidity(d.RefreshAfterSec, d.ExpireAfterSec, defaultTTL)
			p.Caches.InsertBlobMetadata(BlobMetadataDetails{
				DomainID: domainID,
				Credentials: aws.Credentials{
					AccessKeyID:     d.AccessKeyID,
					SecretAccessKey: d.SecretAccessKey,
					SessionToken:    d.SessionToken,
				},
				RefreshAt: validity.RefreshAt,
				ExpireAt:  validity.ExpireAt,
			})
		}
		for d := range wanted {
			if !got[d] {
				p.Logger.WithField("blob_domain_id", int64(d)).Info("blob metadata refresh: domain missing from KMS response")
			}
		}
	})
	if err != nil {
		return err
	}
	p.Metrics.RecordBlobRefreshed(refreshedCount)
	return nil
}
