package ekp

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/encrypt-key-proxy/internal/ekperrors"
	"github.com/kenneth/encrypt-key-proxy/internal/kmsconn"
)

// EncryptKeyInfo identifies a cipher key lookup by exact (domain, id).
type EncryptKeyInfo struct {
	DomainID     DomainID
	BaseCipherID BaseCipherID
}

// CipherKeyDetail is one item of a cipher-key reply. RefreshAt/ExpireAt
// are non-nil only for newly-fetched latest-key items (spec.md §4.5.2's
// documented asymmetry: cached items are echoed without these fields).
type CipherKeyDetail struct {
	DomainID     DomainID
	BaseCipherID BaseCipherID
	KeyBytes     []byte
	RefreshAt    *int64
	ExpireAt     *int64
}

// GetBaseCipherKeysByIdsRequest is the inbound request for
// getBaseCipherKeysByIds.
type GetBaseCipherKeysByIdsRequest struct {
	DebugID string
	Keys    []EncryptKeyInfo
}

// GetBaseCipherKeysByIdsReply is its reply.
type GetBaseCipherKeysByIdsReply struct {
	Error   error
	Details []CipherKeyDetail
	NumHits int
}

// GetBaseCipherKeysByIds implements spec.md §4.5.1: dedupe by
// (domainId, baseCipherId), probe the by-id cache, fetch misses, insert
// only into the by-id cache (never the latest-cache), and reply.
func (p *Proxy) GetBaseCipherKeysByIds(ctx context.Context, req GetBaseCipherKeysByIdsRequest) (GetBaseCipherKeysByIdsReply, error) {
	var reply GetBaseCipherKeysByIdsReply

	unique := dedupeKeys(req.Keys)

	var hits []CipherKeyDetail
	var misses []CacheKey
	if err := p.onLoop(ctx, func() {
		for _, ck := range unique {
			if e, ok := p.Caches.LookupByID(ck); ok {
				p.Metrics.RecordByIDCache(true)
				hits = append(hits, CipherKeyDetail{DomainID: ck.DomainID, BaseCipherID: ck.BaseCipherID, KeyBytes: e.KeyBytes})
				p.trace(req.DebugID, "C", logrus.Fields{"domain_id": int64(ck.DomainID), "base_cipher_id": int64(ck.BaseCipherID)})
			} else {
				p.Metrics.RecordByIDCache(false)
				misses = append(misses, ck)
				p.trace(req.DebugID, "Q", logrus.Fields{"domain_id": int64(ck.DomainID), "base_cipher_id": int64(ck.BaseCipherID)})
			}
		}
	}); err != nil {
		return reply, err
	}

	reply.NumHits = len(hits)
	reply.Details = append(reply.Details, hits...)

	if len(misses) == 0 {
		return reply, nil
	}

	keys := make([]kmsconn.EncryptKeyInfo, len(misses))
	for i, m := range misses {
		keys[i] = kmsconn.EncryptKeyInfo{DomainID: int64(m.DomainID), BaseCipherID: int64(m.BaseCipherID)}
	}

	kmsResp, ferr := p.fetchByIDs(ctx, req.DebugID, keys)
	if ferr != nil {
		if ekperrors.Classify(ferr) {
			reply.Error = ferr
			p.Metrics.RecordResponseError("getBaseCipherKeysByIds")
			return reply, nil
		}
		return reply, ferr
	}

	wanted := make(map[CacheKey]bool, len(misses))
	for _, m := range misses {
		wanted[m] = true
	}

	defaultTTL := p.cipherCacheTTL()
	mismatch := false
	if err := p.onLoop(ctx, func() {
		for _, d := range kmsResp.CipherKeyDetails {
			if !wanted[CacheKey{DomainID: DomainID(d.DomainID), BaseCipherID: BaseCipherID(d.BaseCipherID)}] {
				mismatch = true
				return
			}
		}
		for _, d := range kmsResp.CipherKeyDetails {
			domainID := DomainID(d.DomainID)
			baseCipherID := BaseCipherID(d.BaseCipherID)
			validity := NeverRefresh(d.ExpireAfterSec, defaultTTL)
			p.Caches.InsertByID(domainID, baseCipherID, d.KeyBytes, Never, validity.ExpireAt)
			reply.Details = append(reply.Details, CipherKeyDetail{DomainID: domainID, BaseCipherID: baseCipherID, KeyBytes: d.KeyBytes})
			p.trace(req.DebugID, "I", logrus.Fields{"domain_id": int64(domainID), "base_cipher_id": int64(baseCipherID)})
		}
	}); err != nil {
		return reply, err
	}

	// Per spec.md §9 open question 4: a KMS item that doesn't match any
	// requested tuple is fatal-but-replyable — this asymmetry with the
	// refreshers (which log-and-continue on the same condition) is
	// preserved deliberately, not an oversight.
	if mismatch {
		reply.Error = ekperrors.ErrEncryptKeysFetchFailed
		p.Metrics.RecordResponseError("getBaseCipherKeysByIds")
	}
	return reply, nil
}

func dedupeKeys(keys []EncryptKeyInfo) []CacheKey {
	seen := make(map[CacheKey]bool, len(keys))
	unique := make([]CacheKey, 0, len(keys))
	for _, k := range keys {
		ck := CacheKey{DomainID: k.DomainID, BaseCipherID: k.BaseCipherID}
		if !seen[ck] {
			seen[ck] = true
			unique = append(unique, ck)
		}
	}
	return unique
}

// GetLatestBaseCipherKeysRequest is the inbound request for
// getLatestBaseCipherKeys.
type GetLatestBaseCipherKeysRequest struct {
	DebugID   string
	DomainIDs []DomainID
}

// GetLatestBaseCipherKeysReply is its reply.
type GetLatestBaseCipherKeysReply struct {
	Error   error
	Details []CipherKeyDetail
	NumHits int
}

// GetLatestBaseCipherKeys implements spec.md §4.5.2: dedupe by domainId,
// probe the latest-cache, fetch misses, insert into both the latest and
// by-id caches, and reply — newly-fetched items carry RefreshAt/ExpireAt,
// cached items do not.
func (p *Proxy) GetLatestBaseCipherKeys(ctx context.Context, req GetLatestBaseCipherKeysRequest) (GetLatestBaseCipherKeysReply, error) {
	var reply GetLatestBaseCipherKeysReply

	unique := dedupeDomainIDs(req.DomainIDs)

	var hits []CipherKeyDetail
	var misses []DomainID
	if err := p.onLoop(ctx, func() {
		for _, d := range unique {
			if e, ok := p.Caches.LookupLatest(d); ok {
				p.Metrics.RecordLatestCache(true)
				hits = append(hits, CipherKeyDetail{DomainID: d, BaseCipherID: e.BaseCipherID, KeyBytes: e.KeyBytes})
				p.trace(req.DebugID, "C", logrus.Fields{"domain_id": int64(d)})
			} else {
				p.Metrics.RecordLatestCache(false)
				misses = append(misses, d)
				p.trace(req.DebugID, "Q", logrus.Fields{"domain_id": int64(d)})
			}
		}
	}); err != nil {
		return reply, err
	}

	reply.NumHits = len(hits)
	reply.Details = append(reply.Details, hits...)

	if len(misses) == 0 {
		return reply, nil
	}

	domainIDs := make([]int64, len(misses))
	for i, d := range misses {
		domainIDs[i] = int64(d)
	}

	kmsResp, ferr := p.fetchByDomainIDs(ctx, req.DebugID, domainIDs)
	if ferr != nil {
		if ekperrors.Classify(ferr) {
			reply.Error = ferr
			p.Metrics.RecordResponseError("getLatestBaseCipherKeys")
			return reply, nil
		}
		return reply, ferr
	}

	wanted := make(map[DomainID]bool, len(misses))
	for _, d := range misses {
		wanted[d] = true
	}

	defaultTTL := p.cipherCacheTTL()
	mismatch := false
	if err := p.onLoop(ctx, func() {
		for _, d := range kmsResp.CipherKeyDetails {
			if !wanted[DomainID(d.DomainID)] {
				mismatch = true
				return
			}
		}
		for _, d := range kmsResp.CipherKeyDetails {
			domainID := DomainID(d.DomainID)
			baseCipherID := BaseCipherID(d.BaseCipherID)
			validity := ComputeValidity(d.RefreshAfterSec, d.ExpireAfterSec, defaultTTL)
			p.Caches.InsertLatest(domainID, baseCipherID, d.KeyBytes, validity)

			refreshAt, expireAt := validity.RefreshAt, validity.ExpireAt
			reply.Details = append(reply.Details, CipherKeyDetail{
				DomainID:     domainID,
				BaseCipherID: baseCipherID,
				KeyBytes:     d.KeyBytes,
				RefreshAt:    &refreshAt,
				ExpireAt:     &expireAt,
			})
			p.trace(req.DebugID, "I", logrus.Fields{"domain_id": int64(domainID)})
		}
	}); err != nil {
		return reply, err
	}

	if mismatch {
		reply.Error = ekperrors.ErrEncryptKeysFetchFailed
		p.Metrics.RecordResponseError("getLatestBaseCipherKeys")
	}
	return reply, nil
}

func dedupeDomainIDs(domainIDs []DomainID) []DomainID {
	seen := make(map[DomainID]bool, len(domainIDs))
	unique := make([]DomainID, 0, len(domainIDs))
	for _, d := range domainIDs {
		if !seen[d] {
			seen[d] = true
			unique = append(unique, d)
		}
	}
	return unique
}

// BlobMetadataDetail is one item of a blob metadata reply.
type BlobMetadataDetail struct {
	DomainID        BlobDomainID
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// GetLatestBlobMetadataRequest is the inbound request for
// getLatestBlobMetadata.
type GetLatestBlobMetadataRequest struct {
	DebugID   string
	DomainIDs []BlobDomainID
}

// GetLatestBlobMetadataReply is its reply.
type GetLatestBlobMetadataReply struct {
	Error   error
	Details []BlobMetadataDetail
}

// GetLatestBlobMetadata implements spec.md §4.5.3: dedupe by
// blobDomainId, probe the blob metadata cache (two independent TTLs must
// both pass), fetch misses, insert, and reply. Unlike the cipher-key
// handlers, a KMS response that doesn't match the request is not treated
// as fatal here — spec.md names that asymmetry only for cipher keys.
func (p *Proxy) GetLatestBlobMetadata(ctx context.Context, req GetLatestBlobMetadataRequest) (GetLatestBlobMetadataReply, error) {
	var reply GetLatestBlobMetadataReply

	unique := dedupeBlobDomainIDs(req.DomainIDs)

	var hits []BlobMetadataDetail
	var misses []BlobDomainID
	if err := p.onLoop(ctx, func() {
		for _, d := range unique {
			if e, ok := p.Caches.LookupBlobMetadata(d); ok {
				p.Metrics.RecordBlobCache(true)
				hits = append(hits, toBlobDetail(e.MetadataDetails))
				p.trace(req.DebugID, "C", logrus.Fields{"blob_domain_id": int64(d)})
			} else {
				p.Metrics.RecordBlobCache(false)
				misses = append(misses, d)
				p.trace(req.DebugID, "Q", logrus.Fields{"blob_domain_id": int64(d)})
			}
		}
	}); err != nil {
		return reply, err
	}

	reply.Details = append(reply.Details, hits...)

	if len(misses) == 0 {
		return reply, nil
	}

	domainIDs := make([]int64, len(misses))
	for i, d := range misses {
		domainIDs[i] = int64(d)
	}

	kmsResp, ferr := p.fetchBlobMetadata(ctx, req.DebugID, domainIDs)
	if ferr != nil {
		if ekperrors.Classify(ferr) {
			reply.Error = ferr
			return reply, nil
		}
		return reply, ferr
	}

	defaultTTL := p.blobCacheTTL()
	if err := p.onLoop(ctx, func() {
		for _, d := range kmsResp.Details {
			validity := ComputeValidity(d.RefreshAfterSec, d.ExpireAfterSec, defaultTTL)
			details := BlobMetadataDetails{
				DomainID: BlobDomainID(d.DomainID),
				Credentials: aws.Credentials{
					AccessKeyID:     d.AccessKeyID,
					SecretAccessKey: d.SecretAccessKey,
					SessionToken:    d.SessionToken,
				},
				RefreshAt: validity.RefreshAt,
				ExpireAt:  validity.ExpireAt,
			}
			p.Caches.InsertBlobMetadata(details)
			reply.Details = append(reply.Details, toBlobDetail(details))
			p.trace(req.DebugID, "I", logrus.Fields{"blob_domain_id": int64(details.DomainID)})
		}
	}); err != nil {
		return reply, err
	}

	return reply, nil
}

func dedupeBlobDomainIDs(domainIDs []BlobDomainID) []BlobDomainID {
	seen := make(map[BlobDomainID]bool, len(domainIDs))
	unique := make([]BlobDomainID, 0, len(domainIDs))
	for _, d := range domainIDs {
		if !seen[d] {
			seen[d] = true
			unique = append(unique, d)
		}
	}
	return unique
}

func toBlobDetail(d BlobMetadataDetails) BlobMetadataDetail {
	return BlobMetadataDetail{
		DomainID:        d.DomainID,
		AccessKeyID:     d.AccessKeyID,
		SecretAccessKey: d.SecretAccessKey,
		SessionToken:    d.SessionToken,
	}
}
