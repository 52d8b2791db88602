package ekp

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/kenneth/encrypt-key-proxy/internal/ekperrors"
	"github.com/kenneth/encrypt-key-proxy/internal/kmsconn"
)

func TestSweepEncryptionKeys_RefreshesEligibleDomains(t *testing.T) {
	connector := &fakeConnector{
		domainsResp: kmsconn.LookupByDomainIDsResponse{CipherKeyDetails: []kmsconn.CipherKeyDetail{
			{DomainID: 1, BaseCipherID: 2, KeyBytes: []byte("new")},
		}},
	}
	p, ctx := newTestProxy(t, connector)

	// Seed an entry that will become eligible for refresh within the next
	// sweep interval.
	p.Caches.InsertLatest(1, 1, []byte("old"), ValidityTS{RefreshAt: nowTS() + 1, ExpireAt: nowTS() + 1})

	if err := p.sweepEncryptionKeys(ctx, 60*time.Second); err != nil {
		t.Fatalf("sweepEncryptionKeys returned error: %v", err)
	}

	e, ok := p.Caches.LookupByID(CacheKey{DomainID: 1, BaseCipherID: 2})
	if !ok {
		t.Fatal("expected the refreshed key to be cached by id")
	}
	if string(e.KeyBytes) != "new" {
		t.Errorf("KeyBytes = %q, want new", e.KeyBytes)
	}
}

func TestSweepEncryptionKeys_SkipsDomainsNotEligible(t *testing.T) {
	connector := &fakeConnector{}
	p, ctx := newTestProxy(t, connector)

	p.Caches.InsertLatest(1, 1, []byte("fresh"), ValidityTS{RefreshAt: nowTS() + 10000, ExpireAt: nowTS() + 20000})

	if err := p.sweepEncryptionKeys(ctx, 60*time.Second); err != nil {
		t.Fatalf("sweepEncryptionKeys returned error: %v", err)
	}

	e, _ := p.Caches.LookupLatest(1)
	if string(e.KeyBytes) != "fresh" {
		t.Error("expected the not-yet-eligible entry to remain untouched")
	}
}

func TestSweepEncryptionKeys_SwallowsRetryableError(t *testing.T) {
	connector := &fakeConnector{domainsErr: ekperrors.ErrTimedOut}
	p, ctx := newTestProxy(t, connector)
	_ = p.Knobs.Set("ekp_kms_connection_retries", 0)

	p.Caches.InsertLatest(1, 1, []byte("old"), ValidityTS{RefreshAt: nowTS() + 1, ExpireAt: nowTS() + 1})

	if err := p.sweepEncryptionKeys(ctx, 60*time.Second); err != nil {
		t.Fatalf("expected retryable KMS error to be swallowed, got: %v", err)
	}
}

func TestSweepBlobMetadata_RefreshesEligibleDomains(t *testing.T) {
	connector := &fakeConnector{
		blobResp: kmsconn.BlobMetadataResponse{Details: []kmsconn.BlobMetadataDetail{
			{DomainID: 3, AccessKeyID: "new-key"},
		}},
	}
	p, ctx := newTestProxy(t, connector)

	p.Caches.InsertBlobMetadata(BlobMetadataDetails{DomainID: 3, Credentials: aws.Credentials{AccessKeyID: "old-key"}, RefreshAt: nowTS() + 1, ExpireAt: nowTS() + 1})

	if err := p.sweepBlobMetadata(ctx, 60*time.Second, GCPolicyExpireWhenPast); err != nil {
		t.Fatalf("sweepBlobMetadata returned error: %v", err)
	}

	e, ok := p.Caches.BlobMetadata[3]
	if !ok {
		t.Fatal("expected domain 3 to remain cached after refresh")
	}
	if e.MetadataDetails.AccessKeyID != "new-key" {
		t.Errorf("AccessKeyID = %q, want new-key", e.MetadataDetails.AccessKeyID)
	}
}

func TestSweepBlobMetadata_SwallowsRetryableError(t *testing.T) {
	connector := &fakeConnector{blobErr: ekperrors.ErrTimedOut}
	p, ctx := newTestProxy(t, connector)
	_ = p.Knobs.Set("ekp_kms_connection_retries", 0)

	p.Caches.InsertBlobMetadata(BlobMetadataDetails{DomainID: 3, RefreshAt: nowTS() + 1, ExpireAt: nowTS() + 1})

	if err := p.sweepBlobMetadata(ctx, 60*time.Second, GCPolicyExpireWhenPast); err != nil {
		t.Fatalf("expected retryable KMS error to be swallowed, got: %v", err)
	}
}

func TestSleepUntil_ReturnsOnceDeadlinePasses(t *testing.T) {
	err := sleepUntil(context.Background(), time.Now().Add(5*time.Millisecond))
	if err != nil {
		t.Fatalf("sleepUntil returned error: %v", err)
	}
}

func TestSleepUntil_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sleepUntil(ctx, time.Now().Add(time.Hour))
	if err == nil {
		t.Fatal("expected cancellation to interrupt sleepUntil")
	}
}
