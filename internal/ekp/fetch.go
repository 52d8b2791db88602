package ekp

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/encrypt-key-proxy/internal/kmsconn"
	"github.com/kenneth/encrypt-key-proxy/internal/retry"
)

// retryConfig builds the backoff configuration from the knob registry's
// ekp_kms_connection_retries, per spec.md §4.3.
func (p *Proxy) retryConfig() retry.Config {
	maxRetries, err := p.Knobs.Get("ekp_kms_connection_retries")
	if err != nil {
		maxRetries = 3
	}
	return retry.DefaultConfig(maxRetries)
}

func (p *Proxy) fetchByIDs(ctx context.Context, debugID string, keys []kmsconn.EncryptKeyInfo) (kmsconn.LookupByIDsResponse, error) {
	start := time.Now()
	resp, err := retry.DoValue(ctx, p.retryConfig(), func(ctx context.Context) (kmsconn.LookupByIDsResponse, error) {
		return p.Connector.LookupByIDs(ctx, kmsconn.LookupByIDsRequest{DebugID: debugID, Keys: keys})
	}, func(attempt int) {
		p.Metrics.RecordKMSRetry("by_ids")
		p.Logger.WithFields(logrus.Fields{"debug_id": debugID, "attempt": attempt}).Warn("retrying KMS lookup_by_ids")
	}, "lookup_by_ids")
	p.Metrics.ObserveKMSLookup("by_ids", time.Since(start))
	return resp, err
}

func (p *Proxy) fetchByDomainIDs(ctx context.Context, debugID string, domainIDs []int64) (kmsconn.LookupByDomainIDsResponse, error) {
	start := time.Now()
	resp, err := retry.DoValue(ctx, p.retryConfig(), func(ctx context.Context) (kmsconn.LookupByDomainIDsResponse, error) {
		return p.Connector.LookupByDomainIDs(ctx, kmsconn.LookupByDomainIDsRequest{DebugID: debugID, DomainIDs: domainIDs})
	}, func(attempt int) {
		p.Metrics.RecordKMSRetry("by_domain_ids")
		p.Logger.WithFields(logrus.Fields{"debug_id": debugID, "attempt": attempt}).Warn("retrying KMS lookup_by_domain_ids")
	}, "lookup_by_domain_ids")
	p.Metrics.ObserveKMSLookup("by_domain_ids", time.Since(start))
	return resp, err
}

func (p *Proxy) fetchBlobMetadata(ctx context.Context, debugID string, domainIDs []int64) (kmsconn.BlobMetadataResponse, error) {
	start := time.Now()
	resp, err := retry.DoValue(ctx, p.retryConfig(), func(ctx context.Context) (kmsconn.BlobMetadataResponse, error) {
		return p.Connector.BlobMetadata(ctx, kmsconn.BlobMetadataRequest{DebugID: debugID, DomainIDs: domainIDs})
	}, func(attempt int) {
		p.Metrics.RecordKMSRetry("blob_metadata")
		p.Logger.WithFields(logrus.Fields{"debug_id": debugID, "attempt": attempt}).Warn("retrying KMS blob_metadata")
	}, "blob_metadata")
	p.Metrics.ObserveKMSLookup("blob_metadata", time.Since(start))
	return resp, err
}
