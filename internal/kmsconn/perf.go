package kmsconn

import (
	"context"
	"math/rand/v2"
	"time"
)

// PerfConnector wraps another Connector and injects artificial latency
// before delegating, so load generation can exercise the dispatcher and
// retry wrapper under realistic KMS round-trip times without standing up
// a real KMS endpoint. It is the connector-level analogue of the
// teacher's load test harness (cmd/loadtest), which drives QPS against a
// running gateway and compares against a recorded baseline; here the
// "gateway" under test is the EKP dispatcher itself and the KMS leg is
// simulated by this wrapper.
type PerfConnector struct {
	inner    Connector
	minDelay time.Duration
	maxDelay time.Duration
}

// NewPerfConnector wraps inner, adding a uniformly distributed delay in
// [minDelay, maxDelay) before every RPC. minDelay == maxDelay gives a
// constant delay.
func NewPerfConnector(inner Connector, minDelay, maxDelay time.Duration) *PerfConnector {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &PerfConnector{inner: inner, minDelay: minDelay, maxDelay: maxDelay}
}

func (p *PerfConnector) delay(ctx context.Context) error {
	d := p.minDelay
	if spread := p.maxDelay - p.minDelay; spread > 0 {
		d += time.Duration(rand.Int64N(int64(spread)))
	}
	if d <= 0 {
		return nil
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

// LookupByIDs implements Connector.
func (p *PerfConnector) LookupByIDs(ctx context.Context, req LookupByIDsRequest) (LookupByIDsResponse, error) {
	if err := p.delay(ctx); err != nil {
		return LookupByIDsResponse{}, err
	}
	return p.inner.LookupByIDs(ctx, req)
}

// LookupByDomainIDs implements Connector.
func (p *PerfConnector) LookupByDomainIDs(ctx context.Context, req LookupByDomainIDsRequest) (LookupByDomainIDsResponse, error) {
	if err := p.delay(ctx); err != nil {
		return LookupByDomainIDsResponse{}, err
	}
	return p.inner.LookupByDomainIDs(ctx, req)
}

// BlobMetadata implements Connector.
func (p *PerfConnector) BlobMetadata(ctx context.Context, req BlobMetadataRequest) (BlobMetadataResponse, error) {
	if err := p.delay(ctx); err != nil {
		return BlobMetadataResponse{}, err
	}
	return p.inner.BlobMetadata(ctx, req)
}

// Close implements Connector, delegating to the wrapped connector.
func (p *PerfConnector) Close() error { return p.inner.Close() }
