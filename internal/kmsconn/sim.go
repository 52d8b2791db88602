package kmsconn

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
)

// SimConnector is an in-memory fake KMS: it derives deterministic key
// material per domain so that repeated lookups return a stable "current"
// key until RotateDomain is called, and deterministic material per
// (domain, keyId) for by-id lookups. No network is involved, matching the
// teacher's in-memory test backends (test/minio.go, test/gateway.go).
//
// It is the default connector: spec.md §4.7 step 2 says "In simulation,
// always use the simulator."
type SimConnector struct {
	mu         sync.Mutex
	generation map[int64]int64 // domainId -> current baseCipherId
	blob       map[int64]BlobMetadataDetail
}

// NewSimConnector creates a simulator with no rotations recorded yet;
// every domain starts at generation 1.
func NewSimConnector() *SimConnector {
	return &SimConnector{
		generation: make(map[int64]int64),
		blob:       make(map[int64]BlobMetadataDetail),
	}
}

// RotateDomain advances the "latest" base cipher id for a domain, so the
// next LookupByDomainIDs call returns a new key. Used by tests exercising
// refresh/rotation behavior.
func (s *SimConnector) RotateDomain(domainID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation[domainID] = s.currentGenLocked(domainID) + 1
}

func (s *SimConnector) currentGenLocked(domainID int64) int64 {
	gen, ok := s.generation[domainID]
	if !ok {
		gen = 1
		s.generation[domainID] = gen
	}
	return gen
}

func deriveKeyBytes(domainID, baseCipherID int64) []byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(domainID))
	binary.BigEndian.PutUint64(buf[8:16], uint64(baseCipherID))
	sum := sha256.Sum256(buf[:])
	return sum[:]
}

// LookupByIDs implements Connector.
func (s *SimConnector) LookupByIDs(ctx context.Context, req LookupByIDsRequest) (LookupByIDsResponse, error) {
	resp := LookupByIDsResponse{CipherKeyDetails: make([]CipherKeyDetail, 0, len(req.Keys))}
	for _, k := range req.Keys {
		resp.CipherKeyDetails = append(resp.CipherKeyDetails, CipherKeyDetail{
			DomainID:     k.DomainID,
			BaseCipherID: k.BaseCipherID,
			KeyBytes:     deriveKeyBytes(k.DomainID, k.BaseCipherID),
		})
	}
	return resp, nil
}

// LookupByDomainIDs implements Connector.
func (s *SimConnector) LookupByDomainIDs(ctx context.Context, req LookupByDomainIDsRequest) (LookupByDomainIDsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := LookupByDomainIDsResponse{CipherKeyDetails: make([]CipherKeyDetail, 0, len(req.DomainIDs))}
	for _, domainID := range req.DomainIDs {
		gen := s.currentGenLocked(domainID)
		resp.CipherKeyDetails = append(resp.CipherKeyDetails, CipherKeyDetail{
			DomainID:     domainID,
			BaseCipherID: gen,
			KeyBytes:     deriveKeyBytes(domainID, gen),
		})
	}
	return resp, nil
}

// SetBlobMetadata seeds the fake KMS with specific credential metadata
// for a blob domain, used by tests.
func (s *SimConnector) SetBlobMetadata(detail BlobMetadataDetail) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blob[detail.DomainID] = detail
}

// BlobMetadata implements Connector.
func (s *SimConnector) BlobMetadata(ctx context.Context, req BlobMetadataRequest) (BlobMetadataResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := BlobMetadataResponse{Details: make([]BlobMetadataDetail, 0, len(req.DomainIDs))}
	for _, domainID := range req.DomainIDs {
		detail, ok := s.blob[domainID]
		if !ok {
			detail = BlobMetadataDetail{
				DomainID:        domainID,
				AccessKeyID:     "sim-access-key",
				SecretAccessKey: "sim-secret-key",
			}
		}
		resp.Details = append(resp.Details, detail)
	}
	return resp, nil
}

// Close implements Connector.
func (s *SimConnector) Close() error { return nil }
