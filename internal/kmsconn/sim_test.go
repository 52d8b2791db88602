package kmsconn

import (
	"context"
	"testing"
)

func TestSimConnector_LookupByIDsIsDeterministic(t *testing.T) {
	sim := NewSimConnector()
	ctx := context.Background()

	req := LookupByIDsRequest{Keys: []EncryptKeyInfo{{DomainID: 1, BaseCipherID: 2}}}
	resp1, err := sim.LookupByIDs(ctx, req)
	if err != nil {
		t.Fatalf("LookupByIDs returned error: %v", err)
	}
	resp2, err := sim.LookupByIDs(ctx, req)
	if err != nil {
		t.Fatalf("LookupByIDs returned error: %v", err)
	}
	if string(resp1.CipherKeyDetails[0].KeyBytes) != string(resp2.CipherKeyDetails[0].KeyBytes) {
		t.Error("expected identical key bytes for repeated by-id lookups")
	}
}

func TestSimConnector_LookupByDomainIDsStableUntilRotation(t *testing.T) {
	sim := NewSimConnector()
	ctx := context.Background()

	req := LookupByDomainIDsRequest{DomainIDs: []int64{5}}
	resp1, _ := sim.LookupByDomainIDs(ctx, req)
	resp2, _ := sim.LookupByDomainIDs(ctx, req)
	if resp1.CipherKeyDetails[0].BaseCipherID != resp2.CipherKeyDetails[0].BaseCipherID {
		t.Error("expected stable base cipher id before rotation")
	}

	sim.RotateDomain(5)
	resp3, _ := sim.LookupByDomainIDs(ctx, req)
	if resp3.CipherKeyDetails[0].BaseCipherID == resp1.CipherKeyDetails[0].BaseCipherID {
		t.Error("expected a different base cipher id after rotation")
	}
}

func TestSimConnector_BlobMetadataDefaultAndSeeded(t *testing.T) {
	sim := NewSimConnector()
	ctx := context.Background()

	resp, err := sim.BlobMetadata(ctx, BlobMetadataRequest{DomainIDs: []int64{9}})
	if err != nil {
		t.Fatalf("BlobMetadata returned error: %v", err)
	}
	if resp.Details[0].AccessKeyID != "sim-access-key" {
		t.Errorf("AccessKeyID = %q, want default sim-access-key", resp.Details[0].AccessKeyID)
	}

	sim.SetBlobMetadata(BlobMetadataDetail{DomainID: 9, AccessKeyID: "custom-key"})
	resp, _ = sim.BlobMetadata(ctx, BlobMetadataRequest{DomainIDs: []int64{9}})
	if resp.Details[0].AccessKeyID != "custom-key" {
		t.Errorf("AccessKeyID = %q, want seeded custom-key", resp.Details[0].AccessKeyID)
	}
}

func TestSimConnector_DistinctDomainsDistinctKeys(t *testing.T) {
	sim := NewSimConnector()
	ctx := context.Background()

	resp, _ := sim.LookupByIDs(ctx, LookupByIDsRequest{Keys: []EncryptKeyInfo{
		{DomainID: 1, BaseCipherID: 1},
		{DomainID: 2, BaseCipherID: 1},
	}})
	if string(resp.CipherKeyDetails[0].KeyBytes) == string(resp.CipherKeyDetails[1].KeyBytes) {
		t.Error("expected distinct key bytes for distinct domains")
	}
}

func TestSimConnector_Close(t *testing.T) {
	if err := NewSimConnector().Close(); err != nil {
		t.Errorf("Close returned error: %v", err)
	}
}
