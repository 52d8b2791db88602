// Package kmsconn defines the outbound contract between the Encryption
// Key Proxy and a Key Management System, per spec.md §6's "Outbound RPC
// endpoints" table, plus the concrete (but intentionally minimal, since
// transports are named only by contract per spec.md §1) connector
// implementations used by tests, load generation, and the REST transport.
package kmsconn

import "context"

// EncryptKeyInfo identifies one base cipher key lookup by id.
type EncryptKeyInfo struct {
	DomainID     int64
	BaseCipherID int64
}

// CipherKeyDetail is one item in a KMS lookup response.
type CipherKeyDetail struct {
	DomainID        int64
	BaseCipherID    int64
	KeyBytes        []byte
	RefreshAfterSec *int64
	ExpireAfterSec  *int64
}

// LookupByIDsRequest asks the KMS for the cipher keys matching specific
// (domainId, baseCipherId) tuples.
type LookupByIDsRequest struct {
	DebugID string
	Keys    []EncryptKeyInfo
}

// LookupByIDsResponse carries the cipher key details the KMS found.
// RefreshAfterSec/ExpireAfterSec are typically absent: by-id lookups omit
// refresh-hint semantics per spec.md §4.5.1.
type LookupByIDsResponse struct {
	CipherKeyDetails []CipherKeyDetail
}

// LookupByDomainIDsRequest asks the KMS for the latest cipher key in each
// named domain.
type LookupByDomainIDsRequest struct {
	DebugID   string
	DomainIDs []int64
}

// LookupByDomainIDsResponse carries the latest cipher key details.
type LookupByDomainIDsResponse struct {
	CipherKeyDetails []CipherKeyDetail
}

// BlobMetadataDetail is one item in a blob metadata response.
type BlobMetadataDetail struct {
	DomainID        int64
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	RefreshAfterSec *int64
	ExpireAfterSec  *int64
}

// BlobMetadataRequest asks the KMS for blob-storage credential metadata
// for specific blob domains.
type BlobMetadataRequest struct {
	DebugID   string
	DomainIDs []int64
}

// BlobMetadataResponse carries the blob metadata details the KMS found.
type BlobMetadataResponse struct {
	Details []BlobMetadataDetail
}

// Connector is the abstract KMS transport. SimConnector, RESTConnector,
// and PerfConnector in this package are concrete implementations; the
// dispatcher's factory (internal/kmsconn.New) picks one by type tag.
type Connector interface {
	// LookupByIDs implements ekLookupByIds.
	LookupByIDs(ctx context.Context, req LookupByIDsRequest) (LookupByIDsResponse, error)
	// LookupByDomainIDs implements ekLookupByDomainIds.
	LookupByDomainIDs(ctx context.Context, req LookupByDomainIDsRequest) (LookupByDomainIDsResponse, error)
	// BlobMetadata implements blobMetadataReq.
	BlobMetadata(ctx context.Context, req BlobMetadataRequest) (BlobMetadataResponse, error)
	// Close releases any underlying resources (pooled connections, etc).
	Close() error
}

// TypeTag names a concrete Connector implementation, matching spec.md
// §4.7's SimKmsConnector / RESTKmsConnector / performance-variant tags.
type TypeTag string

const (
	TypeSim  TypeTag = "SimKmsConnector"
	TypeREST TypeTag = "RESTKmsConnector"
	TypePerf TypeTag = "PerfKmsConnector"
)
