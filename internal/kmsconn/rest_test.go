package kmsconn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kenneth/encrypt-key-proxy/internal/ekperrors"
	"github.com/kenneth/encrypt-key-proxy/internal/knobs"
	"github.com/kenneth/encrypt-key-proxy/internal/restconn"
)

func newTestRESTConnector(t *testing.T, srv *httptest.Server) *RESTConnector {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("failed to parse test server URL: %v", err)
	}
	reg := knobs.NewRegistry(knobs.RESTClientKnobSpecs())
	_ = reg.Set("rest_kms_enable_not_secure_connection", 1)

	rawURL := "http://" + u.Host
	c, err := NewRESTConnector(rawURL, reg, nil)
	if err != nil {
		t.Fatalf("NewRESTConnector returned error: %v", err)
	}
	return c
}

func TestRESTConnector_LookupByIDsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/lookup_by_ids") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"cipher_key_details": []map[string]any{
				{"domain_id": 1, "base_cipher_id": 2, "key_bytes": []byte("keybytes")},
			},
		})
	}))
	defer srv.Close()

	c := newTestRESTConnector(t, srv)
	resp, err := c.LookupByIDs(context.Background(), LookupByIDsRequest{Keys: []EncryptKeyInfo{{DomainID: 1, BaseCipherID: 2}}})
	if err != nil {
		t.Fatalf("LookupByIDs returned error: %v", err)
	}
	if len(resp.CipherKeyDetails) != 1 || resp.CipherKeyDetails[0].DomainID != 1 {
		t.Errorf("unexpected response: %+v", resp)
	}

	// The connection checked out for the call above must have actually
	// carried the request/response and been handed back to the pool,
	// not just opened and discarded.
	key := restconn.PoolKey{Host: c.endpoint.Host, Service: c.endpoint.Service}
	if got := c.pool.Size(key); got != 1 {
		t.Errorf("pool.Size(%v) = %d, want 1 (connection returned after use)", key, got)
	}
}

func TestRESTConnector_LookupByIDsReusesPooledConnection(t *testing.T) {
	var requestsSeenOnConn int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestsSeenOnConn, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"cipher_key_details": []map[string]any{{"domain_id": 1, "base_cipher_id": 2, "key_bytes": []byte("x")}},
		})
	}))
	defer srv.Close()

	c := newTestRESTConnector(t, srv)
	req := LookupByIDsRequest{Keys: []EncryptKeyInfo{{DomainID: 1, BaseCipherID: 2}}}

	for i := 0; i < 3; i++ {
		if _, err := c.LookupByIDs(context.Background(), req); err != nil {
			t.Fatalf("LookupByIDs[%d] returned error: %v", i, err)
		}
	}

	if got := atomic.LoadInt32(&requestsSeenOnConn); got != 3 {
		t.Errorf("server saw %d requests, want 3", got)
	}
	key := restconn.PoolKey{Host: c.endpoint.Host, Service: c.endpoint.Service}
	if got := c.pool.Size(key); got != 1 {
		t.Errorf("pool.Size(%v) = %d, want 1 (same connection reused across calls)", key, got)
	}
}

func TestRESTConnector_NotFoundMapsToErrEncryptKeyNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestRESTConnector(t, srv)
	_, err := c.LookupByIDs(context.Background(), LookupByIDsRequest{})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(err, ekperrors.ErrEncryptKeyNotFound) {
		t.Errorf("error = %v, want ErrEncryptKeyNotFound", err)
	}
}

func TestRESTConnector_ServerErrorMapsToFetchFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestRESTConnector(t, srv)
	_, err := c.BlobMetadata(context.Background(), BlobMetadataRequest{DomainIDs: []int64{1}})
	if !errors.Is(err, ekperrors.ErrEncryptKeysFetchFailed) {
		t.Errorf("error = %v, want ErrEncryptKeysFetchFailed", err)
	}
}

func TestRESTConnector_BlobMetadataSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"details": []map[string]any{
				{"domain_id": 9, "access_key_id": "AK", "secret_access_key": "SK"},
			},
		})
	}))
	defer srv.Close()

	c := newTestRESTConnector(t, srv)
	resp, err := c.BlobMetadata(context.Background(), BlobMetadataRequest{DomainIDs: []int64{9}})
	if err != nil {
		t.Fatalf("BlobMetadata returned error: %v", err)
	}
	if resp.Details[0].AccessKeyID != "AK" {
		t.Errorf("AccessKeyID = %q, want AK", resp.Details[0].AccessKeyID)
	}
}

func TestRESTConnector_InvalidEndpointFails(t *testing.T) {
	reg := knobs.NewRegistry(knobs.RESTClientKnobSpecs())
	_, err := NewRESTConnector("not-a-url", reg, nil)
	if !errors.Is(err, ekperrors.ErrInvalidURI) {
		t.Errorf("error = %v, want ErrInvalidURI", err)
	}
}
