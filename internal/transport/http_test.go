package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/encrypt-key-proxy/internal/dispatcher"
	"github.com/kenneth/encrypt-key-proxy/internal/ekp"
	"github.com/kenneth/encrypt-key-proxy/internal/ekperrors"
	"github.com/kenneth/encrypt-key-proxy/internal/kmsconn"
	"github.com/kenneth/encrypt-key-proxy/internal/knobs"
	"github.com/kenneth/encrypt-key-proxy/internal/metrics"
)

func newTestServer(t *testing.T) (*httptest.Server, context.CancelFunc) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	reg := knobs.NewRegistry(append(knobs.RESTClientKnobSpecs(), knobs.EKPKnobSpecs()...))

	d, err := dispatcher.New(ekp.NewCaches(time.Hour), dispatcher.Options{
		ConnectorType: kmsconn.TypeSim,
		Knobs:         reg,
		Metrics:       metrics.NewMetrics(),
		Logger:        logger,
		Chaos:         ekp.NoChaos,
		BlobGCPolicy:  ekp.GCPolicyExpireWhenPast,
	})
	if err != nil {
		t.Fatalf("dispatcher.New returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	srv := NewServer(d, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, cancel
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestHandleGetBaseCipherKeysByIds_Success(t *testing.T) {
	ts, cancel := newTestServer(t)
	defer cancel()

	resp := postJSON(t, ts.URL+"/v1/get_base_cipher_keys_by_ids", ekp.GetBaseCipherKeysByIdsRequest{
		Keys: []ekp.EncryptKeyInfo{{DomainID: 1, BaseCipherID: 2}},
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var reply ekp.GetBaseCipherKeysByIdsReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if len(reply.Details) != 1 {
		t.Errorf("len(Details) = %d, want 1", len(reply.Details))
	}
}

func TestHandleGetBaseCipherKeysByIds_MalformedBodyIs400(t *testing.T) {
	ts, cancel := newTestServer(t)
	defer cancel()

	resp, err := http.Post(ts.URL+"/v1/get_base_cipher_keys_by_ids", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleGetLatestBaseCipherKeys_Success(t *testing.T) {
	ts, cancel := newTestServer(t)
	defer cancel()

	resp := postJSON(t, ts.URL+"/v1/get_latest_base_cipher_keys", ekp.GetLatestBaseCipherKeysRequest{
		DomainIDs: []ekp.DomainID{7},
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHandleGetLatestBlobMetadata_Success(t *testing.T) {
	ts, cancel := newTestServer(t)
	defer cancel()

	resp := postJSON(t, ts.URL+"/v1/get_latest_blob_metadata", ekp.GetLatestBlobMetadataRequest{
		DomainIDs: []ekp.BlobDomainID{3},
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHandleHalt_StopsTheDispatcher(t *testing.T) {
	ts, cancel := newTestServer(t)
	defer cancel()

	resp := postJSON(t, ts.URL+"/v1/halt", map[string]string{"requester_id": "test-operator"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	// The dispatcher loop has returned; a subsequent request should fail
	// rather than hang, because nothing is left to service d.byIDs.
	client := &http.Client{Timeout: 2 * time.Second}
	buf, _ := json.Marshal(ekp.GetBaseCipherKeysByIdsRequest{Keys: []ekp.EncryptKeyInfo{{DomainID: 1, BaseCipherID: 1}}})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/get_base_cipher_keys_by_ids", bytes.NewReader(buf))
	reqCtx, reqCancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer reqCancel()
	req = req.WithContext(reqCtx)

	resp2, err := client.Do(req)
	if err == nil {
		defer resp2.Body.Close()
		if resp2.StatusCode == http.StatusOK {
			t.Error("expected the halted dispatcher to not serve further requests successfully")
		}
	}
}

func TestStatusForReplyErr_MapsKnownSentinels(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ekperrors.ErrEncryptKeyNotFound, http.StatusNotFound},
		{ekperrors.ErrTimedOut, http.StatusGatewayTimeout},
		{ekperrors.ErrConnectionFailed, http.StatusBadGateway},
		{ekperrors.ErrEncryptKeysFetchFailed, http.StatusBadGateway},
		{errors.New("something unmapped"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusForReplyErr(c.err); got != c.want {
			t.Errorf("statusForReplyErr(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
