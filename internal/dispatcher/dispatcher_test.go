package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/encrypt-key-proxy/internal/ekp"
	"github.com/kenneth/encrypt-key-proxy/internal/kmsconn"
	"github.com/kenneth/encrypt-key-proxy/internal/knobs"
	"github.com/kenneth/encrypt-key-proxy/internal/metrics"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, context.Context, context.CancelFunc) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	reg := knobs.NewRegistry(append(knobs.RESTClientKnobSpecs(), knobs.EKPKnobSpecs()...))

	d, err := New(ekp.NewCaches(time.Hour), Options{
		ConnectorType: kmsconn.TypeSim,
		Knobs:         reg,
		Metrics:       metrics.NewMetrics(),
		Logger:        logger,
		Chaos:         ekp.NoChaos,
		BlobGCPolicy:  ekp.GCPolicyExpireWhenPast,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return d, ctx, cancel
}

func TestDispatcher_GetBaseCipherKeysByIds_RoundTrips(t *testing.T) {
	d, ctx, cancel := newTestDispatcher(t)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	reply, err := d.GetBaseCipherKeysByIds(ctx, ekp.GetBaseCipherKeysByIdsRequest{
		Keys: []ekp.EncryptKeyInfo{{DomainID: 1, BaseCipherID: 2}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reply.Details) != 1 {
		t.Fatalf("len(Details) = %d, want 1", len(reply.Details))
	}

	cancel()
	<-runErr
}

func TestDispatcher_GetLatestBaseCipherKeys_RoundTrips(t *testing.T) {
	d, ctx, cancel := newTestDispatcher(t)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	reply, err := d.GetLatestBaseCipherKeys(ctx, ekp.GetLatestBaseCipherKeysRequest{DomainIDs: []ekp.DomainID{1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reply.Details) != 1 {
		t.Fatalf("len(Details) = %d, want 1", len(reply.Details))
	}

	cancel()
	<-runErr
}

func TestDispatcher_GetLatestBlobMetadata_RoundTrips(t *testing.T) {
	d, ctx, cancel := newTestDispatcher(t)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	reply, err := d.GetLatestBlobMetadata(ctx, ekp.GetLatestBlobMetadataRequest{DomainIDs: []ekp.BlobDomainID{1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reply.Details) != 1 {
		t.Fatalf("len(Details) = %d, want 1", len(reply.Details))
	}

	cancel()
	<-runErr
}

func TestDispatcher_Halt_StopsRunCleanly(t *testing.T) {
	d, ctx, cancel := newTestDispatcher(t)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	haltCtx, haltCancel := context.WithTimeout(ctx, time.Second)
	defer haltCancel()
	if err := d.Halt(haltCtx, "test-operator"); err != nil {
		t.Fatalf("Halt returned error: %v", err)
	}

	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run returned error after a clean halt: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Halt")
	}
}

func TestDispatcher_Run_UnwindsOnContextCancellation(t *testing.T) {
	d, ctx, cancel := newTestDispatcher(t)

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	cancel()

	select {
	case err := <-runErr:
		if err == nil {
			t.Error("expected Run to return a non-nil error on context cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not unwind after context cancellation")
	}
}

func TestDispatcher_New_UnknownConnectorTypeFails(t *testing.T) {
	_, err := New(ekp.NewCaches(time.Hour), Options{ConnectorType: kmsconn.TypeTag("bogus")})
	if err == nil {
		t.Fatal("expected an error for an unrecognized connector type")
	}
}
